package contracts

// PolicyResult is the HEL verdict embedded in receipts and exchange
// responses.
type PolicyResult struct {
	Engine  string `json:"engine"`
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
	Host    string `json:"host,omitempty"`
}

// PolicyEngineHEL names the only policy engine currently wired.
const PolicyEngineHEL = "HEL"

// PolicyAllowed builds an allow verdict.
func PolicyAllowed(host string) PolicyResult {
	return PolicyResult{Engine: PolicyEngineHEL, Allowed: true, Reason: "ok", Host: host}
}

// PolicyDenied builds a deny verdict carrying a stable reason code.
func PolicyDenied(reason, host string) PolicyResult {
	return PolicyResult{Engine: PolicyEngineHEL, Allowed: false, Reason: reason, Host: host}
}

// ForwardResult captures the outcome of forwarding the normalized payload to
// an allowed receiver.
type ForwardResult struct {
	StatusCode   int    `json:"status_code"`
	Host         string `json:"host"`
	ResponseSize int64  `json:"response_size"`
	PinnedIP     string `json:"pinned_ip,omitempty"`
	Error        string `json:"error,omitempty"`
}
