package contracts

// ExchangeRequest is the body of POST /v1/exchange.
type ExchangeRequest struct {
	TraceID     string                 `json:"trace_id"`
	PayloadType string                 `json:"payload_type"`
	TargetType  string                 `json:"target_type"`
	Payload     map[string]interface{} `json:"payload"`
	ForwardURL  string                 `json:"forward_url,omitempty"`
}

// ReceiptSummary is the receipt slice returned inline on a successful
// exchange.
type ReceiptSummary struct {
	TS              string  `json:"ts"`
	CID             string  `json:"cid"`
	ReceiptHash     string  `json:"receipt_hash"`
	PrevReceiptHash *string `json:"prev_receipt_hash"`
	Hop             int     `json:"hop"`
}

// ExchangeResponse is the success body of POST /v1/exchange.
type ExchangeResponse struct {
	TraceID    string                 `json:"trace_id"`
	Normalized map[string]interface{} `json:"normalized"`
	Policy     PolicyResult           `json:"policy"`
	Receipt    ReceiptSummary         `json:"receipt"`
	Forwarded  *ForwardResult         `json:"forwarded,omitempty"`
}

// Summary projects the inline receipt view out of a full receipt.
func (r *Receipt) Summary() ReceiptSummary {
	return ReceiptSummary{
		TS:              r.TS,
		CID:             r.CID,
		ReceiptHash:     r.ReceiptHash,
		PrevReceiptHash: r.PrevReceiptHash,
		Hop:             r.Hop,
	}
}

// ChainExport is the bundle returned by the receipt export endpoint and
// consumed by the offline verifier.
type ChainExport struct {
	TraceID    string     `json:"trace_id"`
	Chain      []*Receipt `json:"chain"`
	ExportedAt string     `json:"exported_at"`
}

// UsageRecord is one row of the per-tenant usage ledger.
type UsageRecord struct {
	TraceID  string `json:"trace_id"`
	Tenant   string `json:"tenant"`
	VExUnits int64  `json:"vex_units"`
	FUTokens int64  `json:"fu_tokens"`
	TS       string `json:"ts"`
}

// BillingEvent is one queued billing emission. Events are buffered and
// flushed independently of the exchange path.
type BillingEvent struct {
	ID       int64  `json:"id,omitempty"`
	Tenant   string `json:"tenant"`
	Metric   string `json:"metric"`
	Quantity int64  `json:"quantity"`
	TierID   string `json:"tier_id,omitempty"`
	TS       string `json:"ts"`
	Attempts int    `json:"attempts,omitempty"`
}

// Billing metric names.
const (
	MetricVEx = "vex"
	MetricFU  = "fu"
)
