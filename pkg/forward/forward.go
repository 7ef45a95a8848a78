// Package forward delivers normalized payloads to allowlisted receivers over
// an IP-pinned HTTPS connection. Pinning the dial address defeats DNS
// rebinding between the policy check and the connect; SNI and Host keep
// certificate validation anchored to the original hostname.
package forward

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"hash/fnv"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/odin-protocol/signet/pkg/contracts"
	"github.com/odin-protocol/signet/pkg/hel"
)

const (
	connectTimeout  = 3 * time.Second
	readBudget      = 10 * time.Second
	maxResponseSize = 1 << 20
	maxErrorLen     = 200

	// StatusTransportFailure is returned when the request never produced an
	// HTTP response.
	StatusTransportFailure = 599
)

// Forwarder posts JSON documents to pinned addresses.
type Forwarder struct {
	resolver  *hel.Resolver
	userAgent string
}

// NewForwarder builds a forwarder sharing the policy engine's resolver so
// that the pinned address comes from the same resolution path the policy
// check used.
func NewForwarder(resolver *hel.Resolver) *Forwarder {
	return &Forwarder{resolver: resolver, userAgent: "Signet-Protocol/1.0"}
}

// Forward posts payload to rawURL. The returned result always carries a
// status code; transport failures map to 599 and never return an error.
func (f *Forwarder) Forward(ctx context.Context, rawURL, traceID string, payload interface{}) *contracts.ForwardResult {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return failure("", "", "invalid forward url")
	}
	host := u.Hostname()

	ips, ok, reason := f.resolver.PublicIPs(ctx, host)
	if !ok {
		return failure(host, "", "resolution rejected: "+reason)
	}
	pinned := pickIP(host, ips)

	port := u.Port()
	if port == "" {
		port = "443"
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return failure(host, pinned.String(), "payload encode failed")
	}

	client := f.pinnedClient(host, pinned, port)
	defer client.CloseIdleConnections()

	reqCtx, cancel := context.WithTimeout(ctx, readBudget)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, rawURL, bytes.NewReader(body))
	if err != nil {
		return failure(host, pinned.String(), "request build failed")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("X-Signet-Trace-Id", traceID)

	resp, err := client.Do(req)
	if err != nil {
		return failure(host, pinned.String(), err.Error())
	}
	defer resp.Body.Close()

	if resp.ContentLength > maxResponseSize {
		return &contracts.ForwardResult{
			StatusCode: http.StatusRequestEntityTooLarge,
			Host:       host,
			PinnedIP:   pinned.String(),
			Error:      "response too large",
		}
	}

	n, err := io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseSize+1))
	if err != nil {
		return failure(host, pinned.String(), "read failed: "+err.Error())
	}
	if n > maxResponseSize {
		return &contracts.ForwardResult{
			StatusCode: http.StatusRequestEntityTooLarge,
			Host:       host,
			PinnedIP:   pinned.String(),
			Error:      "response too large",
		}
	}

	return &contracts.ForwardResult{
		StatusCode:   resp.StatusCode,
		Host:         host,
		ResponseSize: n,
		PinnedIP:     pinned.String(),
	}
}

// pinnedClient dials the chosen IP regardless of what the URL's hostname
// resolves to at connect time, while TLS still validates the hostname.
func (f *Forwarder) pinnedClient(host string, pinned net.IP, port string) *http.Client {
	dialer := &net.Dialer{Timeout: connectTimeout}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
			return dialer.DialContext(ctx, network, net.JoinHostPort(pinned.String(), port))
		},
		TLSClientConfig:       &tls.Config{ServerName: host},
		TLSHandshakeTimeout:   connectTimeout,
		ResponseHeaderTimeout: readBudget,
		DisableKeepAlives:     true,
	}
	return &http.Client{
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// pickIP chooses one address deterministically: FNV hash of the host over
// the sorted address set. Same host, same set, same pin.
func pickIP(host string, ips []net.IP) net.IP {
	if len(ips) == 1 {
		return ips[0]
	}
	sorted := make([]string, len(ips))
	for i, ip := range ips {
		sorted[i] = ip.String()
	}
	sort.Strings(sorted)

	h := fnv.New32a()
	h.Write([]byte(host))
	return net.ParseIP(sorted[int(h.Sum32())%len(sorted)])
}

func failure(host, pinned, msg string) *contracts.ForwardResult {
	if len(msg) > maxErrorLen {
		msg = msg[:maxErrorLen]
	}
	return &contracts.ForwardResult{
		StatusCode: StatusTransportFailure,
		Host:       host,
		PinnedIP:   pinned,
		Error:      msg,
	}
}
