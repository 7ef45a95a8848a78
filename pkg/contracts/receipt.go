// Package contracts defines the wire and storage records shared across the
// gateway: receipts, policy verdicts, forward results, and the exchange
// request/response shapes.
package contracts

import (
	"fmt"
	"time"

	"github.com/odin-protocol/signet/pkg/canonicalize"
)

const (
	// CanonJCS tags receipts canonicalized per RFC 8785.
	CanonJCS = "jcs"
	// AlgoSHA256 tags receipts hashed with SHA-256.
	AlgoSHA256 = "sha256"
)

// Receipt is the hash-linked record of one hop in a trace.
//
// ReceiptHash covers the JCS canonicalization of the receipt with the
// receipt_hash field itself excluded. PrevReceiptHash is serialized as null
// on hop 1 so that the hashed bytes are stable across implementations.
type Receipt struct {
	TraceID            string       `json:"trace_id"`
	Hop                int          `json:"hop"`
	TS                 string       `json:"ts"`
	Tenant             string       `json:"tenant"`
	CID                string       `json:"cid"`
	Canon              string       `json:"canon"`
	Algo               string       `json:"algo"`
	PrevReceiptHash    *string      `json:"prev_receipt_hash"`
	Policy             PolicyResult `json:"policy"`
	FallbackUsed       bool         `json:"fallback_used,omitempty"`
	FUTokens           int64        `json:"fu_tokens,omitempty"`
	SemanticViolations []string     `json:"semantic_violations,omitempty"`
	ReceiptHash        string       `json:"receipt_hash,omitempty"`
}

// ReceiptOption mutates a receipt before its hash is computed.
type ReceiptOption func(*Receipt)

// WithFallback records fallback repair usage on the receipt.
func WithFallback(fuTokens int64) ReceiptOption {
	return func(r *Receipt) {
		r.FallbackUsed = true
		r.FUTokens = fuTokens
	}
}

// WithSemanticViolations records invariant violations on the receipt.
func WithSemanticViolations(violations []string) ReceiptOption {
	return func(r *Receipt) {
		r.SemanticViolations = violations
	}
}

// NewReceipt builds a receipt for the given hop and seals it with its hash.
func NewReceipt(traceID string, hop int, tenant, cid string, policy PolicyResult, prevReceiptHash *string, opts ...ReceiptOption) (*Receipt, error) {
	r := &Receipt{
		TraceID:         traceID,
		Hop:             hop,
		TS:              UTCNow(),
		Tenant:          tenant,
		CID:             cid,
		Canon:           CanonJCS,
		Algo:            AlgoSHA256,
		PrevReceiptHash: prevReceiptHash,
		Policy:          policy,
	}
	for _, opt := range opts {
		opt(r)
	}
	hash, err := r.ComputeHash()
	if err != nil {
		return nil, err
	}
	r.ReceiptHash = hash
	return r, nil
}

// ComputeHash canonicalizes the receipt minus receipt_hash and returns
// "sha256:" + hex(sha256(canon)).
func (r *Receipt) ComputeHash() (string, error) {
	view := *r
	view.ReceiptHash = ""
	canon, err := canonicalize.JCS(&view)
	if err != nil {
		return "", fmt.Errorf("receipt canonicalization failed: %w", err)
	}
	return "sha256:" + canonicalize.HashBytes(canon), nil
}

// VerifyHash recomputes the receipt hash and compares it to the stored one.
func (r *Receipt) VerifyHash() (bool, error) {
	want, err := r.ComputeHash()
	if err != nil {
		return false, err
	}
	return want == r.ReceiptHash, nil
}

// UTCNow returns the receipt timestamp format: ISO-8601 UTC, second
// resolution.
func UTCNow() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05Z")
}
