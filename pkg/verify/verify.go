// Package verify checks exported receipt chains offline: receipt hashes,
// chain linkage, and the detached export signature against a published JWK.
// It needs no network and no storage, only the bundle bytes.
package verify

import (
	"fmt"

	"github.com/odin-protocol/signet/pkg/canonicalize"
	"github.com/odin-protocol/signet/pkg/contracts"
	"github.com/odin-protocol/signet/pkg/crypto"
)

// Report is the outcome of one bundle verification.
type Report struct {
	TraceID     string   `json:"trace_id"`
	Receipts    int      `json:"receipts"`
	HashesOK    bool     `json:"hashes_ok"`
	LinksOK     bool     `json:"links_ok"`
	SignatureOK *bool    `json:"signature_ok,omitempty"` // nil when no signature was checked
	Errors      []string `json:"errors,omitempty"`
}

// OK reports whether every executed check passed.
func (r *Report) OK() bool {
	if !r.HashesOK || !r.LinksOK {
		return false
	}
	if r.SignatureOK != nil && !*r.SignatureOK {
		return false
	}
	return true
}

func (r *Report) fail(format string, args ...interface{}) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// Bundle verifies receipt hashes and hash linkage of an export.
func Bundle(export *contracts.ChainExport) *Report {
	report := &Report{
		TraceID:  export.TraceID,
		Receipts: len(export.Chain),
		HashesOK: true,
		LinksOK:  true,
	}
	if len(export.Chain) == 0 {
		report.HashesOK = false
		report.LinksOK = false
		report.fail("bundle has no receipts")
		return report
	}

	for i, r := range export.Chain {
		if r.TraceID != export.TraceID {
			report.LinksOK = false
			report.fail("receipt %d belongs to trace %s, bundle is %s", i, r.TraceID, export.TraceID)
		}
		ok, err := r.VerifyHash()
		if err != nil {
			report.HashesOK = false
			report.fail("receipt hop %d: %v", r.Hop, err)
			continue
		}
		if !ok {
			report.HashesOK = false
			report.fail("receipt hop %d: stored hash does not match recomputation", r.Hop)
		}
	}

	// Linkage: hops are consecutive from 1, each prev points at the hash
	// before it, and hop 1 carries the explicit null.
	for i, r := range export.Chain {
		if r.Hop != i+1 {
			report.LinksOK = false
			report.fail("expected hop %d at position %d, got %d", i+1, i, r.Hop)
			continue
		}
		if i == 0 {
			if r.PrevReceiptHash != nil {
				report.LinksOK = false
				report.fail("hop 1 must have null prev_receipt_hash")
			}
			continue
		}
		prev := export.Chain[i-1]
		if r.PrevReceiptHash == nil || *r.PrevReceiptHash != prev.ReceiptHash {
			report.LinksOK = false
			report.fail("hop %d prev_receipt_hash does not link to hop %d", r.Hop, prev.Hop)
		}
	}

	return report
}

// BundleWithSignature verifies the chain and then the detached signature:
// the bundle CID must match a local recomputation and the signature must
// verify against key over cid|trace_id|exported_at.
func BundleWithSignature(export *contracts.ChainExport, es *crypto.ExportSignature, key crypto.JWK) *Report {
	report := Bundle(export)
	sigOK := false
	report.SignatureOK = &sigOK

	cid, err := canonicalize.CID(export)
	if err != nil {
		report.fail("bundle canonicalization: %v", err)
		return report
	}
	if cid != es.BundleCID {
		report.fail("bundle CID mismatch: computed %s, signed %s", cid, es.BundleCID)
		return report
	}
	if es.ExportedAt != export.ExportedAt {
		report.fail("signature exported_at %s does not match bundle %s", es.ExportedAt, export.ExportedAt)
		return report
	}

	ok, err := crypto.VerifyExportSignature(key, export.TraceID, es)
	if err != nil {
		report.fail("signature verification: %v", err)
		return report
	}
	if !ok {
		report.fail("signature does not verify under kid %s", es.Kid)
		return report
	}
	sigOK = true
	return report
}
