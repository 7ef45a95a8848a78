//go:build property
// +build property

// Property-based tests for receipt chain linkage.
package contracts

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func buildLinkedChain(traceID string, cids []string) ([]*Receipt, error) {
	var chain []*Receipt
	var prev *string
	for i, cid := range cids {
		r, err := NewReceipt(traceID, i+1, "acme", cid, PolicyAllowed(""), prev)
		if err != nil {
			return nil, err
		}
		chain = append(chain, r)
		h := r.ReceiptHash
		prev = &h
	}
	return chain, nil
}

// TestChainLinkage verifies that for arbitrary CID sequences every receipt
// hash verifies and every prev pointer links to the hash before it.
func TestChainLinkage(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("chains link and verify", prop.ForAll(
		func(cids []string) bool {
			chain, err := buildLinkedChain("trace-p", cids)
			if err != nil {
				return false
			}
			for i, r := range chain {
				ok, err := r.VerifyHash()
				if err != nil || !ok {
					return false
				}
				if i == 0 {
					if r.PrevReceiptHash != nil {
						return false
					}
					continue
				}
				if r.PrevReceiptHash == nil || *r.PrevReceiptHash != chain[i-1].ReceiptHash {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.AnyString()),
	))

	properties.Property("tampering any receipt breaks its hash", prop.ForAll(
		func(cids []string, tampered string) bool {
			if len(cids) == 0 {
				return true
			}
			chain, err := buildLinkedChain("trace-p", cids)
			if err != nil {
				return false
			}
			victim := chain[len(chain)-1]
			if tampered == victim.CID {
				return true
			}
			victim.CID = tampered
			ok, err := victim.VerifyHash()
			return err == nil && !ok
		},
		gen.SliceOfN(3, gen.AnyString()),
		gen.AnyString(),
	))

	properties.TestingRun(t)
}
