//go:build property
// +build property

// Property-based tests for canonicalization determinism and round-trip
// stability.
package canonicalize

import (
	"encoding/json"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestJCSDeterminism verifies JCS(obj) == JCS(obj) for arbitrary flat objects.
func TestJCSDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("canonicalization is deterministic", prop.ForAll(
		func(keys []string, values []string) bool {
			obj := make(map[string]any)
			for i := 0; i < len(keys) && i < len(values); i++ {
				obj[keys[i]] = values[i]
			}
			b1, err1 := JCS(obj)
			b2, err2 := JCS(obj)
			if err1 != nil || err2 != nil {
				return err1 != nil && err2 != nil
			}
			return string(b1) == string(b2)
		},
		gen.SliceOf(gen.AnyString()),
		gen.SliceOf(gen.AnyString()),
	))

	properties.TestingRun(t)
}

// TestJCSRoundTrip verifies canon(parse(canon(x))) == canon(x).
func TestJCSRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("parse of canonical form re-canonicalizes identically", prop.ForAll(
		func(keys []string, ints []int64, strs []string) bool {
			obj := make(map[string]any)
			for i, k := range keys {
				switch i % 3 {
				case 0:
					if i < len(ints) {
						obj[k] = ints[i]
					}
				case 1:
					if i < len(strs) {
						obj[k] = strs[i]
					}
				default:
					obj[k] = i%2 == 0
				}
			}
			first, err := JCS(obj)
			if err != nil {
				return true
			}
			var parsed any
			if err := json.Unmarshal(first, &parsed); err != nil {
				return false
			}
			second, err := JCS(parsed)
			if err != nil {
				return false
			}
			return string(first) == string(second)
		},
		gen.SliceOf(gen.Identifier()),
		gen.SliceOf(gen.Int64()),
		gen.SliceOf(gen.AnyString()),
	))

	properties.TestingRun(t)
}
