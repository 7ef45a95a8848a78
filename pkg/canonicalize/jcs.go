// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// compliant serialization for deterministic hashing of receipts, payloads,
// and export bundles.
package canonicalize

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"
)

// ErrCanonicalization wraps any failure to produce canonical bytes
// (non-finite floats, non-string map keys, unsupported types).
type ErrCanonicalization struct {
	Reason string
}

func (e *ErrCanonicalization) Error() string {
	return "canonicalize: " + e.Reason
}

// JCS returns the RFC 8785 canonical JSON representation of v.
//
// Strings (including object keys) are normalized to Unicode NFC before
// escaping. Key ordering, number formatting, and escape rules follow
// RFC 8785 via the jcs transform. HTML escaping is disabled.
func JCS(v interface{}) ([]byte, error) {
	// Marshal to intermediate JSON first so struct tags are respected.
	// This also rejects NaN/Infinity and non-string map keys up front.
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, &ErrCanonicalization{Reason: err.Error()}
	}

	var generic interface{}
	decoder := json.NewDecoder(bytes.NewReader(intermediate))
	decoder.UseNumber()
	if err := decoder.Decode(&generic); err != nil {
		return nil, &ErrCanonicalization{Reason: "intermediate decode failed: " + err.Error()}
	}

	generic = normalizeNFC(generic)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return nil, &ErrCanonicalization{Reason: "re-encode failed: " + err.Error()}
	}

	canonical, err := jcs.Transform(bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}))
	if err != nil {
		return nil, &ErrCanonicalization{Reason: "jcs transform failed: " + err.Error()}
	}
	return canonical, nil
}

// normalizeNFC walks the decoded value and NFC-normalizes every string,
// including object keys. Arrays keep their order.
func normalizeNFC(v interface{}) interface{} {
	switch t := v.(type) {
	case string:
		return norm.NFC.String(t)
	case []interface{}:
		for i, elem := range t {
			t[i] = normalizeNFC(elem)
		}
		return t
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[norm.NFC.String(k)] = normalizeNFC(val)
		}
		return out
	default:
		return v
	}
}

// JCSString returns the canonical form as a string.
func JCSString(v interface{}) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// HashBytes computes the SHA-256 hash of raw bytes as a hex string.
func HashBytes(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// CanonicalHash returns the SHA-256 hex digest of the canonical form of v.
func CanonicalHash(v interface{}) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// CID returns the content identifier of v: "sha256:" + hex(sha256(JCS(v))).
func CID(v interface{}) (string, error) {
	h, err := CanonicalHash(v)
	if err != nil {
		return "", err
	}
	return "sha256:" + h, nil
}

// MustCID is CID for values already known to be canonical-safe (decoded
// JSON). It panics on canonicalization failure, which for such values is a
// programmer error.
func MustCID(v interface{}) string {
	c, err := CID(v)
	if err != nil {
		panic(fmt.Sprintf("canonicalize: MustCID: %v", err))
	}
	return c
}
