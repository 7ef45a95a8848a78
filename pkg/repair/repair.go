// Package repair recovers JSON objects from near-miss encodings without any
// model involvement. The ladder is cheap and deterministic; anything it
// cannot fix escalates to the fallback provider.
package repair

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

var trailingCommaRE = regexp.MustCompile(`,\s*([}\]])`)

// TryParse decodes s as JSON, returning (nil, false) on any decode error.
// Numbers are kept as json.Number so downstream canonicalization does not
// lose precision.
func TryParse(s string) (interface{}, bool) {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, false
	}
	// Reject trailing garbage after the first value.
	if dec.More() {
		return nil, false
	}
	return v, true
}

// String attempts the heuristic ladder in order:
//
//  1. parse as-is
//  2. strip trailing commas before } and ]
//  3. if single quotes are present, swap them for double quotes
//  4. decode backslash escapes and reparse
//
// The first successful parse wins. Returns (nil, false) when no rung
// produces valid JSON.
func String(s string) (interface{}, bool) {
	if v, ok := TryParse(s); ok {
		return v, true
	}
	s2 := trailingCommaRE.ReplaceAllString(s, "$1")
	if v, ok := TryParse(s2); ok {
		return v, true
	}
	if strings.Contains(s, "'") {
		s3 := strings.ReplaceAll(s2, "'", `"`)
		if v, ok := TryParse(s3); ok {
			return v, true
		}
	}
	if v, ok := TryParse(decodeEscapes(s)); ok {
		return v, true
	}
	return nil, false
}

// decodeEscapes resolves backslash escape sequences in place, so a payload
// that arrived double-encoded ({\"a\": 1}) parses on the final rung.
// Unknown escapes and malformed \u sequences are left untouched.
func decodeEscapes(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' || i+1 >= len(s) {
			b.WriteByte(s[i])
			continue
		}
		switch s[i+1] {
		case '"', '\'', '\\', '/':
			b.WriteByte(s[i+1])
			i++
		case 'n':
			b.WriteByte('\n')
			i++
		case 't':
			b.WriteByte('\t')
			i++
		case 'r':
			b.WriteByte('\r')
			i++
		case 'u':
			if i+5 < len(s) {
				if n, err := strconv.ParseUint(s[i+2:i+6], 16, 32); err == nil {
					b.WriteRune(rune(n))
					i += 5
					continue
				}
			}
			b.WriteByte(s[i])
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

// Object is String restricted to top-level JSON objects, which is the only
// shape the exchange pipeline accepts.
func Object(s string) (map[string]interface{}, bool) {
	v, ok := String(s)
	if !ok {
		return nil, false
	}
	m, ok := v.(map[string]interface{})
	return m, ok
}
