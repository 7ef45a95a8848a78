// Package sanitize strips control characters and normalizes line endings in
// payload strings before validation. Structure, key order, and non-string
// values are never touched.
package sanitize

import "strings"

// keep reports whether a control character survives sanitization.
// Tab and newline are preserved, carriage returns are normalized separately.
func keep(r rune) bool {
	if r == '\t' || r == '\n' || r == '\r' {
		return true
	}
	if r < 0x20 || r == 0x7F {
		return false
	}
	return true
}

// Text removes C0 control characters (except tab and newline) plus DEL, then
// collapses CRLF and bare CR to LF.
func Text(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if keep(r) {
			b.WriteRune(r)
		}
	}
	out := b.String()
	out = strings.ReplaceAll(out, "\r\n", "\n")
	out = strings.ReplaceAll(out, "\r", "\n")
	return out
}

// Payload walks a decoded JSON value and sanitizes every string in place of
// the original, returning a new value. Map values and list elements recurse;
// map keys are left as-is.
func Payload(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = Payload(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = Payload(val)
		}
		return out
	case string:
		return Text(t)
	default:
		return v
	}
}

// Object is Payload specialized to the top-level JSON object shape used by
// the exchange pipeline.
func Object(m map[string]interface{}) map[string]interface{} {
	return Payload(m).(map[string]interface{})
}
