// Package transform maps validated source payloads onto target shapes using
// a declarative assign document. Expressions are JMESPath lookups, literals,
// or calls into a small function table.
package transform

import (
	"fmt"
	"strings"

	"github.com/jmespath/go-jmespath"
)

// Mapping is the transform document: dotted target paths to expressions.
type Mapping struct {
	Assign map[string]interface{} `json:"assign" yaml:"assign"`
}

// Func is a transform function callable from an expression.
type Func func(args []interface{}) (interface{}, error)

var functions = map[string]Func{
	"to_minor": func(args []interface{}) (interface{}, error) {
		if len(args) != 2 {
			return nil, fmt.Errorf("to_minor: want 2 args, got %d", len(args))
		}
		currency, _ := args[1].(string)
		return ToMinor(args[0], currency)
	},
}

// Apply evaluates every assignment in the mapping against the payload and
// builds the target document. Assignment order does not matter; dotted
// target paths create intermediate objects as needed.
func Apply(payload map[string]interface{}, m Mapping) (map[string]interface{}, error) {
	out := make(map[string]interface{})
	for target, expr := range m.Assign {
		value, err := eval(expr, payload)
		if err != nil {
			return nil, fmt.Errorf("transform %s: %w", target, err)
		}
		SetDeep(out, target, value)
	}
	return out, nil
}

func eval(expr interface{}, payload map[string]interface{}) (interface{}, error) {
	s, isString := expr.(string)
	if !isString {
		return expr, nil
	}
	if name, argsStr, ok := splitCall(s); ok {
		fn := functions[name]
		var args []interface{}
		if strings.TrimSpace(argsStr) != "" {
			for _, part := range splitArgs(argsStr) {
				part = strings.TrimSpace(part)
				if strings.HasPrefix(part, "'") && strings.HasSuffix(part, "'") && len(part) >= 2 {
					args = append(args, part[1:len(part)-1])
					continue
				}
				v, err := jmespath.Search(part, payload)
				if err != nil {
					return nil, fmt.Errorf("argument %q: %w", part, err)
				}
				args = append(args, v)
			}
		}
		return fn(args)
	}
	return jmespath.Search(s, payload)
}

// splitCall recognizes name(args) where name is a registered function.
func splitCall(s string) (name, args string, ok bool) {
	open := strings.IndexByte(s, '(')
	if open < 0 || !strings.HasSuffix(s, ")") {
		return "", "", false
	}
	name = s[:open]
	if _, known := functions[name]; !known {
		return "", "", false
	}
	return name, s[open+1 : len(s)-1], true
}

// splitArgs splits on commas outside single-quoted string literals.
func splitArgs(s string) []string {
	var out []string
	var buf strings.Builder
	inStr := false
	for _, ch := range s {
		switch {
		case ch == '\'':
			inStr = !inStr
			buf.WriteRune(ch)
		case ch == ',' && !inStr:
			out = append(out, strings.TrimSpace(buf.String()))
			buf.Reset()
		default:
			buf.WriteRune(ch)
		}
	}
	if strings.TrimSpace(buf.String()) != "" {
		out = append(out, strings.TrimSpace(buf.String()))
	}
	return out
}

// SetDeep walks a dotted path in obj, creating intermediate objects, and
// sets the terminal key. Existing non-object intermediates are replaced.
func SetDeep(obj map[string]interface{}, dotted string, value interface{}) {
	parts := strings.Split(dotted, ".")
	cur := obj
	for _, p := range parts[:len(parts)-1] {
		next, ok := cur[p].(map[string]interface{})
		if !ok {
			next = make(map[string]interface{})
			cur[p] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = value
}
