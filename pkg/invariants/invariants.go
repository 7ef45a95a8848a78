// Package invariants validates that model-repaired JSON did not corrupt
// business-critical values. Every rule compares the flattened original
// against the flattened repair; a clean repair produces zero violations.
package invariants

import (
	"fmt"
	"math/big"
	"regexp"
	"strconv"
	"strings"
)

// Violation describes one semantic invariant breach.
type Violation struct {
	Rule     string `json:"rule"`
	Field    string `json:"field"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
	Message  string `json:"message"`
}

func (v Violation) String() string {
	return v.Rule + ":" + v.Field
}

// Messages projects the human-readable messages out of a violation list.
func Messages(violations []Violation) []string {
	out := make([]string, len(violations))
	for i, v := range violations {
		out[i] = v.Message
	}
	return out
}

// Codes projects the stable rule:field identifiers recorded on receipts.
func Codes(violations []Violation) []string {
	out := make([]string, len(violations))
	for i, v := range violations {
		out[i] = v.String()
	}
	return out
}

var criticalFields = []string{
	"amount", "currency", "invoice_id", "customer_name",
	"id", "uuid", "reference", "total", "subtotal",
}

var idPatterns = []string{"id", "uuid", "reference", "number", "code"}

var enumFields = map[string][]string{
	"status":         {"pending", "paid", "cancelled", "draft"},
	"type":           {"invoice", "credit_note", "receipt"},
	"payment_method": {"cash", "card", "bank_transfer", "check"},
}

var datePatterns = []*regexp.Regexp{
	regexp.MustCompile(`\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}`),
	regexp.MustCompile(`\d{4}-\d{2}-\d{2}`),
	regexp.MustCompile(`\d{2}/\d{2}/\d{4}`),
	regexp.MustCompile(`\d{2}-\d{2}-\d{4}`),
}

// Check runs all invariant rules against the original and repaired
// documents and returns every violation found.
func Check(original, repaired map[string]interface{}) []Violation {
	origFlat := Flatten(original)
	repFlat := Flatten(repaired)

	var violations []Violation
	violations = append(violations, checkAmountPrecision(origFlat, repFlat)...)
	violations = append(violations, checkCurrencyUnchanged(origFlat, repFlat)...)
	violations = append(violations, checkIDsUnchanged(origFlat, repFlat)...)
	violations = append(violations, checkRequiredFields(origFlat, repFlat)...)
	violations = append(violations, checkNumericRanges(origFlat, repFlat)...)
	violations = append(violations, checkDateFormats(origFlat, repFlat)...)
	violations = append(violations, checkEnumValues(origFlat, repFlat)...)
	return violations
}

// Flatten walks a decoded JSON value and indexes every node by its dotted
// path. List elements use bracket notation: items[0].amount.
func Flatten(data map[string]interface{}) map[string]interface{} {
	values := make(map[string]interface{})
	var walk func(v interface{}, prefix string)
	walk = func(v interface{}, prefix string) {
		switch t := v.(type) {
		case map[string]interface{}:
			for k, val := range t {
				key := k
				if prefix != "" {
					key = prefix + "." + k
				}
				values[key] = val
				switch val.(type) {
				case map[string]interface{}, []interface{}:
					walk(val, key)
				}
			}
		case []interface{}:
			for i, item := range t {
				key := fmt.Sprintf("%s[%d]", prefix, i)
				values[key] = item
				switch item.(type) {
				case map[string]interface{}, []interface{}:
					walk(item, key)
				}
			}
		}
	}
	walk(data, "")
	return values
}

func checkAmountPrecision(original, repaired map[string]interface{}) []Violation {
	var violations []Violation
	onePercent := big.NewRat(1, 100)

	for field, origVal := range original {
		if !strings.Contains(strings.ToLower(field), "amount") {
			continue
		}
		repVal, present := repaired[field]
		if !present {
			continue
		}
		origDec, origScale, origOK := toDecimal(origVal)
		repDec, repScale, repOK := toDecimal(repVal)

		if !origOK || !repOK {
			violations = append(violations, Violation{
				Rule:     "amount_precision",
				Field:    field,
				Expected: stringify(origVal),
				Actual:   stringify(repVal),
				Message:  fmt.Sprintf("Amount format changed: %s -> %s", stringify(origVal), stringify(repVal)),
			})
			continue
		}

		diff := new(big.Rat).Sub(origDec, repDec)
		diff.Abs(diff)
		tolerance := new(big.Rat).Mul(new(big.Rat).Abs(origDec), onePercent)
		if diff.Cmp(tolerance) > 0 {
			violations = append(violations, Violation{
				Rule:     "amount_precision",
				Field:    field,
				Expected: origDec.FloatString(origScale),
				Actual:   repDec.FloatString(repScale),
				Message:  fmt.Sprintf("Amount changed significantly: %s -> %s", origDec.FloatString(origScale), repDec.FloatString(repScale)),
			})
		}
		if repScale < origScale {
			violations = append(violations, Violation{
				Rule:     "amount_precision",
				Field:    field,
				Expected: fmt.Sprintf("%d decimal places", origScale),
				Actual:   fmt.Sprintf("%d decimal places", repScale),
				Message:  fmt.Sprintf("Precision loss in amount field: %s", field),
			})
		}
	}
	return violations
}

func checkCurrencyUnchanged(original, repaired map[string]interface{}) []Violation {
	var violations []Violation
	for field, origVal := range original {
		lower := strings.ToLower(field)
		if !strings.Contains(lower, "curr") {
			continue
		}
		repVal, present := repaired[field]
		if !present {
			continue
		}
		orig := strings.ToUpper(stringify(origVal))
		rep := strings.ToUpper(stringify(repVal))
		if orig != rep {
			violations = append(violations, Violation{
				Rule:     "currency_unchanged",
				Field:    field,
				Expected: orig,
				Actual:   rep,
				Message:  fmt.Sprintf("Currency code changed: %s -> %s", orig, rep),
			})
		}
	}
	return violations
}

func checkIDsUnchanged(original, repaired map[string]interface{}) []Violation {
	var violations []Violation
	for field, origVal := range original {
		lower := strings.ToLower(field)
		matched := false
		for _, p := range idPatterns {
			if strings.Contains(lower, p) {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}
		repVal, present := repaired[field]
		if !present {
			continue
		}
		orig := strings.TrimSpace(stringify(origVal))
		rep := strings.TrimSpace(stringify(repVal))
		if orig != rep {
			violations = append(violations, Violation{
				Rule:     "ids_unchanged",
				Field:    field,
				Expected: orig,
				Actual:   rep,
				Message:  fmt.Sprintf("ID field changed: %s -> %s", orig, rep),
			})
		}
	}
	return violations
}

func checkRequiredFields(original, repaired map[string]interface{}) []Violation {
	var violations []Violation
	for field := range original {
		lower := strings.ToLower(field)
		critical := false
		for _, c := range criticalFields {
			if strings.Contains(lower, c) {
				critical = true
				break
			}
		}
		if !critical {
			continue
		}
		if _, present := repaired[field]; !present {
			violations = append(violations, Violation{
				Rule:     "required_fields",
				Field:    field,
				Expected: "present",
				Actual:   "missing",
				Message:  fmt.Sprintf("Critical field removed: %s", field),
			})
		}
	}
	return violations
}

func checkNumericRanges(original, repaired map[string]interface{}) []Violation {
	var violations []Violation
	for field, origVal := range original {
		repVal, present := repaired[field]
		if !present {
			continue
		}
		orig, origOK := toFloat(origVal)
		rep, repOK := toFloat(repVal)
		if !origOK || !repOK {
			continue
		}
		if orig == 0 || rep == 0 {
			continue
		}
		ratio := rep / orig
		if ratio < 0 {
			ratio = -ratio
		}
		if ratio > 10 || ratio < 0.1 {
			violations = append(violations, Violation{
				Rule:     "numeric_ranges",
				Field:    field,
				Expected: fmt.Sprintf("~%s", stringify(origVal)),
				Actual:   stringify(repVal),
				Message:  fmt.Sprintf("Numeric value changed by order of magnitude: %s -> %s", stringify(origVal), stringify(repVal)),
			})
		}
	}
	return violations
}

func checkDateFormats(original, repaired map[string]interface{}) []Violation {
	var violations []Violation
	for field, origVal := range original {
		lower := strings.ToLower(field)
		if !strings.Contains(lower, "date") && !strings.Contains(lower, "time") {
			continue
		}
		repVal, present := repaired[field]
		if !present {
			continue
		}
		orig := stringify(origVal)
		rep := stringify(repVal)
		if isDateLike(orig) && !isDateLike(rep) {
			violations = append(violations, Violation{
				Rule:     "date_formats",
				Field:    field,
				Expected: "valid date format",
				Actual:   rep,
				Message:  fmt.Sprintf("Date format corrupted: %s -> %s", orig, rep),
			})
		}
	}
	return violations
}

func checkEnumValues(original, repaired map[string]interface{}) []Violation {
	var violations []Violation
	for field, validValues := range enumFields {
		origVal, origPresent := original[field]
		repVal, repPresent := repaired[field]
		if !origPresent || !repPresent {
			continue
		}
		orig := strings.ToLower(stringify(origVal))
		rep := strings.ToLower(stringify(repVal))
		if contains(validValues, orig) && !contains(validValues, rep) {
			violations = append(violations, Violation{
				Rule:     "enum_values",
				Field:    field,
				Expected: fmt.Sprintf("one of %v", validValues),
				Actual:   rep,
				Message:  fmt.Sprintf("Invalid enum value: %s", rep),
			})
		}
	}
	return violations
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func isDateLike(s string) bool {
	for _, p := range datePatterns {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}

var nonNumericRE = regexp.MustCompile(`[^\d.-]`)

// toDecimal converts a value to an exact rational plus its decimal scale.
// Strings are cleaned of currency symbols first.
func toDecimal(v interface{}) (*big.Rat, int, bool) {
	var literal string
	switch t := v.(type) {
	case string:
		literal = nonNumericRE.ReplaceAllString(t, "")
	case fmt.Stringer:
		literal = t.String()
	case float64:
		literal = strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		literal = strconv.Itoa(t)
	case int64:
		literal = strconv.FormatInt(t, 10)
	default:
		return nil, 0, false
	}
	if literal == "" {
		return nil, 0, false
	}
	r, ok := new(big.Rat).SetString(literal)
	if !ok {
		return nil, 0, false
	}
	scale := 0
	if i := strings.IndexByte(literal, '.'); i >= 0 {
		scale = len(literal) - i - 1
	}
	return r, scale, true
}

func toFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case fmt.Stringer:
		f, err := strconv.ParseFloat(t.String(), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	case nil:
		return "null"
	default:
		return fmt.Sprintf("%v", t)
	}
}
