package invariants

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, s string) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	require.NoError(t, dec.Decode(&m))
	return m
}

func rulesOf(violations []Violation) []string {
	rules := make([]string, len(violations))
	for i, v := range violations {
		rules[i] = v.Rule
	}
	return rules
}

func TestCheck_CleanRepairHasNoViolations(t *testing.T) {
	original := mustParse(t, `{"invoice_id": "INV-123", "amount": 1000.00, "currency": "USD"}`)
	repaired := mustParse(t, `{"invoice_id": "INV-123", "amount": 1000.00, "currency": "USD"}`)

	assert.Empty(t, Check(original, repaired))
}

func TestCheck_AmountChangedSignificantly(t *testing.T) {
	original := mustParse(t, `{"amount": 1000.00}`)
	repaired := mustParse(t, `{"amount": 50.00}`)

	violations := Check(original, repaired)
	assert.Contains(t, rulesOf(violations), "amount_precision")
	// A 20x drop also trips the order-of-magnitude rule.
	assert.Contains(t, rulesOf(violations), "numeric_ranges")
}

func TestCheck_AmountWithinTolerance(t *testing.T) {
	original := mustParse(t, `{"amount": 1000.00}`)
	repaired := mustParse(t, `{"amount": 1005.00}`)

	for _, v := range Check(original, repaired) {
		assert.NotEqual(t, "amount_precision", v.Rule, v.Message)
	}
}

func TestCheck_AmountPrecisionLoss(t *testing.T) {
	original := mustParse(t, `{"amount": 100.50}`)
	repaired := mustParse(t, `{"amount": 100.5}`)

	violations := Check(original, repaired)
	require.Len(t, violations, 1)
	assert.Equal(t, "amount_precision", violations[0].Rule)
	assert.Contains(t, violations[0].Message, "Precision loss")
}

func TestCheck_CurrencyChanged(t *testing.T) {
	original := mustParse(t, `{"currency": "USD"}`)
	repaired := mustParse(t, `{"currency": "EUR"}`)

	violations := Check(original, repaired)
	require.Len(t, violations, 1)
	assert.Equal(t, "currency_unchanged", violations[0].Rule)
}

func TestCheck_CurrencyCaseInsensitive(t *testing.T) {
	original := mustParse(t, `{"currency": "usd"}`)
	repaired := mustParse(t, `{"currency": "USD"}`)

	assert.Empty(t, Check(original, repaired))
}

func TestCheck_IDChanged(t *testing.T) {
	original := mustParse(t, `{"invoice_id": "INV-123"}`)
	repaired := mustParse(t, `{"invoice_id": "INV-124"}`)

	violations := Check(original, repaired)
	rules := rulesOf(violations)
	assert.Contains(t, rules, "ids_unchanged")
}

func TestCheck_CriticalFieldRemoved(t *testing.T) {
	original := mustParse(t, `{"amount": 100, "note": "x"}`)
	repaired := mustParse(t, `{"note": "x"}`)

	violations := Check(original, repaired)
	rules := rulesOf(violations)
	assert.Contains(t, rules, "required_fields")
	// A removed non-critical field is fine.
	for _, v := range violations {
		assert.NotEqual(t, "note", v.Field)
	}
}

func TestCheck_OrderOfMagnitude(t *testing.T) {
	original := mustParse(t, `{"quantity": 5}`)
	repaired := mustParse(t, `{"quantity": 500}`)

	violations := Check(original, repaired)
	require.Len(t, violations, 1)
	assert.Equal(t, "numeric_ranges", violations[0].Rule)

	// 10x exactly is the boundary and passes.
	original = mustParse(t, `{"quantity": 5}`)
	repaired = mustParse(t, `{"quantity": 50}`)
	assert.Empty(t, Check(original, repaired))
}

func TestCheck_DateFormatCorrupted(t *testing.T) {
	original := mustParse(t, `{"due_date": "2025-08-25"}`)
	repaired := mustParse(t, `{"due_date": "next tuesday"}`)

	violations := Check(original, repaired)
	require.Len(t, violations, 1)
	assert.Equal(t, "date_formats", violations[0].Rule)
}

func TestCheck_EnumCorrupted(t *testing.T) {
	original := mustParse(t, `{"status": "paid"}`)
	repaired := mustParse(t, `{"status": "finished"}`)

	violations := Check(original, repaired)
	require.Len(t, violations, 1)
	assert.Equal(t, "enum_values", violations[0].Rule)

	// If the original value was already invalid, the rule stays quiet.
	original = mustParse(t, `{"status": "bogus"}`)
	repaired = mustParse(t, `{"status": "other"}`)
	assert.Empty(t, Check(original, repaired))
}

func TestCheck_NestedFields(t *testing.T) {
	original := mustParse(t, `{"invoice": {"amount": 1000.00, "currency": "USD"}}`)
	repaired := mustParse(t, `{"invoice": {"amount": 10.00, "currency": "USD"}}`)

	violations := Check(original, repaired)
	rules := rulesOf(violations)
	assert.Contains(t, rules, "amount_precision")

	found := false
	for _, v := range violations {
		if v.Field == "invoice.amount" {
			found = true
		}
	}
	assert.True(t, found, "expected dotted-path field name")
}

func TestCheck_AmountAsStringWithCurrencySymbol(t *testing.T) {
	original := mustParse(t, `{"amount": "$1000.00"}`)
	repaired := mustParse(t, `{"amount": 1000.00}`)

	for _, v := range Check(original, repaired) {
		assert.NotEqual(t, "amount_precision", v.Rule, v.Message)
	}
}

func TestCheckRepair_MalformedOriginal(t *testing.T) {
	// Original is unparseable; values are still recovered via regex and the
	// amount change must be caught.
	original := `{"invoice_id": "INV-123", "amount": 1000.00, "currency": "USD"`
	repaired := `{"invoice_id": "INV-123", "amount": 100.00, "currency": "USD"}`

	violations, err := CheckRepair(original, repaired)
	require.NoError(t, err)
	assert.Contains(t, rulesOf(violations), "amount_precision")
}

func TestCheckRepair_RepairedStillBroken(t *testing.T) {
	_, err := CheckRepair(`{"a": 1}`, `{"a": `)
	assert.ErrorIs(t, err, ErrRepairedStillMalformed)
}

func TestExtractPartial(t *testing.T) {
	data := ExtractPartial(`{"invoice_id": "INV-1", "amount": 99.5, "paid": true, "gap": null`)

	assert.Equal(t, "INV-1", data["invoice_id"])
	assert.Equal(t, json.Number("99.5"), data["amount"])
	assert.Equal(t, true, data["paid"])
	v, present := data["gap"]
	assert.True(t, present)
	assert.Nil(t, v)
}

func TestCodes(t *testing.T) {
	codes := Codes([]Violation{{Rule: "enum_values", Field: "status"}})
	assert.Equal(t, []string{"enum_values:status"}, codes)
}
