package repair

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestString_ValidJSONPassesThrough(t *testing.T) {
	v, ok := String(`{"a": 1, "b": "x"}`)
	require.True(t, ok)

	m := v.(map[string]interface{})
	assert.Equal(t, json.Number("1"), m["a"])
	assert.Equal(t, "x", m["b"])
}

func TestString_TrailingCommas(t *testing.T) {
	v, ok := String(`{"a": 1, "b": [1, 2,],}`)
	require.True(t, ok)

	m := v.(map[string]interface{})
	assert.Len(t, m["b"], 2)
}

func TestString_SingleQuotes(t *testing.T) {
	v, ok := String(`{'invoice_id': 'INV-123', 'amount': 100.50}`)
	require.True(t, ok)

	m := v.(map[string]interface{})
	assert.Equal(t, "INV-123", m["invoice_id"])
	assert.Equal(t, json.Number("100.50"), m["amount"])
}

func TestString_SingleQuotesWithTrailingComma(t *testing.T) {
	v, ok := String(`{'a': 1,}`)
	require.True(t, ok)
	assert.Equal(t, json.Number("1"), v.(map[string]interface{})["a"])
}

func TestString_EscapedPayload(t *testing.T) {
	// A JSON document that arrived with its quotes backslash-escaped.
	v, ok := String(`{\"a\": 1}`)
	require.True(t, ok)
	assert.Equal(t, json.Number("1"), v.(map[string]interface{})["a"])
}

func TestString_Unrepairable(t *testing.T) {
	_, ok := String(`{"a": `)
	assert.False(t, ok)

	_, ok = String(`not json at all`)
	assert.False(t, ok)
}

func TestString_RejectsTrailingGarbage(t *testing.T) {
	_, ok := TryParse(`{"a": 1} trailing`)
	assert.False(t, ok)
}

func TestObject_RejectsNonObjects(t *testing.T) {
	_, ok := Object(`[1, 2, 3]`)
	assert.False(t, ok)

	m, ok := Object(`{"a": 1}`)
	require.True(t, ok)
	assert.Contains(t, m, "a")
}

func TestString_PreservesNumberPrecision(t *testing.T) {
	v, ok := String(`{"amount": 1000.00}`)
	require.True(t, ok)

	m := v.(map[string]interface{})
	// json.Number keeps the literal form, so decimal scale is observable.
	assert.Equal(t, json.Number("1000.00"), m["amount"])
}
