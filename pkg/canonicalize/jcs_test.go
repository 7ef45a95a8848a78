package canonicalize

import (
	"encoding/json"
	"math"
	"testing"
)

func TestJCS_Sorting(t *testing.T) {
	input := map[string]interface{}{
		"c": 3,
		"a": 1,
		"b": 2,
	}

	expected := `{"a":1,"b":2,"c":3}`

	b, err := JCS(input)
	if err != nil {
		t.Fatalf("JCS failed: %v", err)
	}
	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestJCS_RecursiveSorting(t *testing.T) {
	input := map[string]interface{}{
		"z": map[string]interface{}{
			"y": "foo",
			"x": "bar",
		},
		"a": 1,
	}

	expected := `{"a":1,"z":{"x":"bar","y":"foo"}}`

	b, err := JCS(input)
	if err != nil {
		t.Fatalf("JCS failed: %v", err)
	}
	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestJCS_NoHTMLEscaping(t *testing.T) {
	input := map[string]string{
		"html": "<script>alert('xss')</script> &",
	}

	expected := `{"html":"<script>alert('xss')</script> &"}`

	b, err := JCS(input)
	if err != nil {
		t.Fatalf("JCS failed: %v", err)
	}
	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestJCS_ArraysPreserveOrder(t *testing.T) {
	input := map[string]interface{}{
		"list": []interface{}{3, 1, 2, "b", "a"},
	}

	expected := `{"list":[3,1,2,"b","a"]}`

	b, err := JCS(input)
	if err != nil {
		t.Fatalf("JCS failed: %v", err)
	}
	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestJCS_NumberFormatting(t *testing.T) {
	cases := []struct {
		name     string
		input    interface{}
		expected string
	}{
		{"integer", map[string]interface{}{"n": 42}, `{"n":42}`},
		{"float trims zeros", map[string]interface{}{"n": 1.50}, `{"n":1.5}`},
		{"negative zero", map[string]interface{}{"n": math.Copysign(0, -1)}, `{"n":0}`},
		{"large int", map[string]interface{}{"n": int64(9007199254740991)}, `{"n":9007199254740991}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b, err := JCS(tc.input)
			if err != nil {
				t.Fatalf("JCS failed: %v", err)
			}
			if string(b) != tc.expected {
				t.Errorf("Expected %s, got %s", tc.expected, string(b))
			}
		})
	}
}

func TestJCS_NaNFatal(t *testing.T) {
	_, err := JCS(map[string]interface{}{"n": math.NaN()})
	if err == nil {
		t.Fatal("expected canonicalization error for NaN")
	}
	if _, ok := err.(*ErrCanonicalization); !ok {
		t.Errorf("expected *ErrCanonicalization, got %T", err)
	}

	_, err = JCS(map[string]interface{}{"n": math.Inf(1)})
	if err == nil {
		t.Fatal("expected canonicalization error for +Inf")
	}
}

func TestJCS_NonStringKeysFatal(t *testing.T) {
	_, err := JCS(map[interface{}]interface{}{1: "a"})
	if err == nil {
		t.Fatal("expected canonicalization error for non-string keys")
	}
}

func TestJCS_NFCNormalization(t *testing.T) {
	// "é" composed (U+00E9) vs decomposed (U+0065 U+0301) must canonicalize
	// to identical bytes.
	composed := map[string]string{"k": "café"}
	decomposed := map[string]string{"k": "café"}

	b1, err := JCS(composed)
	if err != nil {
		t.Fatalf("JCS failed: %v", err)
	}
	b2, err := JCS(decomposed)
	if err != nil {
		t.Fatalf("JCS failed: %v", err)
	}
	if string(b1) != string(b2) {
		t.Errorf("NFC forms differ: %q vs %q", b1, b2)
	}
}

func TestJCS_RoundTrip(t *testing.T) {
	input := map[string]interface{}{
		"b": []interface{}{1, 2.5, "x"},
		"a": map[string]interface{}{"nested": true, "null": nil},
	}

	first, err := JCS(input)
	if err != nil {
		t.Fatalf("JCS failed: %v", err)
	}

	var parsed interface{}
	if err := json.Unmarshal(first, &parsed); err != nil {
		t.Fatalf("canonical output not valid JSON: %v", err)
	}

	second, err := JCS(parsed)
	if err != nil {
		t.Fatalf("JCS of parsed failed: %v", err)
	}
	if string(first) != string(second) {
		t.Errorf("round-trip mismatch: %s vs %s", first, second)
	}
}

func TestCID_Format(t *testing.T) {
	c, err := CID(map[string]interface{}{"a": 1})
	if err != nil {
		t.Fatalf("CID failed: %v", err)
	}
	if len(c) != len("sha256:")+64 {
		t.Errorf("unexpected CID length: %s", c)
	}
	if c[:7] != "sha256:" {
		t.Errorf("CID missing sha256 prefix: %s", c)
	}
}

func TestCanonicalHash_Stability(t *testing.T) {
	v1 := map[string]interface{}{"a": 1, "b": 2}

	type s struct {
		B int `json:"b"`
		A int `json:"a"`
	}
	v2 := s{A: 1, B: 2}

	h1, err := CanonicalHash(v1)
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	h2, err := CanonicalHash(v2)
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	if h1 != h2 {
		t.Errorf("hash differs for equivalent values: %s vs %s", h1, h2)
	}
}
