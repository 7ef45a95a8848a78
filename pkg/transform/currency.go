package transform

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

// minorUnits maps ISO 4217 codes to their minor-unit scale. Codes not
// listed use the default of 2.
var minorUnits = map[string]int{
	"USD": 2,
	"EUR": 2,
	"GBP": 2,
	"JPY": 0,
	"CNY": 2,
	"AUD": 2,
	"CAD": 2,
	"INR": 2,
}

// ToMinor converts a major-unit amount to integer minor units for the given
// currency, truncating toward zero. 123.456 USD becomes 12345.
func ToMinor(amount interface{}, currency string) (int64, error) {
	scale, ok := minorUnits[strings.ToUpper(currency)]
	if !ok {
		scale = 2
	}

	var literal string
	switch t := amount.(type) {
	case string:
		literal = t
	case fmt.Stringer:
		literal = t.String()
	case float64:
		literal = strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		literal = strconv.Itoa(t)
	case int64:
		literal = strconv.FormatInt(t, 10)
	default:
		return 0, fmt.Errorf("to_minor: unsupported amount type %T", amount)
	}

	r, ok := new(big.Rat).SetString(literal)
	if !ok {
		return 0, fmt.Errorf("to_minor: invalid amount %q", literal)
	}

	pow := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(scale)), nil)
	r.Mul(r, new(big.Rat).SetInt(pow))

	// big.Int Quo truncates toward zero, matching the quantization rule.
	minor := new(big.Int).Quo(r.Num(), r.Denom())
	if !minor.IsInt64() {
		return 0, fmt.Errorf("to_minor: amount out of range %q", literal)
	}
	return minor.Int64(), nil
}
