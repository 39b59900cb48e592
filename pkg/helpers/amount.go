// Package helpers provides common utility functions used across the codebase.
package helpers

import (
	"fmt"
	"math/big"
	"strings"
)

// ParseUnits parses a decimal string into an integer amount in smallest
// units. For example, ParseUnits("1.5", 18) returns 1500000000000000000.
func ParseUnits(s string, decimals uint8) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty amount string")
	}

	wholeStr := s
	fracStr := ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		wholeStr = s[:i]
		fracStr = s[i+1:]
	}
	if wholeStr == "" {
		wholeStr = "0"
	}

	for _, c := range wholeStr + fracStr {
		if c < '0' || c > '9' {
			return nil, fmt.Errorf("invalid character in amount: %c", c)
		}
	}

	// Pad or truncate the fractional part to the token's precision.
	for len(fracStr) < int(decimals) {
		fracStr += "0"
	}
	if len(fracStr) > int(decimals) {
		fracStr = fracStr[:decimals]
	}

	amount, ok := new(big.Int).SetString(wholeStr+fracStr, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount: %s", s)
	}
	return amount, nil
}

// FormatUnits formats an integer amount in smallest units as a decimal
// string. For example, FormatUnits(1500000000000000000, 18) returns "1.5".
func FormatUnits(amount *big.Int, decimals uint8) string {
	if amount == nil {
		return "0"
	}
	if decimals == 0 {
		return amount.String()
	}

	divisor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	whole := new(big.Int)
	frac := new(big.Int)
	whole.QuoRem(amount, divisor, frac)

	if frac.Sign() == 0 {
		return whole.String()
	}

	fracStr := fmt.Sprintf("%0*d", int(decimals), frac)
	fracStr = strings.TrimRight(fracStr, "0")
	return whole.String() + "." + fracStr
}

// ParseBig parses a raw integer string into a big.Int.
func ParseBig(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return nil, fmt.Errorf("invalid integer: %q", s)
	}
	return v, nil
}

// PadCode left-pads a numeric code to exactly 4 decimal digits.
// Codes wider than 4 digits are rejected by the callers before padding.
func PadCode(code uint64) string {
	return fmt.Sprintf("%04d", code%10000)
}

// NormalizeAddress lowercases a 0x address for use as a map or queue key.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}
