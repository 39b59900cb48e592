package helpers

import (
	"math/big"
	"testing"
)

func TestParseUnits(t *testing.T) {
	tests := []struct {
		input    string
		decimals uint8
		want     string
	}{
		{"1", 18, "1000000000000000000"},
		{"1.5", 18, "1500000000000000000"},
		{"0.000000000000009912", 18, "9912"},
		{"2", 6, "2000000"},
		{"0.1234567", 6, "123456"}, // extra precision truncated
		{"1000", 0, "1000"},
	}

	for _, tt := range tests {
		got, err := ParseUnits(tt.input, tt.decimals)
		if err != nil {
			t.Fatalf("ParseUnits(%q, %d) error = %v", tt.input, tt.decimals, err)
		}
		if got.String() != tt.want {
			t.Errorf("ParseUnits(%q, %d) = %s, want %s", tt.input, tt.decimals, got, tt.want)
		}
	}
}

func TestParseUnitsInvalid(t *testing.T) {
	for _, input := range []string{"", "abc", "1.2.3", "1,5", "-1"} {
		if _, err := ParseUnits(input, 18); err == nil {
			t.Errorf("ParseUnits(%q) expected error", input)
		}
	}
}

func TestFormatUnits(t *testing.T) {
	tests := []struct {
		input    string
		decimals uint8
		want     string
	}{
		{"1000000000000000000", 18, "1"},
		{"1500000000000000000", 18, "1.5"},
		{"9912", 18, "0.000000000000009912"},
		{"123", 0, "123"},
	}

	for _, tt := range tests {
		v, _ := new(big.Int).SetString(tt.input, 10)
		if got := FormatUnits(v, tt.decimals); got != tt.want {
			t.Errorf("FormatUnits(%s, %d) = %s, want %s", tt.input, tt.decimals, got, tt.want)
		}
	}
}

func TestFormatParseRoundTrip(t *testing.T) {
	v, _ := new(big.Int).SetString("1000000000000009912", 10)
	s := FormatUnits(v, 18)
	back, err := ParseUnits(s, 18)
	if err != nil {
		t.Fatalf("ParseUnits(%q) error = %v", s, err)
	}
	if back.Cmp(v) != 0 {
		t.Errorf("round trip = %s, want %s", back, v)
	}
}

func TestPadCode(t *testing.T) {
	if got := PadCode(12); got != "0012" {
		t.Errorf("PadCode(12) = %s, want 0012", got)
	}
	if got := PadCode(9912); got != "9912" {
		t.Errorf("PadCode(9912) = %s, want 9912", got)
	}
	if got := PadCode(0); got != "0000" {
		t.Errorf("PadCode(0) = %s, want 0000", got)
	}
}

func TestNormalizeAddress(t *testing.T) {
	if got := NormalizeAddress(" 0xABCdef12 "); got != "0xabcdef12" {
		t.Errorf("NormalizeAddress = %s", got)
	}
}
