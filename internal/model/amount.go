package model

import (
	"fmt"
	"math/big"
	"strings"
)

// ParseAtomic parses a decimal string of atomic units. Only non-negative integers are accepted.
func ParseAtomic(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty amount")
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return nil, fmt.Errorf("invalid atomic amount %q", s)
		}
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid atomic amount %q", s)
	}
	return v, nil
}

// ParseUnits converts a human amount such as "1.00" into atomic units by a fixed decimal shift.
// Fractional digits beyond the asset's precision are truncated, never rounded up.
func ParseUnits(human string, decimals int) (*big.Int, error) {
	if decimals < 0 {
		return nil, fmt.Errorf("negative decimals %d", decimals)
	}
	s := strings.TrimSpace(human)
	if s == "" {
		return nil, fmt.Errorf("empty amount")
	}
	if strings.HasPrefix(s, "-") {
		return nil, fmt.Errorf("negative amount %q", human)
	}
	s = strings.TrimPrefix(s, "+")

	whole, frac, hasDot := strings.Cut(s, ".")
	if hasDot && strings.Contains(frac, ".") {
		return nil, fmt.Errorf("invalid amount %q", human)
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > decimals {
		frac = frac[:decimals]
	}
	frac += strings.Repeat("0", decimals-len(frac))

	v, err := ParseAtomic(whole + frac)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q", human)
	}
	return v, nil
}

// FormatUnits renders atomic units as a fixed-point decimal string for display only.
// The result always carries exactly `decimals` fractional digits.
func FormatUnits(amount *big.Int, decimals int) string {
	if amount == nil {
		return "0"
	}
	if decimals <= 0 {
		return amount.String()
	}
	neg := amount.Sign() < 0
	abs := new(big.Int).Abs(amount)
	base := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	whole, frac := new(big.Int).QuoRem(abs, base, new(big.Int))

	fracStr := frac.String()
	fracStr = strings.Repeat("0", decimals-len(fracStr)) + fracStr

	out := whole.String() + "." + fracStr
	if neg {
		out = "-" + out
	}
	return out
}
