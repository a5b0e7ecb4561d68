// Package aggregate ranks affordable tools by price and summarizes catalog pricing.
package aggregate

import (
	"math/big"
	"sort"

	"github.com/yourorg/x402-bazaar-agent/internal/tools"
)

// PriceSummary reports the spread of selected-option prices across a catalog, in atomic units
type PriceSummary struct {
	Count    int      `json:"count"`
	Min      *big.Int `json:"min,omitempty"`
	Median   *big.Int `json:"median,omitempty"`
	Max      *big.Int `json:"max,omitempty"`
	Total    *big.Int `json:"total,omitempty"`
	Decimals int      `json:"decimals"`
}

// RankByPrice returns entries ordered cheapest first. Ties keep URL order so the ranking
// is stable across refreshes.
func RankByPrice(entries []tools.Entry) []tools.Entry {
	ranked := make([]tools.Entry, len(entries))
	copy(ranked, entries)

	sort.SliceStable(ranked, func(i, j int) bool {
		c := compareAmounts(ranked[i].Option.MaxAmountRequired, ranked[j].Option.MaxAmountRequired)
		if c != 0 {
			return c < 0
		}
		return ranked[i].Resource.Resource < ranked[j].Resource.Resource
	})
	return ranked
}

// Cheapest returns up to n entries from the front of the price ranking
func Cheapest(entries []tools.Entry, n int) []tools.Entry {
	ranked := RankByPrice(entries)
	if n >= 0 && n < len(ranked) {
		ranked = ranked[:n]
	}
	return ranked
}

// Summarize computes min/median/max over the selected option amounts. Entries without an
// amount are skipped. For an even count the median is the floor of the two middle values' mean.
func Summarize(entries []tools.Entry) PriceSummary {
	values := make([]*big.Int, 0, len(entries))
	decimals := 0
	for _, e := range entries {
		if e.Option.MaxAmountRequired == nil {
			continue
		}
		values = append(values, e.Option.MaxAmountRequired)
		if e.Option.Decimals > decimals {
			decimals = e.Option.Decimals
		}
	}

	s := PriceSummary{Count: len(values), Decimals: decimals}
	if len(values) == 0 {
		return s
	}

	sort.Slice(values, func(i, j int) bool { return values[i].Cmp(values[j]) < 0 })

	total := new(big.Int)
	for _, v := range values {
		total.Add(total, v)
	}

	n := len(values)
	s.Min = new(big.Int).Set(values[0])
	s.Max = new(big.Int).Set(values[n-1])
	s.Total = total
	if n%2 == 1 {
		s.Median = new(big.Int).Set(values[n/2])
	} else {
		sum := new(big.Int).Add(values[n/2-1], values[n/2])
		s.Median = sum.Quo(sum, big.NewInt(2))
	}
	return s
}

// compareAmounts orders nil after any real amount
func compareAmounts(a, b *big.Int) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	default:
		return a.Cmp(b)
	}
}
