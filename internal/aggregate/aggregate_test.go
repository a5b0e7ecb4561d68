package aggregate

import (
	"math/big"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/x402-bazaar-agent/internal/model"
	"github.com/yourorg/x402-bazaar-agent/internal/tools"
)

func priced(u string, amount int64) tools.Entry {
	return tools.Entry{
		Resource: model.PricedResource{Resource: u, Type: "http"},
		Option:   model.PaymentOption{MaxAmountRequired: big.NewInt(amount), Decimals: 6},
	}
}

func urls(entries []tools.Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Resource.Resource
	}
	return out
}

func TestRankByPrice(t *testing.T) {
	entries := []tools.Entry{
		priced("https://c.example.com", 300),
		priced("https://b.example.com", 100),
		priced("https://a.example.com", 100),
		{Resource: model.PricedResource{Resource: "https://z.example.com"}},
	}

	ranked := RankByPrice(entries)

	assert.Equal(t, []string{
		"https://a.example.com",
		"https://b.example.com",
		"https://c.example.com",
		"https://z.example.com",
	}, urls(ranked))
	assert.Equal(t, "https://c.example.com", entries[0].Resource.Resource, "input must not be reordered")
}

func TestCheapest(t *testing.T) {
	entries := []tools.Entry{priced("https://a", 3), priced("https://b", 1), priced("https://c", 2)}

	assert.Equal(t, []string{"https://b", "https://c"}, urls(Cheapest(entries, 2)))
	assert.Len(t, Cheapest(entries, 10), 3)
}

func TestSummarize(t *testing.T) {
	tests := []struct {
		name    string
		amounts []int64
		min     int64
		median  int64
		max     int64
	}{
		{"single", []int64{50000}, 50000, 50000, 50000},
		{"odd", []int64{300, 100, 200}, 100, 200, 300},
		{"even floors", []int64{100, 201, 400, 50}, 50, 150, 400},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var entries []tools.Entry
			for _, a := range tt.amounts {
				entries = append(entries, priced("https://x", a))
			}
			s := Summarize(entries)
			require.Equal(t, len(tt.amounts), s.Count)
			assert.Equal(t, 0, s.Min.Cmp(big.NewInt(tt.min)))
			assert.Equal(t, 0, s.Median.Cmp(big.NewInt(tt.median)))
			assert.Equal(t, 0, s.Max.Cmp(big.NewInt(tt.max)))
			assert.Equal(t, 6, s.Decimals)
		})
	}
}

func TestSummarizeEmpty(t *testing.T) {
	s := Summarize(nil)
	assert.Equal(t, 0, s.Count)
	assert.Nil(t, s.Min)
	assert.Nil(t, s.Median)
}

func TestRankByPriceProperties(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())

	properties.Property("ranking is sorted and keeps every entry", prop.ForAll(
		func(amounts []int64) bool {
			entries := make([]tools.Entry, len(amounts))
			for i, a := range amounts {
				entries[i] = priced("https://example.com/"+string(rune('a'+i%26)), a)
			}
			ranked := RankByPrice(entries)
			if len(ranked) != len(entries) {
				return false
			}
			for i := 1; i < len(ranked); i++ {
				if ranked[i-1].Option.MaxAmountRequired.Cmp(ranked[i].Option.MaxAmountRequired) > 0 {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.Int64Range(0, 1_000_000)),
	))

	properties.Property("median lies between min and max", prop.ForAll(
		func(amounts []int64) bool {
			entries := make([]tools.Entry, len(amounts))
			for i, a := range amounts {
				entries[i] = priced("https://example.com", a)
			}
			s := Summarize(entries)
			return s.Min.Cmp(s.Median) <= 0 && s.Median.Cmp(s.Max) <= 0
		},
		gen.SliceOfN(5, gen.Int64Range(0, 1_000_000)),
	))

	properties.TestingRun(t)
}
