package discovery

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/x402-bazaar-agent/internal/model"
	"github.com/yourorg/x402-bazaar-agent/internal/types"
	"github.com/yourorg/x402-bazaar-agent/internal/validation"
)

// Excluder reports resources that must never be offered, such as those marked bad
type Excluder interface {
	Excluded(resourceURL string) bool
}

// Criteria selects affordable resources
type Criteria struct {
	// MaxPrice is in human units, e.g. "1.00"
	MaxPrice string

	// Decimals is the settlement asset's precision used to shift MaxPrice
	Decimals int

	Network string
	Asset   string

	// MinTimeoutSeconds drops options with a shorter settlement window
	MinTimeoutSeconds int
}

// Ceiling converts MaxPrice to atomic units with a fixed decimal shift
func (c Criteria) Ceiling() (*big.Int, error) {
	ceiling, err := model.ParseUnits(c.MaxPrice, c.Decimals)
	if err != nil {
		return nil, fmt.Errorf("invalid max price: %w", err)
	}
	return ceiling, nil
}

// Qualifies reports whether one option satisfies the criteria
func (c Criteria) Qualifies(o model.PaymentOption, ceiling *big.Int) bool {
	if o.MaxAmountRequired == nil || o.MaxAmountRequired.Cmp(ceiling) > 0 {
		return false
	}
	if c.Network != "" && !sameNetwork(o.Network, c.Network) {
		return false
	}
	if c.Asset != "" && !strings.EqualFold(o.Asset, c.Asset) {
		return false
	}
	if c.MinTimeoutSeconds > 0 && o.MaxTimeoutSeconds < c.MinTimeoutSeconds {
		return false
	}
	return true
}

// Filter returns every resource with at least one qualifying option, skipping excluded ones.
// Resources keep all their options; selection happens later.
func Filter(resources []model.PricedResource, c Criteria, ex Excluder) ([]model.PricedResource, error) {
	ceiling, err := c.Ceiling()
	if err != nil {
		return nil, err
	}

	out := make([]model.PricedResource, 0, len(resources))
	excluded := 0
	for _, r := range resources {
		if ex != nil && ex.Excluded(r.Resource) {
			excluded++
			continue
		}
		for _, o := range r.Accepts {
			if c.Qualifies(o, ceiling) {
				out = append(out, r)
				break
			}
		}
	}

	logrus.WithFields(logrus.Fields{
		"total":      len(resources),
		"affordable": len(out),
		"excluded":   excluded,
		"ceiling":    ceiling.String(),
	}).Debug("Filtered discovery catalog")
	return out, nil
}

// DiscoverAffordable lists the registry, validates the catalog and filters it by the criteria.
// A failed fetch returns ErrRegistryUnavailable and no partial catalog.
func (c *Client) DiscoverAffordable(ctx context.Context, crit Criteria, ex Excluder) ([]model.PricedResource, error) {
	if _, err := crit.Ceiling(); err != nil {
		return nil, err
	}
	all, err := c.List(ctx)
	if err != nil {
		return nil, err
	}
	valid := validation.FilterInvalidConcurrently(all, validation.DefaultValidationOptions())
	return Filter(valid, crit, ex)
}

// BestOption returns the option in preferredAsset if present, else the cheapest by atomic amount.
// Ties keep declaration order. The second result is false when no option has a parsed amount.
func BestOption(r model.PricedResource, preferredAsset string) (model.PaymentOption, bool) {
	if preferredAsset != "" {
		for _, o := range r.Accepts {
			if o.MaxAmountRequired != nil && strings.EqualFold(o.Asset, preferredAsset) {
				return o, true
			}
		}
	}

	var best *model.PaymentOption
	for i := range r.Accepts {
		o := &r.Accepts[i]
		if o.MaxAmountRequired == nil {
			continue
		}
		if best == nil || o.MaxAmountRequired.Cmp(best.MaxAmountRequired) < 0 {
			best = o
		}
	}
	if best == nil {
		return model.PaymentOption{}, false
	}
	return *best, true
}

// BestQualifyingOption is BestOption restricted to options that satisfy the criteria
func BestQualifyingOption(r model.PricedResource, crit Criteria, preferredAsset string) (model.PaymentOption, bool) {
	ceiling, err := crit.Ceiling()
	if err != nil {
		return model.PaymentOption{}, false
	}
	narrowed := r
	narrowed.Accepts = nil
	for _, o := range r.Accepts {
		if crit.Qualifies(o, ceiling) {
			narrowed.Accepts = append(narrowed.Accepts, o)
		}
	}
	return BestOption(narrowed, preferredAsset)
}

// sameNetwork compares short names and CAIP-2 ids of known networks
func sameNetwork(a, b string) bool {
	if strings.EqualFold(a, b) {
		return true
	}
	n, ok := types.LookupNetwork(b)
	return ok && n.Matches(a)
}

// FormatPrice renders an atomic amount for display only
func FormatPrice(atomic *big.Int, decimals int) string {
	return model.FormatUnits(atomic, decimals)
}
