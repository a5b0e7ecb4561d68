// Package validation provides sanity filtering for discovery catalogs before any affordability decision.
package validation

import (
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/x402-bazaar-agent/internal/model"
)

// ValidationOptions holds configuration for the validation process
type ValidationOptions struct {
	// MaxAge drops resources the registry has not seen recently; zero disables the check
	MaxAge time.Duration

	// MinTimeoutSeconds drops options that give the payer too little time to settle
	MinTimeoutSeconds int

	// AllowPlainHTTP permits http:// resources, needed for local providers
	AllowPlainHTTP bool

	// Dedupe keeps only the most recently updated entry per resource URL
	Dedupe bool
}

// DefaultValidationOptions returns sensible defaults for validation
func DefaultValidationOptions() ValidationOptions {
	return ValidationOptions{
		AllowPlainHTTP: true,
		Dedupe:         true,
	}
}

// FilterInvalidWithOptions removes resources with custom validation options.
func FilterInvalidWithOptions(resources []model.PricedResource, opts ValidationOptions) []model.PricedResource {
	valid := filterBasicCriteria(resources, opts, time.Now())
	if opts.Dedupe {
		return dedupeByURL(valid)
	}
	return valid
}

// FilterInvalidConcurrently performs validation in parallel for large catalogs.
// Order of the input is preserved.
func FilterInvalidConcurrently(resources []model.PricedResource, opts ValidationOptions) []model.PricedResource {
	if len(resources) < 100 {
		return FilterInvalidWithOptions(resources, opts)
	}

	now := time.Now()
	workerCount := 4
	chunkSize := (len(resources) + workerCount - 1) / workerCount
	results := make([][]model.PricedResource, workerCount)
	wg := sync.WaitGroup{}

	for i := 0; i < workerCount; i++ {
		start := i * chunkSize
		end := (i + 1) * chunkSize
		if end > len(resources) {
			end = len(resources)
		}
		if start >= len(resources) {
			break
		}

		wg.Add(1)
		go func(i int, chunk []model.PricedResource) {
			defer wg.Done()
			results[i] = filterBasicCriteria(chunk, opts, now)
		}(i, resources[start:end])
	}
	wg.Wait()

	var valid []model.PricedResource
	for _, chunk := range results {
		valid = append(valid, chunk...)
	}
	if opts.Dedupe {
		return dedupeByURL(valid)
	}
	return valid
}

// filterBasicCriteria drops invalid options, then resources left with none
func filterBasicCriteria(resources []model.PricedResource, opts ValidationOptions, now time.Time) []model.PricedResource {
	valid := make([]model.PricedResource, 0, len(resources))
	for _, r := range resources {
		if !isValidResource(r, opts, now) {
			logrus.WithFields(logrus.Fields{
				"resource": r.Resource,
				"type":     r.Type,
			}).Debug("Filtered invalid resource")
			continue
		}

		accepts := make([]model.PaymentOption, 0, len(r.Accepts))
		for _, o := range r.Accepts {
			if isValidOption(o, opts) {
				accepts = append(accepts, o)
			} else {
				logrus.WithFields(logrus.Fields{
					"resource": r.Resource,
					"amount":   o.RawAmount,
					"network":  o.Network,
				}).Debug("Filtered invalid payment option")
			}
		}
		if len(accepts) == 0 {
			continue
		}
		r.Accepts = accepts
		valid = append(valid, r)
	}
	return valid
}

// isValidResource checks the resource-level fields
func isValidResource(r model.PricedResource, opts ValidationOptions, now time.Time) bool {
	if r.Type != "" && !strings.EqualFold(r.Type, "http") {
		return false
	}

	u, err := url.Parse(r.Resource)
	if err != nil || u.Host == "" {
		return false
	}
	switch u.Scheme {
	case "https":
	case "http":
		if !opts.AllowPlainHTTP {
			return false
		}
	default:
		return false
	}

	if opts.MaxAge > 0 && !r.LastUpdated.IsZero() && now.Sub(r.LastUpdated) > opts.MaxAge {
		return false
	}
	return true
}

// isValidOption checks a single payment option
func isValidOption(o model.PaymentOption, opts ValidationOptions) bool {
	if o.MaxAmountRequired == nil || o.MaxAmountRequired.Sign() < 0 {
		return false
	}
	if o.Asset == "" || o.PayTo == "" || o.Network == "" {
		return false
	}
	if opts.MinTimeoutSeconds > 0 && o.MaxTimeoutSeconds < opts.MinTimeoutSeconds {
		return false
	}
	return true
}

// dedupeByURL keeps the most recently updated entry per URL at the position of its first occurrence
func dedupeByURL(resources []model.PricedResource) []model.PricedResource {
	index := make(map[string]int, len(resources))
	out := make([]model.PricedResource, 0, len(resources))
	for _, r := range resources {
		if i, ok := index[r.Resource]; ok {
			if r.LastUpdated.After(out[i].LastUpdated) {
				out[i] = r
			}
			continue
		}
		index[r.Resource] = len(out)
		out = append(out, r)
	}
	if dropped := len(resources) - len(out); dropped > 0 {
		logrus.WithField("duplicates", dropped).Debug("Removed duplicate resources")
	}
	return out
}
