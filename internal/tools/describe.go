package tools

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/yourorg/x402-bazaar-agent/internal/model"
)

type functionPattern struct {
	re   *regexp.Regexp
	text string
}

// Ordered most specific first
var functionPatterns = []functionPattern{
	{regexp.MustCompile(`(?i)news.*base|base.*news|feed.*base|base.*feed`), "Get crypto/blockchain news and updates (Base ecosystem)"},
	{regexp.MustCompile(`(?i)news.*(crypto|blockchain|defi|token|nft)`), "Get crypto/blockchain news and updates"},
	{regexp.MustCompile(`(?i)signal.*current|current.*signal`), "Get current/latest trading signals (crypto/blockchain)"},
	{regexp.MustCompile(`(?i)signal.*bias|bias.*signal|bias.*optimized`), "Get bias-optimized trading signals (crypto/blockchain)"},
	{regexp.MustCompile(`(?i)signal.*sentiment|sentiment.*signal`), "Get sentiment-based trading signals (crypto/blockchain)"},
	{regexp.MustCompile(`(?i)arbitrage|arb.*opportun`), "Find arbitrage opportunities (crypto/blockchain)"},
	{regexp.MustCompile(`(?i)signal|sentiment|analysis|trading`), "Get trading signals, market sentiment, or financial analysis (crypto/blockchain)"},
	{regexp.MustCompile(`(?i)wallet|reputation|address`), "Get wallet information or reputation (crypto/blockchain)"},
	{regexp.MustCompile(`(?i)mint|nft|token`), "Mint tokens or NFTs (crypto/blockchain)"},
	{regexp.MustCompile(`(?i)kalshi|prediction|market`), "Get prediction market data or categories (crypto/blockchain)"},
	{regexp.MustCompile(`(?i)weather|forecast|climate`), "Get weather information and forecasts for locations"},
	{regexp.MustCompile(`(?i)image|picture|photo`), "Generate or process images"},
	{regexp.MustCompile(`(?i)video|sora`), "Generate or create videos"},
	{regexp.MustCompile(`(?i)search|query|find|lookup`), "Search for information or data"},
	{regexp.MustCompile(`(?i)qr.?code`), "Generate QR codes"},
	{regexp.MustCompile(`(?i)email.*valid|validate.*email`), "Validate email addresses"},
	{regexp.MustCompile(`(?i)gif|animated`), "Search or generate GIFs"},
	{regexp.MustCompile(`(?i)twitter|tweet|social`), "Get Twitter/X social media data or insights"},
	{regexp.MustCompile(`(?i)convert|transform`), "Convert or transform data"},
	{regexp.MustCompile(`(?i)crawl|scrape|extract`), "Crawl, scrape, or extract data from URLs"},
	{regexp.MustCompile(`(?i)script|code|generate`), "Generate scripts or code"},
	{regexp.MustCompile(`(?i)health|ping|status`), "Check service health or status"},
	{regexp.MustCompile(`(?i)news|feed|articles`), "Get news articles (may be domain-specific)"},
}

// metadata fields worth surfacing, in display order
var usefulMetadata = []string{"description", "name", "title", "category", "version"}

// Description builds the natural-language description shown to the caller:
// inferred function, price, metadata and endpoint.
func Description(r model.PricedResource, o model.PaymentOption) string {
	asset := o.AssetName
	if asset == "" {
		asset = "USDC"
	}

	parts := []string{
		InferFunction(r),
		fmt.Sprintf("Cost: $%s %s", model.FormatUnits(o.MaxAmountRequired, o.Decimals), asset),
	}
	if meta := formatMetadata(r.Metadata); meta != "" {
		parts = append(parts, meta)
	}
	if o.Description != "" && !strings.Contains(parts[0], o.Description) {
		parts = append(parts, o.Description)
	}
	parts = append(parts, "Endpoint: "+r.Resource)
	return strings.Join(parts, " | ")
}

// InferFunction guesses what a resource does from metadata, then URL patterns, then the last path segment
func InferFunction(r model.PricedResource) string {
	for _, k := range []string{"name", "description", "title"} {
		if v, ok := r.Metadata[k].(string); ok && strings.TrimSpace(v) != "" {
			return v
		}
	}

	u, err := url.Parse(r.Resource)
	if err != nil {
		return "Access API service at " + r.Resource
	}
	target := strings.ToLower(u.Host + u.Path)
	for _, p := range functionPatterns {
		if p.re.MatchString(target) {
			return p.text
		}
	}

	var segments []string
	for _, s := range strings.Split(u.Path, "/") {
		if s != "" && s != "api" && s != "x402" {
			segments = append(segments, s)
		}
	}
	if len(segments) > 0 {
		last := strings.NewReplacer("-", " ", "_", " ").Replace(segments[len(segments)-1])
		words := strings.Fields(last)
		for i, w := range words {
			words[i] = capitalize(w)
		}
		return "Access " + strings.Join(words, " ") + " service"
	}
	return "Access API service at " + u.Hostname()
}

func formatMetadata(meta map[string]any) string {
	if len(meta) == 0 {
		return ""
	}
	var parts []string
	seen := map[string]bool{}
	for _, k := range usefulMetadata {
		seen[k] = true
		if v, ok := meta[k].(string); ok && v != "" {
			parts = append(parts, k+": "+v)
		}
	}

	keys := make([]string, 0, len(meta))
	for k := range meta {
		if !seen[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		var s string
		switch v := meta[k].(type) {
		case string:
			s = v
		case float64, int, int64:
			s = fmt.Sprint(v)
		default:
			continue
		}
		if s != "" && len(s) < 100 {
			parts = append(parts, k+": "+s)
		}
	}
	return strings.Join(parts, ", ")
}

// capitalize upper-cases the first rune of w
func capitalize(w string) string {
	r, size := utf8.DecodeRuneInString(w)
	if r == utf8.RuneError {
		return w
	}
	return string(unicode.ToUpper(r)) + w[size:]
}
