package tools

import (
	"encoding/json"
	"regexp"
	"sort"
	"strings"
)

// Best-effort argument remapping for providers that declare no usable schema.
// These rules only shape the request body or query; they never touch payment terms.

type fieldHint struct {
	re    *regexp.Regexp
	field string
}

// URL substrings that imply a provider-specific name for the single generic field
var fieldHints = []fieldHint{
	{regexp.MustCompile(`(?i)twitter|tweet|x\.com|/x/|social|farcaster|instagram|tiktok`), "username"},
	{regexp.MustCompile(`(?i)crawl|scrape|extract|screenshot|summari[sz]e.*url|fetch.*page`), "url"},
	{regexp.MustCompile(`(?i)weather|forecast|climate`), "location"},
	{regexp.MustCompile(`(?i)wallet|reputation|address|balance`), "address"},
	{regexp.MustCompile(`(?i)email`), "email"},
	{regexp.MustCompile(`(?i)qr.?code`), "text"},
	{regexp.MustCompile(`(?i)image|picture|photo|video|sora|generate`), "prompt"},
	{regexp.MustCompile(`(?i)price|quote|ticker|coin|token`), "symbol"},
}

// Canonical profile URLs synthesized from a bare handle
var profileHosts = []struct {
	re   *regexp.Regexp
	base string
}{
	{regexp.MustCompile(`(?i)twitter|tweet|x\.com|/x/`), "https://x.com/"},
	{regexp.MustCompile(`(?i)github`), "https://github.com/"},
	{regexp.MustCompile(`(?i)instagram`), "https://instagram.com/"},
	{regexp.MustCompile(`(?i)tiktok`), "https://www.tiktok.com/@"},
	{regexp.MustCompile(`(?i)linkedin`), "https://www.linkedin.com/in/"},
	{regexp.MustCompile(`(?i)farcaster|warpcast`), "https://warpcast.com/"},
}

var handlePattern = regexp.MustCompile(`^@?[A-Za-z0-9_.]{1,50}$`)

var domainPattern = regexp.MustCompile(`^[A-Za-z0-9-]+(\.[A-Za-z0-9-]+)+(/.*)?$`)

// InferFieldName picks a provider-specific name for the generic field. declared lists field
// names the provider advertised elsewhere in its input shape; a single one wins outright.
func InferFieldName(resourceURL string, declared []string, fallback string) string {
	if len(declared) == 1 {
		return declared[0]
	}
	for _, h := range fieldHints {
		if h.re.MatchString(resourceURL) {
			for _, d := range declared {
				if d == h.field {
					return d
				}
			}
			if len(declared) == 0 {
				return h.field
			}
		}
	}
	return fallback
}

// NormalizeArgs applies per-field heuristics in place and returns the map
func NormalizeArgs(resourceURL string, args map[string]any) map[string]any {
	for k, v := range args {
		s, ok := v.(string)
		if !ok {
			continue
		}
		switch {
		case isHandleField(k):
			args[k] = strings.TrimPrefix(strings.TrimSpace(s), "@")
		case isURLField(k):
			args[k] = CanonicalURL(resourceURL, s)
		}
	}
	return args
}

// CanonicalURL turns a bare handle or domain into a full URL; real URLs pass through
func CanonicalURL(resourceURL, value string) string {
	v := strings.TrimSpace(value)
	lower := strings.ToLower(v)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return v
	}
	if domainPattern.MatchString(v) && !strings.HasPrefix(v, "@") {
		return "https://" + v
	}
	if handlePattern.MatchString(v) {
		handle := strings.TrimPrefix(v, "@")
		for _, p := range profileHosts {
			if p.re.MatchString(resourceURL) {
				return p.base + handle
			}
		}
		if strings.HasPrefix(v, "@") {
			return "https://x.com/" + handle
		}
	}
	return v
}

// ParseDataObject returns the object encoded in a JSON string argument, if any
func ParseDataObject(s string) (map[string]any, bool) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "{") {
		return nil, false
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, false
	}
	return m, true
}

func isHandleField(name string) bool {
	switch strings.ToLower(name) {
	case "username", "user_name", "handle", "screen_name", "screenname":
		return true
	}
	return false
}

func isURLField(name string) bool {
	n := strings.ToLower(name)
	return n == "link" || n == "website" || strings.HasSuffix(n, "url")
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
