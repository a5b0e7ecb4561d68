// Package tools turns discovered resources into named, schema-typed tools for an LLM tool-calling loop.
package tools

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"
)

// MaxToolNameLength is the identifier limit of common tool-calling hosts
const MaxToolNameLength = 64

// hashLength is the number of hex characters kept from the URL digest
const hashLength = 8

// ToolName derives a stable identifier from a resource URL: the first host label plus the
// path, without "api" and "x402" segments, cleaned to [a-z0-9_]. Names that would exceed
// MaxToolNameLength fall back to HashedToolName.
func ToolName(resourceURL string) string {
	u, err := url.Parse(resourceURL)
	if err != nil || u.Hostname() == "" {
		return "service_" + urlHash(resourceURL)
	}

	parts := []string{domainLabel(u.Hostname())}
	for _, seg := range strings.Split(u.Path, "/") {
		if seg == "" || strings.EqualFold(seg, "api") || strings.EqualFold(seg, "x402") {
			continue
		}
		parts = append(parts, seg)
	}

	name := sanitize(strings.Join(parts, "_"))
	if name == "" {
		return "service_" + urlHash(resourceURL)
	}
	if len(name) > MaxToolNameLength {
		return HashedToolName(resourceURL)
	}
	return name
}

// HashedToolName returns the truncated domain followed by a short digest of the full URL.
// It is used for overlong names and for URLs whose clean names collide.
func HashedToolName(resourceURL string) string {
	domain := "service"
	if u, err := url.Parse(resourceURL); err == nil && u.Hostname() != "" {
		if d := sanitize(domainLabel(u.Hostname())); d != "" {
			domain = d
		}
	}

	limit := MaxToolNameLength - 1 - hashLength
	if len(domain) > limit {
		domain = strings.TrimRight(domain[:limit], "_")
	}
	return domain + "_" + urlHash(resourceURL)
}

func domainLabel(host string) string {
	host = strings.TrimPrefix(strings.ToLower(host), "www.")
	label, _, _ := strings.Cut(host, ".")
	return label
}

// sanitize lowercases, replaces anything outside [a-z0-9] with "_" and collapses runs
func sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	lastUnderscore := false
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	return strings.Trim(b.String(), "_")
}

func urlHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:hashLength]
}
