// Package quality keeps the process-lifetime judgment on which paid resources are untrustworthy.
package quality

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/x402-bazaar-agent/internal/model"
)

// Tracker records resources judged bad. Entries are never cleared automatically;
// only Reset removes one. Safe for concurrent use.
type Tracker struct {
	mu        sync.RWMutex
	records   map[string]model.ServiceQualityRecord
	blacklist map[string]string

	// Callback invoked after a resource is newly marked
	onMark func(rec model.ServiceQualityRecord)

	now func() time.Time
}

// New creates a Tracker seeded with a static blacklist of known-broken URLs
func New(blacklist []string) *Tracker {
	t := &Tracker{
		records:   make(map[string]model.ServiceQualityRecord),
		blacklist: make(map[string]string, len(blacklist)),
		now:       time.Now,
	}
	for _, u := range blacklist {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		t.blacklist[normalize(u)] = "static blacklist"
	}
	return t
}

// WithMarkCallback sets a callback that fires when a resource is marked bad for the first time
func (t *Tracker) WithMarkCallback(fn func(rec model.ServiceQualityRecord)) *Tracker {
	t.onMark = fn
	return t
}

// IsBad reports whether a resource is excluded and why
func (t *Tracker) IsBad(resourceURL string) (bool, string) {
	key := normalize(resourceURL)

	t.mu.RLock()
	defer t.mu.RUnlock()

	if reason, ok := t.blacklist[key]; ok {
		return true, reason
	}
	if rec, ok := t.records[key]; ok && rec.Bad {
		return true, rec.Reason
	}
	return false, ""
}

// Excluded satisfies the discovery filter's exclusion hook
func (t *Tracker) Excluded(resourceURL string) bool {
	bad, _ := t.IsBad(resourceURL)
	return bad
}

// MarkBad flags a resource. Repeated calls keep the first reason.
// It returns true when the resource was not already marked.
func (t *Tracker) MarkBad(resourceURL, reason string) bool {
	key := normalize(resourceURL)

	t.mu.Lock()
	if _, ok := t.records[key]; ok {
		t.mu.Unlock()
		return false
	}
	rec := model.ServiceQualityRecord{
		Resource: resourceURL,
		Bad:      true,
		Reason:   reason,
		MarkedAt: t.now(),
	}
	t.records[key] = rec
	t.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"resource": resourceURL,
		"reason":   reason,
	}).Warn("Resource marked bad")

	if t.onMark != nil {
		t.onMark(rec)
	}
	return true
}

// Reset removes a dynamic mark. Static blacklist entries cannot be reset.
func (t *Tracker) Reset(resourceURL string) bool {
	key := normalize(resourceURL)

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.records[key]; !ok {
		return false
	}
	delete(t.records, key)
	logrus.WithField("resource", resourceURL).Info("Resource quality mark reset")
	return true
}

// Count returns the number of dynamically marked resources
func (t *Tracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records)
}

// Snapshot returns every record, static entries included, sorted by resource
func (t *Tracker) Snapshot() []model.ServiceQualityRecord {
	t.mu.RLock()
	out := make([]model.ServiceQualityRecord, 0, len(t.records)+len(t.blacklist))
	for _, rec := range t.records {
		out = append(out, rec)
	}
	for u, reason := range t.blacklist {
		out = append(out, model.ServiceQualityRecord{Resource: u, Bad: true, Reason: reason, Static: true})
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Resource < out[j].Resource })
	return out
}

// normalize makes trailing slashes and host case irrelevant to lookups
func normalize(u string) string {
	u = strings.TrimSpace(u)
	u = strings.TrimRight(u, "/")
	if scheme, rest, ok := strings.Cut(u, "://"); ok {
		host, path, _ := strings.Cut(rest, "/")
		if path != "" {
			return strings.ToLower(scheme) + "://" + strings.ToLower(host) + "/" + path
		}
		return strings.ToLower(scheme) + "://" + strings.ToLower(host)
	}
	return u
}
