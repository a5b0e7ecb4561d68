// Package ledger records every on-chain payment the agent makes and what it got for it
package ledger

import (
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Outcome classifies what a payment bought
type Outcome string

// Payment outcomes
const (
	OutcomeDelivered         Outcome = "delivered"
	OutcomePlaceholder       Outcome = "placeholder"
	OutcomePostPaymentFailed Outcome = "post_payment_failed"
	OutcomePaymentFailed     Outcome = "payment_failed"
)

// maxEntries bounds the in-memory history; totals are kept for the life of the process
const maxEntries = 1000

// Entry is one on-chain transfer
type Entry struct {
	ID       string    `json:"id"`
	Time     time.Time `json:"time"`
	Resource string    `json:"resource"`
	Tool     string    `json:"tool,omitempty"`
	Network  string    `json:"network"`
	Asset    string    `json:"asset"`
	Amount   *big.Int  `json:"amount"`
	Decimals int       `json:"decimals"`
	TxID     string    `json:"txId"`
	Outcome  Outcome   `json:"outcome"`
	Error    string    `json:"error,omitempty"`
}

// Totals summarizes spend since start
type Totals struct {
	Payments  int               `json:"payments"`
	ByAsset   map[string]string `json:"byAsset"`
	ByOutcome map[Outcome]int   `json:"byOutcome"`
}

// Ledger is safe for concurrent use
type Ledger struct {
	mu       sync.RWMutex
	entries  []Entry
	spent    map[string]*big.Int
	outcomes map[Outcome]int
	payments int
	sink     func(Entry)
	now      func() time.Time
}

// New creates an empty ledger
func New() *Ledger {
	return &Ledger{
		spent:    make(map[string]*big.Int),
		outcomes: make(map[Outcome]int),
		now:      time.Now,
	}
}

// WithSink registers a function receiving every recorded entry, e.g. an Exporter
func (l *Ledger) WithSink(sink func(Entry)) *Ledger {
	l.sink = sink
	return l
}

// Record stores an entry, assigning its ID and time when unset, and returns it
func (l *Ledger) Record(e Entry) Entry {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Time.IsZero() {
		e.Time = l.now().UTC()
	}
	if e.Amount != nil {
		e.Amount = new(big.Int).Set(e.Amount)
	}

	l.mu.Lock()
	l.entries = append(l.entries, e)
	if len(l.entries) > maxEntries {
		l.entries = l.entries[len(l.entries)-maxEntries:]
	}
	if e.Amount != nil {
		total, ok := l.spent[e.Asset]
		if !ok {
			total = new(big.Int)
			l.spent[e.Asset] = total
		}
		total.Add(total, e.Amount)
	}
	l.outcomes[e.Outcome]++
	l.payments++
	sink := l.sink
	l.mu.Unlock()

	if sink != nil {
		sink(e)
	}
	return e
}

// Resolve moves an entry to a new outcome, e.g. after a retried delivery succeeds.
// Spend is unchanged. The updated entry goes to the sink again under the same ID.
func (l *Ledger) Resolve(id string, outcome Outcome) (Entry, bool) {
	l.mu.Lock()
	var e Entry
	found := false
	for i := range l.entries {
		if l.entries[i].ID == id {
			l.outcomes[l.entries[i].Outcome]--
			l.outcomes[outcome]++
			l.entries[i].Outcome = outcome
			l.entries[i].Error = ""
			e, found = l.entries[i], true
			break
		}
	}
	sink := l.sink
	l.mu.Unlock()

	if found && sink != nil {
		sink(e)
	}
	return e, found
}

// Recent returns up to n entries, newest first
func (l *Ledger) Recent(n int) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if n <= 0 || n > len(l.entries) {
		n = len(l.entries)
	}
	out := make([]Entry, 0, n)
	for i := len(l.entries) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, l.entries[i])
	}
	return out
}

// Spent returns the total amount of asset paid out
func (l *Ledger) Spent(asset string) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if total, ok := l.spent[asset]; ok {
		return new(big.Int).Set(total)
	}
	return new(big.Int)
}

// Totals returns a snapshot of cumulative spend
func (l *Ledger) Totals() Totals {
	l.mu.RLock()
	defer l.mu.RUnlock()

	t := Totals{
		Payments:  l.payments,
		ByAsset:   make(map[string]string, len(l.spent)),
		ByOutcome: make(map[Outcome]int, len(l.outcomes)),
	}
	assets := make([]string, 0, len(l.spent))
	for a := range l.spent {
		assets = append(assets, a)
	}
	sort.Strings(assets)
	for _, a := range assets {
		t.ByAsset[a] = l.spent[a].String()
	}
	for o, n := range l.outcomes {
		t.ByOutcome[o] = n
	}
	return t
}
