// Package agent owns the long-lived discovery, quality and payment state behind the tool surface.
package agent

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/x402-bazaar-agent/internal/aggregate"
	"github.com/yourorg/x402-bazaar-agent/internal/circuitbreaker"
	"github.com/yourorg/x402-bazaar-agent/internal/discovery"
	"github.com/yourorg/x402-bazaar-agent/internal/ledger"
	"github.com/yourorg/x402-bazaar-agent/internal/model"
	"github.com/yourorg/x402-bazaar-agent/internal/payment"
	"github.com/yourorg/x402-bazaar-agent/internal/quality"
	"github.com/yourorg/x402-bazaar-agent/internal/tools"
)

// Registry lists affordable resources
type Registry interface {
	DiscoverAffordable(ctx context.Context, crit discovery.Criteria, ex discovery.Excluder) ([]model.PricedResource, error)
}

// Payer executes paid calls
type Payer interface {
	Call(ctx context.Context, req payment.Request) (*payment.Result, error)
	ReplayWithProof(ctx context.Context, req payment.Request, receipt *model.SettlementReceipt, nonce string) (*payment.Result, error)
}

// maxPendingRetries bounds how many post-payment failures stay retryable
const maxPendingRetries = 100

// pendingRetry is what a replay needs to deliver a call already paid for
type pendingRetry struct {
	req      payment.Request
	receipt  *model.SettlementReceipt
	nonce    string
	decimals int
}

// Options configures an Agent
type Options struct {
	Criteria       discovery.Criteria
	PreferredAsset string

	// Decimals assumed for cold calls whose asset is not in the catalog
	DefaultDecimals int
}

// Outcome is what a caller gets back from a successful call
type Outcome struct {
	Tool       string                          `json:"tool,omitempty"`
	Resource   string                          `json:"resource"`
	StatusCode int                             `json:"statusCode"`
	Paid       bool                            `json:"paid"`
	TxID       string                          `json:"txId,omitempty"`
	Amount     string                          `json:"amount,omitempty"`
	Asset      string                          `json:"asset,omitempty"`
	Payload    payment.Payload                 `json:"payload"`
	Warning    *payment.PlaceholderDataWarning `json:"warning,omitempty"`
	LedgerID   string                          `json:"ledgerId,omitempty"`
}

// Text renders the outcome for a tool-calling host
func (o *Outcome) Text() string {
	text := o.Payload.Text()
	if o.Warning != nil {
		text = "Warning: " + o.Warning.String() + "\n" + text
	}
	return text
}

// Status summarizes the agent for /status
type Status struct {
	CatalogSize  int                    `json:"catalogSize"`
	LastRefresh  time.Time              `json:"lastRefresh"`
	RefreshError string                 `json:"refreshError,omitempty"`
	Prices       aggregate.PriceSummary `json:"prices"`
	Breaker      string                 `json:"breaker"`
	BadResources int                    `json:"badResources"`
	Spend        ledger.Totals          `json:"spend"`
}

// Agent is safe for concurrent use. Tool snapshots are replaced wholesale on refresh.
type Agent struct {
	registry Registry
	quality  *quality.Tracker
	payer    Payer
	breaker  *circuitbreaker.CircuitBreaker
	ledger   *ledger.Ledger
	metrics  *Metrics
	opts     Options

	mu          sync.RWMutex
	toolset     *tools.Toolset
	entries     []tools.Entry
	summary     aggregate.PriceSummary
	lastRefresh time.Time
	refreshErr  error
	listeners   []func(*tools.Toolset)

	refreshMu sync.Mutex

	pendingMu    sync.Mutex
	pending      map[string]pendingRetry
	pendingOrder []string
}

// New wires an agent. metrics may be nil.
func New(registry Registry, tracker *quality.Tracker, payer Payer, breaker *circuitbreaker.CircuitBreaker,
	l *ledger.Ledger, metrics *Metrics, opts Options) *Agent {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if opts.DefaultDecimals == 0 {
		opts.DefaultDecimals = 6
	}
	a := &Agent{
		registry: registry,
		quality:  tracker,
		payer:    payer,
		breaker:  breaker,
		ledger:   l,
		metrics:  metrics,
		opts:     opts,
		toolset:  tools.NewToolset(nil),
		pending:  make(map[string]pendingRetry),
	}
	tracker.WithMarkCallback(func(model.ServiceQualityRecord) {
		a.metrics.qualityMarks.Inc()
		a.metrics.badResources.Set(float64(a.quality.Count()))
	})
	a.metrics.badResources.Set(float64(tracker.Count()))
	return a
}

// OnRefresh registers a listener called with every new snapshot
func (a *Agent) OnRefresh(fn func(*tools.Toolset)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listeners = append(a.listeners, fn)
}

// Refresh runs one discovery cycle and replaces the tool snapshot. On failure the previous
// snapshot stays in place.
func (a *Agent) Refresh(ctx context.Context) (int, error) {
	a.refreshMu.Lock()
	defer a.refreshMu.Unlock()

	start := time.Now()
	resources, err := a.registry.DiscoverAffordable(ctx, a.opts.Criteria, a.quality)
	if err != nil {
		a.metrics.refreshes.WithLabelValues("error").Inc()
		a.mu.Lock()
		a.refreshErr = err
		a.mu.Unlock()
		logrus.WithError(err).Warn("Discovery refresh failed, keeping previous tool snapshot")
		return 0, err
	}

	entries := make([]tools.Entry, 0, len(resources))
	for _, r := range resources {
		opt, ok := discovery.BestQualifyingOption(r, a.opts.Criteria, a.opts.PreferredAsset)
		if !ok {
			continue
		}
		entries = append(entries, tools.Entry{Resource: r, Option: opt})
	}
	ranked := aggregate.RankByPrice(entries)
	ts := tools.NewToolset(ranked)
	summary := aggregate.Summarize(ranked)

	a.mu.Lock()
	a.toolset = ts
	a.entries = ranked
	a.summary = summary
	a.lastRefresh = time.Now()
	a.refreshErr = nil
	listeners := append([]func(*tools.Toolset){}, a.listeners...)
	a.mu.Unlock()

	a.metrics.refreshes.WithLabelValues("ok").Inc()
	a.metrics.catalogSize.Set(float64(ts.Len()))
	logrus.WithFields(logrus.Fields{
		"tools":    ts.Len(),
		"duration": time.Since(start).String(),
	}).Info("Discovery refresh complete")

	for _, fn := range listeners {
		fn(ts)
	}
	return ts.Len(), nil
}

// Run refreshes on every tick until ctx is cancelled
func (a *Agent) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = a.Refresh(ctx)
		}
	}
}

// Toolset returns the current snapshot
func (a *Agent) Toolset() *tools.Toolset {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.toolset
}

// Entries returns the current snapshot's resources, cheapest first
func (a *Agent) Entries() []tools.Entry {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]tools.Entry, len(a.entries))
	copy(out, a.entries)
	return out
}

// Quality exposes the tracker for the operator surface
func (a *Agent) Quality() *quality.Tracker {
	return a.quality
}

// Breaker exposes the spend guard for the operator surface
func (a *Agent) Breaker() *circuitbreaker.CircuitBreaker {
	return a.breaker
}

// ResetQuality clears a dynamic mark and updates the gauge
func (a *Agent) ResetQuality(resourceURL string) bool {
	ok := a.quality.Reset(resourceURL)
	a.metrics.badResources.Set(float64(a.quality.Count()))
	return ok
}

// Status returns a snapshot of agent state
func (a *Agent) Status() Status {
	a.mu.RLock()
	s := Status{
		CatalogSize: a.toolset.Len(),
		LastRefresh: a.lastRefresh,
		Prices:      a.summary,
	}
	if a.refreshErr != nil {
		s.RefreshError = a.refreshErr.Error()
	}
	a.mu.RUnlock()

	s.Breaker = a.breaker.GetState().String()
	s.BadResources = a.quality.Count()
	s.Spend = a.ledger.Totals()
	return s
}

// Invoke calls a tool from the current snapshot using the upfront strategy
func (a *Agent) Invoke(ctx context.Context, toolName string, args map[string]any) (*Outcome, error) {
	d, req, err := a.Toolset().Prepare(toolName, args)
	if err != nil {
		a.metrics.calls.WithLabelValues("rejected").Inc()
		return nil, err
	}
	if bad, reason := a.quality.IsBad(d.Resource.Resource); bad {
		a.metrics.calls.WithLabelValues("flagged").Inc()
		return nil, &FlaggedError{Resource: d.Resource.Resource, Reason: reason}
	}
	if err := a.breaker.Check(d.Option.Asset, d.Option.Amount()); err != nil {
		a.metrics.calls.WithLabelValues("breaker_open").Inc()
		return nil, err
	}

	out, err := a.execute(ctx, req, d.Option.Decimals)
	if out != nil {
		out.Tool = toolName
	}
	return out, err
}

// Call cold-calls an arbitrary URL, paying whatever its 402 challenge asks within the limit
func (a *Agent) Call(ctx context.Context, rawURL, method string, body []byte, query url.Values) (*Outcome, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, errors.New("a valid http(s) URL is required")
	}
	if bad, reason := a.quality.IsBad(rawURL); bad {
		a.metrics.calls.WithLabelValues("flagged").Inc()
		return nil, &FlaggedError{Resource: rawURL, Reason: reason}
	}
	if err := a.breaker.Check("", nil); err != nil {
		a.metrics.calls.WithLabelValues("breaker_open").Inc()
		return nil, err
	}

	req := payment.Request{
		URL:      rawURL,
		Method:   strings.ToUpper(method),
		Query:    query,
		Body:     body,
		Strategy: payment.StrategyColdCall,
	}
	return a.execute(ctx, req, a.decimalsFor(rawURL))
}

func (a *Agent) decimalsFor(resourceURL string) int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, e := range a.entries {
		if e.Resource.Resource == resourceURL && e.Option.Decimals > 0 {
			return e.Option.Decimals
		}
	}
	return a.opts.DefaultDecimals
}

func (a *Agent) execute(ctx context.Context, req payment.Request, decimals int) (*Outcome, error) {
	start := time.Now()
	res, err := a.payer.Call(ctx, req)
	a.metrics.callLatency.WithLabelValues(req.Strategy.String()).Observe(time.Since(start).Seconds())

	if err != nil {
		return nil, a.recordFailure(req, decimals, err)
	}

	out := &Outcome{
		Resource:   req.URL,
		StatusCode: res.StatusCode,
		Paid:       res.Paid,
		Payload:    res.Payload,
		Warning:    res.Warning,
	}
	if !res.Paid || res.Receipt == nil {
		a.metrics.calls.WithLabelValues("free").Inc()
		return out, nil
	}

	rc := res.Receipt
	out.TxID = rc.TxID
	out.Asset = rc.Asset
	out.Amount = model.FormatUnits(rc.Amount, decimals)

	outcome := ledger.OutcomeDelivered
	if res.Warning != nil {
		outcome = ledger.OutcomePlaceholder
		a.quality.MarkBad(req.URL, "placeholder data: "+strings.Join(res.Warning.Fields, ", "))
	}
	entry := a.ledger.Record(ledger.Entry{
		Resource: req.URL,
		Network:  rc.Network,
		Asset:    rc.Asset,
		Amount:   rc.Amount,
		Decimals: decimals,
		TxID:     rc.TxID,
		Outcome:  outcome,
	})
	out.LedgerID = entry.ID

	a.metrics.addSpend(rc.Asset, rc.Amount)
	a.metrics.calls.WithLabelValues(string(outcome)).Inc()
	if outcome == ledger.OutcomeDelivered {
		a.breaker.RecordSuccess(rc.Asset, rc.Amount)
	} else {
		a.breaker.RecordFailure(rc.Asset, rc.Amount, true)
	}
	return out, nil
}

// Retry resends proof of payment for a post-payment failure recorded under ledgerID.
// No new payment is made; a failed retry stays retryable.
func (a *Agent) Retry(ctx context.Context, ledgerID string) (*Outcome, error) {
	p, ok := a.claimRetry(ledgerID)
	if !ok {
		return nil, ErrNoPendingRetry
	}

	start := time.Now()
	res, err := a.payer.ReplayWithProof(ctx, p.req, p.receipt, p.nonce)
	a.metrics.callLatency.WithLabelValues("retry").Observe(time.Since(start).Seconds())
	if err != nil {
		a.rememberRetry(ledgerID, p)
		a.metrics.calls.WithLabelValues("retry_failed").Inc()
		logrus.WithError(err).WithFields(logrus.Fields{
			"resource": p.req.URL,
			"ledgerId": ledgerID,
		}).Warn("Retry with payment proof failed")
		return nil, &PaidFailureError{LedgerID: ledgerID, Retryable: true, Err: err}
	}

	rc := p.receipt
	out := &Outcome{
		Resource:   p.req.URL,
		StatusCode: res.StatusCode,
		Paid:       true,
		TxID:       rc.TxID,
		Asset:      rc.Asset,
		Amount:     model.FormatUnits(rc.Amount, p.decimals),
		Payload:    res.Payload,
		Warning:    res.Warning,
		LedgerID:   ledgerID,
	}
	outcome := ledger.OutcomeDelivered
	if res.Warning != nil {
		outcome = ledger.OutcomePlaceholder
		a.quality.MarkBad(p.req.URL, "placeholder data: "+strings.Join(res.Warning.Fields, ", "))
	}
	a.ledger.Resolve(ledgerID, outcome)
	a.metrics.calls.WithLabelValues(string(outcome)).Inc()
	if outcome == ledger.OutcomeDelivered {
		// spend was counted when the payment first failed
		a.breaker.RecordSuccess(rc.Asset, nil)
	}
	logrus.WithFields(logrus.Fields{
		"resource": p.req.URL,
		"ledgerId": ledgerID,
		"tx":       rc.TxID,
	}).Info("Retry with payment proof delivered")
	return out, nil
}

// PendingRetries returns the ledger IDs that can still be retried, oldest first
func (a *Agent) PendingRetries() []string {
	a.pendingMu.Lock()
	defer a.pendingMu.Unlock()
	return append([]string(nil), a.pendingOrder...)
}

func (a *Agent) rememberRetry(id string, p pendingRetry) {
	a.pendingMu.Lock()
	defer a.pendingMu.Unlock()
	if _, ok := a.pending[id]; !ok {
		a.pendingOrder = append(a.pendingOrder, id)
	}
	a.pending[id] = p
	for len(a.pendingOrder) > maxPendingRetries {
		delete(a.pending, a.pendingOrder[0])
		a.pendingOrder = a.pendingOrder[1:]
	}
}

// claimRetry removes the entry so concurrent retries of one ID replay at most once
func (a *Agent) claimRetry(id string) (pendingRetry, bool) {
	a.pendingMu.Lock()
	defer a.pendingMu.Unlock()
	p, ok := a.pending[id]
	if !ok {
		return pendingRetry{}, false
	}
	delete(a.pending, id)
	for i, v := range a.pendingOrder {
		if v == id {
			a.pendingOrder = append(a.pendingOrder[:i], a.pendingOrder[i+1:]...)
			break
		}
	}
	return p, true
}

// recordFailure books a failed call and returns the error to hand back. Failures where
// funds may have moved are wrapped in a PaidFailureError naming their ledger entry.
func (a *Agent) recordFailure(req payment.Request, decimals int, err error) error {
	var (
		limit   *payment.LimitError
		failed  *payment.PaymentFailedError
		postPay *payment.PostPaymentError
	)

	out := err
	switch {
	case errors.As(err, &postPay):
		entry := a.ledger.Record(ledger.Entry{
			Resource: req.URL,
			Asset:    postPay.Asset,
			Amount:   postPay.Amount,
			Decimals: decimals,
			TxID:     postPay.TxID,
			Outcome:  ledger.OutcomePostPaymentFailed,
			Error:    postPay.Error(),
		})
		a.metrics.addSpend(postPay.Asset, postPay.Amount)
		a.breaker.RecordFailure(postPay.Asset, postPay.Amount, true)
		a.metrics.calls.WithLabelValues(string(ledger.OutcomePostPaymentFailed)).Inc()

		receipt := &model.SettlementReceipt{
			TxID:   postPay.TxID,
			Status: model.ReceiptSuccess,
			Asset:  postPay.Asset,
			Amount: postPay.Amount,
		}
		a.rememberRetry(entry.ID, pendingRetry{req: req, receipt: receipt, nonce: postPay.Nonce, decimals: decimals})
		out = &PaidFailureError{LedgerID: entry.ID, Retryable: true, Err: err}

	case errors.As(err, &failed):
		asset, amount := failed.Asset, failed.Amount
		if amount == nil && req.Option != nil {
			asset, amount = req.Option.Asset, req.Option.Amount()
		}
		spent := failed.MaySpend()

		// A reverted transfer moved nothing; only an unconfirmed one may have
		entry := ledger.Entry{
			Resource: req.URL,
			Asset:    asset,
			Decimals: decimals,
			TxID:     failed.TxID,
			Outcome:  ledger.OutcomePaymentFailed,
			Error:    failed.Error(),
		}
		if spent {
			entry.Amount = amount
			a.metrics.addSpend(asset, amount)
		}
		entry = a.ledger.Record(entry)
		a.breaker.RecordFailure(asset, amount, spent)
		a.metrics.calls.WithLabelValues(string(ledger.OutcomePaymentFailed)).Inc()
		if spent {
			out = &PaidFailureError{LedgerID: entry.ID, Err: err}
		}

	case errors.As(err, &limit):
		a.quality.MarkBad(req.URL, "price exceeds payment limit")
		a.metrics.calls.WithLabelValues("limit").Inc()

	default:
		a.metrics.calls.WithLabelValues("error").Inc()
	}

	logrus.WithError(err).WithField("resource", req.URL).Warn("Resource call failed")
	return out
}
