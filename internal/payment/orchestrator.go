// Package payment executes the x402 negotiate, pay, confirm and retry cycle against paid HTTP resources.
package payment

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/yourorg/x402-bazaar-agent/internal/chain"
	"github.com/yourorg/x402-bazaar-agent/internal/model"
)

// Strategy selects how a call obtains its payment terms
type Strategy int

const (
	// StrategyColdCall probes the resource and pays the returned 402 challenge
	StrategyColdCall Strategy = iota
	// StrategyUpfront pays the option already selected during discovery, without probing
	StrategyUpfront
)

func (s Strategy) String() string {
	if s == StrategyUpfront {
		return "upfront"
	}
	return "cold_call"
}

// Default proof header names
const (
	DefaultHashHeader  = "X-Payment-Hash"
	DefaultNonceHeader = "X-Payment-Nonce"
)

// maxBodyBytes bounds how much of a provider response is read
const maxBodyBytes = 8 << 20

// Config holds orchestrator policy
type Config struct {
	// PreferredAsset wins option selection when a challenge offers it
	PreferredAsset string

	// Limit is the per-call ceiling in atomic units; nil disables the check
	Limit *big.Int

	// LimitDecimals is used only to render LimitError amounts
	LimitDecimals int

	// ConfirmAttempts and ConfirmInterval bound the receipt poll
	ConfirmAttempts int
	ConfirmInterval time.Duration

	// RequestTimeout applies to each HTTP request to the resource
	RequestTimeout time.Duration

	// MinGasBalance is the native balance, in wei, required before paying
	MinGasBalance *big.Int

	HashHeader  string
	NonceHeader string
}

// DefaultConfig returns the default poll policy of 30 attempts at 2s
func DefaultConfig() Config {
	return Config{
		ConfirmAttempts: 30,
		ConfirmInterval: 2 * time.Second,
		RequestTimeout:  30 * time.Second,
		MinGasBalance:   big.NewInt(1),
		HashHeader:      DefaultHashHeader,
		NonceHeader:     DefaultNonceHeader,
		LimitDecimals:   6,
	}
}

// Request describes one logical resource call
type Request struct {
	URL      string
	Method   string
	Query    url.Values
	Body     []byte
	Strategy Strategy

	// Option is required for StrategyUpfront
	Option *model.PaymentOption
}

// Result is the outcome of a completed call
type Result struct {
	StatusCode int
	Paid       bool
	Receipt    *model.SettlementReceipt
	Payload    Payload
	Warning    *PlaceholderDataWarning

	// Nonce is the challenge nonce, set only for cold calls
	Nonce string
}

// OK reports whether the final response was 2xx
func (r *Result) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Orchestrator runs payment flows. It performs no HTTP retries of its own: each call makes
// at most two requests to the resource and at most one transfer.
type Orchestrator struct {
	settler chain.Settler
	client  *http.Client
	cfg     Config
	tracer  trace.Tracer

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// New creates an Orchestrator paying through settler
func New(settler chain.Settler, cfg Config) *Orchestrator {
	def := DefaultConfig()
	if cfg.ConfirmAttempts <= 0 {
		cfg.ConfirmAttempts = def.ConfirmAttempts
	}
	if cfg.ConfirmInterval < 0 {
		cfg.ConfirmInterval = def.ConfirmInterval
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.MinGasBalance == nil {
		cfg.MinGasBalance = def.MinGasBalance
	}
	if cfg.HashHeader == "" {
		cfg.HashHeader = def.HashHeader
	}
	if cfg.NonceHeader == "" {
		cfg.NonceHeader = def.NonceHeader
	}
	return &Orchestrator{
		settler: settler,
		client:  &http.Client{},
		cfg:     cfg,
		tracer:  noop.NewTracerProvider().Tracer(""),
		sleep:   sleepContext,
		now:     time.Now,
	}
}

// WithHTTPClient sets the client used for resource requests
func (o *Orchestrator) WithHTTPClient(c *http.Client) *Orchestrator {
	o.client = c
	return o
}

// WithTracer sets the tracer used for call spans
func (o *Orchestrator) WithTracer(t trace.Tracer) *Orchestrator {
	if t != nil {
		o.tracer = t
	}
	return o
}

// Config returns the effective policy
func (o *Orchestrator) Config() Config {
	return o.cfg
}

// Call executes one resource call. Non-402 responses to a cold probe pass through unchanged.
// Transport failures before payment are returned as-is for the caller to retry.
func (o *Orchestrator) Call(ctx context.Context, req Request) (*Result, error) {
	ctx, span := o.tracer.Start(ctx, "payment.Call", trace.WithAttributes(
		attribute.String("resource", req.URL),
		attribute.String("strategy", req.Strategy.String()),
	))
	defer span.End()

	res, err := o.call(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

func (o *Orchestrator) call(ctx context.Context, req Request) (*Result, error) {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	req.Method = method

	log := logrus.WithFields(logrus.Fields{
		"resource": req.URL,
		"strategy": req.Strategy.String(),
	})

	var (
		opt   model.ChallengeOption
		nonce string
		err   error
	)

	switch req.Strategy {
	case StrategyUpfront:
		if req.Option == nil {
			return nil, errors.New("upfront strategy requires a payment option")
		}
		opt, err = FromPaymentOption(*req.Option)
		if err != nil {
			return nil, err
		}
	default:
		log.Debug("Probing resource")
		status, header, body, err := o.do(ctx, req, nil)
		if err != nil {
			return nil, fmt.Errorf("probe request failed: %w", err)
		}
		if status != http.StatusPaymentRequired {
			log.WithField("status", status).Debug("Resource did not ask for payment")
			return &Result{StatusCode: status, Payload: ExtractPayload(body)}, nil
		}

		ch, err := ParseChallenge(header, body)
		if err != nil {
			return nil, err
		}
		if ch.Expired(o.now()) {
			return nil, fmt.Errorf("%w: challenge expired at %s", ErrMalformedChallenge, ch.ExpiresAt.UTC().Format(time.RFC3339))
		}
		opt, err = SelectOption(ch, o.settler.Network(), o.cfg.PreferredAsset)
		if err != nil {
			return nil, err
		}
		nonce = ch.Nonce
	}

	if err := o.checkLimit(req.URL, opt); err != nil {
		return nil, err
	}
	if err := o.precheck(ctx, opt); err != nil {
		return nil, err
	}

	log = log.WithFields(logrus.Fields{
		"amount": opt.Amount.String(),
		"asset":  opt.Asset,
		"payee":  opt.PayTo,
	})
	log.Info("Paying for resource")

	txID, err := o.settler.Transfer(ctx, opt.Asset, opt.PayTo, opt.Amount)
	if err != nil {
		return nil, fmt.Errorf("transfer failed: %w", err)
	}

	// Once submitted, a payment is confirmed and delivered even if the caller goes away.
	ctx = context.WithoutCancel(ctx)

	receipt := &model.SettlementReceipt{
		TxID:    txID,
		Status:  model.ReceiptPending,
		Payer:   o.settler.Address(),
		Payee:   opt.PayTo,
		Asset:   opt.Asset,
		Amount:  new(big.Int).Set(opt.Amount),
		Network: string(o.settler.Network().Name),
	}

	if err := o.confirm(ctx, receipt); err != nil {
		return nil, err
	}
	log.WithField("tx", txID).Info("Payment confirmed")

	res, err := o.replay(ctx, req, receipt, nonce)
	if err != nil {
		return nil, err
	}
	res.Nonce = nonce
	return res, nil
}

// ReplayWithProof re-issues a request carrying proof of an already confirmed payment.
// Callers use it to retry a PostPaymentError without paying again.
func (o *Orchestrator) ReplayWithProof(ctx context.Context, req Request, receipt *model.SettlementReceipt, nonce string) (*Result, error) {
	if receipt == nil || receipt.Status != model.ReceiptSuccess {
		return nil, errors.New("replay requires a confirmed receipt")
	}
	req.Method = strings.ToUpper(req.Method)
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	res, err := o.replay(ctx, req, receipt, nonce)
	if err != nil {
		return nil, err
	}
	res.Nonce = nonce
	return res, nil
}

func (o *Orchestrator) replay(ctx context.Context, req Request, receipt *model.SettlementReceipt, nonce string) (*Result, error) {
	headers := http.Header{}
	headers.Set(o.cfg.HashHeader, receipt.TxID)
	if nonce != "" {
		headers.Set(o.cfg.NonceHeader, nonce)
	}

	status, _, body, err := o.do(ctx, req, headers)
	if err != nil {
		return nil, o.postPaymentError(req.URL, receipt, nonce, 0, nil, err)
	}
	if status < 200 || status >= 300 {
		return nil, o.postPaymentError(req.URL, receipt, nonce, status, body, nil)
	}

	res := &Result{
		StatusCode: status,
		Paid:       true,
		Receipt:    receipt,
		Payload:    ExtractPayload(body),
	}
	if res.Payload.Kind == PayloadConfirmationOnly {
		m, _ := res.Payload.Structured.(map[string]any)
		res.Warning = &PlaceholderDataWarning{Resource: req.URL, Fields: placeholderFields(m)}
		logrus.WithField("resource", req.URL).Warn(res.Warning.String())
	}
	return res, nil
}

func (o *Orchestrator) postPaymentError(resource string, receipt *model.SettlementReceipt, nonce string, status int, body []byte, err error) error {
	excerpt := string(body)
	if len(excerpt) > 512 {
		excerpt = excerpt[:512]
	}
	logrus.WithFields(logrus.Fields{
		"resource": resource,
		"tx":       receipt.TxID,
		"amount":   receipt.Amount.String(),
		"status":   status,
	}).Error("Paid request failed after payment")

	return &PostPaymentError{
		Resource:   resource,
		TxID:       receipt.TxID,
		Amount:     new(big.Int).Set(receipt.Amount),
		Asset:      receipt.Asset,
		Decimals:   o.cfg.LimitDecimals,
		StatusCode: status,
		Body:       excerpt,
		Nonce:      nonce,
		Err:        err,
	}
}

func (o *Orchestrator) checkLimit(resource string, opt model.ChallengeOption) error {
	if o.cfg.Limit == nil || opt.Amount.Cmp(o.cfg.Limit) <= 0 {
		return nil
	}
	return &LimitError{
		Resource: resource,
		Amount:   new(big.Int).Set(opt.Amount),
		Limit:    new(big.Int).Set(o.cfg.Limit),
		Decimals: o.cfg.LimitDecimals,
	}
}

// precheck reads token and gas balances so a transfer known to fail is never attempted
func (o *Orchestrator) precheck(ctx context.Context, opt model.ChallengeOption) error {
	payer := o.settler.Address()
	network := o.settler.Network()

	tokenBal, err := o.settler.Balance(ctx, payer, opt.Asset)
	if err != nil {
		return fmt.Errorf("balance check failed: %w", err)
	}
	if tokenBal.Cmp(opt.Amount) < 0 {
		return &chain.InsufficientFundsError{
			Asset:     opt.Asset,
			Decimals:  network.USDCDecimals,
			Required:  new(big.Int).Set(opt.Amount),
			Available: tokenBal,
		}
	}

	gasBal, err := o.settler.Balance(ctx, payer, chain.NativeAsset)
	if err != nil {
		return fmt.Errorf("gas balance check failed: %w", err)
	}
	if gasBal.Cmp(o.cfg.MinGasBalance) < 0 {
		return &chain.InsufficientFundsError{
			Asset:     network.NativeSymbol,
			Decimals:  network.NativeDecimals,
			Required:  new(big.Int).Set(o.cfg.MinGasBalance),
			Available: gasBal,
		}
	}
	return nil
}

// confirm polls the receipt a bounded number of times. It never resubmits.
func (o *Orchestrator) confirm(ctx context.Context, receipt *model.SettlementReceipt) error {
	failed := func(reason string, attempts int, err error) error {
		if reason == FailureReverted {
			receipt.Status = model.ReceiptReverted
		} else {
			receipt.Status = model.ReceiptUnknown
		}
		return &PaymentFailedError{
			TxID:     receipt.TxID,
			Reason:   reason,
			Attempts: attempts,
			Asset:    receipt.Asset,
			Amount:   new(big.Int).Set(receipt.Amount),
			Decimals: o.cfg.LimitDecimals,
			Err:      err,
		}
	}

	for attempt := 1; attempt <= o.cfg.ConfirmAttempts; attempt++ {
		status, err := o.settler.Receipt(ctx, receipt.TxID)
		if err != nil {
			logrus.WithError(err).WithField("tx", receipt.TxID).Debug("Receipt read failed, polling again")
		}
		switch status {
		case model.ReceiptSuccess:
			receipt.Status = model.ReceiptSuccess
			return nil
		case model.ReceiptReverted:
			return failed(FailureReverted, attempt, nil)
		}

		if attempt == o.cfg.ConfirmAttempts {
			break
		}
		if err := o.sleep(ctx, o.cfg.ConfirmInterval); err != nil {
			return failed(FailureTimeout, attempt, err)
		}
	}
	return failed(FailureTimeout, o.cfg.ConfirmAttempts, nil)
}

// do issues a single request and reads the bounded body
func (o *Orchestrator) do(ctx context.Context, req Request, extra http.Header) (int, http.Header, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.RequestTimeout)
	defer cancel()

	target := req.URL
	if len(req.Query) > 0 {
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + req.Query.Encode()
	}

	var body io.Reader
	if len(req.Body) > 0 && req.Method != http.MethodGet {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return 0, nil, nil, err
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range extra {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return 0, nil, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return resp.StatusCode, resp.Header, nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return resp.StatusCode, resp.Header, data, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
