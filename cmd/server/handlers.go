package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/x402-bazaar-agent/internal/agent"
	"github.com/yourorg/x402-bazaar-agent/internal/chain"
	"github.com/yourorg/x402-bazaar-agent/internal/circuitbreaker"
	"github.com/yourorg/x402-bazaar-agent/internal/discovery"
	"github.com/yourorg/x402-bazaar-agent/internal/payment"
	"github.com/yourorg/x402-bazaar-agent/internal/tools"
)

// InvokeRequest is the /invoke body. One of Retry, Tool or URL must be set.
type InvokeRequest struct {
	// Retry is the ledger ID of a post-payment failure to resend proof for
	Retry string `json:"retry,omitempty"`


	Tool      string                 `json:"tool,omitempty"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`

	URL    string            `json:"url,omitempty"`
	Method string            `json:"method,omitempty"`
	Body   json.RawMessage   `json:"body,omitempty"`
	Query  map[string]string `json:"query,omitempty"`
}

// InvokeResponse wraps a successful call
type InvokeResponse struct {
	*agent.Outcome
	Text string `json:"text"`
}

// ToolInfo is one entry of the /tools listing
type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Resource    string          `json:"resource"`
	Price       string          `json:"price"`
	Asset       string          `json:"asset"`
	Network     string          `json:"network"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/tools", s.handleTools)
	mux.HandleFunc("/invoke", s.handleInvoke)
	mux.HandleFunc("/refresh", s.handleRefresh)
	mux.HandleFunc("/quality", s.handleQuality)
	mux.HandleFunc("/quality/reset", s.handleQualityReset)
	mux.HandleFunc("/circuit", s.handleCircuitStatus)
	mux.HandleFunc("/ledger", s.handleLedger)
	mux.Handle("/mcp", s.mcp.Handler())
	return mux
}

// handleHealth is a simple health check endpoint
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// handleStatus returns detailed service status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"version": version,
		"uptime":  time.Since(startTime).String(),
		"wallet":  s.payer.Hex(),
		"network": s.network.Name,
		"agent":   s.agent.Status(),
	}
	if s.exporter != nil {
		status["ledgerExport"] = s.exporter.Status()
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed", false)
		return
	}
	descriptors := s.agent.Toolset().Tools()
	out := make([]ToolInfo, 0, len(descriptors))
	for _, d := range descriptors {
		info := ToolInfo{
			Name:        d.Name,
			Description: d.Description,
			Resource:    d.Resource.Resource,
			Price:       discovery.FormatPrice(d.Option.Amount(), d.Option.Decimals),
			Asset:       d.Option.Asset,
			Network:     d.Option.Network,
		}
		if raw, err := json.Marshal(d.InputSchema); err == nil {
			info.InputSchema = raw
		}
		out = append(out, info)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tools": out, "count": len(out)})
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed", false)
		return
	}
	if !s.rateLimit.Allow() {
		errorResponse(w, http.StatusTooManyRequests, "Rate limit exceeded. No payment was made.", false)
		return
	}

	var req InvokeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid request body: "+err.Error(), false)
		return
	}

	var (
		out *agent.Outcome
		err error
	)
	switch {
	case req.Retry != "":
		out, err = s.agent.Retry(r.Context(), req.Retry)
	case req.Tool != "":
		args := req.Arguments
		if args == nil {
			args = map[string]interface{}{}
		}
		out, err = s.agent.Invoke(r.Context(), req.Tool, args)
	case req.URL != "":
		if u, perr := url.Parse(req.URL); perr != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errorResponse(w, http.StatusBadRequest, "A valid http(s) url is required. No payment was made.", false)
			return
		}
		method := req.Method
		if method == "" {
			method = http.MethodGet
		}
		query := url.Values{}
		for k, v := range req.Query {
			query.Set(k, v)
		}
		out, err = s.agent.Call(r.Context(), req.URL, method, []byte(req.Body), query)
	default:
		errorResponse(w, http.StatusBadRequest, "One of retry, tool or url is required. No payment was made.", false)
		return
	}

	if err != nil {
		logrus.WithFields(logrus.Fields{
			"tool":  req.Tool,
			"url":   req.URL,
			"retry": req.Retry,
			"error": err,
		}).Warn("Invoke failed")
		invokeErrorResponse(w, err)
		return
	}
	writeJSON(w, http.StatusOK, InvokeResponse{Outcome: out, Text: out.Text()})
}

// invokeErrorResponse adds the ledger entry to failures where funds moved
func invokeErrorResponse(w http.ResponseWriter, err error) {
	body := map[string]interface{}{
		"error":      agent.Explain(err),
		"moneySpent": agent.MoneySpent(err),
	}
	var paid *agent.PaidFailureError
	if errors.As(err, &paid) {
		body["ledgerId"] = paid.LedgerID
		body["retryable"] = paid.Retryable
	}
	writeJSON(w, statusFor(err), body)
}

// statusFor maps call errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, tools.ErrUnknownTool), errors.Is(err, agent.ErrNoPendingRetry):
		return http.StatusNotFound
	case errors.Is(err, tools.ErrInvalidArguments):
		return http.StatusBadRequest
	case errors.Is(err, agent.ErrResourceFlagged):
		return http.StatusForbidden
	case errors.Is(err, circuitbreaker.ErrOpen), errors.Is(err, circuitbreaker.ErrBudgetExceeded):
		return http.StatusServiceUnavailable
	case errors.Is(err, payment.ErrPaymentAmountExceedsLimit):
		return http.StatusUnprocessableEntity
	case errors.Is(err, chain.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, payment.ErrPostPaymentRequestFailed),
		errors.Is(err, payment.ErrPaymentFailed),
		errors.Is(err, payment.ErrMalformedChallenge):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed", false)
		return
	}
	n, err := s.agent.Refresh(r.Context())
	if err != nil {
		errorResponse(w, http.StatusBadGateway, agent.Explain(err), false)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tools": n})
}

func (s *Server) handleQuality(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed", false)
		return
	}
	records := s.agent.Quality().Snapshot()
	writeJSON(w, http.StatusOK, map[string]interface{}{"bad": records, "count": len(records)})
}

func (s *Server) handleQualityReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed", false)
		return
	}
	resource := r.URL.Query().Get("url")
	if resource == "" {
		errorResponse(w, http.StatusBadRequest, "url parameter is required", false)
		return
	}
	if !s.agent.ResetQuality(resource) {
		errorResponse(w, http.StatusNotFound, "Resource is not flagged or is statically blacklisted", false)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset", "url": resource})
}

// handleCircuitStatus returns or resets the spend guard
func (s *Server) handleCircuitStatus(w http.ResponseWriter, r *http.Request) {
	breaker := s.agent.Breaker()
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"state":   breaker.GetState().String(),
			"enabled": true,
		})
	case http.MethodPost:
		if r.URL.Query().Get("action") != "reset" {
			errorResponse(w, http.StatusBadRequest, "Invalid action", false)
			return
		}
		breaker.Reset()
		writeJSON(w, http.StatusOK, map[string]string{"status": "reset", "state": breaker.GetState().String()})
	default:
		errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed", false)
	}
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed", false)
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			errorResponse(w, http.StatusBadRequest, "limit must be a positive integer", false)
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": s.ledger.Recent(limit),
		"totals":  s.ledger.Totals(),
	})
}
