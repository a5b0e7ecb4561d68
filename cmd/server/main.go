// Package main runs the x402 bazaar agent: periodic discovery, a paid tool surface over HTTP and
// MCP, and the operator endpoints around it.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/yourorg/x402-bazaar-agent/internal/agent"
	"github.com/yourorg/x402-bazaar-agent/internal/chain"
	"github.com/yourorg/x402-bazaar-agent/internal/circuitbreaker"
	"github.com/yourorg/x402-bazaar-agent/internal/config"
	"github.com/yourorg/x402-bazaar-agent/internal/discovery"
	"github.com/yourorg/x402-bazaar-agent/internal/ledger"
	"github.com/yourorg/x402-bazaar-agent/internal/mcpserver"
	"github.com/yourorg/x402-bazaar-agent/internal/otel"
	"github.com/yourorg/x402-bazaar-agent/internal/payment"
	"github.com/yourorg/x402-bazaar-agent/internal/quality"
	"github.com/yourorg/x402-bazaar-agent/internal/types"
	"github.com/yourorg/x402-bazaar-agent/internal/wallet"
)

const version = "0.3.0"

// startTime records when the service was initialized for uptime reporting
var startTime = time.Now()

// Server represents the agent's HTTP surface
type Server struct {
	cfg      config.Config
	agent    *agent.Agent
	mcp      *mcpserver.Server
	exporter *ledger.Exporter
	ledger   *ledger.Ledger

	payer   common.Address
	network types.NetworkConfig

	registry  *prometheus.Registry
	rateLimit *rate.Limiter
	server    *http.Server
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}
	setupLogging(cfg.LogLevel, cfg.LogFormat)

	if err := cfg.Validate(); err != nil {
		logrus.Fatalf("Invalid configuration: %v", err)
	}

	shutdownTracer := otel.InitTracer(cfg.OtelEndpoint)
	defer shutdownTracer()

	s, err := build(context.Background(), cfg)
	if err != nil {
		logrus.Fatalf("Failed to start: %v", err)
	}
	s.Start()
}

// build wires every component from configuration
func build(ctx context.Context, cfg config.Config) (*Server, error) {
	w, err := wallet.LoadPrivateKey(cfg.PrivateKey)
	if err != nil {
		return nil, err
	}
	network, err := cfg.NetworkConfig()
	if err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	settler, err := chain.Dial(dialCtx, network.RPCEndpoint, network, w.PrivateKey())
	if err != nil {
		return nil, err
	}

	decimals := network.USDCDecimals
	limit, err := cfg.PaymentLimit(decimals)
	if err != nil {
		return nil, err
	}
	budget, err := cfg.SpendBudgetAtomic(decimals)
	if err != nil {
		return nil, err
	}

	preferred := cfg.PreferredAsset
	if preferred == "" {
		preferred = network.USDCAddress
	}

	pcfg := payment.DefaultConfig()
	pcfg.PreferredAsset = preferred
	pcfg.Limit = limit
	pcfg.LimitDecimals = decimals
	pcfg.ConfirmAttempts = cfg.ConfirmAttempts
	pcfg.ConfirmInterval = cfg.ConfirmInterval
	pcfg.RequestTimeout = cfg.ProbeTimeout
	pcfg.MinGasBalance = cfg.MinGasWei()
	orchestrator := payment.New(settler.WithMinGasBalance(cfg.MinGasWei()), pcfg).WithTracer(otel.Tracer())

	registryClient := discovery.NewClient(cfg.DiscoveryURL, cfg.DiscoveryTimeout).
		WithPageSize(cfg.DiscoveryPageSize).
		WithTracer(otel.Tracer())

	breaker := circuitbreaker.New(circuitbreaker.Thresholds{
		MaxConsecutiveFailures: cfg.MaxConsecutiveFailures,
		SpendBudget:            budget,
		Window:                 cfg.SpendWindow,
	}).WithResetDelay(cfg.CircuitResetDelay).WithTripCallback(func(reason string) {
		logrus.WithField("reason", reason).Error("Payments suspended by spend guard")
	})

	exporter := ledger.NewExporter(ledger.ExporterConfig{
		Enabled:       cfg.LedgerWebhookURL != "",
		BatchSize:     cfg.LedgerBatchSize,
		WebhookURL:    cfg.LedgerWebhookURL,
		WebhookAPIKey: cfg.LedgerWebhookAPIKey,
	}).WithSigner(w)
	l := ledger.New().WithSink(exporter.Add)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a := agent.New(registryClient, quality.New(cfg.Blacklist), orchestrator, breaker, l, agent.NewMetrics(reg), agent.Options{
		Criteria: discovery.Criteria{
			MaxPrice: cfg.MaxServicePrice,
			Decimals: decimals,
			Network:  string(network.Name),
		},
		PreferredAsset:  preferred,
		DefaultDecimals: decimals,
	})

	logrus.WithFields(logrus.Fields{
		"wallet":  w.Address().Hex(),
		"network": network.Name,
		"limit":   cfg.MaxPaymentAmount,
	}).Info("Agent configured")

	return NewServer(cfg, a, l, exporter, reg, w.Address(), network), nil
}

// NewServer assembles the HTTP surface around a wired agent
func NewServer(cfg config.Config, a *agent.Agent, l *ledger.Ledger, exporter *ledger.Exporter,
	reg *prometheus.Registry, payer common.Address, network types.NetworkConfig) *Server {
	s := &Server{
		cfg:       cfg,
		agent:     a,
		ledger:    l,
		exporter:  exporter,
		payer:     payer,
		network:   network,
		registry:  reg,
		rateLimit: rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst),
	}
	s.mcp = mcpserver.New(a, version)
	a.OnRefresh(s.mcp.Sync)
	return s
}

// Start begins the HTTP server and the refresh loop, and shuts both down gracefully
func (s *Server) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if _, err := s.agent.Refresh(ctx); err != nil {
			logrus.WithError(err).Warn("Initial discovery failed; serving an empty tool list until the next refresh")
		}
		s.agent.Run(ctx, s.cfg.DiscoveryInterval)
	}()
	s.exporter.Start()

	s.server = &http.Server{
		Addr:         ":" + s.cfg.Port,
		Handler:      s.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logrus.Infof("Server starting on port %s", s.cfg.Port)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("Error starting server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logrus.Info("Server shutting down...")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		logrus.Errorf("Server shutdown failed: %v", err)
	}
	if err := s.exporter.Stop(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("Ledger entries left unexported")
	}
	logrus.Info("Server stopped")
}
