// Package config provides configuration loading and management for the application.
package config

import (
	"fmt"
	"math/big"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"github.com/yourorg/x402-bazaar-agent/internal/discovery"
	"github.com/yourorg/x402-bazaar-agent/internal/model"
	"github.com/yourorg/x402-bazaar-agent/internal/types"
)

// Config holds all application configuration
type Config struct {
	// HTTP server port
	Port string

	// Registry settings
	DiscoveryURL      string
	DiscoveryTimeout  time.Duration
	DiscoveryInterval time.Duration
	DiscoveryPageSize int

	// Chain and wallet
	Network    string
	RPCURL     string
	PrivateKey string

	// Spend policy, in human units of the payment asset
	MaxServicePrice  string
	MaxPaymentAmount string
	PreferredAsset   string

	// Payment flow tuning
	ProbeTimeout    time.Duration
	ConfirmAttempts int
	ConfirmInterval time.Duration
	MinGasBalance   string

	// Resources never offered or paid
	Blacklist []string

	// /invoke rate limiting
	RateLimitRPS   float64
	RateLimitBurst int

	// Spend circuit breaker
	MaxConsecutiveFailures int
	SpendBudget            string
	SpendWindow            time.Duration
	CircuitResetDelay      time.Duration

	// Ledger export
	LedgerWebhookURL    string
	LedgerWebhookAPIKey string
	LedgerBatchSize     int

	// OpenTelemetry endpoint for observability
	OtelEndpoint string

	LogLevel  string
	LogFormat string
}

// fileConfig is the optional YAML overlay named by CONFIG_FILE. Environment variables win.
type fileConfig struct {
	Port              string   `yaml:"port"`
	DiscoveryURL      string   `yaml:"discovery_url"`
	DiscoveryInterval string   `yaml:"discovery_interval"`
	Network           string   `yaml:"network"`
	RPCURL            string   `yaml:"rpc_url"`
	MaxServicePrice   string   `yaml:"max_service_price"`
	MaxPaymentAmount  string   `yaml:"max_payment_amount"`
	PreferredAsset    string   `yaml:"preferred_asset"`
	Blacklist         []string `yaml:"blacklist"`
	SpendBudget       string   `yaml:"spend_budget"`
	SpendWindow       string   `yaml:"spend_window"`
	LedgerWebhookURL  string   `yaml:"ledger_webhook_url"`
	LogLevel          string   `yaml:"log_level"`
}

// Load creates a new Config from the optional CONFIG_FILE overlay and environment variables
func Load() (Config, error) {
	var fc fileConfig
	if path := GetEnvOrDefault("CONFIG_FILE", ""); path != "" {
		var err error
		if fc, err = loadFile(path); err != nil {
			return Config{}, err
		}
	}

	maxPrice := GetEnvOrDefault("MAX_SERVICE_PRICE", orDefault(fc.MaxServicePrice, "1.00"))
	privateKey := GetEnvOrDefault("PAYMENT_PRIVATE_KEY", GetEnvOrDefault("PRIVATE_KEY", ""))

	blacklist := fc.Blacklist
	if raw, ok := GetEnv("BLACKLIST"); ok {
		blacklist = append(blacklist, splitList(raw)...)
	}

	cfg := Config{
		Port:                   GetEnvOrDefault("PORT", orDefault(fc.Port, "8080")),
		DiscoveryURL:           GetEnvOrDefault("DISCOVERY_URL", orDefault(fc.DiscoveryURL, discovery.DefaultRegistryURL)),
		DiscoveryTimeout:       GetEnvAsDuration("DISCOVERY_TIMEOUT", 15*time.Second),
		DiscoveryInterval:      GetEnvAsDuration("DISCOVERY_INTERVAL", durationOr(fc.DiscoveryInterval, 10*time.Minute)),
		DiscoveryPageSize:      GetEnvAsInt("DISCOVERY_PAGE_SIZE", 100),
		Network:                strings.ToLower(GetEnvOrDefault("NETWORK", orDefault(fc.Network, string(types.NetworkBase)))),
		RPCURL:                 GetEnvOrDefault("RPC_URL", fc.RPCURL),
		PrivateKey:             privateKey,
		MaxServicePrice:        maxPrice,
		MaxPaymentAmount:       GetEnvOrDefault("MAX_PAYMENT_AMOUNT", orDefault(fc.MaxPaymentAmount, maxPrice)),
		PreferredAsset:         GetEnvOrDefault("PREFERRED_ASSET", fc.PreferredAsset),
		ProbeTimeout:           GetEnvAsDuration("PROBE_TIMEOUT", 30*time.Second),
		ConfirmAttempts:        GetEnvAsInt("CONFIRM_ATTEMPTS", 30),
		ConfirmInterval:        GetEnvAsDuration("CONFIRM_INTERVAL", 2*time.Second),
		MinGasBalance:          GetEnvOrDefault("MIN_GAS_BALANCE", "1"),
		Blacklist:              blacklist,
		RateLimitRPS:           GetEnvAsFloat("RATE_LIMIT_RPS", 2),
		RateLimitBurst:         GetEnvAsInt("RATE_LIMIT_BURST", 4),
		MaxConsecutiveFailures: GetEnvAsInt("MAX_CONSECUTIVE_FAILURES", 3),
		SpendBudget:            GetEnvOrDefault("SPEND_BUDGET", fc.SpendBudget),
		SpendWindow:            GetEnvAsDuration("SPEND_WINDOW", durationOr(fc.SpendWindow, time.Hour)),
		CircuitResetDelay:      GetEnvAsDuration("CIRCUIT_RESET_DELAY", 5*time.Minute),
		LedgerWebhookURL:       GetEnvOrDefault("LEDGER_WEBHOOK_URL", fc.LedgerWebhookURL),
		LedgerWebhookAPIKey:    GetEnvOrDefault("LEDGER_WEBHOOK_API_KEY", ""),
		LedgerBatchSize:        GetEnvAsInt("LEDGER_BATCH_SIZE", 50),
		OtelEndpoint:           GetEnvOrDefault("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		LogLevel:               GetEnvOrDefault("LOG_LEVEL", orDefault(fc.LogLevel, "info")),
		LogFormat:              GetEnvOrDefault("LOG_FORMAT", "text"),
	}
	return cfg, nil
}

func loadFile(path string) (fileConfig, error) {
	var fc fileConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return fc, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fc, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return fc, nil
}

// Validate reports every invalid setting at once
func (c Config) Validate() error {
	var result *multierror.Error

	if c.Port == "" {
		result = multierror.Append(result, fmt.Errorf("PORT must not be empty"))
	}
	if u, err := url.Parse(c.DiscoveryURL); err != nil || u.Host == "" {
		result = multierror.Append(result, fmt.Errorf("DISCOVERY_URL is not a valid URL: %q", c.DiscoveryURL))
	}
	if _, ok := types.LookupNetwork(c.Network); !ok {
		result = multierror.Append(result, fmt.Errorf("unsupported NETWORK %q", c.Network))
	}
	ceiling, err := c.PriceCeiling(6)
	if err != nil {
		result = multierror.Append(result, fmt.Errorf("MAX_SERVICE_PRICE: %w", err))
	}
	limit, err := c.PaymentLimit(6)
	if err != nil {
		result = multierror.Append(result, fmt.Errorf("MAX_PAYMENT_AMOUNT: %w", err))
	}
	if ceiling != nil && limit != nil && limit.Cmp(ceiling) < 0 {
		result = multierror.Append(result, fmt.Errorf("MAX_PAYMENT_AMOUNT %s is below MAX_SERVICE_PRICE %s, every discovered tool would be refused", c.MaxPaymentAmount, c.MaxServicePrice))
	}
	if _, err := c.SpendBudgetAtomic(6); err != nil {
		result = multierror.Append(result, fmt.Errorf("SPEND_BUDGET: %w", err))
	}
	if _, err := model.ParseAtomic(c.MinGasBalance); err != nil {
		result = multierror.Append(result, fmt.Errorf("MIN_GAS_BALANCE: %w", err))
	}
	if c.ConfirmAttempts <= 0 {
		result = multierror.Append(result, fmt.Errorf("CONFIRM_ATTEMPTS must be positive"))
	}
	if c.ConfirmInterval <= 0 {
		result = multierror.Append(result, fmt.Errorf("CONFIRM_INTERVAL must be positive"))
	}
	if c.DiscoveryInterval <= 0 {
		result = multierror.Append(result, fmt.Errorf("DISCOVERY_INTERVAL must be positive"))
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		result = multierror.Append(result, fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive"))
	}

	return result.ErrorOrNil()
}

// NetworkConfig resolves the configured network, applying the RPC_URL override
func (c Config) NetworkConfig() (types.NetworkConfig, error) {
	n, ok := types.LookupNetwork(c.Network)
	if !ok {
		return types.NetworkConfig{}, fmt.Errorf("unsupported network %q", c.Network)
	}
	if c.RPCURL != "" {
		n.RPCEndpoint = c.RPCURL
	}
	return n, nil
}

// PriceCeiling returns MAX_SERVICE_PRICE in atomic units
func (c Config) PriceCeiling(decimals int) (*big.Int, error) {
	return model.ParseUnits(c.MaxServicePrice, decimals)
}

// PaymentLimit returns MAX_PAYMENT_AMOUNT in atomic units
func (c Config) PaymentLimit(decimals int) (*big.Int, error) {
	return model.ParseUnits(c.MaxPaymentAmount, decimals)
}

// SpendBudgetAtomic returns SPEND_BUDGET in atomic units, or nil when unset
func (c Config) SpendBudgetAtomic(decimals int) (*big.Int, error) {
	if c.SpendBudget == "" {
		return nil, nil
	}
	return model.ParseUnits(c.SpendBudget, decimals)
}

// MinGasWei returns MIN_GAS_BALANCE in wei
func (c Config) MinGasWei() *big.Int {
	v, err := model.ParseAtomic(c.MinGasBalance)
	if err != nil {
		return big.NewInt(1)
	}
	return v
}

// GetEnv retrieves an environment variable and whether it exists
func GetEnv(key string) (string, bool) {
	value, exists := os.LookupEnv(key)
	return value, exists
}

// GetEnvOrDefault retrieves an environment variable or returns the default value if not set
func GetEnvOrDefault(key, defaultValue string) string {
	if value, exists := GetEnv(key); exists {
		return value
	}
	return defaultValue
}

// GetEnvAsInt retrieves an environment variable as an integer with a default value
func GetEnvAsInt(key string, defaultValue int) int {
	if value, exists := GetEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// GetEnvAsFloat retrieves an environment variable as a float with a default value
func GetEnvAsFloat(key string, defaultValue float64) float64 {
	if value, exists := GetEnv(key); exists {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

// GetEnvAsDuration retrieves an environment variable as a duration with a default value
func GetEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := GetEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func splitList(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func orDefault(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

func durationOr(v string, def time.Duration) time.Duration {
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return def
}
