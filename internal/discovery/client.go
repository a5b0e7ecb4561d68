// Package discovery fetches the catalog of priced resources from an x402 discovery registry
// and filters it by affordability, network and settlement asset.
package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/yourorg/x402-bazaar-agent/internal/model"
	"github.com/yourorg/x402-bazaar-agent/internal/types"
)

// DefaultRegistryURL is the public Bazaar discovery endpoint
const DefaultRegistryURL = "https://api.cdp.coinbase.com/platform/v2/x402/discovery/resources"

// maxPages bounds pagination against registries reporting a bogus total
const maxPages = 200

// ErrRegistryUnavailable is returned when the catalog cannot be fetched in full
var ErrRegistryUnavailable = errors.New("discovery registry unavailable")

// RegistryError describes a failed registry fetch
type RegistryError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *RegistryError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("discovery registry %s returned status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("discovery registry %s unreachable: %v", e.URL, e.Err)
}

// Unwrap lets errors.Is match ErrRegistryUnavailable
func (e *RegistryError) Unwrap() error {
	return ErrRegistryUnavailable
}

// Client fetches the registry catalog
type Client struct {
	baseURL    string
	httpClient *http.Client
	pageSize   int
	tracer     trace.Tracer
}

// NewClient creates a registry client with retries and a per-request timeout
func NewClient(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultRegistryURL
	}
	httpClient := newRetryClient().StandardClient()
	httpClient.Timeout = timeout
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		pageSize:   100,
		tracer:     noop.NewTracerProvider().Tracer(""),
	}
}

// newRetryClient creates a new HTTP client with retry capabilities
func newRetryClient() *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = 3
	c.RetryWaitMin = 500 * time.Millisecond
	c.RetryWaitMax = 3 * time.Second
	c.Logger = nil
	return c
}

// WithHTTPClient replaces the HTTP client, mainly for tests
func (c *Client) WithHTTPClient(h *http.Client) *Client {
	c.httpClient = h
	return c
}

// WithPageSize sets the registry page size
func (c *Client) WithPageSize(n int) *Client {
	if n > 0 {
		c.pageSize = n
	}
	return c
}

// WithTracer sets the tracer used for registry spans
func (c *Client) WithTracer(t trace.Tracer) *Client {
	if t != nil {
		c.tracer = t
	}
	return c
}

// URL returns the registry endpoint
func (c *Client) URL() string {
	return c.baseURL
}

// List fetches the entire current catalog. Any failed page fails the whole fetch.
func (c *Client) List(ctx context.Context) ([]model.PricedResource, error) {
	ctx, span := c.tracer.Start(ctx, "discovery.List")
	defer span.End()

	var (
		all      []model.PricedResource
		offset   int
		total    int
		complete bool
	)
	for page := 0; page < maxPages; page++ {
		resp, err := c.fetchPage(ctx, offset)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}

		for _, item := range resp.Items {
			all = append(all, item.toModel())
		}

		offset += len(resp.Items)
		total = resp.Pagination.Total
		if len(resp.Items) == 0 || total <= offset {
			complete = true
			break
		}
	}
	if !complete {
		err := &RegistryError{
			URL: c.baseURL,
			Err: fmt.Errorf("catalog truncated: fetched %d of %d resources in %d pages", offset, total, maxPages),
		}
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(attribute.Int("resources", len(all)))
	logrus.WithFields(logrus.Fields{
		"registry":  c.baseURL,
		"resources": len(all),
	}).Info("Fetched discovery catalog")
	return all, nil
}

func (c *Client) fetchPage(ctx context.Context, offset int) (*listResponse, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, &RegistryError{URL: c.baseURL, Err: err}
	}
	q := u.Query()
	q.Set("limit", strconv.Itoa(c.pageSize))
	q.Set("offset", strconv.Itoa(offset))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, &RegistryError{URL: c.baseURL, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	logrus.Debugf("Fetching discovery page: %s", u.String())
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &RegistryError{URL: c.baseURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &RegistryError{URL: c.baseURL, StatusCode: resp.StatusCode}
	}

	var out listResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &RegistryError{URL: c.baseURL, Err: fmt.Errorf("error decoding response: %w", err)}
	}
	return &out, nil
}

// listResponse matches the registry's list payload
type listResponse struct {
	X402Version int        `json:"x402Version"`
	Items       []wireItem `json:"items"`
	Pagination  struct {
		Limit  int `json:"limit"`
		Offset int `json:"offset"`
		Total  int `json:"total"`
	} `json:"pagination"`
}

type wireItem struct {
	Resource    string         `json:"resource"`
	Type        string         `json:"type"`
	X402Version int            `json:"x402Version"`
	Accepts     []wireAccept   `json:"accepts"`
	LastUpdated string         `json:"lastUpdated"`
	Metadata    map[string]any `json:"metadata"`
}

type wireAccept struct {
	Scheme            string          `json:"scheme"`
	Network           string          `json:"network"`
	MaxAmountRequired json.RawMessage `json:"maxAmountRequired"`
	Asset             string          `json:"asset"`
	PayTo             string          `json:"payTo"`
	MaxTimeoutSeconds int             `json:"maxTimeoutSeconds"`
	Description       string          `json:"description"`
	MimeType          string          `json:"mimeType"`
	Resource          string          `json:"resource"`
	Extra             struct {
		Name     string `json:"name"`
		Version  string `json:"version"`
		Decimals *int   `json:"decimals"`
	} `json:"extra"`
	OutputSchema struct {
		Input model.InputShape `json:"input"`
	} `json:"outputSchema"`
}

func (w wireItem) toModel() model.PricedResource {
	r := model.PricedResource{
		Resource:    w.Resource,
		Type:        w.Type,
		X402Version: w.X402Version,
		Metadata:    w.Metadata,
	}
	if ts, err := time.Parse(time.RFC3339, w.LastUpdated); err == nil {
		r.LastUpdated = ts
	}
	for _, a := range w.Accepts {
		r.Accepts = append(r.Accepts, a.toModel())
	}
	return r
}

// toModel converts a wire option. An unparseable amount leaves MaxAmountRequired nil
// so validation can drop the option.
func (a wireAccept) toModel() model.PaymentOption {
	raw := strings.Trim(strings.TrimSpace(string(a.MaxAmountRequired)), `"`)
	o := model.PaymentOption{
		Scheme:            a.Scheme,
		Network:           a.Network,
		Asset:             a.Asset,
		AssetName:         a.Extra.Name,
		Decimals:          assetDecimals(a.Network, a.Asset, a.Extra.Decimals),
		RawAmount:         raw,
		PayTo:             a.PayTo,
		MaxTimeoutSeconds: a.MaxTimeoutSeconds,
		Description:       a.Description,
		MimeType:          a.MimeType,
		Resource:          a.Resource,
		Input:             a.OutputSchema.Input,
	}
	if amount, err := model.ParseAtomic(raw); err == nil {
		o.MaxAmountRequired = amount
	}
	return o
}

// assetDecimals prefers the registry hint, then the known network asset, then USDC's 6
func assetDecimals(network, asset string, hint *int) int {
	if hint != nil && *hint >= 0 {
		return *hint
	}
	if n, ok := types.LookupNetwork(network); ok && strings.EqualFold(n.USDCAddress, asset) {
		return n.USDCDecimals
	}
	return 6
}
