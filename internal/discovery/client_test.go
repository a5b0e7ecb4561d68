package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sepoliaUSDC = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"

func item(u string, amount string) map[string]any {
	return map[string]any{
		"resource":    u,
		"type":        "http",
		"x402Version": 1,
		"lastUpdated": time.Now().UTC().Format(time.RFC3339),
		"metadata":    map[string]any{"name": "svc"},
		"accepts": []map[string]any{{
			"scheme":            "exact",
			"network":           "base-sepolia",
			"maxAmountRequired": amount,
			"asset":             sepoliaUSDC,
			"payTo":             "0xPayee",
			"maxTimeoutSeconds": 60,
			"extra":             map[string]any{"name": "USDC", "version": "2"},
			"outputSchema": map[string]any{
				"input": map[string]any{
					"method": "GET",
					"type":   "http",
					"queryParams": map[string]any{
						"city": map[string]any{"type": "string", "required": true, "description": "City name"},
						"days": "Forecast length",
					},
				},
			},
		}},
	}
}

func registry(t *testing.T, items []map[string]any, pageSize int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		end := offset + pageSize
		if end > len(items) {
			end = len(items)
		}
		page := []map[string]any{}
		if offset < len(items) {
			page = items[offset:end]
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"x402Version": 1,
			"items":       page,
			"pagination":  map[string]any{"limit": pageSize, "offset": offset, "total": len(items)},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestList_DecodesCatalog(t *testing.T) {
	srv := registry(t, []map[string]any{item("https://api.example.com/weather", "50000")}, 10)

	resources, err := NewClient(srv.URL, 5*time.Second).List(context.Background())
	require.NoError(t, err)
	require.Len(t, resources, 1)

	r := resources[0]
	assert.Equal(t, "https://api.example.com/weather", r.Resource)
	assert.False(t, r.LastUpdated.IsZero())
	require.Len(t, r.Accepts, 1)

	o := r.Accepts[0]
	assert.Equal(t, "50000", o.MaxAmountRequired.String())
	assert.Equal(t, 6, o.Decimals)
	assert.Equal(t, "USDC", o.AssetName)
	assert.Equal(t, "GET", o.HTTPMethod())
	assert.True(t, o.Input.QueryParams["city"].Required)
	assert.Equal(t, "Forecast length", o.Input.QueryParams["days"].Description)
	assert.Equal(t, "string", o.Input.QueryParams["days"].Type)
}

func TestList_Paginates(t *testing.T) {
	var items []map[string]any
	for i := 0; i < 25; i++ {
		items = append(items, item(fmt.Sprintf("https://svc%d.example.com", i), "1"))
	}
	srv := registry(t, items, 10)

	resources, err := NewClient(srv.URL, 5*time.Second).WithPageSize(10).List(context.Background())
	require.NoError(t, err)
	assert.Len(t, resources, 25)
}

func TestList_UnparseableAmountKeptAsNil(t *testing.T) {
	srv := registry(t, []map[string]any{item("https://a.example.com", "0.5")}, 10)

	resources, err := NewClient(srv.URL, time.Second).List(context.Background())
	require.NoError(t, err)
	assert.Nil(t, resources[0].Accepts[0].MaxAmountRequired)
	assert.Equal(t, "0.5", resources[0].Accepts[0].RawAmount)
}

func TestList_RegistryUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, time.Second).List(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRegistryUnavailable)

	var re *RegistryError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, http.StatusNotFound, re.StatusCode)
}

func TestList_ServerErrorIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second).WithHTTPClient(srv.Client())
	_, err := c.List(context.Background())
	assert.ErrorIs(t, err, ErrRegistryUnavailable)
}

func TestList_FailedLaterPageReturnsNoPartialCatalog(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("offset") != "0" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"items":      []map[string]any{item("https://a.example.com", "1")},
			"pagination": map[string]any{"limit": 1, "offset": 0, "total": 2},
		})
	}))
	defer srv.Close()

	resources, err := NewClient(srv.URL, time.Second).WithPageSize(1).List(context.Background())
	assert.ErrorIs(t, err, ErrRegistryUnavailable)
	assert.Nil(t, resources)
}

func TestList_TruncatedCatalogFails(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"items":      []map[string]any{item(fmt.Sprintf("https://svc%d.example.com", offset), "1")},
			"pagination": map[string]any{"limit": 1, "offset": offset, "total": maxPages + 10},
		})
	}))
	defer srv.Close()

	resources, err := NewClient(srv.URL, time.Second).WithPageSize(1).List(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRegistryUnavailable)
	assert.Contains(t, err.Error(), "truncated")
	assert.Nil(t, resources)
	assert.Equal(t, int32(maxPages), atomic.LoadInt32(&requests))
}

func TestList_TransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c := NewClient(srv.URL, time.Second).WithHTTPClient(&http.Client{Timeout: time.Second})
	_, err := c.List(context.Background())
	assert.ErrorIs(t, err, ErrRegistryUnavailable)
}

func TestDiscoverAffordable_Scenario(t *testing.T) {
	srv := registry(t, []map[string]any{
		item("https://cheap.example.com", "50000"),
		item("https://pricey.example.com", "2000000"),
	}, 10)

	crit := Criteria{MaxPrice: "1.00", Decimals: 6, Network: "base-sepolia", Asset: sepoliaUSDC}
	got, err := NewClient(srv.URL, time.Second).DiscoverAffordable(context.Background(), crit, nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "https://cheap.example.com", got[0].Resource)
}

type excludeSet map[string]bool

func (e excludeSet) Excluded(u string) bool { return e[u] }

func TestDiscoverAffordable_ExcludesAcrossRefreshes(t *testing.T) {
	srv := registry(t, []map[string]any{
		item("https://a.example.com", "10"),
		item("https://b.example.com", "10"),
	}, 10)
	c := NewClient(srv.URL, time.Second)
	crit := Criteria{MaxPrice: "1.00", Decimals: 6, Network: "base-sepolia"}
	bad := excludeSet{"https://a.example.com": true}

	for i := 0; i < 3; i++ {
		got, err := c.DiscoverAffordable(context.Background(), crit, bad)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "https://b.example.com", got[0].Resource)
	}
}

func TestDiscoverAffordable_InvalidMaxPriceSkipsFetch(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))
	defer srv.Close()

	_, err := NewClient(srv.URL, time.Second).DiscoverAffordable(context.Background(), Criteria{MaxPrice: "-1", Decimals: 6}, nil)
	assert.Error(t, err)
	assert.False(t, called)
}
