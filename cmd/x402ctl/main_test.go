package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/x402-bazaar-agent/internal/wallet"
)

const baseUSDC = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	a := newApp()
	a.Writer = &out
	a.ErrWriter = &errOut
	err := a.Run(append([]string{"x402ctl"}, args...))
	return out.String(), err
}

func catalog(t *testing.T) *httptest.Server {
	t.Helper()
	item := func(u, amount string) map[string]any {
		return map[string]any{
			"resource":    u,
			"type":        "http",
			"x402Version": 1,
			"accepts": []map[string]any{{
				"scheme":            "exact",
				"network":           "base",
				"maxAmountRequired": amount,
				"asset":             baseUSDC,
				"payTo":             "0x1111111111111111111111111111111111111111",
				"maxTimeoutSeconds": 60,
			}},
		}
	}
	items := []map[string]any{
		item("https://news.example.com/latest", "20000"),
		item("https://weather.example.com/forecast", "10000"),
		item("https://pricey.example.com/report", "5000000"),
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"x402Version": 1,
			"items":       items,
			"pagination":  map[string]any{"limit": 100, "offset": 0, "total": len(items)},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestWalletGenerate(t *testing.T) {
	out, err := run(t, "wallet", "generate", "--json")
	require.NoError(t, err)

	var gen outputGenerate
	require.NoError(t, json.Unmarshal([]byte(out), &gen))
	assert.True(t, common.IsHexAddress(gen.Address))

	w, err := wallet.LoadPrivateKey(gen.PrivateKey)
	require.NoError(t, err)
	assert.Equal(t, gen.Address, w.Address().Hex())
}

func TestWalletVerify(t *testing.T) {
	w, err := wallet.LoadPrivateKey("ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80")
	require.NoError(t, err)
	payload := []byte(`[{"id":"1","txId":"0xabc","outcome":"delivered"}]`)
	sig, err := w.Sign(payload)
	require.NoError(t, err)

	file := filepath.Join(t.TempDir(), "batch.json")
	require.NoError(t, os.WriteFile(file, payload, 0o600))

	out, err := run(t, "wallet", "verify", "--address", w.Address().Hex(), "--signature", sig, file)
	require.NoError(t, err)
	assert.Contains(t, out, "Signature valid for 0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")

	_, err = run(t, "wallet", "verify", "--address", "0x1111111111111111111111111111111111111111", "--signature", sig, file)
	assert.ErrorContains(t, err, "signature was not produced by")

	_, err = run(t, "wallet", "verify", "--address", w.Address().Hex(), "--signature", sig)
	assert.ErrorContains(t, err, "payload file is required")
}

func TestWalletAddress(t *testing.T) {
	out, err := run(t, "wallet", "address", "--key", "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80")
	require.NoError(t, err)
	assert.Equal(t, "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266\n", out)
}

func TestDiscoverRanksAffordableServices(t *testing.T) {
	srv := catalog(t)

	out, err := run(t, "discover", "--registry", srv.URL, "--max-price", "0.05", "--json")
	require.NoError(t, err)

	var tools []outputTool
	require.NoError(t, json.Unmarshal([]byte(out), &tools))
	require.Len(t, tools, 2)
	assert.Equal(t, "weather_forecast", tools[0].Tool)
	assert.Equal(t, "0.010000", tools[0].Price)
	assert.Equal(t, "GET", tools[0].Method)
	assert.Equal(t, "https://news.example.com/latest", tools[1].Resource)
}

func TestDiscoverLimit(t *testing.T) {
	srv := catalog(t)

	out, err := run(t, "discover", "--registry", srv.URL, "--limit", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "weather_forecast")
	assert.NotContains(t, out, "news.example.com")
	assert.Contains(t, out, "1 affordable services")
}

func TestCallRequiresURL(t *testing.T) {
	_, err := run(t, "call")
	assert.Error(t, err)

	_, err = run(t, "call", "ftp://example.com/file")
	assert.Error(t, err)
}

func TestParseParams(t *testing.T) {
	q, err := parseParams([]string{"city=Paris", "tag=a", "tag=b"})
	require.NoError(t, err)
	assert.Equal(t, "Paris", q.Get("city"))
	assert.Equal(t, []string{"a", "b"}, q["tag"])

	_, err = parseParams([]string{"novalue"})
	assert.Error(t, err)
}
