package payment

import (
	"encoding/base64"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/x402-bazaar-agent/internal/types"
)

func TestParseChallenge_LegacyShape(t *testing.T) {
	body := `{
		"accepts": [
			{"type": "native", "quantity": "1", "address": "0x0", "receiver": "0x1", "chainId": 8453},
			{"type": "erc20", "quantity": "10000", "address": "0xToken", "receiver": "0xPayee", "chainId": "84532"}
		],
		"nonce": "abc",
		"expiresAt": 1700000000
	}`

	ch, err := ParseChallenge(nil, []byte(body))
	require.NoError(t, err)
	require.Len(t, ch.Options, 1, "non-erc20 options are skipped")

	opt := ch.Options[0]
	assert.Equal(t, "10000", opt.Amount.String())
	assert.Equal(t, "0xToken", opt.Asset)
	assert.Equal(t, "0xPayee", opt.PayTo)
	assert.Equal(t, "base-sepolia", opt.Network)
	assert.Equal(t, "abc", ch.Nonce)
	assert.Equal(t, time.Unix(1700000000, 0), ch.ExpiresAt)
	assert.True(t, ch.Expired(time.Unix(1700000001, 0)))
}

func TestParseChallenge_X402Shape(t *testing.T) {
	body := `{
		"x402Version": 1,
		"error": "X-PAYMENT header is required",
		"accepts": [{
			"scheme": "exact",
			"network": "base",
			"maxAmountRequired": "50000",
			"resource": "https://api.example.com/weather",
			"payTo": "0xPayee",
			"maxTimeoutSeconds": 60,
			"asset": "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
			"extra": {"name": "USD Coin", "nonce": "from-extra"}
		}]
	}`

	ch, err := ParseChallenge(nil, []byte(body))
	require.NoError(t, err)
	assert.Equal(t, 1, ch.X402Version)
	assert.Equal(t, "from-extra", ch.Nonce)
	require.Len(t, ch.Options, 1)
	assert.Equal(t, "50000", ch.Options[0].Amount.String())
	assert.Equal(t, 60, ch.Options[0].MaxTimeoutSeconds)
	assert.True(t, ch.ExpiresAt.IsZero())
}

func TestParseChallenge_HeaderFallback(t *testing.T) {
	raw := `{"x402Version":2,"accepts":[{"scheme":"exact","network":"eip155:8453","amount":"7","asset":"0xA","payTo":"0xB"}]}`
	h := http.Header{}
	h.Set(PaymentRequiredHeader, base64.StdEncoding.EncodeToString([]byte(raw)))

	ch, err := ParseChallenge(h, nil)
	require.NoError(t, err)
	require.Len(t, ch.Options, 1)
	assert.Equal(t, "7", ch.Options[0].Amount.String())
	assert.Equal(t, "eip155:8453", ch.Options[0].Network)
}

func TestParseChallenge_Malformed(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "empty", body: ""},
		{name: "not json", body: "<html>pay me</html>"},
		{name: "no options", body: `{"accepts": []}`},
		{name: "missing payee", body: `{"accepts": [{"type":"erc20","quantity":"1","address":"0xA","chainId":8453}]}`},
		{name: "zero amount", body: `{"accepts": [{"type":"erc20","quantity":"0","address":"0xA","receiver":"0xB","chainId":8453}]}`},
		{name: "no network", body: `{"accepts": [{"type":"erc20","quantity":"5","address":"0xA","receiver":"0xB"}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseChallenge(nil, []byte(tt.body))
			assert.ErrorIs(t, err, ErrMalformedChallenge)
		})
	}
}

func TestSelectOption(t *testing.T) {
	body := `{"accepts": [
		{"scheme":"exact","network":"base","maxAmountRequired":"300","asset":"0xA","payTo":"0x1"},
		{"scheme":"exact","network":"base","maxAmountRequired":"100","asset":"0xB","payTo":"0x2"},
		{"scheme":"exact","network":"base","maxAmountRequired":"100","asset":"0xC","payTo":"0x3"},
		{"scheme":"exact","network":"base-sepolia","maxAmountRequired":"1","asset":"0xD","payTo":"0x4"}
	]}`
	ch, err := ParseChallenge(nil, []byte(body))
	require.NoError(t, err)

	base, _ := types.LookupNetwork("base")

	opt, err := SelectOption(ch, base, "")
	require.NoError(t, err)
	assert.Equal(t, "0xB", opt.Asset, "cheapest, first declared wins ties")

	opt, err = SelectOption(ch, base, "0xa")
	require.NoError(t, err)
	assert.Equal(t, "0xA", opt.Asset, "preferred asset wins regardless of price")

	other := types.NetworkConfig{Name: "optimism", ChainID: 10}
	_, err = SelectOption(ch, other, "")
	assert.ErrorIs(t, err, ErrMalformedChallenge)
}
