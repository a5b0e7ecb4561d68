package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"sort"
	"sync"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/x402-bazaar-agent/internal/agent"
	"github.com/yourorg/x402-bazaar-agent/internal/model"
	"github.com/yourorg/x402-bazaar-agent/internal/payment"
	"github.com/yourorg/x402-bazaar-agent/internal/tools"
)

type fakeAgent struct {
	mu      sync.Mutex
	entries []tools.Entry
	ts      *tools.Toolset
	invoked []string
	retried []string
	err     error
}

func (f *fakeAgent) Retry(_ context.Context, ledgerID string) (*agent.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retried = append(f.retried, ledgerID)
	if ledgerID != "entry-1" {
		return nil, agent.ErrNoPendingRetry
	}
	return &agent.Outcome{
		Paid:     true,
		Amount:   "0.010000",
		Asset:    "USDC",
		TxID:     "0xdead",
		LedgerID: ledgerID,
		Payload:  payment.Payload{Kind: payment.PayloadScalar, Scalar: "delivered late"},
	}, nil
}

func (f *fakeAgent) set(entries []tools.Entry) *tools.Toolset {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = entries
	f.ts = tools.NewToolset(entries)
	return f.ts
}

func (f *fakeAgent) Invoke(_ context.Context, name string, args map[string]any) (*agent.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invoked = append(f.invoked, name)
	if f.err != nil {
		return nil, f.err
	}
	b, _ := json.Marshal(args)
	return &agent.Outcome{
		Tool:    name,
		Paid:    true,
		Amount:  "0.010000",
		Asset:   "USDC",
		TxID:    "0xabc",
		Payload: payment.Payload{Kind: payment.PayloadScalar, Scalar: string(b)},
	}, nil
}

func (f *fakeAgent) Entries() []tools.Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.entries
}

func (f *fakeAgent) Toolset() *tools.Toolset {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ts
}

func entry(u string, amount int64) tools.Entry {
	return tools.Entry{
		Resource: model.PricedResource{Resource: u, Type: "http"},
		Option: model.PaymentOption{
			Scheme: "exact", Network: "base", Asset: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
			AssetName: "USDC", Decimals: 6, MaxAmountRequired: big.NewInt(amount),
			PayTo: "0x1111111111111111111111111111111111111111",
		},
	}
}

func connect(t *testing.T, s *Server) *mcp.ClientSession {
	t.Helper()
	ctx := context.Background()
	serverTransport, clientTransport := mcp.NewInMemoryTransports()

	_, err := s.mcpServer.Connect(ctx, serverTransport, nil)
	require.NoError(t, err)

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "0.0.1"}, nil)
	session, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })
	return session
}

func toolNames(t *testing.T, session *mcp.ClientSession) []string {
	t.Helper()
	res, err := session.ListTools(context.Background(), &mcp.ListToolsParams{})
	require.NoError(t, err)
	var names []string
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	sort.Strings(names)
	return names
}

func textOf(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, res.Content)
	tc, ok := res.Content[0].(*mcp.TextContent)
	require.True(t, ok)
	return tc.Text
}

func TestSyncRegistersAndRemovesTools(t *testing.T) {
	fa := &fakeAgent{}
	fa.set([]tools.Entry{entry("https://weather.example.com/forecast", 10000), entry("https://news.example.com/latest", 20000)})

	s := New(fa, "test")
	session := connect(t, s)

	assert.Equal(t, []string{"news_latest", "weather_forecast", CatalogToolName, RetryToolName}, toolNames(t, session))

	s.Sync(fa.set([]tools.Entry{entry("https://weather.example.com/forecast", 10000)}))
	assert.Equal(t, []string{"weather_forecast", CatalogToolName, RetryToolName}, toolNames(t, session))
}

func TestPaidToolCall(t *testing.T) {
	fa := &fakeAgent{}
	fa.set([]tools.Entry{entry("https://weather.example.com/forecast", 10000)})
	session := connect(t, New(fa, "test"))

	res, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "weather_forecast",
		Arguments: map[string]any{"query": "Paris"},
	})
	require.NoError(t, err)
	assert.False(t, res.IsError)

	text := textOf(t, res)
	assert.Contains(t, text, `"query":"Paris"`)
	assert.Contains(t, text, "[Paid 0.010000 USDC, transaction 0xabc]")
	assert.Equal(t, []string{"weather_forecast"}, fa.invoked)
}

func TestToolErrorIsExplained(t *testing.T) {
	fa := &fakeAgent{err: &payment.PostPaymentError{TxID: "0xdead", Amount: big.NewInt(10000), Decimals: 6, StatusCode: 502}}
	fa.set([]tools.Entry{entry("https://weather.example.com/forecast", 10000)})
	session := connect(t, New(fa, "test"))

	res, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "weather_forecast",
		Arguments: map[string]any{"query": "Paris"},
	})
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, textOf(t, res), "Service temporarily unavailable, try again or choose another service")
}

func TestToolErrorWithoutSpend(t *testing.T) {
	fa := &fakeAgent{err: errors.New("boom")}
	fa.set([]tools.Entry{entry("https://weather.example.com/forecast", 10000)})
	session := connect(t, New(fa, "test"))

	res, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "weather_forecast",
		Arguments: map[string]any{"query": "Paris"},
	})
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, textOf(t, res), "No payment was made")
}

func TestCatalogTool(t *testing.T) {
	fa := &fakeAgent{}
	fa.set([]tools.Entry{entry("https://weather.example.com/forecast", 10000), entry("https://news.example.com/latest", 20000)})
	session := connect(t, New(fa, "test"))

	res, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      CatalogToolName,
		Arguments: map[string]any{"search": "weather"},
	})
	require.NoError(t, err)
	require.False(t, res.IsError)

	var out CatalogOutput
	raw, err := json.Marshal(res.StructuredContent)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &out))

	require.Len(t, out.Services, 1)
	assert.Equal(t, 1, out.Total)
	assert.Equal(t, "weather_forecast", out.Services[0].Tool)
	assert.Equal(t, "0.010000", out.Services[0].Price)
	assert.Equal(t, "USDC", out.Services[0].Asset)
	assert.Empty(t, fa.invoked, "the catalog is free")
}

func TestRetryTool(t *testing.T) {
	fa := &fakeAgent{}
	fa.set(nil)
	session := connect(t, New(fa, "test"))

	res, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      RetryToolName,
		Arguments: map[string]any{"ledgerId": "entry-1"},
	})
	require.NoError(t, err)
	require.False(t, res.IsError)
	assert.Contains(t, textOf(t, res), "delivered late")
	assert.Contains(t, textOf(t, res), "transaction 0xdead")

	res, err = session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      RetryToolName,
		Arguments: map[string]any{"ledgerId": "gone"},
	})
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, textOf(t, res), "no pending retry")
	assert.Equal(t, []string{"entry-1", "gone"}, fa.retried)
	assert.Empty(t, fa.invoked)
}
