// Package mcpserver exposes the agent's paid tools over the Model Context Protocol.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/x402-bazaar-agent/internal/agent"
	"github.com/yourorg/x402-bazaar-agent/internal/model"
	"github.com/yourorg/x402-bazaar-agent/internal/tools"
)

// Free tools registered alongside the paid ones
const (
	CatalogToolName = "x402_catalog"
	RetryToolName   = "x402_retry_payment"
)

// Invoker is the subset of the agent the MCP surface needs
type Invoker interface {
	Invoke(ctx context.Context, toolName string, args map[string]any) (*agent.Outcome, error)
	Retry(ctx context.Context, ledgerID string) (*agent.Outcome, error)
	Entries() []tools.Entry
	Toolset() *tools.Toolset
}

// Server keeps the MCP tool list in step with the agent's snapshot
type Server struct {
	mcpServer *mcp.Server
	agent     Invoker

	mu         sync.Mutex
	registered map[string]bool
}

// New creates the MCP server and registers the current snapshot
func New(a Invoker, version string) *Server {
	s := &Server{
		mcpServer: mcp.NewServer(
			&mcp.Implementation{
				Name:    "x402-bazaar-agent",
				Version: version,
			},
			&mcp.ServerOptions{},
		),
		agent:      a,
		registered: make(map[string]bool),
	}

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        CatalogToolName,
		Title:       "List paid services",
		Description: "Lists the paid x402 services currently available as tools, cheapest first, with their price and endpoint. Calling this tool is free.",
	}, s.catalog)
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        RetryToolName,
		Title:       "Retry a paid call",
		Description: "Resends proof of an earlier payment to a service that failed after being paid, using the ledger id from the failure message. No new payment is made.",
	}, s.retry)

	s.Sync(a.Toolset())
	return s
}

// Handler returns an http.Handler for the MCP streamable HTTP transport
func (s *Server) Handler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return s.mcpServer
	}, nil)
}

// Sync replaces the registered paid tools with ts. Register it with agent.OnRefresh.
func (s *Server) Sync(ts *tools.Toolset) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := make(map[string]bool, ts.Len())
	for _, d := range ts.Tools() {
		current[d.Name] = true
		s.mcpServer.AddTool(&mcp.Tool{
			Name:        d.Name,
			Description: d.Description,
			InputSchema: d.InputSchema,
		}, s.handler(d.Name))
	}

	var stale []string
	for name := range s.registered {
		if !current[name] {
			stale = append(stale, name)
		}
	}
	if len(stale) > 0 {
		sort.Strings(stale)
		s.mcpServer.RemoveTools(stale...)
	}
	s.registered = current

	logrus.WithFields(logrus.Fields{
		"tools":   len(current),
		"removed": len(stale),
	}).Debug("MCP tool list synchronized")
}

func (s *Server) handler(name string) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := map[string]any{}
		if req.Params != nil && len(req.Params.Arguments) > 0 && string(req.Params.Arguments) != "null" {
			if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
				return errorResult("Arguments must be a JSON object. No payment was made."), nil
			}
		}

		out, err := s.agent.Invoke(ctx, name, args)
		if err != nil {
			return errorResult(agent.Explain(err)), nil
		}
		return textResult(describeOutcome(out)), nil
	}
}

// ServiceSummary describes one paid tool in the catalog listing
type ServiceSummary struct {
	Tool     string `json:"tool"`
	Price    string `json:"price"`
	Asset    string `json:"asset"`
	Network  string `json:"network"`
	Endpoint string `json:"endpoint"`
	Method   string `json:"method"`
}

// CatalogParams filters the catalog listing
type CatalogParams struct {
	Search     string `json:"search,omitempty" jsonschema:"Case-insensitive substring matched against endpoint and description"`
	MaxResults int    `json:"maxResults,omitempty" jsonschema:"Maximum number of services to return"`
}

// CatalogOutput is the structured catalog listing
type CatalogOutput struct {
	Services []ServiceSummary `json:"services"`
	Total    int              `json:"total"`
}

func (s *Server) catalog(_ context.Context, _ *mcp.CallToolRequest, params CatalogParams) (*mcp.CallToolResult, CatalogOutput, error) {
	ts := s.agent.Toolset()
	byURL := make(map[string]tools.ToolDescriptor, ts.Len())
	for _, d := range ts.Tools() {
		byURL[d.Resource.Resource] = d
	}

	search := strings.ToLower(strings.TrimSpace(params.Search))
	out := CatalogOutput{Services: []ServiceSummary{}}
	for _, e := range s.agent.Entries() {
		d, ok := byURL[e.Resource.Resource]
		if !ok {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(e.Resource.Resource+" "+d.Description), search) {
			continue
		}
		out.Total++
		if params.MaxResults > 0 && len(out.Services) >= params.MaxResults {
			continue
		}
		out.Services = append(out.Services, ServiceSummary{
			Tool:     d.Name,
			Price:    model.FormatUnits(e.Option.MaxAmountRequired, e.Option.Decimals),
			Asset:    assetLabel(e.Option),
			Network:  e.Option.Network,
			Endpoint: e.Resource.Resource,
			Method:   d.Method,
		})
	}
	return nil, out, nil
}

// RetryParams names the failed paid call to resend
type RetryParams struct {
	LedgerID string `json:"ledgerId" jsonschema:"Ledger id from the failed call's error message"`
}

func (s *Server) retry(ctx context.Context, _ *mcp.CallToolRequest, params RetryParams) (*mcp.CallToolResult, any, error) {
	if strings.TrimSpace(params.LedgerID) == "" {
		return errorResult("ledgerId is required. No payment was made."), nil, nil
	}
	out, err := s.agent.Retry(ctx, params.LedgerID)
	if err != nil {
		return errorResult(agent.Explain(err)), nil, nil
	}
	return textResult(describeOutcome(out)), nil, nil
}

func describeOutcome(out *agent.Outcome) string {
	text := out.Text()
	if out.Paid {
		text += fmt.Sprintf("\n\n[Paid %s %s, transaction %s]", out.Amount, out.Asset, out.TxID)
	}
	return text
}

func assetLabel(o model.PaymentOption) string {
	if o.AssetName != "" {
		return o.AssetName
	}
	return o.Asset
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: text}}}
}

func errorResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{IsError: true, Content: []mcp.Content{&mcp.TextContent{Text: text}}}
}
