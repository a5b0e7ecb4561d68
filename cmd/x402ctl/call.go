package main

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/yourorg/x402-bazaar-agent/internal/agent"
	"github.com/yourorg/x402-bazaar-agent/internal/chain"
	"github.com/yourorg/x402-bazaar-agent/internal/model"
	"github.com/yourorg/x402-bazaar-agent/internal/payment"
	"github.com/yourorg/x402-bazaar-agent/internal/wallet"
)

type outputCall struct {
	StatusCode int             `json:"statusCode"`
	Paid       bool            `json:"paid"`
	TxID       string          `json:"txId,omitempty"`
	Amount     string          `json:"amount,omitempty"`
	Asset      string          `json:"asset,omitempty"`
	Payload    payment.Payload `json:"payload"`
	Warning    string          `json:"warning,omitempty"`
}

var (
	methodFlag = &cli.StringFlag{
		Name:  "method",
		Usage: "HTTP method",
		Value: "GET",
	}
	dataFlag = &cli.StringFlag{
		Name:  "data",
		Usage: "JSON request body for POST resources",
	}
	paramFlag = &cli.StringSliceFlag{
		Name:  "param",
		Usage: "query parameter as `key=value`, repeatable",
	}
	maxPaymentFlag = &cli.StringFlag{
		Name:    "max-payment",
		Usage:   "refuse challenges above this amount in human units",
		EnvVars: []string{"MAX_PAYMENT_AMOUNT"},
		Value:   "1.00",
	}
)

var commandCall = &cli.Command{
	Name:      "call",
	Usage:     "call a resource, paying its 402 challenge if it asks for one",
	ArgsUsage: "<url>",
	Flags:     []cli.Flag{networkFlag, rpcFlag, keyFlag, methodFlag, dataFlag, paramFlag, maxPaymentFlag, jsonFlag},
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return errors.New("exactly one resource URL is required")
		}
		target := c.Args().First()
		if u, err := url.Parse(target); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("invalid resource URL %q", target)
		}
		query, err := parseParams(c.StringSlice(paramFlag.Name))
		if err != nil {
			return err
		}

		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}
		cfg.MaxPaymentAmount = c.String(maxPaymentFlag.Name)
		network, err := cfg.NetworkConfig()
		if err != nil {
			return err
		}
		w, err := wallet.LoadPrivateKey(cfg.PrivateKey)
		if err != nil {
			return err
		}
		limit, err := cfg.PaymentLimit(network.USDCDecimals)
		if err != nil {
			return err
		}

		settler, err := chain.Dial(c.Context, network.RPCEndpoint, network, w.PrivateKey())
		if err != nil {
			return err
		}

		pcfg := payment.DefaultConfig()
		pcfg.PreferredAsset = network.USDCAddress
		pcfg.Limit = limit
		pcfg.LimitDecimals = network.USDCDecimals
		res, err := payment.New(settler, pcfg).Call(c.Context, payment.Request{
			URL:      target,
			Method:   strings.ToUpper(c.String(methodFlag.Name)),
			Query:    query,
			Body:     []byte(c.String(dataFlag.Name)),
			Strategy: payment.StrategyColdCall,
		})
		if err != nil {
			return errors.New(agent.Explain(err))
		}

		out := outputCall{StatusCode: res.StatusCode, Paid: res.Paid, Payload: res.Payload}
		if res.Receipt != nil {
			out.TxID = res.Receipt.TxID
			out.Asset = res.Receipt.Asset
			out.Amount = model.FormatUnits(res.Receipt.Amount, network.USDCDecimals)
		}
		if res.Warning != nil {
			out.Warning = res.Warning.String()
		}
		if c.Bool(jsonFlag.Name) {
			return writeJSON(c.App.Writer, out)
		}
		if out.Warning != "" {
			fmt.Fprintf(c.App.ErrWriter, "Warning: %s\n", out.Warning)
		}
		fmt.Fprintln(c.App.Writer, res.Payload.Text())
		if out.Paid {
			fmt.Fprintf(c.App.ErrWriter, "Paid %s of %s in transaction %s\n", out.Amount, out.Asset, out.TxID)
		}
		return nil
	},
}

// parseParams turns repeated key=value flags into query values
func parseParams(raw []string) (url.Values, error) {
	q := url.Values{}
	for _, p := range raw {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid parameter %q, expected key=value", p)
		}
		q.Add(k, v)
	}
	return q, nil
}
