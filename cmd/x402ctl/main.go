// Command x402ctl is the operator CLI: browse the registry, inspect balances, create wallets and
// make one-off paid calls.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/yourorg/x402-bazaar-agent/internal/config"
)

const version = "0.3.0"

var app = newApp()

// Commonly used command line flags.
var (
	networkFlag = &cli.StringFlag{
		Name:    "network",
		Usage:   "settlement network (`base` or `base-sepolia`)",
		EnvVars: []string{"NETWORK"},
		Value:   "base",
	}
	rpcFlag = &cli.StringFlag{
		Name:    "rpc",
		Usage:   "RPC endpoint overriding the network default",
		EnvVars: []string{"RPC_URL"},
	}
	keyFlag = &cli.StringFlag{
		Name:    "key",
		Usage:   "hex private key of the paying wallet",
		EnvVars: []string{"PAYMENT_PRIVATE_KEY", "PRIVATE_KEY"},
	}
	jsonFlag = &cli.BoolFlag{
		Name:  "json",
		Usage: "output JSON instead of human-readable format",
	}
	verboseFlag = &cli.BoolFlag{
		Name:  "verbose",
		Usage: "log debug output to stderr",
	}
)

func newApp() *cli.App {
	return &cli.App{
		Name:    "x402ctl",
		Usage:   "x402 bazaar operator tool",
		Version: version,
		Flags:   []cli.Flag{verboseFlag},
		Before: func(c *cli.Context) error {
			logrus.SetOutput(c.App.ErrWriter)
			logrus.SetLevel(logrus.WarnLevel)
			if c.Bool(verboseFlag.Name) {
				logrus.SetLevel(logrus.DebugLevel)
			}
			return nil
		},
		Commands: []*cli.Command{
			commandDiscover,
			commandBalance,
			commandWallet,
			commandCall,
		},
	}
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads environment defaults and applies the network flags on top
func loadConfig(c *cli.Context) (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return cfg, err
	}
	if c.IsSet(networkFlag.Name) || cfg.Network == "" {
		cfg.Network = c.String(networkFlag.Name)
	}
	if v := c.String(rpcFlag.Name); v != "" {
		cfg.RPCURL = v
	}
	if v := c.String(keyFlag.Name); v != "" {
		cfg.PrivateKey = v
	}
	return cfg, nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
