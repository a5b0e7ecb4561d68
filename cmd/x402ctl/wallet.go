package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/urfave/cli/v2"

	"github.com/yourorg/x402-bazaar-agent/internal/chain"
	"github.com/yourorg/x402-bazaar-agent/internal/ledger"
	"github.com/yourorg/x402-bazaar-agent/internal/model"
	"github.com/yourorg/x402-bazaar-agent/internal/wallet"
)

type outputGenerate struct {
	Address    string `json:"address"`
	PrivateKey string `json:"privateKey"`
}

type outputBalance struct {
	Address string `json:"address"`
	Network string `json:"network"`
	Asset   string `json:"asset"`
	Token   string `json:"token"`
	Gas     string `json:"gas"`
}

var addressFlag = &cli.StringFlag{
	Name:  "address",
	Usage: "account to inspect; defaults to the configured wallet",
}

var commandWallet = &cli.Command{
	Name:  "wallet",
	Usage: "manage payment wallets",
	Subcommands: []*cli.Command{
		{
			Name:  "generate",
			Usage: "create a new secp256k1 key for PAYMENT_PRIVATE_KEY",
			Flags: []cli.Flag{jsonFlag},
			Action: func(c *cli.Context) error {
				w, err := wallet.Generate()
				if err != nil {
					return err
				}
				out := outputGenerate{Address: w.Address().Hex(), PrivateKey: w.HexKey()}
				if c.Bool(jsonFlag.Name) {
					return writeJSON(c.App.Writer, out)
				}
				fmt.Fprintf(c.App.Writer, "Address:     %s\nPrivate key: %s\n", out.Address, out.PrivateKey)
				fmt.Fprintln(c.App.Writer, "Fund the address with USDC and a little ETH for gas before use.")
				return nil
			},
		},
		{
			Name:      "verify",
			Usage:     "check an " + ledger.SignatureHeader + " signature over an exported ledger batch",
			ArgsUsage: "<file|->",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "address", Usage: "wallet expected to have signed", Required: true},
				&cli.StringFlag{Name: "signature", Usage: "0x-prefixed signature header value", Required: true},
			},
			Action: func(c *cli.Context) error {
				account := c.String("address")
				if !common.IsHexAddress(account) {
					return fmt.Errorf("invalid address %q", account)
				}
				payload, err := readPayload(c)
				if err != nil {
					return err
				}
				ok, err := wallet.Verify(common.HexToAddress(account), payload, c.String("signature"))
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("signature was not produced by %s", common.HexToAddress(account).Hex())
				}
				fmt.Fprintf(c.App.Writer, "Signature valid for %s\n", common.HexToAddress(account).Hex())
				return nil
			},
		},
		{
			Name:  "address",
			Usage: "print the address of the configured key",
			Flags: []cli.Flag{keyFlag},
			Action: func(c *cli.Context) error {
				w, err := wallet.LoadPrivateKey(c.String(keyFlag.Name))
				if err != nil {
					return err
				}
				fmt.Fprintln(c.App.Writer, w.Address().Hex())
				return nil
			},
		},
	},
}

// readPayload reads the file named by the first argument, or stdin for "-"
func readPayload(c *cli.Context) ([]byte, error) {
	name := c.Args().First()
	switch name {
	case "":
		return nil, errors.New("a payload file is required; use - for stdin")
	case "-":
		return io.ReadAll(c.App.Reader)
	default:
		return os.ReadFile(name)
	}
}

var commandBalance = &cli.Command{
	Name:  "balance",
	Usage: "show the USDC and gas balances of a wallet",
	Flags: []cli.Flag{networkFlag, rpcFlag, keyFlag, addressFlag, jsonFlag},
	Action: func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}
		network, err := cfg.NetworkConfig()
		if err != nil {
			return err
		}

		// Reading balances needs no signing key, so a throwaway one stands in when none is set.
		var w *wallet.Wallet
		if cfg.PrivateKey != "" {
			if w, err = wallet.LoadPrivateKey(cfg.PrivateKey); err != nil {
				return err
			}
		} else if w, err = wallet.Generate(); err != nil {
			return err
		}

		account := c.String(addressFlag.Name)
		switch {
		case account == "" && cfg.PrivateKey == "":
			return errors.New("either --address or --key is required")
		case account == "":
			account = w.Address().Hex()
		case !common.IsHexAddress(account):
			return fmt.Errorf("invalid address %q", account)
		}

		ctx, cancel := context.WithTimeout(c.Context, 30*time.Second)
		defer cancel()
		settler, err := chain.Dial(ctx, network.RPCEndpoint, network, w.PrivateKey())
		if err != nil {
			return err
		}

		token, err := settler.Balance(ctx, account, network.USDCAddress)
		if err != nil {
			return err
		}
		gas, err := settler.Balance(ctx, account, chain.NativeAsset)
		if err != nil {
			return err
		}

		out := outputBalance{
			Address: common.HexToAddress(account).Hex(),
			Network: string(network.Name),
			Asset:   network.USDCAddress,
			Token:   model.FormatUnits(token, network.USDCDecimals),
			Gas:     model.FormatUnits(gas, 18),
		}
		if c.Bool(jsonFlag.Name) {
			return writeJSON(c.App.Writer, out)
		}
		fmt.Fprintf(c.App.Writer, "Address: %s (%s)\nUSDC:    %s\nETH:     %s\n", out.Address, out.Network, out.Token, out.Gas)
		return nil
	},
}
