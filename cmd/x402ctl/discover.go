package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/yourorg/x402-bazaar-agent/internal/aggregate"
	"github.com/yourorg/x402-bazaar-agent/internal/discovery"
	"github.com/yourorg/x402-bazaar-agent/internal/quality"
	"github.com/yourorg/x402-bazaar-agent/internal/tools"
)

type outputTool struct {
	Tool     string `json:"tool"`
	Resource string `json:"resource"`
	Price    string `json:"price"`
	Asset    string `json:"asset"`
	Network  string `json:"network"`
	Method   string `json:"method"`
}

var (
	registryFlag = &cli.StringFlag{
		Name:    "registry",
		Usage:   "discovery registry URL",
		EnvVars: []string{"DISCOVERY_URL"},
		Value:   discovery.DefaultRegistryURL,
	}
	maxPriceFlag = &cli.StringFlag{
		Name:    "max-price",
		Usage:   "highest per-call price in human units, e.g. 0.05",
		EnvVars: []string{"MAX_SERVICE_PRICE"},
		Value:   "1.00",
	}
	limitFlag = &cli.IntFlag{
		Name:  "limit",
		Usage: "show at most this many services, cheapest first (0 for all)",
	}
)

var commandDiscover = &cli.Command{
	Name:  "discover",
	Usage: "list affordable services and the tool names the agent would expose",
	Flags: []cli.Flag{registryFlag, maxPriceFlag, networkFlag, limitFlag, jsonFlag},
	Action: func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}
		network, err := cfg.NetworkConfig()
		if err != nil {
			return err
		}

		crit := discovery.Criteria{
			MaxPrice: c.String(maxPriceFlag.Name),
			Decimals: network.USDCDecimals,
			Network:  string(network.Name),
		}
		client := discovery.NewClient(c.String(registryFlag.Name), 30*time.Second)
		resources, err := client.DiscoverAffordable(c.Context, crit, quality.New(cfg.Blacklist))
		if err != nil {
			return err
		}

		var entries []tools.Entry
		for _, r := range resources {
			if opt, ok := discovery.BestQualifyingOption(r, crit, network.USDCAddress); ok {
				entries = append(entries, tools.Entry{Resource: r, Option: opt})
			}
		}
		names := map[string]string{}
		for _, d := range tools.NewToolset(entries).Tools() {
			names[d.Resource.Resource] = d.Name
		}
		limit := c.Int(limitFlag.Name)
		if limit <= 0 {
			limit = -1
		}
		ranked := aggregate.Cheapest(entries, limit)

		out := make([]outputTool, 0, len(ranked))
		for _, e := range ranked {
			out = append(out, outputTool{
				Tool:     names[e.Resource.Resource],
				Resource: e.Resource.Resource,
				Price:    discovery.FormatPrice(e.Option.Amount(), e.Option.Decimals),
				Asset:    e.Option.Asset,
				Network:  e.Option.Network,
				Method:   e.Option.HTTPMethod(),
			})
		}

		if c.Bool(jsonFlag.Name) {
			return writeJSON(c.App.Writer, out)
		}
		tw := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "TOOL\tPRICE\tMETHOD\tRESOURCE")
		for _, o := range out {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", o.Tool, o.Price, o.Method, o.Resource)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "\n%d affordable services\n", len(out))
		return nil
	},
}
