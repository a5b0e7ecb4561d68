// Package types contains shared network definitions used across multiple packages
package types

import (
	"fmt"
	"strings"
)

// SupportedNetwork represents a settlement network supported by the agent
type SupportedNetwork string

// Supported settlement networks
const (
	NetworkBase        SupportedNetwork = "base"
	NetworkBaseSepolia SupportedNetwork = "base-sepolia"
)

// NetworkConfig holds configuration for a specific settlement network
type NetworkConfig struct {
	Name           SupportedNetwork `json:"name" yaml:"name"`
	ChainID        int64            `json:"chain_id" yaml:"chain_id"`
	RPCEndpoint    string           `json:"rpc_endpoint" yaml:"rpc_endpoint"`
	USDCAddress    string           `json:"usdc_address" yaml:"usdc_address"`
	USDCDecimals   int              `json:"usdc_decimals" yaml:"usdc_decimals"`
	NativeSymbol   string           `json:"native_symbol" yaml:"native_symbol"`
	NativeDecimals int              `json:"native_decimals" yaml:"native_decimals"`
}

// CAIP2 returns the chain-agnostic identifier, e.g. "eip155:8453"
func (n NetworkConfig) CAIP2() string {
	return fmt.Sprintf("eip155:%d", n.ChainID)
}

// Matches reports whether a network identifier found on the wire refers to this network.
// Registry entries use the short name, newer providers use CAIP-2.
func (n NetworkConfig) Matches(id string) bool {
	id = strings.ToLower(strings.TrimSpace(id))
	return id == string(n.Name) || id == n.CAIP2()
}

var knownNetworks = map[SupportedNetwork]NetworkConfig{
	NetworkBase: {
		Name:           NetworkBase,
		ChainID:        8453,
		RPCEndpoint:    "https://mainnet.base.org",
		USDCAddress:    "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
		USDCDecimals:   6,
		NativeSymbol:   "ETH",
		NativeDecimals: 18,
	},
	NetworkBaseSepolia: {
		Name:           NetworkBaseSepolia,
		ChainID:        84532,
		RPCEndpoint:    "https://sepolia.base.org",
		USDCAddress:    "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		USDCDecimals:   6,
		NativeSymbol:   "ETH",
		NativeDecimals: 18,
	},
}

// LookupNetwork resolves a network by short name or CAIP-2 identifier
func LookupNetwork(id string) (NetworkConfig, bool) {
	for _, n := range knownNetworks {
		if n.Matches(id) {
			return n, true
		}
	}
	return NetworkConfig{}, false
}

// NetworkByChainID resolves a network from its numeric chain id
func NetworkByChainID(chainID int64) (NetworkConfig, bool) {
	for _, n := range knownNetworks {
		if n.ChainID == chainID {
			return n, true
		}
	}
	return NetworkConfig{}, false
}
