// Package evm submits ERC-20 transfers on EVM chains over JSON-RPC with
// EIP-1559 fees and per-wallet nonce tracking.
package evm

import (
	"fmt"
	"strings"
)

// ChainConfig identifies one EVM network.
type ChainConfig struct {
	Name    string
	ChainID int64
	RPCURL  string
	// Tokens maps a token symbol to its contract address on this chain.
	Tokens map[string]string
	// Confirmations before a receipt is treated as final.
	Confirmations uint64
}

// Registry resolves chain names to configurations.
type Registry struct {
	chains map[string]ChainConfig
}

// defaultChains carry the canonical chain IDs and USDC deployments. RPC URLs
// come from configuration.
var defaultChains = []ChainConfig{
	{Name: "ethereum", ChainID: 1, Confirmations: 2, Tokens: map[string]string{
		"USDC": "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
	}},
	{Name: "base", ChainID: 8453, Confirmations: 1, Tokens: map[string]string{
		"USDC": "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
	}},
	{Name: "polygon", ChainID: 137, Confirmations: 3, Tokens: map[string]string{
		"USDC": "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359",
	}},
	{Name: "arbitrum", ChainID: 42161, Confirmations: 1, Tokens: map[string]string{
		"USDC": "0xaf88d065e77c8cC2239327C5EDb3A432268e5831",
	}},
	{Name: "optimism", ChainID: 10, Confirmations: 1, Tokens: map[string]string{
		"USDC": "0x0b2C639c533813f4Aa9D7837CAf62653d097Ff85",
	}},
	{Name: "sepolia", ChainID: 11155111, Confirmations: 1, Tokens: map[string]string{
		"USDC": "0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238",
	}},
	{Name: "base-sepolia", ChainID: 84532, Confirmations: 1, Tokens: map[string]string{
		"USDC": "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
	}},
}

// NewRegistry builds a registry from the default chain set, overlaying the
// configured RPC URLs. Chains without an RPC URL are omitted.
func NewRegistry(rpcURLs map[string]string) *Registry {
	r := &Registry{chains: make(map[string]ChainConfig)}
	for _, c := range defaultChains {
		if url, ok := rpcURLs[c.Name]; ok && url != "" {
			c.RPCURL = url
			r.chains[c.Name] = c
		}
	}
	return r
}

// Chain resolves a chain by name (case-insensitive).
func (r *Registry) Chain(name string) (ChainConfig, error) {
	c, ok := r.chains[strings.ToLower(name)]
	if !ok {
		return ChainConfig{}, fmt.Errorf("evm: chain %q not configured", name)
	}
	return c, nil
}

// TokenAddress resolves a token symbol on a chain.
func (c ChainConfig) TokenAddress(symbol string) (string, error) {
	addr, ok := c.Tokens[strings.ToUpper(symbol)]
	if !ok {
		return "", fmt.Errorf("evm: token %q not deployed on %s", symbol, c.Name)
	}
	return addr, nil
}

// Names lists the configured chains.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.chains))
	for name := range r.chains {
		out = append(out, name)
	}
	return out
}
