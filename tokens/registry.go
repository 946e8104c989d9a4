// Package tokens maintains per-network token metadata: addresses, decimals
// and the EIP-712 name/version pairs token contracts sign under.
package tokens

import (
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	x402 "github.com/bankofai/x402-go"
)

// TokenInfo describes one token on one network.
type TokenInfo struct {
	Address  string
	Decimals int32
	Name     string
	Symbol   string
	Version  string
}

// Registry resolves tokens by symbol or address per network. It is safe for
// concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[x402.Network]map[string]TokenInfo
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[x402.Network]map[string]TokenInfo)}
}

// DefaultRegistry returns a registry preloaded with the stablecoins the
// shipped network config targets.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(x402.TronMainnet, TokenInfo{
		Address:  "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t",
		Decimals: 6,
		Name:     "Tether USD",
		Symbol:   "USDT",
		Version:  "1",
	})
	r.Register(x402.TronNile, TokenInfo{
		Address:  "TXYZopYRdj2D9XRtbG411XZZ3kM5VkAeBf",
		Decimals: 6,
		Name:     "Tether USD",
		Symbol:   "USDT",
		Version:  "1",
	})
	r.Register(x402.BSCMainnet, TokenInfo{
		Address:  "0x55d398326f99059fF775485246999027B3197955",
		Decimals: 18,
		Name:     "Tether USD",
		Symbol:   "USDT",
		Version:  "1",
	})
	r.Register(x402.BSCMainnet, TokenInfo{
		Address:  "0x8AC76a51cc950d9822D68b83fE1Ad97B32Cd580d",
		Decimals: 18,
		Name:     "USD Coin",
		Symbol:   "USDC",
		Version:  "1",
	})
	return r
}

// Register adds or replaces a token. The token becomes resolvable by both
// its symbol and its address, case-insensitively.
func (r *Registry) Register(network x402.Network, info TokenInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()

	byKey, ok := r.entries[network]
	if !ok {
		byKey = make(map[string]TokenInfo)
		r.entries[network] = byKey
	}
	byKey[strings.ToLower(info.Symbol)] = info
	byKey[strings.ToLower(info.Address)] = info
}

// Get resolves a token by symbol or address. Unknown tokens are a hard
// error, distinct from a zero balance.
func (r *Registry) Get(network x402.Network, symbolOrAddress string) (TokenInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if byKey, ok := r.entries[network]; ok {
		if info, ok := byKey[strings.ToLower(symbolOrAddress)]; ok {
			return info, nil
		}
	}
	return TokenInfo{}, &x402.UnknownTokenError{Network: network, Token: symbolOrAddress}
}

// FindByAddress resolves a token by its contract address.
func (r *Registry) FindByAddress(network x402.Network, address string) (TokenInfo, bool) {
	info, err := r.Get(network, address)
	if err != nil {
		return TokenInfo{}, false
	}
	return info, true
}

// Decimals resolves a token's decimals. It satisfies x402.DecimalsFunc.
func (r *Registry) Decimals(network x402.Network, asset string) (int32, bool) {
	info, err := r.Get(network, asset)
	if err != nil {
		return 0, false
	}
	return info.Decimals, true
}

// ParsePrice converts a human price like "0.10 USDT" into smallest units
// ("100000" for a 6-decimal token) on the given network.
func (r *Registry) ParsePrice(price string, network x402.Network) (amount string, info TokenInfo, err error) {
	fields := strings.Fields(strings.TrimSpace(price))
	if len(fields) != 2 {
		return "", TokenInfo{}, &x402.ValidationError{
			Reason: fmt.Sprintf("price must be \"<amount> <symbol>\", got %q", price),
		}
	}

	value, err := decimal.NewFromString(fields[0])
	if err != nil {
		return "", TokenInfo{}, &x402.ValidationError{
			Reason: fmt.Sprintf("invalid price amount %q", fields[0]),
		}
	}
	if value.IsNegative() {
		return "", TokenInfo{}, &x402.ValidationError{Reason: "price must not be negative"}
	}

	info, err = r.Get(network, fields[1])
	if err != nil {
		return "", TokenInfo{}, err
	}

	units := value.Shift(info.Decimals)
	if !units.IsInteger() {
		return "", TokenInfo{}, &x402.ValidationError{
			Reason: fmt.Sprintf("price %q has more precision than %d decimals", price, info.Decimals),
		}
	}
	return units.String(), info, nil
}
