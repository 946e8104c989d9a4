package tokens

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/bankofai/x402-go"
)

func TestRegistryLookup(t *testing.T) {
	r := DefaultRegistry()

	t.Run("by symbol case-insensitive", func(t *testing.T) {
		info, err := r.Get(x402.TronNile, "usdt")
		require.NoError(t, err)
		assert.Equal(t, "TXYZopYRdj2D9XRtbG411XZZ3kM5VkAeBf", info.Address)
		assert.Equal(t, int32(6), info.Decimals)
	})

	t.Run("by address", func(t *testing.T) {
		info, err := r.Get(x402.BSCMainnet, "0x55d398326f99059ff775485246999027b3197955")
		require.NoError(t, err)
		assert.Equal(t, "USDT", info.Symbol)
		assert.Equal(t, int32(18), info.Decimals)
	})

	t.Run("unknown token is a hard error", func(t *testing.T) {
		_, err := r.Get(x402.TronNile, "DOGE")
		var unknownErr *x402.UnknownTokenError
		require.ErrorAs(t, err, &unknownErr)
		assert.Equal(t, x402.TronNile, unknownErr.Network)
	})

	t.Run("wrong network misses", func(t *testing.T) {
		_, err := r.Get(x402.TronShasta, "USDT")
		require.Error(t, err)
	})
}

func TestRegistryDecimals(t *testing.T) {
	r := DefaultRegistry()

	decimals, ok := r.Decimals(x402.TronMainnet, "USDT")
	require.True(t, ok)
	assert.Equal(t, int32(6), decimals)

	_, ok = r.Decimals(x402.TronMainnet, "DOGE")
	assert.False(t, ok)
}

func TestParsePrice(t *testing.T) {
	r := DefaultRegistry()

	tests := []struct {
		name    string
		price   string
		network x402.Network
		want    string
		wantErr bool
	}{
		{name: "fractional six decimals", price: "0.10 USDT", network: x402.TronNile, want: "100000"},
		{name: "whole amount", price: "5 USDT", network: x402.TronNile, want: "5000000"},
		{name: "eighteen decimals", price: "0.5 USDT", network: x402.BSCMainnet, want: "500000000000000000"},
		{name: "zero", price: "0 USDT", network: x402.TronNile, want: "0"},
		{name: "too much precision", price: "0.0000001 USDT", network: x402.TronNile, wantErr: true},
		{name: "negative", price: "-1 USDT", network: x402.TronNile, wantErr: true},
		{name: "unknown symbol", price: "1 DOGE", network: x402.TronNile, wantErr: true},
		{name: "missing symbol", price: "1", network: x402.TronNile, wantErr: true},
		{name: "garbage amount", price: "abc USDT", network: x402.TronNile, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			amount, _, err := r.ParsePrice(tt.price, tt.network)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, amount)
		})
	}
}

func TestRegisterOverrides(t *testing.T) {
	r := NewRegistry()
	r.Register("tron:nile", TokenInfo{Address: "Taddr", Symbol: "FOO", Decimals: 6})
	r.Register("tron:nile", TokenInfo{Address: "Taddr", Symbol: "FOO", Decimals: 8})

	info, err := r.Get("tron:nile", "FOO")
	require.NoError(t, err)
	assert.Equal(t, int32(8), info.Decimals)
}
