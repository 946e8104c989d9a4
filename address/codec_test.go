package address

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TRON USDT contract in its three accepted encodings.
const (
	usdtBase58 = "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t"
	usdtHex    = "0xa614f803b6fd780986a42c78ec9c7f77e6ded13c"
	usdt41Hex  = "41a614f803b6fd780986a42c78ec9c7f77e6ded13c"
)

func TestTronCodecConversions(t *testing.T) {
	codec := NewTronCodec(nil)

	tests := []struct {
		name  string
		input string
	}{
		{name: "base58check", input: usdtBase58},
		{name: "0x hex", input: usdtHex},
		{name: "41 hex", input: usdt41Hex},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, usdtBase58, codec.Normalize(tt.input))
			assert.Equal(t, usdtHex, strings.ToLower(codec.ToHex(tt.input)))
			assert.True(t, codec.IsValid(tt.input))
		})
	}
}

func TestTronCodecRoundTrip(t *testing.T) {
	codec := NewTronCodec(nil)
	hex := codec.ToHex(usdtBase58)
	assert.Equal(t, usdtBase58, codec.ToNative(hex))
}

func TestTronCodecZeroAddress(t *testing.T) {
	codec := NewTronCodec(nil)

	assert.Equal(t, TronZeroAddress, codec.ZeroAddress())
	assert.Equal(t, "0x0000000000000000000000000000000000000000", codec.ToHex(TronZeroAddress))
	assert.Equal(t, TronZeroAddress, codec.ToNative("0x0000000000000000000000000000000000000000"))

	// "T" followed by zeros is the placeholder some payloads carry.
	assert.Equal(t, TronZeroAddress, codec.Normalize("T000000000000000000000000000000000"))
}

func TestTronCodecInvalidInputSubstitutesZero(t *testing.T) {
	codec := NewTronCodec(nil)

	for _, input := range []string{
		"",
		"not-an-address",
		"TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6u", // checksum broken
		"0x1234",                             // short hex
		"41a614f803",                         // short 41 hex
	} {
		assert.False(t, codec.IsValid(input), input)
		assert.Equal(t, TronZeroAddress, codec.Normalize(input), input)
		assert.Equal(t, "0x0000000000000000000000000000000000000000", codec.ToHex(input), input)
	}
}

func TestEVMCodec(t *testing.T) {
	codec := NewEVMCodec()
	mixed := "0x55d398326f99059fF775485246999027B3197955"

	assert.Equal(t, mixed, codec.Normalize(strings.ToLower(mixed)))
	assert.Equal(t, mixed, codec.ToHex(mixed))
	assert.True(t, codec.IsValid(mixed))
	assert.False(t, codec.IsValid("0x1234"))
	assert.Equal(t, codec.ZeroAddress(), codec.Normalize("junk"))
}

func TestForNetwork(t *testing.T) {
	assert.IsType(t, &TronCodec{}, ForNetwork("tron", nil))
	assert.IsType(t, &EVMCodec{}, ForNetwork("eip155", nil))
}
