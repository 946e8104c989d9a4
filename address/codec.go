// Package address converts between chain-native address formats and the
// canonical 0x 20-byte hex form typed-data hashing works over.
package address

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mr-tron/base58"
	"go.uber.org/zap"
)

// Codec translates addresses for one chain family.
//
// Message-building paths must never fail on a bad address: implementations
// substitute the zero address and log instead of returning an error, so a
// malformed optional field (a missing caller, an unset fee recipient)
// degrades to the zero address the contracts treat as "none".
type Codec interface {
	// Normalize returns the canonical native form (checksummed 0x-hex on
	// EVM, Base58Check on TRON).
	Normalize(addr string) string
	// ToHex returns the 0x-prefixed 20-byte hex form used in typed data.
	ToHex(addr string) string
	// ToNative converts a 0x-hex address back to the native form.
	ToNative(hexAddr string) string
	// IsValid reports whether the address parses in any accepted form.
	IsValid(addr string) bool
	// ZeroAddress returns the native zero address.
	ZeroAddress() string
}

// EVMCodec handles eip155 addresses. All four forms are the same 0x-hex
// encoding, so most operations are checksum normalization.
type EVMCodec struct{}

// NewEVMCodec creates an EVM address codec.
func NewEVMCodec() *EVMCodec {
	return &EVMCodec{}
}

const evmZeroAddress = "0x0000000000000000000000000000000000000000"

func (c *EVMCodec) Normalize(addr string) string {
	if !common.IsHexAddress(addr) {
		return evmZeroAddress
	}
	return common.HexToAddress(addr).Hex()
}

func (c *EVMCodec) ToHex(addr string) string {
	return c.Normalize(addr)
}

func (c *EVMCodec) ToNative(hexAddr string) string {
	return c.Normalize(hexAddr)
}

func (c *EVMCodec) IsValid(addr string) bool {
	return common.IsHexAddress(addr)
}

func (c *EVMCodec) ZeroAddress() string {
	return evmZeroAddress
}

// TronZeroAddress is the Base58Check encoding of the 21-byte payload
// 0x41 followed by twenty zero bytes.
const TronZeroAddress = "T9yD14Nj9j7xAB4dbGeiX9h8unkKHxuWwb"

// tronPrefix is the TRON address version byte.
const tronPrefix = 0x41

// TronCodec handles TRON addresses in Base58Check ("T..."), 41-prefixed hex
// and 0x-prefixed hex forms.
type TronCodec struct {
	logger *zap.Logger
}

// NewTronCodec creates a TRON address codec. A nil logger falls back to a
// no-op logger.
func NewTronCodec(logger *zap.Logger) *TronCodec {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TronCodec{logger: logger}
}

// decode parses any accepted TRON form into the 20-byte account bytes.
func (c *TronCodec) decode(addr string) ([]byte, bool) {
	switch {
	case addr == "":
		return nil, false
	case strings.HasPrefix(addr, "T"):
		// Zero-address placeholder: "T" followed by zeros.
		if strings.Trim(addr[1:], "0") == "" {
			return make([]byte, 20), true
		}
		raw, err := base58.Decode(addr)
		if err != nil || len(raw) != 25 || raw[0] != tronPrefix {
			return nil, false
		}
		if !checksumOK(raw) {
			return nil, false
		}
		return raw[1:21], true
	case strings.HasPrefix(addr, "0x") || strings.HasPrefix(addr, "0X"):
		raw, err := hex.DecodeString(addr[2:])
		if err != nil || len(raw) != 20 {
			return nil, false
		}
		return raw, true
	case strings.HasPrefix(addr, "41") && len(addr) == 42:
		raw, err := hex.DecodeString(addr)
		if err != nil {
			return nil, false
		}
		return raw[1:], true
	default:
		return nil, false
	}
}

func checksumOK(raw []byte) bool {
	h1 := sha256.Sum256(raw[:21])
	h2 := sha256.Sum256(h1[:])
	for i := 0; i < 4; i++ {
		if raw[21+i] != h2[i] {
			return false
		}
	}
	return true
}

func encodeBase58Check(account []byte) string {
	payload := make([]byte, 0, 25)
	payload = append(payload, tronPrefix)
	payload = append(payload, account...)
	h1 := sha256.Sum256(payload)
	h2 := sha256.Sum256(h1[:])
	payload = append(payload, h2[:4]...)
	return base58.Encode(payload)
}

func (c *TronCodec) Normalize(addr string) string {
	account, ok := c.decode(addr)
	if !ok {
		c.logger.Warn("invalid tron address, substituting zero address",
			zap.String("address", addr))
		return TronZeroAddress
	}
	return encodeBase58Check(account)
}

func (c *TronCodec) ToHex(addr string) string {
	account, ok := c.decode(addr)
	if !ok {
		c.logger.Warn("invalid tron address, substituting zero address",
			zap.String("address", addr))
		account = make([]byte, 20)
	}
	return "0x" + hex.EncodeToString(account)
}

func (c *TronCodec) ToNative(hexAddr string) string {
	return c.Normalize(hexAddr)
}

func (c *TronCodec) IsValid(addr string) bool {
	_, ok := c.decode(addr)
	return ok
}

func (c *TronCodec) ZeroAddress() string {
	return TronZeroAddress
}

// ForNetwork returns the codec for a CAIP-2 namespace ("eip155" or "tron").
func ForNetwork(namespace string, logger *zap.Logger) Codec {
	if namespace == "tron" {
		return NewTronCodec(logger)
	}
	return NewEVMCodec()
}
