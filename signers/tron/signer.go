// Package tron provides an ECDSA-key buyer signer for TRON networks.
// TIP-712 signing is byte-identical to EIP-712 once addresses are in their
// 0x 20-byte form, so the signer shares the typed-data path with EVM and
// differs only in address derivation.
package tron

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"go.uber.org/zap"

	x402 "github.com/bankofai/x402-go"
	"github.com/bankofai/x402-go/address"
	"github.com/bankofai/x402-go/typeddata"
)

// Signer is a buyer-side TRON signer backed by a raw ECDSA key. It covers
// the gasfree_exact flow end to end; token approvals for the exact_permit
// scheme must be arranged out of band (use ApprovalSkip), since the signer
// carries no TRON node connection.
type Signer struct {
	key     *ecdsa.PrivateKey
	address string
	codec   *address.TronCodec
	logger  *zap.Logger
}

// SignerOption configures a Signer.
type SignerOption func(*Signer)

// WithLogger sets the signer logger.
func WithLogger(logger *zap.Logger) SignerOption {
	return func(s *Signer) {
		s.logger = logger
	}
}

// NewSigner creates a signer from a hex private key. The address is the
// Base58Check form of 0x41 followed by the keccak-derived account bytes.
func NewSigner(privateKeyHex string, opts ...SignerOption) (*Signer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimPrefix(privateKeyHex, "0x"), "0X"))
	if err != nil {
		return nil, &x402.ConfigurationError{Reason: "invalid private key: " + err.Error()}
	}
	s := &Signer{
		key:    key,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.codec = address.NewTronCodec(s.logger)
	evmAddr := crypto.PubkeyToAddress(key.PublicKey)
	s.address = s.codec.ToNative(evmAddr.Hex())
	return s, nil
}

// Address implements x402.ClientSigner: the Base58Check T-address.
func (s *Signer) Address() string {
	return s.address
}

// SignTypedData implements x402.ClientSigner. The returned signature is
// 65 bytes r||s||v with v in {27, 28}.
func (s *Signer) SignTypedData(ctx context.Context, typedData apitypes.TypedData) ([]byte, error) {
	digest, err := typeddata.Hash(typedData)
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(digest, s.key)
	if err != nil {
		return nil, fmt.Errorf("sign typed data: %w", err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return sig, nil
}

// CheckAllowance implements x402.ClientSigner.
func (s *Signer) CheckAllowance(ctx context.Context, network x402.Network, token, spender string) (*big.Int, error) {
	return nil, &x402.ConfigurationError{
		Reason: "tron signer has no node connection; manage allowances out of band",
	}
}

// EnsureAllowance implements x402.ClientSigner. Only ApprovalSkip is
// supported.
func (s *Signer) EnsureAllowance(ctx context.Context, network x402.Network, token, spender string, amount *big.Int, mode x402.ApprovalMode) error {
	if mode == x402.ApprovalSkip {
		return nil
	}
	return &x402.ConfigurationError{
		Reason: "tron signer has no node connection; approve out of band and use ApprovalSkip",
	}
}

// GetBalance implements x402.ClientSigner.
func (s *Signer) GetBalance(ctx context.Context, network x402.Network, token, owner string) (*big.Int, error) {
	return nil, &x402.ConfigurationError{
		Reason: "tron signer has no node connection; balance queries are unavailable",
	}
}
