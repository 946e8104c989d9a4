package evm

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"go.uber.org/zap"

	x402 "github.com/bankofai/x402-go"
	"github.com/bankofai/x402-go/typeddata"
)

// Allowance polling after an auto-mode approve: the approval usually lands
// within a few blocks; past the last attempt we assume it will.
const (
	allowancePollAttempts = 10
	allowancePollInterval = 3 * time.Second
)

// Signer is a buyer-side signer backed by a raw ECDSA key.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
	config  *x402.NetworkConfig
	backend BackendFactory
	logger  *zap.Logger
}

// SignerOption configures a Signer.
type SignerOption func(*Signer)

// WithBackendFactory overrides how RPC backends are resolved. Tests inject
// fakes here.
func WithBackendFactory(factory BackendFactory) SignerOption {
	return func(s *Signer) {
		s.backend = factory
	}
}

// WithLogger sets the signer logger.
func WithLogger(logger *zap.Logger) SignerOption {
	return func(s *Signer) {
		s.logger = logger
	}
}

// NewSigner creates a signer from a 0x-prefixed hex private key.
func NewSigner(privateKeyHex string, config *x402.NetworkConfig, opts ...SignerOption) (*Signer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimPrefix(privateKeyHex, "0x"), "0X"))
	if err != nil {
		return nil, &x402.ConfigurationError{Reason: "invalid private key: " + err.Error()}
	}
	s := &Signer{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		config:  config,
		backend: dialFactory(config),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Address implements x402.ClientSigner.
func (s *Signer) Address() string {
	return s.address.Hex()
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
	backend, err := s.backend(network)
	if err != nil {
		return nil, err
	}
	results, err := callRead(ctx, backend, common.HexToAddress(token), erc20ABI,
		"allowance", s.address, common.HexToAddress(spender))
	if err != nil {
		return nil, err
	}
	return firstBig(results)
}

// EnsureAllowance implements x402.ClientSigner. In auto mode a missing
// allowance triggers an unlimited approve, then polls until the allowance
// shows up. If it still has not shown up after the last attempt the approve
// is treated as landed: the settlement transaction will surface the failure
// if it did not.
func (s *Signer) EnsureAllowance(ctx context.Context, network x402.Network, token, spender string, amount *big.Int, mode x402.ApprovalMode) error {
	if mode == x402.ApprovalSkip {
		return nil
	}
	current, err := s.CheckAllowance(ctx, network, token, spender)
	if err != nil {
		return err
	}
	if current.Cmp(amount) >= 0 {
		return nil
	}
	if mode == x402.ApprovalInteractive {
		return &x402.AllowanceError{
			Token: token,
			Reason: fmt.Sprintf("allowance %s below required %s; approve %s for spender %s and retry",
				current, amount, token, spender),
		}
	}

	s.logger.Info("sending approve",
		zap.String("token", token),
		zap.String("spender", spender),
		zap.String("required", amount.String()))

	unlimited := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	txHash, err := s.sendContractTx(ctx, network, common.HexToAddress(token), erc20ABI,
		"approve", common.HexToAddress(spender), unlimited)
	if err != nil {
		return &x402.AllowanceError{Token: token, Reason: "approve failed: " + err.Error()}
	}
	s.logger.Info("approve sent", zap.String("txHash", txHash))

	for i := 0; i < allowancePollAttempts; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(allowancePollInterval):
		}
		current, err := s.CheckAllowance(ctx, network, token, spender)
		if err != nil {
			continue
		}
		if current.Cmp(amount) >= 0 {
			return nil
		}
	}
	s.logger.Warn("allowance not visible yet, assuming approve landed",
		zap.String("token", token),
		zap.String("txHash", txHash))
	return nil
}

// GetBalance implements x402.ClientSigner.
func (s *Signer) GetBalance(ctx context.Context, network x402.Network, token, owner string) (*big.Int, error) {
	backend, err := s.backend(network)
	if err != nil {
		return nil, err
	}
	results, err := callRead(ctx, backend, common.HexToAddress(token), erc20ABI,
		"balanceOf", common.HexToAddress(owner))
	if err != nil {
		return nil, err
	}
	return firstBig(results)
}

// sendContractTx packs, signs and broadcasts a contract call from the
// signer's account.
func (s *Signer) sendContractTx(ctx context.Context, network x402.Network, contract common.Address, abiJSON, method string, args ...any) (string, error) {
	backend, err := s.backend(network)
	if err != nil {
		return "", err
	}
	chainID, err := s.config.ChainID(network)
	if err != nil {
		return "", err
	}
	tx, err := buildAndSignTx(ctx, backend, s.key, s.address, contract, big.NewInt(chainID), abiJSON, method, args...)
	if err != nil {
		return "", err
	}
	if err := backend.SendTransaction(ctx, tx); err != nil {
		return "", fmt.Errorf("send transaction: %w", err)
	}
	return tx.Hash().Hex(), nil
}

func firstBig(results []any) (*big.Int, error) {
	if len(results) == 1 {
		if v, ok := results[0].(*big.Int); ok {
			return v, nil
		}
	}
	return nil, fmt.Errorf("unexpected contract return %v", results)
}
