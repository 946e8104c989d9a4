package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"go.uber.org/zap"

	x402 "github.com/bankofai/x402-go"
	"github.com/bankofai/x402-go/typeddata"
)

const receiptPollInterval = 2 * time.Second

// Estimated gas gets a 20% buffer before broadcast.
const gasBufferPercent = 20

// FacilitatorSigner verifies typed-data signatures and executes contract
// calls on behalf of a facilitator.
type FacilitatorSigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
	config  *x402.NetworkConfig
	backend BackendFactory
	logger  *zap.Logger
}

// FacilitatorSignerOption configures a FacilitatorSigner.
type FacilitatorSignerOption func(*FacilitatorSigner)

// WithFacilitatorBackendFactory overrides how RPC backends are resolved.
func WithFacilitatorBackendFactory(factory BackendFactory) FacilitatorSignerOption {
	return func(s *FacilitatorSigner) {
		s.backend = factory
	}
}

// WithFacilitatorLogger sets the signer logger.
func WithFacilitatorLogger(logger *zap.Logger) FacilitatorSignerOption {
	return func(s *FacilitatorSigner) {
		s.logger = logger
	}
}

// NewFacilitatorSigner creates a facilitator signer from a 0x-prefixed hex
// private key.
func NewFacilitatorSigner(privateKeyHex string, config *x402.NetworkConfig, opts ...FacilitatorSignerOption) (*FacilitatorSigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimPrefix(privateKeyHex, "0x"), "0X"))
	if err != nil {
		return nil, &x402.ConfigurationError{Reason: "invalid private key: " + err.Error()}
	}
	s := &FacilitatorSigner{
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

// Address implements x402.FacilitatorSigner.
func (s *FacilitatorSigner) Address() string {
	return s.address.Hex()
}

// VerifyTypedData implements x402.FacilitatorSigner. A malformed signature
// verifies as false rather than erroring: the caller maps it to an invalid
// payment, not an internal failure.
func (s *FacilitatorSigner) VerifyTypedData(ctx context.Context, typedData apitypes.TypedData, signature []byte, expectedSigner string) (bool, error) {
	recovered, err := typeddata.RecoverSigner(typedData, signature)
	if err != nil {
		return false, nil
	}
	return strings.EqualFold(recovered, expectedSigner), nil
}

// ReadContract implements x402.FacilitatorSigner.
func (s *FacilitatorSigner) ReadContract(ctx context.Context, network x402.Network, contract, abiJSON, method string, args ...any) ([]any, error) {
	backend, err := s.backend(network)
	if err != nil {
		return nil, err
	}
	return callRead(ctx, backend, common.HexToAddress(contract), abiJSON, method, args...)
}

// WriteContract implements x402.FacilitatorSigner.
func (s *FacilitatorSigner) WriteContract(ctx context.Context, network x402.Network, contract, abiJSON, method string, args ...any) (string, error) {
	backend, err := s.backend(network)
	if err != nil {
		return "", err
	}
	chainID, err := s.config.ChainID(network)
	if err != nil {
		return "", err
	}
	tx, err := buildAndSignTx(ctx, backend, s.key, s.address, common.HexToAddress(contract),
		big.NewInt(chainID), abiJSON, method, args...)
	if err != nil {
		return "", err
	}

	s.logger.Debug("broadcasting transaction",
		zap.String("method", method),
		zap.String("contract", contract),
		zap.String("txHash", tx.Hash().Hex()))

	if err := backend.SendTransaction(ctx, tx); err != nil {
		return "", fmt.Errorf("send transaction: %w", err)
	}
	return tx.Hash().Hex(), nil
}

// WaitForTransactionReceipt implements x402.FacilitatorSigner.
func (s *FacilitatorSigner) WaitForTransactionReceipt(ctx context.Context, network x402.Network, txHash string, timeout time.Duration) (*x402.TransactionReceipt, error) {
	backend, err := s.backend(network)
	if err != nil {
		return nil, err
	}
	hash := common.HexToHash(txHash)
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		receipt, err := backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return &x402.TransactionReceipt{
				TxHash:      txHash,
				BlockNumber: receipt.BlockNumber.Uint64(),
				Status:      receipt.Status,
			}, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("fetch receipt: %w", err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(receiptPollInterval):
		}
	}
	return nil, &x402.TransactionTimeoutError{
		TraceID:   txHash,
		ElapsedMS: timeout.Milliseconds(),
	}
}

// GetBalance implements x402.FacilitatorSigner.
func (s *FacilitatorSigner) GetBalance(ctx context.Context, network x402.Network, token, owner string) (*big.Int, error) {
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

// buildAndSignTx assembles a legacy transaction for a contract call:
// pending nonce, suggested gas price, estimated gas plus a buffer.
func buildAndSignTx(ctx context.Context, backend Backend, key *ecdsa.PrivateKey, from, to common.Address, chainID *big.Int, abiJSON, method string, args ...any) (*types.Transaction, error) {
	parsed, err := parseABI(abiJSON)
	if err != nil {
		return nil, err
	}
	input, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}

	nonce, err := backend.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("fetch nonce: %w", err)
	}
	gasPrice, err := backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest gas price: %w", err)
	}
	gasLimit, err := backend.EstimateGas(ctx, ethereum.CallMsg{
		From: from,
		To:   &to,
		Data: input,
	})
	if err != nil {
		return nil, fmt.Errorf("estimate gas for %s: %w", method, err)
	}
	gasLimit += gasLimit * gasBufferPercent / 100

	tx := types.NewTransaction(nonce, to, big.NewInt(0), gasLimit, gasPrice, input)
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), key)
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	return signed, nil
}
