package exact

import (
	"context"
	"encoding/hex"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	x402 "github.com/bankofai/x402-go"
	"github.com/bankofai/x402-go/tokens"
	"github.com/bankofai/x402-go/typeddata"
)

// How long Settle waits for the transfer to confirm.
const defaultReceiptTimeout = 120 * time.Second

// Facilitator verifies and settles exact payments against EIP-3009 token
// contracts.
type Facilitator struct {
	signer   x402.FacilitatorSigner
	config   *x402.NetworkConfig
	registry *tokens.Registry
	logger   *zap.Logger
	now      func() time.Time
}

// NewFacilitator creates an exact facilitator mechanism.
func NewFacilitator(signer x402.FacilitatorSigner, config *x402.NetworkConfig, registry *tokens.Registry, logger *zap.Logger) *Facilitator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Facilitator{
		signer:   signer,
		config:   config,
		registry: registry,
		logger:   logger,
		now:      time.Now,
	}
}

// Scheme implements x402.FacilitatorMechanism.
func (f *Facilitator) Scheme() string {
	return Scheme
}

// FeeQuote implements x402.FacilitatorMechanism. The exact scheme carries
// no facilitator fee: the transfer goes straight to the merchant.
func (f *Facilitator) FeeQuote(ctx context.Context, requirements *x402.PaymentRequirements) (*x402.FeeQuoteResponse, error) {
	return &x402.FeeQuoteResponse{
		Fee: x402.FeeInfo{
			FeeTo:     f.signer.Address(),
			FeeAmount: "0",
		},
		Pricing:   x402.FeePricingFlat,
		Scheme:    requirements.Scheme,
		Network:   requirements.Network,
		Asset:     requirements.Asset,
		ExpiresAt: f.now().Unix() + 300,
	}, nil
}

// Verify implements x402.FacilitatorMechanism.
func (f *Facilitator) Verify(ctx context.Context, payload *x402.PaymentPayload, requirements *x402.PaymentRequirements) (*x402.VerifyResponse, error) {
	data, err := PayloadFromMap(payload.Payload)
	if err != nil {
		return &x402.VerifyResponse{IsValid: false, InvalidReason: x402.ErrCodeInvalidPayload}, nil
	}
	auth := &data.Authorization

	if !strings.EqualFold(auth.To, requirements.PayTo) {
		return &x402.VerifyResponse{IsValid: false, InvalidReason: "payto_mismatch"}, nil
	}

	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok {
		return &x402.VerifyResponse{IsValid: false, InvalidReason: x402.ErrCodeInvalidPayload}, nil
	}
	required, err := requirements.AmountBig()
	if err != nil || value.Cmp(required) < 0 {
		return &x402.VerifyResponse{IsValid: false, InvalidReason: "amount_mismatch"}, nil
	}

	now := f.now().Unix()
	if auth.ValidBefore < now-clockSkewToleranceSeconds {
		return &x402.VerifyResponse{IsValid: false, InvalidReason: x402.ErrCodeExpired}, nil
	}
	if auth.ValidAfter > now+clockSkewToleranceSeconds {
		return &x402.VerifyResponse{IsValid: false, InvalidReason: x402.ErrCodeNotYetValid}, nil
	}

	used, err := f.nonceUsed(ctx, requirements, auth)
	if err != nil {
		return nil, err
	}
	if used {
		return &x402.VerifyResponse{IsValid: false, InvalidReason: x402.ErrCodeNonceUsed}, nil
	}

	balance, err := f.signer.GetBalance(ctx, requirements.Network, requirements.Asset, auth.From)
	if err != nil {
		return nil, &x402.SettlementError{Reason: "balance query failed: " + err.Error()}
	}
	if balance.Cmp(value) < 0 {
		return &x402.VerifyResponse{IsValid: false, InvalidReason: x402.ErrCodeInsufficientFunds}, nil
	}

	ok, err = f.verifySignature(ctx, requirements, data)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &x402.VerifyResponse{IsValid: false, InvalidReason: x402.ErrCodeInvalidSignature}, nil
	}
	return &x402.VerifyResponse{IsValid: true, Payer: auth.From}, nil
}

func (f *Facilitator) nonceUsed(ctx context.Context, requirements *x402.PaymentRequirements, auth *Authorization) (bool, error) {
	nonce, err := nonceBytes(auth.Nonce)
	if err != nil {
		return false, err
	}
	results, err := f.signer.ReadContract(ctx, requirements.Network, requirements.Asset, EIP3009ABI,
		"authorizationState", common.HexToAddress(auth.From), nonce)
	if err != nil {
		return false, &x402.SettlementError{Reason: "authorization state query failed: " + err.Error()}
	}
	if len(results) == 1 {
		if used, ok := results[0].(bool); ok {
			return used, nil
		}
	}
	return false, nil
}

func (f *Facilitator) verifySignature(ctx context.Context, requirements *x402.PaymentRequirements, data *PayloadData) (bool, error) {
	name, version := tokenDomain(requirements, f.registry)
	chainID, err := f.config.ChainID(requirements.Network)
	if err != nil {
		return false, err
	}
	sig, err := x402.DecodeSignature(data.Signature)
	if err != nil {
		return false, nil
	}

	auth := &typeddata.TransferAuthorization{
		From:        data.Authorization.From,
		To:          data.Authorization.To,
		Value:       data.Authorization.Value,
		ValidAfter:  data.Authorization.ValidAfter,
		ValidBefore: data.Authorization.ValidBefore,
		Nonce:       data.Authorization.Nonce,
	}
	td := typeddata.BuildTransferAuthorization(auth, name, version, chainID, requirements.Asset)
	return f.signer.VerifyTypedData(ctx, td, sig, data.Authorization.From)
}

// Settle implements x402.FacilitatorMechanism.
func (f *Facilitator) Settle(ctx context.Context, payload *x402.PaymentPayload, requirements *x402.PaymentRequirements) (*x402.SettleResponse, error) {
	verify, err := f.Verify(ctx, payload, requirements)
	if err != nil {
		return nil, err
	}
	if !verify.IsValid {
		return &x402.SettleResponse{
			Success:     false,
			Network:     requirements.Network,
			ErrorReason: verify.InvalidReason,
		}, nil
	}

	data, err := PayloadFromMap(payload.Payload)
	if err != nil {
		return nil, err
	}
	auth := &data.Authorization

	sig, err := x402.DecodeSignature(data.Signature)
	if err != nil {
		return nil, err
	}
	if len(sig) != 65 {
		return nil, &x402.SignatureError{Reason: "signature must be 65 bytes"}
	}
	var r, s [32]byte
	copy(r[:], sig[:32])
	copy(s[:], sig[32:64])
	v := sig[64]
	if v < 27 {
		v += 27
	}

	value, _ := new(big.Int).SetString(auth.Value, 10)
	nonce, err := nonceBytes(auth.Nonce)
	if err != nil {
		return nil, err
	}

	f.logger.Info("settling transfer authorization",
		zap.String("token", requirements.Asset),
		zap.String("from", auth.From),
		zap.String("value", auth.Value))

	txHash, err := f.signer.WriteContract(ctx, requirements.Network, requirements.Asset, EIP3009ABI,
		"transferWithAuthorization",
		common.HexToAddress(auth.From),
		common.HexToAddress(auth.To),
		value,
		big.NewInt(auth.ValidAfter),
		big.NewInt(auth.ValidBefore),
		nonce,
		v, r, s)
	if err != nil {
		f.logger.Error("settlement transaction failed to broadcast", zap.Error(err))
		return &x402.SettleResponse{
			Success:     false,
			Network:     requirements.Network,
			ErrorReason: "transaction_failed",
		}, nil
	}

	receipt, err := f.signer.WaitForTransactionReceipt(ctx, requirements.Network, txHash, defaultReceiptTimeout)
	if err != nil {
		return nil, &x402.SettlementError{Reason: "receipt wait failed: " + err.Error()}
	}
	if receipt.Status != x402.TxStatusSuccess {
		return &x402.SettleResponse{
			Success:     false,
			Network:     requirements.Network,
			Transaction: txHash,
			ErrorReason: "transaction_failed_on_chain",
		}, nil
	}

	return &x402.SettleResponse{
		Success:     true,
		Network:     requirements.Network,
		Transaction: txHash,
		Payer:       auth.From,
	}, nil
}

func tokenDomain(requirements *x402.PaymentRequirements, registry *tokens.Registry) (name, version string) {
	if requirements.Extra != nil && requirements.Extra.Name != "" {
		version = requirements.Extra.Version
		if version == "" {
			version = "1"
		}
		return requirements.Extra.Name, version
	}
	if info, err := registry.Get(requirements.Network, requirements.Asset); err == nil {
		version = info.Version
		if version == "" {
			version = "1"
		}
		return info.Name, version
	}
	return "", "1"
}

func nonceBytes(nonce string) ([32]byte, error) {
	var out [32]byte
	s := strings.TrimPrefix(strings.TrimPrefix(nonce, "0x"), "0X")
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != 32 {
		return out, &x402.ValidationError{Reason: "invalid authorization nonce"}
	}
	copy(out[:], raw)
	return out, nil
}
