package gasfree

import (
	"context"
	"errors"
	"math/big"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	x402 "github.com/bankofai/x402-go"
	"github.com/bankofai/x402-go/address"
	"github.com/bankofai/x402-go/tokens"
	"github.com/bankofai/x402-go/typeddata"
)

// Permit timestamps may disagree with the facilitator clock by this much.
const clockSkew = 30 * time.Second

const feeQuoteExpirySeconds = 300

// Facilitator verifies and settles gasfree_exact payments through the
// GasFree relay. Verification is pure signature and permit checking; the
// relay performs the on-chain transfer at settle time.
type Facilitator struct {
	codec    address.Codec
	config   *x402.NetworkConfig
	registry *tokens.Registry
	feeTo    string
	baseFees map[string]*big.Int
	newAPI   APIFactory
	logger   *zap.Logger
	now      func() time.Time
}

// FacilitatorOption configures a Facilitator.
type FacilitatorOption func(*Facilitator)

// WithFeeTo sets the provider address permits fall back to when the relay's
// provider list cannot be fetched.
func WithFeeTo(feeTo string) FacilitatorOption {
	return func(f *Facilitator) {
		f.feeTo = feeTo
	}
}

// WithBaseFee sets the flat fee quoted per token symbol, in that token's
// smallest units.
func WithBaseFee(fees map[string]int64) FacilitatorOption {
	return func(f *Facilitator) {
		for symbol, fee := range fees {
			f.baseFees[strings.ToUpper(symbol)] = big.NewInt(fee)
		}
	}
}

// WithFacilitatorAPIFactory overrides how GasFree API clients are
// constructed.
func WithFacilitatorAPIFactory(factory APIFactory) FacilitatorOption {
	return func(f *Facilitator) {
		f.newAPI = factory
	}
}

// WithFacilitatorLogger sets the logger.
func WithFacilitatorLogger(logger *zap.Logger) FacilitatorOption {
	return func(f *Facilitator) {
		f.logger = logger
	}
}

// NewFacilitator creates a gasfree_exact facilitator mechanism. feeTo is
// the provider address this facilitator settles through.
func NewFacilitator(codec address.Codec, config *x402.NetworkConfig, registry *tokens.Registry, feeTo string, opts ...FacilitatorOption) *Facilitator {
	f := &Facilitator{
		codec:    codec,
		config:   config,
		registry: registry,
		feeTo:    feeTo,
		baseFees: make(map[string]*big.Int),
		newAPI:   defaultAPIFactory,
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Scheme implements x402.FacilitatorMechanism.
func (f *Facilitator) Scheme() string {
	return Scheme
}

func (f *Facilitator) baseFee(network x402.Network, tokenAddress string) *big.Int {
	info, ok := f.registry.FindByAddress(network, tokenAddress)
	if !ok {
		return nil
	}
	fee, ok := f.baseFees[strings.ToUpper(info.Symbol)]
	if !ok {
		return nil
	}
	return fee
}

// FeeQuote implements x402.FacilitatorMechanism. Unsupported tokens quote
// as (nil, nil) and are skipped by the facilitator.
func (f *Facilitator) FeeQuote(ctx context.Context, requirements *x402.PaymentRequirements) (*x402.FeeQuoteResponse, error) {
	fee := f.baseFee(requirements.Network, requirements.Asset)
	if fee == nil {
		f.logger.Warn("no gasfree fee configured for token",
			zap.String("asset", requirements.Asset),
			zap.String("network", string(requirements.Network)))
		return nil, nil
	}
	return &x402.FeeQuoteResponse{
		Fee: x402.FeeInfo{
			FeeTo:     f.feeTo,
			FeeAmount: fee.String(),
		},
		Pricing:   x402.FeePricingFlat,
		Scheme:    requirements.Scheme,
		Network:   requirements.Network,
		Asset:     requirements.Asset,
		ExpiresAt: f.now().Unix() + feeQuoteExpirySeconds,
	}, nil
}

// Verify implements x402.FacilitatorMechanism.
func (f *Facilitator) Verify(ctx context.Context, payload *x402.PaymentPayload, requirements *x402.PaymentRequirements) (*x402.VerifyResponse, error) {
	data, err := PayloadFromMap(payload.Payload)
	if err != nil {
		return &x402.VerifyResponse{IsValid: false, InvalidReason: x402.ErrCodeInvalidPayload}, nil
	}
	permit := data.PaymentPermit

	if reason := f.validatePermit(permit, requirements); reason != "" {
		f.logger.Warn("gasfree permit validation failed",
			zap.String("reason", reason),
			zap.String("paymentId", permit.Meta.PaymentID))
		return &x402.VerifyResponse{IsValid: false, InvalidReason: reason}, nil
	}

	if reason := f.validateProvider(ctx, requirements.Network, permit); reason != "" {
		return &x402.VerifyResponse{IsValid: false, InvalidReason: reason}, nil
	}

	ok, err := f.verifySignature(requirements.Network, permit, data.Signature)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &x402.VerifyResponse{IsValid: false, InvalidReason: x402.ErrCodeInvalidSignature}, nil
	}
	return &x402.VerifyResponse{IsValid: true, Payer: permit.Buyer}, nil
}

func (f *Facilitator) validatePermit(permit *x402.PaymentPermit, requirements *x402.PaymentRequirements) string {
	norm := f.codec.Normalize

	payAmount, ok := new(big.Int).SetString(permit.Payment.PayAmount, 10)
	if !ok {
		return "amount_mismatch"
	}
	required, err := requirements.AmountBig()
	if err != nil || payAmount.Cmp(required) < 0 {
		return "amount_mismatch"
	}

	if norm(permit.Payment.PayTo) != norm(requirements.PayTo) {
		return "payto_mismatch"
	}
	if norm(permit.Payment.PayToken) != norm(requirements.Asset) {
		return "token_mismatch"
	}

	if _, err := strconv.ParseInt(permit.Meta.Nonce, 10, 64); err != nil {
		return x402.ErrCodeInvalidPayload
	}

	now := f.now()
	if time.Unix(permit.Meta.ValidBefore, 0).Add(clockSkew).Before(now) {
		return x402.ErrCodeExpired
	}
	if time.Unix(permit.Meta.ValidAfter, 0).Add(-clockSkew).After(now) {
		return x402.ErrCodeNotYetValid
	}
	return ""
}

// validateProvider checks the permit's fee recipient against the relay's
// live provider list. When the list cannot be fetched the check fails open
// to the configured provider: a relay outage must not reject otherwise
// valid payments.
func (f *Facilitator) validateProvider(ctx context.Context, network x402.Network, permit *x402.PaymentPermit) string {
	norm := f.codec.Normalize
	feeTo := norm(permit.Fee.FeeTo)

	cfg, err := f.config.GasFreeFor(network)
	if err != nil {
		return x402.ErrCodeUnsupportedNetworkScheme
	}
	providers, err := f.newAPI(cfg).GetProviders(ctx)
	if err != nil {
		f.logger.Warn("gasfree provider list unavailable, falling back to configured provider",
			zap.Error(err))
		if feeTo != norm(f.feeTo) {
			return "fee_to_mismatch"
		}
		return ""
	}
	for _, p := range providers {
		if feeTo == norm(p.Address) {
			return ""
		}
	}
	return "fee_to_mismatch"
}

// verifySignature reconstructs the PermitTransfer the buyer signed from
// the permit and recovers the signer.
func (f *Facilitator) verifySignature(network x402.Network, permit *x402.PaymentPermit, signature string) (bool, error) {
	cfg, err := f.config.GasFreeFor(network)
	if err != nil {
		return false, err
	}
	chainID, err := f.config.ChainID(network)
	if err != nil {
		return false, err
	}
	sig, err := x402.DecodeSignature(signature)
	if err != nil {
		return false, nil
	}
	transfer, err := f.transferFromPermit(permit)
	if err != nil {
		return false, nil
	}

	td := typeddata.BuildGasFreeTransfer(transfer, chainID, cfg.Controller, f.codec)
	recovered, err := typeddata.RecoverSigner(td, sig)
	if err != nil {
		return false, nil
	}
	return strings.EqualFold(recovered, f.codec.ToHex(permit.Buyer)), nil
}

// transferFromPermit maps a PaymentPermit back onto the GasFree message it
// mirrors: the fee recipient is the service provider, the pay amount the
// transfer value, the fee amount the fee ceiling, and validBefore the
// deadline.
func (f *Facilitator) transferFromPermit(permit *x402.PaymentPermit) (*typeddata.GasFreeTransfer, error) {
	nonce, err := strconv.ParseInt(permit.Meta.Nonce, 10, 64)
	if err != nil {
		return nil, &x402.ValidationError{Reason: "invalid permit nonce"}
	}
	return &typeddata.GasFreeTransfer{
		Token:           permit.Payment.PayToken,
		ServiceProvider: permit.Fee.FeeTo,
		User:            permit.Buyer,
		Receiver:        permit.Payment.PayTo,
		Value:           permit.Payment.PayAmount,
		MaxFee:          permit.Fee.FeeAmount,
		Deadline:        permit.Meta.ValidBefore,
		Version:         typeddata.GasFreeMessageVersion,
		Nonce:           nonce,
	}, nil
}

// Settle implements x402.FacilitatorMechanism: verify, submit the transfer
// to the relay, and poll until it reaches a terminal state.
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
	permit := data.PaymentPermit
	transfer, err := f.transferFromPermit(permit)
	if err != nil {
		return nil, err
	}

	cfg, err := f.config.GasFreeFor(requirements.Network)
	if err != nil {
		return nil, err
	}
	api := f.newAPI(cfg)

	norm := f.codec.Normalize
	traceID, err := api.Submit(ctx, &SubmitRequest{
		Token:           norm(transfer.Token),
		ServiceProvider: norm(transfer.ServiceProvider),
		User:            norm(transfer.User),
		Receiver:        norm(transfer.Receiver),
		Value:           transfer.Value,
		MaxFee:          transfer.MaxFee,
		Deadline:        transfer.Deadline,
		Version:         transfer.Version,
		Nonce:           transfer.Nonce,
		Sig:             data.Signature,
	})
	if err != nil {
		f.logger.Error("gasfree submit failed", zap.Error(err))
		return &x402.SettleResponse{
			Success:     false,
			Network:     requirements.Network,
			ErrorReason: x402.ErrCodeSettlementFailed,
		}, nil
	}

	f.logger.Info("gasfree transfer submitted",
		zap.String("traceId", traceID),
		zap.String("paymentId", permit.Meta.PaymentID))

	status, err := api.WaitForSuccess(ctx, traceID)
	if err != nil {
		var settleErr *x402.SettlementError
		var timeoutErr *x402.TransactionTimeoutError
		if errors.As(err, &settleErr) || errors.As(err, &timeoutErr) {
			f.logger.Error("gasfree settlement did not complete",
				zap.String("traceId", traceID),
				zap.Error(err))
			return &x402.SettleResponse{
				Success:     false,
				Network:     requirements.Network,
				Transaction: traceID,
				ErrorReason: x402.ErrCodeSettlementFailed,
			}, nil
		}
		return nil, err
	}

	transaction := status.TxnHash
	if transaction == "" {
		transaction = traceID
	}
	return &x402.SettleResponse{
		Success:     true,
		Network:     requirements.Network,
		Transaction: transaction,
		Payer:       permit.Buyer,
	}, nil
}
