package permit

import (
	"context"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	x402 "github.com/bankofai/x402-go"
	"github.com/bankofai/x402-go/address"
	"github.com/bankofai/x402-go/tokens"
	"github.com/bankofai/x402-go/typeddata"
)

// Permit timestamps may disagree with the facilitator clock by this much.
const clockSkew = 30 * time.Second

// How long Settle waits for the settlement transaction to confirm.
const defaultReceiptTimeout = 120 * time.Second

// Facilitator verifies and settles exact_permit payments through the
// PaymentPermit contract.
type Facilitator struct {
	signer        x402.FacilitatorSigner
	codec         address.Codec
	config        *x402.NetworkConfig
	registry      *tokens.Registry
	feeTo         string
	baseFees      map[string]*big.Int
	allowedTokens map[string]struct{}
	logger        *zap.Logger
	now           func() time.Time
}

// FacilitatorOption configures a Facilitator.
type FacilitatorOption func(*Facilitator)

// WithFeeTo sets the fee recipient permits must name. Defaults to the
// signer's address.
func WithFeeTo(feeTo string) FacilitatorOption {
	return func(f *Facilitator) {
		f.feeTo = feeTo
	}
}

// WithBaseFee sets the flat fee charged per token symbol, in that token's
// smallest units. Permits carrying a lower fee are rejected.
func WithBaseFee(fees map[string]int64) FacilitatorOption {
	return func(f *Facilitator) {
		for symbol, fee := range fees {
			f.baseFees[strings.ToUpper(symbol)] = big.NewInt(fee)
		}
	}
}

// WithAllowedTokens restricts settlement to the given token addresses.
// Without it every token the registry knows is accepted.
func WithAllowedTokens(tokens []string) FacilitatorOption {
	return func(f *Facilitator) {
		f.allowedTokens = make(map[string]struct{}, len(tokens))
		for _, t := range tokens {
			f.allowedTokens[f.codec.Normalize(t)] = struct{}{}
		}
	}
}

// WithFacilitatorLogger sets the logger.
func WithFacilitatorLogger(logger *zap.Logger) FacilitatorOption {
	return func(f *Facilitator) {
		f.logger = logger
	}
}

// NewFacilitator creates an exact_permit facilitator mechanism.
func NewFacilitator(signer x402.FacilitatorSigner, codec address.Codec, config *x402.NetworkConfig, registry *tokens.Registry, opts ...FacilitatorOption) *Facilitator {
	f := &Facilitator{
		signer:   signer,
		codec:    codec,
		config:   config,
		registry: registry,
		feeTo:    signer.Address(),
		baseFees: make(map[string]*big.Int),
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

// baseFee returns the configured fee for a token address, or nil when the
// token is unknown or has no fee configured.
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
		f.logger.Warn("no fee configured for token",
			zap.String("asset", requirements.Asset),
			zap.String("network", string(requirements.Network)))
		return nil, nil
	}
	return &x402.FeeQuoteResponse{
		Fee: x402.FeeInfo{
			FeeTo:     f.feeTo,
			FeeAmount: fee.String(),
			Caller:    f.signer.Address(),
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
	if data.PaymentPermit == nil {
		return &x402.VerifyResponse{IsValid: false, InvalidReason: "missing_permit"}, nil
	}
	permit := data.PaymentPermit

	if reason := f.validatePermit(permit, requirements); reason != "" {
		f.logger.Warn("permit validation failed",
			zap.String("reason", reason),
			zap.String("paymentId", permit.Meta.PaymentID))
		return &x402.VerifyResponse{IsValid: false, InvalidReason: reason}, nil
	}

	used, err := f.nonceUsed(ctx, requirements.Network, permit)
	if err != nil {
		return nil, err
	}
	if used {
		return &x402.VerifyResponse{IsValid: false, InvalidReason: x402.ErrCodeNonceUsed}, nil
	}

	ok, err := f.verifySignature(ctx, requirements.Network, permit, data.Signature)
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

	if f.allowedTokens != nil {
		if _, ok := f.allowedTokens[norm(permit.Payment.PayToken)]; !ok {
			return "token_not_allowed"
		}
	}

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

	if norm(permit.Fee.FeeTo) != norm(f.feeTo) {
		return "fee_to_mismatch"
	}
	expectedFee := f.baseFee(requirements.Network, permit.Payment.PayToken)
	if expectedFee == nil {
		return "unsupported_token"
	}
	feeAmount, ok := new(big.Int).SetString(permit.Fee.FeeAmount, 10)
	if !ok || feeAmount.Cmp(expectedFee) < 0 {
		return "fee_amount_mismatch"
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

func (f *Facilitator) nonceUsed(ctx context.Context, network x402.Network, permit *x402.PaymentPermit) (bool, error) {
	contract, err := f.config.PaymentPermitAddress(network)
	if err != nil {
		return false, err
	}
	nonce, ok := new(big.Int).SetString(permit.Meta.Nonce, 10)
	if !ok {
		return false, &x402.ValidationError{Reason: "invalid permit nonce"}
	}
	buyer := common.HexToAddress(f.codec.ToHex(permit.Buyer))

	results, err := f.signer.ReadContract(ctx, network, contract, PaymentPermitABI, "nonceUsed", buyer, nonce)
	if err != nil {
		return false, &x402.SettlementError{Reason: "nonce query failed: " + err.Error()}
	}
	if len(results) == 1 {
		if used, ok := results[0].(bool); ok {
			return used, nil
		}
	}
	return false, nil
}

func (f *Facilitator) verifySignature(ctx context.Context, network x402.Network, permit *x402.PaymentPermit, signature string) (bool, error) {
	chainID, err := f.config.ChainID(network)
	if err != nil {
		return false, err
	}
	contract, err := f.config.PaymentPermitAddress(network)
	if err != nil {
		return false, err
	}
	sig, err := x402.DecodeSignature(signature)
	if err != nil {
		return false, nil
	}

	td := typeddata.BuildPaymentPermit(permit, chainID, contract, f.codec)
	return f.signer.VerifyTypedData(ctx, td, sig, f.codec.ToHex(permit.Buyer))
}

// Settle implements x402.FacilitatorMechanism: verify, then execute
// permitTransferFrom and wait for the receipt.
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

	args, err := f.buildSettleArgs(permit, requirements, data.Signature)
	if err != nil {
		return nil, err
	}
	contract, err := f.config.PaymentPermitAddress(requirements.Network)
	if err != nil {
		return nil, err
	}

	f.logger.Info("settling via PaymentPermit contract",
		zap.String("paymentId", permit.Meta.PaymentID),
		zap.String("buyer", permit.Buyer),
		zap.String("amount", requirements.Amount))

	txHash, err := f.signer.WriteContract(ctx, requirements.Network, contract, PaymentPermitABI, "permitTransferFrom", args...)
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
		f.logger.Error("settlement transaction reverted", zap.String("txHash", txHash))
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
		Payer:       permit.Buyer,
	}, nil
}

// Tuple layouts for the contract call.
type metaTuple struct {
	Kind        uint8    `abi:"kind"`
	PaymentId   [16]byte `abi:"paymentId"`
	Nonce       *big.Int `abi:"nonce"`
	ValidAfter  *big.Int `abi:"validAfter"`
	ValidBefore *big.Int `abi:"validBefore"`
}

type paymentTuple struct {
	PayToken     common.Address `abi:"payToken"`
	MaxPayAmount *big.Int       `abi:"maxPayAmount"`
	PayTo        common.Address `abi:"payTo"`
}

type feeTuple struct {
	FeeTo     common.Address `abi:"feeTo"`
	FeeAmount *big.Int       `abi:"feeAmount"`
}

type deliveryTuple struct {
	ReceiveToken      common.Address `abi:"receiveToken"`
	MiniReceiveAmount *big.Int       `abi:"miniReceiveAmount"`
	TokenId           *big.Int       `abi:"tokenId"`
}

type permitTuple struct {
	Meta     metaTuple      `abi:"meta"`
	Buyer    common.Address `abi:"buyer"`
	Caller   common.Address `abi:"caller"`
	Payment  paymentTuple   `abi:"payment"`
	Fee      feeTuple       `abi:"fee"`
	Delivery deliveryTuple  `abi:"delivery"`
}

type transferDetailsTuple struct {
	Amount *big.Int `abi:"amount"`
}

func (f *Facilitator) buildSettleArgs(permit *x402.PaymentPermit, requirements *x402.PaymentRequirements, signature string) ([]any, error) {
	paymentID, err := x402.PaymentIDBytes(permit.Meta.PaymentID)
	if err != nil {
		return nil, err
	}
	nonce, ok := new(big.Int).SetString(permit.Meta.Nonce, 10)
	if !ok {
		return nil, &x402.ValidationError{Reason: "invalid permit nonce"}
	}
	maxPayAmount, ok := new(big.Int).SetString(permit.Payment.PayAmount, 10)
	if !ok {
		return nil, &x402.ValidationError{Reason: "invalid permit payAmount"}
	}
	feeAmount, ok := new(big.Int).SetString(permit.Fee.FeeAmount, 10)
	if !ok {
		return nil, &x402.ValidationError{Reason: "invalid permit feeAmount"}
	}
	amount, err := requirements.AmountBig()
	if err != nil {
		return nil, &x402.ValidationError{Reason: err.Error()}
	}
	sig, err := x402.DecodeSignature(signature)
	if err != nil {
		return nil, err
	}

	hexAddr := func(addr string) common.Address {
		return common.HexToAddress(f.codec.ToHex(addr))
	}

	delivery := deliveryTuple{
		ReceiveToken:      common.Address{},
		MiniReceiveAmount: big.NewInt(0),
		TokenId:           big.NewInt(0),
	}
	if permit.Delivery != nil {
		mini, ok := new(big.Int).SetString(permit.Delivery.MiniReceiveAmount, 10)
		if !ok {
			mini = big.NewInt(0)
		}
		tokenID, ok := new(big.Int).SetString(permit.Delivery.TokenID, 10)
		if !ok {
			tokenID = big.NewInt(0)
		}
		delivery = deliveryTuple{
			ReceiveToken:      hexAddr(permit.Delivery.ReceiveToken),
			MiniReceiveAmount: mini,
			TokenId:           tokenID,
		}
	}

	tuple := permitTuple{
		Meta: metaTuple{
			Kind:        permit.Meta.Kind,
			PaymentId:   paymentID,
			Nonce:       nonce,
			ValidAfter:  big.NewInt(permit.Meta.ValidAfter),
			ValidBefore: big.NewInt(permit.Meta.ValidBefore),
		},
		Buyer:  hexAddr(permit.Buyer),
		Caller: hexAddr(permit.Caller),
		Payment: paymentTuple{
			PayToken:     hexAddr(permit.Payment.PayToken),
			MaxPayAmount: maxPayAmount,
			PayTo:        hexAddr(permit.Payment.PayTo),
		},
		Fee: feeTuple{
			FeeTo:     hexAddr(permit.Fee.FeeTo),
			FeeAmount: feeAmount,
		},
		Delivery: delivery,
	}

	return []any{
		tuple,
		transferDetailsTuple{Amount: amount},
		hexAddr(permit.Buyer),
		sig,
	}, nil
}
