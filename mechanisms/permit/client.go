package permit

import (
	"context"
	"math/big"

	"go.uber.org/zap"

	x402 "github.com/bankofai/x402-go"
	"github.com/bankofai/x402-go/address"
	"github.com/bankofai/x402-go/typeddata"
)

// Client builds exact_permit payment payloads. The resource server supplies
// the permit meta (payment id, nonce, validity window) through the
// paymentPermitContext extension; the client echoes it, authorizes the
// amount, and signs.
type Client struct {
	signer       x402.ClientSigner
	codec        address.Codec
	config       *x402.NetworkConfig
	approvalMode x402.ApprovalMode
	logger       *zap.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithApprovalMode sets how missing allowances are obtained. Defaults to
// ApprovalAuto.
func WithApprovalMode(mode x402.ApprovalMode) ClientOption {
	return func(c *Client) {
		c.approvalMode = mode
	}
}

// WithLogger sets the client logger.
func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates an exact_permit client mechanism.
func NewClient(signer x402.ClientSigner, codec address.Codec, config *x402.NetworkConfig, opts ...ClientOption) *Client {
	c := &Client{
		signer:       signer,
		codec:        codec,
		config:       config,
		approvalMode: x402.ApprovalAuto,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Scheme implements x402.ClientMechanism.
func (c *Client) Scheme() string {
	return Scheme
}

// CreatePaymentPayload implements x402.ClientMechanism.
func (c *Client) CreatePaymentPayload(ctx context.Context, requirements *x402.PaymentRequirements, resource string, extensions map[string]any) (*x402.PaymentPayload, error) {
	permitCtx, err := x402.DecodePermitContext(extensions)
	if err != nil {
		return nil, err
	}
	if permitCtx == nil {
		return nil, &x402.ValidationError{Reason: "paymentPermitContext is required for exact_permit"}
	}

	permit := c.buildPermit(requirements, permitCtx)
	c.logger.Info("building payment permit",
		zap.String("paymentId", permit.Meta.PaymentID),
		zap.String("buyer", permit.Buyer),
		zap.String("amount", permit.Payment.PayAmount),
		zap.String("fee", permit.Fee.FeeAmount))

	if err := c.ensureAllowance(ctx, requirements.Network, permit); err != nil {
		return nil, err
	}

	signature, err := c.signPermit(ctx, requirements.Network, permit)
	if err != nil {
		return nil, err
	}

	data := &PayloadData{Signature: signature, PaymentPermit: permit}
	return &x402.PaymentPayload{
		X402Version: x402.ProtocolVersion,
		Resource:    &x402.ResourceInfo{URL: resource},
		Accepted:    *requirements,
		Payload:     data.ToMap(),
		Extensions:  map[string]any{},
	}, nil
}

func (c *Client) buildPermit(requirements *x402.PaymentRequirements, permitCtx *x402.PaymentPermitContext) *x402.PaymentPermit {
	fee := requirements.FeeOrZero(c.codec.ZeroAddress())

	caller := permitCtx.Caller
	if caller == "" {
		caller = c.codec.ZeroAddress()
	}

	paymentID := permitCtx.Meta.PaymentID
	if paymentID == "" {
		paymentID = x402.GeneratePaymentID()
	}
	nonce := permitCtx.Meta.Nonce
	if nonce == "" {
		nonce = "0"
	}

	var delivery *x402.PermitDelivery
	if permitCtx.Delivery != nil {
		delivery = &x402.PermitDelivery{
			ReceiveToken:      c.codec.Normalize(permitCtx.Delivery.ReceiveToken),
			MiniReceiveAmount: permitCtx.Delivery.MiniReceiveAmount,
			TokenID:           permitCtx.Delivery.TokenID,
		}
	}

	return &x402.PaymentPermit{
		Meta: x402.PermitMeta{
			Kind:        permitCtx.Meta.Kind,
			PaymentID:   paymentID,
			Nonce:       nonce,
			ValidAfter:  permitCtx.Meta.ValidAfter,
			ValidBefore: permitCtx.Meta.ValidBefore,
		},
		Buyer:  c.signer.Address(),
		Caller: caller,
		Payment: x402.PermitPayment{
			PayToken:  c.codec.Normalize(requirements.Asset),
			PayAmount: requirements.Amount,
			PayTo:     c.codec.Normalize(requirements.PayTo),
		},
		Fee: x402.PermitFee{
			FeeTo:     fee.FeeTo,
			FeeAmount: fee.FeeAmount,
		},
		Delivery: delivery,
	}
}

// ensureAllowance authorizes payAmount + feeAmount for the PaymentPermit
// contract before signing.
func (c *Client) ensureAllowance(ctx context.Context, network x402.Network, permit *x402.PaymentPermit) error {
	amount, ok := new(big.Int).SetString(permit.Payment.PayAmount, 10)
	if !ok {
		return &x402.ValidationError{Reason: "invalid permit payAmount"}
	}
	if fee, ok := new(big.Int).SetString(permit.Fee.FeeAmount, 10); ok {
		amount = new(big.Int).Add(amount, fee)
	}

	spender, err := c.config.PaymentPermitAddress(network)
	if err != nil {
		return err
	}
	c.logger.Debug("ensuring allowance",
		zap.String("token", permit.Payment.PayToken),
		zap.String("spender", spender),
		zap.String("total", amount.String()))
	return c.signer.EnsureAllowance(ctx, network, permit.Payment.PayToken, spender, amount, c.approvalMode)
}

func (c *Client) signPermit(ctx context.Context, network x402.Network, permit *x402.PaymentPermit) (string, error) {
	chainID, err := c.config.ChainID(network)
	if err != nil {
		return "", err
	}
	contract, err := c.config.PaymentPermitAddress(network)
	if err != nil {
		return "", err
	}

	td := typeddata.BuildPaymentPermit(permit, chainID, contract, c.codec)
	sig, err := c.signer.SignTypedData(ctx, td)
	if err != nil {
		return "", &x402.SignatureError{Reason: err.Error()}
	}
	return x402.EncodeSignature(sig), nil
}
