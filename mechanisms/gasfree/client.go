package gasfree

import (
	"context"
	"fmt"
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

// Default validity of a PermitTransfer when the challenge carries no
// permit context.
const defaultDeadlineSeconds = 3600

// APIFactory builds a GasFree API client for one network's relay settings.
type APIFactory func(cfg x402.GasFreeConfig) API

func defaultAPIFactory(cfg x402.GasFreeConfig) API {
	return NewAPIClient(cfg.APIBaseURL, cfg.APIKey, cfg.APISecret)
}

// Client builds gasfree_exact payment payloads. Before the signer is asked
// for anything, the client checks the buyer's GasFree account: it must be
// activated, hold the payment token, and (unless disabled) cover
// value + maxFee. A failed precondition surfaces as a typed error without
// touching the signer.
type Client struct {
	signer           x402.ClientSigner
	codec            address.Codec
	config           *x402.NetworkConfig
	registry         *tokens.Registry
	newAPI           APIFactory
	skipBalanceCheck bool
	logger           *zap.Logger
	now              func() time.Time
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithAPIFactory overrides how GasFree API clients are constructed.
func WithAPIFactory(factory APIFactory) ClientOption {
	return func(c *Client) {
		c.newAPI = factory
	}
}

// WithSkipBalanceCheck disables the local GasFree balance precondition.
// The relay still enforces it at submit time.
func WithSkipBalanceCheck() ClientOption {
	return func(c *Client) {
		c.skipBalanceCheck = true
	}
}

// WithClientLogger sets the client logger.
func WithClientLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a gasfree_exact client mechanism.
func NewClient(signer x402.ClientSigner, codec address.Codec, config *x402.NetworkConfig, registry *tokens.Registry, opts ...ClientOption) *Client {
	c := &Client{
		signer:   signer,
		codec:    codec,
		config:   config,
		registry: registry,
		newAPI:   defaultAPIFactory,
		logger:   zap.NewNop(),
		now:      time.Now,
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

// FilterRequirements implements x402.RequirementsFilter: the scheme only
// works where a GasFree relay is configured.
func (c *Client) FilterRequirements(ctx context.Context, requirements []x402.PaymentRequirements) []x402.PaymentRequirements {
	kept := make([]x402.PaymentRequirements, 0, len(requirements))
	for _, req := range requirements {
		if req.Scheme == Scheme {
			if _, err := c.config.GasFreeFor(req.Network); err != nil {
				continue
			}
		}
		kept = append(kept, req)
	}
	return kept
}

// CreatePaymentPayload implements x402.ClientMechanism.
func (c *Client) CreatePaymentPayload(ctx context.Context, requirements *x402.PaymentRequirements, resource string, extensions map[string]any) (*x402.PaymentPayload, error) {
	cfg, err := c.config.GasFreeFor(requirements.Network)
	if err != nil {
		return nil, err
	}
	api := c.newAPI(cfg)
	user := c.codec.Normalize(c.signer.Address())

	info, err := api.GetAddressInfo(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("gasfree account lookup for %s: %w", user, err)
	}
	if info.GasFreeAddress == "" {
		return nil, &x402.ConfigurationError{
			Reason: "gasfree relay returned no gasfree address for " + user,
		}
	}
	if !info.Active {
		return nil, &x402.GasFreeAccountNotActivatedError{
			Address:        user,
			GasFreeAddress: info.GasFreeAddress,
		}
	}

	asset, err := c.findAsset(info, requirements)
	if err != nil {
		return nil, err
	}

	value, err := requirements.AmountBig()
	if err != nil {
		return nil, &x402.ValidationError{Reason: err.Error()}
	}
	maxFee := c.resolveMaxFee(requirements, asset)

	if !c.skipBalanceCheck && !skipRequested(extensions) {
		if err := checkBalance(requirements.Asset, asset, value, maxFee); err != nil {
			return nil, err
		}
	}

	permitCtx, err := x402.DecodePermitContext(extensions)
	if err != nil {
		return nil, err
	}
	deadline := c.now().Unix() + defaultDeadlineSeconds
	if permitCtx != nil && permitCtx.Meta.ValidBefore > 0 {
		deadline = permitCtx.Meta.ValidBefore
	}

	fee := requirements.FeeOrZero(c.codec.ZeroAddress())
	serviceProvider := fee.FeeTo
	if requirements.Extra == nil || requirements.Extra.Fee == nil || fee.FeeTo == "" {
		serviceProvider = requirements.PayTo
	}
	serviceProvider = c.codec.Normalize(serviceProvider)

	transfer := &typeddata.GasFreeTransfer{
		Token:           requirements.Asset,
		ServiceProvider: serviceProvider,
		User:            user,
		Receiver:        requirements.PayTo,
		Value:           value.String(),
		MaxFee:          maxFee.String(),
		Deadline:        deadline,
		Version:         typeddata.GasFreeMessageVersion,
		Nonce:           info.Nonce,
	}

	chainID, err := c.config.ChainID(requirements.Network)
	if err != nil {
		return nil, err
	}

	c.logger.Info("signing gasfree transfer",
		zap.String("user", user),
		zap.String("token", requirements.Asset),
		zap.String("value", transfer.Value),
		zap.String("maxFee", transfer.MaxFee),
		zap.Int64("nonce", transfer.Nonce))

	td := typeddata.BuildGasFreeTransfer(transfer, chainID, cfg.Controller, c.codec)
	sig, err := c.signer.SignTypedData(ctx, td)
	if err != nil {
		return nil, &x402.SignatureError{Reason: err.Error()}
	}

	permit := c.buildPermit(requirements, permitCtx, transfer, serviceProvider)
	data := &PayloadData{
		Signature:     x402.EncodeSignature(sig),
		PaymentPermit: permit,
	}
	return &x402.PaymentPayload{
		X402Version: x402.ProtocolVersion,
		Resource:    &x402.ResourceInfo{URL: resource},
		Accepted:    *requirements,
		Payload:     data.ToMap(),
		Extensions: map[string]any{
			ExtensionGasFreeAddress: info.GasFreeAddress,
			ExtensionScheme:         Scheme,
		},
	}, nil
}

// findAsset locates the payment token in the account's GasFree holdings.
// A missing asset is an unknown-token error, not an empty balance: the
// relay does not carry the token at all for this account.
func (c *Client) findAsset(info *AddressInfo, requirements *x402.PaymentRequirements) (*AssetInfo, error) {
	want := c.codec.ToHex(requirements.Asset)
	for i := range info.Assets {
		if strings.EqualFold(c.codec.ToHex(info.Assets[i].TokenAddress), want) {
			return &info.Assets[i], nil
		}
	}
	return nil, &x402.UnknownTokenError{
		Network: requirements.Network,
		Token:   requirements.Asset,
	}
}

// resolveMaxFee picks the transfer fee ceiling: the requirement's quoted
// fee when present, otherwise the relay's transferFee, otherwise one whole
// token. The result is never below the relay's transferFee floor.
func (c *Client) resolveMaxFee(requirements *x402.PaymentRequirements, asset *AssetInfo) *big.Int {
	transferFee := numberBig(asset.TransferFee)

	var maxFee *big.Int
	if requirements.Extra != nil && requirements.Extra.Fee != nil {
		if v, ok := new(big.Int).SetString(requirements.Extra.Fee.FeeAmount, 10); ok && v.Sign() > 0 {
			maxFee = v
		}
	}
	if maxFee == nil && transferFee.Sign() > 0 {
		maxFee = new(big.Int).Set(transferFee)
	}
	if maxFee == nil {
		decimals, ok := c.registry.Decimals(requirements.Network, requirements.Asset)
		if !ok {
			decimals = 6
		}
		maxFee = new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	}
	if maxFee.Cmp(transferFee) < 0 {
		maxFee = new(big.Int).Set(transferFee)
	}
	return maxFee
}

func (c *Client) buildPermit(requirements *x402.PaymentRequirements, permitCtx *x402.PaymentPermitContext, transfer *typeddata.GasFreeTransfer, serviceProvider string) *x402.PaymentPermit {
	kind := x402.KindPaymentOnly
	paymentID := x402.GeneratePaymentID()
	var validAfter int64
	if permitCtx != nil {
		kind = permitCtx.Meta.Kind
		if permitCtx.Meta.PaymentID != "" {
			paymentID = permitCtx.Meta.PaymentID
		}
		validAfter = permitCtx.Meta.ValidAfter
	}

	return &x402.PaymentPermit{
		Meta: x402.PermitMeta{
			Kind:        kind,
			PaymentID:   paymentID,
			Nonce:       strconv.FormatInt(transfer.Nonce, 10),
			ValidAfter:  validAfter,
			ValidBefore: transfer.Deadline,
		},
		Buyer:  transfer.User,
		Caller: c.codec.Normalize(transfer.ServiceProvider),
		Payment: x402.PermitPayment{
			PayToken:  c.codec.Normalize(requirements.Asset),
			PayAmount: transfer.Value,
			PayTo:     c.codec.Normalize(requirements.PayTo),
		},
		Fee: x402.PermitFee{
			FeeTo:     serviceProvider,
			FeeAmount: transfer.MaxFee,
		},
	}
}

func checkBalance(token string, asset *AssetInfo, value, maxFee *big.Int) error {
	balance := numberBig(asset.Balance)
	required := new(big.Int).Add(value, maxFee)
	if balance.Cmp(required) < 0 {
		return &x402.InsufficientGasFreeBalanceError{
			Token:    token,
			Balance:  balance.String(),
			Required: required.String(),
		}
	}
	return nil
}

func skipRequested(extensions map[string]any) bool {
	if extensions == nil {
		return false
	}
	v, ok := extensions["skipBalanceCheck"].(bool)
	return ok && v
}

func numberBig(n interface{ String() string }) *big.Int {
	v, ok := new(big.Int).SetString(n.String(), 10)
	if !ok {
		return big.NewInt(0)
	}
	return v
}
