package exact

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"go.uber.org/zap"

	x402 "github.com/bankofai/x402-go"
	"github.com/bankofai/x402-go/tokens"
	"github.com/bankofai/x402-go/typeddata"
)

// Client builds exact payment payloads: a fresh random nonce, a validity
// window around now, and an EIP-3009 signature under the token's domain.
type Client struct {
	signer   x402.ClientSigner
	config   *x402.NetworkConfig
	registry *tokens.Registry
	logger   *zap.Logger
	now      func() time.Time
}

// NewClient creates an exact client mechanism. The registry supplies the
// token's EIP-712 name and version when the requirement's extra omits them.
func NewClient(signer x402.ClientSigner, config *x402.NetworkConfig, registry *tokens.Registry, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		signer:   signer,
		config:   config,
		registry: registry,
		logger:   logger,
		now:      time.Now,
	}
}

// Scheme implements x402.ClientMechanism.
func (c *Client) Scheme() string {
	return Scheme
}

// CreatePaymentPayload implements x402.ClientMechanism.
func (c *Client) CreatePaymentPayload(ctx context.Context, requirements *x402.PaymentRequirements, resource string, extensions map[string]any) (*x402.PaymentPayload, error) {
	name, version, err := c.tokenDomain(requirements)
	if err != nil {
		return nil, err
	}
	chainID, err := c.config.ChainID(requirements.Network)
	if err != nil {
		return nil, err
	}

	nonce, err := randomNonce()
	if err != nil {
		return nil, err
	}

	validity := int64(defaultValiditySeconds)
	if requirements.MaxTimeoutSeconds > 0 {
		validity = int64(requirements.MaxTimeoutSeconds)
	}
	now := c.now().Unix()

	auth := &typeddata.TransferAuthorization{
		From:        c.signer.Address(),
		To:          requirements.PayTo,
		Value:       requirements.Amount,
		ValidAfter:  now - validAfterSkewSeconds,
		ValidBefore: now + validity,
		Nonce:       nonce,
	}

	c.logger.Debug("signing transfer authorization",
		zap.String("token", requirements.Asset),
		zap.String("value", auth.Value),
		zap.Int64("validBefore", auth.ValidBefore))

	td := typeddata.BuildTransferAuthorization(auth, name, version, chainID, requirements.Asset)
	sig, err := c.signer.SignTypedData(ctx, td)
	if err != nil {
		return nil, &x402.SignatureError{Reason: err.Error()}
	}

	data := &PayloadData{
		Signature: x402.EncodeSignature(sig),
		Authorization: Authorization{
			From:        auth.From,
			To:          auth.To,
			Value:       auth.Value,
			ValidAfter:  auth.ValidAfter,
			ValidBefore: auth.ValidBefore,
			Nonce:       auth.Nonce,
		},
	}
	return &x402.PaymentPayload{
		X402Version: x402.ProtocolVersion,
		Resource:    &x402.ResourceInfo{URL: resource},
		Accepted:    *requirements,
		Payload:     data.ToMap(),
		Extensions:  map[string]any{},
	}, nil
}

func (c *Client) tokenDomain(requirements *x402.PaymentRequirements) (name, version string, err error) {
	if requirements.Extra != nil && requirements.Extra.Name != "" {
		version = requirements.Extra.Version
		if version == "" {
			version = "1"
		}
		return requirements.Extra.Name, version, nil
	}
	info, err := c.registry.Get(requirements.Network, requirements.Asset)
	if err != nil {
		return "", "", &x402.ConfigurationError{
			Reason: fmt.Sprintf("token name/version unavailable for %s on %s", requirements.Asset, requirements.Network),
		}
	}
	version = info.Version
	if version == "" {
		version = "1"
	}
	return info.Name, version, nil
}

func randomNonce() (string, error) {
	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return "0x" + hex.EncodeToString(buf[:]), nil
}
