package x402http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	x402 "github.com/bankofai/x402-go"
)

// Paywall timing defaults.
const (
	defaultPermitValiditySeconds = 600
	permitValidAfterSkewSeconds  = 30
)

// Facilitator is the facilitator surface the paywall needs. Both
// FacilitatorClient and a local x402.X402Facilitator satisfy it.
type Facilitator interface {
	Verify(ctx context.Context, payload *x402.PaymentPayload, requirements *x402.PaymentRequirements) (*x402.VerifyResponse, error)
	Settle(ctx context.Context, payload *x402.PaymentPayload, requirements *x402.PaymentRequirements) (*x402.SettleResponse, error)
}

// Paywall guards HTTP handlers behind an x402 payment. Unpaid requests get
// a 402 challenge with a freshly minted permit context; paid requests are
// verified and settled before the handler runs, and the settlement receipt
// rides back on the PAYMENT-RESPONSE header.
type Paywall struct {
	facilitator     Facilitator
	accepts         []x402.PaymentRequirements
	resource        *x402.ResourceInfo
	caller          string
	validitySeconds int64
	logger          *zap.Logger
	now             func() time.Time
}

// PaywallOption configures a Paywall.
type PaywallOption func(*Paywall)

// WithResource describes the paid resource in challenges.
func WithResource(resource *x402.ResourceInfo) PaywallOption {
	return func(p *Paywall) {
		p.resource = resource
	}
}

// WithCaller sets the settlement caller address advertised in the permit
// context, typically the facilitator's signer.
func WithCaller(caller string) PaywallOption {
	return func(p *Paywall) {
		p.caller = caller
	}
}

// WithPermitValidity sets how long minted permits stay signable.
func WithPermitValidity(d time.Duration) PaywallOption {
	return func(p *Paywall) {
		p.validitySeconds = int64(d.Seconds())
	}
}

// WithPaywallLogger sets the logger.
func WithPaywallLogger(logger *zap.Logger) PaywallOption {
	return func(p *Paywall) {
		p.logger = logger
	}
}

// NewPaywall creates a paywall accepting the given payment requirements.
func NewPaywall(facilitator Facilitator, accepts []x402.PaymentRequirements, opts ...PaywallOption) *Paywall {
	p := &Paywall{
		facilitator:     facilitator,
		accepts:         accepts,
		validitySeconds: defaultPermitValiditySeconds,
		logger:          zap.NewNop(),
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// challenge mints a fresh 402 challenge. Each challenge carries its own
// permit context: a new payment id and nonce, and a validity window around
// now.
func (p *Paywall) challenge() *x402.PaymentRequired {
	now := p.now().Unix()
	permitCtx := x402.PaymentPermitContext{
		Meta: x402.PermitContextMeta{
			Kind:        x402.KindPaymentOnly,
			PaymentID:   x402.GeneratePaymentID(),
			Nonce:       x402.GeneratePermitNonce(),
			ValidAfter:  now - permitValidAfterSkewSeconds,
			ValidBefore: now + p.validitySeconds,
		},
		Caller: p.caller,
	}
	return &x402.PaymentRequired{
		X402Version: x402.ProtocolVersion,
		Error:       "payment required",
		Resource:    p.resource,
		Accepts:     p.accepts,
		Extensions: map[string]any{
			x402.ExtensionPaymentPermitContext: permitCtx,
		},
	}
}

// matchRequirement finds the accepted requirement the payload claims to
// satisfy.
func (p *Paywall) matchRequirement(payload *x402.PaymentPayload) *x402.PaymentRequirements {
	for i := range p.accepts {
		req := &p.accepts[i]
		if req.Scheme == payload.Accepted.Scheme &&
			req.Network == payload.Accepted.Network &&
			req.Asset == payload.Accepted.Asset {
			return req
		}
	}
	return nil
}

// settleHeader runs the verify+settle pipeline for one request. It returns
// the encoded PAYMENT-RESPONSE value on success, or a challenge error
// string for the retried 402.
func (p *Paywall) settleHeader(ctx context.Context, headerValue string) (string, string) {
	var payload x402.PaymentPayload
	if err := DecodeHeader(headerValue, &payload); err != nil {
		return "", "malformed payment signature"
	}
	requirements := p.matchRequirement(&payload)
	if requirements == nil {
		return "", "payment does not match any accepted requirement"
	}

	verify, err := p.facilitator.Verify(ctx, &payload, requirements)
	if err != nil {
		p.logger.Error("payment verification failed", zap.Error(err))
		return "", "payment verification failed"
	}
	if !verify.IsValid {
		p.logger.Warn("invalid payment", zap.String("reason", verify.InvalidReason))
		return "", verify.InvalidReason
	}

	settle, err := p.facilitator.Settle(ctx, &payload, requirements)
	if err != nil {
		p.logger.Error("payment settlement failed", zap.Error(err))
		return "", "payment settlement failed"
	}
	if !settle.Success {
		p.logger.Warn("settlement rejected", zap.String("reason", settle.ErrorReason))
		return "", settle.ErrorReason
	}

	p.logger.Info("payment settled",
		zap.String("payer", settle.Payer),
		zap.String("transaction", settle.Transaction))

	encoded, err := EncodeHeader(settle)
	if err != nil {
		return "", "payment settlement failed"
	}
	return encoded, ""
}

// Echo returns the paywall as echo middleware.
func (p *Paywall) Echo() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			headerValue := c.Request().Header.Get(HeaderPaymentSignature)
			if headerValue == "" {
				return p.challengeEcho(c, "")
			}
			settled, reason := p.settleHeader(c.Request().Context(), headerValue)
			if reason != "" {
				return p.challengeEcho(c, reason)
			}
			c.Response().Header().Set(HeaderPaymentResponse, settled)
			return next(c)
		}
	}
}

func (p *Paywall) challengeEcho(c echo.Context, reason string) error {
	required := p.challenge()
	if reason != "" {
		required.Error = reason
	}
	if encoded, err := EncodeHeader(required); err == nil {
		c.Response().Header().Set(HeaderPaymentRequired, encoded)
	}
	return c.JSON(http.StatusPaymentRequired, required)
}

// Handler returns the paywall as net/http middleware.
func (p *Paywall) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headerValue := r.Header.Get(HeaderPaymentSignature)
		if headerValue == "" {
			p.challengeHTTP(w, "")
			return
		}
		settled, reason := p.settleHeader(r.Context(), headerValue)
		if reason != "" {
			p.challengeHTTP(w, reason)
			return
		}
		w.Header().Set(HeaderPaymentResponse, settled)
		next.ServeHTTP(w, r)
	})
}

func (p *Paywall) challengeHTTP(w http.ResponseWriter, reason string) {
	required := p.challenge()
	if reason != "" {
		required.Error = reason
	}
	if encoded, err := EncodeHeader(required); err == nil {
		w.Header().Set(HeaderPaymentRequired, encoded)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	writeJSON(w, required)
}

func writeJSON(w http.ResponseWriter, v any) {
	enc, err := json.Marshal(v)
	if err != nil {
		return
	}
	_, _ = w.Write(enc)
}
