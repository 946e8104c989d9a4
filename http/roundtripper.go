package x402http

import (
	"fmt"
	"net/http"

	"go.uber.org/zap"

	x402 "github.com/bankofai/x402-go"
)

// PaymentRoundTripper is an http.RoundTripper that pays 402 challenges.
// A request that comes back 402 is retried exactly once with a signed
// PAYMENT-SIGNATURE header; a second 402 is returned to the caller as is.
type PaymentRoundTripper struct {
	base   http.RoundTripper
	client *x402.X402Client
	logger *zap.Logger
}

// RoundTripperOption configures a PaymentRoundTripper.
type RoundTripperOption func(*PaymentRoundTripper)

// WithTransport sets the underlying transport. Defaults to
// http.DefaultTransport.
func WithTransport(base http.RoundTripper) RoundTripperOption {
	return func(rt *PaymentRoundTripper) {
		rt.base = base
	}
}

// WithRoundTripperLogger sets the logger.
func WithRoundTripperLogger(logger *zap.Logger) RoundTripperOption {
	return func(rt *PaymentRoundTripper) {
		rt.logger = logger
	}
}

// NewPaymentRoundTripper wraps a transport with payment handling.
func NewPaymentRoundTripper(client *x402.X402Client, opts ...RoundTripperOption) *PaymentRoundTripper {
	rt := &PaymentRoundTripper{
		base:   http.DefaultTransport,
		client: client,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(rt)
	}
	return rt
}

// RoundTrip implements http.RoundTripper.
func (rt *PaymentRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := rt.base.RoundTrip(req)
	if err != nil || resp.StatusCode != http.StatusPaymentRequired {
		return resp, err
	}

	required, err := DecodePaymentRequired(resp)
	resp.Body.Close()
	if err != nil {
		return nil, err
	}

	payload, err := rt.client.CreatePayment(req.Context(), required, req.URL.String())
	if err != nil {
		return nil, fmt.Errorf("create payment for %s: %w", req.URL, err)
	}
	header, err := EncodeHeader(payload)
	if err != nil {
		return nil, err
	}

	retry, err := cloneRequest(req)
	if err != nil {
		return nil, err
	}
	retry.Header.Set(HeaderPaymentSignature, header)

	rt.logger.Info("retrying request with payment",
		zap.String("url", req.URL.String()),
		zap.String("scheme", payload.Accepted.Scheme),
		zap.String("network", string(payload.Accepted.Network)))

	return rt.base.RoundTrip(retry)
}

// cloneRequest duplicates a request for the paid retry. Requests with a
// body must set GetBody (http.NewRequest does for common body types).
func cloneRequest(req *http.Request) (*http.Request, error) {
	retry := req.Clone(req.Context())
	if req.Body == nil || req.Body == http.NoBody {
		return retry, nil
	}
	if req.GetBody == nil {
		return nil, fmt.Errorf("cannot retry request with unreplayable body")
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, fmt.Errorf("replay request body: %w", err)
	}
	retry.Body = body
	return retry, nil
}

// NewClient returns an http.Client that transparently pays 402 challenges
// with the given payment client.
func NewClient(client *x402.X402Client, opts ...RoundTripperOption) *http.Client {
	return &http.Client{Transport: NewPaymentRoundTripper(client, opts...)}
}
