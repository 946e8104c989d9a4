package x402http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	x402 "github.com/bankofai/x402-go"
)

// DefaultFacilitatorTimeout bounds one facilitator request.
const DefaultFacilitatorTimeout = 30 * time.Second

// VerifyRequest is the body of POST /verify and POST /settle.
type VerifyRequest struct {
	X402Version         int                       `json:"x402Version"`
	PaymentPayload      *x402.PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements *x402.PaymentRequirements `json:"paymentRequirements"`
}

// FeeQuoteRequest is the body of POST /fee/quote.
type FeeQuoteRequest struct {
	X402Version int                        `json:"x402Version"`
	Accepts     []x402.PaymentRequirements `json:"accepts"`
}

// FeeQuotesResponse is the body of a fee quote response.
type FeeQuotesResponse struct {
	Quotes []x402.FeeQuoteResponse `json:"quotes"`
}

// AuthProvider supplies per-request headers for facilitators that require
// authentication.
type AuthProvider func(ctx context.Context, method, path string) (http.Header, error)

// FacilitatorClient talks to a remote facilitator over its REST surface.
type FacilitatorClient struct {
	baseURL    string
	httpClient *http.Client
	auth       AuthProvider
	logger     *zap.Logger
}

// FacilitatorClientOption configures a FacilitatorClient.
type FacilitatorClientOption func(*FacilitatorClient)

// WithFacilitatorHTTPClient overrides the HTTP client.
func WithFacilitatorHTTPClient(hc *http.Client) FacilitatorClientOption {
	return func(c *FacilitatorClient) {
		c.httpClient = hc
	}
}

// WithAuthProvider attaches authentication headers to every request.
func WithAuthProvider(auth AuthProvider) FacilitatorClientOption {
	return func(c *FacilitatorClient) {
		c.auth = auth
	}
}

// WithFacilitatorClientLogger sets the logger.
func WithFacilitatorClientLogger(logger *zap.Logger) FacilitatorClientOption {
	return func(c *FacilitatorClient) {
		c.logger = logger
	}
}

// NewFacilitatorClient creates a client for the facilitator at baseURL.
func NewFacilitatorClient(baseURL string, opts ...FacilitatorClientOption) *FacilitatorClient {
	c := &FacilitatorClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultFacilitatorTimeout},
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Verify asks the facilitator to verify a payment against requirements.
func (c *FacilitatorClient) Verify(ctx context.Context, payload *x402.PaymentPayload, requirements *x402.PaymentRequirements) (*x402.VerifyResponse, error) {
	req := &VerifyRequest{
		X402Version:         x402.ProtocolVersion,
		PaymentPayload:      payload,
		PaymentRequirements: requirements,
	}
	var out x402.VerifyResponse
	if err := c.post(ctx, "/verify", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Settle asks the facilitator to execute a verified payment.
func (c *FacilitatorClient) Settle(ctx context.Context, payload *x402.PaymentPayload, requirements *x402.PaymentRequirements) (*x402.SettleResponse, error) {
	req := &VerifyRequest{
		X402Version:         x402.ProtocolVersion,
		PaymentPayload:      payload,
		PaymentRequirements: requirements,
	}
	var out x402.SettleResponse
	if err := c.post(ctx, "/settle", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FeeQuote fetches the facilitator's fee for each candidate requirement.
func (c *FacilitatorClient) FeeQuote(ctx context.Context, accepts []x402.PaymentRequirements) ([]x402.FeeQuoteResponse, error) {
	req := &FeeQuoteRequest{
		X402Version: x402.ProtocolVersion,
		Accepts:     accepts,
	}
	var out FeeQuotesResponse
	if err := c.post(ctx, "/fee/quote", req, &out); err != nil {
		return nil, err
	}
	return out.Quotes, nil
}

// Supported lists the facilitator's supported (scheme, network) pairs.
func (c *FacilitatorClient) Supported(ctx context.Context) (*x402.SupportedResponse, error) {
	var out x402.SupportedResponse
	if err := c.do(ctx, http.MethodGet, "/supported", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *FacilitatorClient) post(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

func (c *FacilitatorClient) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.auth != nil {
		headers, err := c.auth(ctx, method, path)
		if err != nil {
			return fmt.Errorf("facilitator auth: %w", err)
		}
		for key, values := range headers {
			for _, value := range values {
				req.Header.Add(key, value)
			}
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("facilitator request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		c.logger.Error("facilitator request failed",
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", raw))
		return fmt.Errorf("facilitator %s returned %d: %s", path, resp.StatusCode, string(raw))
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("facilitator response decode: %w", err)
		}
	}
	return nil
}
