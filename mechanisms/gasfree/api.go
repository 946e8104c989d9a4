package gasfree

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	x402 "github.com/bankofai/x402-go"
)

// APIError is a GasFree API business error (HTTP 200, code != 200).
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gasfree api error %d: %s", e.Code, e.Message)
}

// AddressInfo is the account record behind GET /api/v1/address/{addr}.
type AddressInfo struct {
	GasFreeAddress string      `json:"gasFreeAddress"`
	Active         bool        `json:"active"`
	Nonce          int64       `json:"nonce"`
	Assets         []AssetInfo `json:"assets"`
}

// AssetInfo is one token entry of an account's GasFree balance.
type AssetInfo struct {
	TokenAddress string      `json:"tokenAddress"`
	TokenSymbol  string      `json:"tokenSymbol,omitempty"`
	Balance      json.Number `json:"balance"`
	TransferFee  json.Number `json:"transferFee"`
}

// Provider is one GasFree service provider.
type Provider struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

// SubmitRequest is the body of POST /api/v1/gasfree/submit. Addresses are
// TRON Base58Check; the signature covers their 0x-hex forms.
type SubmitRequest struct {
	Token           string `json:"token"`
	ServiceProvider string `json:"serviceProvider"`
	User            string `json:"user"`
	Receiver        string `json:"receiver"`
	Value           string `json:"value"`
	MaxFee          string `json:"maxFee"`
	Deadline        int64  `json:"deadline"`
	Version         int64  `json:"version"`
	Nonce           int64  `json:"nonce"`
	Sig             string `json:"sig"`
	RequestID       string `json:"requestId"`
}

// TransferStatus is the state of a submitted GasFree transfer.
type TransferStatus struct {
	ID       string `json:"id"`
	State    string `json:"state"`
	TxnState string `json:"txnState"`
	TxnHash  string `json:"txnHash,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// API is the GasFree relay surface the mechanisms depend on. Tests swap in
// fakes; APIClient is the production implementation.
type API interface {
	GetAddressInfo(ctx context.Context, addr string) (*AddressInfo, error)
	GetProviders(ctx context.Context) ([]Provider, error)
	Submit(ctx context.Context, req *SubmitRequest) (string, error)
	GetStatus(ctx context.Context, traceID string) (*TransferStatus, error)
	WaitForSuccess(ctx context.Context, traceID string) (*TransferStatus, error)
}

// APIClient talks to the official GasFree HTTP API with HMAC-SHA256
// authentication.
type APIClient struct {
	baseURL    string
	pathPrefix string
	apiKey     string
	apiSecret  string
	httpClient *http.Client
	logger     *zap.Logger
	clock      Clock

	pollTimeout  time.Duration
	pollInterval time.Duration
}

// APIOption configures an APIClient.
type APIOption func(*APIClient)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) APIOption {
	return func(c *APIClient) {
		c.httpClient = hc
	}
}

// WithAPILogger sets the logger.
func WithAPILogger(logger *zap.Logger) APIOption {
	return func(c *APIClient) {
		c.logger = logger
	}
}

// WithClock injects the clock used by WaitForSuccess.
func WithClock(clock Clock) APIOption {
	return func(c *APIClient) {
		c.clock = clock
	}
}

// WithPolling overrides the WaitForSuccess timeout and interval.
func WithPolling(timeout, interval time.Duration) APIOption {
	return func(c *APIClient) {
		c.pollTimeout = timeout
		c.pollInterval = interval
	}
}

// NewAPIClient creates a GasFree API client. Key and secret may be empty
// for unauthenticated endpoints.
func NewAPIClient(baseURL, apiKey, apiSecret string, opts ...APIOption) *APIClient {
	baseURL = strings.TrimRight(baseURL, "/")
	c := &APIClient{
		baseURL:      baseURL,
		pathPrefix:   pathPrefixOf(baseURL),
		apiKey:       apiKey,
		apiSecret:    apiSecret,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		logger:       zap.NewNop(),
		clock:        RealClock{},
		pollTimeout:  DefaultPollTimeout,
		pollInterval: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// pathPrefixOf extracts the path component of the base URL. The API signs
// the full path: with base https://open-test.gasfree.io/nile, a request to
// /api/v1/... signs /nile/api/v1/...
func pathPrefixOf(baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil {
		return ""
	}
	return strings.TrimRight(u.Path, "/")
}

// sign computes the base64 HMAC-SHA256 of METHOD + path + timestamp.
func (c *APIClient) sign(method, fullPath string, timestamp int64) string {
	if c.apiSecret == "" {
		return ""
	}
	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(strings.ToUpper(method) + fullPath + strconv.FormatInt(timestamp, 10)))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func (c *APIClient) headers(method, path string) http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	if c.apiKey == "" || c.apiSecret == "" {
		return h
	}
	fullPath := path
	if c.pathPrefix != "" && !strings.HasPrefix(fullPath, c.pathPrefix) {
		fullPath = c.pathPrefix + path
	}
	timestamp := c.clock.Now().Unix()
	h.Set("Timestamp", strconv.FormatInt(timestamp, 10))
	h.Set("Authorization", fmt.Sprintf("ApiKey %s:%s", c.apiKey, c.sign(method, fullPath, timestamp)))
	return h
}

type envelope struct {
	Code    int             `json:"code"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Reason  string          `json:"reason"`
}

func (c *APIClient) do(ctx context.Context, method, path string, body any, out any) error {
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
	req.Header = c.headers(method, path)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gasfree api request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		c.logger.Error("gasfree api http error",
			zap.Int("status", resp.StatusCode),
			zap.String("path", path))
		return fmt.Errorf("gasfree api http %d", resp.StatusCode)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("gasfree api returned invalid JSON: %w", err)
	}
	if env.Code != 200 {
		message := env.Message
		if message == "" {
			message = env.Reason
		}
		return &APIError{Code: env.Code, Message: message}
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("gasfree api data decode: %w", err)
		}
	}
	return nil
}

// GetAddressInfo returns activation state, GasFree balance and the next
// nonce for a user address.
func (c *APIClient) GetAddressInfo(ctx context.Context, addr string) (*AddressInfo, error) {
	var info AddressInfo
	if err := c.do(ctx, http.MethodGet, "/api/v1/address/"+addr, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// GetProviders lists the configured service providers.
func (c *APIClient) GetProviders(ctx context.Context) ([]Provider, error) {
	var data struct {
		Providers []Provider `json:"providers"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/config/provider/all", nil, &data); err != nil {
		return nil, err
	}
	return data.Providers, nil
}

// Submit relays a signed transfer and returns its trace id.
func (c *APIClient) Submit(ctx context.Context, req *SubmitRequest) (string, error) {
	body := *req
	body.Sig = strings.TrimPrefix(strings.TrimPrefix(body.Sig, "0x"), "0X")
	if body.RequestID == "" {
		suffix := body.Sig
		if len(suffix) > 8 {
			suffix = suffix[:8]
		}
		body.RequestID = fmt.Sprintf("x402-%d-%s", c.clock.Now().Unix(), suffix)
	}

	var data struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/gasfree/submit", &body, &data); err != nil {
		return "", err
	}
	return data.ID, nil
}

// GetStatus returns the current state of a submitted transfer.
func (c *APIClient) GetStatus(ctx context.Context, traceID string) (*TransferStatus, error) {
	var status TransferStatus
	if err := c.do(ctx, http.MethodGet, "/api/v1/gasfree/"+traceID, nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// WaitForSuccess polls a transfer until it settles, fails, or the timeout
// elapses. A transfer still CONFIRMING with its transaction ON_CHAIN at the
// deadline counts as success: the chain has it, solidification is a matter
// of time.
func (c *APIClient) WaitForSuccess(ctx context.Context, traceID string) (*TransferStatus, error) {
	deadline := c.clock.Now().Add(c.pollTimeout)
	var last *TransferStatus

	for c.clock.Now().Before(deadline) {
		status, err := c.GetStatus(ctx, traceID)
		if err != nil {
			return nil, err
		}
		last = status
		c.logger.Info("gasfree transfer state",
			zap.String("traceId", traceID),
			zap.String("state", status.State),
			zap.String("txnState", status.TxnState))

		switch Next(status.State, status.TxnState) {
		case ActionSuccess:
			return status, nil
		case ActionFail:
			return nil, &x402.SettlementError{TraceID: traceID, Reason: status.Reason}
		}

		if err := c.clock.Sleep(ctx, c.pollInterval); err != nil {
			return nil, err
		}
	}

	return ResolveTimeout(traceID, last, c.pollTimeout)
}
