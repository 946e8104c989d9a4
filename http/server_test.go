package x402http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/bankofai/x402-go"
)

type stubFacilitatorMechanism struct {
	scheme string
	verify *x402.VerifyResponse
	quote  *x402.FeeQuoteResponse
}

func (m *stubFacilitatorMechanism) Scheme() string { return m.scheme }

func (m *stubFacilitatorMechanism) Verify(ctx context.Context, payload *x402.PaymentPayload, requirements *x402.PaymentRequirements) (*x402.VerifyResponse, error) {
	if m.verify != nil {
		return m.verify, nil
	}
	return &x402.VerifyResponse{IsValid: true, Payer: "TBuyer"}, nil
}

func (m *stubFacilitatorMechanism) Settle(ctx context.Context, payload *x402.PaymentPayload, requirements *x402.PaymentRequirements) (*x402.SettleResponse, error) {
	return &x402.SettleResponse{Success: true, Network: requirements.Network, Transaction: "0xhash", Payer: "TBuyer"}, nil
}

func (m *stubFacilitatorMechanism) FeeQuote(ctx context.Context, requirements *x402.PaymentRequirements) (*x402.FeeQuoteResponse, error) {
	return m.quote, nil
}

func newTestServer(t *testing.T, mech x402.FacilitatorMechanism) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	facilitator, err := x402.NewFacilitator(x402.SupportedFee{FeeTo: "TProvider"})
	require.NoError(t, err)
	facilitator.Register([]x402.Network{"tron:*"}, mech)

	router := gin.New()
	NewFacilitatorServer(facilitator, nil).RegisterRoutes(router)
	return router
}

func postJSON(t *testing.T, router *gin.Engine, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	buf, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(buf))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestServerSupported(t *testing.T) {
	router := newTestServer(t, &stubFacilitatorMechanism{scheme: "exact_permit"})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/supported", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var supported x402.SupportedResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &supported))
	require.Len(t, supported.Kinds, 1)
	assert.Equal(t, "exact_permit", supported.Kinds[0].Scheme)
	assert.Equal(t, x402.Network("tron:*"), supported.Kinds[0].Network)
	assert.Equal(t, "TProvider", supported.Fee.FeeTo)
}

func TestServerVerify(t *testing.T) {
	router := newTestServer(t, &stubFacilitatorMechanism{scheme: "exact_permit"})
	req := acceptNile("100000")

	t.Run("valid", func(t *testing.T) {
		rec := postJSON(t, router, "/verify", &VerifyRequest{
			X402Version: x402.ProtocolVersion,
			PaymentPayload: &x402.PaymentPayload{
				X402Version: x402.ProtocolVersion,
				Accepted:    req,
				Payload:     map[string]any{"signature": "0xabc"},
			},
			PaymentRequirements: &req,
		})
		require.Equal(t, http.StatusOK, rec.Code)

		var verify x402.VerifyResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &verify))
		assert.True(t, verify.IsValid)
	})

	t.Run("missing fields", func(t *testing.T) {
		rec := postJSON(t, router, "/verify", &VerifyRequest{X402Version: x402.ProtocolVersion})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("invalid body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/verify", bytes.NewReader([]byte("{nope")))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestServerSettle(t *testing.T) {
	router := newTestServer(t, &stubFacilitatorMechanism{scheme: "exact_permit"})
	req := acceptNile("100000")

	rec := postJSON(t, router, "/settle", &VerifyRequest{
		X402Version: x402.ProtocolVersion,
		PaymentPayload: &x402.PaymentPayload{
			X402Version: x402.ProtocolVersion,
			Accepted:    req,
			Payload:     map[string]any{"signature": "0xabc"},
		},
		PaymentRequirements: &req,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var settle x402.SettleResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &settle))
	assert.True(t, settle.Success)
	assert.Equal(t, "0xhash", settle.Transaction)
}

func TestServerFeeQuote(t *testing.T) {
	mech := &stubFacilitatorMechanism{
		scheme: "exact_permit",
		quote: &x402.FeeQuoteResponse{
			Fee:     x402.FeeInfo{FeeTo: "TProvider", FeeAmount: "200000"},
			Network: x402.TronNile,
			Scheme:  "exact_permit",
		},
	}
	router := newTestServer(t, mech)

	rec := postJSON(t, router, "/fee/quote", &FeeQuoteRequest{
		X402Version: x402.ProtocolVersion,
		Accepts:     []x402.PaymentRequirements{acceptNile("100000")},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var quotes FeeQuotesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &quotes))
	require.Len(t, quotes.Quotes, 1)
	assert.Equal(t, "200000", quotes.Quotes[0].Fee.FeeAmount)
}

// The REST client and server speak the same wire format end to end.
func TestServerClientRoundTrip(t *testing.T) {
	router := newTestServer(t, &stubFacilitatorMechanism{scheme: "exact_permit"})
	server := httptest.NewServer(router)
	defer server.Close()

	client := NewFacilitatorClient(server.URL)
	req := acceptNile("100000")

	verify, err := client.Verify(context.Background(), &x402.PaymentPayload{
		X402Version: x402.ProtocolVersion,
		Accepted:    req,
		Payload:     map[string]any{"signature": "0xabc"},
	}, &req)
	require.NoError(t, err)
	assert.True(t, verify.IsValid)

	supported, err := client.Supported(context.Background())
	require.NoError(t, err)
	require.Len(t, supported.Kinds, 1)
}
