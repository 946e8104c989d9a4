package x402http

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/bankofai/x402-go"
)

type stubMechanism struct {
	scheme  string
	created int
}

func (m *stubMechanism) Scheme() string { return m.scheme }

func (m *stubMechanism) CreatePaymentPayload(ctx context.Context, requirements *x402.PaymentRequirements, resource string, extensions map[string]any) (*x402.PaymentPayload, error) {
	m.created++
	return &x402.PaymentPayload{
		X402Version: x402.ProtocolVersion,
		Resource:    &x402.ResourceInfo{URL: resource},
		Accepted:    *requirements,
		Payload:     map[string]any{"signature": "0xabc"},
	}, nil
}

func payingClient(mech *stubMechanism) *http.Client {
	client := x402.NewClient().Register("tron:*", mech)
	return NewClient(client)
}

// paywalledServer returns 402 challenges until the request carries a
// payment signature.
func paywalledServer(t *testing.T, requests *[]*http.Request) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clone := r.Clone(r.Context())
		body, _ := io.ReadAll(r.Body)
		*requests = append(*requests, clone)

		if r.Header.Get(HeaderPaymentSignature) == "" {
			required := &x402.PaymentRequired{
				X402Version: x402.ProtocolVersion,
				Accepts:     []x402.PaymentRequirements{acceptNile("100000")},
			}
			encoded, err := EncodeHeader(required)
			require.NoError(t, err)
			w.Header().Set(HeaderPaymentRequired, encoded)
			w.WriteHeader(http.StatusPaymentRequired)
			return
		}
		_, _ = w.Write(append([]byte("paid:"), body...))
	}))
}

func TestRoundTripperPaysChallenge(t *testing.T) {
	var requests []*http.Request
	server := paywalledServer(t, &requests)
	defer server.Close()

	mech := &stubMechanism{scheme: "exact_permit"}
	resp, err := payingClient(mech).Get(server.URL + "/resource")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "paid:", string(body))
	assert.Equal(t, 1, mech.created)

	// First request unpaid, second carries the signed payload.
	require.Len(t, requests, 2)
	assert.Empty(t, requests[0].Header.Get(HeaderPaymentSignature))

	var payload x402.PaymentPayload
	require.NoError(t, DecodeHeader(requests[1].Header.Get(HeaderPaymentSignature), &payload))
	assert.Equal(t, "exact_permit", payload.Accepted.Scheme)
	assert.Equal(t, server.URL+"/resource", payload.Resource.URL)
}

func TestRoundTripperReplaysBody(t *testing.T) {
	var requests []*http.Request
	server := paywalledServer(t, &requests)
	defer server.Close()

	mech := &stubMechanism{scheme: "exact_permit"}
	resp, err := payingClient(mech).Post(server.URL, "text/plain", strings.NewReader("hello"))
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "paid:hello", string(body))
}

func TestRoundTripperPassesThroughNonChallenges(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	defer server.Close()

	mech := &stubMechanism{scheme: "exact_permit"}
	resp, err := payingClient(mech).Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusTeapot, resp.StatusCode)
	assert.Zero(t, mech.created)
}

func TestRoundTripperSurfacesPaymentFailure(t *testing.T) {
	var requests []*http.Request
	server := paywalledServer(t, &requests)
	defer server.Close()

	// No mechanism registered for the offered scheme.
	client := NewClient(x402.NewClient())
	_, err := client.Get(server.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create payment")
}
