package x402

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubMechanism struct {
	scheme  string
	created *PaymentPayload
	veto    map[Network]bool
}

func (m *stubMechanism) Scheme() string {
	return m.scheme
}

func (m *stubMechanism) CreatePaymentPayload(ctx context.Context, requirements *PaymentRequirements, resource string, extensions map[string]any) (*PaymentPayload, error) {
	payload := &PaymentPayload{
		X402Version: ProtocolVersion,
		Resource:    &ResourceInfo{URL: resource},
		Accepted:    *requirements,
		Payload:     map[string]any{"signature": "0xstub"},
	}
	m.created = payload
	return payload, nil
}

func (m *stubMechanism) FilterRequirements(ctx context.Context, requirements []PaymentRequirements) []PaymentRequirements {
	if m.veto == nil {
		return requirements
	}
	var kept []PaymentRequirements
	for _, req := range requirements {
		if !m.veto[req.Network] {
			kept = append(kept, req)
		}
	}
	return kept
}

func permitReq(network Network, amount string) PaymentRequirements {
	return PaymentRequirements{
		Scheme:  "exact_permit",
		Network: network,
		Amount:  amount,
		Asset:   "TXYZopYRdj2D9XRtbG411XZZ3kM5VkAeBf",
		PayTo:   "TA4Y62o6YC2Zsck9rZVGTvqW1AQ7X9zTnj",
	}
}

func TestSelectPaymentRequirements(t *testing.T) {
	t.Run("empty accepts", func(t *testing.T) {
		client := NewClient()
		_, _, err := client.SelectPaymentRequirements(context.Background(), nil)
		require.Error(t, err)
	})

	t.Run("no mechanism", func(t *testing.T) {
		client := NewClient()
		client.Register("tron:*", &stubMechanism{scheme: "exact_permit"})
		_, _, err := client.SelectPaymentRequirements(context.Background(), []PaymentRequirements{
			{Scheme: "exact", Network: "eip155:56", Amount: "1", Asset: "a", PayTo: "b"},
		})
		require.Error(t, err)
		var payErr *PaymentError
		require.ErrorAs(t, err, &payErr)
		assert.Equal(t, ErrCodeUnsupportedScheme, payErr.Code)
	})

	t.Run("first supported wins without strategy", func(t *testing.T) {
		client := NewClient()
		client.Register("tron:*", &stubMechanism{scheme: "exact_permit"})
		selected, mech, err := client.SelectPaymentRequirements(context.Background(), []PaymentRequirements{
			permitReq("tron:nile", "5"),
			permitReq("tron:mainnet", "1"),
		})
		require.NoError(t, err)
		require.NotNil(t, mech)
		assert.Equal(t, Network("tron:nile"), selected.Network)
	})

	t.Run("mechanism veto", func(t *testing.T) {
		client := NewClient()
		client.Register("tron:*", &stubMechanism{
			scheme: "exact_permit",
			veto:   map[Network]bool{"tron:nile": true},
		})
		selected, _, err := client.SelectPaymentRequirements(context.Background(), []PaymentRequirements{
			permitReq("tron:nile", "5"),
			permitReq("tron:mainnet", "1"),
		})
		require.NoError(t, err)
		assert.Equal(t, Network("tron:mainnet"), selected.Network)
	})

	t.Run("exact registration outranks wildcard", func(t *testing.T) {
		wildcard := &stubMechanism{scheme: "exact_permit"}
		exact := &stubMechanism{scheme: "exact_permit"}
		client := NewClient()
		client.Register("tron:*", wildcard)
		client.Register("tron:nile", exact)

		_, mech, err := client.SelectPaymentRequirements(context.Background(), []PaymentRequirements{
			permitReq("tron:nile", "5"),
		})
		require.NoError(t, err)
		assert.Same(t, exact, mech)
	})
}

type dropAllPolicy struct{}

func (dropAllPolicy) Apply(ctx context.Context, requirements []PaymentRequirements) []PaymentRequirements {
	return nil
}

func TestSelectionPolicyFallback(t *testing.T) {
	client := NewClient(WithPolicy(dropAllPolicy{}))
	client.Register("tron:*", &stubMechanism{scheme: "exact_permit"})

	selected, _, err := client.SelectPaymentRequirements(context.Background(), []PaymentRequirements{
		permitReq("tron:nile", "5"),
	})
	require.NoError(t, err)
	assert.Equal(t, Network("tron:nile"), selected.Network)
}

func TestCreatePayment(t *testing.T) {
	mech := &stubMechanism{scheme: "exact_permit"}
	client := NewClient()
	client.Register("tron:*", mech)

	t.Run("version check", func(t *testing.T) {
		_, err := client.CreatePayment(context.Background(), &PaymentRequired{X402Version: 1}, "")
		require.Error(t, err)
	})

	t.Run("resource falls back to challenge", func(t *testing.T) {
		required := &PaymentRequired{
			X402Version: ProtocolVersion,
			Resource:    &ResourceInfo{URL: "https://api.example.com/weather"},
			Accepts:     []PaymentRequirements{permitReq("tron:nile", "5")},
		}
		payload, err := client.CreatePayment(context.Background(), required, "")
		require.NoError(t, err)
		assert.Equal(t, "https://api.example.com/weather", payload.Resource.URL)
	})

	t.Run("explicit resource wins", func(t *testing.T) {
		required := &PaymentRequired{
			X402Version: ProtocolVersion,
			Accepts:     []PaymentRequirements{permitReq("tron:nile", "5")},
		}
		payload, err := client.CreatePayment(context.Background(), required, "https://api.example.com/other")
		require.NoError(t, err)
		assert.Equal(t, "https://api.example.com/other", payload.Resource.URL)
	})
}
