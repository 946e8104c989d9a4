package x402

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubFacilitatorMechanism struct {
	scheme      string
	settleCalls atomic.Int64
	verify      *VerifyResponse
	settle      *SettleResponse
	settleErr   error
	quote       *FeeQuoteResponse
}

func (m *stubFacilitatorMechanism) Scheme() string {
	return m.scheme
}

func (m *stubFacilitatorMechanism) Verify(ctx context.Context, payload *PaymentPayload, requirements *PaymentRequirements) (*VerifyResponse, error) {
	if m.verify != nil {
		return m.verify, nil
	}
	return &VerifyResponse{IsValid: true, Payer: "TBuyer"}, nil
}

func (m *stubFacilitatorMechanism) Settle(ctx context.Context, payload *PaymentPayload, requirements *PaymentRequirements) (*SettleResponse, error) {
	m.settleCalls.Add(1)
	if m.settleErr != nil {
		return nil, m.settleErr
	}
	if m.settle != nil {
		return m.settle, nil
	}
	return &SettleResponse{Success: true, Network: requirements.Network, Transaction: "txhash"}, nil
}

func (m *stubFacilitatorMechanism) FeeQuote(ctx context.Context, requirements *PaymentRequirements) (*FeeQuoteResponse, error) {
	return m.quote, nil
}

func validPayload(req PaymentRequirements) *PaymentPayload {
	return &PaymentPayload{
		X402Version: ProtocolVersion,
		Accepted:    req,
		Payload:     map[string]any{"signature": "0xabc"},
	}
}

func TestFacilitatorRequiresFeeTo(t *testing.T) {
	_, err := NewFacilitator(SupportedFee{})
	require.Error(t, err)

	f, err := NewFacilitator(SupportedFee{FeeTo: "TProvider"})
	require.NoError(t, err)
	assert.Equal(t, FeePricingPerAccept, f.Supported().Fee.Pricing)
}

func TestFacilitatorVerify(t *testing.T) {
	mech := &stubFacilitatorMechanism{scheme: "exact_permit"}
	f, err := NewFacilitator(SupportedFee{FeeTo: "TProvider"})
	require.NoError(t, err)
	f.Register([]Network{"tron:*"}, mech)

	req := permitReq("tron:nile", "100000")

	t.Run("valid", func(t *testing.T) {
		verify, err := f.Verify(context.Background(), validPayload(req), &req)
		require.NoError(t, err)
		assert.True(t, verify.IsValid)
		assert.Equal(t, "TBuyer", verify.Payer)
	})

	t.Run("tampered requirements", func(t *testing.T) {
		payload := validPayload(req)
		payload.Accepted.Amount = "1"
		verify, err := f.Verify(context.Background(), payload, &req)
		require.NoError(t, err)
		assert.False(t, verify.IsValid)
		assert.Equal(t, ErrCodeRequirementsTampered, verify.InvalidReason)
	})

	t.Run("unsupported pair", func(t *testing.T) {
		other := permitReq("eip155:56", "100000")
		other.Asset = "0x55d398326f99059fF775485246999027B3197955"
		other.PayTo = "0x0000000000000000000000000000000000000001"
		verify, err := f.Verify(context.Background(), validPayload(other), &other)
		require.NoError(t, err)
		assert.False(t, verify.IsValid)
		assert.Equal(t, ErrCodeUnsupportedNetworkScheme, verify.InvalidReason)
	})
}

func TestFacilitatorSettleIdempotent(t *testing.T) {
	mech := &stubFacilitatorMechanism{scheme: "exact_permit"}
	f, err := NewFacilitator(SupportedFee{FeeTo: "TProvider"})
	require.NoError(t, err)
	f.Register([]Network{"tron:*"}, mech)

	req := permitReq("tron:nile", "100000")
	payload := validPayload(req)

	first, err := f.Settle(context.Background(), payload, &req)
	require.NoError(t, err)
	assert.True(t, first.Success)

	second, err := f.Settle(context.Background(), payload, &req)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int64(1), mech.settleCalls.Load())
}

func TestFacilitatorSettleConcurrentDuplicates(t *testing.T) {
	mech := &stubFacilitatorMechanism{scheme: "exact_permit"}
	f, err := NewFacilitator(SupportedFee{FeeTo: "TProvider"})
	require.NoError(t, err)
	f.Register([]Network{"tron:*"}, mech)

	req := permitReq("tron:nile", "100000")
	payload := validPayload(req)

	var wg sync.WaitGroup
	results := make([]*SettleResponse, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := f.Settle(context.Background(), payload, &req)
			require.NoError(t, err)
			results[i] = result
		}(i)
	}
	wg.Wait()

	for _, result := range results {
		assert.True(t, result.Success)
	}
	assert.Equal(t, int64(1), mech.settleCalls.Load())
}

func TestFacilitatorFeeQuoteSkipsUnsupported(t *testing.T) {
	quoted := &stubFacilitatorMechanism{
		scheme: "exact_permit",
		quote: &FeeQuoteResponse{
			Fee:     FeeInfo{FeeTo: "TProvider", FeeAmount: "200000"},
			Pricing: FeePricingFlat,
		},
	}
	unquoted := &stubFacilitatorMechanism{scheme: "gasfree_exact"} // nil quote

	f, err := NewFacilitator(SupportedFee{FeeTo: "TProvider"})
	require.NoError(t, err)
	f.Register([]Network{"tron:*"}, quoted)
	f.Register([]Network{"tron:*"}, unquoted)

	gasfreeReq := permitReq("tron:nile", "100000")
	gasfreeReq.Scheme = "gasfree_exact"
	unsupportedReq := permitReq("eip155:56", "100000")

	quotes, err := f.FeeQuote(context.Background(), []PaymentRequirements{
		permitReq("tron:nile", "100000"), // quoted
		gasfreeReq,                       // supported pair, nil quote
		unsupportedReq,                   // no mechanism
	})
	require.NoError(t, err)
	require.Len(t, quotes, 1)
	assert.Equal(t, "200000", quotes[0].Fee.FeeAmount)
}

func TestSettlementCache(t *testing.T) {
	cache := NewSettlementCache(DefaultSettlementTTL)
	payload := validPayload(permitReq("tron:nile", "100000"))
	key, err := SettlementKey(payload)
	require.NoError(t, err)

	status, _, done := cache.CheckAndMark(key)
	require.Equal(t, StatusNotFound, status)

	// A concurrent settle for the same key sees it in flight.
	status2, _, wait := cache.CheckAndMark(key)
	require.Equal(t, StatusInFlight, status2)

	response := &SettleResponse{Success: true, Transaction: "tx"}
	cache.Complete(key, response, done)

	result, err := cache.WaitForResult(context.Background(), key, wait)
	require.NoError(t, err)
	assert.Equal(t, response, result)

	status3, cached, _ := cache.CheckAndMark(key)
	assert.Equal(t, StatusCached, status3)
	assert.Equal(t, response, cached)
}

func TestSettlementCacheFailAllowsRetry(t *testing.T) {
	cache := NewSettlementCache(DefaultSettlementTTL)

	status, _, done := cache.CheckAndMark("key")
	require.Equal(t, StatusNotFound, status)
	cache.Fail("key", done)

	// The failed attempt left nothing behind; the retry settles fresh.
	status, _, _ = cache.CheckAndMark("key")
	assert.Equal(t, StatusNotFound, status)
}
