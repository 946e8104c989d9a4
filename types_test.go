package x402

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNetworkParse(t *testing.T) {
	tests := []struct {
		name      string
		network   Network
		namespace string
		reference string
		wantErr   bool
	}{
		{name: "tron mainnet", network: "tron:mainnet", namespace: "tron", reference: "mainnet"},
		{name: "eip155 chain", network: "eip155:56", namespace: "eip155", reference: "56"},
		{name: "wildcard", network: "tron:*", namespace: "tron", reference: "*"},
		{name: "missing reference", network: "tron:", wantErr: true},
		{name: "missing namespace", network: ":56", wantErr: true},
		{name: "no separator", network: "mainnet", wantErr: true},
		{name: "empty", network: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ns, ref, err := tt.network.Parse()
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.namespace, ns)
			assert.Equal(t, tt.reference, ref)
		})
	}
}

func TestNetworkMatch(t *testing.T) {
	tests := []struct {
		name    string
		network Network
		pattern Network
		want    bool
	}{
		{name: "exact", network: "tron:nile", pattern: "tron:nile", want: true},
		{name: "family wildcard", network: "tron:nile", pattern: "tron:*", want: true},
		{name: "wildcard matches member", network: "eip155:56", pattern: "eip155:*", want: true},
		{name: "different family", network: "tron:nile", pattern: "eip155:*", want: false},
		{name: "different reference", network: "tron:nile", pattern: "tron:mainnet", want: false},
		{name: "malformed network", network: "nile", pattern: "tron:*", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.network.Match(tt.pattern))
		})
	}
}

func TestDecodePermitContext(t *testing.T) {
	t.Run("absent", func(t *testing.T) {
		ctx, err := DecodePermitContext(nil)
		require.NoError(t, err)
		assert.Nil(t, ctx)

		ctx, err = DecodePermitContext(map[string]any{"other": 1})
		require.NoError(t, err)
		assert.Nil(t, ctx)
	})

	t.Run("present", func(t *testing.T) {
		extensions := map[string]any{
			ExtensionPaymentPermitContext: map[string]any{
				"meta": map[string]any{
					"kind":        1,
					"paymentId":   "0x0102030405060708090a0b0c0d0e0f10",
					"nonce":       "42",
					"validAfter":  100,
					"validBefore": 200,
				},
				"caller": "TFxDcGvS7zfQrS1YzcCMp673ta2NHHzsiH",
			},
		}
		ctx, err := DecodePermitContext(extensions)
		require.NoError(t, err)
		require.NotNil(t, ctx)
		assert.Equal(t, KindPaymentAndDelivery, ctx.Meta.Kind)
		assert.Equal(t, "42", ctx.Meta.Nonce)
		assert.Equal(t, int64(200), ctx.Meta.ValidBefore)
		assert.Equal(t, "TFxDcGvS7zfQrS1YzcCMp673ta2NHHzsiH", ctx.Caller)
	})

	t.Run("malformed", func(t *testing.T) {
		_, err := DecodePermitContext(map[string]any{
			ExtensionPaymentPermitContext: map[string]any{
				"meta": map[string]any{"kind": "not a number"},
			},
		})
		require.Error(t, err)
	})
}

func TestDeepEqual(t *testing.T) {
	base := PaymentRequirements{
		Scheme:  "exact_permit",
		Network: "tron:nile",
		Amount:  "100000",
		Asset:   "TXYZopYRdj2D9XRtbG411XZZ3kM5VkAeBf",
		PayTo:   "TA4Y62o6YC2Zsck9rZVGTvqW1AQ7X9zTnj",
	}

	same := base
	assert.True(t, DeepEqual(base, same))

	tampered := base
	tampered.Amount = "1"
	assert.False(t, DeepEqual(base, tampered))

	withFee := base
	withFee.Extra = &RequirementsExtra{Fee: &FeeInfo{FeeTo: "a", FeeAmount: "10"}}
	assert.False(t, DeepEqual(base, withFee))
}

func TestFeeOrZero(t *testing.T) {
	req := PaymentRequirements{Amount: "5"}
	fee := req.FeeOrZero("T9yD14Nj9j7xAB4dbGeiX9h8unkKHxuWwb")
	assert.Equal(t, "0", fee.FeeAmount)
	assert.Equal(t, "T9yD14Nj9j7xAB4dbGeiX9h8unkKHxuWwb", fee.FeeTo)

	req.Extra = &RequirementsExtra{Fee: &FeeInfo{FeeTo: "TProvider", FeeAmount: "7"}}
	fee = req.FeeOrZero("zero")
	assert.Equal(t, "7", fee.FeeAmount)
	assert.Equal(t, "TProvider", fee.FeeTo)
}
