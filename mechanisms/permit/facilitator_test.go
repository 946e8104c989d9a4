package permit

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/bankofai/x402-go"
	"github.com/bankofai/x402-go/address"
	"github.com/bankofai/x402-go/tokens"
)

type mockFacilitatorSigner struct {
	addr         string
	verifyResult bool
	nonceUsed    bool
	readErr      error
	writeTx      string
	writeErr     error
	receipt      *x402.TransactionReceipt
	writeCalls   int
}

func (m *mockFacilitatorSigner) Address() string { return m.addr }

func (m *mockFacilitatorSigner) VerifyTypedData(ctx context.Context, td apitypes.TypedData, sig []byte, expected string) (bool, error) {
	return m.verifyResult, nil
}

func (m *mockFacilitatorSigner) ReadContract(ctx context.Context, network x402.Network, contract, abiJSON, method string, args ...any) ([]any, error) {
	if m.readErr != nil {
		return nil, m.readErr
	}
	return []any{m.nonceUsed}, nil
}

func (m *mockFacilitatorSigner) WriteContract(ctx context.Context, network x402.Network, contract, abiJSON, method string, args ...any) (string, error) {
	m.writeCalls++
	if m.writeErr != nil {
		return "", m.writeErr
	}
	return m.writeTx, nil
}

func (m *mockFacilitatorSigner) WaitForTransactionReceipt(ctx context.Context, network x402.Network, txHash string, timeout time.Duration) (*x402.TransactionReceipt, error) {
	if m.receipt != nil {
		return m.receipt, nil
	}
	return &x402.TransactionReceipt{TxHash: txHash, Status: x402.TxStatusSuccess}, nil
}

func (m *mockFacilitatorSigner) GetBalance(ctx context.Context, network x402.Network, token, owner string) (*big.Int, error) {
	return big.NewInt(0), nil
}

func validPermit(now int64) *x402.PaymentPermit {
	return &x402.PaymentPermit{
		Meta: x402.PermitMeta{
			Kind:        x402.KindPaymentOnly,
			PaymentID:   "0x0102030405060708090a0b0c0d0e0f10",
			Nonce:       "12345",
			ValidAfter:  now - 60,
			ValidBefore: now + 600,
		},
		Buyer:  buyerAddr,
		Caller: feeToAddr,
		Payment: x402.PermitPayment{
			PayToken:  nileUSDT,
			PayAmount: "100000",
			PayTo:     merchant,
		},
		Fee: x402.PermitFee{
			FeeTo:     feeToAddr,
			FeeAmount: "200000",
		},
	}
}

func permitPayload(permit *x402.PaymentPermit, req *x402.PaymentRequirements) *x402.PaymentPayload {
	data := &PayloadData{
		Signature:     "0x" + "ab" + "00" + "11",
		PaymentPermit: permit,
	}
	return &x402.PaymentPayload{
		X402Version: x402.ProtocolVersion,
		Accepted:    *req,
		Payload:     data.ToMap(),
	}
}

func newTestFacilitator(signer *mockFacilitatorSigner) *Facilitator {
	return NewFacilitator(signer, address.NewTronCodec(nil), x402.DefaultNetworkConfig(), tokens.DefaultRegistry(),
		WithFeeTo(feeToAddr),
		WithBaseFee(map[string]int64{"USDT": 200000}),
	)
}

func TestFacilitatorVerifyValid(t *testing.T) {
	signer := &mockFacilitatorSigner{addr: feeToAddr, verifyResult: true}
	f := newTestFacilitator(signer)
	now := time.Now().Unix()

	verify, err := f.Verify(context.Background(), permitPayload(validPermit(now), nileRequirements("100000")), nileRequirements("100000"))
	require.NoError(t, err)
	assert.True(t, verify.IsValid)
	assert.Equal(t, buyerAddr, verify.Payer)
}

func TestFacilitatorVerifyRejects(t *testing.T) {
	now := time.Now().Unix()

	tests := []struct {
		name   string
		mutate func(permit *x402.PaymentPermit)
		reason string
	}{
		{
			name:   "underpaying permit",
			mutate: func(p *x402.PaymentPermit) { p.Payment.PayAmount = "99999" },
			reason: "amount_mismatch",
		},
		{
			name:   "wrong recipient",
			mutate: func(p *x402.PaymentPermit) { p.Payment.PayTo = buyerAddr },
			reason: "payto_mismatch",
		},
		{
			name:   "wrong token",
			mutate: func(p *x402.PaymentPermit) { p.Payment.PayToken = "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t" },
			reason: "token_mismatch",
		},
		{
			name:   "fee to someone else",
			mutate: func(p *x402.PaymentPermit) { p.Fee.FeeTo = merchant },
			reason: "fee_to_mismatch",
		},
		{
			name:   "fee below floor",
			mutate: func(p *x402.PaymentPermit) { p.Fee.FeeAmount = "199999" },
			reason: "fee_amount_mismatch",
		},
		{
			name:   "expired",
			mutate: func(p *x402.PaymentPermit) { p.Meta.ValidBefore = now - 120 },
			reason: x402.ErrCodeExpired,
		},
		{
			name:   "not yet valid",
			mutate: func(p *x402.PaymentPermit) { p.Meta.ValidAfter = now + 600 },
			reason: x402.ErrCodeNotYetValid,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			signer := &mockFacilitatorSigner{addr: feeToAddr, verifyResult: true}
			f := newTestFacilitator(signer)

			permit := validPermit(now)
			tt.mutate(permit)
			req := nileRequirements("100000")

			verify, err := f.Verify(context.Background(), permitPayload(permit, req), req)
			require.NoError(t, err)
			assert.False(t, verify.IsValid)
			assert.Equal(t, tt.reason, verify.InvalidReason)
		})
	}
}

func TestFacilitatorVerifyTokenWhitelist(t *testing.T) {
	signer := &mockFacilitatorSigner{addr: feeToAddr, verifyResult: true}
	f := NewFacilitator(signer, address.NewTronCodec(nil), x402.DefaultNetworkConfig(), tokens.DefaultRegistry(),
		WithFeeTo(feeToAddr),
		WithBaseFee(map[string]int64{"USDT": 200000}),
		WithAllowedTokens([]string{"TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t"}), // mainnet USDT only
	)
	now := time.Now().Unix()
	req := nileRequirements("100000")

	verify, err := f.Verify(context.Background(), permitPayload(validPermit(now), req), req)
	require.NoError(t, err)
	assert.False(t, verify.IsValid)
	assert.Equal(t, "token_not_allowed", verify.InvalidReason)
}

func TestFacilitatorVerifyNonceUsed(t *testing.T) {
	signer := &mockFacilitatorSigner{addr: feeToAddr, verifyResult: true, nonceUsed: true}
	f := newTestFacilitator(signer)
	now := time.Now().Unix()
	req := nileRequirements("100000")

	verify, err := f.Verify(context.Background(), permitPayload(validPermit(now), req), req)
	require.NoError(t, err)
	assert.False(t, verify.IsValid)
	assert.Equal(t, x402.ErrCodeNonceUsed, verify.InvalidReason)
}

func TestFacilitatorVerifyBadSignature(t *testing.T) {
	signer := &mockFacilitatorSigner{addr: feeToAddr, verifyResult: false}
	f := newTestFacilitator(signer)
	now := time.Now().Unix()
	req := nileRequirements("100000")

	verify, err := f.Verify(context.Background(), permitPayload(validPermit(now), req), req)
	require.NoError(t, err)
	assert.False(t, verify.IsValid)
	assert.Equal(t, x402.ErrCodeInvalidSignature, verify.InvalidReason)
}

func TestFacilitatorSettle(t *testing.T) {
	now := time.Now().Unix()
	req := nileRequirements("100000")

	t.Run("success", func(t *testing.T) {
		signer := &mockFacilitatorSigner{addr: feeToAddr, verifyResult: true, writeTx: "0xtxhash"}
		f := newTestFacilitator(signer)

		settle, err := f.Settle(context.Background(), permitPayload(validPermit(now), req), req)
		require.NoError(t, err)
		assert.True(t, settle.Success)
		assert.Equal(t, "0xtxhash", settle.Transaction)
		assert.Equal(t, buyerAddr, settle.Payer)
	})

	t.Run("invalid permit never broadcasts", func(t *testing.T) {
		signer := &mockFacilitatorSigner{addr: feeToAddr, verifyResult: true, writeTx: "0xtxhash"}
		f := newTestFacilitator(signer)

		permit := validPermit(now)
		permit.Payment.PayAmount = "1"
		settle, err := f.Settle(context.Background(), permitPayload(permit, req), req)
		require.NoError(t, err)
		assert.False(t, settle.Success)
		assert.Zero(t, signer.writeCalls)
	})

	t.Run("broadcast failure", func(t *testing.T) {
		signer := &mockFacilitatorSigner{addr: feeToAddr, verifyResult: true, writeErr: errors.New("nonce too low")}
		f := newTestFacilitator(signer)

		settle, err := f.Settle(context.Background(), permitPayload(validPermit(now), req), req)
		require.NoError(t, err)
		assert.False(t, settle.Success)
		assert.Equal(t, "transaction_failed", settle.ErrorReason)
	})

	t.Run("reverted on chain", func(t *testing.T) {
		signer := &mockFacilitatorSigner{
			addr:         feeToAddr,
			verifyResult: true,
			writeTx:      "0xtxhash",
			receipt:      &x402.TransactionReceipt{TxHash: "0xtxhash", Status: x402.TxStatusFailed},
		}
		f := newTestFacilitator(signer)

		settle, err := f.Settle(context.Background(), permitPayload(validPermit(now), req), req)
		require.NoError(t, err)
		assert.False(t, settle.Success)
		assert.Equal(t, "transaction_failed_on_chain", settle.ErrorReason)
	})
}

func TestFacilitatorFeeQuote(t *testing.T) {
	signer := &mockFacilitatorSigner{addr: feeToAddr}
	f := newTestFacilitator(signer)

	t.Run("known token", func(t *testing.T) {
		quote, err := f.FeeQuote(context.Background(), nileRequirements("100000"))
		require.NoError(t, err)
		require.NotNil(t, quote)
		assert.Equal(t, "200000", quote.Fee.FeeAmount)
		assert.Equal(t, feeToAddr, quote.Fee.FeeTo)
	})

	t.Run("unknown token skips", func(t *testing.T) {
		req := nileRequirements("100000")
		req.Asset = "TUnknownToken11111111111111111111"
		quote, err := f.FeeQuote(context.Background(), req)
		require.NoError(t, err)
		assert.Nil(t, quote)
	})
}
