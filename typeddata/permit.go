package typeddata

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	x402 "github.com/bankofai/x402-go"
	"github.com/bankofai/x402-go/address"
)

// PaymentPermitPrimaryType matches the contract's
// PAYMENT_PERMIT_DETAILS_TYPEHASH.
const PaymentPermitPrimaryType = "PaymentPermitDetails"

// PaymentPermitDomainName is the EIP-712 domain name of the PaymentPermit
// contract. The domain carries no version field.
const PaymentPermitDomainName = "PaymentPermit"

func paymentPermitTypes() apitypes.Types {
	return apitypes.Types{
		"EIP712Domain": domainTypeNoVersion(),
		"PermitMeta": {
			{Name: "kind", Type: "uint8"},
			{Name: "paymentId", Type: "bytes16"},
			{Name: "nonce", Type: "uint256"},
			{Name: "validAfter", Type: "uint256"},
			{Name: "validBefore", Type: "uint256"},
		},
		"Payment": {
			{Name: "payToken", Type: "address"},
			{Name: "maxPayAmount", Type: "uint256"},
			{Name: "payTo", Type: "address"},
		},
		"Fee": {
			{Name: "feeTo", Type: "address"},
			{Name: "feeAmount", Type: "uint256"},
		},
		"Delivery": {
			{Name: "receiveToken", Type: "address"},
			{Name: "miniReceiveAmount", Type: "uint256"},
			{Name: "tokenId", Type: "uint256"},
		},
		PaymentPermitPrimaryType: {
			{Name: "meta", Type: "PermitMeta"},
			{Name: "buyer", Type: "address"},
			{Name: "caller", Type: "address"},
			{Name: "payment", Type: "Payment"},
			{Name: "fee", Type: "Fee"},
			{Name: "delivery", Type: "Delivery"},
		},
	}
}

// BuildPaymentPermit assembles the typed data for a PaymentPermit. All
// addresses are converted through the codec into 0x 20-byte form; the wire
// field payAmount maps to the contract's maxPayAmount; a nil delivery block
// hashes as all zeroes.
func BuildPaymentPermit(permit *x402.PaymentPermit, chainID int64, verifyingContract string, codec address.Codec) apitypes.TypedData {
	delivery := permit.Delivery
	if delivery == nil {
		delivery = &x402.PermitDelivery{
			ReceiveToken:      codec.ZeroAddress(),
			MiniReceiveAmount: "0",
			TokenID:           "0",
		}
	}

	message := apitypes.TypedDataMessage{
		"meta": map[string]any{
			"kind":        big.NewInt(int64(permit.Meta.Kind)),
			"paymentId":   permit.Meta.PaymentID,
			"nonce":       permit.Meta.Nonce,
			"validAfter":  big.NewInt(permit.Meta.ValidAfter),
			"validBefore": big.NewInt(permit.Meta.ValidBefore),
		},
		"buyer":  codec.ToHex(permit.Buyer),
		"caller": codec.ToHex(permit.Caller),
		"payment": map[string]any{
			"payToken":     codec.ToHex(permit.Payment.PayToken),
			"maxPayAmount": permit.Payment.PayAmount,
			"payTo":        codec.ToHex(permit.Payment.PayTo),
		},
		"fee": map[string]any{
			"feeTo":     codec.ToHex(permit.Fee.FeeTo),
			"feeAmount": permit.Fee.FeeAmount,
		},
		"delivery": map[string]any{
			"receiveToken":      codec.ToHex(delivery.ReceiveToken),
			"miniReceiveAmount": delivery.MiniReceiveAmount,
			"tokenId":           delivery.TokenID,
		},
	}

	return apitypes.TypedData{
		Types:       paymentPermitTypes(),
		PrimaryType: PaymentPermitPrimaryType,
		Domain: apitypes.TypedDataDomain{
			Name:              PaymentPermitDomainName,
			ChainId:           math.NewHexOrDecimal256(chainID),
			VerifyingContract: codec.ToHex(verifyingContract),
		},
		Message: message,
	}
}
