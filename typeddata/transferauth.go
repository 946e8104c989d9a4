package typeddata

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// TransferAuthPrimaryType is the EIP-3009 primary type.
const TransferAuthPrimaryType = "TransferWithAuthorization"

// TransferAuthorization is the EIP-3009 message the exact scheme signs.
// Value is a decimal amount in smallest units; Nonce is 0x-prefixed
// 32-byte hex.
type TransferAuthorization struct {
	From        string
	To          string
	Value       string
	ValidAfter  int64
	ValidBefore int64
	Nonce       string
}

func transferAuthTypes() apitypes.Types {
	return apitypes.Types{
		"EIP712Domain": domainTypeWithVersion(),
		TransferAuthPrimaryType: {
			{Name: "from", Type: "address"},
			{Name: "to", Type: "address"},
			{Name: "value", Type: "uint256"},
			{Name: "validAfter", Type: "uint256"},
			{Name: "validBefore", Type: "uint256"},
			{Name: "nonce", Type: "bytes32"},
		},
	}
}

// BuildTransferAuthorization assembles the typed data for an EIP-3009
// TransferWithAuthorization. The domain name and version come from the
// token contract.
func BuildTransferAuthorization(auth *TransferAuthorization, tokenName, tokenVersion string, chainID int64, verifyingContract string) apitypes.TypedData {
	return apitypes.TypedData{
		Types:       transferAuthTypes(),
		PrimaryType: TransferAuthPrimaryType,
		Domain: apitypes.TypedDataDomain{
			Name:              tokenName,
			Version:           tokenVersion,
			ChainId:           math.NewHexOrDecimal256(chainID),
			VerifyingContract: verifyingContract,
		},
		Message: apitypes.TypedDataMessage{
			"from":        auth.From,
			"to":          auth.To,
			"value":       auth.Value,
			"validAfter":  big.NewInt(auth.ValidAfter),
			"validBefore": big.NewInt(auth.ValidBefore),
			"nonce":       auth.Nonce,
		},
	}
}
