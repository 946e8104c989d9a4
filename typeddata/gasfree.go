package typeddata

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/bankofai/x402-go/address"
)

// GasFree TIP-712 domain constants published by the GasFree protocol.
const (
	GasFreePrimaryType    = "PermitTransfer"
	GasFreeDomainName     = "GasFreeController"
	GasFreeDomainVersion  = "V1.0.0"
	GasFreeMessageVersion = 1
)

// GasFreeTransfer is the PermitTransfer message relayed by GasFree.
// Addresses are TRON Base58Check; they are converted to 0x-hex for hashing.
// Value and MaxFee are decimal amounts in smallest units.
type GasFreeTransfer struct {
	Token           string
	ServiceProvider string
	User            string
	Receiver        string
	Value           string
	MaxFee          string
	Deadline        int64
	Version         int64
	Nonce           int64
}

func gasFreeTypes() apitypes.Types {
	return apitypes.Types{
		"EIP712Domain": domainTypeWithVersion(),
		GasFreePrimaryType: {
			{Name: "token", Type: "address"},
			{Name: "serviceProvider", Type: "address"},
			{Name: "user", Type: "address"},
			{Name: "receiver", Type: "address"},
			{Name: "value", Type: "uint256"},
			{Name: "maxFee", Type: "uint256"},
			{Name: "deadline", Type: "uint256"},
			{Name: "version", Type: "uint256"},
			{Name: "nonce", Type: "uint256"},
		},
	}
}

// BuildGasFreeTransfer assembles the typed data for a GasFree
// PermitTransfer. The verifying contract is the GasFreeController.
func BuildGasFreeTransfer(transfer *GasFreeTransfer, chainID int64, controller string, codec address.Codec) apitypes.TypedData {
	return apitypes.TypedData{
		Types:       gasFreeTypes(),
		PrimaryType: GasFreePrimaryType,
		Domain: apitypes.TypedDataDomain{
			Name:              GasFreeDomainName,
			Version:           GasFreeDomainVersion,
			ChainId:           math.NewHexOrDecimal256(chainID),
			VerifyingContract: codec.ToHex(controller),
		},
		Message: apitypes.TypedDataMessage{
			"token":           codec.ToHex(transfer.Token),
			"serviceProvider": codec.ToHex(transfer.ServiceProvider),
			"user":            codec.ToHex(transfer.User),
			"receiver":        codec.ToHex(transfer.Receiver),
			"value":           transfer.Value,
			"maxFee":          transfer.MaxFee,
			"deadline":        big.NewInt(transfer.Deadline),
			"version":         big.NewInt(transfer.Version),
			"nonce":           big.NewInt(transfer.Nonce),
		},
	}
}
