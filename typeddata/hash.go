// Package typeddata builds and hashes the EIP-712/TIP-712 structures the
// three payment schemes sign: PaymentPermit details, EIP-3009 transfer
// authorizations, and GasFree permit transfers. TRON signs the same
// structures with all addresses converted to their 0x 20-byte form.
package typeddata

import (
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Hash computes the EIP-712 digest: keccak256(0x19 0x01 || domainSeparator
// || hashStruct(primaryType, message)).
func Hash(td apitypes.TypedData) ([]byte, error) {
	domainSeparator, err := td.HashStruct("EIP712Domain", td.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("hash domain: %w", err)
	}
	messageHash, err := td.HashStruct(td.PrimaryType, td.Message)
	if err != nil {
		return nil, fmt.Errorf("hash message: %w", err)
	}
	raw := make([]byte, 0, 2+len(domainSeparator)+len(messageHash))
	raw = append(raw, 0x19, 0x01)
	raw = append(raw, domainSeparator...)
	raw = append(raw, messageHash...)
	return crypto.Keccak256(raw), nil
}

// RecoverSigner returns the 0x-hex address that produced signature over the
// typed data. The signature is 65 bytes r||s||v with v in {0, 1, 27, 28}.
func RecoverSigner(td apitypes.TypedData, signature []byte) (string, error) {
	if len(signature) != 65 {
		return "", fmt.Errorf("signature must be 65 bytes, got %d", len(signature))
	}
	digest, err := Hash(td)
	if err != nil {
		return "", err
	}

	sig := make([]byte, 65)
	copy(sig, signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return "", fmt.Errorf("recover public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pub).Hex(), nil
}

// domainTypeWithVersion is the standard four-field EIP712Domain.
func domainTypeWithVersion() []apitypes.Type {
	return []apitypes.Type{
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	}
}

// domainTypeNoVersion is the three-field domain the PaymentPermit contract
// hashes (no version).
func domainTypeNoVersion() []apitypes.Type {
	return []apitypes.Type{
		{Name: "name", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	}
}
