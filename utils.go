package x402

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/google/uuid"
)

// GeneratePaymentID returns a fresh 0x-prefixed 16-byte payment id.
func GeneratePaymentID() string {
	id := uuid.New()
	return "0x" + hex.EncodeToString(id[:])
}

// GeneratePermitNonce returns a random uint256 nonce as a decimal string,
// for servers minting permit contexts.
func GeneratePermitNonce() string {
	var buf [32]byte
	rand.Read(buf[:])
	return new(big.Int).SetBytes(buf[:]).String()
}

// EncodeSignature renders a signature as 0x-prefixed hex.
func EncodeSignature(sig []byte) string {
	return "0x" + hex.EncodeToString(sig)
}

// DecodeSignature parses a 0x-prefixed (or bare) hex signature.
func DecodeSignature(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	sig, err := hex.DecodeString(s)
	if err != nil {
		return nil, &SignatureError{Reason: "signature is not valid hex"}
	}
	return sig, nil
}

// PaymentIDBytes parses a 0x-prefixed payment id into its 16 bytes.
func PaymentIDBytes(paymentID string) ([16]byte, error) {
	var out [16]byte
	s := strings.TrimPrefix(strings.TrimPrefix(paymentID, "0x"), "0X")
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != 16 {
		return out, &ValidationError{Reason: fmt.Sprintf("invalid payment id %q", paymentID)}
	}
	copy(out[:], raw)
	return out, nil
}
