// Package exact implements the exact payment scheme on eip155 networks:
// the buyer signs an EIP-3009 TransferWithAuthorization and the
// facilitator submits it to the token contract.
package exact

import (
	"encoding/json"

	x402 "github.com/bankofai/x402-go"
)

// Scheme is the scheme identifier.
const Scheme = "exact"

// Validity window defaults: authorizations are backdated to absorb clock
// skew and expire after an hour unless the requirement says otherwise.
const (
	validAfterSkewSeconds     = 30
	defaultValiditySeconds    = 3600
	clockSkewToleranceSeconds = 30
)

// Authorization is the signed EIP-3009 message. Nonce is 0x-prefixed
// 32-byte hex.
type Authorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  int64  `json:"validAfter"`
	ValidBefore int64  `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// PayloadData is the scheme-specific payload.
type PayloadData struct {
	Signature     string        `json:"signature"`
	Authorization Authorization `json:"authorization"`
}

// ToMap renders the payload data for embedding in a PaymentPayload.
func (d *PayloadData) ToMap() map[string]any {
	buf, _ := json.Marshal(d)
	var out map[string]any
	_ = json.Unmarshal(buf, &out)
	return out
}

// PayloadFromMap parses the scheme payload out of a PaymentPayload.
func PayloadFromMap(m map[string]any) (*PayloadData, error) {
	buf, err := json.Marshal(m)
	if err != nil {
		return nil, &x402.ValidationError{Reason: "malformed payload"}
	}
	var data PayloadData
	if err := json.Unmarshal(buf, &data); err != nil {
		return nil, &x402.ValidationError{Reason: "malformed payload"}
	}
	if data.Signature == "" {
		return nil, &x402.ValidationError{Reason: "payload signature is required"}
	}
	return &data, nil
}

// EIP3009ABI covers the token surface the scheme touches.
const EIP3009ABI = `[
  {
    "name": "transferWithAuthorization",
    "type": "function",
    "stateMutability": "nonpayable",
    "inputs": [
      {"name": "from", "type": "address"},
      {"name": "to", "type": "address"},
      {"name": "value", "type": "uint256"},
      {"name": "validAfter", "type": "uint256"},
      {"name": "validBefore", "type": "uint256"},
      {"name": "nonce", "type": "bytes32"},
      {"name": "v", "type": "uint8"},
      {"name": "r", "type": "bytes32"},
      {"name": "s", "type": "bytes32"}
    ],
    "outputs": []
  },
  {
    "name": "authorizationState",
    "type": "function",
    "stateMutability": "view",
    "inputs": [
      {"name": "authorizer", "type": "address"},
      {"name": "nonce", "type": "bytes32"}
    ],
    "outputs": [{"name": "", "type": "bool"}]
  },
  {
    "name": "balanceOf",
    "type": "function",
    "stateMutability": "view",
    "inputs": [{"name": "account", "type": "address"}],
    "outputs": [{"name": "", "type": "uint256"}]
  }
]`
