// Package permit implements the exact_permit payment scheme: the buyer
// signs an EIP-712 PaymentPermit and the facilitator executes it through
// the PaymentPermit contract's permitTransferFrom. The same code serves
// EVM and TRON networks; the address codec absorbs the difference.
package permit

import (
	"encoding/json"

	x402 "github.com/bankofai/x402-go"
)

// Scheme is the scheme identifier.
const Scheme = "exact_permit"

// Fee quote lifetime.
const feeQuoteExpirySeconds = 300

// PayloadData is the scheme-specific payload: the buyer's signature over
// the permit, and the permit itself. MerchantSignature is set when the
// merchant co-signs for delivery flows.
type PayloadData struct {
	Signature         string              `json:"signature"`
	MerchantSignature string              `json:"merchantSignature,omitempty"`
	PaymentPermit     *x402.PaymentPermit `json:"paymentPermit,omitempty"`
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

// PaymentPermitABI covers the contract surface the facilitator touches:
// settlement and nonce queries.
const PaymentPermitABI = `[
  {
    "name": "permitTransferFrom",
    "type": "function",
    "stateMutability": "nonpayable",
    "inputs": [
      {"name": "permit", "type": "tuple", "components": [
        {"name": "meta", "type": "tuple", "components": [
          {"name": "kind", "type": "uint8"},
          {"name": "paymentId", "type": "bytes16"},
          {"name": "nonce", "type": "uint256"},
          {"name": "validAfter", "type": "uint256"},
          {"name": "validBefore", "type": "uint256"}
        ]},
        {"name": "buyer", "type": "address"},
        {"name": "caller", "type": "address"},
        {"name": "payment", "type": "tuple", "components": [
          {"name": "payToken", "type": "address"},
          {"name": "maxPayAmount", "type": "uint256"},
          {"name": "payTo", "type": "address"}
        ]},
        {"name": "fee", "type": "tuple", "components": [
          {"name": "feeTo", "type": "address"},
          {"name": "feeAmount", "type": "uint256"}
        ]},
        {"name": "delivery", "type": "tuple", "components": [
          {"name": "receiveToken", "type": "address"},
          {"name": "miniReceiveAmount", "type": "uint256"},
          {"name": "tokenId", "type": "uint256"}
        ]}
      ]},
      {"name": "transferDetails", "type": "tuple", "components": [
        {"name": "amount", "type": "uint256"}
      ]},
      {"name": "owner", "type": "address"},
      {"name": "signature", "type": "bytes"}
    ],
    "outputs": []
  },
  {
    "name": "nonceUsed",
    "type": "function",
    "stateMutability": "view",
    "inputs": [
      {"name": "owner", "type": "address"},
      {"name": "nonce", "type": "uint256"}
    ],
    "outputs": [{"name": "", "type": "bool"}]
  }
]`
