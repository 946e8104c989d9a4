// Package gasfree implements the gasfree_exact payment scheme on TRON:
// the buyer signs a TIP-712 PermitTransfer and the facilitator relays it
// through the GasFree API, so the buyer needs no TRX for energy or
// bandwidth.
package gasfree

import (
	"encoding/json"

	x402 "github.com/bankofai/x402-go"
)

// Scheme is the scheme identifier.
const Scheme = "gasfree_exact"

// Extension keys attached to gasfree_exact payment payloads.
const (
	ExtensionGasFreeAddress = "gasfreeAddress"
	ExtensionScheme         = "scheme"
)

// PayloadData is the scheme-specific payload: the buyer's PermitTransfer
// signature and the permit mirroring the relayed transfer.
type PayloadData struct {
	Signature     string              `json:"signature"`
	PaymentPermit *x402.PaymentPermit `json:"paymentPermit"`
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
	if data.PaymentPermit == nil {
		return nil, &x402.ValidationError{Reason: "payload paymentPermit is required"}
	}
	return &data, nil
}
