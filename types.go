package x402

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
)

// ProtocolVersion is the x402 protocol version this SDK speaks.
const ProtocolVersion = 2

// Network is a CAIP-2 network identifier, e.g. "eip155:1" or "tron:nile".
// The reference may be the wildcard "*" when used as a registration pattern,
// e.g. "eip155:*" matches every eip155 network.
type Network string

// Parse splits the network into its CAIP-2 namespace and reference.
func (n Network) Parse() (namespace, reference string, err error) {
	parts := strings.SplitN(string(n), ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid CAIP-2 network %q", string(n))
	}
	return parts[0], parts[1], nil
}

// Namespace returns the CAIP-2 namespace ("eip155", "tron"), or "" when the
// identifier is malformed.
func (n Network) Namespace() string {
	ns, _, err := n.Parse()
	if err != nil {
		return ""
	}
	return ns
}

// IsWildcard reports whether the network is a family pattern such as "eip155:*".
func (n Network) IsWildcard() bool {
	_, ref, err := n.Parse()
	return err == nil && ref == "*"
}

// Match reports whether n satisfies the given pattern. A concrete network
// matches itself and its family wildcard; a wildcard matches any member of
// its family.
func (n Network) Match(pattern Network) bool {
	if n == pattern {
		return true
	}
	ns, ref, err := n.Parse()
	if err != nil {
		return false
	}
	pns, pref, err := pattern.Parse()
	if err != nil {
		return false
	}
	if ns != pns {
		return false
	}
	return ref == "*" || pref == "*"
}

// Delivery kinds carried in PermitMeta.Kind.
const (
	KindPaymentOnly        uint8 = 0
	KindPaymentAndDelivery uint8 = 1
)

// FeeInfo describes a facilitator fee attached to a payment requirement.
type FeeInfo struct {
	FacilitatorID string `json:"facilitatorId,omitempty"`
	FeeTo         string `json:"feeTo"`
	FeeAmount     string `json:"feeAmount"`
	Caller        string `json:"caller,omitempty"`
}

// RequirementsExtra carries scheme-specific metadata on a requirement:
// the token's EIP-712 name/version and the facilitator fee, if any.
type RequirementsExtra struct {
	Name    string   `json:"name,omitempty"`
	Version string   `json:"version,omitempty"`
	Fee     *FeeInfo `json:"fee,omitempty"`
}

// PaymentRequirements describes one way a resource server accepts payment.
type PaymentRequirements struct {
	Scheme            string             `json:"scheme" validate:"required"`
	Network           Network            `json:"network" validate:"required,caip2"`
	Amount            string             `json:"amount" validate:"required,numeric"`
	Asset             string             `json:"asset" validate:"required"`
	PayTo             string             `json:"payTo" validate:"required"`
	MaxTimeoutSeconds int                `json:"maxTimeoutSeconds,omitempty" validate:"gte=0"`
	Extra             *RequirementsExtra `json:"extra,omitempty"`
}

// AmountBig parses the requirement amount in smallest units.
func (r *PaymentRequirements) AmountBig() (*big.Int, error) {
	v, ok := new(big.Int).SetString(r.Amount, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", r.Amount)
	}
	return v, nil
}

// FeeOrZero returns the attached fee, or a zero fee paid to zeroAddr when
// the requirement carries none.
func (r *PaymentRequirements) FeeOrZero(zeroAddr string) FeeInfo {
	if r.Extra != nil && r.Extra.Fee != nil {
		return *r.Extra.Fee
	}
	return FeeInfo{FeeTo: zeroAddr, FeeAmount: "0"}
}

// ResourceInfo identifies the paid resource.
type ResourceInfo struct {
	URL         string `json:"url,omitempty"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// PermitMeta is the meta block of a PaymentPermit. PaymentID is a 0x-prefixed
// 16-byte hex string; Nonce is a decimal uint256.
type PermitMeta struct {
	Kind        uint8  `json:"kind"`
	PaymentID   string `json:"paymentId"`
	Nonce       string `json:"nonce"`
	ValidAfter  int64  `json:"validAfter"`
	ValidBefore int64  `json:"validBefore"`
}

// PermitPayment is the payment block of a PaymentPermit. PayAmount is the
// upper bound the buyer authorizes, in smallest units.
type PermitPayment struct {
	PayToken  string `json:"payToken"`
	PayAmount string `json:"payAmount"`
	PayTo     string `json:"payTo"`
}

// PermitFee is the fee block of a PaymentPermit.
type PermitFee struct {
	FeeTo     string `json:"feeTo"`
	FeeAmount string `json:"feeAmount"`
}

// PermitDelivery is the delivery block of a PaymentPermit. It is zeroed for
// KindPaymentOnly permits.
type PermitDelivery struct {
	ReceiveToken      string `json:"receiveToken"`
	MiniReceiveAmount string `json:"miniReceiveAmount"`
	TokenID           string `json:"tokenId"`
}

// PaymentPermit is the structure the buyer signs for the exact_permit and
// gasfree_exact schemes.
type PaymentPermit struct {
	Meta     PermitMeta      `json:"meta"`
	Buyer    string          `json:"buyer"`
	Caller   string          `json:"caller"`
	Payment  PermitPayment   `json:"payment"`
	Fee      PermitFee       `json:"fee"`
	Delivery *PermitDelivery `json:"delivery,omitempty"`
}

// PermitContextMeta is the server-generated meta block inside a
// paymentPermitContext extension.
type PermitContextMeta struct {
	Kind        uint8  `json:"kind"`
	PaymentID   string `json:"paymentId"`
	Nonce       string `json:"nonce"`
	ValidAfter  int64  `json:"validAfter"`
	ValidBefore int64  `json:"validBefore"`
}

// PaymentPermitContext is the extension a resource server attaches to its
// 402 challenge for permit-based schemes. The server fixes the permit meta
// (payment id, nonce, validity window); the client must echo it.
type PaymentPermitContext struct {
	Meta     PermitContextMeta `json:"meta"`
	Caller   string            `json:"caller,omitempty"`
	Delivery *PermitDelivery   `json:"delivery,omitempty"`
}

// ExtensionPaymentPermitContext is the extensions key carrying a
// PaymentPermitContext.
const ExtensionPaymentPermitContext = "paymentPermitContext"

// PaymentRequired is the body of a 402 challenge.
type PaymentRequired struct {
	X402Version int                   `json:"x402Version"`
	Error       string                `json:"error,omitempty"`
	Resource    *ResourceInfo         `json:"resource,omitempty"`
	Accepts     []PaymentRequirements `json:"accepts"`
	Extensions  map[string]any        `json:"extensions,omitempty"`
}

// PermitContext decodes the paymentPermitContext extension, if present.
func (p *PaymentRequired) PermitContext() (*PaymentPermitContext, error) {
	return DecodePermitContext(p.Extensions)
}

// DecodePermitContext pulls a PaymentPermitContext out of an extensions map.
// Returns (nil, nil) when the extension is absent.
func DecodePermitContext(extensions map[string]any) (*PaymentPermitContext, error) {
	if extensions == nil {
		return nil, nil
	}
	raw, ok := extensions[ExtensionPaymentPermitContext]
	if !ok || raw == nil {
		return nil, nil
	}
	buf, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid paymentPermitContext: %w", err)
	}
	var ctx PaymentPermitContext
	if err := json.Unmarshal(buf, &ctx); err != nil {
		return nil, fmt.Errorf("invalid paymentPermitContext: %w", err)
	}
	return &ctx, nil
}

// PaymentPayload is the signed payment a client presents to a resource
// server. Payload is scheme-specific; mechanisms provide typed converters.
type PaymentPayload struct {
	X402Version int                 `json:"x402Version" validate:"required,eq=2"`
	Resource    *ResourceInfo       `json:"resource,omitempty"`
	Accepted    PaymentRequirements `json:"accepted" validate:"required"`
	Payload     map[string]any      `json:"payload" validate:"required"`
	Extensions  map[string]any      `json:"extensions,omitempty"`
}

// VerifyResponse is the facilitator's answer to a verify request.
type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// SettleResponse is the facilitator's answer to a settle request.
type SettleResponse struct {
	Success     bool    `json:"success"`
	Transaction string  `json:"transaction,omitempty"`
	Network     Network `json:"network,omitempty"`
	Payer       string  `json:"payer,omitempty"`
	ErrorReason string  `json:"errorReason,omitempty"`
}

// SupportedKind is one (scheme, network) pair a facilitator supports.
type SupportedKind struct {
	X402Version int     `json:"x402Version"`
	Scheme      string  `json:"scheme"`
	Network     Network `json:"network"`
}

// Fee pricing modes advertised by a facilitator.
const (
	FeePricingPerAccept = "per_accept"
	FeePricingFlat      = "flat"
)

// SupportedFee is the fee configuration a facilitator advertises.
type SupportedFee struct {
	FeeTo   string `json:"feeTo"`
	Pricing string `json:"pricing"`
}

// SupportedResponse lists what a facilitator supports.
type SupportedResponse struct {
	Kinds []SupportedKind `json:"kinds"`
	Fee   SupportedFee    `json:"fee"`
}

// FeeQuoteResponse is a facilitator's fee quote for one requirement.
type FeeQuoteResponse struct {
	Fee       FeeInfo `json:"fee"`
	Pricing   string  `json:"pricing"`
	Scheme    string  `json:"scheme"`
	Network   Network `json:"network"`
	Asset     string  `json:"asset"`
	ExpiresAt int64   `json:"expiresAt,omitempty"`
}

// DeepEqual compares two values by their canonical JSON encoding. It is the
// anti-tamper comparison: a payload's accepted requirements must deep-equal
// the requirements the resource server actually issued.
func DeepEqual(a, b any) bool {
	ab, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	var av, bv any
	if err := json.Unmarshal(ab, &av); err != nil {
		return false
	}
	if err := json.Unmarshal(bb, &bv); err != nil {
		return false
	}
	return jsonEqual(av, bv)
}

func jsonEqual(a, b any) bool {
	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			bvv, ok := bv[k]
			if !ok || !jsonEqual(v, bvv) {
				return false
			}
		}
		return true
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !jsonEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}
