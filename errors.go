package x402

import "fmt"

// Protocol-level error codes carried on PaymentError and in
// VerifyResponse.InvalidReason / SettleResponse.ErrorReason.
const (
	ErrCodeUnsupportedScheme        = "unsupported_scheme"
	ErrCodeUnsupportedNetworkScheme = "unsupported_network_scheme"
	ErrCodeInvalidPayload           = "invalid_payload"
	ErrCodeInvalidSignature         = "invalid_signature"
	ErrCodeInsufficientFunds        = "insufficient_funds"
	ErrCodePermitMismatch           = "permit_mismatch"
	ErrCodeRequirementsTampered     = "requirements_tampered"
	ErrCodeNonceUsed                = "nonce_used"
	ErrCodeExpired                  = "expired"
	ErrCodeNotYetValid              = "not_yet_valid"
	ErrCodeSettlementFailed         = "settlement_failed"
)

// PaymentError is a protocol-level failure with a machine-readable code.
type PaymentError struct {
	Code    string
	Message string
	Details map[string]any
}

func (e *PaymentError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewPaymentError builds a PaymentError with the given code and message.
func NewPaymentError(code, message string) *PaymentError {
	return &PaymentError{Code: code, Message: message}
}

// ConfigurationError reports invalid or missing SDK configuration.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Reason
}

// UnsupportedNetworkError reports a network no registered mechanism or
// configuration entry covers.
type UnsupportedNetworkError struct {
	Network Network
}

func (e *UnsupportedNetworkError) Error() string {
	return fmt.Sprintf("unsupported network %q", string(e.Network))
}

// UnknownTokenError reports a token absent from the registry. It is distinct
// from a zero balance: the token itself is not known on the network.
type UnknownTokenError struct {
	Network Network
	Token   string
}

func (e *UnknownTokenError) Error() string {
	return fmt.Sprintf("unknown token %q on network %q", e.Token, string(e.Network))
}

// ValidationError reports malformed protocol data.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation error: " + e.Reason
}

// PermitValidationError reports a permit that does not satisfy the
// requirements it claims to pay for.
type PermitValidationError struct {
	Field  string
	Reason string
}

func (e *PermitValidationError) Error() string {
	if e.Field == "" {
		return "permit validation error: " + e.Reason
	}
	return fmt.Sprintf("permit validation error: %s: %s", e.Field, e.Reason)
}

// AllowanceError reports a failed or refused token approval.
type AllowanceError struct {
	Token  string
	Reason string
}

func (e *AllowanceError) Error() string {
	return fmt.Sprintf("allowance error for token %s: %s", e.Token, e.Reason)
}

// SignatureError reports a signing or signature-recovery failure.
type SignatureError struct {
	Reason string
}

func (e *SignatureError) Error() string {
	return "signature error: " + e.Reason
}

// SettlementError reports a failed settlement attempt.
type SettlementError struct {
	Reason  string
	TraceID string
}

func (e *SettlementError) Error() string {
	if e.TraceID == "" {
		return "settlement error: " + e.Reason
	}
	return fmt.Sprintf("settlement error: %s (trace %s)", e.Reason, e.TraceID)
}

// TransactionTimeoutError reports a settlement that did not reach a terminal
// state within the polling deadline.
type TransactionTimeoutError struct {
	TraceID   string
	State     string
	TxnState  string
	ElapsedMS int64
}

func (e *TransactionTimeoutError) Error() string {
	return fmt.Sprintf("transaction timed out after %dms (trace %s, state %s/%s)",
		e.ElapsedMS, e.TraceID, e.State, e.TxnState)
}

// GasFreeAccountNotActivatedError reports a GasFree account that has not
// been activated and therefore cannot relay transfers.
type GasFreeAccountNotActivatedError struct {
	Address        string
	GasFreeAddress string
}

func (e *GasFreeAccountNotActivatedError) Error() string {
	return fmt.Sprintf("gasfree account not activated for %s (gasfree address %s)",
		e.Address, e.GasFreeAddress)
}

// InsufficientGasFreeBalanceError reports a GasFree balance below
// value + maxFee.
type InsufficientGasFreeBalanceError struct {
	Token    string
	Balance  string
	Required string
}

func (e *InsufficientGasFreeBalanceError) Error() string {
	return fmt.Sprintf("insufficient gasfree balance for token %s: have %s, need %s",
		e.Token, e.Balance, e.Required)
}
