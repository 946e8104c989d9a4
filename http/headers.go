// Package x402http carries the protocol over HTTP: header encoding, a
// paying client round-tripper, a facilitator REST client, the facilitator
// server, and paywall middleware for resource servers.
package x402http

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	x402 "github.com/bankofai/x402-go"
)

// Protocol headers.
const (
	HeaderPaymentRequired  = "PAYMENT-REQUIRED"
	HeaderPaymentSignature = "PAYMENT-SIGNATURE"
	HeaderPaymentResponse  = "PAYMENT-RESPONSE"
)

// EncodeHeader renders a protocol structure as base64 JSON for a header
// value.
func EncodeHeader(v any) (string, error) {
	buf, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode header: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}

// DecodeHeader parses a base64 JSON header value into out.
func DecodeHeader(value string, out any) error {
	buf, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return fmt.Errorf("decode header: %w", err)
	}
	if err := json.Unmarshal(buf, out); err != nil {
		return fmt.Errorf("decode header: %w", err)
	}
	return nil
}

// DecodePaymentRequired extracts the 402 challenge from a response: the
// PAYMENT-REQUIRED header when present, otherwise the JSON body.
func DecodePaymentRequired(resp *http.Response) (*x402.PaymentRequired, error) {
	var required x402.PaymentRequired
	if value := resp.Header.Get(HeaderPaymentRequired); value != "" {
		if err := DecodeHeader(value, &required); err != nil {
			return nil, err
		}
		return &required, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read 402 body: %w", err)
	}
	if err := json.Unmarshal(body, &required); err != nil {
		return nil, fmt.Errorf("402 response carries no payment challenge: %w", err)
	}
	return &required, nil
}

// DecodeSettleHeader parses the PAYMENT-RESPONSE header of a paid response,
// if present.
func DecodeSettleHeader(resp *http.Response) (*x402.SettleResponse, error) {
	value := resp.Header.Get(HeaderPaymentResponse)
	if value == "" {
		return nil, nil
	}
	var settle x402.SettleResponse
	if err := DecodeHeader(value, &settle); err != nil {
		return nil, err
	}
	return &settle, nil
}
