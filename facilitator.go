package x402

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

type facilitatorEntry struct {
	pattern   Network
	mechanism FacilitatorMechanism
	priority  int
}

// X402Facilitator routes verify, settle and fee-quote requests to the
// mechanism registered for the payment's (network, scheme). Settlement is
// wrapped by an idempotency cache keyed on the signed payload, so retried
// settles never double-submit a transfer.
type X402Facilitator struct {
	mu      sync.RWMutex
	entries []facilitatorEntry
	fee     SupportedFee
	cache   *SettlementCache
	logger  *zap.Logger
}

// FacilitatorOption configures an X402Facilitator.
type FacilitatorOption func(*X402Facilitator)

// WithFacilitatorLogger sets the logger. Defaults to a no-op logger.
func WithFacilitatorLogger(logger *zap.Logger) FacilitatorOption {
	return func(f *X402Facilitator) {
		f.logger = logger
	}
}

// WithSettlementTTL sets how long settled results stay cached.
func WithSettlementTTL(ttl time.Duration) FacilitatorOption {
	return func(f *X402Facilitator) {
		f.cache = NewSettlementCache(ttl)
	}
}

// NewFacilitator creates a facilitator advertising the given fee
// configuration. The fee recipient must be set: clients build permits that
// name it, and verification rejects permits paying fees elsewhere.
func NewFacilitator(fee SupportedFee, opts ...FacilitatorOption) (*X402Facilitator, error) {
	if fee.FeeTo == "" {
		return nil, &ConfigurationError{Reason: "facilitator fee recipient (feeTo) is required"}
	}
	if fee.Pricing == "" {
		fee.Pricing = FeePricingPerAccept
	}
	f := &X402Facilitator{
		fee:    fee,
		cache:  NewSettlementCache(DefaultSettlementTTL),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Register adds a mechanism under one or more network patterns and returns
// the facilitator for chaining.
func (f *X402Facilitator) Register(patterns []Network, mechanism FacilitatorMechanism) *X402Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, pattern := range patterns {
		priority := priorityExact
		if pattern.IsWildcard() {
			priority = priorityWildcard
		}
		f.entries = append(f.entries, facilitatorEntry{
			pattern:   pattern,
			mechanism: mechanism,
			priority:  priority,
		})
	}
	return f
}

func (f *X402Facilitator) findMechanism(network Network, scheme string) FacilitatorMechanism {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var best FacilitatorMechanism
	bestPriority := -1
	for _, entry := range f.entries {
		if entry.mechanism.Scheme() != scheme {
			continue
		}
		if network.Match(entry.pattern) && entry.priority > bestPriority {
			best = entry.mechanism
			bestPriority = entry.priority
		}
	}
	return best
}

// Supported lists every (scheme, network) pair this facilitator handles,
// with its fee configuration.
func (f *X402Facilitator) Supported() *SupportedResponse {
	f.mu.RLock()
	defer f.mu.RUnlock()

	kinds := make([]SupportedKind, 0, len(f.entries))
	for _, entry := range f.entries {
		kinds = append(kinds, SupportedKind{
			X402Version: ProtocolVersion,
			Scheme:      entry.mechanism.Scheme(),
			Network:     entry.pattern,
		})
	}
	return &SupportedResponse{Kinds: kinds, Fee: f.fee}
}

// FeeQuote quotes the facilitator fee for each supported requirement.
// Requirements on unsupported (network, scheme) pairs are skipped.
func (f *X402Facilitator) FeeQuote(ctx context.Context, requirements []PaymentRequirements) ([]FeeQuoteResponse, error) {
	var quotes []FeeQuoteResponse
	for i := range requirements {
		req := &requirements[i]
		mech := f.findMechanism(req.Network, req.Scheme)
		if mech == nil {
			f.logger.Debug("skipping fee quote for unsupported requirement",
				zap.String("scheme", req.Scheme),
				zap.String("network", string(req.Network)))
			continue
		}
		quote, err := mech.FeeQuote(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("fee quote for %s/%s: %w", req.Scheme, req.Network, err)
		}
		if quote == nil {
			// Mechanism supports the pair but not this token.
			continue
		}
		quotes = append(quotes, *quote)
	}
	return quotes, nil
}

// Verify checks a payment payload against the requirements the resource
// server issued. The anti-tamper comparison runs before any mechanism
// logic: every field of the payload's accepted requirements must match the
// server's requirements exactly.
func (f *X402Facilitator) Verify(ctx context.Context, payload *PaymentPayload, requirements *PaymentRequirements) (*VerifyResponse, error) {
	if err := ValidatePaymentPayload(payload); err != nil {
		return &VerifyResponse{IsValid: false, InvalidReason: ErrCodeInvalidPayload}, nil
	}
	if err := ValidatePaymentRequirements(requirements); err != nil {
		return &VerifyResponse{IsValid: false, InvalidReason: ErrCodeInvalidPayload}, nil
	}
	if !DeepEqual(payload.Accepted, *requirements) {
		f.logger.Warn("payload accepted requirements do not match server requirements",
			zap.String("network", string(requirements.Network)),
			zap.String("scheme", requirements.Scheme))
		return &VerifyResponse{IsValid: false, InvalidReason: ErrCodeRequirementsTampered}, nil
	}

	mech := f.findMechanism(requirements.Network, requirements.Scheme)
	if mech == nil {
		return &VerifyResponse{IsValid: false, InvalidReason: ErrCodeUnsupportedNetworkScheme}, nil
	}
	return mech.Verify(ctx, payload, requirements)
}

// Settle verifies and executes a payment. Identical retried payloads are
// served from the settlement cache; a concurrent duplicate waits for the
// in-flight settlement to finish.
func (f *X402Facilitator) Settle(ctx context.Context, payload *PaymentPayload, requirements *PaymentRequirements) (*SettleResponse, error) {
	if err := ValidatePaymentPayload(payload); err != nil {
		return nil, err
	}
	mech := f.findMechanism(payload.Accepted.Network, payload.Accepted.Scheme)
	if mech == nil {
		return &SettleResponse{
			Success:     false,
			Network:     payload.Accepted.Network,
			ErrorReason: ErrCodeUnsupportedNetworkScheme,
		}, nil
	}

	key, err := SettlementKey(payload)
	if err != nil {
		return nil, err
	}
	for {
		status, cached, done := f.cache.CheckAndMark(key)
		switch status {
		case StatusCached:
			f.logger.Info("settle served from cache", zap.String("key", key[:16]))
			return cached, nil
		case StatusInFlight:
			result, err := f.cache.WaitForResult(ctx, key, done)
			if err != nil {
				return nil, err
			}
			if result != nil {
				return result, nil
			}
			// Original attempt failed without caching; take over the retry.
			continue
		}

		response, err := mech.Settle(ctx, payload, requirements)
		if err != nil {
			f.cache.Fail(key, done)
			return nil, err
		}
		f.cache.Complete(key, response, done)
		return response, nil
	}
}
