package x402

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Registration pattern priorities. Exact networks outrank family wildcards
// so "tron:nile" wins over "tron:*" when both are registered.
const (
	priorityExact    = 10
	priorityWildcard = 1
)

type mechanismEntry struct {
	pattern   Network
	mechanism ClientMechanism
	priority  int
}

// X402Client selects a payment requirement from a 402 challenge and builds
// the signed payload for it. Mechanisms are registered against CAIP-2
// network patterns; policies and the token strategy narrow the choice when
// a server accepts several requirements.
type X402Client struct {
	mu       sync.RWMutex
	entries  []mechanismEntry
	policies []PaymentPolicy
	strategy TokenSelectionStrategy
	logger   *zap.Logger
}

// ClientOption configures an X402Client.
type ClientOption func(*X402Client)

// WithPolicy appends a selection policy. Policies run in registration order.
func WithPolicy(policy PaymentPolicy) ClientOption {
	return func(c *X402Client) {
		c.policies = append(c.policies, policy)
	}
}

// WithTokenStrategy sets the strategy that picks among the candidates left
// after filtering. The default keeps the server's preference order and
// takes the first candidate.
func WithTokenStrategy(strategy TokenSelectionStrategy) ClientOption {
	return func(c *X402Client) {
		c.strategy = strategy
	}
}

// WithClientLogger sets the client logger. Defaults to a no-op logger.
func WithClientLogger(logger *zap.Logger) ClientOption {
	return func(c *X402Client) {
		c.logger = logger
	}
}

// NewClient creates an X402Client.
func NewClient(opts ...ClientOption) *X402Client {
	c := &X402Client{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register adds a mechanism under a network pattern and returns the client
// for chaining. Entries are kept sorted by priority, descending; the sort
// is stable so earlier registrations win ties.
func (c *X402Client) Register(pattern Network, mechanism ClientMechanism) *X402Client {
	c.mu.Lock()
	defer c.mu.Unlock()

	priority := priorityExact
	if pattern.IsWildcard() {
		priority = priorityWildcard
	}
	c.entries = append(c.entries, mechanismEntry{
		pattern:   pattern,
		mechanism: mechanism,
		priority:  priority,
	})
	sort.SliceStable(c.entries, func(i, j int) bool {
		return c.entries[i].priority > c.entries[j].priority
	})
	return c
}

// findMechanism returns the highest-priority mechanism registered for the
// requirement's network and scheme, or nil.
func (c *X402Client) findMechanism(requirements *PaymentRequirements) ClientMechanism {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, entry := range c.entries {
		if entry.mechanism.Scheme() != requirements.Scheme {
			continue
		}
		if requirements.Network.Match(entry.pattern) {
			return entry.mechanism
		}
	}
	return nil
}

// SelectPaymentRequirements narrows the server's accepts list to the single
// requirement this client will pay, together with the mechanism that will
// build the payload.
//
// Pipeline: drop requirements with no registered mechanism, let each
// mechanism veto requirements it cannot fulfill, run the policies, then the
// token strategy. Policies and strategy are fail-open: if they eliminate
// everything the pre-policy candidates are restored.
func (c *X402Client) SelectPaymentRequirements(ctx context.Context, accepts []PaymentRequirements) (*PaymentRequirements, ClientMechanism, error) {
	if len(accepts) == 0 {
		return nil, nil, &ValidationError{Reason: "empty accepts list"}
	}

	var supported []PaymentRequirements
	for _, req := range accepts {
		mech := c.findMechanism(&req)
		if mech == nil {
			continue
		}
		if filter, ok := mech.(RequirementsFilter); ok {
			if len(filter.FilterRequirements(ctx, []PaymentRequirements{req})) == 0 {
				c.logger.Debug("mechanism vetoed requirement",
					zap.String("scheme", req.Scheme),
					zap.String("network", string(req.Network)))
				continue
			}
		}
		supported = append(supported, req)
	}
	if len(supported) == 0 {
		return nil, nil, NewPaymentError(ErrCodeUnsupportedScheme,
			"no registered mechanism matches any accepted requirement")
	}

	candidates := supported
	for _, policy := range c.policies {
		candidates = policy.Apply(ctx, candidates)
	}
	if len(candidates) == 0 {
		c.logger.Warn("policies eliminated every candidate, falling back to unfiltered set")
		candidates = supported
	}

	selected := &candidates[0]
	if c.strategy != nil {
		picked, err := c.strategy.Select(candidates)
		if err != nil {
			c.logger.Warn("token strategy failed, keeping first candidate", zap.Error(err))
		} else if picked != nil {
			selected = picked
		}
	}

	mech := c.findMechanism(selected)
	if mech == nil {
		return nil, nil, NewPaymentError(ErrCodeUnsupportedScheme,
			fmt.Sprintf("no mechanism for scheme %q on network %q", selected.Scheme, selected.Network))
	}
	return selected, mech, nil
}

// CreatePayment builds a signed payment payload for a 402 challenge.
func (c *X402Client) CreatePayment(ctx context.Context, required *PaymentRequired, resource string) (*PaymentPayload, error) {
	if required == nil {
		return nil, &ValidationError{Reason: "nil payment required"}
	}
	if required.X402Version != ProtocolVersion {
		return nil, &ValidationError{
			Reason: fmt.Sprintf("unsupported x402 version %d", required.X402Version),
		}
	}

	selected, mech, err := c.SelectPaymentRequirements(ctx, required.Accepts)
	if err != nil {
		return nil, err
	}
	if resource == "" && required.Resource != nil {
		resource = required.Resource.URL
	}

	c.logger.Info("creating payment",
		zap.String("scheme", selected.Scheme),
		zap.String("network", string(selected.Network)),
		zap.String("asset", selected.Asset),
		zap.String("amount", selected.Amount))

	return mech.CreatePaymentPayload(ctx, selected, resource, required.Extensions)
}
