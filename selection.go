package x402

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// DecimalsFunc resolves a token's decimals. The bool result is false when
// the token is unknown on the network.
type DecimalsFunc func(network Network, asset string) (int32, bool)

// MinCostStrategy picks the cheapest requirement across tokens by
// normalizing (amount + fee) / 10^decimals into a human-unit decimal.
// Tokens the resolver does not know are skipped; ties keep the first
// candidate in the server's preference order.
type MinCostStrategy struct {
	Decimals DecimalsFunc
}

// NewMinCostStrategy builds the strategy around a decimals resolver,
// typically (*tokens.Registry).Decimals.
func NewMinCostStrategy(decimals DecimalsFunc) *MinCostStrategy {
	return &MinCostStrategy{Decimals: decimals}
}

// Select implements TokenSelectionStrategy.
func (s *MinCostStrategy) Select(requirements []PaymentRequirements) (*PaymentRequirements, error) {
	if len(requirements) == 0 {
		return nil, &ValidationError{Reason: "no requirements to select from"}
	}

	var (
		best     *PaymentRequirements
		bestCost decimal.Decimal
	)
	for i := range requirements {
		req := &requirements[i]
		cost, ok := s.normalizedCost(req)
		if !ok {
			continue
		}
		if best == nil || cost.LessThan(bestCost) {
			best = req
			bestCost = cost
		}
	}
	if best == nil {
		// Nothing resolvable; preserve the server's preference order.
		return &requirements[0], nil
	}
	return best, nil
}

func (s *MinCostStrategy) normalizedCost(req *PaymentRequirements) (decimal.Decimal, bool) {
	if s.Decimals == nil {
		return decimal.Zero, false
	}
	decimals, ok := s.Decimals(req.Network, req.Asset)
	if !ok {
		return decimal.Zero, false
	}

	amount, err := req.AmountBig()
	if err != nil {
		return decimal.Zero, false
	}
	total := new(big.Int).Set(amount)
	if req.Extra != nil && req.Extra.Fee != nil {
		fee, ok := new(big.Int).SetString(req.Extra.Fee.FeeAmount, 10)
		if !ok {
			return decimal.Zero, false
		}
		total.Add(total, fee)
	}

	return decimal.NewFromBigInt(total, -decimals), true
}
