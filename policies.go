package x402

import (
	"context"
	"math/big"

	"go.uber.org/zap"
)

// SufficientBalancePolicy keeps the requirements the signer can actually
// afford (balance >= amount + fee). It is fail-open on every uncertain
// path: a missing signer, an unparseable amount, or a failed balance probe
// keeps the requirement, and when nothing is affordable the whole input is
// returned so the caller still gets a payable candidate to try.
type SufficientBalancePolicy struct {
	Signer ClientSigner
	Logger *zap.Logger
}

// NewSufficientBalancePolicy builds the policy around a client signer.
func NewSufficientBalancePolicy(signer ClientSigner, logger *zap.Logger) *SufficientBalancePolicy {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SufficientBalancePolicy{Signer: signer, Logger: logger}
}

// Apply implements PaymentPolicy.
func (p *SufficientBalancePolicy) Apply(ctx context.Context, requirements []PaymentRequirements) []PaymentRequirements {
	if p.Signer == nil {
		return requirements
	}

	owner := p.Signer.Address()
	var affordable []PaymentRequirements
	for _, req := range requirements {
		needed, err := req.AmountBig()
		if err != nil {
			affordable = append(affordable, req)
			continue
		}
		if req.Extra != nil && req.Extra.Fee != nil {
			if fee, ok := new(big.Int).SetString(req.Extra.Fee.FeeAmount, 10); ok {
				needed = new(big.Int).Add(needed, fee)
			}
		}

		balance, err := p.Signer.GetBalance(ctx, req.Network, req.Asset, owner)
		if err != nil {
			p.Logger.Warn("balance probe failed, keeping requirement",
				zap.String("network", string(req.Network)),
				zap.String("asset", req.Asset),
				zap.Error(err))
			affordable = append(affordable, req)
			continue
		}
		if balance.Cmp(needed) >= 0 {
			affordable = append(affordable, req)
		}
	}

	if len(affordable) == 0 {
		p.Logger.Warn("no affordable requirement, falling back to unfiltered set")
		return requirements
	}
	return affordable
}
