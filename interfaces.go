package x402

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// ApprovalMode controls how EnsureAllowance obtains a missing approval.
type ApprovalMode string

const (
	// ApprovalAuto sends an approve transaction and waits for it.
	ApprovalAuto ApprovalMode = "auto"
	// ApprovalInteractive fails fast so the caller can approve out of band.
	ApprovalInteractive ApprovalMode = "interactive"
	// ApprovalSkip assumes the allowance is already in place.
	ApprovalSkip ApprovalMode = "skip"
)

// ClientSigner signs typed data and manages token approvals on behalf of a
// buyer. Address returns the signer's address in the chain's native format
// (0x-hex for EVM, Base58Check for TRON).
type ClientSigner interface {
	Address() string
	SignTypedData(ctx context.Context, typedData apitypes.TypedData) ([]byte, error)
	CheckAllowance(ctx context.Context, network Network, token, spender string) (*big.Int, error)
	EnsureAllowance(ctx context.Context, network Network, token, spender string, amount *big.Int, mode ApprovalMode) error
	GetBalance(ctx context.Context, network Network, token, owner string) (*big.Int, error)
}

// TransactionReceipt is the terminal result of an on-chain write.
type TransactionReceipt struct {
	TxHash      string
	BlockNumber uint64
	Status      uint64
}

// Receipt status values.
const (
	TxStatusSuccess uint64 = 1
	TxStatusFailed  uint64 = 0
)

// FacilitatorSigner gives facilitator mechanisms signature verification and
// contract access on a network.
type FacilitatorSigner interface {
	Address() string
	VerifyTypedData(ctx context.Context, typedData apitypes.TypedData, signature []byte, expectedSigner string) (bool, error)
	ReadContract(ctx context.Context, network Network, contract, abiJSON, method string, args ...any) ([]any, error)
	WriteContract(ctx context.Context, network Network, contract, abiJSON, method string, args ...any) (string, error)
	WaitForTransactionReceipt(ctx context.Context, network Network, txHash string, timeout time.Duration) (*TransactionReceipt, error)
	GetBalance(ctx context.Context, network Network, token, owner string) (*big.Int, error)
}

// ClientMechanism builds a signed payment payload for one scheme on one
// chain family.
type ClientMechanism interface {
	Scheme() string
	CreatePaymentPayload(ctx context.Context, requirements *PaymentRequirements, resource string, extensions map[string]any) (*PaymentPayload, error)
}

// RequirementsFilter is an optional capability of a ClientMechanism: drop
// requirements the mechanism knows it cannot fulfill before selection runs.
type RequirementsFilter interface {
	FilterRequirements(ctx context.Context, requirements []PaymentRequirements) []PaymentRequirements
}

// FacilitatorMechanism verifies and settles payments for one scheme on one
// chain family.
type FacilitatorMechanism interface {
	Scheme() string
	Verify(ctx context.Context, payload *PaymentPayload, requirements *PaymentRequirements) (*VerifyResponse, error)
	Settle(ctx context.Context, payload *PaymentPayload, requirements *PaymentRequirements) (*SettleResponse, error)
	FeeQuote(ctx context.Context, requirements *PaymentRequirements) (*FeeQuoteResponse, error)
}

// PaymentPolicy narrows the candidate requirements during selection.
// Policies must not fail the selection outright: a policy that cannot
// decide returns its input unchanged.
type PaymentPolicy interface {
	Apply(ctx context.Context, requirements []PaymentRequirements) []PaymentRequirements
}

// TokenSelectionStrategy picks the requirement to pay from a non-empty
// candidate set.
type TokenSelectionStrategy interface {
	Select(requirements []PaymentRequirements) (*PaymentRequirements, error)
}
