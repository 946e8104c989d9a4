package gasfree

import (
	"context"
	"time"

	x402 "github.com/bankofai/x402-go"
)

// Transfer states reported by the GasFree API.
const (
	StateWaiting    = "WAITING"
	StateInProgress = "INPROGRESS"
	StateConfirming = "CONFIRMING"
	StateSucceed    = "SUCCEED"
	StateFailed     = "FAILED"
)

// Transaction states within a transfer.
const (
	TxnInit          = "INIT"
	TxnNotOnChain    = "NOT_ON_CHAIN"
	TxnOnChain       = "ON_CHAIN"
	TxnSolidity      = "SOLIDITY"
	TxnOnChainFailed = "ON_CHAIN_FAILED"
)

// Polling defaults for WaitForSuccess.
const (
	DefaultPollTimeout  = 180 * time.Second
	DefaultPollInterval = 5 * time.Second
)

// Action is the polling decision for one observed (state, txnState) pair.
type Action int

const (
	// ActionContinue keeps polling.
	ActionContinue Action = iota
	// ActionSuccess ends polling with a settled transfer.
	ActionSuccess
	// ActionFail ends polling with a failed transfer.
	ActionFail
)

// Next maps an observed transfer state to a polling decision. It is pure:
// the caller owns timing and side effects.
func Next(state, txnState string) Action {
	if state == StateSucceed {
		return ActionSuccess
	}
	if state == StateFailed || txnState == TxnOnChainFailed {
		return ActionFail
	}
	return ActionContinue
}

// GraceSuccess reports whether a transfer that ran out its polling window
// can still be treated as settled: the transaction is on chain and only
// solidification is outstanding.
func GraceSuccess(state, txnState string) bool {
	return state == StateConfirming && txnState == TxnOnChain
}

// ResolveTimeout turns the last observed status at the polling deadline
// into either a grace success or a timeout error.
func ResolveTimeout(traceID string, last *TransferStatus, elapsed time.Duration) (*TransferStatus, error) {
	if last != nil && GraceSuccess(last.State, last.TxnState) {
		return last, nil
	}
	err := &x402.TransactionTimeoutError{TraceID: traceID, ElapsedMS: elapsed.Milliseconds()}
	if last != nil {
		err.State = last.State
		err.TxnState = last.TxnState
	}
	return nil, err
}

// Clock abstracts time for the polling loop so tests can run it without
// real sleeps.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// RealClock is the production Clock.
type RealClock struct{}

// Now implements Clock.
func (RealClock) Now() time.Time {
	return time.Now()
}

// Sleep implements Clock. It returns early with the context's error if the
// context is cancelled.
func (RealClock) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
