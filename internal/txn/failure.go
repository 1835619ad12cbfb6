package txn

import (
	"context"
	"errors"
	"fmt"

	"gacha-exchange/internal/chain"
	"gacha-exchange/internal/domain"
)

// Orchestrator-level failure kinds. Chain kinds live in package chain.
var (
	ErrGasEstimationFailed = errors.New("gas estimation failed")
	ErrMaxSupplyReached    = errors.New("max supply reached")
)

// Failure describes why an operation did not produce a receipt.
// errors.Is matches both Kind and the underlying error.
type Failure struct {
	Op     domain.OperationKind
	Kind   error
	Reason string
	Err    error
}

func (f *Failure) Error() string {
	if f.Reason != "" {
		return fmt.Sprintf("%s: %v: %s", f.Op, f.Kind, f.Reason)
	}
	return fmt.Sprintf("%s: %v", f.Op, f.Kind)
}

func (f *Failure) Unwrap() []error {
	if f.Err == nil || f.Err == f.Kind {
		return []error{f.Kind}
	}
	return []error{f.Kind, f.Err}
}

// Retryable reports whether err is a transient failure worth resubmitting.
// User rejections, reverts and funding problems are final.
func Retryable(err error) bool {
	return errors.Is(err, chain.ErrNetwork)
}

// kindOf maps an error to one of the failure kinds.
func kindOf(err error) error {
	for _, k := range []error{
		context.Canceled,
		context.DeadlineExceeded,
		domain.ErrInvalidOperation,
		domain.ErrInvalidAmount,
		ErrMaxSupplyReached,
		ErrGasEstimationFailed,
		chain.ErrUserRejected,
		chain.ErrInsufficientFunds,
		chain.ErrReverted,
		chain.ErrNetwork,
	} {
		if errors.Is(err, k) {
			return k
		}
	}
	return chain.ErrNetwork
}

func newFailure(op domain.OperationKind, err error) *Failure {
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	reason := err.Error()
	var rev *chain.RevertError
	if errors.As(err, &rev) && rev.Reason != "" {
		reason = rev.Reason
	}
	return &Failure{Op: op, Kind: kindOf(err), Reason: reason, Err: err}
}
