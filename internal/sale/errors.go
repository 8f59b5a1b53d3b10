package sale

import (
	"errors"
	"fmt"

	"github.com/mbd888/xmrescrow/internal/lease"
	"github.com/mbd888/xmrescrow/internal/walletrpc"
)

// Kind classifies why a worker step did not complete.
type Kind int

const (
	KindUnknown Kind = iota
	KindRPCUnavailable
	KindInsufficientFunds
	KindTransferFailure
	KindBalanceNotSettled
	KindConfigurationDefect
	KindLeaseHeld
	KindConflict
	KindStore
)

func (k Kind) String() string {
	switch k {
	case KindRPCUnavailable:
		return "rpc_unavailable"
	case KindInsufficientFunds:
		return "insufficient_funds"
	case KindTransferFailure:
		return "transfer_failure"
	case KindBalanceNotSettled:
		return "balance_not_settled"
	case KindConfigurationDefect:
		return "configuration_defect"
	case KindLeaseHeld:
		return "lease_held"
	case KindConflict:
		return "conflict"
	case KindStore:
		return "store"
	default:
		return "unknown"
	}
}

// Deferral reports whether errors of this kind are expected to clear on a
// later pass without intervention.
func (k Kind) Deferral() bool {
	switch k {
	case KindInsufficientFunds, KindBalanceNotSettled, KindLeaseHeld, KindConflict:
		return true
	}
	return false
}

// StepError is a classified failure of one record within a worker pass.
type StepError struct {
	Kind   Kind
	Op     string
	SaleID string
	Err    error
}

func (e *StepError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s sale %s: %s", e.Op, e.SaleID, e.Kind)
	}
	return fmt.Sprintf("%s sale %s: %s: %v", e.Op, e.SaleID, e.Kind, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

func stepErr(kind Kind, op, saleID string, err error) *StepError {
	return &StepError{Kind: kind, Op: op, SaleID: saleID, Err: err}
}

// rpcErr classifies a wallet error: unreachable wallet versus a call the
// wallet rejected.
func rpcErr(op, saleID string, err error) *StepError {
	if walletrpc.IsUnavailable(err) {
		return stepErr(KindRPCUnavailable, op, saleID, err)
	}
	return stepErr(KindTransferFailure, op, saleID, err)
}

// KindOf extracts the kind of err.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var se *StepError
	if errors.As(err, &se) {
		return se.Kind
	}
	switch {
	case walletrpc.IsUnavailable(err):
		return KindRPCUnavailable
	case errors.Is(err, lease.ErrHeld):
		return KindLeaseHeld
	case errors.Is(err, ErrConflict):
		return KindConflict
	}
	return KindUnknown
}
