package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound              = errors.New("not found")
	ErrInsufficientInventory = errors.New("insufficient inventory")
	ErrQuantityExceeded      = errors.New("quantity exceeded")
	ErrInvalidTransition     = errors.New("invalid transition")
	ErrDuplicateRequest      = errors.New("duplicate request")
	ErrDataAccess            = errors.New("data access failure")
	ErrInvariantViolation    = errors.New("invariant violation")
)

// DataAccessError reports a storage failure. MaybeApplied is set when the
// statement could have taken effect (for example a failed COMMIT), which
// makes a blind retry unsafe.
type DataAccessError struct {
	Op           string
	MaybeApplied bool
	Err          error
}

func (e *DataAccessError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *DataAccessError) Unwrap() []error {
	return []error{ErrDataAccess, e.Err}
}

func NewDataAccessError(op string, err error) error {
	return &DataAccessError{Op: op, Err: err}
}

func NewUncertainDataAccessError(op string, err error) error {
	return &DataAccessError{Op: op, MaybeApplied: true, Err: err}
}

// IsRetriable reports whether err is a data access failure that is known
// not to have been applied.
func IsRetriable(err error) bool {
	if errors.Is(err, ErrInvariantViolation) {
		return false
	}
	var dae *DataAccessError
	if errors.As(err, &dae) {
		return !dae.MaybeApplied
	}
	return false
}

// InvariantError carries the context an operator needs to repair a broken
// inventory/ledger invariant by hand.
type InvariantError struct {
	Op       string
	OrderNo  string
	Ticket   TicketRef
	Quantity int
	Err      error
}

func (e *InvariantError) Error() string {
	msg := fmt.Sprintf("invariant violation during %s on %s qty=%d", e.Op, e.Ticket, e.Quantity)
	if e.OrderNo != "" {
		msg += " order=" + e.OrderNo
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *InvariantError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrInvariantViolation}
	}
	return []error{ErrInvariantViolation, e.Err}
}

const (
	CodeNotFound              = "NOT_FOUND"
	CodeInsufficientInventory = "INSUFFICIENT_INVENTORY"
	CodeQuantityExceeded      = "QUANTITY_EXCEEDED"
	CodeInvalidTransition     = "INVALID_TRANSITION"
	CodeDuplicateRequest      = "DUPLICATE_REQUEST"
	CodeDataAccessFailure     = "DATA_ACCESS_FAILURE"
	CodeInvariantViolation    = "INVARIANT_VIOLATION"
	CodeInternal              = "INTERNAL"
)

// Code maps err onto its stable error code. Invariant violations win over
// everything they wrap.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvariantViolation):
		return CodeInvariantViolation
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrInsufficientInventory):
		return CodeInsufficientInventory
	case errors.Is(err, ErrQuantityExceeded):
		return CodeQuantityExceeded
	case errors.Is(err, ErrInvalidTransition):
		return CodeInvalidTransition
	case errors.Is(err, ErrDuplicateRequest):
		return CodeDuplicateRequest
	case errors.Is(err, ErrDataAccess):
		return CodeDataAccessFailure
	default:
		return CodeInternal
	}
}
