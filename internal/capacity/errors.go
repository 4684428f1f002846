package capacity

import "errors"

var (
	// ErrCapacityExceeded means the requested quantity is larger than what is
	// available under lock. It is a business outcome and is never retried.
	ErrCapacityExceeded = errors.New("not enough availability")

	// ErrReservationNotFound means the targeted hold no longer exists in an
	// active state. Confirm treats it as fatal; release treats it as done.
	ErrReservationNotFound = errors.New("reservation not found")

	// ErrInvariantViolation means a ledger row would leave
	// total >= reserved + confirmed >= 0. The transaction is aborted.
	ErrInvariantViolation = errors.New("capacity invariant violation")

	ErrInvalidQuantity = errors.New("quantity must be greater than zero")
	ErrInvalidOwner    = errors.New("owner id is required")
	ErrInvalidKey      = errors.New("schedule id and variant id are required")
	ErrInvalidTotal    = errors.New("total capacity cannot be negative")
	ErrEmptyUpdate     = errors.New("total_capacity or disabled is required")
	ErrLedgerNotFound  = errors.New("capacity row not found")
	ErrLedgerExists    = errors.New("capacity row already exists")
	ErrLedgerDisabled  = errors.New("capacity row is disabled")
)

func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrReservationNotFound) ||
		errors.Is(err, ErrLedgerNotFound)
}

func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidQuantity) ||
		errors.Is(err, ErrInvalidOwner) ||
		errors.Is(err, ErrInvalidKey) ||
		errors.Is(err, ErrInvalidTotal) ||
		errors.Is(err, ErrEmptyUpdate)
}

func IsConflictError(err error) bool {
	return errors.Is(err, ErrCapacityExceeded) ||
		errors.Is(err, ErrLedgerExists) ||
		errors.Is(err, ErrLedgerDisabled)
}
