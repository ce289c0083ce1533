package ledger

import (
	"errors"
	"fmt"

	"github.com/hongminglow/all-in-ledger/internal/storage"
)

// Validation failures. They are detected before anything is written.
var (
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrAccountNotFound   = errors.New("account not found")
	ErrLoanLimitExceeded = errors.New("loan limit exceeded")
	ErrLoanNotApproved   = errors.New("loan not approved")
	ErrLoanNotFound      = errors.New("loan not found")
	ErrLoanState         = errors.New("loan is not awaiting a decision")
	ErrInvalidRange      = errors.New("invalid date range")
)

// ErrSameAccount is reported for transfers to the sender's own account.
var ErrSameAccount = fmt.Errorf("%w: sender and receiver are the same account", ErrAccountNotFound)

var (
	// ErrConflict is returned once retries on lock contention are exhausted.
	ErrConflict = errors.New("conflicting concurrent update")
	// ErrRequestReused is returned when a request ID already committed for
	// one operation arrives with a different one.
	ErrRequestReused = errors.New("request id already used for a different operation")
	// ErrStoreFailure wraps any persistence error; the operation had no effect.
	ErrStoreFailure = errors.New("store failure")
)

// IsValidation reports whether err is a business-rule rejection rather than
// an infrastructure failure.
func IsValidation(err error) bool {
	for _, target := range []error{
		ErrInvalidAmount, ErrInsufficientFunds, ErrAccountNotFound, ErrLoanLimitExceeded,
		ErrLoanNotApproved, ErrLoanNotFound, ErrLoanState, ErrInvalidRange,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// classify maps an error escaping a unit of work onto the ledger taxonomy.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case IsValidation(err), errors.Is(err, ErrConflict), errors.Is(err, ErrRequestReused), errors.Is(err, ErrStoreFailure):
		return err
	case errors.Is(err, storage.ErrConflict):
		return fmt.Errorf("%w: %w", ErrConflict, err)
	default:
		return fmt.Errorf("%w: %w", ErrStoreFailure, err)
	}
}
