package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrStaleSchedule means the subscription cursor moved (renewal, plan
	// change, cancel) between selection and commit and nobody applied the grant.
	ErrStaleSchedule       = errors.New("stale schedule cursor")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrEntryNotFound       = errors.New("ledger entry not found")
	ErrUserNotFound        = errors.New("user not found")
	ErrInvalidRequest      = errors.New("invalid ledger request")
	// ErrStorage wraps infrastructure failures. Callers may retry.
	ErrStorage = errors.New("ledger storage failure")
)

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}

// IsTransient reports whether err is a storage failure worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrStorage)
}

// classify makes sure anything that is not one of the ledger's own outcomes
// surfaces as a storage failure (commit errors, driver errors).
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{ErrStorage, ErrStaleSchedule, ErrInsufficientCredits, ErrEntryNotFound, ErrUserNotFound, ErrInvalidRequest} {
		if errors.Is(err, known) {
			return err
		}
	}
	return storageErr(op, err)
}
