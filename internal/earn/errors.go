package earn

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is returned for malformed input such as a short username
	ErrValidation = errors.New("earn: invalid input")

	// ErrUsernameAlreadySet is returned when confirming a username twice
	ErrUsernameAlreadySet = errors.New("earn: username already set")

	// ErrUsernameRequired is returned when an operation needs a locked username
	ErrUsernameRequired = errors.New("earn: username required")

	// ErrAlreadyActive is returned when starting accrual during a running period
	ErrAlreadyActive = errors.New("earn: accrual already active")

	ErrReferralNotFound = errors.New("earn: referral not found")
	ErrReferralExists   = errors.New("earn: referral already exists")

	// ErrNoBackup is returned by Recover when no backup belongs to the identity
	ErrNoBackup = errors.New("earn: no backup for identity")
)

// PersistenceError reports a failed storage read or write.
//
// Write failures are not fatal: the in-memory session has already been
// updated when one is returned.
type PersistenceError struct {
	Op  string
	Key string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("earn: %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// IsPersistenceError reports whether err carries a *PersistenceError.
func IsPersistenceError(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}
