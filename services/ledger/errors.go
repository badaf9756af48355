package ledger

import "errors"

var (
	// ErrInsufficientCredits means the guarded balance update matched no row:
	// the debit would take the account below zero. Nothing was written.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrDuplicateEvent means another settlement already applied a transaction
	// for the same (provider, external_ref). Callers treat it as a replay of
	// the prior outcome, not a failure.
	ErrDuplicateEvent = errors.New("duplicate settlement event")

	// ErrUserNotFound means the target account does not exist.
	ErrUserNotFound = errors.New("user not found")
)
