package ledger

import "errors"

var (
	// ErrNotConnected is returned for any call made without a live session.
	ErrNotConnected = errors.New("ledger not connected")

	// ErrRejectedByLedger covers every refusal by the ledger itself:
	// unauthorized caller, unknown id, invalid transition, malformed input.
	ErrRejectedByLedger = errors.New("rejected by ledger")

	// ErrUserCancelled is returned when the session holder declines to
	// confirm a pending transaction.
	ErrUserCancelled = errors.New("user cancelled confirmation")

	// ErrSignatureMismatch is returned by a backend that does not know the
	// called method signature (a legacy deployment).
	ErrSignatureMismatch = errors.New("method signature not supported by ledger")

	// ErrTimedOut is returned when a call exceeds the configured call timeout.
	// The ledger may still finalize the call later.
	ErrTimedOut = errors.New("ledger call timed out")

	ErrNotFound = errors.New("ledger record not found")
)
