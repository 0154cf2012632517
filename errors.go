package vestring

import "errors"

// Sentinel errors for rejected operations. Every rejection is
// synchronous and leaves no partial state behind.
var (
	// Validation errors
	ErrInvalidDuration   = errors.New("vestring: duration must be positive")
	ErrInvalidAmount     = errors.New("vestring: amount must be positive")
	ErrInvalidTimestamps = errors.New("vestring: invalid timestamp sequence")
	ErrInvalidAmounts    = errors.New("vestring: invalid amount sequence")

	// Authorization errors
	ErrOnlyOwner = errors.New("vestring: caller is not the position owner")

	// State errors
	ErrUnknownPosition  = errors.New("vestring: unknown position")
	ErrNothingToRelease = errors.New("vestring: nothing to release")
	ErrNothingToSplit   = errors.New("vestring: nothing left to split")
	ErrNothingToExtend  = errors.New("vestring: nothing left to extend")
	ErrNewEndTooEarly   = errors.New("vestring: new end time precedes current end time")
	ErrLedgerStopped    = errors.New("vestring: ledger is stopped")

	// Collaborator errors (raised by the bundled memory implementations)
	ErrInsufficientBalance   = errors.New("vestring: insufficient token balance")
	ErrInsufficientAllowance = errors.New("vestring: insufficient token allowance")
)
