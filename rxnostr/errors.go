package rxnostr

import "errors"

// Sentinel errors returned by the engine. Callers match them with errors.Is.
var (
	// ErrAlreadyDisposed is returned by every facade call made after Dispose.
	ErrAlreadyDisposed = errors.New("rxnostr: already disposed")

	// ErrInvalidUsage is returned for caller mistakes, such as reconnecting a
	// relay that is not a readable default relay. Signing failures wrap it too.
	ErrInvalidUsage = errors.New("rxnostr: invalid usage")

	// ErrLogic marks a broken internal invariant. Seeing it is a bug.
	ErrLogic = errors.New("rxnostr: logic error")
)
