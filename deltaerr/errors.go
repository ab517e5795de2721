// Package deltaerr defines the sentinel error taxonomy shared by every
// component of the store, so callers can branch with errors.Is/errors.As
// instead of parsing messages.
package deltaerr

import "errors"

var (
	// ErrNotFound is never returned by Get/Contains (those report absence
	// as a zero value). A missing id reached indirectly, as a base, during
	// resolution is reported as ErrCorruptChain, not ErrNotFound.
	ErrNotFound = errors.New("not found")

	// ErrCorruptChain indicates a structural invariant violation: a record
	// references a base id that does not exist, or whose reconstructed
	// payload does not match the expected digest.
	ErrCorruptChain = errors.New("corrupt delta chain")

	// ErrCorruptDelta indicates the codec rejected a record's delta bytes.
	ErrCorruptDelta = errors.New("corrupt delta")

	// ErrIO wraps a lower-level filesystem or index failure.
	ErrIO = errors.New("i/o error")

	// ErrExists indicates a transient race during atomic file creation; it
	// is always retried internally and is never surfaced to callers.
	ErrExists = errors.New("already exists")
)
