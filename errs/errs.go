// Package errs classifies the protocol's error taxonomy as markers on
// top of github.com/cockroachdb/errors, so that wrapping through pebble,
// azblob, or codec errors keeps the classification queryable without a
// parallel type hierarchy.
package errs

import (
	"github.com/cockroachdb/errors"
)

var (
	invariantMark  = errors.New("invariant violation")
	byzantineMark  = errors.New("byzantine input")
	transientMark  = errors.New("transient i/o")
	exhaustedMark  = errors.New("resource exhaustion")
	epochRaceMark  = errors.New("epoch-boundary race")
)

// MarkInvariant marks err as a fatal invariant violation: execution-index
// regression, manifest contiguity break, an unknown session referenced by
// a finalize hook. Callers are expected to log and let the supervisor
// restart the process.
func MarkInvariant(err error) error { return errors.Mark(err, invariantMark) }

// MarkByzantine marks err as byzantine input from a peer: wrong-epoch
// signatures, invalid messages, mismatched outputs. The caller should
// record the offending authority in the local malicious set.
func MarkByzantine(err error) error { return errors.Mark(err, byzantineMark) }

// MarkTransient marks err as a retryable I/O failure (object-store
// read/write). Callers retry with bounded backoff.
func MarkTransient(err error) error { return errors.Mark(err, transientMark) }

// MarkResourceExhausted marks err as non-fatal resource exhaustion (the
// CPU pool is saturated); the caller defers to the next tick.
func MarkResourceExhausted(err error) error { return errors.Mark(err, exhaustedMark) }

// MarkEpochRace marks err as an epoch-boundary race: an event arrived for
// a committee or network key not yet installed. The caller should queue
// the event and release it once the prerequisite arrives.
func MarkEpochRace(err error) error { return errors.Mark(err, epochRaceMark) }

// IsInvariant reports whether err (or any error it wraps) was marked fatal.
func IsInvariant(err error) bool { return errors.Is(err, invariantMark) }

// IsByzantine reports whether err (or any error it wraps) was marked as
// byzantine peer input.
func IsByzantine(err error) bool { return errors.Is(err, byzantineMark) }

// IsTransient reports whether err (or any error it wraps) was marked
// transient.
func IsTransient(err error) bool { return errors.Is(err, transientMark) }

// IsResourceExhausted reports whether err (or any error it wraps) was
// marked as resource exhaustion.
func IsResourceExhausted(err error) bool { return errors.Is(err, exhaustedMark) }

// IsEpochRace reports whether err (or any error it wraps) was marked as an
// epoch-boundary race.
func IsEpochRace(err error) bool { return errors.Is(err, epochRaceMark) }
