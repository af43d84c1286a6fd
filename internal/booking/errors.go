package booking

import "errors"

var (
	// ErrNotFound: no booking with that id.
	ErrNotFound = errors.New("booking not found")

	// ErrAlreadyTaken: an accept arrived for a booking that is no longer
	// offering to that driver (lost race, superseded offer, or the timeout
	// already fired). Non-fatal for the caller; never retried.
	ErrAlreadyTaken = errors.New("ride request expired or already taken")

	// ErrInvalidOTP: start attempted with the wrong code. The driver may
	// retry with the correct one.
	ErrInvalidOTP = errors.New("invalid otp")

	// ErrWrongState: a transition attempted from an illegal state. A stale
	// or duplicate message; the wrapped message carries the current status
	// so the caller can resynchronize.
	ErrWrongState = errors.New("wrong booking state")
)

// errStaleCandidate marks a reject referencing a superseded candidate.
// Internal only: stale rejections are absorbed as no-ops, never surfaced.
var errStaleCandidate = errors.New("stale candidate")
