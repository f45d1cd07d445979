// Package errors holds sentinel errors shared across package boundaries.
package errors

import (
	"errors"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrGone reports that the platform object an action targets no longer
	// exists, so the action is already in effect.
	ErrGone = errors.New("gone")

	ErrVotingDisabled = errors.New("community voting disabled")
)

// IsGone reports whether err means the target is already gone.
func IsGone(err error) bool {
	return errors.Is(err, ErrGone)
}
