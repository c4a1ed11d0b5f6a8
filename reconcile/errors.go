package reconcile

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedBackend is returned for references that do not name a GitHub repository.
	ErrUnsupportedBackend = errors.New("reconcile: unsupported backend")
	// ErrReleaseNotFound is returned when no release exists and the mode forbids creating one.
	ErrReleaseNotFound = errors.New("reconcile: release not found")
	// ErrSizeMismatch is returned when an upload body disagrees with its declared length.
	ErrSizeMismatch = errors.New("reconcile: size mismatch")
)

// RemoteError wraps a failure reported by the release store.
type RemoteError struct {
	Op  string
	Err error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("release store %s: %v", e.Op, e.Err)
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}
