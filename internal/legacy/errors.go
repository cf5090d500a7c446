package legacy

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectionFailed is returned when every open attempt failed.
	ErrConnectionFailed = errors.New("legacy connection failed")
	// ErrStale means the file changed under an open snapshot.
	ErrStale = errors.New("legacy snapshot is stale")
	// ErrToolUnavailable means the external export tool is not installed.
	ErrToolUnavailable = errors.New("legacy export tool unavailable")
)

// ConnectionError describes a connection that could not be established.
type ConnectionError struct {
	Path     string
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("failed to connect to %s after %d attempt(s): %v", e.Path, e.Attempts, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func (e *ConnectionError) Is(target error) bool { return target == ErrConnectionFailed }
