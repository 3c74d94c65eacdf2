package dockerd

import "errors"

var (
	// ErrTimeout is returned when the daemon's socket or readiness poll
	// exceeds its retry budget.
	ErrTimeout = errors.New("timed out waiting for container runtime daemon")

	// ErrUnavailable is returned when the daemon cannot be started at all.
	ErrUnavailable = errors.New("container runtime daemon unavailable")
)
