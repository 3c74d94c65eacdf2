package fsresize

import "errors"

var (
	// ErrUnrecoverable is returned when the consistency check finds damage
	// it cannot repair. The whole preload must abort.
	ErrUnrecoverable = errors.New("filesystem errors could not be corrected")

	// ErrVersionNotFound is returned when the OS release file carries no
	// VERSION field to select a filesystem kind by.
	ErrVersionNotFound = errors.New("os version not found")
)
