package partition

import "errors"

var (
	// ErrParse is returned when parted describe output is unrecognized.
	ErrParse = errors.New("unrecognized partition describe output")

	// ErrLayoutFormat is returned when an sfdisk layout script line does not
	// match the expected field pattern.
	ErrLayoutFormat = errors.New("unexpected layout script format")

	// ErrNotFound is returned when a partition index is absent from a table
	// or layout script.
	ErrNotFound = errors.New("partition not found")
)
