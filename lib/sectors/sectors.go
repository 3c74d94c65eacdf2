// Package sectors provides byte/sector conversions for the 512-byte sectors
// used by partition tables and extent copies.
package sectors

import (
	"errors"
	"fmt"

	"github.com/c2h5oh/datasize"
)

// Size is the sector size assumed everywhere: partition describe output,
// layout scripts and extent copies all use 512-byte units.
const Size = 512

// ErrAlignment is returned when a byte count must be an exact number of
// sectors but is not.
var ErrAlignment = errors.New("byte count is not sector aligned")

// RoundUp returns the smallest multiple of the sector size >= n.
func RoundUp(n int64) int64 {
	if n%Size == 0 {
		return n
	}
	return (n/Size + 1) * Size
}

// ToSectors converts an exact byte count to sectors. Counts that are not a
// whole number of sectors fail with ErrAlignment.
func ToSectors(n int64) (int64, error) {
	if n%Size != 0 {
		return 0, fmt.Errorf("%w: %d bytes", ErrAlignment, n)
	}
	return n / Size, nil
}

// Bytes formats a byte count for log output, e.g. "157.3 MB".
func Bytes(n int64) string {
	return datasize.ByteSize(n).HumanReadable()
}
