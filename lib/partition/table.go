// Package partition models the on-disk partition layout of a raw image and
// rewrites it to grow one partition in place.
//
// The layout supported is the fixed two-tier scheme used by the device
// images: an extended partition wrapping one resizable logical partition.
// This is not a general partitioning library.
package partition

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/fleetforge/preload/lib/system"
)

// Unit selects the unit parted reports extents in.
type Unit string

const (
	UnitBytes   Unit = "B"
	UnitSectors Unit = "s"
)

// Entry is one partition record, with Start and Size in the unit the table
// was described in.
type Entry struct {
	Index      int
	Start      int64
	Size       int64
	Filesystem string
}

// Table is an ordered partition layout, always derived fresh from a
// describe call. It must never be cached across a mutation of the image.
type Table []Entry

// Describe invokes parted's machine-readable print mode on the image and
// parses one entry per partition line.
func Describe(ctx context.Context, r system.Runner, image string, unit Unit) (Table, error) {
	output, err := r.Run(ctx, "parted", "-s", "-m", image, "unit", string(unit), "print")
	if err != nil {
		return nil, fmt.Errorf("describe %s: %w", image, err)
	}
	return parseDescribe(string(output), unit)
}

// parseDescribe parses "parted -s -m" output. Partition lines look like
// "2:4194304B:338690047B:334495744B:ext4::;" with fields
// index:start:end:size:fs:name:flags.
func parseDescribe(output string, unit Unit) (Table, error) {
	var table Table
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		line = strings.TrimSuffix(strings.TrimSpace(line), ";")
		if line == "" || !isDigit(line[0]) {
			// BYT; header and the device summary line.
			continue
		}

		fields := strings.Split(line, ":")
		if len(fields) < 4 {
			return nil, fmt.Errorf("%w: %q", ErrParse, line)
		}

		index, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, fmt.Errorf("%w: bad index in %q", ErrParse, line)
		}
		start, err := parseExtentValue(fields[1], unit)
		if err != nil {
			return nil, fmt.Errorf("%w: bad start in %q", ErrParse, line)
		}
		size, err := parseExtentValue(fields[3], unit)
		if err != nil {
			return nil, fmt.Errorf("%w: bad size in %q", ErrParse, line)
		}

		entry := Entry{Index: index, Start: start, Size: size}
		if len(fields) > 4 {
			entry.Filesystem = fields[4]
		}
		table = append(table, entry)
	}

	if len(table) == 0 {
		return nil, fmt.Errorf("%w: no partition lines", ErrParse)
	}

	sort.Slice(table, func(i, j int) bool { return table[i].Index < table[j].Index })
	return table, nil
}

// parseExtentValue strips the trailing unit suffix ("B" or "s") and parses
// the numeric value.
func parseExtentValue(s string, unit Unit) (int64, error) {
	s = strings.TrimSuffix(strings.TrimSpace(s), string(unit))
	return strconv.ParseInt(s, 10, 64)
}

// Extent returns the start and size of the 1-based partition index.
func (t Table) Extent(index int) (start, size int64, err error) {
	for _, e := range t {
		if e.Index == index {
			return e.Start, e.Size, nil
		}
	}
	return 0, 0, fmt.Errorf("%w: index %d", ErrNotFound, index)
}

// ResizeToFill grows the given partition indices to the end of the image,
// in order. Used after the image file itself has been extended, so "100%"
// is the correct target for both the extended partition and the logical
// partition inside it.
func ResizeToFill(ctx context.Context, r system.Runner, image string, indices ...int) error {
	args := []string{"-s", image}
	for _, index := range indices {
		args = append(args, "resizepart", strconv.Itoa(index), "100%")
	}
	if _, err := r.Run(ctx, "parted", args...); err != nil {
		return fmt.Errorf("resize partitions %v: %w", indices, err)
	}
	return nil
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }
