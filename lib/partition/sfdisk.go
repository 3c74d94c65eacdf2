package partition

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/fleetforge/preload/lib/system"
)

// ResizePlan describes one growth operation: enlarge the partition at
// GrowIndex by AdditionalSectors and shift every partition after it by the
// same amount.
type ResizePlan struct {
	GrowIndex         int
	AdditionalSectors int64
}

var (
	// Partition lines in an sfdisk dump look like
	// "image.img2 : start=     8192, size=   653184, type=83".
	partitionLineRe = regexp.MustCompile(`^(\S*?)(\d+)\s*:\s*(.*)$`)
	startFieldRe    = regexp.MustCompile(`(start=\s*)(\d+)`)
	sizeFieldRe     = regexp.MustCompile(`(size=\s*)(\d+)`)
)

// DumpLayout returns the image's layout as an sfdisk script.
func DumpLayout(ctx context.Context, r system.Runner, image string) (string, error) {
	output, err := r.Run(ctx, "sfdisk", "-d", image)
	if err != nil {
		return "", fmt.Errorf("dump layout of %s: %w", image, err)
	}
	return strings.TrimSpace(string(output)), nil
}

// ApplyLayout writes an sfdisk script as the image's partition table.
func ApplyLayout(ctx context.Context, r system.Runner, image, script string) error {
	if _, err := r.RunInput(ctx, strings.NewReader(script), "sfdisk", image); err != nil {
		return fmt.Errorf("apply layout to %s: %w", image, err)
	}
	return nil
}

// RewriteLayout transforms an sfdisk script per the plan: the size of the
// grown partition is increased and the start of every later partition is
// shifted by the same amount. All other fields are preserved verbatim.
//
// Target lines are located by their parsed partition index, not by line
// position, so header changes in sfdisk output cannot silently corrupt the
// result.
func RewriteLayout(script string, plan ResizePlan) (string, error) {
	lines := strings.Split(strings.TrimRight(script, "\n"), "\n")
	found := false

	for i, line := range lines {
		match := partitionLineRe.FindStringSubmatch(line)
		if match == nil || !strings.Contains(line, "start=") {
			// Header lines (label, unit, blank).
			continue
		}

		index, err := strconv.Atoi(match[2])
		if err != nil {
			return "", fmt.Errorf("%w: bad partition index in %q", ErrLayoutFormat, line)
		}

		switch {
		case index == plan.GrowIndex:
			rewritten, err := addToField(line, sizeFieldRe, plan.AdditionalSectors)
			if err != nil {
				return "", err
			}
			lines[i] = rewritten
			found = true
		case index > plan.GrowIndex:
			rewritten, err := addToField(line, startFieldRe, plan.AdditionalSectors)
			if err != nil {
				return "", err
			}
			lines[i] = rewritten
		}
	}

	if !found {
		return "", fmt.Errorf("%w: index %d not in layout script", ErrNotFound, plan.GrowIndex)
	}
	return strings.Join(lines, "\n"), nil
}

// addToField increases the numeric value of the matched field, preserving
// everything else on the line. A line that should carry the field but does
// not is a format error, never skipped.
func addToField(line string, re *regexp.Regexp, delta int64) (string, error) {
	match := re.FindStringSubmatchIndex(line)
	if match == nil {
		return "", fmt.Errorf("%w: %q", ErrLayoutFormat, line)
	}

	value, err := strconv.ParseInt(line[match[4]:match[5]], 10, 64)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrLayoutFormat, line)
	}

	return line[:match[4]] + strconv.FormatInt(value+delta, 10) + line[match[5]:], nil
}
