package partition

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const flasherLayout = `label: dos
label-id: 0x8ba803c9
device: disk.img
unit: sectors

disk.img1 : start=        8192, size=       81920, type=c
disk.img2 : start=       90112, size=      638976, type=83
disk.img3 : start=      729088, size=      638976, type=83
disk.img4 : start=     1368064, size=     2318336, type=f
disk.img5 : start=     1376256, size=       40960, type=83
disk.img6 : start=     1425408, size=     2260992, type=83`

func TestRewriteLayout(t *testing.T) {
	plan := ResizePlan{GrowIndex: 2, AdditionalSectors: 4096}

	rewritten, err := RewriteLayout(flasherLayout, plan)
	require.NoError(t, err)

	// Partition 2 grows by 4096 sectors; partitions 3..6 shift by the same
	// amount; no other byte of the script changes.
	expected := strings.Split(flasherLayout, "\n")
	expected[6] = strings.Replace(expected[6], "638976", "643072", 1)
	expected[7] = strings.Replace(expected[7], "729088", "733184", 1)
	expected[8] = strings.Replace(expected[8], "1368064", "1372160", 1)
	expected[9] = strings.Replace(expected[9], "1376256", "1380352", 1)
	expected[10] = strings.Replace(expected[10], "1425408", "1429504", 1)
	require.Equal(t, strings.Join(expected, "\n"), rewritten)
}

func TestRewriteLayoutNoLaterPartitions(t *testing.T) {
	layout := `label: dos
device: disk.img
unit: sectors

disk.img1 : start=          64, size=        1984, type=c
disk.img2 : start=        2048, size=       20000, type=83`

	rewritten, err := RewriteLayout(layout, ResizePlan{GrowIndex: 2, AdditionalSectors: 4096})
	require.NoError(t, err)

	lines := strings.Split(rewritten, "\n")
	require.Regexp(t, `size=\s*24096,`, lines[5])
	// No partition after the grown one, so nothing shifts.
	require.Equal(t, "disk.img1 : start=          64, size=        1984, type=c", lines[4])
}

func TestRewriteLayoutMissingIndex(t *testing.T) {
	_, err := RewriteLayout(flasherLayout, ResizePlan{GrowIndex: 9, AdditionalSectors: 1})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRewriteLayoutMalformedLine(t *testing.T) {
	layout := `label: dos
unit: sectors

disk.img2 : start=        2048, length=20000, type=83`

	_, err := RewriteLayout(layout, ResizePlan{GrowIndex: 2, AdditionalSectors: 1})
	require.ErrorIs(t, err, ErrLayoutFormat)
}
