package fsresize

import (
	"strconv"
	"strings"
)

// Version is a dotted-numeric OS version. Only the leading numeric
// components take part in comparison; a pre-release suffix such as
// "2.0.0-beta.1" neither breaks parsing nor affects ordering of the numeric
// prefix.
type Version struct {
	raw        string
	components []int64
}

// ParseVersion extracts the leading dotted-numeric prefix of s.
func ParseVersion(s string) Version {
	v := Version{raw: s}
	for _, part := range strings.Split(strings.TrimSpace(s), ".") {
		digits := leadingDigits(part)
		if digits == "" {
			break
		}
		n, err := strconv.ParseInt(digits, 10, 64)
		if err != nil {
			break
		}
		v.components = append(v.components, n)
		if len(digits) != len(part) {
			// Numeric prefix ends inside this component ("0-beta").
			break
		}
	}
	return v
}

// Compare returns -1, 0 or 1 ordering v against other. Components are
// compared numerically left to right; the shorter sequence pads with zero.
func (v Version) Compare(other Version) int {
	n := max(len(v.components), len(other.components))
	for i := range n {
		a, b := v.component(i), other.component(i)
		switch {
		case a < b:
			return -1
		case a > b:
			return 1
		}
	}
	return 0
}

// AtLeast reports whether v >= other.
func (v Version) AtLeast(other Version) bool {
	return v.Compare(other) >= 0
}

func (v Version) String() string {
	return v.raw
}

func (v Version) component(i int) int64 {
	if i < len(v.components) {
		return v.components[i]
	}
	return 0
}

func leadingDigits(s string) string {
	for i := range len(s) {
		if s[i] < '0' || s[i] > '9' {
			return s[:i]
		}
	}
	return s
}
