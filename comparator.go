package strandkv

// Comparator defines the total ordering used for keys in a database. The
// zero-value behavior (no comparator configured) falls back to plain
// bytewise comparison, which is the ordering every built-in component
// assumes unless a custom Comparator is installed.

import "bytes"

// Comparator is a user-pluggable key ordering. Implementations must be
// deterministic and must not change behavior for the lifetime of a
// database: switching comparators on an existing database silently
// corrupts its sort order.
type Comparator interface {
	// Compare reports whether a sorts before (<0), equal to (0), or after
	// (>0) b.
	Compare(a, b []byte) int

	// Name identifies the comparator; it is persisted in the MANIFEST so a
	// reopen can detect a mismatched comparator.
	Name() string

	// FindShortestSeparator returns some key k with a <= k < b, preferring
	// a short k, for use when writing index-block separators. Returning a
	// unchanged is always a valid (if non-optimal) answer.
	FindShortestSeparator(a, b []byte) []byte

	// FindShortSuccessor returns some short key k with k >= a, for use as
	// the final separator in an index block.
	FindShortSuccessor(a []byte) []byte
}

// BytewiseComparator orders keys by raw byte value. It is the comparator
// used whenever Options.Comparator is left nil.
type BytewiseComparator struct{}

func (BytewiseComparator) Compare(a, b []byte) int { return bytes.Compare(a, b) }

func (BytewiseComparator) Name() string { return "leveldb.BytewiseComparator" }

// FindShortestSeparator walks the common prefix of a and b and, at the
// first differing byte, tries to bump a's byte up by one while staying
// below b. If a is a prefix of b (or vice versa), or no shorter separator
// exists, a is returned unchanged.
func (BytewiseComparator) FindShortestSeparator(a, b []byte) []byte {
	prefixLen := commonPrefixLen(a, b)

	if prefixLen >= len(a) || prefixLen >= len(b) {
		return a
	}

	diffByte := a[prefixLen]
	if diffByte < 0xFF && diffByte+1 < b[prefixLen] {
		separator := append([]byte(nil), a[:prefixLen+1]...)
		separator[prefixLen]++
		return separator
	}
	return a
}

// FindShortSuccessor bumps the first byte of a that is not already 0xFF and
// truncates there; if every byte is 0xFF, a has no shorter successor and is
// returned unchanged.
func (BytewiseComparator) FindShortSuccessor(a []byte) []byte {
	for i, c := range a {
		if c != 0xFF {
			successor := append([]byte(nil), a[:i+1]...)
			successor[i]++
			return successor
		}
	}
	return a
}

func commonPrefixLen(a, b []byte) int {
	n := min(len(a), len(b))
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

// DefaultComparator returns the bytewise comparator used when no custom
// ordering is configured.
func DefaultComparator() Comparator {
	return BytewiseComparator{}
}
