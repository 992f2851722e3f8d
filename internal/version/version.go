// Package version holds the in-memory LSM-tree shape: which SST files sit
// at which level, and the log of edits (VersionSet, backed by the MANIFEST)
// that turns one such shape into the next.
package version

import (
	"sync/atomic"

	"github.com/strandkv/strandkv/internal/manifest"
)

// MaxNumLevels bounds how many levels a Version can describe.
const MaxNumLevels = 7

// Version is an immutable snapshot of the file set: which SST files sit at
// each level, as of some point in the edit log. A new Version is produced
// by applying a VersionEdit to its predecessor through a VersionBuilder;
// the old Version is never mutated in place.
//
// Readers and iterators hold a Version alive by reference count (Ref);
// once the count drops to zero in Unref, the VersionSet unlinks it and its
// files become eligible for deletion once no compaction is in flight over
// them either.
type Version struct {
	files [MaxNumLevels][]*manifest.FileMetaData // per level, sorted by smallest key

	refs int32

	vset          *VersionSet
	versionNumber uint64 // monotonically increasing, for logging/debugging

	// The VersionSet threads every live Version onto a doubly linked list
	// so it can walk them without tracking a separate set.
	prev *Version
	next *Version

	compactionScore []float64 //nolint:unused // Reserved for future compaction scheduling
	compactionLevel []int     //nolint:unused // Reserved for future compaction scheduling
}

// NewVersion returns a Version with no files at any level.
func NewVersion(vset *VersionSet, versionNumber uint64) *Version {
	return &Version{
		vset:          vset,
		versionNumber: versionNumber,
	}
}

// Ref increments the reference count.
func (v *Version) Ref() {
	atomic.AddInt32(&v.refs, 1)
}

// Unref decrements the reference count, unlinking the Version from its
// VersionSet's list once the last reference is gone.
func (v *Version) Unref() {
	if atomic.AddInt32(&v.refs, -1) != 0 {
		return
	}

	// listMu is distinct from the VersionSet's main mutex specifically so
	// this can run concurrently with other Unref calls without risking a
	// deadlock against whatever holds the main lock.
	if v.vset != nil {
		v.vset.listMu.Lock()
		defer v.vset.listMu.Unlock()
	}

	if v.prev != nil {
		v.prev.next = v.next
	}
	if v.next != nil {
		v.next.prev = v.prev
	}
	v.prev, v.next = nil, nil
}

// NumLevels reports how many levels this Version addresses (always
// MaxNumLevels; unused levels simply hold no files).
func (v *Version) NumLevels() int {
	return MaxNumLevels
}

// NumFiles reports how many files sit at level, or 0 for an out-of-range level.
func (v *Version) NumFiles(level int) int {
	if level < 0 || level >= MaxNumLevels {
		return 0
	}
	return len(v.files[level])
}

// Files returns the files at level, sorted by smallest key.
func (v *Version) Files(level int) []*manifest.FileMetaData {
	if level < 0 || level >= MaxNumLevels {
		return nil
	}
	return v.files[level]
}

// TotalFiles sums file counts across every level.
func (v *Version) TotalFiles() int {
	total := 0
	for level := range MaxNumLevels {
		total += len(v.files[level])
	}
	return total
}

// NumLevelBytes sums the on-disk size of every file at level.
func (v *Version) NumLevelBytes(level int) uint64 {
	if level < 0 || level >= MaxNumLevels {
		return 0
	}
	var size uint64
	for _, f := range v.files[level] {
		size += f.FD.FileSize
	}
	return size
}

// VersionNumber reports this Version's place in the edit log, useful for
// logging and tests; it carries no semantic weight on its own.
func (v *Version) VersionNumber() uint64 {
	return v.versionNumber
}

// OverlappingInputs returns the files at level whose key range intersects
// [begin, end]. A nil begin or end means that side is unbounded.
func (v *Version) OverlappingInputs(level int, begin, end []byte) []*manifest.FileMetaData {
	if level < 0 || level >= MaxNumLevels {
		return nil
	}

	var result []*manifest.FileMetaData
	for _, f := range v.files[level] {
		if begin != nil && len(f.Largest) > 0 && compareInternalKeyDesc(f.Largest, begin) < 0 {
			continue // file ends before begin
		}
		if end != nil && len(f.Smallest) > 0 && compareInternalKeyDesc(f.Smallest, end) > 0 {
			continue // file starts after end
		}
		result = append(result, f)
	}
	return result
}

// compareInternalKeyDesc orders internal keys (user_key + 8-byte trailer)
// by ascending user key, then by descending sequence number so that among
// equal user keys the newest write sorts first. This package only ever
// needs bytewise user-key ordering, so it doesn't depend on a pluggable
// Comparator the way the block and dbformat packages do.
func compareInternalKeyDesc(a, b []byte) int {
	if len(a) < 8 || len(b) < 8 {
		return compareRawBytes(a, b) // malformed; fall back to plain bytes
	}

	if cmp := compareRawBytes(a[:len(a)-8], b[:len(b)-8]); cmp != 0 {
		return cmp
	}

	trailerA, trailerB := decodeTrailer(a[len(a)-8:]), decodeTrailer(b[len(b)-8:])
	switch {
	case trailerA > trailerB:
		return -1
	case trailerA < trailerB:
		return 1
	default:
		return 0
	}
}

func compareRawBytes(a, b []byte) int {
	n := min(len(a), len(b))
	for i := range n {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

// decodeTrailer decodes the little-endian 8-byte sequence+kind trailer
// appended to a user key.
func decodeTrailer(b []byte) uint64 {
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
		uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48 | uint64(b[7])<<56
}
