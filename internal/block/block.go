// Package block decodes the data-block format used inside SST files: a run
// of prefix-compressed key/value entries followed by a restart-point index
// and a small trailer.
package block

import (
	"encoding/binary"

	"github.com/strandkv/strandkv/internal/encoding"
)

// trailerSize is the width of the internal-key trailer (sequence number and
// kind) appended to every user key stored on disk.
const trailerSize = 8

// noGlobalSeqno marks a Block that carries no sequence-number override; every
// entry trailer is used as written.
const noGlobalSeqno = ^uint64(0)

// IndexKind distinguishes how a data block's restart points should be probed.
type IndexKind uint8

const (
	// RestartBinarySearch probes restart points with plain binary search.
	RestartBinarySearch IndexKind = iota
	// RestartHashIndex consults an auxiliary hash index before falling back
	// to binary search.
	RestartHashIndex
)

const (
	indexKindShift  = 31
	restartCountBit = (1 << indexKindShift) - 1
)

// EncodeRestartFooter packs a restart count and index kind into the 4-byte
// value stored at the tail of a data block's restart array.
func EncodeRestartFooter(kind IndexKind, numRestarts uint32) uint32 {
	packed := numRestarts
	if kind == RestartHashIndex {
		packed |= 1 << indexKindShift
	}
	return packed
}

// DecodeRestartFooter is the inverse of EncodeRestartFooter.
func DecodeRestartFooter(footer uint32) (IndexKind, uint32) {
	kind := RestartBinarySearch
	if footer&(1<<indexKindShift) != 0 {
		kind = RestartHashIndex
	}
	return kind, footer & restartCountBit
}

// Block wraps a decoded data block. It holds a view onto the caller-owned
// byte slice; it never copies.
type Block struct {
	raw []byte

	restartArrayOffset int
	restartCount       int

	seqnoOverride uint64
}

// Parse validates and wraps data as a data block. data is retained, not
// copied, so the caller must keep it alive for the Block's lifetime.
func Parse(data []byte) (*Block, error) {
	if len(data) < 4 {
		return nil, ErrBadBlock
	}

	footer := binary.LittleEndian.Uint32(data[len(data)-4:])
	_, restartCount := DecodeRestartFooter(footer)
	if restartCount == 0 {
		return nil, ErrBadBlock
	}

	// The restart array is restartCount uint32 offsets plus the trailing
	// footer word itself.
	tailBytes := int(restartCount+1) * 4
	if tailBytes > len(data) {
		return nil, ErrBadBlock
	}

	return &Block{
		raw:                data,
		restartArrayOffset: len(data) - tailBytes,
		restartCount:       int(restartCount),
		seqnoOverride:      noGlobalSeqno,
	}, nil
}

func (b *Block) Size() int        { return len(b.raw) }
func (b *Block) Data() []byte     { return b.raw }
func (b *Block) NumRestarts() int { return b.restartCount }

// RestartOffset returns the byte offset of the i-th restart point, or -1 if
// i is out of range.
func (b *Block) RestartOffset(i int) int {
	if i < 0 || i >= b.restartCount {
		return -1
	}
	pos := b.restartArrayOffset + i*4
	return int(binary.LittleEndian.Uint32(b.raw[pos:]))
}

// EntriesEnd returns the offset where entry data stops and the restart
// array begins.
func (b *Block) EntriesEnd() int { return b.restartArrayOffset }

// SetSeqnoOverride forces every entry's sequence number to seqno regardless
// of what its trailer encodes, used when replaying blocks ingested from an
// external file with a freshly assigned sequence range.
func (b *Block) SetSeqnoOverride(seqno uint64) { b.seqnoOverride = seqno }

// SeqnoOverride reports the active override, or noGlobalSeqno if none is set.
func (b *Block) SeqnoOverride() uint64 { return b.seqnoOverride }

// Entry is a single decoded key/value pair.
type Entry struct {
	Key   []byte
	Value []byte
}

// Iterator walks the entries of a Block in key order. It is not safe for
// concurrent use.
type Iterator struct {
	block    *Block
	raw      []byte
	entryEnd int

	pos      int // start offset of the current entry
	nextPos  int // start offset of the following entry

	key   []byte
	value []byte
	ok    bool
	err   error
}

// NewIterator returns an iterator over b's entries.
func (b *Block) NewIterator() *Iterator {
	return &Iterator{
		block:    b,
		raw:      b.raw,
		entryEnd: b.restartArrayOffset,
	}
}

func (it *Iterator) Valid() bool   { return it.ok && it.err == nil }
func (it *Iterator) Key() []byte   { return it.key }
func (it *Iterator) Value() []byte { return it.value }
func (it *Iterator) Error() error  { return it.err }

// SeekToFirst positions the iterator before the first restart point, since
// entries can precede it, then advances onto the first entry.
func (it *Iterator) SeekToFirst() {
	it.key = it.key[:0]
	it.value = nil
	it.ok = false
	it.pos = 0
	it.nextPos = 0
	it.Next()
}

// SeekToLast scans the final restart run to land on the last entry, since
// the block footer has no direct pointer to it.
func (it *Iterator) SeekToLast() {
	it.jumpToRestart(it.block.restartCount - 1)

	var tailKey, tailValue []byte
	var tailPos, tailNext int
	found := false

	for {
		it.Next()
		if !it.Valid() {
			break
		}
		tailKey = append(tailKey[:0], it.key...)
		tailValue = it.value
		tailPos = it.pos
		tailNext = it.nextPos
		found = true
	}

	if found {
		it.key = tailKey
		it.value = tailValue
		it.pos = tailPos
		it.nextPos = tailNext
		it.ok = true
	}
}

// Next advances to the entry following the current position.
func (it *Iterator) Next() {
	if it.err != nil {
		it.ok = false
		return
	}
	if it.nextPos >= it.entryEnd {
		it.ok = false
		return
	}
	it.pos = it.nextPos
	it.decodeEntryAt(it.pos)
}

// Prev moves to the entry preceding the current one. REQUIRES Valid().
//
// There is no backward link in the entry stream, so we rewind to the
// nearest restart point at or before the current entry and replay forward,
// keeping the last entry seen before reaching the original position.
func (it *Iterator) Prev() {
	if it.err != nil {
		it.ok = false
		return
	}

	origin := it.pos
	restart := it.restartBefore(origin)

	// If the restart point itself is the current entry, step back one more
	// restart so the replay below actually produces a predecessor.
	if it.block.RestartOffset(restart) == origin && restart > 0 {
		restart--
	}
	it.jumpToRestart(restart)

	var foundKey, foundValue []byte
	var foundPos, foundNext int
	found := false

	for {
		it.Next()
		if !it.Valid() || it.pos >= origin {
			break
		}
		foundKey = append(foundKey[:0], it.key...)
		foundValue = it.value
		foundPos = it.pos
		foundNext = it.nextPos
		found = true
	}

	if !found {
		it.ok = false
		return
	}
	it.key = foundKey
	it.value = foundValue
	it.pos = foundPos
	it.nextPos = foundNext
	it.ok = true
}

// restartBefore returns the largest restart index whose offset is <= target.
func (it *Iterator) restartBefore(target int) int {
	lo, hi := 0, it.block.restartCount-1
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if it.block.RestartOffset(mid) <= target {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return lo
}

func (it *Iterator) jumpToRestart(index int) {
	it.key = it.key[:0]
	it.value = nil
	it.ok = false
	offset := max(it.block.RestartOffset(index), 0)
	it.pos = offset
	it.nextPos = offset
}

// decodeEntryAt parses the shared/unshared/value-length triple at offset and
// reconstructs the full key by splicing the unshared suffix onto whatever
// shared prefix survives from the previous entry.
func (it *Iterator) decodeEntryAt(offset int) {
	if offset >= it.entryEnd {
		it.ok = false
		return
	}

	cursor := it.raw[offset:]
	consumed := 0

	shared, n, err := encoding.DecodeVarint32(cursor)
	if err != nil {
		it.fail()
		return
	}
	consumed += n
	cursor = cursor[n:]

	unshared, n, err := encoding.DecodeVarint32(cursor)
	if err != nil {
		it.fail()
		return
	}
	consumed += n
	cursor = cursor[n:]

	valueLen, n, err := encoding.DecodeVarint32(cursor)
	if err != nil {
		it.fail()
		return
	}
	consumed += n
	cursor = cursor[n:]

	if int(shared) > len(it.key) || len(cursor) < int(unshared)+int(valueLen) {
		it.fail()
		return
	}

	it.key = append(it.key[:shared], cursor[:unshared]...)
	consumed += int(unshared)
	cursor = cursor[unshared:]

	it.value = cursor[:valueLen]
	consumed += int(valueLen)

	it.nextPos = offset + consumed
	it.ok = true
}

func (it *Iterator) fail() {
	it.err = ErrBadBlock
	it.ok = false
}

// Seek positions the iterator at the first entry whose key is >= target,
// binary-searching restart points before scanning linearly within the run.
func (it *Iterator) Seek(target []byte) {
	lo, hi := 0, it.block.restartCount-1

	for lo < hi {
		mid := (lo + hi + 1) / 2
		it.jumpToRestart(mid)
		it.Next()

		if !it.Valid() || it.compareToTarget(target) > 0 {
			hi = mid - 1
		} else {
			lo = mid
		}
	}

	it.jumpToRestart(lo)
	for {
		it.Next()
		if !it.Valid() {
			return
		}
		if it.compareToTarget(target) >= 0 {
			return
		}
	}
}

func (it *Iterator) compareToTarget(target []byte) int {
	return CompareInternalKeys(it.key, target)
}

// CompareInternalKeys orders internal keys (user_key + 8-byte trailer) by
// ascending user key, then by descending trailer so that among equal user
// keys the highest sequence number sorts first.
func CompareInternalKeys(a, b []byte) int {
	userA, trailerA := splitTrailer(a)
	userB, trailerB := splitTrailer(b)

	if c := compareBytes(userA, userB); c != 0 {
		return c
	}
	switch {
	case trailerA > trailerB:
		return -1
	case trailerA < trailerB:
		return 1
	default:
		return 0
	}
}

func splitTrailer(key []byte) (userKey []byte, trailer uint64) {
	if len(key) < trailerSize {
		return key, 0
	}
	split := len(key) - trailerSize
	return key[:split], binary.LittleEndian.Uint64(key[split:])
}

func compareBytes(a, b []byte) int {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
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
