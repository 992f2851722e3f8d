// Package filter builds and reads the per-SST Bloom filter block.
//
// The layout matches the cache-local FastLocalBloom scheme (format_version
// 5): every probe for a key stays inside one 64-byte cache line, so a lookup
// touches at most one line of the filter instead of scattering across the
// whole bitset. A 5-byte metadata suffix follows the bits themselves:
//
//	data[:len-5]   bitset, in cache-line-sized chunks
//	data[len-5]    0xFF, marks this as a "new" (post format_version 5) filter
//	data[len-4]    0x00, selects the FastLocalBloom sub-implementation
//	data[len-3]    number of probes per key
//	data[len-2]    0x00 (cache line size indicator; 0 means 64 bytes)
//	data[len-1]    0x00, reserved
package filter

import (
	"github.com/strandkv/strandkv/internal/checksum"
)

const (
	// CacheLineSize is the span of one probe group, matched to a typical
	// CPU cache line.
	CacheLineSize = 64

	// CacheLineBits is CacheLineSize in bits.
	CacheLineBits = CacheLineSize * 8

	// MetadataLen is the size of the trailer appended after the bitset.
	MetadataLen = 5

	// NewBloomMarker flags the trailer as belonging to a post-format_version-5
	// filter rather than the legacy block-based Bloom layout.
	NewBloomMarker = byte(0xFF)

	// FastLocalBloomMarker selects the cache-line-local sub-implementation.
	FastLocalBloomMarker = byte(0x00)
)

// BloomFilterBuilder accumulates key hashes and emits a filter block once
// the full key set for an SST (or one of its partitions) is known.
type BloomFilterBuilder struct {
	bitsPerKey int
	hashes     []uint64
}

// NewBloomFilterBuilder returns a builder targeting bitsPerKey bits of
// filter space per key; 10 bits/key gives roughly a 1% false-positive rate.
func NewBloomFilterBuilder(bitsPerKey int) *BloomFilterBuilder {
	if bitsPerKey < 1 {
		bitsPerKey = 1
	}
	return &BloomFilterBuilder{
		bitsPerKey: bitsPerKey,
		hashes:     make([]uint64, 0, 256),
	}
}

// AddKey records key for inclusion in the next Finish call.
func (b *BloomFilterBuilder) AddKey(key []byte) {
	b.hashes = append(b.hashes, checksum.XXH3_64bits(key))
}

// EstimatedSize reports the filter size Finish would currently produce.
func (b *BloomFilterBuilder) EstimatedSize() int {
	if len(b.hashes) == 0 {
		return 0
	}
	return filterSpaceFor(len(b.hashes), b.bitsPerKey)
}

// Finish builds the filter over every key added so far, including the
// metadata trailer, and resets the builder so it can be reused for the
// next block or partition.
func (b *BloomFilterBuilder) Finish() []byte {
	n := len(b.hashes)
	if n == 0 {
		return []byte{NewBloomMarker, FastLocalBloomMarker, 0, 0, 0}
	}

	total := filterSpaceFor(n, b.bitsPerKey)
	bitsLen := total - MetadataLen

	data := make([]byte, total)
	numProbes := probeCountFor(b.bitsPerKey * 1000)
	for _, h := range b.hashes {
		setProbes(h, uint32(bitsLen), numProbes, data)
	}

	data[bitsLen+0] = NewBloomMarker
	data[bitsLen+1] = FastLocalBloomMarker
	data[bitsLen+2] = byte(numProbes)
	data[bitsLen+3] = 0
	data[bitsLen+4] = 0

	b.hashes = b.hashes[:0]
	return data
}

// Reset discards any accumulated keys without producing a filter.
func (b *BloomFilterBuilder) Reset() {
	b.hashes = b.hashes[:0]
}

// NumKeys reports how many keys have been added since the last Finish or Reset.
func (b *BloomFilterBuilder) NumKeys() int {
	return len(b.hashes)
}

// BloomFilterReader answers MayContain queries against a filter block
// previously produced by BloomFilterBuilder.Finish.
type BloomFilterReader struct {
	data      []byte
	filterLen uint32
	numProbes int
}

// NewBloomFilterReader wraps a filter block's raw bytes. It returns nil if
// data is too short or carries a trailer this package doesn't recognize
// (an older block-based Bloom filter, for instance).
func NewBloomFilterReader(data []byte) *BloomFilterReader {
	if len(data) < MetadataLen {
		return nil
	}

	bitsLen := len(data) - MetadataLen
	if data[bitsLen] != NewBloomMarker || data[bitsLen+1] != FastLocalBloomMarker {
		return nil
	}

	numProbes := int(data[bitsLen+2])
	if numProbes == 0 {
		// A zero probe count marks an always-false filter built over no keys.
		return &BloomFilterReader{data: data}
	}
	return &BloomFilterReader{data: data, filterLen: uint32(bitsLen), numProbes: numProbes}
}

// MayContain reports whether key could be a member. false is definitive;
// true may be a false positive.
func (r *BloomFilterReader) MayContain(key []byte) bool {
	if r == nil || r.filterLen == 0 || r.numProbes == 0 {
		return false
	}
	return testProbes(checksum.XXH3_64bits(key), r.filterLen, r.numProbes, r.data)
}

// filterSpaceFor returns the filter size, trailer included, for numEntries
// keys at bitsPerKey bits each, rounded up to a whole number of cache lines.
func filterSpaceFor(numEntries, bitsPerKey int) int {
	totalBits := numEntries * bitsPerKey
	numLines := (totalBits + CacheLineBits - 1) / CacheLineBits
	if numLines == 0 {
		numLines = 1
	}
	return numLines*CacheLineSize + MetadataLen
}

// probeCountFor maps a bits-per-key budget (expressed in millibits, i.e.
// bits*1000) to the number of hash probes that minimizes the false-positive
// rate at that budget. The breakpoints are the standard Bloom-filter
// probes-vs-bits tradeoff table; 24 caps the probe count for very large
// per-key budgets where diminishing returns make more probes not worth it.
func probeCountFor(millibitsPerKey int) int {
	switch {
	case millibitsPerKey <= 2080:
		return 1
	case millibitsPerKey <= 3580:
		return 2
	case millibitsPerKey <= 5100:
		return 3
	case millibitsPerKey <= 6640:
		return 4
	case millibitsPerKey <= 8300:
		return 5
	case millibitsPerKey <= 10070:
		return 6
	case millibitsPerKey <= 11720:
		return 7
	case millibitsPerKey <= 14001:
		return 8
	case millibitsPerKey <= 16050:
		return 9
	case millibitsPerKey <= 18300:
		return 10
	case millibitsPerKey <= 22001:
		return 11
	case millibitsPerKey <= 25501:
		return 12
	case millibitsPerKey > 50000:
		return 24
	default:
		return (millibitsPerKey-1)/2000 - 1
	}
}

// pickLine maps h into [0, numLines) without a division, using the
// high-bits-of-a-64-bit-product trick.
func pickLine(h, numLines uint32) uint32 {
	return uint32((uint64(h) * uint64(numLines)) >> 32)
}

// setProbes sets numProbes bits for hash within the single cache line it
// selects inside a bitset of lenBytes bytes.
func setProbes(hash uint64, lenBytes uint32, numProbes int, data []byte) {
	lineSelector, probeSeed := uint32(hash), uint32(hash>>32)

	numLines := lenBytes >> 6
	lineOffset := pickLine(lineSelector, numLines) << 6

	setProbesInLine(probeSeed, numProbes, data[lineOffset:lineOffset+CacheLineSize])
}

// setProbesInLine sets numProbes bits inside one 512-bit cache line, walking
// the probe sequence by repeated golden-ratio multiplication of the seed.
func setProbesInLine(seed uint32, numProbes int, line []byte) {
	h := seed
	for range numProbes {
		bit := h >> (32 - 9)
		line[bit>>3] |= 1 << (bit & 7)
		h *= 0x9e3779b9
	}
}

// testProbes reports whether every bit hash's probe sequence would have set
// is in fact set in data.
func testProbes(hash uint64, lenBytes uint32, numProbes int, data []byte) bool {
	lineSelector, probeSeed := uint32(hash), uint32(hash>>32)

	numLines := lenBytes >> 6
	lineOffset := pickLine(lineSelector, numLines) << 6

	return testProbesInLine(probeSeed, numProbes, data[lineOffset:lineOffset+CacheLineSize])
}

// testProbesInLine is setProbesInLine's read-side counterpart: it stops at
// the first unset bit instead of setting bits.
func testProbesInLine(seed uint32, numProbes int, line []byte) bool {
	h := seed
	for range numProbes {
		bit := h >> (32 - 9)
		if line[bit>>3]&(1<<(bit&7)) == 0 {
			return false
		}
		h *= 0x9e3779b9
	}
	return true
}
