// Package table reads and writes SST files in the block-based table format
// (format_version 0-7): a sequence of data blocks, a handful of optional and
// required meta blocks, a metaindex block, and a fixed-size footer.
//
//	[data block 1]
//	[data block 2]
//	...
//	[data block N]
//	[meta block: filter]           (optional)
//	[meta block: index]
//	[meta block: compression dict] (optional)
//	[meta block: range deletions]  (optional)
//	[meta block: properties]
//	[metaindex block]
//	[footer]                       (fixed size, at end of file)
package table

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/strandkv/strandkv/internal/block"
	"github.com/strandkv/strandkv/internal/checksum"
	"github.com/strandkv/strandkv/internal/compression"
	"github.com/strandkv/strandkv/internal/dbformat"
	"github.com/strandkv/strandkv/internal/encoding"
	"github.com/strandkv/strandkv/internal/filter"
	"github.com/strandkv/strandkv/internal/rangedel"
)

var (
	// ErrInvalidSST indicates the file is not a valid SST file.
	ErrInvalidSST = errors.New("table: invalid SST file")

	// ErrUnsupportedVersion indicates the format version is not supported.
	ErrUnsupportedVersion = errors.New("table: unsupported format version")

	// ErrChecksumMismatch indicates a block checksum verification failed.
	ErrChecksumMismatch = errors.New("table: checksum mismatch")

	// ErrBlockNotFound indicates a requested block was not found.
	ErrBlockNotFound = errors.New("table: block not found")

	// ErrUnsupportedPartitionedIndex indicates the SST splits its index
	// across multiple blocks. This reader treats the index as a single
	// block and would otherwise misread a partitioned one.
	ErrUnsupportedPartitionedIndex = errors.New("table: partitioned index not supported")
)

// ReadableFile is the file handle a Reader pulls bytes from.
type ReadableFile interface {
	io.Closer

	// ReadAt reads len(p) bytes from the file starting at offset.
	ReadAt(p []byte, off int64) (n int, err error)

	// Size returns the total size of the file.
	Size() int64
}

// ReaderOptions controls the behavior of the table reader.
type ReaderOptions struct {
	// VerifyChecksums enables checksum verification for all blocks.
	VerifyChecksums bool

	// CacheBlocks enables caching of data blocks. Unused until a caller
	// wires a block cache through to Open.
	CacheBlocks bool
}

// Reader reads an SST file in the block-based table format.
type Reader struct {
	file    ReadableFile
	size    int64
	options ReaderOptions

	footer *block.Footer

	indexHandle      block.Handle
	propertiesHandle block.Handle
	filterHandle     block.Handle
	rangeDelHandle   block.Handle

	indexBlock *block.Block
	properties *TableProperties

	filterReader *filter.BloomFilterReader

	// indexUsesDeltaValues is true when the index block was written with
	// value_delta_encoding (the format C++ RocksDB emits for format_version
	// >= 4); false selects the plain block format this package's own
	// builder produces.
	indexUsesDeltaValues bool
}

// Open opens an SST file for reading.
func Open(file ReadableFile, opts ReaderOptions) (*Reader, error) {
	size := file.Size()
	if size < int64(block.MinEncodedLength) {
		return nil, ErrInvalidSST
	}

	r := &Reader{
		file:    file,
		size:    size,
		options: opts,
	}

	if err := r.parseFooter(); err != nil {
		return nil, err
	}
	if err := r.parseMetaindex(); err != nil {
		return nil, err
	}
	// Rejecting unsupported features before loading the index avoids
	// misinterpreting a partitioned index as a corrupt flat one.
	if err := r.rejectUnsupportedFeatures(); err != nil {
		return nil, err
	}
	if err := r.loadIndex(); err != nil {
		return nil, err
	}
	if err := r.loadFilter(); err != nil {
		r.filterReader = nil
	}

	return r, nil
}

func (r *Reader) parseFooter() error {
	footerSize := block.MaxEncodedFooterLength
	if r.size < int64(footerSize) {
		footerSize = int(r.size)
	}

	buf := make([]byte, footerSize)
	offset := r.size - int64(footerSize)
	if _, err := r.file.ReadAt(buf, offset); err != nil {
		return err
	}

	footer, err := block.DecodeFooter(buf, uint64(offset), 0)
	if err != nil {
		return err
	}

	if footer.TableMagicNumber != block.BlockBasedTableMagicNumber &&
		footer.TableMagicNumber != block.LegacyBlockBasedTableMagicNumber {
		return ErrInvalidSST
	}

	r.footer = footer
	return nil
}

// parseMetaindex reads the metaindex block and resolves it to the handles
// of the meta blocks a Reader cares about: index, properties, filter, and
// range deletions.
func (r *Reader) parseMetaindex() error {
	if r.footer.MetaindexHandle.IsNull() {
		return nil
	}

	metaBlock, err := r.fetchBlock(r.footer.MetaindexHandle)
	if err != nil {
		return err
	}

	iter := metaBlock.NewIterator()
	for iter.SeekToFirst(); iter.Valid(); iter.Next() {
		name := string(iter.Key())
		handle, _, err := block.DecodeHandle(iter.Value())
		if err != nil {
			continue
		}

		switch {
		case name == "rocksdb.index":
			r.indexHandle = handle
		case name == "rocksdb.properties":
			r.propertiesHandle = handle
		case name == "rocksdb.filter" || strings.HasPrefix(name, "fullfilter."):
			r.filterHandle = handle
		case name == "rocksdb.range_del":
			r.rangeDelHandle = handle
		}
	}

	return nil
}

// rejectUnsupportedFeatures inspects the properties block, when present,
// for feature combinations this reader cannot interpret correctly.
func (r *Reader) rejectUnsupportedFeatures() error {
	if r.propertiesHandle.IsNull() {
		return nil
	}

	props, err := r.Properties()
	if err != nil {
		// Malformed properties shouldn't block reading data that might
		// still be intact, so the check is simply skipped.
		return nil //nolint:nilerr
	}

	// IndexPartitions > 0 means the index spans multiple blocks; this
	// reader always treats the index handle as one complete block.
	if props.IndexPartitions > 0 {
		return ErrUnsupportedPartitionedIndex
	}

	// IndexKeyIsUserKey > 0 only means index entries carry bare user keys
	// instead of internal keys, which indexBlockIterator already handles,
	// so it needs no rejection here.

	return nil
}

// IndexBlockIterator walks an index block written with value_delta_encoding
// (format_version >= 4): entries have no explicit value length, since the
// value is always a fixed-shape BlockHandle running to the next entry.
//
//	<shared varint><non_shared varint><key delta><offset varint><size varint>
type IndexBlockIterator struct {
	raw   []byte
	limit int // end of entry data, where the restart array begins

	entryStart int // start offset of the current entry, for Prev
	pos        int // cursor; after decoding, points past the current entry

	key      []byte
	valStart int
	valEnd   int

	ok  bool
	err error
}

// NewIndexBlockIterator creates an iterator over the entry region [0, limit)
// of raw.
func NewIndexBlockIterator(raw []byte, limit int) *IndexBlockIterator {
	return &IndexBlockIterator{raw: raw, limit: limit}
}

func (it *IndexBlockIterator) SeekToFirst() {
	it.key = it.key[:0]
	it.pos = 0
	it.decodeEntry()
}

func (it *IndexBlockIterator) Valid() bool { return it.ok && it.err == nil }

func (it *IndexBlockIterator) Next() {
	if it.pos >= it.limit {
		it.ok = false
		return
	}
	it.decodeEntry()
}

// Prev has no backward link to exploit, so it rescans from the start and
// remembers the last entry seen before reaching the current one.
func (it *IndexBlockIterator) Prev() {
	if it.entryStart == 0 {
		it.ok = false
		return
	}

	target := it.entryStart
	it.SeekToFirst()

	var key []byte
	var valStart, valEnd, start int
	found := false

	for it.Valid() && it.entryStart < target {
		key = append(key[:0], it.key...)
		valStart, valEnd, start = it.valStart, it.valEnd, it.entryStart
		found = true
		it.Next()
	}

	if !found {
		it.ok = false
		return
	}
	it.key, it.valStart, it.valEnd, it.entryStart = key, valStart, valEnd, start
	it.pos = valEnd
	it.ok = true
}

func (it *IndexBlockIterator) Key() []byte { return it.key }

func (it *IndexBlockIterator) Value() []byte {
	if !it.ok {
		return nil
	}
	return it.raw[it.valStart:it.valEnd]
}

func (it *IndexBlockIterator) SeekToLast() {
	it.SeekToFirst()
	if !it.Valid() {
		return
	}

	var key []byte
	var valStart, valEnd, start int

	for it.Valid() {
		key = append(key[:0], it.key...)
		valStart, valEnd, start = it.valStart, it.valEnd, it.entryStart
		it.Next()
	}

	it.key, it.valStart, it.valEnd, it.entryStart = key, valStart, valEnd, start
	it.pos = valEnd
	it.ok = true
	it.err = nil
}

func (it *IndexBlockIterator) Seek(target []byte) {
	it.SeekToFirst()
	for it.Valid() {
		if block.CompareInternalKeys(it.key, target) >= 0 {
			return
		}
		it.Next()
	}
}

func (it *IndexBlockIterator) decodeEntry() {
	if it.pos >= it.limit {
		it.ok = false
		return
	}
	it.entryStart = it.pos

	shared, n := readVarint32(it.raw[it.pos:it.limit])
	if n == 0 {
		it.fail()
		return
	}
	it.pos += n

	nonShared, n := readVarint32(it.raw[it.pos:it.limit])
	if n == 0 {
		it.fail()
		return
	}
	it.pos += n

	if it.pos+int(nonShared) > it.limit || int(shared) > len(it.key) {
		it.fail()
		return
	}
	it.key = append(it.key[:shared], it.raw[it.pos:it.pos+int(nonShared)]...)
	it.pos += int(nonShared)

	// The value is a BlockHandle: two back-to-back varints, offset then size.
	it.valStart = it.pos
	if _, n = readVarint32(it.raw[it.pos:it.limit]); n == 0 {
		it.fail()
		return
	}
	it.pos += n
	if _, n = readVarint32(it.raw[it.pos:it.limit]); n == 0 {
		it.fail()
		return
	}
	it.pos += n
	it.valEnd = it.pos

	it.ok = true
}

func (it *IndexBlockIterator) fail() {
	it.err = ErrInvalidSST
	it.ok = false
}

// readVarint32 decodes a varint32 from the start of data, returning the
// value and the number of bytes consumed, or 0 bytes on truncation/overflow.
func readVarint32(data []byte) (uint32, int) {
	var result uint32
	var shift uint
	for i := 0; i < len(data) && i < 5; i++ {
		b := data[i]
		result |= uint32(b&0x7F) << shift
		if b < 128 {
			return result, i + 1
		}
		shift += 7
	}
	return 0, 0
}

// loadIndex reads and caches the index block, then probes its encoding so
// later iteration picks the right decoder.
func (r *Reader) loadIndex() error {
	handle := r.indexHandle
	if r.footer.FormatVersion < 6 {
		// Before format_version 6, the index handle lives in the footer
		// rather than the metaindex block.
		handle = r.footer.IndexHandle
	}
	if handle.IsNull() {
		return ErrBlockNotFound
	}

	indexBlock, err := r.fetchBlock(handle)
	if err != nil {
		return err
	}
	r.indexBlock = indexBlock

	if r.footer.FormatVersion >= 4 {
		r.indexUsesDeltaValues = r.probeDeltaEncoding()
	}
	return nil
}

// probeDeltaEncoding guesses whether the index block uses
// value_delta_encoding by decoding its first entry as one and sanity
// checking the resulting BlockHandle against the file size.
func (r *Reader) probeDeltaEncoding() bool {
	data := r.indexBlock.Data()
	limit := r.indexBlock.EntriesEnd()
	if limit == 0 {
		return false
	}

	iter := NewIndexBlockIterator(data, limit)
	iter.SeekToFirst()
	if !iter.Valid() || iter.err != nil {
		return false
	}

	value := iter.Value()
	if len(value) < 2 {
		return false
	}
	offset, n1 := readVarint32(value)
	if n1 == 0 {
		return false
	}
	size, n2 := readVarint32(value[n1:])
	if n2 == 0 {
		return false
	}

	switch {
	case size == 0:
		return false // real data blocks are never empty
	case uint64(offset)+uint64(size) > uint64(r.size):
		return false // handle runs past the file
	case uint64(size) > uint64(r.size)/2:
		return false // implausibly large for a single block
	}
	return true
}

func (r *Reader) loadFilter() error {
	if r.filterHandle.IsNull() {
		return nil
	}

	trailerSize := int(r.footer.BlockTrailerSize)
	buf := make([]byte, int(r.filterHandle.Size)+trailerSize)
	if _, err := r.file.ReadAt(buf, int64(r.filterHandle.Offset)); err != nil {
		return err
	}

	r.filterReader = filter.NewBloomFilterReader(buf[:r.filterHandle.Size])
	return nil
}

// KeyMayMatch reports whether key could be present in this file: true when
// there is no filter or the filter doesn't rule the key out, false only
// when the filter is certain the key is absent.
func (r *Reader) KeyMayMatch(key []byte) bool {
	if r.filterReader == nil {
		return true
	}
	return r.filterReader.MayContain(key)
}

// HasFilter reports whether this table carries a Bloom filter.
func (r *Reader) HasFilter() bool {
	return r.filterReader != nil
}

// maxBlockBytes caps how much a single block handle can claim to hold, so a
// corrupted handle can't trigger an unbounded allocation.
const maxBlockBytes = 256 * 1024 * 1024

func (r *Reader) fetchBlock(handle block.Handle) (*block.Block, error) {
	// On-disk layout per block: [data][compression type: 1 byte][checksum: 4 bytes].
	trailerSize := int(r.footer.BlockTrailerSize)

	const maxOffset = ^uint64(0) >> 1 // largest value ReadAt's int64 offset can hold
	if handle.Offset > maxOffset {
		return nil, fmt.Errorf("block offset %d exceeds maximum %d: %w", handle.Offset, maxOffset, ErrInvalidSST)
	}
	if handle.Size > maxBlockBytes {
		return nil, fmt.Errorf("block size %d exceeds maximum %d: %w", handle.Size, maxBlockBytes, ErrInvalidSST)
	}

	totalSize := int(handle.Size) + trailerSize
	end := handle.Offset + uint64(totalSize)
	if end < handle.Offset || end > uint64(r.size) {
		return nil, fmt.Errorf("block at offset %d size %d exceeds file size %d: %w",
			handle.Offset, totalSize, r.size, ErrInvalidSST)
	}

	buf := make([]byte, totalSize)
	n, err := r.file.ReadAt(buf, int64(handle.Offset))
	if err != nil {
		return nil, err
	}
	if n < totalSize {
		return nil, ErrInvalidSST
	}

	if r.options.VerifyChecksums && trailerSize > 0 {
		if err := r.verifyBlockChecksum(buf, handle.Offset, trailerSize); err != nil {
			return nil, err
		}
	}

	blockData := buf[:handle.Size]
	compressionType := compression.NoCompression
	if trailerSize > 0 {
		compressionType = compression.Type(buf[len(buf)-trailerSize])
	}

	if compressionType != compression.NoCompression {
		blockData, err = r.decompressBlock(blockData, compressionType)
		if err != nil {
			return nil, err
		}
	}

	return block.Parse(blockData)
}

func (r *Reader) verifyBlockChecksum(buf []byte, offset uint64, trailerSize int) error {
	blockData := buf[:len(buf)-trailerSize]
	compressionType := buf[len(buf)-trailerSize]
	storedChecksum := encoding.DecodeFixed32(buf[len(buf)-4:])

	var computed uint32
	switch r.footer.ChecksumType {
	case block.ChecksumTypeCRC32C:
		crc := checksum.Extend(checksum.Value(blockData), []byte{compressionType})
		computed = checksum.Mask(crc)
	case block.ChecksumTypeXXHash64:
		computed = checksum.XXHash64ChecksumWithLastByte(blockData, compressionType)
	case block.ChecksumTypeXXH3:
		computed = checksum.XXH3ChecksumWithLastByte(blockData, compressionType)
	default:
		computed = storedChecksum // kNoChecksum / kxxHash: nothing to verify
	}

	if r.footer.FormatVersion >= 6 && r.footer.BaseContextChecksum != 0 {
		computed += contextChecksumModifier(r.footer.BaseContextChecksum, offset)
	}

	if computed != storedChecksum {
		return ErrChecksumMismatch
	}
	return nil
}

// decompressBlock strips the varint32 decompressed-size prefix (present for
// format_version >= 2, except Snappy which embeds its own size) and inflates
// compressedData.
func (r *Reader) decompressBlock(compressedData []byte, compressionType compression.Type) ([]byte, error) {
	expectedSize := 0
	if r.footer.FormatVersion >= 2 && !compressionHasEmbeddedSize(compressionType) {
		size, prefixLen, err := encoding.DecodeVarint32(compressedData)
		if err != nil {
			return nil, fmt.Errorf("decode compressed block size prefix: %w", err)
		}
		expectedSize = int(size)
		compressedData = compressedData[prefixLen:]
	}

	decompressed, err := compression.DecompressWithSize(compressionType, compressedData, expectedSize)
	if err != nil {
		return nil, fmt.Errorf("decompress block: %w", err)
	}
	return decompressed, nil
}

// contextChecksumModifier reproduces RocksDB's ChecksumModifierForContext,
// which folds a block's file offset into its stored checksum so the same
// bytes relocated to a different offset don't verify.
func contextChecksumModifier(baseContextChecksum uint32, offset uint64) uint32 {
	if baseContextChecksum == 0 {
		return 0
	}
	return baseContextChecksum ^ (uint32(offset) + uint32(offset>>32))
}

// NewIterator returns an iterator over the table contents. It starts
// invalid; call SeekToFirst or Seek before reading Key/Value.
func (r *Reader) NewIterator() *TableIterator {
	ti := &TableIterator{reader: r}

	if r.indexUsesDeltaValues {
		ti.indexIter = NewIndexBlockIterator(r.indexBlock.Data(), r.indexBlock.EntriesEnd())
		ti.useIndexIter = true
	} else {
		ti.indexBlockIter = r.indexBlock.NewIterator()
	}

	return ti
}

// Close releases resources associated with the reader.
func (r *Reader) Close() error {
	return r.file.Close()
}

// Footer returns the parsed footer.
func (r *Reader) Footer() *block.Footer {
	return r.footer
}

// Properties returns the table properties, loading them on first use.
func (r *Reader) Properties() (*TableProperties, error) {
	if r.properties != nil {
		return r.properties, nil
	}
	if r.propertiesHandle.IsNull() {
		return nil, ErrBlockNotFound
	}

	propsBlock, err := r.fetchBlock(r.propertiesHandle)
	if err != nil {
		return nil, err
	}
	props, err := ParsePropertiesBlock(propsBlock.Data())
	if err != nil {
		return nil, err
	}

	r.properties = props
	return props, nil
}

// HasRangeTombstones reports whether the SST file carries a range deletion
// block.
func (r *Reader) HasRangeTombstones() bool {
	return !r.rangeDelHandle.IsNull()
}

// GetRangeTombstones reads and fragments the range tombstones in this file
// for efficient point lookup. An SST with no range deletion block yields an
// empty list rather than an error.
func (r *Reader) GetRangeTombstones() (*rangedel.FragmentedRangeTombstoneList, error) {
	tombstones, err := r.readRangeTombstones()
	if err != nil {
		return nil, err
	}

	fragmenter := rangedel.NewFragmenter()
	for _, t := range tombstones.All() {
		fragmenter.AddTombstone(t)
	}
	return fragmenter.Finish(), nil
}

// GetRangeTombstoneList returns the raw, unfragmented tombstone list.
func (r *Reader) GetRangeTombstoneList() (*rangedel.TombstoneList, error) {
	return r.readRangeTombstones()
}

func (r *Reader) readRangeTombstones() (*rangedel.TombstoneList, error) {
	if r.rangeDelHandle.IsNull() {
		return rangedel.NewTombstoneList(), nil
	}

	rangeDelBlock, err := r.fetchBlock(r.rangeDelHandle)
	if err != nil {
		return nil, fmt.Errorf("failed to read range del block: %w", err)
	}

	tombstones := rangedel.NewTombstoneList()
	iter := rangeDelBlock.NewIterator()
	for iter.SeekToFirst(); iter.Valid(); iter.Next() {
		// The key is an internal key: start_key + seq + TypeRangeDeletion.
		internalKey := iter.Key()
		if len(internalKey) < dbformat.NumInternalBytes {
			continue
		}
		parsed, err := dbformat.ParseInternalKey(internalKey)
		if err != nil {
			continue
		}
		tombstones.AddRange(parsed.UserKey, iter.Value(), parsed.Sequence)
	}
	if iter.Error() != nil {
		return nil, fmt.Errorf("error iterating range del block: %w", iter.Error())
	}

	return tombstones, nil
}

// TableIterator iterates over key-value pairs in an SST file.
type TableIterator struct {
	reader         *Reader
	indexIter      *IndexBlockIterator // format_version >= 4, value_delta_encoded
	indexBlockIter *block.Iterator     // format_version < 4, or Go-written SSTs
	useIndexIter   bool
	dataBlock      *block.Block
	dataIter       *block.Iterator
	err            error
}

func (it *TableIterator) Valid() bool {
	return it.err == nil && it.dataIter != nil && it.dataIter.Valid()
}

func (it *TableIterator) SeekToFirst() {
	if it.useIndexIter {
		it.indexIter.SeekToFirst()
	} else {
		it.indexBlockIter.SeekToFirst()
	}
	it.loadDataBlock()
	if it.dataIter != nil {
		it.dataIter.SeekToFirst()
	}
}

func (it *TableIterator) SeekToLast() {
	if it.useIndexIter {
		it.indexIter.SeekToLast()
	} else {
		it.indexBlockIter.SeekToLast()
	}
	it.loadDataBlock()
	if it.dataIter != nil {
		it.dataIter.SeekToLast()
	}
}

func (it *TableIterator) Seek(target []byte) {
	if it.useIndexIter {
		it.indexIter.Seek(target)
		if !it.indexIter.Valid() {
			it.dataIter = nil
			return
		}
	} else {
		it.indexBlockIter.Seek(target)
		if !it.indexBlockIter.Valid() {
			it.dataIter = nil
			return
		}
	}
	it.loadDataBlock()
	if it.dataIter != nil {
		it.dataIter.Seek(target)
	}
}

func (it *TableIterator) Next() {
	if it.dataIter == nil {
		return
	}
	it.dataIter.Next()
	if !it.dataIter.Valid() {
		if it.useIndexIter {
			it.indexIter.Next()
		} else {
			it.indexBlockIter.Next()
		}
		it.loadDataBlock()
		if it.dataIter != nil {
			it.dataIter.SeekToFirst()
		}
	}
}

func (it *TableIterator) Prev() {
	if it.dataIter == nil {
		return
	}
	it.dataIter.Prev()
	if !it.dataIter.Valid() {
		if it.useIndexIter {
			it.indexIter.Prev()
		} else {
			it.indexBlockIter.Prev()
		}
		it.loadDataBlock()
		if it.dataIter != nil {
			it.dataIter.SeekToLast()
		}
	}
}

func (it *TableIterator) Key() []byte {
	if it.dataIter == nil {
		return nil
	}
	return it.dataIter.Key()
}

func (it *TableIterator) Value() []byte {
	if it.dataIter == nil {
		return nil
	}
	return it.dataIter.Value()
}

func (it *TableIterator) Error() error {
	return it.err
}

// loadDataBlock loads the data block the current index entry points at.
func (it *TableIterator) loadDataBlock() {
	var handleBytes []byte
	if it.useIndexIter {
		if !it.indexIter.Valid() {
			it.dataBlock, it.dataIter = nil, nil
			return
		}
		handleBytes = it.indexIter.Value()
	} else {
		if !it.indexBlockIter.Valid() {
			it.dataBlock, it.dataIter = nil, nil
			return
		}
		handleBytes = it.indexBlockIter.Value()
	}

	handle, _, err := block.DecodeHandle(handleBytes)
	if err != nil {
		it.err = err
		it.dataBlock, it.dataIter = nil, nil
		return
	}

	dataBlock, err := it.reader.fetchBlock(handle)
	if err != nil {
		it.err = err
		it.dataBlock, it.dataIter = nil, nil
		return
	}

	it.dataBlock = dataBlock
	it.dataIter = dataBlock.NewIterator()
}
