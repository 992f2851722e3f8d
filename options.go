package strandkv

// Options, ReadOptions, WriteOptions, and FlushOptions are the knobs a
// caller turns before and during calls into a DB. They're plain structs
// rather than functional options because that's what every RocksDB-shaped
// API in this ecosystem expects: a caller builds one with a Default*
// constructor, tweaks the fields it cares about, and passes it by pointer.

import (
	"time"

	"github.com/strandkv/strandkv/internal/checksum"
	"github.com/strandkv/strandkv/internal/compression"
	"github.com/strandkv/strandkv/internal/logging"
	"github.com/strandkv/strandkv/vfs"
)

// Logger is an alias for the logging.Logger interface.
// This allows users to pass their own logger implementation.
type Logger = logging.Logger

// CompressionType is an alias for the compression type.
type CompressionType = compression.Type

// Short aliases for the common cases, alongside the full set below that
// names every codec this package can decode.
const (
	CompressionNone   = compression.NoCompression
	CompressionSnappy = compression.SnappyCompression
	CompressionZstd   = compression.ZstdCompression
	CompressionLZ4    = compression.LZ4Compression
)

// Compression type constants, one per codec Options.Compression accepts.
const (
	NoCompression     = compression.NoCompression
	SnappyCompression = compression.SnappyCompression
	ZlibCompression   = compression.ZlibCompression
	LZ4Compression    = compression.LZ4Compression
	LZ4HCCompression  = compression.LZ4HCCompression
	ZstdCompression   = compression.ZstdCompression
)

// ChecksumType is an alias for the checksum type.
type ChecksumType = checksum.Type

// Checksum type constants
const (
	ChecksumTypeNoChecksum = checksum.TypeNoChecksum
	ChecksumTypeCRC32C     = checksum.TypeCRC32C
	ChecksumTypeXXHash     = checksum.TypeXXHash
	ChecksumTypeXXHash64   = checksum.TypeXXHash64
	ChecksumTypeXXH3       = checksum.TypeXXH3
)

// CompactionStyle specifies the compaction strategy.
type CompactionStyle int

const (
	// CompactionStyleLevel is the default leveled compaction.
	// Files are organized into levels with each level having a size limit.
	// Optimized for read-heavy workloads.
	CompactionStyleLevel CompactionStyle = iota

	// CompactionStyleUniversal (size-tiered) is optimized for write-heavy workloads.
	// All files are kept in L0 and compacted together when size ratio is exceeded.
	// Lower write amplification but higher space amplification.
	CompactionStyleUniversal

	// CompactionStyleFIFO simply deletes the oldest files when the total size
	// exceeds the limit. Optimized for time-series data with no reads of old data.
	CompactionStyleFIFO
)

// String returns the string representation of the compaction style.
func (cs CompactionStyle) String() string {
	switch cs {
	case CompactionStyleLevel:
		return "Level"
	case CompactionStyleUniversal:
		return "Universal"
	case CompactionStyleFIFO:
		return "FIFO"
	default:
		return "Unknown"
	}
}

// UniversalCompactionOptions contains options for universal compaction.
type UniversalCompactionOptions struct {
	// SizeRatio is the percentage trigger for size ratio compaction.
	// Default: 1
	SizeRatio int

	// MinMergeWidth is the minimum number of files to merge.
	// Default: 2
	MinMergeWidth int

	// MaxMergeWidth is the maximum number of files to merge.
	// Default: unlimited
	MaxMergeWidth int

	// MaxSizeAmplificationPercent triggers full compaction when exceeded.
	// Default: 200
	MaxSizeAmplificationPercent int

	// AllowTrivialMove allows trivial moves when possible.
	// Default: false
	AllowTrivialMove bool
}

// DefaultUniversalCompactionOptions returns default options.
func DefaultUniversalCompactionOptions() *UniversalCompactionOptions {
	return &UniversalCompactionOptions{
		SizeRatio:                   1,
		MinMergeWidth:               2,
		MaxMergeWidth:               1<<31 - 1,
		MaxSizeAmplificationPercent: 200,
		AllowTrivialMove:            false,
	}
}

// FIFOCompactionOptions contains options for FIFO compaction.
type FIFOCompactionOptions struct {
	// MaxTableFilesSize is the maximum total size before deletion.
	// Default: 1GB
	MaxTableFilesSize uint64

	// TTL is the time-to-live for files before deletion.
	// Default: 0 (disabled)
	TTL time.Duration

	// AllowCompaction allows intra-L0 compaction.
	// Default: false
	AllowCompaction bool
}

// DefaultFIFOCompactionOptions returns default options.
func DefaultFIFOCompactionOptions() *FIFOCompactionOptions {
	return &FIFOCompactionOptions{
		MaxTableFilesSize: 1 << 30, // 1GB
		TTL:               0,
		AllowCompaction:   false,
	}
}

// Options configures a call to Open. The zero value is not directly usable;
// start from DefaultOptions and override what you need.
type Options struct {
	// --- Open behavior ---

	// CreateIfMissing causes Open to create the database if it does not exist.
	CreateIfMissing bool

	// ErrorIfExists causes Open to return an error if the database already exists.
	ErrorIfExists bool

	// ParanoidChecks makes WAL replay during Open fail on the first record
	// whose checksum does not match, instead of skipping that record.
	ParanoidChecks bool

	// FS is the filesystem implementation to use. Nil selects the OS
	// filesystem via vfs.Default().
	FS vfs.FS

	// Comparator defines the key ordering. Nil selects BytewiseComparator.
	// Never change this on an existing database; doing so silently
	// corrupts sort order.
	Comparator Comparator

	// --- Memtable and write path ---

	// WriteBufferSize bounds a single memtable before it's queued for flush.
	// Default: 64MB
	WriteBufferSize int

	// MaxWriteBufferNumber bounds how many memtables (active plus
	// flush-pending) may exist at once before writes stall.
	// Default: 2
	MaxWriteBufferNumber int

	// MergeOperator resolves chains of Merge operands into a value. Nil
	// makes any call to Merge return an error.
	MergeOperator MergeOperator

	// --- SST file format ---

	// MaxOpenFiles caps how many SST files stay open at once.
	// Default: 1000
	MaxOpenFiles int

	// BlockSize is the approximate uncompressed size of a data block.
	// Default: 4KB
	BlockSize int

	// BlockRestartInterval is how many entries separate restart points
	// within a data block.
	// Default: 16
	BlockRestartInterval int

	// ChecksumType is the checksum algorithm stored with each block.
	// Default: CRC32C
	ChecksumType ChecksumType

	// FormatVersion selects the on-disk SST layout version.
	// Default: 3
	FormatVersion uint32

	// Compression is the codec applied to SST blocks before they're
	// written. Default: NoCompression
	Compression CompressionType

	// PrefixExtractor derives a prefix from each key. When set, bloom
	// filters are built over prefixes instead of whole keys and iterators
	// can use prefix seek. Nil disables both.
	PrefixExtractor PrefixExtractor

	// BloomFilterBitsPerKey sizes the bloom filter built into each SST.
	// 0 disables filters entirely. Default: 10
	BloomFilterBitsPerKey int

	// --- Compaction ---

	// Level0FileNumCompactionTrigger is how many L0 files accumulate
	// before compaction to L1 is triggered.
	// Default: 4
	Level0FileNumCompactionTrigger int

	// MaxBytesForLevelBase bounds the total data size of L1; each
	// successive level scales up from here.
	// Default: 256MB
	MaxBytesForLevelBase int64

	// Level0SlowdownWritesTrigger delays writes once L0 holds this many
	// files, giving compaction a chance to catch up.
	// Default: 20
	Level0SlowdownWritesTrigger int

	// Level0StopWritesTrigger blocks writes entirely once L0 holds this
	// many files, until compaction brings the count back down.
	// Default: 36
	Level0StopWritesTrigger int

	// DisableAutoCompactions turns off background compaction. L0-count
	// based write stalling is also disabled in that case.
	DisableAutoCompactions bool

	// CompactionFilter can drop or rewrite entries as compaction visits
	// them. Nil means no filtering.
	CompactionFilter CompactionFilter

	// CompactionFilterFactory builds a fresh CompactionFilter per
	// compaction job; set, it takes priority over CompactionFilter.
	CompactionFilterFactory CompactionFilterFactory

	// CompactionStyle selects the compaction strategy.
	// Default: CompactionStyleLevel
	CompactionStyle CompactionStyle

	// UniversalCompactionOptions applies only when CompactionStyle is
	// CompactionStyleUniversal.
	UniversalCompactionOptions *UniversalCompactionOptions

	// FIFOCompactionOptions applies only when CompactionStyle is
	// CompactionStyleFIFO.
	FIFOCompactionOptions *FIFOCompactionOptions

	// MaxSubcompactions splits a single compaction job across this many
	// concurrent key-range workers. More parallelism trades memory for
	// compaction throughput on multi-core hosts.
	// Default: 1 (no subcompaction)
	MaxSubcompactions int

	// --- I/O ---

	// RateLimiter throttles I/O issued by this database. Nil disables
	// throttling.
	RateLimiter RateLimiter

	// UseDirectReads issues reads with O_DIRECT, bypassing the OS page
	// cache. Requires aligned buffers and platform support.
	UseDirectReads bool

	// UseDirectIOForFlushAndCompaction issues background flush and
	// compaction writes with O_DIRECT.
	UseDirectIOForFlushAndCompaction bool

	// --- Diagnostics ---

	// Logger receives database log output. Nil selects a default logger
	// writing to stderr.
	Logger Logger
}

// DefaultOptions returns an Options tuned for a general-purpose workload:
// leveled compaction, CRC32C checksums, a 64MB memtable, and bloom filters
// on. Fields left at their zero value below (FS, Comparator, Logger) pick
// their package default lazily at Open time.
func DefaultOptions() *Options {
	return &Options{
		WriteBufferSize:                64 * 1024 * 1024,
		MaxWriteBufferNumber:           2,
		MaxOpenFiles:                   1000,
		BlockSize:                      4096,
		BlockRestartInterval:           16,
		ChecksumType:                   ChecksumTypeCRC32C,
		FormatVersion:                  3,
		Level0FileNumCompactionTrigger: 4,
		MaxBytesForLevelBase:           256 * 1024 * 1024,
		BloomFilterBitsPerKey:          10,
		Level0SlowdownWritesTrigger:    20,
		Level0StopWritesTrigger:        36,
		CompactionStyle:                CompactionStyleLevel,
		MaxSubcompactions:              1,
	}
}

// ReadOptions configures a single Get, MultiGet, or iterator creation.
type ReadOptions struct {
	// VerifyChecksums checks block checksums while reading.
	VerifyChecksums bool

	// FillCache controls whether blocks touched by this read populate the
	// block cache.
	FillCache bool

	// Snapshot pins the read to a prior point in time. Nil reads the
	// current state of the database.
	Snapshot *Snapshot

	// Timestamp bounds a read to the newest version visible as of this
	// user-defined timestamp; nil means timestamps aren't in use. All
	// timestamps on a given database must share one length. For an
	// iterator, IterStartTimestamp is the lower (older) bound and
	// Timestamp is the upper bound.
	Timestamp []byte

	// IterStartTimestamp is the lower bound of the timestamp range an
	// iterator returns versions from; nil means only the newest version
	// visible as of Timestamp is returned.
	IterStartTimestamp []byte

	// TotalOrderSeek bypasses prefix bloom filters and considers every
	// key, even when a PrefixExtractor is configured.
	TotalOrderSeek bool

	// PrefixSameAsStart tells the iterator it may skip straight past a
	// data block once every key in it is known to fall outside the
	// starting prefix.
	PrefixSameAsStart bool

	// IterateUpperBound stops iteration before the first key >= this bound.
	IterateUpperBound []byte

	// IterateLowerBound skips any key < this bound.
	IterateLowerBound []byte
}

// DefaultReadOptions returns a ReadOptions with checksum verification and
// cache fill both on, reading the current database state.
func DefaultReadOptions() *ReadOptions {
	return &ReadOptions{
		VerifyChecksums: true,
		FillCache:       true,
	}
}

// WriteOptions configures a single Put, Delete, Merge, or Write call.
type WriteOptions struct {
	// Sync fsyncs the WAL before the call returns, the strongest
	// durability guarantee this package offers at the cost of throughput.
	Sync bool

	// DisableWAL skips the write-ahead log and writes straight to the
	// memtable. A crash before the next Flush loses the write entirely;
	// only set this when that's an acceptable trade for throughput, and
	// call Flush explicitly before shutting down.
	DisableWAL bool
}

// DefaultWriteOptions returns a WriteOptions with the WAL enabled and no
// forced fsync, the usual throughput/durability balance.
func DefaultWriteOptions() *WriteOptions {
	return &WriteOptions{}
}

// FlushOptions configures a call to Flush.
type FlushOptions struct {
	// Wait blocks the call until the flush finishes.
	Wait bool

	// AllowWriteStall permits Flush to stall writes if needed to make room.
	AllowWriteStall bool
}

// DefaultFlushOptions returns a FlushOptions that waits for the flush to
// complete and won't stall writes to do it.
func DefaultFlushOptions() *FlushOptions {
	return &FlushOptions{Wait: true}
}
