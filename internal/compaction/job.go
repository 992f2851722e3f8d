// Package compaction executes compactions once the picker in compaction.go
// has decided which files to merge. CompactionJob.Run reads every input
// file through a MergingIterator, drops entries a range tombstone or the
// earliest live snapshot makes safe to discard, optionally runs them
// through a user Filter, and writes the survivors to new SST files at the
// output level.
//
// # Whitebox Testing Hooks
//
// Sync points below require the synctest build tag; in production builds
// they compile to no-ops.
package compaction

import (
	"bytes"
	"fmt"
	"path/filepath"

	"github.com/strandkv/strandkv/internal/block"
	"github.com/strandkv/strandkv/internal/dbformat"
	"github.com/strandkv/strandkv/internal/iterator"
	"github.com/strandkv/strandkv/internal/manifest"
	"github.com/strandkv/strandkv/internal/rangedel"
	"github.com/strandkv/strandkv/internal/table"
	"github.com/strandkv/strandkv/internal/testutil"
	"github.com/strandkv/strandkv/internal/vfs"
)

// maxGrandparentOverlapFactor bounds how many multiples of the target file
// size an in-progress output file is allowed to overlap at the grandparent
// level before it must roll to a new file.
const maxGrandparentOverlapFactor = 10

// RateLimiter throttles the I/O a compaction generates.
type RateLimiter interface {
	Request(bytes int64, priority int)
}

// I/O priority classes passed to RateLimiter.Request.
const (
	IOPriorityLow  = 0 // background compaction and flush
	IOPriorityHigh = 1 // foreground reads and writes
)

// FilterDecision is a Filter's verdict on one entry.
type FilterDecision int

const (
	FilterKeep FilterDecision = iota
	FilterRemove
	FilterChange
)

// Filter lets a caller inspect or rewrite every surviving entry as it
// passes through compaction — useful for TTL expiry, value transforms, or
// application-level garbage collection that the engine itself can't know
// about.
type Filter interface {
	Name() string

	// Filter is called once per entry with its user key (not the internal
	// key) and current value, at the compaction's output level.
	Filter(level int, key, value []byte) (decision FilterDecision, newValue []byte)
}

// CompactionJob runs one compaction: merge the inputs a Compaction names,
// write the result to new SST files, and record them in the Compaction's
// VersionEdit.
type CompactionJob struct {
	compaction *Compaction
	dbPath     string
	fs         vfs.FS
	tableCache *table.TableCache

	nextFileNum func() uint64
	outputFiles []*manifest.FileMetaData

	rangeDelAgg      *rangedel.CompactionRangeDelAggregator
	earliestSnapshot dbformat.SequenceNumber

	rateLimiter RateLimiter
	filter      Filter

	filteredRecords uint64
	changedRecords  uint64

	// grandparentIndex and grandparentOverlap track, for the output file
	// currently being written, how far into compaction.Grandparents the
	// scan has advanced and how many bytes of those files it has
	// overlapped so far.
	grandparentIndex   int
	grandparentOverlap uint64
}

// NewCompactionJob returns a job with no snapshot floor and no rate limiter.
func NewCompactionJob(c *Compaction, dbPath string, fs vfs.FS, tableCache *table.TableCache, nextFileNum func() uint64) *CompactionJob {
	return NewCompactionJobWithSnapshot(c, dbPath, fs, tableCache, nextFileNum, 0)
}

// NewCompactionJobWithSnapshot returns a job that may drop tombstone-covered
// keys only once both the key and the tombstone predate earliestSnapshot —
// any open snapshot still needs to see them.
func NewCompactionJobWithSnapshot(c *Compaction, dbPath string, fs vfs.FS, tableCache *table.TableCache, nextFileNum func() uint64, earliestSnapshot dbformat.SequenceNumber) *CompactionJob {
	return &CompactionJob{
		compaction:       c,
		dbPath:           dbPath,
		fs:               fs,
		tableCache:       tableCache,
		nextFileNum:      nextFileNum,
		rangeDelAgg:      rangedel.NewCompactionRangeDelAggregator(earliestSnapshot),
		earliestSnapshot: earliestSnapshot,
	}
}

// NewCompactionJobWithRateLimiter is NewCompactionJobWithSnapshot plus a
// RateLimiter applied to each output file's write.
func NewCompactionJobWithRateLimiter(c *Compaction, dbPath string, fs vfs.FS, tableCache *table.TableCache, nextFileNum func() uint64, earliestSnapshot dbformat.SequenceNumber, rateLimiter RateLimiter) *CompactionJob {
	j := NewCompactionJobWithSnapshot(c, dbPath, fs, tableCache, nextFileNum, earliestSnapshot)
	j.rateLimiter = rateLimiter
	return j
}

// SetFilter installs f to run over every surviving entry.
func (j *CompactionJob) SetFilter(f Filter) {
	j.filter = f
}

// FilterStats reports how many entries the installed Filter removed or changed.
func (j *CompactionJob) FilterStats() (removed, changed uint64) {
	return j.filteredRecords, j.changedRecords
}

// Run executes the compaction and returns the metadata of the files it wrote.
func (j *CompactionJob) Run() ([]*manifest.FileMetaData, error) {
	_ = testutil.SP(testutil.SPCompactionStart)

	if j.compaction.IsTrivialMove {
		return j.runTrivialMove()
	}

	_ = testutil.SP(testutil.SPCompactionOpenInputs)

	iters, err := j.openInputIterators()
	if err != nil {
		return nil, fmt.Errorf("compaction: open input iterators: %w", err)
	}
	merged := iterator.NewMergingIterator(iters, block.CompareInternalKeys)

	_ = testutil.SP(testutil.SPCompactionProcessing)

	if err := j.mergeAndWrite(merged); err != nil {
		return nil, fmt.Errorf("compaction: merge and write: %w", err)
	}

	_ = testutil.SP(testutil.SPCompactionComplete)

	return j.outputFiles, nil
}

// runTrivialMove handles the case where an input file's key range doesn't
// overlap anything at the output level: it's reassigned a level in the
// edit without being read or rewritten.
func (j *CompactionJob) runTrivialMove() ([]*manifest.FileMetaData, error) {
	for _, input := range j.compaction.Inputs {
		for _, f := range input.Files {
			moved := manifest.NewFileMetaData()
			moved.FD = f.FD
			moved.Smallest = f.Smallest
			moved.Largest = f.Largest
			j.compaction.Edit.AddFile(j.compaction.OutputLevel, moved)
			j.compaction.Edit.DeleteFile(input.Level, f.FD.GetNumber())
		}
	}
	return nil, nil
}

// openInputIterators opens every input file through the table cache and
// feeds its range tombstones into the aggregator, returning one iterator
// per file for the caller to merge.
func (j *CompactionJob) openInputIterators() ([]iterator.Iterator, error) {
	var iters []iterator.Iterator
	var opened []uint64

	abort := func(format string, args ...any) ([]iterator.Iterator, error) {
		for _, fileNum := range opened {
			j.tableCache.Release(fileNum)
		}
		return nil, fmt.Errorf(format, args...)
	}

	for _, input := range j.compaction.Inputs {
		for _, f := range input.Files {
			path := j.sstFilePath(f.FD.GetNumber())
			if !j.fs.Exists(path) {
				return abort("input file %d does not exist: %s", f.FD.GetNumber(), path)
			}

			reader, err := j.tableCache.Get(f.FD.GetNumber(), path)
			if err != nil {
				return abort("get table reader %d: %w", f.FD.GetNumber(), err)
			}
			opened = append(opened, f.FD.GetNumber())

			if j.rangeDelAgg != nil {
				if tombstones, err := reader.GetRangeTombstoneList(); err == nil && !tombstones.IsEmpty() {
					j.rangeDelAgg.AddTombstoneList(input.Level, tombstones)
				}
			}

			iters = append(iters, &sstIteratorAdapter{iter: reader.NewIterator(), fileNumber: f.FD.GetNumber()})
		}
	}

	return iters, nil
}

func (j *CompactionJob) sstFilePath(fileNum uint64) string {
	return filepath.Join(j.dbPath, fmt.Sprintf("%06d.sst", fileNum))
}

// mergeAndWrite walks merged in order, dropping shadowed versions, obsolete
// tombstones and range-tombstone-covered entries, running the installed
// Filter over what survives, and spilling the result across one or more
// output files.
func (j *CompactionJob) mergeAndWrite(merged *iterator.MergingIterator) error {
	var builder *table.TableBuilder
	var out *outputFile
	var err error

	var hasCurrentUserKey bool
	var currentUserKey []byte
	lastSequenceForKey := dbformat.MaxSequenceNumber

	for merged.SeekToFirst(); merged.Valid(); merged.Next() {
		key := merged.Key()
		value := merged.Value()

		if len(key) < dbformat.NumInternalBytes {
			continue
		}
		userKey := dbformat.ExtractUserKey(key)
		seq := dbformat.ExtractSequenceNumber(key)
		valueType := dbformat.ExtractValueType(key)

		drop := false
		if hasCurrentUserKey && bytes.Equal(userKey, currentUserKey) {
			// A newer version of this key was already written to (or
			// dropped from) the output. If that version's sequence
			// already predates the oldest open snapshot, no snapshot can
			// ever observe this older one either.
			if lastSequenceForKey <= j.earliestSnapshot {
				drop = true
			}
		} else {
			hasCurrentUserKey = true
			currentUserKey = append(currentUserKey[:0], userKey...)
			lastSequenceForKey = dbformat.MaxSequenceNumber
		}

		if !drop && (valueType == dbformat.TypeDeletion || valueType == dbformat.TypeSingleDeletion) &&
			seq <= j.earliestSnapshot && j.compaction.IsBottommostLevel {
			// Nothing below this level can still hold a shadowed value
			// for the tombstone to protect, and no open snapshot needs
			// to see the deletion itself.
			drop = true
		}

		lastSequenceForKey = seq

		if drop || j.coveredByTombstone(key) {
			continue
		}

		if j.filter != nil {
			decision, newValue := j.filter.Filter(j.compaction.OutputLevel, userKey, value)
			switch decision {
			case FilterRemove:
				j.filteredRecords++
				continue
			case FilterChange:
				value = newValue
				j.changedRecords++
			}
		}

		if builder == nil || j.shouldRollOutputFile(builder, out, key) {
			if builder != nil {
				if err = j.completeOutputFile(builder, out); err != nil {
					return err
				}
			}
			out, builder, err = j.beginOutputFile()
			if err != nil {
				return err
			}
		}

		if err := builder.Add(key, value); err != nil {
			return fmt.Errorf("add to builder: %w", err)
		}

		if out.smallest == nil {
			out.smallest = append([]byte{}, key...)
		}
		out.largest = append(out.largest[:0], key...)
	}

	if err := merged.Error(); err != nil {
		return fmt.Errorf("iterator error: %w", err)
	}

	if builder != nil {
		return j.completeOutputFile(builder, out)
	}
	return nil
}

// coveredByTombstone reports whether internalKey can be dropped because a
// range tombstone covers it and both predate the earliest open snapshot.
func (j *CompactionJob) coveredByTombstone(internalKey []byte) bool {
	if j.rangeDelAgg == nil || j.rangeDelAgg.IsEmpty() {
		return false
	}
	if len(internalKey) < dbformat.NumInternalBytes {
		return false
	}

	userKey := dbformat.ExtractUserKey(internalKey)
	seqNum := dbformat.ExtractSequenceNumber(internalKey)
	return j.rangeDelAgg.ShouldDropKey(userKey, seqNum)
}

// outputFile tracks one file currently being written by a compaction.
type outputFile struct {
	fileNumber uint64
	file       vfs.WritableFile
	path       string
	smallest   []byte
	largest    []byte
}

// beginOutputFile allocates a new file number and opens the file for writing.
func (j *CompactionJob) beginOutputFile() (*outputFile, *table.TableBuilder, error) {
	fileNum := j.nextFileNum()
	path := filepath.Join(j.dbPath, fmt.Sprintf("%06d.sst", fileNum))

	file, err := j.fs.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("create file %s: %w", path, err)
	}

	builder := table.NewTableBuilder(file, table.DefaultBuilderOptions())

	j.grandparentOverlap = 0
	// grandparentIndex is not reset: the merge walks keys in ascending
	// order across output files, so the scan over Grandparents only ever
	// moves forward.

	return &outputFile{fileNumber: fileNum, file: file, path: path}, builder, nil
}

// completeOutputFile finishes the SST, syncs it and its directory entry,
// and records its metadata in the compaction's output edit.
func (j *CompactionJob) completeOutputFile(builder *table.TableBuilder, out *outputFile) error {
	if err := builder.Finish(); err != nil {
		_ = out.file.Close()
		return fmt.Errorf("finish builder: %w", err)
	}
	fileSize := builder.FileSize()

	if j.rateLimiter != nil {
		j.rateLimiter.Request(int64(fileSize), IOPriorityLow)
	}

	if err := out.file.Sync(); err != nil {
		_ = out.file.Close()
		return fmt.Errorf("sync file: %w", err)
	}
	if err := out.file.Close(); err != nil {
		return fmt.Errorf("close file: %w", err)
	}

	// The MANIFEST edit below is about to reference this file by name, so
	// its directory entry needs to be durable first.
	if err := j.fs.SyncDir(j.dbPath); err != nil {
		return fmt.Errorf("sync directory after compaction SST write: %w", err)
	}

	meta := manifest.NewFileMetaData()
	meta.FD = manifest.NewFileDescriptor(out.fileNumber, 0, fileSize)
	meta.Smallest = out.smallest
	meta.Largest = out.largest

	j.outputFiles = append(j.outputFiles, meta)
	j.compaction.Edit.AddFile(j.compaction.OutputLevel, meta)

	return nil
}

// shouldRollOutputFile reports whether the current output file should be
// closed and a new one started before nextKey is written to it: either the
// file has reached the compaction's target size, or writing more to it
// would let it overlap too much of the grandparent level, which would make
// that level's own future compaction more expensive.
func (j *CompactionJob) shouldRollOutputFile(builder *table.TableBuilder, current *outputFile, nextKey []byte) bool {
	if current == nil {
		return true
	}

	target := j.compaction.MaxOutputFileSize
	if target == 0 {
		target = 64 * 1024 * 1024
	}
	if builder.FileSize() >= target {
		return true
	}

	return j.grandparentOverlapExceeded(nextKey, target)
}

// grandparentOverlapExceeded advances the grandparent scan up to nextKey
// and reports whether the accumulated overlap has crossed the cap.
func (j *CompactionJob) grandparentOverlapExceeded(nextKey []byte, targetFileSize uint64) bool {
	grandparents := j.compaction.Grandparents
	for j.grandparentIndex < len(grandparents) &&
		block.CompareInternalKeys(grandparents[j.grandparentIndex].Largest, nextKey) < 0 {
		j.grandparentOverlap += grandparents[j.grandparentIndex].FD.FileSize
		j.grandparentIndex++
	}
	return j.grandparentOverlap > maxGrandparentOverlapFactor*targetFileSize
}

// sstIteratorAdapter adapts a table.TableIterator to iterator.Iterator.
type sstIteratorAdapter struct {
	iter       *table.TableIterator
	fileNumber uint64
}

func (w *sstIteratorAdapter) Valid() bool      { return w.iter.Valid() }
func (w *sstIteratorAdapter) Key() []byte      { return w.iter.Key() }
func (w *sstIteratorAdapter) Value() []byte    { return w.iter.Value() }
func (w *sstIteratorAdapter) SeekToFirst()     { w.iter.SeekToFirst() }
func (w *sstIteratorAdapter) SeekToLast()      { w.iter.SeekToLast() }
func (w *sstIteratorAdapter) Seek(target []byte) { w.iter.Seek(target) }
func (w *sstIteratorAdapter) Next()            { w.iter.Next() }
func (w *sstIteratorAdapter) Prev()            { w.iter.Prev() }
func (w *sstIteratorAdapter) Error() error     { return w.iter.Error() }
