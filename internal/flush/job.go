// Package flush turns an immutable memtable into an on-disk SST file.
//
// A Job is a one-shot: build it around the memtable to drain, call Run, and
// either get back the FileMetaData describing the new SST or an error. The
// caller (the db package) is responsible for installing the result into the
// current Version via a VersionEdit.
package flush

import (
	"errors"
	"fmt"

	"github.com/strandkv/strandkv/internal/manifest"
	"github.com/strandkv/strandkv/internal/memtable"
	"github.com/strandkv/strandkv/internal/table"
	"github.com/strandkv/strandkv/internal/testutil"
	"github.com/strandkv/strandkv/vfs"
)

// ErrNoOutput is returned when the memtable holds nothing worth writing —
// no entries and no range tombstones — so no SST file was produced.
var ErrNoOutput = errors.New("flush: no output")

// DB is the slice of database state a flush Job needs.
type DB interface {
	NextFileNumber() uint64
	SSTFilePath(fileNum uint64) string
	FS() vfs.FS
	DBPath() string
	ComparatorName() string
}

// Job flushes a single memtable to a new SST file.
type Job struct {
	db      DB
	mem     *memtable.MemTable
	fileNum uint64
}

// NewJob returns a Job that will flush mem when Run is called.
func NewJob(db DB, mem *memtable.MemTable) *Job {
	return &Job{db: db, mem: mem}
}

// Run writes the memtable's contents to a new SST file and returns its
// FileMetaData. If the memtable has nothing to write, it returns
// ErrNoOutput and leaves no file behind.
func (fj *Job) Run() (*manifest.FileMetaData, error) {
	_ = testutil.SP(testutil.SPFlushStart)
	testutil.MaybeKill(testutil.KPFlushStart0)

	fj.fileNum = fj.db.NextFileNumber()
	sstPath := fj.db.SSTFilePath(fj.fileNum)

	_ = testutil.SP(testutil.SPFlushWriteSST)
	testutil.MaybeKill(testutil.KPFlushWriteSST0)

	file, err := fj.db.FS().Create(sstPath)
	if err != nil {
		return nil, fmt.Errorf("flush: create SST file: %w", err)
	}
	defer func() { _ = file.Close() }()

	opts := table.DefaultBuilderOptions()
	opts.ComparatorName = fj.db.ComparatorName()
	builder := table.NewTableBuilder(file, opts)

	var firstKey, lastKey []byte
	var smallestSeq, largestSeq uint64

	iter := fj.mem.NewIterator()
	for iter.SeekToFirst(); iter.Valid(); iter.Next() {
		key := iter.Key()
		if err := builder.Add(key, iter.Value()); err != nil {
			builder.Abandon()
			return nil, fmt.Errorf("flush: add entry: %w", err)
		}

		seq := seqNumOf(key)
		if firstKey == nil {
			firstKey = append([]byte{}, key...)
			smallestSeq = seq
		}
		lastKey = append(lastKey[:0], key...)
		if seq < smallestSeq {
			smallestSeq = seq
		}
		if seq > largestSeq {
			largestSeq = seq
		}
	}
	if err := iter.Error(); err != nil {
		builder.Abandon()
		return nil, fmt.Errorf("flush: memtable iteration: %w", err)
	}

	// Range tombstones live in their own meta-block, separate from the
	// point-key data blocks the loop above wrote.
	hasRangeTombstones := false
	if fj.mem.HasRangeTombstones() {
		if tombstones := fj.mem.GetRangeTombstones(); tombstones != nil && !tombstones.IsEmpty() {
			if err := builder.AddRangeTombstones(tombstones); err != nil {
				builder.Abandon()
				return nil, fmt.Errorf("flush: add range tombstones: %w", err)
			}
			hasRangeTombstones = true
		}
	}

	if builder.NumEntries() == 0 && !hasRangeTombstones {
		builder.Abandon()
		_ = fj.db.FS().Remove(sstPath)
		return nil, ErrNoOutput
	}

	if err := builder.Finish(); err != nil {
		return nil, fmt.Errorf("flush: finish SST file: %w", err)
	}
	fileSize := builder.FileSize()

	_ = testutil.SP(testutil.SPFlushSyncSST)
	testutil.MaybeKill(testutil.KPFileSync0)

	if err := file.Sync(); err != nil {
		return nil, fmt.Errorf("flush: sync SST file: %w", err)
	}
	testutil.MaybeKill(testutil.KPFileSync1)

	// The MANIFEST is about to start referencing this file by name; the
	// directory entry for it needs to be durable first, or a crash could
	// leave the MANIFEST pointing at a file that was never really created.
	if err := fj.db.FS().SyncDir(fj.db.DBPath()); err != nil {
		return nil, fmt.Errorf("flush: sync directory: %w", err)
	}

	_ = testutil.SP(testutil.SPFlushComplete)

	meta := manifest.NewFileMetaData()
	meta.FD = manifest.NewFileDescriptor(fj.fileNum, 0, fileSize)
	meta.FD.SmallestSeqno = manifest.SequenceNumber(smallestSeq)
	meta.FD.LargestSeqno = manifest.SequenceNumber(largestSeq)
	meta.Smallest = firstKey
	meta.Largest = lastKey

	return meta, nil
}

// seqNumOf pulls the sequence number out of an internal key's 8-byte
// trailer (little-endian seq<<8 | kind), discarding the kind bits.
func seqNumOf(internalKey []byte) uint64 {
	if len(internalKey) < 8 {
		return 0
	}
	trailer := internalKey[len(internalKey)-8:]
	tag := uint64(trailer[0]) | uint64(trailer[1])<<8 | uint64(trailer[2])<<16 | uint64(trailer[3])<<24 |
		uint64(trailer[4])<<32 | uint64(trailer[5])<<40 | uint64(trailer[6])<<48 | uint64(trailer[7])<<56
	return tag >> 8
}
