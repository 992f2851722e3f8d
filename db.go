package strandkv

// db.go implements the public DB facade: Open/Close, the write path (Put,
// Delete, Merge, Write), the read path (Get, MultiGet), and the glue between
// the memtable, WAL, and versioned manifest that the rest of the package
// builds on.

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/strandkv/strandkv/internal/batch"
	"github.com/strandkv/strandkv/internal/dbformat"
	"github.com/strandkv/strandkv/internal/logging"
	"github.com/strandkv/strandkv/internal/manifest"
	"github.com/strandkv/strandkv/internal/memtable"
	"github.com/strandkv/strandkv/internal/table"
	"github.com/strandkv/strandkv/internal/testutil"
	"github.com/strandkv/strandkv/internal/version"
	ivfs "github.com/strandkv/strandkv/internal/vfs"
	"github.com/strandkv/strandkv/internal/wal"
	"github.com/strandkv/strandkv/vfs"
)

var (
	// ErrNotFound is returned by Get/MultiGet when a key has no visible value.
	ErrNotFound = errors.New("strandkv: key not found")

	// ErrDBClosed is returned by any operation attempted after Close.
	ErrDBClosed = errors.New("strandkv: database is closed")

	// ErrMergeOperatorRequired is returned by Merge when no MergeOperator is configured.
	ErrMergeOperatorRequired = errors.New("strandkv: merge called with no MergeOperator configured")
)

// DB is the public interface to an open database. A single DB is safe for
// concurrent use by multiple goroutines.
type DB interface {
	Put(opts *WriteOptions, key, value []byte) error
	Delete(opts *WriteOptions, key []byte) error
	SingleDelete(opts *WriteOptions, key []byte) error
	Merge(opts *WriteOptions, key, value []byte) error
	Write(opts *WriteOptions, wb *WriteBatch) error

	PutCF(opts *WriteOptions, cf ColumnFamilyHandle, key, value []byte) error
	DeleteCF(opts *WriteOptions, cf ColumnFamilyHandle, key []byte) error
	MergeCF(opts *WriteOptions, cf ColumnFamilyHandle, key, value []byte) error
	GetCF(opts *ReadOptions, cf ColumnFamilyHandle, key []byte) ([]byte, error)

	Get(opts *ReadOptions, key []byte) ([]byte, error)
	MultiGet(opts *ReadOptions, keys [][]byte) ([][]byte, []error)

	NewIterator(opts *ReadOptions) Iterator
	NewIteratorCF(opts *ReadOptions, cf ColumnFamilyHandle) Iterator
	NewIterators(opts *ReadOptions, cfs []ColumnFamilyHandle) ([]Iterator, error)

	GetSnapshot() *Snapshot
	ReleaseSnapshot(s *Snapshot)
	GetLatestSequenceNumber() uint64

	CreateColumnFamily(opts ColumnFamilyOptions, name string) (ColumnFamilyHandle, error)
	DropColumnFamily(cf ColumnFamilyHandle) error
	ListColumnFamilies() []string
	GetColumnFamily(name string) ColumnFamilyHandle
	DefaultColumnFamily() ColumnFamilyHandle

	Flush(opts *FlushOptions) error
	CompactRange(begin, end []byte, opts *CompactRangeOptions) error

	GetProperty(name string) (string, bool)

	Close() error
}

// CompactRangeOptions controls a manual CompactRange call.
type CompactRangeOptions struct {
	// ChangeLevel moves the compaction output to TargetLevel instead of
	// letting the picker decide.
	ChangeLevel bool
	TargetLevel int

	// ExclusiveManualCompaction blocks until no other compaction is running
	// before starting this one.
	ExclusiveManualCompaction bool
}

// Property name constants accepted by DB.GetProperty.
const (
	PropertyNumImmutableMemTable     = "rocksdb.num-immutable-mem-table"
	PropertyMemTableFlushPending     = "rocksdb.mem-table-flush-pending"
	PropertyCompactionPending        = "rocksdb.compaction-pending"
	PropertyCurSizeActiveMemTable    = "rocksdb.cur-size-active-mem-table"
	PropertyNumEntriesActiveMemTable = "rocksdb.num-entries-active-mem-table"
	PropertyEstimateNumKeys          = "rocksdb.estimate-num-keys"
	PropertyNumSnapshots             = "rocksdb.num-snapshots"
	PropertyNumColumnFamilies        = "rocksdb.num-column-families"
	PropertyNumFilesAtLevelPrefix    = "rocksdb.num-files-at-level"
	PropertyLevelStats               = "rocksdb.levelstats"
)

// dbImpl is the only implementation of DB.
type dbImpl struct {
	name string
	fs   ivfs.FS

	mu     sync.RWMutex
	closed bool

	comparator Comparator
	options    *Options
	logger     Logger

	// mem is the active memtable taking writes; imm is the memtable most
	// recently switched out, waiting for (or undergoing) flush. StrandKV
	// keeps at most one immutable memtable at a time — a second Put that
	// would need to switch again blocks on immCond until doFlush clears imm.
	mem     *memtable.MemTable
	imm     *memtable.MemTable
	immCond *sync.Cond

	columnFamilies *columnFamilySet

	versions *version.VersionSet
	tableCache *table.TableCache

	logFile   ivfs.WritableFile
	logWriter *wal.Writer
	logNumber uint64

	seq             uint64
	backgroundError error
	shutdownCh      chan struct{}

	writeController *writeController
	wbm             *WriteBufferManager

	bgWork *backgroundWork

	snapMu   sync.Mutex
	snapHead Snapshot // sentinel; snapHead.next is the oldest live snapshot
	numSnaps int
}

// Open opens (and, if requested, creates) a database at name.
func Open(name string, opts *Options) (DB, error) {
	if opts == nil {
		opts = DefaultOptions()
	}

	fs := opts.FS
	if fs == nil {
		fs = vfs.Default()
	}

	comparator := opts.Comparator
	if comparator == nil {
		comparator = DefaultComparator()
	}

	logger := logging.OrDefault(opts.Logger)

	exists := fs.Exists(filepath.Join(name, "CURRENT"))
	if !exists {
		if !opts.CreateIfMissing {
			return nil, fmt.Errorf("strandkv: database %q does not exist and CreateIfMissing is false", name)
		}
		if err := fs.MkdirAll(name, 0o755); err != nil {
			return nil, fmt.Errorf("strandkv: create database directory: %w", err)
		}
	} else if opts.ErrorIfExists {
		return nil, fmt.Errorf("strandkv: database %q already exists and ErrorIfExists is true", name)
	}

	db := &dbImpl{
		name:            name,
		fs:              fs,
		comparator:      comparator,
		options:         opts,
		logger:          logger,
		shutdownCh:      make(chan struct{}),
		writeController: newWriteController(),
	}
	db.immCond = sync.NewCond(&db.mu)
	db.snapHead.next = &db.snapHead
	db.snapHead.prev = &db.snapHead
	db.columnFamilies = newColumnFamilySet(db)

	vsOpts := version.DefaultVersionSetOptions(name)
	vsOpts.FS = fs
	vsOpts.ComparatorName = comparator.Name()
	db.versions = version.NewVersionSet(vsOpts)

	tcOpts := table.DefaultTableCacheOptions()
	if opts.MaxOpenFiles > 0 {
		tcOpts.MaxOpenFiles = opts.MaxOpenFiles
	}
	db.tableCache = table.NewTableCache(fs, tcOpts)
	db.wbm = NewWriteBufferManager(uint64(opts.WriteBufferSize)*uint64(max(opts.MaxWriteBufferNumber, 1)), true)

	if !exists {
		if err := db.versions.Create(); err != nil {
			return nil, fmt.Errorf("strandkv: create manifest: %w", err)
		}
	} else {
		if err := db.versions.Recover(); err != nil {
			return nil, fmt.Errorf("strandkv: recover manifest: %w", err)
		}
	}

	db.seq = db.versions.LastSequence()

	if err := db.replayWAL(); err != nil {
		return nil, fmt.Errorf("strandkv: replay WAL: %w", err)
	}
	if db.mem == nil {
		db.mem = memtable.NewMemTable(db.memtableComparator())
	}

	if err := db.deleteOrphanedSSTFiles(); err != nil {
		db.logger.Warnf("[open] deleteOrphanedSSTFiles: %v", err)
	}

	if err := db.openNewLogFile(); err != nil {
		return nil, fmt.Errorf("strandkv: open WAL: %w", err)
	}

	db.bgWork = newBackgroundWork(db)

	return db, nil
}

// memtableComparator adapts the public Comparator to the memtable package's
// plain compare function.
func (db *dbImpl) memtableComparator() memtable.Comparator {
	return db.comparator.Compare
}

// openNewLogFile creates a fresh WAL file and points logWriter at it. Called
// on Open and whenever the active memtable is switched out.
func (db *dbImpl) openNewLogFile() error {
	logNum := db.versions.NextFileNumber()
	path := db.logFilePath(logNum)

	file, err := db.fs.Create(path)
	if err != nil {
		return fmt.Errorf("create log file: %w", err)
	}

	db.logFile = file
	db.logWriter = wal.NewWriter(file, logNum, false)
	db.logNumber = logNum

	edit := &manifest.VersionEdit{}
	edit.SetLogNumber(logNum)
	if err := db.versions.LogAndApply(edit); err != nil {
		return fmt.Errorf("record log number: %w", err)
	}
	return nil
}

// logFilePath returns the path of the WAL file numbered logNum.
func (db *dbImpl) logFilePath(logNum uint64) string {
	return filepath.Join(db.name, fmt.Sprintf("%06d.log", logNum))
}

// nextSequence allocates count consecutive sequence numbers and returns the
// first one. Callers must hold db.mu.
func (db *dbImpl) nextSequence(count uint64) uint64 {
	first := db.seq + 1
	db.seq += count
	return first
}

// Put writes key=value, overwriting any existing value.
func (db *dbImpl) Put(opts *WriteOptions, key, value []byte) error {
	wb := batch.New()
	wb.Put(key, value)
	return db.Write(opts, newWriteBatchFromInternal(wb))
}

// PutCF writes key=value in the given column family.
func (db *dbImpl) PutCF(opts *WriteOptions, cf ColumnFamilyHandle, key, value []byte) error {
	cfd, err := db.getColumnFamilyData(cf)
	if err != nil {
		return err
	}
	if cfd.id == DefaultColumnFamilyID {
		return db.Put(opts, key, value)
	}
	wb := batch.New()
	wb.PutCF(cfd.id, key, value)
	return db.Write(opts, newWriteBatchFromInternal(wb))
}

// Delete removes key.
func (db *dbImpl) Delete(opts *WriteOptions, key []byte) error {
	wb := batch.New()
	wb.Delete(key)
	return db.Write(opts, newWriteBatchFromInternal(wb))
}

// DeleteCF removes key from the given column family.
func (db *dbImpl) DeleteCF(opts *WriteOptions, cf ColumnFamilyHandle, key []byte) error {
	cfd, err := db.getColumnFamilyData(cf)
	if err != nil {
		return err
	}
	if cfd.id == DefaultColumnFamilyID {
		return db.Delete(opts, key)
	}
	wb := batch.New()
	wb.DeleteCF(cfd.id, key)
	return db.Write(opts, newWriteBatchFromInternal(wb))
}

// SingleDelete removes key, asserting it was written at most once since any
// earlier write to the same key. It is cheaper than Delete for keys that
// are known to fit that pattern; using it on a key with multiple live
// versions leaves the older versions behind.
func (db *dbImpl) SingleDelete(opts *WriteOptions, key []byte) error {
	wb := batch.New()
	wb.SingleDelete(key)
	return db.Write(opts, newWriteBatchFromInternal(wb))
}

// Merge applies a merge operand to key, to be resolved against the existing
// value (and any other pending operands) by the configured MergeOperator at
// read time.
func (db *dbImpl) Merge(opts *WriteOptions, key, value []byte) error {
	if db.options.MergeOperator == nil {
		return ErrMergeOperatorRequired
	}
	wb := batch.New()
	wb.Merge(key, value)
	return db.Write(opts, newWriteBatchFromInternal(wb))
}

// MergeCF applies a merge operand to key in the given column family.
func (db *dbImpl) MergeCF(opts *WriteOptions, cf ColumnFamilyHandle, key, value []byte) error {
	if db.options.MergeOperator == nil {
		return ErrMergeOperatorRequired
	}
	cfd, err := db.getColumnFamilyData(cf)
	if err != nil {
		return err
	}
	if cfd.id == DefaultColumnFamilyID {
		return db.Merge(opts, key, value)
	}
	wb := batch.New()
	wb.MergeCF(cfd.id, key, value)
	return db.Write(opts, newWriteBatchFromInternal(wb))
}

// Write applies every operation in wb atomically: either all of them land
// in the WAL and memtable, or none do.
func (db *dbImpl) Write(opts *WriteOptions, wb *WriteBatch) error {
	if opts == nil {
		opts = DefaultWriteOptions()
	}
	if wb == nil || wb.internal.Count() == 0 {
		return nil
	}

	internal := wb.internal

	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return ErrDBClosed
	}
	if err := db.makeRoomForWrite(int64(internal.Size())); err != nil {
		db.mu.Unlock()
		return err
	}

	seq := db.nextSequence(uint64(internal.Count()))
	internal.SetSequence(seq)

	if !opts.DisableWAL {
		testutil.MaybeKill(testutil.KPWALAppend0)
		if _, err := db.logWriter.AddRecord(internal.Data()); err != nil {
			db.mu.Unlock()
			return fmt.Errorf("strandkv: write WAL: %w", err)
		}
		if opts.Sync {
			testutil.MaybeKill(testutil.KPWALSync0)
			if err := db.logWriter.Sync(); err != nil {
				db.mu.Unlock()
				return fmt.Errorf("strandkv: sync WAL: %w", err)
			}
			testutil.MaybeKill(testutil.KPWALSync1)
		}
	}

	inserter := &memtableInserter{db: db, sequence: seq, defaultMem: db.mem}
	if err := internal.Iterate(inserter); err != nil {
		db.mu.Unlock()
		return fmt.Errorf("strandkv: apply batch to memtable: %w", err)
	}
	db.wbm.ReserveMem(uint64(internal.Size()))

	db.recalculateWriteStall()
	writeSize := internal.Size()
	shouldFlush := db.wbm.ShouldFlush()
	db.mu.Unlock()

	db.writeController.maybeStallWrite(writeSize)
	if shouldFlush {
		db.mu.Lock()
		if db.imm == nil && !db.mem.Empty() {
			db.imm = db.mem
			db.mem = memtable.NewMemTable(db.memtableComparator())
			_ = db.openNewLogFile()
		}
		db.mu.Unlock()
		db.bgWork.maybeScheduleFlush()
	}
	return nil
}

// makeRoomForWrite switches the active memtable out to imm (waiting for
// flush to clear it first, if one is already pending) once it's grown past
// WriteBufferSize. Callers must hold db.mu.
func (db *dbImpl) makeRoomForWrite(nextWriteSize int64) error {
	for {
		if db.backgroundError != nil {
			return db.backgroundError
		}
		if db.mem.ApproximateMemoryUsage()+nextWriteSize <= int64(db.options.WriteBufferSize) {
			return nil
		}
		if db.imm == nil {
			break
		}
		// An immutable memtable is already waiting on flush; block until
		// doFlush clears it so we never hold more than one at a time.
		db.immCond.Wait()
	}

	imm := db.mem
	db.imm = imm
	db.mem = memtable.NewMemTable(db.memtableComparator())

	if err := db.openNewLogFile(); err != nil {
		db.mem = imm
		db.imm = nil
		return err
	}

	db.bgWork.maybeScheduleFlush()
	return nil
}

// Get returns the most recent visible value for key, or ErrNotFound if it
// has none.
func (db *dbImpl) Get(opts *ReadOptions, key []byte) ([]byte, error) {
	return db.getInternal(opts, db.columnFamilies.getDefault(), key)
}

// GetCF returns the most recent visible value for key in the given column
// family.
func (db *dbImpl) GetCF(opts *ReadOptions, cf ColumnFamilyHandle, key []byte) ([]byte, error) {
	cfd, err := db.getColumnFamilyData(cf)
	if err != nil {
		return nil, err
	}
	return db.getInternal(opts, cfd, key)
}

func (db *dbImpl) getInternal(opts *ReadOptions, cfd *columnFamilyData, key []byte) ([]byte, error) {
	db.mu.RLock()
	if db.closed {
		db.mu.RUnlock()
		return nil, ErrDBClosed
	}

	seq := dbformat.MaxSequenceNumber
	if opts != nil && opts.Snapshot != nil {
		seq = dbformat.SequenceNumber(opts.Snapshot.Sequence())
	}

	var mem, imm *memtable.MemTable
	if cfd.id == DefaultColumnFamilyID {
		mem, imm = db.mem, db.imm
	} else {
		cfd.memMu.RLock()
		mem = cfd.mem
		cfd.memMu.RUnlock()
	}

	v := db.versions.Current()
	if v != nil {
		v.Ref()
	}
	db.mu.RUnlock()
	if v != nil {
		defer v.Unref()
	}

	var operands [][]byte
	if mem != nil {
		base, more, found, deleted := mem.CollectMergeOperands(key, seq)
		operands = append(operands, more...)
		if found || deleted || len(more) > 0 {
			if deleted {
				if len(operands) == 0 {
					return nil, ErrNotFound
				}
				return db.resolveMerge(key, nil, operands)
			}
			if len(more) == 0 {
				return base, nil
			}
			return db.resolveMerge(key, base, operands)
		}
	}
	if imm != nil {
		base, more, found, deleted := imm.CollectMergeOperands(key, seq)
		operands = append(operands, more...)
		if found || deleted || len(more) > 0 {
			if deleted {
				if len(operands) == 0 {
					return nil, ErrNotFound
				}
				return db.resolveMerge(key, nil, operands)
			}
			if len(operands) == len(more) {
				return base, nil
			}
			return db.resolveMerge(key, base, operands)
		}
	}

	if v != nil {
		for level := range v.NumLevels() {
			for _, f := range v.Files(level) {
				if !fileMayContain(db.comparator, f, key) {
					continue
				}
				val, found, deleted, isMerge, err := db.getFromTable(f, key, seq)
				if err != nil {
					return nil, err
				}
				if !found {
					continue
				}
				if isMerge {
					operands = append(operands, val)
					continue
				}
				if deleted {
					if len(operands) == 0 {
						return nil, ErrNotFound
					}
					return db.resolveMerge(key, nil, operands)
				}
				if len(operands) == 0 {
					return val, nil
				}
				return db.resolveMerge(key, val, operands)
			}
		}
	}

	if len(operands) > 0 {
		return db.resolveMerge(key, nil, operands)
	}
	return nil, ErrNotFound
}

// fileMayContain reports whether f's key range could contain key, comparing
// only the user-key prefix of f's stored internal bounds.
func fileMayContain(cmp Comparator, f *manifest.FileMetaData, key []byte) bool {
	if cmp.Compare(key, dbformat.ExtractUserKey(f.Smallest)) < 0 {
		return false
	}
	if cmp.Compare(key, dbformat.ExtractUserKey(f.Largest)) > 0 {
		return false
	}
	return true
}

// getFromTable looks up key in a single SST file through the table cache,
// seeking to the first internal key at or below seq.
func (db *dbImpl) getFromTable(f *manifest.FileMetaData, key []byte, seq dbformat.SequenceNumber) (value []byte, found, deleted, isMerge bool, err error) {
	path := db.sstFilePath(f.FD.GetNumber())
	reader, err := db.tableCache.Get(f.FD.GetNumber(), path)
	if err != nil {
		return nil, false, false, false, fmt.Errorf("strandkv: open table %d: %w", f.FD.GetNumber(), err)
	}
	defer db.tableCache.Release(f.FD.GetNumber())

	target := dbformat.NewInternalKey(key, seq, dbformat.ValueTypeForSeek)

	it := reader.NewIterator()
	it.Seek(target)
	if !it.Valid() {
		return nil, false, false, false, nil
	}
	parsed, perr := dbformat.ParseInternalKey(it.Key())
	if perr != nil {
		return nil, false, false, false, nil
	}
	if !bytesEqual(parsed.UserKey, key) {
		return nil, false, false, false, nil
	}

	switch parsed.Type {
	case dbformat.TypeDeletion, dbformat.TypeSingleDeletion:
		return nil, true, true, false, nil
	case dbformat.TypeMerge:
		return it.Value(), true, false, true, nil
	default:
		return it.Value(), true, false, false, nil
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// resolveMerge folds base (nil if the key was never Put) with operands,
// oldest first, via the configured MergeOperator.
func (db *dbImpl) resolveMerge(key, base []byte, operands [][]byte) ([]byte, error) {
	if db.options.MergeOperator == nil {
		return nil, ErrMergeOperatorRequired
	}
	// operands accumulate newest-first as callers walk mem, imm, then
	// on-disk levels; FullMerge wants them applied oldest-first.
	ordered := make([][]byte, len(operands))
	for i, op := range operands {
		ordered[len(operands)-1-i] = op
	}
	result, ok := db.options.MergeOperator.FullMerge(key, base, ordered)
	if !ok {
		return nil, fmt.Errorf("strandkv: merge operator failed for key %q", key)
	}
	return result, nil
}

// MultiGet fetches several keys at once. The returned slices are positional:
// values[i]/errs[i] correspond to keys[i]. A missing key reports ErrNotFound
// in its error slot rather than failing the whole call.
func (db *dbImpl) MultiGet(opts *ReadOptions, keys [][]byte) ([][]byte, []error) {
	if len(keys) == 0 {
		return nil, nil
	}
	values := make([][]byte, len(keys))
	errs := make([]error, len(keys))
	for i, key := range keys {
		values[i], errs[i] = db.Get(opts, key)
	}
	return values, errs
}

// GetSnapshot pins the current sequence number and returns a Snapshot
// reads can be anchored to.
func (db *dbImpl) GetSnapshot() *Snapshot {
	db.mu.RLock()
	seq := db.seq
	db.mu.RUnlock()

	s := newSnapshot(db, seq)

	db.snapMu.Lock()
	s.prev = db.snapHead.prev
	s.next = &db.snapHead
	db.snapHead.prev.next = s
	db.snapHead.prev = s
	db.numSnaps++
	db.snapMu.Unlock()

	return s
}

// ReleaseSnapshot drops the caller's hold on s.
func (db *dbImpl) ReleaseSnapshot(s *Snapshot) {
	if s == nil {
		return
	}
	s.Release()
}

// releaseSnapshot unlinks s from the live list once its last reference is
// gone. Called by Snapshot.Release.
func (db *dbImpl) releaseSnapshot(s *Snapshot) {
	db.snapMu.Lock()
	defer db.snapMu.Unlock()
	if s.prev == nil || s.next == nil {
		return
	}
	s.prev.next = s.next
	s.next.prev = s.prev
	s.prev, s.next = nil, nil
	db.numSnaps--
}

// oldestSnapshotSequence returns the sequence number of the oldest live
// snapshot, or MaxSequenceNumber if none are held.
func (db *dbImpl) oldestSnapshotSequence() uint64 {
	db.snapMu.Lock()
	defer db.snapMu.Unlock()
	if db.snapHead.next == &db.snapHead {
		return uint64(dbformat.MaxSequenceNumber)
	}
	return db.snapHead.next.sequence
}

// GetLatestSequenceNumber returns the sequence number of the most recently
// committed write.
func (db *dbImpl) GetLatestSequenceNumber() uint64 {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.seq
}

// CreateColumnFamily creates a new column family named name.
func (db *dbImpl) CreateColumnFamily(opts ColumnFamilyOptions, name string) (ColumnFamilyHandle, error) {
	cfd, err := db.columnFamilies.create(name, opts)
	if err != nil {
		return nil, err
	}
	return &columnFamilyHandle{cfd: cfd}, nil
}

// DropColumnFamily marks cf as dropped. Its data is reclaimed once the last
// handle referencing it is released.
func (db *dbImpl) DropColumnFamily(cf ColumnFamilyHandle) error {
	cfd, err := db.getColumnFamilyData(cf)
	if err != nil {
		return err
	}
	return db.columnFamilies.drop(cfd)
}

// ListColumnFamilies returns the names of every column family, including
// the default one.
func (db *dbImpl) ListColumnFamilies() []string {
	return db.columnFamilies.listNames()
}

// GetColumnFamily returns a handle to the column family named name, or nil
// if it doesn't exist.
func (db *dbImpl) GetColumnFamily(name string) ColumnFamilyHandle {
	cfd := db.columnFamilies.getByName(name)
	if cfd == nil {
		return nil
	}
	return &columnFamilyHandle{cfd: cfd}
}

// DefaultColumnFamily returns a handle to the always-present default column
// family.
func (db *dbImpl) DefaultColumnFamily() ColumnFamilyHandle {
	return &columnFamilyHandle{cfd: db.columnFamilies.getDefault()}
}

// Flush forces the active memtable out to an SST file, waiting for the
// flush to complete before returning.
func (db *dbImpl) Flush(opts *FlushOptions) error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return ErrDBClosed
	}
	if db.mem.Empty() && db.imm == nil {
		db.mu.Unlock()
		return nil
	}
	for db.imm != nil {
		db.immCond.Wait()
		if db.closed {
			db.mu.Unlock()
			return ErrDBClosed
		}
	}
	if !db.mem.Empty() {
		db.imm = db.mem
		db.mem = memtable.NewMemTable(db.memtableComparator())
		if err := db.openNewLogFile(); err != nil {
			db.mu.Unlock()
			return err
		}
	}
	db.mu.Unlock()

	if err := db.doFlush(); err != nil {
		return err
	}

	db.bgWork.maybeScheduleCompaction()

	if opts != nil && opts.Wait {
		db.mu.Lock()
		for db.imm != nil && db.backgroundError == nil {
			db.immCond.Wait()
		}
		err := db.backgroundError
		db.mu.Unlock()
		return err
	}
	return nil
}

// CompactRange runs compaction across [begin, end). A nil begin or end
// means "from the first key" / "to the last key" respectively.
func (db *dbImpl) CompactRange(begin, end []byte, opts *CompactRangeOptions) error {
	db.mu.RLock()
	if db.closed {
		db.mu.RUnlock()
		return ErrDBClosed
	}
	db.mu.RUnlock()

	return db.bgWork.runManualCompaction(begin, end, opts)
}

// GetProperty reports an internal statistic, RocksDB-style. ok is false for
// unrecognized property names.
func (db *dbImpl) GetProperty(name string) (string, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.getPropertyLocked(name)
}

// Close flushes nothing implicitly but stops background work, waits for it
// to drain, and releases open file handles. A Close'd DB cannot be reused.
func (db *dbImpl) Close() error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil
	}
	db.closed = true
	db.mu.Unlock()

	close(db.shutdownCh)
	db.writeController.releaseWriteStall()
	db.immCond.Broadcast()

	if db.bgWork != nil {
		db.bgWork.shutdown()
	}

	var firstErr error
	if db.logFile != nil {
		if err := db.logFile.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if db.tableCache != nil {
		if err := db.tableCache.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := db.versions.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// memtableInserter applies a WriteBatch's operations to the active
// memtable (or the right column family's memtable) as it's iterated,
// assigning consecutive sequence numbers in batch order.
type memtableInserter struct {
	db         *dbImpl
	sequence   uint64
	defaultMem *memtable.MemTable
	lockHeld   bool // set during WAL replay, where db.mu is already held by the caller
}

var _ batch.Handler = (*memtableInserter)(nil)

func (h *memtableInserter) memFor(cfID uint32) *memtable.MemTable {
	if cfID == DefaultColumnFamilyID {
		return h.defaultMem
	}
	cfd := h.db.columnFamilies.getByID(cfID)
	if cfd == nil {
		return h.defaultMem
	}
	cfd.memMu.RLock()
	defer cfd.memMu.RUnlock()
	return cfd.mem
}

func (h *memtableInserter) Put(key, value []byte) error {
	h.defaultMem.Add(dbformat.SequenceNumber(h.sequence), dbformat.TypeValue, key, value)
	h.sequence++
	return nil
}

func (h *memtableInserter) PutCF(cfID uint32, key, value []byte) error {
	h.memFor(cfID).Add(dbformat.SequenceNumber(h.sequence), dbformat.TypeValue, key, value)
	h.sequence++
	return nil
}

func (h *memtableInserter) Delete(key []byte) error {
	h.defaultMem.Add(dbformat.SequenceNumber(h.sequence), dbformat.TypeDeletion, key, nil)
	h.sequence++
	return nil
}

func (h *memtableInserter) DeleteCF(cfID uint32, key []byte) error {
	h.memFor(cfID).Add(dbformat.SequenceNumber(h.sequence), dbformat.TypeDeletion, key, nil)
	h.sequence++
	return nil
}

func (h *memtableInserter) SingleDelete(key []byte) error {
	h.defaultMem.Add(dbformat.SequenceNumber(h.sequence), dbformat.TypeSingleDeletion, key, nil)
	h.sequence++
	return nil
}

func (h *memtableInserter) SingleDeleteCF(cfID uint32, key []byte) error {
	h.memFor(cfID).Add(dbformat.SequenceNumber(h.sequence), dbformat.TypeSingleDeletion, key, nil)
	h.sequence++
	return nil
}

func (h *memtableInserter) Merge(key, value []byte) error {
	h.defaultMem.Add(dbformat.SequenceNumber(h.sequence), dbformat.TypeMerge, key, value)
	h.sequence++
	return nil
}

func (h *memtableInserter) MergeCF(cfID uint32, key, value []byte) error {
	h.memFor(cfID).Add(dbformat.SequenceNumber(h.sequence), dbformat.TypeMerge, key, value)
	h.sequence++
	return nil
}

func (h *memtableInserter) DeleteRange(startKey, endKey []byte) error {
	h.defaultMem.AddRangeTombstone(dbformat.SequenceNumber(h.sequence), startKey, endKey)
	h.sequence++
	return nil
}

func (h *memtableInserter) DeleteRangeCF(cfID uint32, startKey, endKey []byte) error {
	h.memFor(cfID).AddRangeTombstone(dbformat.SequenceNumber(h.sequence), startKey, endKey)
	h.sequence++
	return nil
}

func (h *memtableInserter) LogData(blob []byte) {}

// getPropertyLocked implements GetProperty. Callers must hold db.mu (for
// read or write).
func (db *dbImpl) getPropertyLocked(name string) (string, bool) {
	v := db.versions.Current()

	switch name {
	case PropertyNumImmutableMemTable:
		if db.imm != nil {
			return "1", true
		}
		return "0", true

	case PropertyMemTableFlushPending:
		if db.imm != nil || db.bgWork.numRunningFlushes() > 0 {
			return "1", true
		}
		return "0", true

	case PropertyCurSizeActiveMemTable:
		return strconv.FormatInt(db.mem.ApproximateMemoryUsage(), 10), true

	case PropertyNumEntriesActiveMemTable:
		return strconv.FormatInt(db.mem.Count(), 10), true

	case PropertyCompactionPending:
		if db.bgWork.isCompactionPending() {
			return "1", true
		}
		return "0", true

	case PropertyNumSnapshots:
		db.snapMu.Lock()
		n := db.numSnaps
		db.snapMu.Unlock()
		return strconv.Itoa(n), true

	case PropertyNumColumnFamilies:
		return strconv.Itoa(db.columnFamilies.count()), true

	case PropertyEstimateNumKeys:
		total := db.mem.Count()
		if db.imm != nil {
			total += db.imm.Count()
		}
		if v != nil {
			for level := range v.NumLevels() {
				total += int64(v.NumFiles(level))
			}
		}
		return strconv.FormatUint(uint64(total), 10), true

	case PropertyLevelStats:
		var b strings.Builder
		fmt.Fprintf(&b, "Level   Files   Size\n")
		if v != nil {
			for level := range v.NumLevels() {
				fmt.Fprintf(&b, "%d       %d       %d\n", level, v.NumFiles(level), v.NumLevelBytes(level))
			}
		}
		return b.String(), true
	}

	if strings.HasPrefix(name, PropertyNumFilesAtLevelPrefix) {
		levelStr := strings.TrimPrefix(name, PropertyNumFilesAtLevelPrefix)
		level, err := strconv.Atoi(levelStr)
		if err != nil || v == nil || level < 0 || level >= v.NumLevels() {
			return "", false
		}
		return strconv.Itoa(v.NumFiles(level)), true
	}

	return "", false
}
