// version_set.go implements VersionSet, which owns the MANIFEST file and
// the chain of Versions it produces: Recover replays an existing MANIFEST
// on startup, and LogAndApply appends one edit and installs the Version it
// produces as current.
//
// # Whitebox Testing Hooks
//
// Crash-test hooks below require the crashtest build tag; in production
// builds they compile to no-ops.
package version

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/strandkv/strandkv/internal/manifest"
	"github.com/strandkv/strandkv/internal/table"
	"github.com/strandkv/strandkv/internal/testutil"
	"github.com/strandkv/strandkv/internal/vfs"
	"github.com/strandkv/strandkv/internal/wal"
)

var (
	ErrNotFound          = errors.New("version: not found")
	ErrCorruption        = errors.New("version: corruption")
	ErrInvalidManifest   = errors.New("version: invalid manifest")
	ErrNoCurrentManifest = errors.New("version: no current manifest")
	ErrManifestTooLarge  = errors.New("version: manifest too large")

	// ErrComparatorMismatch means the database was created with a different
	// comparator than the one Options now requests.
	ErrComparatorMismatch = errors.New("version: comparator mismatch")
)

// VersionSetOptions configures a VersionSet.
type VersionSetOptions struct {
	DBName string
	FS     vfs.FS

	// MaxManifestFileSize bounds a MANIFEST before it should be rotated.
	MaxManifestFileSize uint64

	NumLevels int

	// ComparatorName is checked against the comparator recorded in the
	// MANIFEST on Recover; empty defaults to "leveldb.BytewiseComparator".
	ComparatorName string
}

// DefaultVersionSetOptions returns sane defaults for a database at dbname.
func DefaultVersionSetOptions(dbname string) VersionSetOptions {
	return VersionSetOptions{
		DBName:              dbname,
		FS:                  vfs.Default(),
		MaxManifestFileSize: 1 << 30,
		NumLevels:           MaxNumLevels,
	}
}

// RecoveredColumnFamily is one non-default column family found while
// replaying the MANIFEST.
type RecoveredColumnFamily struct {
	ID   uint32
	Name string
}

// VersionSet owns the MANIFEST file and the live chain of Versions derived
// from it: Current() gives the most recently installed one.
type VersionSet struct {
	mu sync.Mutex

	// listMu guards the Version linked list independently of mu, since
	// Version.Unref can run from arbitrary goroutines (the last reader or
	// iterator releasing a Version) while LogAndApply holds mu.
	listMu sync.Mutex

	opts VersionSetOptions

	current       *Version
	dummyVersions Version // sentinel head/tail of the live-version list

	nextFileNumber        uint64
	manifestFileNumber    uint64
	pendingManifestNumber uint64 //nolint:unused // reserved for manifest rotation
	lastSequence          uint64
	logNumber             uint64
	prevLogNumber         uint64

	currentVersionNumber uint64 // monotonic, for logging only

	manifestFile   vfs.WritableFile
	manifestWriter *wal.Writer

	dbID        string //nolint:unused // reserved for a unique DB identifier
	dbSessionID string //nolint:unused // reserved for session tracking

	recoveredCFs    []RecoveredColumnFamily
	maxColumnFamily uint32
}

// NewVersionSet returns an empty VersionSet; call Create or Recover before
// using it.
func NewVersionSet(opts VersionSetOptions) *VersionSet {
	vs := &VersionSet{
		opts:           opts,
		nextFileNumber: 2, // 1 is reserved for the first MANIFEST
	}
	vs.dummyVersions.prev = &vs.dummyVersions
	vs.dummyVersions.next = &vs.dummyVersions
	return vs
}

// Current returns the newest installed Version. Callers that hold onto it
// beyond the current call should Ref it first.
func (vs *VersionSet) Current() *Version {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.current
}

// NextFileNumber allocates and returns the next file number.
func (vs *VersionSet) NextFileNumber() uint64 {
	return atomic.AddUint64(&vs.nextFileNumber, 1) - 1
}

// NextVersionNumber allocates the next version number.
func (vs *VersionSet) NextVersionNumber() uint64 {
	return atomic.AddUint64(&vs.currentVersionNumber, 1)
}

// CurrentVersionNumber returns the most recently allocated version number.
func (vs *VersionSet) CurrentVersionNumber() uint64 {
	return atomic.LoadUint64(&vs.currentVersionNumber)
}

// NumLiveVersions counts Versions still referenced by some reader, iterator,
// or compaction.
func (vs *VersionSet) NumLiveVersions() int {
	vs.listMu.Lock()
	defer vs.listMu.Unlock()

	n := 0
	for v := vs.dummyVersions.next; v != &vs.dummyVersions; v = v.next {
		n++
	}
	return n
}

func (vs *VersionSet) GetManifestFileNumber() uint64 {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.manifestFileNumber
}

func (vs *VersionSet) LastSequence() uint64 {
	return atomic.LoadUint64(&vs.lastSequence)
}

func (vs *VersionSet) SetLastSequence(seq uint64) {
	atomic.StoreUint64(&vs.lastSequence, seq)
}

func (vs *VersionSet) LogNumber() uint64 {
	return vs.logNumber
}

func (vs *VersionSet) ManifestFileNumber() uint64 {
	return vs.manifestFileNumber
}

// RecoveredColumnFamilies returns the non-default column families found by
// the last Recover call.
func (vs *VersionSet) RecoveredColumnFamilies() []RecoveredColumnFamily {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.recoveredCFs
}

func (vs *VersionSet) MaxColumnFamily() uint32 {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.maxColumnFamily
}

// Recover replays the MANIFEST named by the CURRENT file and rebuilds the
// current Version from its edits.
func (vs *VersionSet) Recover() error {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	currentFile := filepath.Join(vs.opts.DBName, "CURRENT")
	data, err := os.ReadFile(currentFile)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNoCurrentManifest
		}
		return err
	}

	manifestName := strings.TrimSpace(string(data))
	if manifestName == "" {
		return ErrInvalidManifest
	}
	numStr, ok := strings.CutPrefix(manifestName, "MANIFEST-")
	if !ok {
		return ErrInvalidManifest
	}
	manifestNum, err := strconv.ParseUint(numStr, 10, 64)
	if err != nil {
		return ErrInvalidManifest
	}

	manifestPath := filepath.Join(vs.opts.DBName, manifestName)
	manifestFile, err := vs.opts.FS.Open(manifestPath)
	if err != nil {
		return err
	}
	defer func() { _ = manifestFile.Close() }()

	manifestData, err := io.ReadAll(manifestFile)
	if err != nil {
		return err
	}

	// MANIFEST corruption is always fatal, unlike WAL recovery which may
	// tolerate a truncated final record — metadata we can't trust isn't
	// metadata we can use, so this reader never relaxes checksums.
	builder := NewBuilder(vs, nil)
	reader := wal.NewStrictReader(bytes.NewReader(manifestData), nil, manifestNum)

	var hasLogNumber, hasNextFileNumber, hasLastSequence bool
	maxFileNumSeen := manifestNum // floor; bumped as edits reference higher numbers
	cfMap := make(map[uint32]string)

	for {
		record, err := reader.ReadRecord()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("manifest read error: %w", err)
		}

		var edit manifest.VersionEdit
		if err := edit.DecodeFrom(record); err != nil {
			return fmt.Errorf("manifest decode error: %w", err)
		}
		if err := builder.Apply(&edit); err != nil {
			return err
		}

		for _, nf := range edit.NewFiles {
			if num := nf.Meta.FD.GetNumber(); num > maxFileNumSeen {
				maxFileNumSeen = num
			}
		}
		if edit.HasLogNumber && edit.LogNumber > maxFileNumSeen {
			maxFileNumSeen = edit.LogNumber
		}
		if edit.HasPrevLogNumber && edit.PrevLogNumber > maxFileNumSeen {
			maxFileNumSeen = edit.PrevLogNumber
		}

		if edit.HasComparator {
			expected := vs.opts.ComparatorName
			if expected == "" {
				expected = "leveldb.BytewiseComparator"
			}
			if !comparatorsCompatible(edit.Comparator, expected) {
				return fmt.Errorf("%w: database uses %q, but opening with %q",
					ErrComparatorMismatch, edit.Comparator, expected)
			}
		}
		if edit.HasLogNumber {
			hasLogNumber = true
			vs.logNumber = edit.LogNumber
		}
		if edit.HasPrevLogNumber {
			vs.prevLogNumber = edit.PrevLogNumber
		}
		if edit.HasNextFileNumber {
			hasNextFileNumber = true
			atomic.StoreUint64(&vs.nextFileNumber, edit.NextFileNumber)
		}
		if edit.HasLastSequence {
			hasLastSequence = true
			atomic.StoreUint64(&vs.lastSequence, uint64(edit.LastSequence))
		}

		if edit.HasMaxColumnFamily {
			vs.maxColumnFamily = edit.MaxColumnFamily
		}
		if edit.IsColumnFamilyAdd {
			cfID := edit.ColumnFamily
			if !edit.HasColumnFamily {
				cfID = 0
			}
			cfMap[cfID] = edit.ColumnFamilyName
		}
		if edit.IsColumnFamilyDrop {
			cfID := edit.ColumnFamily
			if !edit.HasColumnFamily {
				cfID = 0
			}
			delete(cfMap, cfID)
		}
	}

	vs.recoveredCFs = nil
	for id, name := range cfMap {
		if id != 0 {
			vs.recoveredCFs = append(vs.recoveredCFs, RecoveredColumnFamily{ID: id, Name: name})
		}
	}

	if !hasLogNumber {
		return fmt.Errorf("manifest missing log number")
	}
	if !hasNextFileNumber {
		atomic.StoreUint64(&vs.nextFileNumber, maxFileNumSeen+1)
	}
	if !hasLastSequence {
		return fmt.Errorf("manifest missing last sequence")
	}

	// NextFileNumber must stay ahead of every file number the MANIFEST
	// actually referenced, even if a stale or missing NextFileNumber entry
	// would otherwise let it fall behind.
	if n := atomic.LoadUint64(&vs.nextFileNumber); n <= maxFileNumSeen {
		atomic.StoreUint64(&vs.nextFileNumber, maxFileNumSeen+1)
	}

	// A crash between writing an SST and recording it in the MANIFEST
	// leaves an orphaned file on disk that Recover never saw above; scan
	// the directory so nextFileNumber still clears it.
	if onDisk := vs.maxFileNumberOnDisk(); onDisk >= atomic.LoadUint64(&vs.nextFileNumber) {
		atomic.StoreUint64(&vs.nextFileNumber, onDisk+1)
	}

	// The same crash window can leave an orphaned SST holding sequence
	// numbers higher than LastSequence; without this, new writes could
	// reuse a sequence number already present in that orphaned file and
	// collide with it under the same user key.
	if seqOnDisk := vs.maxSequenceNumberOnDisk(); seqOnDisk > atomic.LoadUint64(&vs.lastSequence) {
		atomic.StoreUint64(&vs.lastSequence, seqOnDisk)
	}

	vs.manifestFileNumber = manifestNum
	vs.current = builder.SaveTo(vs)
	vs.current.Ref()
	vs.linkVersion(vs.current)

	return nil
}

// maxFileNumberOnDisk scans the database directory for the highest file
// number among SST, log, and MANIFEST files, to catch files the MANIFEST
// doesn't mention.
func (vs *VersionSet) maxFileNumberOnDisk() uint64 {
	entries, err := os.ReadDir(vs.opts.DBName)
	if err != nil {
		return 0
	}

	var maxNum uint64
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()

		var num uint64
		switch {
		case strings.HasSuffix(name, ".sst") || strings.HasSuffix(name, ".log"):
			numStr := strings.TrimSuffix(strings.TrimSuffix(name, ".sst"), ".log")
			if parsed, err := strconv.ParseUint(numStr, 10, 64); err == nil {
				num = parsed
			}
		default:
			if numStr, ok := strings.CutPrefix(name, "MANIFEST-"); ok {
				if parsed, err := strconv.ParseUint(numStr, 10, 64); err == nil {
					num = parsed
				}
			}
		}
		if num > maxNum {
			maxNum = num
		}
	}
	return maxNum
}

// maxSequenceNumberOnDisk scans every SST file's properties (falling back
// to a full key scan when properties don't carry it) for the highest
// sequence number present, the sequence-number analog of
// maxFileNumberOnDisk.
func (vs *VersionSet) maxSequenceNumberOnDisk() uint64 {
	entries, err := os.ReadDir(vs.opts.DBName)
	if err != nil {
		return 0
	}

	var maxSeq uint64
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sst") {
			continue
		}

		path := filepath.Join(vs.opts.DBName, entry.Name())
		file, err := vs.opts.FS.OpenRandomAccess(path)
		if err != nil {
			continue
		}

		reader, err := table.Open(file, table.ReaderOptions{VerifyChecksums: false})
		if err != nil {
			_ = file.Close()
			continue
		}

		if props, err := reader.Properties(); err == nil && props != nil && props.KeyLargestSeqno > 0 {
			if props.KeyLargestSeqno > maxSeq {
				maxSeq = props.KeyLargestSeqno
			}
			_ = reader.Close()
			continue
		}

		// Properties didn't carry a largest sequence number; fall back to
		// scanning every key's trailer.
		iter := reader.NewIterator()
		for iter.SeekToFirst(); iter.Valid(); iter.Next() {
			key := iter.Key()
			if len(key) < 8 {
				continue
			}
			trailer := key[len(key)-8:]
			tag := uint64(trailer[0]) | uint64(trailer[1])<<8 | uint64(trailer[2])<<16 | uint64(trailer[3])<<24 |
				uint64(trailer[4])<<32 | uint64(trailer[5])<<40 | uint64(trailer[6])<<48 | uint64(trailer[7])<<56
			if seq := tag >> 8; seq > maxSeq {
				maxSeq = seq
			}
		}
		_ = reader.Close()
	}

	return maxSeq
}

// LogAndApply appends edit to the MANIFEST and installs the Version that
// results from applying it on top of the current one.
func (vs *VersionSet) LogAndApply(edit *manifest.VersionEdit) error {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	builder := NewBuilder(vs, vs.current)
	if err := builder.Apply(edit); err != nil {
		return err
	}
	newVersion := builder.SaveTo(vs)

	// Every edit carries NextFileNumber so recovery never has to guess at it.
	edit.HasNextFileNumber = true
	edit.NextFileNumber = atomic.LoadUint64(&vs.nextFileNumber)

	encoded := edit.EncodeTo()

	// newManifest tracks whether this call started a fresh MANIFEST, so
	// CURRENT only gets rewritten once that file is synced.
	newManifest := false
	if vs.manifestWriter == nil {
		manifestNum := vs.NextFileNumber()
		file, err := vs.opts.FS.Create(vs.pathForManifest(manifestNum))
		if err != nil {
			return err
		}

		vs.manifestFile = file
		vs.manifestWriter = wal.NewWriter(file, manifestNum, false /* not recyclable */)
		vs.manifestFileNumber = manifestNum
		newManifest = true

		snapshot := vs.buildSnapshotEdit().EncodeTo()
		if _, err := vs.manifestWriter.AddRecord(snapshot); err != nil {
			return err
		}
	}

	testutil.MaybeKill(testutil.KPManifestWrite0)

	if _, err := vs.manifestWriter.AddRecord(encoded); err != nil {
		return err
	}

	testutil.MaybeKill(testutil.KPManifestSync0)

	if syncer, ok := vs.manifestFile.(interface{ Sync() error }); ok {
		if err := syncer.Sync(); err != nil {
			return err
		}
	}

	testutil.MaybeKill(testutil.KPManifestSync1)

	if newManifest {
		testutil.MaybeKill(testutil.KPCurrentWrite0)
		if err := vs.writeCurrentFile(vs.manifestFileNumber); err != nil {
			return err
		}
		testutil.MaybeKill(testutil.KPCurrentWrite1)
	}

	vs.linkVersion(newVersion)
	newVersion.Ref()
	if vs.current != nil {
		vs.current.Unref()
	}
	vs.current = newVersion

	return nil
}

// SyncManifest fsyncs the open MANIFEST file, useful before a checkpoint
// reads the directory.
func (vs *VersionSet) SyncManifest() error {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	if vs.manifestFile == nil {
		return nil
	}
	if syncer, ok := vs.manifestFile.(interface{ Sync() error }); ok {
		return syncer.Sync()
	}
	return nil
}

// buildSnapshotEdit returns a VersionEdit describing the full current
// state (every live file plus the persisted counters), written as the
// first record of a freshly started MANIFEST so it doesn't depend on any
// earlier MANIFEST's history.
func (vs *VersionSet) buildSnapshotEdit() *manifest.VersionEdit {
	edit := &manifest.VersionEdit{
		HasComparator:     true,
		Comparator:        "leveldb.BytewiseComparator",
		HasLogNumber:      true,
		LogNumber:         vs.logNumber,
		HasNextFileNumber: true,
		NextFileNumber:    atomic.LoadUint64(&vs.nextFileNumber),
		HasLastSequence:   true,
		LastSequence:      manifest.SequenceNumber(atomic.LoadUint64(&vs.lastSequence)),
	}

	if vs.current != nil {
		for level := range MaxNumLevels {
			for _, f := range vs.current.files[level] {
				edit.NewFiles = append(edit.NewFiles, manifest.NewFileEntry{Level: level, Meta: f})
			}
		}
	}

	return edit
}

// writeCurrentFile atomically repoints the CURRENT file at manifestNum:
// write-to-temp, sync, rename, sync directory.
func (vs *VersionSet) writeCurrentFile(manifestNum uint64) error {
	manifestName := fmt.Sprintf("MANIFEST-%06d", manifestNum)
	tempPath := filepath.Join(vs.opts.DBName, "CURRENT.tmp")
	currentPath := filepath.Join(vs.opts.DBName, "CURRENT")

	tempFile, err := vs.opts.FS.Create(tempPath)
	if err != nil {
		return fmt.Errorf("create CURRENT.tmp: %w", err)
	}
	if _, err := tempFile.Write([]byte(manifestName + "\n")); err != nil {
		_ = tempFile.Close()
		_ = vs.opts.FS.Remove(tempPath)
		return fmt.Errorf("write CURRENT.tmp: %w", err)
	}
	if err := tempFile.Sync(); err != nil {
		_ = tempFile.Close()
		_ = vs.opts.FS.Remove(tempPath)
		return fmt.Errorf("sync CURRENT.tmp: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		_ = vs.opts.FS.Remove(tempPath)
		return fmt.Errorf("close CURRENT.tmp: %w", err)
	}
	if err := vs.opts.FS.Rename(tempPath, currentPath); err != nil {
		_ = vs.opts.FS.Remove(tempPath)
		return fmt.Errorf("rename CURRENT: %w", err)
	}

	testutil.MaybeKill(testutil.KPDirSync0)

	if err := vs.opts.FS.SyncDir(vs.opts.DBName); err != nil {
		return fmt.Errorf("sync dir after CURRENT rename: %w", err)
	}

	testutil.MaybeKill(testutil.KPDirSync1)

	return nil
}

func (vs *VersionSet) pathForManifest(num uint64) string {
	return filepath.Join(vs.opts.DBName, fmt.Sprintf("MANIFEST-%06d", num))
}

// linkVersion appends v to the tail of the live-version list.
func (vs *VersionSet) linkVersion(v *Version) {
	vs.listMu.Lock()
	defer vs.listMu.Unlock()
	v.prev = vs.dummyVersions.prev
	v.next = &vs.dummyVersions
	v.prev.next = v
	v.next.prev = v
}

// Create initializes a brand-new, empty database: an initial Version with
// no files and a first MANIFEST recording it.
func (vs *VersionSet) Create() error {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	vs.current = NewVersion(vs, vs.NextVersionNumber())
	vs.current.Ref()
	vs.linkVersion(vs.current)

	edit := &manifest.VersionEdit{
		HasComparator:     true,
		Comparator:        "leveldb.BytewiseComparator",
		HasLogNumber:      true,
		LogNumber:         0,
		HasNextFileNumber: true,
		NextFileNumber:    atomic.LoadUint64(&vs.nextFileNumber),
		HasLastSequence:   true,
		LastSequence:      0,
	}
	return vs.applyLocked(edit)
}

// applyLocked is LogAndApply's body for the Create path, where the caller
// already holds vs.mu and there's no prior current Version to build from.
func (vs *VersionSet) applyLocked(edit *manifest.VersionEdit) error {
	encoded := edit.EncodeTo()

	if vs.manifestWriter == nil {
		manifestNum := vs.NextFileNumber()
		file, err := vs.opts.FS.Create(vs.pathForManifest(manifestNum))
		if err != nil {
			return err
		}
		vs.manifestFile = file
		vs.manifestWriter = wal.NewWriter(file, manifestNum, false /* not recyclable */)
		vs.manifestFileNumber = manifestNum
	}

	testutil.MaybeKill(testutil.KPManifestWrite0)

	if _, err := vs.manifestWriter.AddRecord(encoded); err != nil {
		return err
	}

	testutil.MaybeKill(testutil.KPManifestSync0)

	if syncer, ok := vs.manifestFile.(interface{ Sync() error }); ok {
		if err := syncer.Sync(); err != nil {
			return err
		}
	}

	testutil.MaybeKill(testutil.KPManifestSync1)
	testutil.MaybeKill(testutil.KPCurrentWrite0)

	if err := vs.writeCurrentFile(vs.manifestFileNumber); err != nil {
		return err
	}

	testutil.MaybeKill(testutil.KPCurrentWrite1)

	return nil
}

// Close closes the MANIFEST file, if one is open.
func (vs *VersionSet) Close() error {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	if vs.manifestFile != nil {
		if err := vs.manifestFile.Close(); err != nil {
			return err
		}
		vs.manifestFile = nil
		vs.manifestWriter = nil
	}
	return nil
}

func (vs *VersionSet) NumLevelFiles(level int) int {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if vs.current == nil {
		return 0
	}
	return vs.current.NumFiles(level)
}

func (vs *VersionSet) NumLevelBytes(level int) uint64 {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if vs.current == nil {
		return 0
	}
	return vs.current.NumLevelBytes(level)
}

// comparatorsCompatible reports whether diskName (recorded in the
// MANIFEST) and optName (requested via Options) name the same ordering.
// leveldb and rocksdb used different names for the same bytewise
// comparator, so those are treated as equivalent.
func comparatorsCompatible(diskName, optName string) bool {
	if diskName == optName {
		return true
	}
	bytewiseNames := map[string]bool{
		"leveldb.BytewiseComparator":        true,
		"rocksdb.BytewiseComparator":        true,
		"RocksDB.BytewiseComparator":        true,
		"leveldb.ReverseBytewiseComparator": false,
	}
	return bytewiseNames[diskName] && bytewiseNames[optName]
}
