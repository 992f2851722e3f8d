package strandkv

// background.go schedules flush and compaction work: maybeScheduleFlush and
// maybeScheduleCompaction decide whether there's anything to do and, if so,
// hand it to a goroutine; runManualCompaction drives a synchronous
// CompactRange call through the same compaction job machinery.

import (
	"fmt"
	"sync"

	"github.com/strandkv/strandkv/internal/compaction"
	"github.com/strandkv/strandkv/internal/dbformat"
	"github.com/strandkv/strandkv/internal/manifest"
	"github.com/strandkv/strandkv/internal/version"
)

// backgroundWork tracks in-flight flush/compaction goroutines and the
// picker used to decide whether compaction is needed.
type backgroundWork struct {
	db *dbImpl

	mu                sync.Mutex
	picker            compaction.CompactionPicker
	compactionRunning bool
	flushRunning      bool
	paused            bool

	runningFlushes      int
	runningCompactions  int
	backgroundErrors    int

	wg sync.WaitGroup
}

// newBackgroundWork builds the scheduler for db, sizing the picker from
// db.options.
func newBackgroundWork(db *dbImpl) *backgroundWork {
	picker := &compaction.LeveledCompactionPicker{
		NumLevels:             db.versions.Current().NumLevels(),
		L0CompactionTrigger:   db.options.Level0FileNumCompactionTrigger,
		L0StopWritesTrigger:   db.options.Level0StopWritesTrigger,
		MaxBytesForLevelBase:  uint64(db.options.MaxBytesForLevelBase),
		MaxBytesForLevelMulti: 10.0,
		TargetFileSizeBase:    64 * 1024 * 1024,
		TargetFileSizeMulti:   1.0,
	}
	return &backgroundWork{db: db, picker: picker}
}

// isPaused reports whether background scheduling is currently paused.
func (bw *backgroundWork) isPaused() bool {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return bw.paused
}

// pause stops new flush/compaction work from being scheduled. Work already
// running is left to finish.
func (bw *backgroundWork) pause() {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	bw.paused = true
}

// resume allows new flush/compaction work to be scheduled again.
func (bw *backgroundWork) resume() {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	bw.paused = false
}

func (bw *backgroundWork) numRunningFlushes() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return bw.runningFlushes
}

func (bw *backgroundWork) numRunningCompactions() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return bw.runningCompactions
}

func (bw *backgroundWork) numBackgroundErrors() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return bw.backgroundErrors
}

func (bw *backgroundWork) incrementBackgroundErrors() {
	bw.mu.Lock()
	bw.backgroundErrors++
	bw.mu.Unlock()
}

// isCompactionPending reports whether the current version needs compaction.
func (bw *backgroundWork) isCompactionPending() bool {
	v := bw.db.versions.Current()
	if v == nil {
		return false
	}
	return bw.picker.NeedsCompaction(v)
}

// maybeScheduleFlush launches a flush goroutine if there's an immutable
// memtable waiting and one isn't already running.
func (bw *backgroundWork) maybeScheduleFlush() {
	bw.mu.Lock()
	if bw.paused || bw.flushRunning {
		bw.mu.Unlock()
		return
	}
	bw.db.mu.RLock()
	hasImm := bw.db.imm != nil
	bw.db.mu.RUnlock()
	if !hasImm {
		bw.mu.Unlock()
		return
	}
	bw.flushRunning = true
	bw.runningFlushes++
	bw.mu.Unlock()

	bw.wg.Add(1)
	go bw.runFlush()
}

func (bw *backgroundWork) runFlush() {
	defer bw.wg.Done()
	db := bw.db

	err := db.doFlush()

	bw.mu.Lock()
	bw.flushRunning = false
	bw.runningFlushes--
	if err != nil {
		bw.backgroundErrors++
	}
	bw.mu.Unlock()

	if err != nil {
		db.logger.Warnf("[background] flush failed: %v", err)
		return
	}

	bw.maybeScheduleCompaction()
}

// maybeScheduleCompaction launches a compaction goroutine if the picker
// reports work to do and one isn't already running.
func (bw *backgroundWork) maybeScheduleCompaction() {
	bw.mu.Lock()
	if bw.paused || bw.compactionRunning {
		bw.mu.Unlock()
		return
	}
	if bw.db.options.DisableAutoCompactions {
		bw.mu.Unlock()
		return
	}
	v := bw.db.versions.Current()
	if v == nil || !bw.picker.NeedsCompaction(v) {
		bw.mu.Unlock()
		return
	}
	bw.compactionRunning = true
	bw.runningCompactions++
	bw.mu.Unlock()

	bw.wg.Add(1)
	go bw.runCompaction()
}

func (bw *backgroundWork) runCompaction() {
	defer bw.wg.Done()
	db := bw.db

	v := db.versions.Current()
	if v != nil {
		v.Ref()
		defer v.Unref()
	}

	err := bw.runOneCompaction(v)

	bw.mu.Lock()
	bw.compactionRunning = false
	bw.runningCompactions--
	if err != nil {
		bw.backgroundErrors++
	}
	bw.mu.Unlock()

	if err != nil {
		db.logger.Warnf("[background] compaction failed: %v", err)
		return
	}

	// A single round may not be enough to drain a deep backlog.
	bw.maybeScheduleCompaction()
}

// runOneCompaction picks one compaction from v and runs it to completion,
// installing the resulting version edit.
func (bw *backgroundWork) runOneCompaction(v *version.Version) error {
	if v == nil {
		return nil
	}
	return bw.runPickedCompaction(bw.picker.PickCompaction(v))
}

func (bw *backgroundWork) runPickedCompaction(c *compaction.Compaction) error {
	if c == nil {
		return nil
	}
	db := bw.db

	job := compaction.NewCompactionJobWithSnapshot(c, db.name, db.fs, db.tableCache, db.versions.NextFileNumber, bw.earliestSnapshotSequence())

	newFiles, err := job.Run()
	if err != nil {
		return fmt.Errorf("compaction job: %w", err)
	}

	edit := &manifest.VersionEdit{
		DeletedFiles: c.DeletedFiles(),
	}
	for _, f := range newFiles {
		edit.NewFiles = append(edit.NewFiles, manifest.NewFileEntry{
			Level: c.OutputLevel,
			Meta:  f,
		})
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.versions.LogAndApply(edit); err != nil {
		return fmt.Errorf("apply compaction edit: %w", err)
	}
	db.recalculateWriteStall()
	return nil
}

// runManualCompaction drives a foreground CompactRange call through the
// same job machinery as the background scheduler, restricted to files
// overlapping [begin, end).
func (bw *backgroundWork) runManualCompaction(begin, end []byte, opts *CompactRangeOptions) error {
	db := bw.db

	v := db.versions.Current()
	if v == nil {
		return nil
	}
	v.Ref()
	defer v.Unref()

	targetLevel := 0
	if opts != nil && opts.ChangeLevel {
		targetLevel = opts.TargetLevel
	}

	var inputs []*compaction.CompactionInputFiles
	for level := 0; level < v.NumLevels(); level++ {
		files := v.OverlappingInputs(level, begin, end)
		if len(files) == 0 {
			continue
		}
		inputs = append(inputs, &compaction.CompactionInputFiles{Level: level, Files: files})
	}
	if len(inputs) == 0 {
		return nil
	}

	outputLevel := targetLevel
	if outputLevel == 0 {
		outputLevel = inputs[len(inputs)-1].Level + 1
		if outputLevel >= v.NumLevels() {
			outputLevel = v.NumLevels() - 1
		}
	}

	c := compaction.NewCompaction(inputs, outputLevel)
	compaction.ComputeGrandparents(c, v)
	return bw.runPickedCompaction(c)
}

// shutdown waits for any in-flight flush/compaction goroutines to finish.
func (bw *backgroundWork) shutdown() {
	bw.pause()
	bw.wg.Wait()
}

// recalculateWriteStall recomputes and applies the write stall condition
// from the active memtable count and current L0 file count. Callers must
// hold db.mu.
func (db *dbImpl) recalculateWriteStall() {
	numUnflushed := 1
	if db.imm != nil {
		numUnflushed = 2
	}
	numL0Files := 0
	if v := db.versions.Current(); v != nil {
		numL0Files = v.NumFiles(0)
	}
	condition, cause := recalculateWriteStallCondition(
		numUnflushed,
		numL0Files,
		db.options.MaxWriteBufferNumber,
		db.options.Level0SlowdownWritesTrigger,
		db.options.Level0StopWritesTrigger,
		db.options.DisableAutoCompactions,
	)
	db.writeController.setStallCondition(condition, cause)
}

// earliestSnapshotSequence is used when a future compaction job wants to
// drop entries that are not visible to any held snapshot.
func (bw *backgroundWork) earliestSnapshotSequence() dbformat.SequenceNumber {
	return dbformat.SequenceNumber(bw.db.oldestSnapshotSequence())
}
