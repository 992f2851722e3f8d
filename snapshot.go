package strandkv

// Snapshot pins a sequence number so reads made against it never observe
// writes committed after it was taken, no matter how long it's held or how
// much compaction runs in the meantime.

import (
	"sync/atomic"
	"time"
)

// Snapshot is a read-only, point-in-time view of the database.
type Snapshot struct {
	db       *dbImpl
	sequence uint64
	refs     atomic.Int32

	takenAtUnix int64

	// The DB keeps snapshots on a doubly linked list ordered by sequence
	// number, so it can cheaply find the oldest one still held.
	prev *Snapshot
	next *Snapshot
}

// newSnapshot pins seq and starts the snapshot with one reference held by
// its creator.
func newSnapshot(db *dbImpl, seq uint64) *Snapshot {
	s := &Snapshot{
		db:          db,
		sequence:    seq,
		takenAtUnix: time.Now().Unix(),
	}
	s.refs.Store(1)
	return s
}

// Sequence returns the sequence number this snapshot pins.
func (s *Snapshot) Sequence() uint64 {
	return s.sequence
}

// Release drops the caller's reference. Once the last reference is gone the
// DB is notified so it can unlink the snapshot and let compaction reclaim
// entries it was the last thing keeping alive.
func (s *Snapshot) Release() {
	if s.refs.Add(-1) == 0 && s.db != nil {
		s.db.releaseSnapshot(s)
	}
}
