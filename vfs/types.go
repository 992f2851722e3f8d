// Package vfs re-exports the internal/vfs abstraction at a stable import
// path so that callers outside the module boundary (and the goroutine-local
// fault injection helpers in this package) can depend on it without reaching
// into internal/.
package vfs

import (
	ivfs "github.com/strandkv/strandkv/internal/vfs"
)

// FS abstracts the filesystem the database runs on.
type FS = ivfs.FS

// WritableFile is an append-only file open for writing.
type WritableFile = ivfs.WritableFile

// SequentialFile is a file open for sequential reads.
type SequentialFile = ivfs.SequentialFile

// RandomAccessFile is a file open for random-access reads.
type RandomAccessFile = ivfs.RandomAccessFile

// FaultInjectionFS wraps a base FS and lets tests inject read, write, and
// sync errors, plus simulate crashes that drop unsynced data.
type FaultInjectionFS = ivfs.FaultInjectionFS

// NewFaultInjectionFS wraps base with fault injection controls.
func NewFaultInjectionFS(base FS) *FaultInjectionFS {
	return ivfs.NewFaultInjectionFS(base)
}

// Default returns the FS backed by the real operating system filesystem.
func Default() FS {
	return ivfs.Default()
}

// Injected error sentinels, re-exported so callers can errors.Is against
// them without importing internal/vfs directly.
var (
	ErrInjectedReadError  = ivfs.ErrInjectedReadError
	ErrInjectedWriteError = ivfs.ErrInjectedWriteError
	ErrInjectedSyncError  = ivfs.ErrInjectedSyncError
)
