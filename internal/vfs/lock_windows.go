//go:build windows

// lock_windows.go backs FS.Lock on Windows. It is the same data directory
// LOCK file used by lock.go on Unix, guarding against a second process
// opening the same database.
package vfs

import (
	"io"
	"os"
)

// fileLock is an open LOCK file.
type fileLock struct {
	f *os.File
}

// lockFile acquires the data directory's LOCK file.
// TODO: use LockFileEx for a true exclusive lock; plain O_CREATE|O_RDWR
// does not exclude a second opener on Windows the way flock(2) does on Unix.
func lockFile(name string) (io.Closer, error) {
	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	return &fileLock{f: f}, nil
}

func (l *fileLock) Close() error {
	return l.f.Close()
}
