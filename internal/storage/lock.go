package storage

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/gofrs/flock"
)

// LockFileName is created inside the journal directory while a Log owns it.
const LockFileName = ".lock"

// ErrDirectoryLocked means another process (or another Log in this process)
// already owns the journal directory.
var ErrDirectoryLocked = errors.New("journal directory is locked by another process")

// dirLock is an exclusive advisory lock on a journal directory.
type dirLock struct {
	fl *flock.Flock
}

func lockDirectory(dir string) (*dirLock, error) {
	fl := flock.New(filepath.Join(dir, LockFileName))
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock %s: %w", dir, err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrDirectoryLocked, dir)
	}
	return &dirLock{fl: fl}, nil
}

func (l *dirLock) release() error {
	if l == nil {
		return nil
	}
	return l.fl.Unlock()
}
