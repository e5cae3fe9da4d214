// Package lock guards a configuration root against concurrent mutating
// invocations with an exclusive advisory file lock.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// ErrBusy is returned when another pawlette process holds the lock.
var ErrBusy = errors.New("another pawlette operation is in progress")

// Lock is a held advisory lock.
type Lock struct {
	fl *flock.Flock
}

// Acquire takes the exclusive lock at path without blocking. Contention
// fails fast with ErrBusy.
func Acquire(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", path, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w (lock file: %s)", ErrBusy, path)
	}
	return &Lock{fl: fl}, nil
}

// Release drops the lock. Safe to call once per acquired lock.
func (l *Lock) Release() error {
	return l.fl.Unlock()
}
