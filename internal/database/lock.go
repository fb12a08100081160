package database

import (
	"errors"
	"fmt"

	"github.com/gofrs/flock"
)

// ErrLocked is returned when another process holds the database lock.
var ErrLocked = errors.New("database is in use by another process")

// Lock is an advisory lock on a database file, held for a process lifetime.
type Lock struct {
	fl *flock.Flock
}

// AcquireLock takes the lock file next to dbPath without blocking. In-memory
// databases get a no-op lock.
func AcquireLock(dbPath string) (*Lock, error) {
	if dbPath == ":memory:" {
		return &Lock{}, nil
	}
	fl := flock.New(dbPath + ".lock")
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", fl.Path(), err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLocked, fl.Path())
	}
	return &Lock{fl: fl}, nil
}

func (l *Lock) Release() error {
	if l == nil || l.fl == nil {
		return nil
	}
	if err := l.fl.Unlock(); err != nil {
		return fmt.Errorf("unlock %s: %w", l.fl.Path(), err)
	}
	return nil
}
