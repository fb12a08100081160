package database

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestAcquireLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vpnshop.db")

	first, err := AcquireLock(path)
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	if _, err := AcquireLock(path); !errors.Is(err, ErrLocked) {
		t.Fatalf("second AcquireLock err = %v, want ErrLocked", err)
	}

	if err := first.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	again, err := AcquireLock(path)
	if err != nil {
		t.Fatalf("AcquireLock after release: %v", err)
	}
	again.Release()
}

func TestAcquireLockMemory(t *testing.T) {
	a, err := AcquireLock(":memory:")
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	b, err := AcquireLock(":memory:")
	if err != nil {
		t.Fatalf("second AcquireLock: %v", err)
	}
	if err := a.Release(); err != nil {
		t.Errorf("Release: %v", err)
	}
	b.Release()
}
