package lock

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestAcquireAndRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s", "LOCK")

	l, err := Acquire(path, "u-alice")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	h, err := Read(path)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if h.PID != os.Getpid() {
		t.Errorf("pid = %d, want %d", h.PID, os.Getpid())
	}
	if h.UserID != "u-alice" {
		t.Errorf("user = %q, want u-alice", h.UserID)
	}
	if h.Since.IsZero() {
		t.Error("missing lock time")
	}

	if err := l.Release(); err != nil {
		t.Errorf("Release() error = %v", err)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("lock file still present after release: %v", err)
	}
}

func TestDoubleAcquireFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "LOCK")

	l1, err := Acquire(path, "u-alice")
	if err != nil {
		t.Fatalf("first Acquire() error = %v", err)
	}
	defer func() { _ = l1.Release() }()

	_, err = Acquire(path, "u-alice")
	if err == nil {
		t.Fatal("second Acquire() should fail")
	}

	var held *HeldError
	if !errors.As(err, &held) {
		t.Fatalf("expected HeldError, got %T: %v", err, err)
	}
	if held.Holder.PID != os.Getpid() {
		t.Errorf("holder pid = %d, want %d", held.Holder.PID, os.Getpid())
	}
}

func TestHeld(t *testing.T) {
	path := filepath.Join(t.TempDir(), "LOCK")

	if _, held, err := Held(path); err != nil || held {
		t.Fatalf("Held() on missing file = %v, %v", held, err)
	}

	l, err := Acquire(path, "u-bob")
	if err != nil {
		t.Fatal(err)
	}
	h, held, err := Held(path)
	if err != nil {
		t.Fatalf("Held() error = %v", err)
	}
	if !held || h.UserID != "u-bob" {
		t.Errorf("Held() = %+v, %v; want u-bob, true", h, held)
	}

	_ = l.Release()
	if _, held, _ := Held(path); held {
		t.Error("Held() after release = true")
	}
}

func TestStaleFileIsNotHeld(t *testing.T) {
	path := filepath.Join(t.TempDir(), "LOCK")
	if err := os.WriteFile(path, []byte("pid=999999\nuser=u-x\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, held, err := Held(path); err != nil || held {
		t.Fatalf("Held() on stale file = %v, %v", held, err)
	}
	l, err := Acquire(path, "u-alice")
	if err != nil {
		t.Fatalf("Acquire() over stale file error = %v", err)
	}
	_ = l.Release()
}

func TestReleaseIdempotent(t *testing.T) {
	var nilLock *Lock
	if err := nilLock.Release(); err != nil {
		t.Errorf("nil Release() error = %v", err)
	}

	l, err := Acquire(filepath.Join(t.TempDir(), "LOCK"), "")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if err := l.Release(); err != nil {
		t.Errorf("first Release() error = %v", err)
	}
	if err := l.Release(); err != nil {
		t.Errorf("second Release() error = %v", err)
	}
}
