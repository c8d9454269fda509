package lock

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
)

func TestAcquireAndRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions", "main", "LOCK")

	l, err := Acquire(path, "main")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	info, err := Holder(path)
	if err != nil {
		t.Fatalf("Holder() error = %v", err)
	}
	if info.PID != os.Getpid() || info.Session != "main" || info.Since.IsZero() {
		t.Errorf("Holder() = %+v", info)
	}
	if !Held(path) {
		t.Error("Held() = false while locked")
	}

	if err := l.Release(); err != nil {
		t.Errorf("Release() error = %v", err)
	}
	if Held(path) {
		t.Error("Held() = true after release")
	}
	if _, err := Holder(path); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("Holder() after release error = %v, want ErrNotExist", err)
	}
}

func TestDoubleAcquireFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "LOCK")

	l1, err := Acquire(path, "work")
	if err != nil {
		t.Fatalf("first Acquire() error = %v", err)
	}
	defer func() { _ = l1.Release() }()

	_, err = Acquire(path, "work")
	if err == nil {
		t.Fatal("second Acquire() should fail")
	}

	var lockErr *LockHeldError
	if !errors.As(err, &lockErr) {
		t.Fatalf("expected LockHeldError, got %T: %v", err, err)
	}
	if lockErr.PID != os.Getpid() || lockErr.Session != "work" {
		t.Errorf("LockHeldError = %+v", lockErr.Info)
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		content string
		pid     int
		session string
	}{
		{"full", "pid=42\nsession=main\ntime=2024-01-02T03:04:05Z\n", 42, "main"},
		{"pid only", "pid=7\n", 7, ""},
		{"garbage", "hello", 0, ""},
		{"bad pid", "pid=abc\nsession=x", 0, "x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := parse(tt.content)
			if info.PID != tt.pid || info.Session != tt.session {
				t.Errorf("parse() = %+v, want pid %d session %q", info, tt.pid, tt.session)
			}
		})
	}
}

func TestReleaseNil(t *testing.T) {
	var l *Lock
	if err := l.Release(); err != nil {
		t.Errorf("nil Release() error = %v", err)
	}
}

func TestReleaseIdempotent(t *testing.T) {
	l, err := Acquire(filepath.Join(t.TempDir(), "LOCK"), "main")
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
