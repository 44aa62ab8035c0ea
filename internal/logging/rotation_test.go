package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestWriter(t *testing.T, maxBytes int64, maxBackups int) (*RotatingWriter, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "slidewire.log")

	rw, err := NewRotatingWriter(path, RotationConfig{MaxSizeMB: 1, MaxBackups: maxBackups})
	if err != nil {
		t.Fatalf("NewRotatingWriter() error = %v", err)
	}
	rw.maxSizeB = maxBytes
	return rw, path
}

func TestRotatingWriter_Write(t *testing.T) {
	rw, path := newTestWriter(t, 1024, 3)
	defer rw.Close()

	if _, err := rw.Write([]byte("hello\n")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading log: %v", err)
	}
	if string(data) != "hello\n" {
		t.Errorf("content = %q, want %q", data, "hello\n")
	}
}

func TestRotatingWriter_RotatesAtLimit(t *testing.T) {
	rw, path := newTestWriter(t, 100, 3)
	defer rw.Close()

	line := strings.Repeat("x", 60) + "\n"
	if _, err := rw.Write([]byte(line)); err != nil {
		t.Fatalf("first write: %v", err)
	}
	// second write would exceed 100 bytes, forcing a rotation
	if _, err := rw.Write([]byte(line)); err != nil {
		t.Fatalf("second write: %v", err)
	}

	backup, err := os.ReadFile(path + ".1")
	if err != nil {
		t.Fatalf("backup should exist: %v", err)
	}
	if string(backup) != line {
		t.Errorf("backup holds %d bytes, want the first line", len(backup))
	}

	current, _ := os.ReadFile(path)
	if string(current) != line {
		t.Errorf("current file holds %d bytes, want the second line", len(current))
	}
}

func TestRotatingWriter_DropsOldestBackup(t *testing.T) {
	rw, path := newTestWriter(t, 10, 2)
	defer rw.Close()

	// each write exceeds the limit, so every write after the first rotates
	for i := 0; i < 5; i++ {
		if _, err := rw.Write([]byte("0123456789AB")); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	if _, err := os.Stat(path + ".1"); err != nil {
		t.Error("backup .1 should exist")
	}
	if _, err := os.Stat(path + ".2"); err != nil {
		t.Error("backup .2 should exist")
	}
	if _, err := os.Stat(path + ".3"); !os.IsNotExist(err) {
		t.Error("backup .3 should have been dropped")
	}
}

func TestRotatingWriter_WriteAfterClose(t *testing.T) {
	rw, _ := newTestWriter(t, 1024, 1)
	_ = rw.Close()

	if _, err := rw.Write([]byte("late")); err == nil {
		t.Error("writes after Close should fail")
	}
}
