package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestAuditRotatorRotatesAtSizeLimit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")

	rotator, err := newAuditRotator(path, 1, 3, 30)
	if err != nil {
		t.Fatalf("create rotator: %v", err)
	}
	defer rotator.Close()
	// Shrink the limit so the test does not need a megabyte of writes.
	rotator.maxSize = 64

	first := bytes.Repeat([]byte("a"), 48)
	if _, err := rotator.Write(first); err != nil {
		t.Fatalf("first write: %v", err)
	}
	second := bytes.Repeat([]byte("b"), 48)
	if _, err := rotator.Write(second); err != nil {
		t.Fatalf("second write: %v", err)
	}

	backup, err := os.ReadFile(path + ".1")
	if err != nil {
		t.Fatalf("expected rotated backup: %v", err)
	}
	if !bytes.Equal(backup, first) {
		t.Errorf("backup should hold the pre-rotation content, got %d bytes", len(backup))
	}
	active, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read active file: %v", err)
	}
	if !bytes.Equal(active, second) {
		t.Errorf("active file should hold the record that triggered rotation, got %d bytes", len(active))
	}
}

func TestAuditRotatorRequiresPath(t *testing.T) {
	if _, err := newAuditRotator("", 1, 1, 1); err == nil {
		t.Error("empty path should be rejected")
	}
}
