package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNew_WritesToLogFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "proxy.log")

	log, err := New("debug", path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	log.Info("hello world")
	log.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "hello world") {
		t.Errorf("expected log file to contain message, got: %s", data)
	}
}

func TestNew_NoFileIsOptional(t *testing.T) {
	log, err := New("info", "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	log.Info("no file configured")
}

func TestRotatingWriter_Rotates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "proxy.log")

	w, err := newRotatingWriter(path)
	if err != nil {
		t.Fatalf("newRotatingWriter: %v", err)
	}
	defer w.Close()

	chunk := make([]byte, 1024)
	for i := range chunk {
		chunk[i] = 'a'
	}
	for i := 0; i < maxSize/len(chunk)+2; i++ {
		if _, err := w.Write(chunk); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	if _, err := os.Stat(backupPath(path, 1)); err != nil {
		t.Errorf("expected rotated backup file to exist: %v", err)
	}
}
