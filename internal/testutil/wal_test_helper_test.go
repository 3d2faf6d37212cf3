package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

func Test_ListWALFiles_And_RequireWALPresent(t *testing.T) {
	tmp := t.TempDir()
	// missing dir should make ListWALFiles return error
	if _, err := ListWALFiles(filepath.Join(tmp, "missing")); err == nil {
		t.Fatalf("expected error when wal dir missing")
	}

	walDir := filepath.Join(tmp, "wal")
	if err := os.MkdirAll(walDir, 0755); err != nil {
		t.Fatalf("mkdir wal: %v", err)
	}

	// empty wal dir: ListWALFiles should return an empty slice
	files, err := ListWALFiles(walDir)
	if err != nil {
		t.Fatalf("ListWALFiles on empty wal dir failed: %v", err)
	}
	if len(files) != 0 {
		t.Fatalf("expected 0 wal files in empty wal dir, got %d", len(files))
	}

	// add a segment file and verify behavior
	f := filepath.Join(walDir, "0-1.wal")
	if err := os.WriteFile(f, []byte("data"), 0644); err != nil {
		t.Fatalf("write wal file: %v", err)
	}

	files, err = ListWALFiles(walDir)
	if err != nil {
		t.Fatalf("ListWALFiles failed: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("expected 1 wal file, got %d", len(files))
	}

	// RequireWALPresent should pass now
	t.Run("nonEmptyWalShouldPass", func(t *testing.T) {
		RequireWALPresent(t, walDir)
	})
}
