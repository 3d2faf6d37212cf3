// Package testutil provides small filesystem assertions for WAL directory
// tests.
package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

// RequireWALPresent asserts that dataDir contains at least one entry. Any
// file or subdirectory counts; names are not checked against the segment
// grammar. It fails the test immediately if the requirement is not met.
func RequireWALPresent(t *testing.T, dataDir string) {
	t.Helper()
	entries, err := os.ReadDir(dataDir)
	if err != nil {
		t.Fatalf("expected wal directory at %s: %v", dataDir, err)
	}
	if len(entries) == 0 {
		t.Fatalf("expected wal segment files in %s, none found", dataDir)
	}
}

// ListWALFiles returns the list of file paths directly under dataDir.
// Returns an error if dataDir does not exist or cannot be read.
func ListWALFiles(dataDir string) ([]string, error) {
	entries, err := os.ReadDir(dataDir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() {
			files = append(files, filepath.Join(dataDir, e.Name()))
		}
	}
	return files, nil
}
