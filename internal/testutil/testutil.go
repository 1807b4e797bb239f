// Package testutil provides shared test infrastructure. The pipeline
// keeps no persisted state of its own — the flag contract is the
// system of record — so unlike a typical service's test harness this
// has no database to spin up; it only provides fixture and logger
// helpers for package tests.
package testutil

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

// Logger returns a slog.Logger that discards all output, for tests that
// need to construct a component requiring a logger but don't want test
// output cluttered.
func Logger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// WriteTempJSON marshals v to JSON and writes it to a temp file named
// name inside t's temp directory, returning the file's path, for tests
// that load model/blacklist/scaler artifacts from disk.
func WriteTempJSON(t *testing.T, name string, v any) string {
	t.Helper()

	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("testutil: marshal fixture: %v", err)
	}

	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("testutil: write fixture: %v", err)
	}
	return path
}

// WriteTempFile writes raw contents to a temp file named name inside t's
// temp directory, returning the file's path.
func WriteTempFile(t *testing.T, name string, contents string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("testutil: write fixture: %v", err)
	}
	return path
}
