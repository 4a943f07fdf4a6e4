// Package testutil provides shared test helpers, grounded on the
// teacher's own testutil package: temp directories and files, free ports,
// an in-memory metastore factory and a no-op logger.
package testutil

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/redcloudfiles/redcloud/internal/metastore"
)

// TempDir creates a temporary directory for testing and returns a
// cleanup function.
func TempDir(t *testing.T) (string, func()) {
	t.Helper()
	dir, err := os.MkdirTemp("", "redcloud-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	return dir, func() {
		_ = os.RemoveAll(dir)
	}
}

// TempFile writes content to dir/name and returns the path.
func TempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return path
}

// FreePort returns an available TCP port on localhost.
func FreePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

// NewStore opens an in-memory metastore for tests, per the badger
// in-memory mode BadgerStore.Open("") already supports.
func NewStore(t *testing.T) metastore.Store {
	t.Helper()
	store, err := metastore.Open("")
	if err != nil {
		t.Fatalf("failed to open in-memory metastore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// NopLogger returns a zerolog.Logger that discards everything, for tests
// that don't care about log output.
func NopLogger() zerolog.Logger {
	return zerolog.Nop()
}
