package core

import (
	"os"
	"testing"
)

// setupTempIndex opens a fresh Index rooted at a t.TempDir(), with fsync
// disabled so tests don't pay for real durability, mirroring the teacher's
// own test_helpers.go pattern of a throwaway directory per test.
func setupTempIndex(tb testing.TB, opts ...Option) *Index {
	tb.Helper()
	dir := tb.TempDir()
	allOpts := append([]Option{WithFsync(false)}, opts...)
	idx, err := Open(dir, allOpts...)
	if err != nil {
		tb.Fatalf("Open: %v", err)
	}
	tb.Cleanup(func() { _ = idx.Close() })
	return idx
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}
