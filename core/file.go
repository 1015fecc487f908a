package core

import (
	"os"
	"path/filepath"
)

// writeFileDurable writes data to path via a temp file in the same
// directory, fsyncs it, renames it into place, then fsyncs the containing
// directory so the rename itself is durable. Adapted from
// Epokhe-bitdb/core/file.go's writeFileAtomic/createFileDurable, generalised
// to take an arbitrary path instead of only the MANIFEST file. Passing
// fsync=false skips both Sync calls (tests on tmpfs only, via WithFsync).
func writeFileDurable(path string, data []byte, fsync bool) error {
	tmpPath := path + ".tmp"

	tmpf, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	if _, err := tmpf.Write(data); err != nil {
		_ = tmpf.Close()
		_ = os.Remove(tmpPath)
		return err
	}

	if fsync {
		if err := tmpf.Sync(); err != nil {
			_ = tmpf.Close()
			_ = os.Remove(tmpPath)
			return err
		}
	}

	if err := tmpf.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}

	if !fsync {
		return nil
	}
	return fsyncDir(filepath.Dir(path))
}

func fsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close() // nolint:errcheck
	return d.Sync()
}
