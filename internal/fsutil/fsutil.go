// Package fsutil implements the atomic file operations every mutating
// component goes through. A write lands in a temp file in the destination
// directory and is renamed over the target, so a crash mid-write can never
// leave a truncated file.
package fsutil

import (
	"io/fs"
	"os"
	"path/filepath"
)

// WriteFileAtomic writes data to dst via a temp file and rename.
func WriteFileAtomic(dst string, data []byte, mode fs.FileMode) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(dst), ".pawlette-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}() // cleanup on error

	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}

	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}

	if err := tmpFile.Close(); err != nil {
		return err
	}

	return os.Rename(tmpPath, dst)
}
