package sys

import (
	"os"
	"path/filepath"
)

// Rename renames oldpath to newpath, replacing newpath if it exists.
func Rename(oldpath, newpath string) error {
	return os.Rename(oldpath, newpath)
}

// SyncDir fsyncs the directory containing path so a completed rename survives a crash.
// Errors from platforms that cannot sync directories are ignored.
func SyncDir(path string) error {
	d, err := os.Open(filepath.Dir(path))
	if err != nil {
		return err
	}
	defer d.Close()
	_ = d.Sync()
	return nil
}
