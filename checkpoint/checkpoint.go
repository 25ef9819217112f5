// Package checkpoint writes small state files with write-temp, fsync and rename,
// so a reader sees either the previous content or the new content, never a mix.
package checkpoint

import (
	"fmt"
	"os"

	"github.com/INLOpen/nexusarchive/core"
	"github.com/INLOpen/nexusarchive/sys"
)

// TempPath returns the temporary file used while replacing path.
func TempPath(path string) string {
	return core.FormatTempFilename(path, "tmp")
}

// WriteFile atomically replaces path with data.
func WriteFile(path string, data []byte) error {
	tempPath := TempPath(path)
	file, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create temp file %s: %w", tempPath, err)
	}

	if _, err := file.Write(data); err != nil {
		file.Close()
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to write temp file %s: %w", tempPath, err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to sync temp file %s: %w", tempPath, err)
	}
	// Close before rename for Windows.
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close temp file %s before rename: %w", tempPath, err)
	}
	if err := sys.Rename(tempPath, path); err != nil {
		return fmt.Errorf("failed to rename %s to %s: %w", tempPath, path, err)
	}
	return sys.SyncDir(path)
}

// ReadFile reads a file written by WriteFile. It reports whether the file existed;
// a missing file is not an error.
func ReadFile(path string) ([]byte, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, true, nil
}

// Remove deletes path and any leftover temp file. Missing files are ignored.
func Remove(path string) error {
	_ = os.Remove(TempPath(path))
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
