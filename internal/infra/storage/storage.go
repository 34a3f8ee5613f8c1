// Package storage holds safe local-filesystem helpers: EnsureDir and
// AtomicWriteFile. Used for the MTProto session file and update state,
// where a partially written file would lock the account out of its
// session.
package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/archivist/tgarchiver/internal/infra/logger"
)

// defaultFilePerm restricts the final file to the owning process — these
// files carry session secrets.
const defaultFilePerm = 0600

// EnsureDir creates the directory portion of path (0o700) if it does not
// exist. A bare filename ("." or empty dir) is a no-op.
func EnsureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create dir %s: %w", dir, err)
	}
	return nil
}

// AtomicWriteFile writes data to path atomically: temp file in the same
// directory → write → fsync → chmod → close → rename → fsync(dir). Either
// the old file survives intact or the new one is complete; rename is only
// atomic within one volume, which the same-directory temp guarantees. The
// directory fsync is best-effort — some filesystems ignore it.
func AtomicWriteFile(path string, data []byte) error {
	clean := filepath.Clean(path)
	if err := EnsureDir(clean); err != nil {
		return err
	}
	dir := filepath.Dir(clean)

	tmp, err := os.CreateTemp(dir, "atomic-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err := tmp.Chmod(defaultFilePerm); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpName, clean); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}

	if dirFile, err := os.Open(dir); err == nil {
		if errSync := dirFile.Sync(); errSync != nil {
			logger.Warnf("AtomicWriteFile: dir sync error: %v", errSync)
		}
		_ = dirFile.Close()
	}
	return nil
}
