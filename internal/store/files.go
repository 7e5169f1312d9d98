package store

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// TempMarker is embedded in the name of every in-flight write. A file
// carrying it outside a running write is an orphan of an interrupted run.
const TempMarker = ".tmp-"

// CleanupOrphans removes temp artifacts left under dir by interrupted writes
// and returns the removed paths. Call only when no writer is running.
func CleanupOrphans(dir string) ([]string, error) {
	var removed []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || !strings.Contains(d.Name(), TempMarker) {
			return nil
		}
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("removing orphan %s: %w", path, err)
		}
		removed = append(removed, path)
		return nil
	})
	return removed, err
}

// Backup copies src into backupDir as <name>.<UTC timestamp>.<runID><ext>
// and returns the backup path. A missing src is not an error and yields "".
func Backup(src, backupDir, runID string) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	defer in.Close()

	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		return "", fmt.Errorf("creating backup dir: %w", err)
	}
	ext := filepath.Ext(src)
	name := strings.TrimSuffix(filepath.Base(src), ext)
	dst := filepath.Join(backupDir, fmt.Sprintf("%s.%s.%s%s",
		name, time.Now().UTC().Format("20060102T150405"), runID, ext))

	// A crash mid-copy must not leave a truncated backup under dst.
	out, err := os.CreateTemp(backupDir, filepath.Base(dst)+TempMarker+"*")
	if err != nil {
		return "", err
	}
	tmp := out.Name()
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("copying backup: %w", err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(tmp)
		return "", err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return "", err
	}
	if err := renameFile(tmp, dst); err != nil {
		os.Remove(tmp)
		return "", err
	}
	return dst, nil
}

// PruneBackups keeps the newest keep backups of the file named base
// (e.g. "prices.parquet") in backupDir and removes the rest.
func PruneBackups(backupDir, base string, keep int) ([]string, error) {
	ext := filepath.Ext(base)
	name := strings.TrimSuffix(base, ext)
	matches, err := filepath.Glob(filepath.Join(backupDir, name+".*"+ext))
	if err != nil {
		return nil, err
	}
	if keep < 0 {
		keep = 0
	}
	if len(matches) <= keep {
		return nil, nil
	}
	// Timestamps sort lexically.
	sort.Strings(matches)
	stale := matches[:len(matches)-keep]
	for _, p := range stale {
		if err := os.Remove(p); err != nil {
			return nil, fmt.Errorf("pruning backup %s: %w", p, err)
		}
	}
	return stale, nil
}
