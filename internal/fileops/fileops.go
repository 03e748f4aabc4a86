package fileops

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mediagrab/pkg/logger"
)

// partialSuffixes mark files yt-dlp is still writing or has left behind.
var partialSuffixes = []string{".part", ".ytdl", ".temp", ".tmp"}

// EnsureDir creates a directory if it doesn't exist.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0755)
}

// Exists checks if a file or directory exists.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// RemoveAll deletes a directory tree. A missing path is not an error.
func RemoveAll(path string) error {
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	logger.Debugf("🗑️ Removed: %s", path)
	return nil
}

// WritePrivate writes data readable only by the current user.
func WritePrivate(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

func isPartial(name string) bool {
	lower := strings.ToLower(name)
	for _, s := range partialSuffixes {
		if strings.HasSuffix(lower, s) {
			return true
		}
	}
	return false
}

// FindArtifact returns the produced file in dir (recursive). Extensions are
// tried in preference order; within one extension the largest file wins.
// Files named in skip and partial downloads are ignored.
func FindArtifact(dir string, exts []string, skip ...string) (string, error) {
	skipped := make(map[string]bool, len(skip))
	for _, s := range skip {
		skipped[s] = true
	}

	type candidate struct {
		path string
		size int64
	}
	best := make(map[string]candidate)

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || skipped[d.Name()] || isPartial(d.Name()) {
			return nil
		}
		ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
		info, err := d.Info()
		if err != nil {
			return err
		}
		if cur, ok := best[ext]; !ok || info.Size() > cur.size {
			best[ext] = candidate{path: path, size: info.Size()}
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	for _, ext := range exts {
		if c, ok := best[ext]; ok {
			return c.path, nil
		}
	}
	return "", fmt.Errorf("no %s file found in %s", strings.Join(exts, "/"), dir)
}

// WaitStable waits until the file size stops changing between two checks
// interval apart, giving up after attempts checks.
func WaitStable(ctx context.Context, path string, interval time.Duration, attempts int) error {
	prev, err := os.Stat(path)
	if err != nil {
		return err
	}

	for i := 0; i < attempts; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}

		cur, err := os.Stat(path)
		if err != nil {
			return err
		}
		if cur.Size() == prev.Size() {
			return nil
		}
		logger.Debugf("⏳ %s still growing (%d → %d bytes)", filepath.Base(path), prev.Size(), cur.Size())
		prev = cur
	}
	return nil
}
