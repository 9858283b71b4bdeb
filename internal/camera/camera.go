// Package camera is the boundary to the imaging payload. The real
// device is driven through libcamera-still; a stub implementation
// generates synthetic frames so the full capture/compress/downlink
// pipeline runs on hardware without a camera.
package camera

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"time"
)

// Shot identifies one captured frame and the raw artifact behind it.
// Derived artifacts (compressed copy, thumbnail) reuse the ID.
type Shot struct {
	ID         string
	RawPath    string
	CapturedAt time.Time
}

// Service captures frames and derives downlinkable artifacts from
// them. Every operation may fail; the payload is an external device.
type Service interface {
	Capture(ctx context.Context) (Shot, error)
	Compress(ctx context.Context, shot Shot, quality int) (string, error)
	Thumbnail(ctx context.Context, shot Shot) (string, error)
}

// Tree is the image storage layout under the storage directory.
type Tree struct {
	root string
}

// NewTree creates the images/{raw,compressed,thumbnails} directories.
func NewTree(storageDir string) (Tree, error) {
	t := Tree{root: filepath.Join(storageDir, "images")}
	for _, dir := range []string{t.RawDir(), t.CompressedDir(), t.ThumbnailDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return Tree{}, fmt.Errorf("create image dir %s: %w", dir, err)
		}
	}
	return t, nil
}

func (t Tree) RawDir() string        { return filepath.Join(t.root, "raw") }
func (t Tree) CompressedDir() string { return filepath.Join(t.root, "compressed") }
func (t Tree) ThumbnailDir() string  { return filepath.Join(t.root, "thumbnails") }

// CountRaw reports how many raw captures are on disk.
func (t Tree) CountRaw() (int, error) {
	entries, err := os.ReadDir(t.RawDir())
	if err != nil {
		return 0, fmt.Errorf("read raw dir: %w", err)
	}

	count := 0
	for _, e := range entries {
		if !e.IsDir() {
			count++
		}
	}
	return count, nil
}

// PruneOldestRaw removes up to n of the oldest raw captures and
// returns how many were deleted. Compressed copies and thumbnails are
// kept; they are small and may still be queued for downlink.
func (t Tree) PruneOldestRaw(n int) (int, error) {
	entries, err := os.ReadDir(t.RawDir())
	if err != nil {
		return 0, fmt.Errorf("read raw dir: %w", err)
	}

	type aged struct {
		path string
		mod  time.Time
	}
	var files []aged
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, aged{path: filepath.Join(t.RawDir(), e.Name()), mod: info.ModTime()})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].mod.Before(files[j].mod) })

	removed := 0
	for _, f := range files {
		if removed >= n {
			break
		}
		if err := os.Remove(f.path); err != nil {
			return removed, fmt.Errorf("remove %s: %w", f.path, err)
		}
		removed++
	}
	return removed, nil
}

const libcameraBin = "libcamera-still"

// New selects a camera implementation for the configured mode:
// "libcamera" and "stub" force one, "auto" probes for the
// libcamera-still binary and falls back to the stub.
func New(mode string, tree Tree, quality int, logger *slog.Logger) (Service, error) {
	switch mode {
	case "libcamera":
		return newLibcamera(tree, quality, logger), nil
	case "stub":
		return newStub(tree, logger), nil
	case "auto":
		if _, err := exec.LookPath(libcameraBin); err == nil {
			logger.Info("camera detected", "mode", "libcamera")
			return newLibcamera(tree, quality, logger), nil
		}
		logger.Info("no camera binary found, using stub", "mode", "stub")
		return newStub(tree, logger), nil
	default:
		return nil, fmt.Errorf("unknown camera mode %q", mode)
	}
}
