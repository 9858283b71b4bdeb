package camera

import (
	"context"
	"image/jpeg"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupTree(t *testing.T) Tree {
	t.Helper()

	tree, err := NewTree(t.TempDir())
	if err != nil {
		t.Fatalf("NewTree: %v", err)
	}
	return tree
}

func decodeBounds(t *testing.T, path string) (int, int) {
	t.Helper()

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()

	img, err := jpeg.Decode(f)
	if err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
	b := img.Bounds()
	return b.Dx(), b.Dy()
}

func TestStubPipeline(t *testing.T) {
	tree := setupTree(t)
	svc, err := New("stub", tree, 85, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := context.Background()
	shot, err := svc.Capture(ctx)
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if shot.ID == "" {
		t.Fatal("capture returned empty shot id")
	}
	if filepath.Dir(shot.RawPath) != tree.RawDir() {
		t.Fatalf("raw artifact in %s, want %s", filepath.Dir(shot.RawPath), tree.RawDir())
	}
	if w, h := decodeBounds(t, shot.RawPath); w != 320 || h != 240 {
		t.Fatalf("raw frame %dx%d, want 320x240", w, h)
	}

	compressed, err := svc.Compress(ctx, shot, 40)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if filepath.Dir(compressed) != tree.CompressedDir() {
		t.Fatalf("compressed artifact in %s, want %s", filepath.Dir(compressed), tree.CompressedDir())
	}
	if w, h := decodeBounds(t, compressed); w != 320 || h != 240 {
		t.Fatalf("compressed frame %dx%d, want 320x240", w, h)
	}

	thumb, err := svc.Thumbnail(ctx, shot)
	if err != nil {
		t.Fatalf("Thumbnail: %v", err)
	}
	if w, h := decodeBounds(t, thumb); w != thumbWidth || h != thumbHeight {
		t.Fatalf("thumbnail %dx%d, want %dx%d", w, h, thumbWidth, thumbHeight)
	}
}

func TestCompressMissingRawFails(t *testing.T) {
	tree := setupTree(t)
	svc, err := New("stub", tree, 85, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ghost := Shot{ID: "ghost", RawPath: filepath.Join(tree.RawDir(), "ghost.jpg")}
	if _, err := svc.Compress(context.Background(), ghost, 40); err == nil {
		t.Fatal("compress of missing raw succeeded, want error")
	}
}

func TestPruneOldestRaw(t *testing.T) {
	tree := setupTree(t)

	base := time.Now().Add(-time.Hour)
	names := []string{"a.jpg", "b.jpg", "c.jpg"}
	for i, name := range names {
		path := filepath.Join(tree.RawDir(), name)
		if err := os.WriteFile(path, []byte{0xFF, 0xD8}, 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		stamp := base.Add(time.Duration(i) * time.Minute)
		if err := os.Chtimes(path, stamp, stamp); err != nil {
			t.Fatalf("chtimes %s: %v", name, err)
		}
	}

	removed, err := tree.PruneOldestRaw(2)
	if err != nil {
		t.Fatalf("PruneOldestRaw: %v", err)
	}
	if removed != 2 {
		t.Fatalf("removed %d files, want 2", removed)
	}

	if _, err := os.Stat(filepath.Join(tree.RawDir(), "a.jpg")); !os.IsNotExist(err) {
		t.Fatal("oldest file a.jpg survived prune")
	}
	if _, err := os.Stat(filepath.Join(tree.RawDir(), "c.jpg")); err != nil {
		t.Fatalf("newest file c.jpg should survive: %v", err)
	}
}

func TestNewRejectsUnknownMode(t *testing.T) {
	tree := setupTree(t)
	if _, err := New("polaroid", tree, 85, testLogger()); err == nil {
		t.Fatal("unknown mode accepted, want error")
	}
}

func TestAutoFallsBackToStub(t *testing.T) {
	t.Setenv("PATH", t.TempDir())

	tree := setupTree(t)
	svc, err := New("auto", tree, 85, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, ok := svc.(*stubService); !ok {
		t.Fatalf("auto mode without binary returned %T, want stub", svc)
	}
}
