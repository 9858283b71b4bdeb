package camera

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
)

// deriver implements the artifact derivations shared by every camera
// implementation; only capture differs per device.
type deriver struct {
	tree   Tree
	logger *slog.Logger
}

func (d deriver) Compress(ctx context.Context, shot Shot, quality int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	dst := filepath.Join(d.tree.CompressedDir(), shot.ID+".jpg")
	if err := recompress(shot.RawPath, dst, quality); err != nil {
		return "", fmt.Errorf("compress %s: %w", shot.ID, err)
	}

	d.logger.Debug("compressed frame", "shot", shot.ID, "path", dst, "quality", quality)
	return dst, nil
}

func (d deriver) Thumbnail(ctx context.Context, shot Shot) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	dst := filepath.Join(d.tree.ThumbnailDir(), shot.ID+".jpg")
	if err := shrink(shot.RawPath, dst); err != nil {
		return "", fmt.Errorf("thumbnail %s: %w", shot.ID, err)
	}

	d.logger.Debug("rendered thumbnail", "shot", shot.ID, "path", dst)
	return dst, nil
}
