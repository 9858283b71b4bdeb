package camera

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// libcameraService drives the camera module through libcamera-still.
type libcameraService struct {
	deriver
	quality int
}

func newLibcamera(tree Tree, quality int, logger *slog.Logger) *libcameraService {
	return &libcameraService{
		deriver: deriver{tree: tree, logger: logger},
		quality: quality,
	}
}

func (s *libcameraService) Capture(ctx context.Context) (Shot, error) {
	shot := Shot{ID: uuid.NewString(), CapturedAt: time.Now().UTC()}
	shot.RawPath = filepath.Join(s.tree.RawDir(), shot.ID+".jpg")

	cmd := exec.CommandContext(ctx, libcameraBin,
		"--nopreview",
		"-o", shot.RawPath,
		"-q", strconv.Itoa(s.quality),
		"--width", "1920",
		"--height", "1080",
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return Shot{}, fmt.Errorf("%s: %w: %s", libcameraBin, err, bytes.TrimSpace(out))
	}

	s.logger.Debug("captured frame", "shot", shot.ID, "path", shot.RawPath)
	return shot, nil
}
