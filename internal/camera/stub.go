package camera

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// stubService fabricates frames in software. It keeps the rest of the
// pipeline honest: real files appear under the storage tree and flow
// through compression and downlink exactly like hardware captures.
type stubService struct {
	deriver
}

func newStub(tree Tree, logger *slog.Logger) *stubService {
	return &stubService{deriver: deriver{tree: tree, logger: logger}}
}

func (s *stubService) Capture(ctx context.Context) (Shot, error) {
	if err := ctx.Err(); err != nil {
		return Shot{}, err
	}

	shot := Shot{ID: uuid.NewString(), CapturedAt: time.Now().UTC()}
	shot.RawPath = filepath.Join(s.tree.RawDir(), shot.ID+".jpg")

	if err := saveJPEG(shot.RawPath, syntheticFrame(shot.CapturedAt), 90); err != nil {
		return Shot{}, fmt.Errorf("stub capture: %w", err)
	}

	s.logger.Debug("stub capture", "shot", shot.ID, "path", shot.RawPath)
	return shot, nil
}

// syntheticFrame renders a gradient test card; the phase term keeps
// consecutive captures from being byte-identical.
func syntheticFrame(at time.Time) *image.NRGBA {
	const w, h = 320, 240
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	phase := uint8(at.Unix())
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{
				R: uint8(x) + phase,
				G: uint8(y),
				B: uint8(x ^ y),
				A: 0xFF,
			})
		}
	}
	return img
}
