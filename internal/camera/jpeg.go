package camera

import (
	"fmt"
	"image"
	"image/jpeg"
	"os"
)

const (
	thumbWidth   = 160
	thumbHeight  = 120
	thumbQuality = 70
)

// recompress re-encodes the JPEG at src into dst at the given quality.
func recompress(src, dst string, quality int) error {
	img, err := loadJPEG(src)
	if err != nil {
		return err
	}
	return saveJPEG(dst, img, quality)
}

// shrink writes a thumbWidth x thumbHeight rendition of src to dst.
func shrink(src, dst string) error {
	img, err := loadJPEG(src)
	if err != nil {
		return err
	}
	return saveJPEG(dst, scaleNearest(img, thumbWidth, thumbHeight), thumbQuality)
}

func loadJPEG(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	img, err := jpeg.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return img, nil
}

func saveJPEG(path string, img image.Image, quality int) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := jpeg.Encode(f, img, &jpeg.Options{Quality: quality}); err != nil {
		f.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return f.Close()
}

// scaleNearest shrinks src to w x h by nearest-neighbor sampling,
// which is plenty for a downlink thumbnail.
func scaleNearest(src image.Image, w, h int) *image.NRGBA {
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	b := src.Bounds()
	for y := 0; y < h; y++ {
		sy := b.Min.Y + y*b.Dy()/h
		for x := 0; x < w; x++ {
			sx := b.Min.X + x*b.Dx()/w
			dst.Set(x, y, src.At(sx, sy))
		}
	}
	return dst
}
