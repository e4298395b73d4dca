package imaging

import (
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"os"

	"github.com/cuongbtq/pixelhive/internal/job"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Load decodes the image at path. Undecodable data is a permanent failure.
func Load(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, job.Permanent(fmt.Errorf("unsupported or corrupt image: %w", err))
	}
	return img, nil
}

// ScaleToWidth resizes src to width, keeping its aspect ratio
func ScaleToWidth(src image.Image, width int) image.Image {
	b := src.Bounds()
	if b.Dx() == 0 || width <= 0 {
		return src
	}
	height := b.Dy() * width / b.Dx()
	if height < 1 {
		height = 1
	}
	dst := image.NewNRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
	return dst
}

// WritePNG encodes img to path
func WritePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return fmt.Errorf("failed to encode png: %w", err)
	}
	return f.Close()
}

// toNRGBA copies src into a drawable canvas
func toNRGBA(src image.Image) *image.NRGBA {
	b := src.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	return dst
}

// Anchor returns the top-left corner for an inner box of size iw×ih placed
// at pos inside an outer box of ow×oh
func Anchor(pos job.Position, ow, oh, iw, ih, padding int) image.Point {
	switch pos {
	case job.PositionTopLeft:
		return image.Pt(padding, padding)
	case job.PositionTopRight:
		return image.Pt(ow-iw-padding, padding)
	case job.PositionCenter:
		return image.Pt((ow-iw)/2, (oh-ih)/2)
	case job.PositionBottomLeft:
		return image.Pt(padding, oh-ih-padding)
	default:
		return image.Pt(ow-iw-padding, oh-ih-padding)
	}
}

func alpha(opacity float64) uint8 {
	switch {
	case opacity <= 0:
		return 0
	case opacity >= 1:
		return 0xff
	}
	return uint8(opacity*255 + 0.5)
}

var (
	white = color.NRGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}
	black = color.NRGBA{A: 0xff}
)
