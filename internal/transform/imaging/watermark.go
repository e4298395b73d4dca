package imaging

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"strings"

	"github.com/cuongbtq/pixelhive/internal/job"
	"github.com/cuongbtq/pixelhive/internal/transform"
	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"
)

const (
	// textPadding keeps text overlays off the image edge
	textPadding = 20
	// logoWidthRatio is the logo width relative to the base image
	logoWidthRatio = 0.3
)

// Watermarker applies text and logo overlays to raster images
type Watermarker struct {
	font *opentype.Font
}

// NewWatermarker parses the embedded Go font used for text overlays
func NewWatermarker() (*Watermarker, error) {
	f, err := opentype.Parse(goregular.TTF)
	if err != nil {
		return nil, fmt.Errorf("failed to parse font: %w", err)
	}
	return &Watermarker{font: f}, nil
}

// WatermarkImage overlays mark on the image at src and writes a PNG to dst
func (w *Watermarker) WatermarkImage(ctx context.Context, src, dst string, mark transform.Mark) error {
	base, err := Load(src)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	canvas := toNRGBA(base)
	if mark.IsText() {
		err = w.drawText(canvas, mark)
	} else {
		err = drawLogo(canvas, mark)
	}
	if err != nil {
		return err
	}
	return WritePNG(dst, canvas)
}

func (w *Watermarker) drawText(canvas *image.NRGBA, mark transform.Mark) error {
	size := mark.FontSize
	if size <= 0 {
		size = job.DefaultWatermarkFontSize
	}
	face, err := opentype.NewFace(w.font, &opentype.FaceOptions{
		Size:    float64(size),
		DPI:     72,
		Hinting: font.HintingFull,
	})
	if err != nil {
		return fmt.Errorf("failed to create font face: %w", err)
	}
	defer face.Close()

	text := strings.TrimSpace(mark.Text)
	metrics := face.Metrics()
	tw := font.MeasureString(face, text).Ceil()
	th := (metrics.Ascent + metrics.Descent).Ceil()

	b := canvas.Bounds()
	origin := Anchor(mark.Position, b.Dx(), b.Dy(), tw, th, textPadding)
	baseline := fixed.P(origin.X, origin.Y+metrics.Ascent.Ceil())

	a := alpha(mark.Opacity)
	shadow := black
	shadow.A = a
	fill := white
	fill.A = a

	// dark outline under the fill
	for _, off := range []image.Point{{-1, 0}, {1, 0}, {0, -1}, {0, 1}} {
		d := font.Drawer{
			Dst:  canvas,
			Src:  image.NewUniform(shadow),
			Face: face,
			Dot:  baseline.Add(fixed.P(off.X, off.Y)),
		}
		d.DrawString(text)
	}
	d := font.Drawer{Dst: canvas, Src: image.NewUniform(fill), Face: face, Dot: baseline}
	d.DrawString(text)
	return nil
}

func drawLogo(canvas *image.NRGBA, mark transform.Mark) error {
	logo, err := Load(mark.LogoPath)
	if err != nil {
		return fmt.Errorf("watermark logo: %w", err)
	}

	b := canvas.Bounds()
	width := int(float64(b.Dx())*logoWidthRatio + 0.5)
	if width < 1 {
		width = 1
	}
	scaled := ScaleToWidth(logo, width)
	sb := scaled.Bounds()

	at := Anchor(mark.Position, b.Dx(), b.Dy(), sb.Dx(), sb.Dy(), 0)
	rect := image.Rectangle{Min: at, Max: at.Add(sb.Size())}
	mask := image.NewUniform(color.Alpha{A: alpha(mark.Opacity)})
	draw.DrawMask(canvas, rect, scaled, sb.Min, mask, image.Point{}, draw.Over)
	return nil
}
