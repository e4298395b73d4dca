package pdfdoc

import (
	"context"
	"fmt"
	"strings"

	"github.com/cuongbtq/pixelhive/internal/job"
	"github.com/cuongbtq/pixelhive/internal/transform"
	"github.com/pdfcpu/pdfcpu/pkg/api"
)

const (
	// edgeOffset is the distance from the page edge in points
	edgeOffset = 50
	// logoScale is the logo size relative to its natural size
	logoScale = 0.2
)

// Watermarker stamps text or a logo onto every page of a PDF
type Watermarker struct{}

func NewWatermarker() *Watermarker {
	return &Watermarker{}
}

// WatermarkPDF writes src with mark applied on top of every page to dst
func (Watermarker) WatermarkPDF(ctx context.Context, src, dst string, mark transform.Mark) error {
	if err := api.ValidateFile(src, nil); err != nil {
		return job.Permanent(fmt.Errorf("invalid pdf: %w", err))
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var err error
	if mark.IsText() {
		err = api.AddTextWatermarksFile(src, dst, nil, true, mark.Text, textDescription(mark), nil)
	} else {
		err = api.AddImageWatermarksFile(src, dst, nil, true, mark.LogoPath, logoDescription(mark), nil)
	}
	if err != nil {
		return job.Permanent(fmt.Errorf("failed to watermark pdf: %w", err))
	}
	return nil
}

func textDescription(mark transform.Mark) string {
	size := mark.FontSize
	if size <= 0 {
		size = job.DefaultWatermarkFontSize
	}
	return description(mark,
		"sc:1 abs",
		fmt.Sprintf("points:%d", size),
		"fillc:#000000",
	)
}

func logoDescription(mark transform.Mark) string {
	return description(mark, fmt.Sprintf("sc:%.2f abs", logoScale))
}

func description(mark transform.Mark, extra ...string) string {
	anchor, dx, dy := placement(mark.Position)
	parts := []string{
		"pos:" + anchor,
		fmt.Sprintf("off:%d %d", dx, dy),
		"rot:0",
		fmt.Sprintf("op:%.2f", mark.Opacity),
	}
	return strings.Join(append(parts, extra...), ", ")
}

// placement maps a position onto a pdfcpu anchor and offset. PDF user
// space grows upwards.
func placement(pos job.Position) (string, int, int) {
	switch pos {
	case job.PositionTopLeft:
		return "tl", edgeOffset, -edgeOffset
	case job.PositionTopRight:
		return "tr", -edgeOffset, -edgeOffset
	case job.PositionCenter:
		return "c", 0, 0
	case job.PositionBottomLeft:
		return "bl", edgeOffset, edgeOffset
	default:
		return "br", -edgeOffset, edgeOffset
	}
}
