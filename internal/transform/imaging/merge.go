package imaging

import (
	"context"
	"fmt"
	"path/filepath"
)

// MergeWidth is the page width every merged image is scaled to
const MergeWidth = 600

// PageWriter assembles image files into a document, one page per image
type PageWriter interface {
	ImagesToPDF(ctx context.Context, images []string, outPath string) error
}

// Merger scales images to a common width and hands them to a PageWriter
type Merger struct {
	pages PageWriter
	width int
}

// NewMerger creates a Merger writing scaled copies next to the output
func NewMerger(pages PageWriter) *Merger {
	return &Merger{pages: pages, width: MergeWidth}
}

// MergeImages writes a PDF at outPath with one page per image, in order
func (m *Merger) MergeImages(ctx context.Context, images []string, outPath string) error {
	dir := filepath.Dir(outPath)
	scaled := make([]string, 0, len(images))
	for i, path := range images {
		if err := ctx.Err(); err != nil {
			return err
		}
		img, err := Load(path)
		if err != nil {
			return fmt.Errorf("image %d: %w", i+1, err)
		}
		out := filepath.Join(dir, fmt.Sprintf("page-%03d.png", i+1))
		if err := WritePNG(out, ScaleToWidth(img, m.width)); err != nil {
			return err
		}
		scaled = append(scaled, out)
	}
	return m.pages.ImagesToPDF(ctx, scaled, outPath)
}
