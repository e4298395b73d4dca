package pdfdoc

import (
	"context"
	"fmt"

	"github.com/cuongbtq/pixelhive/internal/job"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
)

// PageWriter builds PDFs from image files
type PageWriter struct{}

func NewPageWriter() *PageWriter {
	return &PageWriter{}
}

// ImagesToPDF writes one page per image, each page sized to its image
func (PageWriter) ImagesToPDF(ctx context.Context, images []string, outPath string) error {
	if len(images) == 0 {
		return job.Validationf("no images to assemble")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	imp := pdfcpu.DefaultImportConfig()
	if err := api.ImportImagesFile(images, outPath, imp, nil); err != nil {
		return job.Permanent(fmt.Errorf("failed to assemble pdf: %w", err))
	}
	return nil
}
