package handler

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/cuongbtq/pixelhive/internal/job"
	"github.com/cuongbtq/pixelhive/internal/objectstore"
	"github.com/cuongbtq/pixelhive/internal/transform"
	"github.com/gabriel-vasile/mimetype"
)

// Watermark overlays text or a logo on an image or PDF
type Watermark struct {
	deps Deps
}

func NewWatermark(deps Deps) *Watermark {
	return &Watermark{deps: deps}
}

func (h *Watermark) Handle(ctx context.Context, req Request) (*job.Result, error) {
	in, err := input[job.WatermarkInput](req)
	if err != nil {
		return nil, err
	}
	in = in.WithDefaults()

	ws, err := newWorkspace(h.deps.WorkDir, req.JobID)
	if err != nil {
		return nil, err
	}
	defer ws.remove(h.deps.Logger)

	src := in.InputLocalPath
	if src != "" {
		if err := h.deps.requireStaged(src); err != nil {
			return nil, err
		}
	} else if src, err = h.deps.localize(ctx, ws, in.FileURL); err != nil {
		return nil, err
	}

	ext, err := checkFileType(src, in.FileType)
	if err != nil {
		return nil, err
	}

	mark := transform.Mark{
		Text:     in.Text,
		Position: in.Position,
		Opacity:  *in.Opacity,
		FontSize: in.FontSize,
	}
	if in.WatermarkType == job.WatermarkImage {
		mark.Text = ""
		if mark.LogoPath, err = h.deps.localize(ctx, ws, in.ImageURL); err != nil {
			return nil, fmt.Errorf("watermark image: %w", err)
		}
		if err := requireImage(mark.LogoPath); err != nil {
			return nil, fmt.Errorf("watermark image: %w", err)
		}
	}

	h.deps.Logger.Debug("Applying watermark",
		slog.String("job_id", req.JobID),
		slog.String("file_type", string(in.FileType)),
		slog.String("watermark_type", string(in.WatermarkType)),
		slog.String("position", string(in.Position)),
	)

	out := filepath.Join(ws.dir, "watermarked-"+req.JobID+ext)
	kind := objectstore.KindImage
	if in.FileType == job.FileTypePDF {
		kind = objectstore.KindRaw
		err = h.deps.PDFWatermarker.WatermarkPDF(ctx, src, out, mark)
	} else {
		err = h.deps.ImageWatermarker.WatermarkImage(ctx, src, out, mark)
	}
	if err != nil {
		return nil, err
	}

	url, err := h.deps.Storage.Store(ctx, objectstore.Upload{
		Path:   out,
		Folder: objectstore.FolderWatermarkOutput,
		Kind:   kind,
	})
	if err != nil {
		return nil, err
	}
	return &job.Result{URL: url}, nil
}

// checkFileType sniffs path and returns the output extension for fileType.
// A file that isn't what the job claims is a permanent failure.
func checkFileType(path string, fileType job.FileType) (string, error) {
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to detect file type: %w", err)
	}

	switch fileType {
	case job.FileTypePDF:
		if !mt.Is("application/pdf") {
			return "", job.Permanentf("file type mismatch: expected pdf, got %s", mt.String())
		}
		return ".pdf", nil
	case job.FileTypeImage:
		if !strings.HasPrefix(mt.String(), "image/") {
			return "", job.Permanentf("file type mismatch: expected an image, got %s", mt.String())
		}
		// raster output is always png
		return ".png", nil
	default:
		return "", job.Permanentf("unsupported file type %q", fileType)
	}
}
