package handler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/cuongbtq/pixelhive/internal/job"
	"github.com/cuongbtq/pixelhive/internal/objectstore"
	"github.com/cuongbtq/pixelhive/internal/transform"
)

// ObjectStorage publishes artifacts and returns their public URL
type ObjectStorage interface {
	Store(ctx context.Context, up objectstore.Upload) (string, error)
}

// DocumentRenderer renders text and markup into a PDF
type DocumentRenderer interface {
	RenderDocument(ctx context.Context, text, markup string, w io.Writer) error
}

// ImageMerger merges image files into one PDF, one page per image
type ImageMerger interface {
	MergeImages(ctx context.Context, images []string, outPath string) error
}

// QREncoder renders data as a PNG QR code
type QREncoder interface {
	EncodeQR(data string) ([]byte, error)
}

// QRDecoder reads the QR code in an image file
type QRDecoder interface {
	DecodeQR(path string) (string, error)
}

// ThumbnailExtractor returns one still-frame URL per timestamp
type ThumbnailExtractor interface {
	Thumbnails(ctx context.Context, videoURL string, timestamps []float64) ([]string, error)
}

// ImageWatermarker overlays a mark on a raster image
type ImageWatermarker interface {
	WatermarkImage(ctx context.Context, src, dst string, mark transform.Mark) error
}

// PDFWatermarker stamps a mark on every page of a PDF
type PDFWatermarker interface {
	WatermarkPDF(ctx context.Context, src, dst string, mark transform.Mark) error
}

// Fetcher downloads a remote file into dir
type Fetcher interface {
	Fetch(ctx context.Context, rawURL, dir string) (string, error)
}

// Deps are the collaborators shared by the category handlers
type Deps struct {
	Storage          ObjectStorage
	Renderer         DocumentRenderer
	Merger           ImageMerger
	QREncoder        QREncoder
	QRDecoder        QRDecoder
	Thumbnails       ThumbnailExtractor
	ImageWatermarker ImageWatermarker
	PDFWatermarker   PDFWatermarker
	Fetcher          Fetcher
	// UploadDir is where staged uploads live. Local references outside it
	// are refused.
	UploadDir string
	// WorkDir is where per-attempt workspaces are created; empty means
	// the system temp dir
	WorkDir string
	Logger  *slog.Logger
}

// workspace is a scratch directory owned by one handler invocation
type workspace struct {
	dir string
}

func newWorkspace(root, jobID string) (*workspace, error) {
	if root != "" {
		if err := os.MkdirAll(root, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create work dir: %w", err)
		}
	}
	dir, err := os.MkdirTemp(root, "job-"+jobID+"-")
	if err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}
	return &workspace{dir: dir}, nil
}

func (w *workspace) remove(logger *slog.Logger) {
	if err := os.RemoveAll(w.dir); err != nil {
		logger.Warn("Failed to remove workspace",
			slog.String("dir", w.dir),
			slog.String("error", err.Error()),
		)
	}
}

// localize returns a local path for ref, downloading it into ws when it is
// a URL
func (d Deps) localize(ctx context.Context, ws *workspace, ref string) (string, error) {
	if job.IsRemoteURL(ref) {
		return d.Fetcher.Fetch(ctx, ref, ws.dir)
	}
	return ref, d.requireStaged(ref)
}

// requireStaged fails permanently when path is not a staged upload or is gone
func (d Deps) requireStaged(path string) error {
	if !job.WithinDir(d.UploadDir, path) {
		return job.Permanentf("input file %s is not a staged upload", filepath.Base(path))
	}
	if _, err := os.Stat(path); err != nil {
		return job.Permanent(fmt.Errorf("input file %s is not available: %w", filepath.Base(path), err))
	}
	return nil
}
