package handler

import (
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/cuongbtq/pixelhive/internal/api/dto"
	"github.com/cuongbtq/pixelhive/internal/objectstore"
	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// FileHandler stages uploaded files for qr-decode, merge and watermark jobs.
// Staged files are deleted by the worker once the job is terminal. Videos
// are published to object storage instead, since video-thumbnails takes a
// URL.
type FileHandler struct {
	logger  *slog.Logger
	cfg     UploadConfig
	objects ObjectPublisher
}

// NewFileHandler creates a new FileHandler instance
func NewFileHandler(deps *Dependencies) *FileHandler {
	return &FileHandler{
		logger:  deps.Logger,
		cfg:     deps.Uploads,
		objects: deps.Objects,
	}
}

// UploadFile handles POST /api/v1/files
// Accepts one image, PDF or video in the "file" form field
func (h *FileHandler) UploadFile(c *gin.Context) {
	h.logger.Info("UploadFile called",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
	)

	header, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "multipart form field \"file\" is required",
		})
		return
	}
	if h.cfg.MaxBytes > 0 && header.Size > h.cfg.MaxBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error": fmt.Sprintf("file exceeds %d bytes", h.cfg.MaxBytes),
		})
		return
	}

	mtype, err := detect(header)
	if err != nil {
		h.logger.Error("Failed to read upload", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read upload"})
		return
	}
	video := isVideo(mtype) && h.objects != nil
	if !video && !allowedUpload(mtype) {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{
			"error": fmt.Sprintf("unsupported file type %s, only images, PDFs and videos are accepted", mtype.String()),
		})
		return
	}

	if err := os.MkdirAll(h.cfg.Dir, 0o755); err != nil {
		h.logger.Error("Failed to create upload directory", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to store upload"})
		return
	}
	dst := filepath.Join(h.cfg.Dir, uuid.NewString()+mtype.Extension())
	if err := c.SaveUploadedFile(header, dst); err != nil {
		h.logger.Error("Failed to store upload", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to store upload"})
		return
	}

	if video {
		h.publishVideo(c, dst, mtype, header.Size)
		return
	}

	h.logger.Info("File staged",
		slog.String("file_path", dst),
		slog.String("mime_type", mtype.String()),
		slog.Int64("size", header.Size),
	)
	c.JSON(http.StatusCreated, dto.UploadResponse{
		FilePath: dst,
		MimeType: mtype.String(),
		Size:     header.Size,
	})
}

// publishVideo moves a staged video into object storage and answers with
// its URL
func (h *FileHandler) publishVideo(c *gin.Context, staged string, mtype *mimetype.MIME, size int64) {
	defer func() {
		if err := os.Remove(staged); err != nil && !os.IsNotExist(err) {
			h.logger.Warn("Failed to delete staged video", slog.String("file_path", staged), slog.String("error", err.Error()))
		}
	}()

	u, err := h.objects.Store(c.Request.Context(), objectstore.Upload{
		Path:   staged,
		Folder: objectstore.FolderVideos,
		Kind:   objectstore.KindVideo,
	})
	if err != nil {
		h.logger.Error("Failed to publish video", slog.String("error", err.Error()))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Failed to publish video"})
		return
	}

	h.logger.Info("Video published",
		slog.String("url", u),
		slog.String("mime_type", mtype.String()),
		slog.Int64("size", size),
	)
	c.JSON(http.StatusCreated, dto.UploadResponse{
		URL:      u,
		MimeType: mtype.String(),
		Size:     size,
	})
}

func detect(header *multipart.FileHeader) (*mimetype.MIME, error) {
	f, err := header.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return mimetype.DetectReader(f)
}

func allowedUpload(m *mimetype.MIME) bool {
	return strings.HasPrefix(m.String(), "image/") || m.Is("application/pdf")
}

func isVideo(m *mimetype.MIME) bool {
	return strings.HasPrefix(m.String(), "video/")
}
