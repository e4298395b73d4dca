package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/cuongbtq/pixelhive/internal/job"
	"github.com/cuongbtq/pixelhive/internal/objectstore"
	"github.com/cuongbtq/pixelhive/internal/pipeline"
	"github.com/cuongbtq/pixelhive/internal/queue"
	"github.com/cuongbtq/pixelhive/internal/storage"
	"github.com/gin-gonic/gin"
)

// JobService is the job pipeline as seen by the HTTP layer
type JobService interface {
	Submit(ctx context.Context, sub pipeline.Submission) (string, error)
	GetStatus(ctx context.Context, id string) (pipeline.Status, error)
	Resubmit(ctx context.Context, id string) (pipeline.Status, error)
	List(ctx context.Context, filter storage.Filter) (pipeline.Page, error)
}

// UploadConfig bounds file uploads
type UploadConfig struct {
	Dir      string
	MaxBytes int64
}

// ObjectPublisher publishes uploads that jobs reference by URL
type ObjectPublisher interface {
	Store(ctx context.Context, up objectstore.Upload) (string, error)
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger  *slog.Logger
	Jobs    JobService
	Uploads UploadConfig
	// Objects is optional; without it video uploads are refused
	Objects ObjectPublisher
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger *slog.Logger
	jobs   JobService
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger: deps.Logger,
		jobs:   deps.Jobs,
	}
}

// respondWithError maps service errors to HTTP statuses
func respondWithError(c *gin.Context, logger *slog.Logger, msg string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, pipeline.ErrNotResubmittable):
		status = http.StatusConflict
	case errors.Is(err, queue.ErrQueueUnavailable):
		status = http.StatusServiceUnavailable
	case job.IsValidation(err):
		status = http.StatusUnprocessableEntity
	}

	if status >= http.StatusInternalServerError {
		logger.Error(msg, slog.String("error", err.Error()))
	} else {
		logger.Warn(msg, slog.String("error", err.Error()))
	}

	body := gin.H{"error": msg}
	if status != http.StatusInternalServerError {
		body["error"] = job.Message(err)
	}
	c.JSON(status, body)
}
