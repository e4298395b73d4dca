package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/cuongbtq/pixelhive/internal/api/dto"
	"github.com/cuongbtq/pixelhive/internal/job"
	"github.com/cuongbtq/pixelhive/internal/pipeline"
	"github.com/cuongbtq/pixelhive/internal/queue"
	"github.com/cuongbtq/pixelhive/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const maxPageSize = 100

// CreateJob handles POST /api/v1/jobs
// Submits a job and answers 202 once it is queued
func (h *JobHandler) CreateJob(c *gin.Context) {
	h.logger.Info("CreateJob called",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
	)

	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	jobID, err := h.jobs.Submit(c.Request.Context(), pipeline.Submission{
		Category:     job.Category(req.Category),
		OwnerID:      req.OwnerID,
		OwnerContact: req.OwnerContact,
		Input:        req.Input,
	})
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, dto.CreateJobResponse{
			JobID:  jobID,
			Status: string(job.StatusQueued),
		})
	case jobID != "" && job.IsValidation(err):
		h.logger.Warn("Job rejected", slog.String("job_id", jobID), slog.String("error", err.Error()))
		c.JSON(http.StatusUnprocessableEntity, dto.CreateJobResponse{
			JobID:  jobID,
			Status: string(job.StatusFailed),
			Error:  job.Message(err),
		})
	case jobID != "" && errors.Is(err, queue.ErrQueueUnavailable):
		h.logger.Error("Job accepted but not queued", slog.String("job_id", jobID), slog.String("error", err.Error()))
		c.JSON(http.StatusServiceUnavailable, dto.CreateJobResponse{
			JobID:  jobID,
			Status: string(job.StatusQueued),
			Error:  "queue unavailable, retry the job later",
		})
	default:
		respondWithError(c, h.logger, "Failed to create job", err)
	}
}

// GetJob handles GET /api/v1/jobs/:job_id
// Retrieves the status and result of a job
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID := c.Param("job_id")

	h.logger.Info("GetJob called",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
		slog.String("job_id", jobID),
	)

	if !h.validJobID(c, jobID) {
		return
	}

	st, err := h.jobs.GetStatus(c.Request.Context(), jobID)
	if err != nil {
		respondWithError(c, h.logger, "Failed to get job", err)
		return
	}

	c.JSON(http.StatusOK, toJobDTO(st))
}

// ListJobs handles GET /api/v1/jobs
// Lists jobs newest first with optional filtering and cursor pagination
func (h *JobHandler) ListJobs(c *gin.Context) {
	h.logger.Info("ListJobs called",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
		slog.String("query", c.Request.URL.RawQuery),
	)

	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = storage.DefaultPageSize
	}
	if req.PageSize > maxPageSize {
		req.PageSize = maxPageSize
	}

	if req.Category != "" && !job.Category(req.Category).Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown category"})
		return
	}
	if req.Status != "" && !job.Status(req.Status).Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown status"})
		return
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.logger.Error("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	page, err := h.jobs.List(c.Request.Context(), storage.Filter{
		OwnerID:  req.OwnerID,
		Category: job.Category(req.Category),
		Status:   job.Status(req.Status),
		PageSize: req.PageSize,
		Cursor:   cursor,
	})
	if err != nil {
		respondWithError(c, h.logger, "Failed to list jobs", err)
		return
	}

	jobResponse := make([]dto.JobDTO, len(page.Jobs))
	for i, st := range page.Jobs {
		jobResponse[i] = toJobDTO(st)
	}

	var nextCursor string
	if page.Next != nil {
		nextCursor = EncodeJobCursor(page.Next)
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs:       jobResponse,
		NextCursor: nextCursor,
	})
}

// RetryJob handles POST /api/v1/jobs/:job_id/retry
// Resubmits a failed job with a fresh attempt budget
func (h *JobHandler) RetryJob(c *gin.Context) {
	jobID := c.Param("job_id")

	h.logger.Info("RetryJob called",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
		slog.String("job_id", jobID),
	)

	if !h.validJobID(c, jobID) {
		return
	}

	st, err := h.jobs.Resubmit(c.Request.Context(), jobID)
	if err != nil {
		respondWithError(c, h.logger, "Failed to retry job", err)
		return
	}

	c.JSON(http.StatusAccepted, toJobDTO(st))
}

func (h *JobHandler) validJobID(c *gin.Context, jobID string) bool {
	if _, err := uuid.Parse(jobID); err != nil {
		h.logger.Error("Invalid job_id format", slog.String("job_id", jobID), slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return false
	}
	return true
}

func toJobDTO(st pipeline.Status) dto.JobDTO {
	out := dto.JobDTO{
		JobID:        st.JobID,
		Category:     string(st.Category),
		Status:       string(st.Status),
		ErrorMessage: st.ErrorMessage,
		AttemptCount: st.AttemptCount,
		CreatedAt:    st.CreatedAt.Format(time.RFC3339Nano),
		UpdatedAt:    st.UpdatedAt.Format(time.RFC3339Nano),
	}
	if st.Result != nil {
		out.Result = &dto.ResultDTO{
			URL:     st.Result.URL,
			URLs:    st.Result.URLs,
			Decoded: st.Result.Decoded,
		}
	}
	return out
}
