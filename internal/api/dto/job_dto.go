package dto

import "encoding/json"

type CreateJobRequest struct {
	Category     string          `json:"category" binding:"required"`
	OwnerID      string          `json:"owner_id" binding:"required"`
	OwnerContact string          `json:"owner_contact" binding:"required,email"`
	Input        json.RawMessage `json:"input"`
}

type CreateJobResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type ListJobsRequest struct {
	OwnerID  string `form:"owner_id"`
	Category string `form:"category"`
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type ResultDTO struct {
	URL     string   `json:"url,omitempty"`
	URLs    []string `json:"urls,omitempty"`
	Decoded string   `json:"decoded,omitempty"`
}

type JobDTO struct {
	JobID        string     `json:"job_id"`
	Category     string     `json:"category"`
	Status       string     `json:"status"`
	Result       *ResultDTO `json:"result,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	AttemptCount int        `json:"attempt_count"`
	CreatedAt    string     `json:"created_at"`
	UpdatedAt    string     `json:"updated_at"`
}

type UploadResponse struct {
	FilePath string `json:"file_path,omitempty"`
	URL      string `json:"url,omitempty"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`
}
