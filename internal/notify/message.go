package notify

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"time"

	"github.com/cuongbtq/pixelhive/internal/job"
)

//go:embed templates/*.html
var templateFS embed.FS

// Message is a composed notification
type Message struct {
	Subject string
	Body    string
}

type categoryCopy struct {
	jobType    string
	suggestion string
}

var copyByCategory = map[job.Category]categoryCopy{
	job.CategoryGenerate: {
		jobType:    "PDF Generation",
		suggestion: "Please check your input text or HTML and try again.",
	},
	job.CategoryMerge: {
		jobType:    "PDF Merge",
		suggestion: "Please check that every image is reachable and in a supported format (PNG, JPEG, GIF).",
	},
	job.CategoryQRGenerate: {
		jobType:    "QR Code Generation",
		suggestion: "Please ensure your input data is valid and not too long.",
	},
	job.CategoryQRDecode: {
		jobType:    "QR Code Decoding",
		suggestion: "Please ensure the image contains a clear QR code and is in a supported format.",
	},
	job.CategoryVideoThumbnails: {
		jobType:    "Video Thumbnail Generation",
		suggestion: "Please check that your video file is in a supported format and not corrupted.",
	},
	job.CategoryWatermark: {
		jobType:    "File Watermarking",
		suggestion: "Please check that your input file and watermark settings are valid. Supported formats: images and PDFs.",
	},
}

// JobType returns the display name of a category
func JobType(c job.Category) string {
	if cc, ok := copyByCategory[c]; ok {
		return cc.jobType
	}
	return string(c)
}

type templateData struct {
	JobID          string
	JobType        string
	Status         string
	Succeeded      bool
	Attempts       int
	FinishedAt     string
	DownloadURL    string
	Thumbnails     []string
	Decoded        string
	ErrorMessage   string
	Suggestion     string
	RetryAvailable bool
}

// Composer renders notification messages
type Composer struct {
	tmpl *template.Template
}

// NewComposer parses the embedded templates
func NewComposer() (*Composer, error) {
	tmpl, err := template.New("job_status.html").
		Funcs(template.FuncMap{"inc": func(i int) int { return i + 1 }}).
		ParseFS(templateFS, "templates/job_status.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse notification template: %w", err)
	}
	return &Composer{tmpl: tmpl}, nil
}

// Completed composes the success message for rec
func (c *Composer) Completed(rec *job.Record) (Message, error) {
	data := c.base(rec, "succeeded")
	data.Succeeded = true
	if rec.Result != nil {
		data.DownloadURL = rec.Result.URL
		data.Thumbnails = rec.Result.URLs
		data.Decoded = rec.Result.Decoded
	}
	return c.render(data)
}

// Failed composes the failure message for rec. A retry hint is included
// unless the failure came from invalid input.
func (c *Composer) Failed(rec *job.Record, kind job.Kind) (Message, error) {
	data := c.base(rec, "failed")
	data.ErrorMessage = rec.ErrorMessage
	if data.ErrorMessage == "" {
		data.ErrorMessage = data.JobType + " failed"
	}
	data.Suggestion = copyByCategory[rec.Category].suggestion
	data.RetryAvailable = kind != job.KindValidation
	return c.render(data)
}

func (c *Composer) base(rec *job.Record, status string) templateData {
	finished := rec.UpdatedAt
	if finished.IsZero() {
		finished = time.Now()
	}
	return templateData{
		JobID:      rec.ID,
		JobType:    JobType(rec.Category),
		Status:     status,
		Attempts:   rec.AttemptCount,
		FinishedAt: finished.UTC().Format(time.RFC1123),
	}
}

func (c *Composer) render(data templateData) (Message, error) {
	var buf bytes.Buffer
	if err := c.tmpl.Execute(&buf, data); err != nil {
		return Message{}, fmt.Errorf("failed to render notification: %w", err)
	}
	return Message{
		Subject: fmt.Sprintf("Your %s job %s", data.JobType, data.Status),
		Body:    buf.String(),
	}, nil
}
