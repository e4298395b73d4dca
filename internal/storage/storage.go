package storage

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/cuongbtq/pixelhive/internal/job"
)

// ErrNotFound is returned when no record exists for the requested id
var ErrNotFound = errors.New("job not found")

// DefaultPageSize is used when a filter names no page size
const DefaultPageSize = 20

// Store persists job records. Every UpdateJob is a single-record atomic
// read-modify-write validated by job.Record.Apply.
type Store interface {
	CreateJob(ctx context.Context, draft job.Draft) (*job.Record, error)
	GetJob(ctx context.Context, id string) (*job.Record, error)
	UpdateJob(ctx context.Context, id string, patch job.Patch) (*job.Record, error)
	ListJobs(ctx context.Context, filter Filter) ([]*job.Record, error)
	Close() error
}

// Filter narrows ListJobs. Empty fields match everything.
type Filter struct {
	OwnerID  string
	Category job.Category
	Status   job.Status
	PageSize int
	Cursor   *Cursor
}

// Cursor marks the last record of the previous page
type Cursor struct {
	CreatedAt time.Time
	JobID     string
}

// Limit returns the number of rows to fetch: one extra so the caller can
// tell whether another page exists.
func (f Filter) Limit() int {
	size := f.PageSize
	if size <= 0 {
		size = DefaultPageSize
	}
	return size + 1
}

func (f Filter) matches(rec *job.Record) bool {
	if f.OwnerID != "" && rec.OwnerID != f.OwnerID {
		return false
	}
	if f.Category != "" && rec.Category != f.Category {
		return false
	}
	if f.Status != "" && rec.Status != f.Status {
		return false
	}
	if f.Cursor != nil && !before(rec, f.Cursor) {
		return false
	}
	return true
}

// before reports whether rec sorts after the cursor in (created_at, id) DESC order
func before(rec *job.Record, c *Cursor) bool {
	if rec.CreatedAt.Equal(c.CreatedAt) {
		return rec.ID < c.JobID
	}
	return rec.CreatedAt.Before(c.CreatedAt)
}

func sortNewestFirst(records []*job.Record) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].ID > records[j].ID
		}
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
}

// newRecord builds the initial queued record for draft
func newRecord(id string, draft job.Draft, now time.Time) (*job.Record, error) {
	if !draft.Category.Valid() {
		return nil, job.Validationf("unknown job category %q", draft.Category)
	}
	// every backend keeps microsecond precision
	now = now.UTC().Truncate(time.Microsecond)
	return &job.Record{
		ID:           id,
		Category:     draft.Category,
		OwnerID:      draft.OwnerID,
		OwnerContact: draft.OwnerContact,
		Input:        draft.Input,
		Status:       job.StatusQueued,
		DispatchID:   draft.DispatchID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}
