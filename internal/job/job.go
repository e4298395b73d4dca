package job

import "time"

// Category identifies the kind of processing a job performs
type Category string

// Job categories, one queue each
const (
	CategoryGenerate        Category = "generate"
	CategoryMerge           Category = "merge"
	CategoryQRGenerate      Category = "qr-generate"
	CategoryQRDecode        Category = "qr-decode"
	CategoryVideoThumbnails Category = "video-thumbnails"
	CategoryWatermark       Category = "watermark"
)

// Categories returns every known category in a stable order
func Categories() []Category {
	return []Category{
		CategoryGenerate,
		CategoryMerge,
		CategoryQRGenerate,
		CategoryQRDecode,
		CategoryVideoThumbnails,
		CategoryWatermark,
	}
}

// Valid reports whether c is one of the known categories
func (c Category) Valid() bool {
	for _, known := range Categories() {
		if c == known {
			return true
		}
	}
	return false
}

// Status is the lifecycle state of a job record
type Status string

// Job statuses
const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further automatic transition can happen
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Result holds the artifact produced by a completed job.
//
// generate, merge, qr-generate and watermark set URL; video-thumbnails sets
// URLs; qr-decode sets Decoded.
type Result struct {
	URL     string   `json:"url,omitempty"`
	URLs    []string `json:"urls,omitempty"`
	Decoded string   `json:"decoded,omitempty"`
}

// Record is the persisted description of one processing request
type Record struct {
	ID           string
	Category     Category
	OwnerID      string
	OwnerContact string
	Input        Payload
	Status       Status
	Result       *Result
	ErrorMessage string
	AttemptCount int
	// AttemptBase is AttemptCount at the last resubmission; attempts
	// beyond it count against the retry policy
	AttemptBase int
	// DispatchID names the live queue entry chain. Entries carrying any
	// other id are stale.
	DispatchID string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Draft carries the fields a producer supplies when creating a record
type Draft struct {
	Category     Category
	OwnerID      string
	OwnerContact string
	Input        Payload
	DispatchID   string
}

// Clone returns a deep copy so callers can't mutate a store's copy
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	if r.Result != nil {
		res := *r.Result
		res.URLs = append([]string(nil), r.Result.URLs...)
		out.Result = &res
	}
	return &out
}

// HasOwner reports whether the record can be attributed to someone to notify
func (r *Record) HasOwner() bool {
	return r.OwnerID != "" && r.OwnerContact != ""
}
