package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuongbtq/pixelhive/internal/job"
)

// document is the serialized form of a record shared by the Redis store
// and the Postgres row mapping.
type document struct {
	ID           string          `json:"id"`
	Category     job.Category    `json:"category"`
	OwnerID      string          `json:"owner_id"`
	OwnerContact string          `json:"owner_contact"`
	Input        json.RawMessage `json:"input"`
	Status       job.Status      `json:"status"`
	Result       *job.Result     `json:"result,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	AttemptCount int             `json:"attempt_count"`
	AttemptBase  int             `json:"attempt_base,omitempty"`
	DispatchID   string          `json:"dispatch_id,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

func toDocument(rec *job.Record) (*document, error) {
	input, err := job.EncodePayload(rec.Input)
	if err != nil {
		return nil, err
	}
	return &document{
		ID:           rec.ID,
		Category:     rec.Category,
		OwnerID:      rec.OwnerID,
		OwnerContact: rec.OwnerContact,
		Input:        input,
		Status:       rec.Status,
		Result:       rec.Result,
		ErrorMessage: rec.ErrorMessage,
		AttemptCount: rec.AttemptCount,
		AttemptBase:  rec.AttemptBase,
		DispatchID:   rec.DispatchID,
		CreatedAt:    rec.CreatedAt,
		UpdatedAt:    rec.UpdatedAt,
	}, nil
}

func (d *document) record() (*job.Record, error) {
	input, err := job.DecodePayload(d.Category, d.Input)
	if err != nil {
		return nil, fmt.Errorf("failed to decode stored input of job %s: %w", d.ID, err)
	}
	return &job.Record{
		ID:           d.ID,
		Category:     d.Category,
		OwnerID:      d.OwnerID,
		OwnerContact: d.OwnerContact,
		Input:        input,
		Status:       d.Status,
		Result:       d.Result,
		ErrorMessage: d.ErrorMessage,
		AttemptCount: d.AttemptCount,
		AttemptBase:  d.AttemptBase,
		DispatchID:   d.DispatchID,
		CreatedAt:    d.CreatedAt.UTC(),
		UpdatedAt:    d.UpdatedAt.UTC(),
	}, nil
}
