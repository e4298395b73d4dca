package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/pixelhive/internal/job"
	"github.com/cuongbtq/pixelhive/shared/postgresql"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const jobColumns = `id, category, owner_id, owner_contact, input, status, result, error_message, attempt_count, attempt_base, dispatch_id, created_at, updated_at`

// jobRow maps the jobs table
type jobRow struct {
	ID           string         `db:"id"`
	Category     string         `db:"category"`
	OwnerID      string         `db:"owner_id"`
	OwnerContact string         `db:"owner_contact"`
	Input        []byte         `db:"input"`
	Status       string         `db:"status"`
	Result       []byte         `db:"result"`
	ErrorMessage sql.NullString `db:"error_message"`
	AttemptCount int            `db:"attempt_count"`
	AttemptBase  int            `db:"attempt_base"`
	DispatchID   string         `db:"dispatch_id"`
	CreatedAt    time.Time      `db:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
}

func (r *jobRow) record() (*job.Record, error) {
	doc := document{
		ID:           r.ID,
		Category:     job.Category(r.Category),
		OwnerID:      r.OwnerID,
		OwnerContact: r.OwnerContact,
		Input:        r.Input,
		Status:       job.Status(r.Status),
		ErrorMessage: r.ErrorMessage.String,
		AttemptCount: r.AttemptCount,
		AttemptBase:  r.AttemptBase,
		DispatchID:   r.DispatchID,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
	if len(r.Result) > 0 {
		var res job.Result
		if err := json.Unmarshal(r.Result, &res); err != nil {
			return nil, fmt.Errorf("failed to decode stored result of job %s: %w", r.ID, err)
		}
		doc.Result = &res
	}
	return doc.record()
}

// PostgresStore persists records in the jobs table
type PostgresStore struct {
	client *postgresql.Client
	logger *slog.Logger
}

// NewPostgresStore creates a PostgresStore on top of an open client
func NewPostgresStore(client *postgresql.Client, logger *slog.Logger) *PostgresStore {
	return &PostgresStore{
		client: client,
		logger: logger,
	}
}

func (s *PostgresStore) CreateJob(ctx context.Context, draft job.Draft) (*job.Record, error) {
	rec, err := newRecord(uuid.NewString(), draft, time.Now())
	if err != nil {
		return nil, err
	}
	input, err := job.EncodePayload(rec.Input)
	if err != nil {
		return nil, err
	}

	query := `
		INSERT INTO jobs (
			id, category, owner_id, owner_contact,
			input, status, attempt_count, dispatch_id, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4,
			$5::jsonb, $6, $7, $8, $9, $10
		)
	`
	_, err = s.client.DB().ExecContext(ctx, query,
		rec.ID,
		rec.Category,
		rec.OwnerID,
		rec.OwnerContact,
		string(input),
		rec.Status,
		rec.AttemptCount,
		rec.DispatchID,
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	s.logger.Debug("Job record created",
		slog.String("job_id", rec.ID),
		slog.String("category", string(rec.Category)),
	)
	return rec, nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*job.Record, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}

	var row jobRow
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`
	if err := s.client.DB().GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return row.record()
}

// UpdateJob locks the row, applies patch in memory and writes it back in
// the same transaction.
func (s *PostgresStore) UpdateJob(ctx context.Context, id string, patch job.Patch) (*job.Record, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}

	var updated *job.Record
	err := s.client.WithTx(ctx, func(tx *sqlx.Tx) error {
		var row jobRow
		query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1 FOR UPDATE`
		if err := tx.GetContext(ctx, &row, query, id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("failed to lock job: %w", err)
		}

		rec, err := row.record()
		if err != nil {
			return err
		}
		if err := rec.Apply(patch, time.Now()); err != nil {
			return err
		}

		var result sql.NullString
		if rec.Result != nil {
			data, err := json.Marshal(rec.Result)
			if err != nil {
				return fmt.Errorf("failed to marshal result: %w", err)
			}
			result = sql.NullString{String: string(data), Valid: true}
		}
		errorMessage := sql.NullString{String: rec.ErrorMessage, Valid: rec.ErrorMessage != ""}

		update := `
			UPDATE jobs
			SET status = $1,
				result = $2::jsonb,
				error_message = $3,
				attempt_count = $4,
				attempt_base = $5,
				dispatch_id = $6,
				updated_at = $7
			WHERE id = $8
		`
		if _, err := tx.ExecContext(ctx, update,
			rec.Status, result, errorMessage, rec.AttemptCount, rec.AttemptBase, rec.DispatchID, rec.UpdatedAt, id,
		); err != nil {
			return fmt.Errorf("failed to update job: %w", err)
		}
		updated = rec
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("Job record updated",
		slog.String("job_id", id),
		slog.String("status", string(updated.Status)),
		slog.Int("attempt_count", updated.AttemptCount),
	)
	return updated, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter Filter) ([]*job.Record, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if filter.OwnerID != "" {
		query += fmt.Sprintf(" AND owner_id = $%d", argIdx)
		args = append(args, filter.OwnerID)
		argIdx++
	}

	if filter.Category != "" {
		query += fmt.Sprintf(" AND category = $%d", argIdx)
		args = append(args, filter.Category)
		argIdx++
	}

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.JobID)
		argIdx += 2
	}

	query += " ORDER BY created_at DESC, id DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.Limit())

	var rows []jobRow
	if err := s.client.DB().SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	records := make([]*job.Record, 0, len(rows))
	for i := range rows {
		rec, err := rows[i].record()
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func (s *PostgresStore) Close() error {
	return s.client.Close()
}
