package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/cuongbtq/pixelhive/internal/job"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix    = "pixelhive:"
	redisAllJobsKey   = redisKeyPrefix + "jobs"
	redisMaxTxRetries = 16
	redisListBatch    = 100
)

func redisJobKey(id string) string {
	return redisKeyPrefix + "job:" + id
}

func redisOwnerKey(owner string) string {
	return redisKeyPrefix + "owner:" + owner
}

// RedisStore keeps each record as a JSON document and indexes them in
// sorted sets scored by creation time.
type RedisStore struct {
	rdb    *goredis.Client
	logger *slog.Logger
}

// NewRedisStore creates a RedisStore. The client is owned by the caller.
func NewRedisStore(rdb *goredis.Client, logger *slog.Logger) *RedisStore {
	return &RedisStore{rdb: rdb, logger: logger}
}

func (s *RedisStore) CreateJob(ctx context.Context, draft job.Draft) (*job.Record, error) {
	rec, err := newRecord(uuid.NewString(), draft, time.Now())
	if err != nil {
		return nil, err
	}
	doc, err := toDocument(rec)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}

	score := float64(rec.CreatedAt.UnixMicro())
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, redisJobKey(rec.ID), payload, 0)
	pipe.ZAdd(ctx, redisAllJobsKey, goredis.Z{Score: score, Member: rec.ID})
	if rec.OwnerID != "" {
		pipe.ZAdd(ctx, redisOwnerKey(rec.OwnerID), goredis.Z{Score: score, Member: rec.ID})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	return rec, nil
}

func (s *RedisStore) GetJob(ctx context.Context, id string) (*job.Record, error) {
	data, err := s.rdb.Get(ctx, redisJobKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return decodeDocument(data)
}

// UpdateJob applies patch under WATCH so concurrent writers retry instead of
// overwriting each other.
func (s *RedisStore) UpdateJob(ctx context.Context, id string, patch job.Patch) (*job.Record, error) {
	key := redisJobKey(id)
	var updated *job.Record

	txf := func(tx *goredis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, goredis.Nil) {
				return ErrNotFound
			}
			return fmt.Errorf("failed to get job: %w", err)
		}
		rec, err := decodeDocument(data)
		if err != nil {
			return err
		}
		if err := rec.Apply(patch, time.Now()); err != nil {
			return err
		}
		doc, err := toDocument(rec)
		if err != nil {
			return err
		}
		payload, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("failed to marshal job: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			return nil
		})
		if err != nil {
			return err
		}
		updated = rec
		return nil
	}

	for i := 0; i < redisMaxTxRetries; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if err == nil {
			return updated, nil
		}
		if errors.Is(err, goredis.TxFailedErr) {
			s.logger.Debug("Concurrent job update, retrying",
				slog.String("job_id", id),
				slog.Int("try", i+1),
			)
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("failed to update job %s: too much contention", id)
}

// ListJobs walks the creation index newest first and filters documents
func (s *RedisStore) ListJobs(ctx context.Context, filter Filter) ([]*job.Record, error) {
	index := redisAllJobsKey
	if filter.OwnerID != "" {
		index = redisOwnerKey(filter.OwnerID)
	}

	max := "+inf"
	if filter.Cursor != nil {
		max = strconv.FormatInt(filter.Cursor.CreatedAt.UnixMicro(), 10)
	}

	limit := filter.Limit()
	var out []*job.Record
	var offset int64

	for len(out) < limit {
		ids, err := s.rdb.ZRevRangeByScore(ctx, index, &goredis.ZRangeBy{
			Min:    "-inf",
			Max:    max,
			Offset: offset,
			Count:  redisListBatch,
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to list jobs: %w", err)
		}
		if len(ids) == 0 {
			break
		}
		offset += int64(len(ids))

		keys := make([]string, len(ids))
		for i, id := range ids {
			keys[i] = redisJobKey(id)
		}
		values, err := s.rdb.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to load jobs: %w", err)
		}

		for _, v := range values {
			raw, ok := v.(string)
			if !ok {
				continue
			}
			rec, err := decodeDocument([]byte(raw))
			if err != nil {
				return nil, err
			}
			if !filter.matches(rec) {
				continue
			}
			out = append(out, rec)
			if len(out) == limit {
				break
			}
		}
	}

	sortNewestFirst(out)
	return out, nil
}

func (s *RedisStore) Close() error { return nil }

func decodeDocument(data []byte) (*job.Record, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return doc.record()
}
