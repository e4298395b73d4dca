package storage

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/cuongbtq/pixelhive/internal/job"
	"github.com/cuongbtq/pixelhive/shared/postgresql"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// runStoreContract exercises the behaviour every Store must share
func runStoreContract(t *testing.T, store Store) {
	ctx := context.Background()

	t.Run("create starts queued", func(t *testing.T) {
		owner := uuid.NewString()
		rec, err := store.CreateJob(ctx, job.Draft{
			Category:     job.CategoryQRGenerate,
			OwnerID:      owner,
			OwnerContact: "owner@example.com",
			Input:        job.QRGenerateInput{Data: "https://example.com"},
		})
		require.NoError(t, err)
		assert.NotEmpty(t, rec.ID)
		assert.Equal(t, job.StatusQueued, rec.Status)
		assert.Zero(t, rec.AttemptCount)
		assert.Nil(t, rec.Result)

		got, err := store.GetJob(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, rec.ID, got.ID)
		assert.Equal(t, job.QRGenerateInput{Data: "https://example.com"}, got.Input)
		assert.Equal(t, owner, got.OwnerID)
		assert.True(t, rec.CreatedAt.Equal(got.CreatedAt))
	})

	t.Run("create rejects unknown category", func(t *testing.T) {
		_, err := store.CreateJob(ctx, job.Draft{Category: "resize"})
		require.Error(t, err)
		assert.True(t, job.IsValidation(err))
	})

	t.Run("missing record", func(t *testing.T) {
		_, err := store.GetJob(ctx, uuid.NewString())
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = store.UpdateJob(ctx, uuid.NewString(), job.MarkProcessing(""))
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("lifecycle", func(t *testing.T) {
		rec, err := store.CreateJob(ctx, job.Draft{
			Category: job.CategoryGenerate,
			OwnerID:  uuid.NewString(),
			Input:    job.GenerateInput{Text: "hello"},
		})
		require.NoError(t, err)

		rec, err = store.UpdateJob(ctx, rec.ID, job.MarkProcessing(""))
		require.NoError(t, err)
		assert.Equal(t, job.StatusProcessing, rec.Status)
		assert.Equal(t, 1, rec.AttemptCount)

		rec, err = store.UpdateJob(ctx, rec.ID, job.MarkCompleted(&job.Result{URL: "https://cdn/doc.pdf"}))
		require.NoError(t, err)
		assert.Equal(t, job.StatusCompleted, rec.Status)

		_, err = store.UpdateJob(ctx, rec.ID, job.MarkProcessing(""))
		assert.ErrorIs(t, err, job.ErrInvalidTransition)

		got, err := store.GetJob(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, job.StatusCompleted, got.Status)
		assert.Equal(t, 1, got.AttemptCount)
		require.NotNil(t, got.Result)
		assert.Equal(t, "https://cdn/doc.pdf", got.Result.URL)
		assert.Empty(t, got.ErrorMessage)
	})

	t.Run("failed and resubmitted", func(t *testing.T) {
		rec, err := store.CreateJob(ctx, job.Draft{
			Category:   job.CategoryMerge,
			OwnerID:    uuid.NewString(),
			Input:      job.MergeInput{Images: []string{"https://cdn/a.png"}},
			DispatchID: "chain-1",
		})
		require.NoError(t, err)
		assert.Equal(t, "chain-1", rec.DispatchID)

		_, err = store.UpdateJob(ctx, rec.ID, job.MarkProcessing("chain-1"))
		require.NoError(t, err)
		rec, err = store.UpdateJob(ctx, rec.ID, job.MarkFailed("fetch failed"))
		require.NoError(t, err)
		assert.Equal(t, "fetch failed", rec.ErrorMessage)
		assert.Nil(t, rec.Result)

		rec, err = store.UpdateJob(ctx, rec.ID, job.MarkResubmitted("chain-2"))
		require.NoError(t, err)
		assert.Equal(t, job.StatusQueued, rec.Status)
		assert.Empty(t, rec.ErrorMessage)
		assert.Equal(t, 1, rec.AttemptCount)

		got, err := store.GetJob(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, got.AttemptBase)
		assert.Equal(t, "chain-2", got.DispatchID)

		_, err = store.UpdateJob(ctx, rec.ID, job.MarkProcessing("chain-1"))
		assert.ErrorIs(t, err, job.ErrInvalidTransition)
	})

	t.Run("concurrent updates stay atomic", func(t *testing.T) {
		rec, err := store.CreateJob(ctx, job.Draft{
			Category: job.CategoryQRDecode,
			OwnerID:  uuid.NewString(),
			Input:    job.QRDecodeInput{FilePath: "/tmp/qr.png"},
		})
		require.NoError(t, err)

		const writers = 8
		var wg sync.WaitGroup
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := store.UpdateJob(ctx, rec.ID, job.MarkProcessing(""))
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		got, err := store.GetJob(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, writers, got.AttemptCount)
	})

	t.Run("list pages newest first", func(t *testing.T) {
		owner := uuid.NewString()
		created := make([]string, 0, 5)
		for i := 0; i < 5; i++ {
			rec, err := store.CreateJob(ctx, job.Draft{
				Category: job.CategoryGenerate,
				OwnerID:  owner,
				Input:    job.GenerateInput{Text: "page"},
			})
			require.NoError(t, err)
			created = append(created, rec.ID)
		}

		var (
			seen   []*job.Record
			cursor *Cursor
		)
		for page := 0; page < 10; page++ {
			records, err := store.ListJobs(ctx, Filter{OwnerID: owner, PageSize: 2, Cursor: cursor})
			require.NoError(t, err)
			if len(records) > 2 {
				records = records[:2]
				seen = append(seen, records...)
				last := records[len(records)-1]
				cursor = &Cursor{CreatedAt: last.CreatedAt, JobID: last.ID}
				continue
			}
			seen = append(seen, records...)
			break
		}

		require.Len(t, seen, 5)
		ids := map[string]bool{}
		for i, rec := range seen {
			ids[rec.ID] = true
			if i > 0 {
				prev := seen[i-1]
				assert.True(t, !rec.CreatedAt.After(prev.CreatedAt), "records must be newest first")
			}
		}
		for _, id := range created {
			assert.True(t, ids[id], id)
		}
	})

	t.Run("list filters by status", func(t *testing.T) {
		owner := uuid.NewString()
		a, err := store.CreateJob(ctx, job.Draft{Category: job.CategoryGenerate, OwnerID: owner, Input: job.GenerateInput{Text: "a"}})
		require.NoError(t, err)
		_, err = store.CreateJob(ctx, job.Draft{Category: job.CategoryGenerate, OwnerID: owner, Input: job.GenerateInput{Text: "b"}})
		require.NoError(t, err)
		_, err = store.UpdateJob(ctx, a.ID, job.MarkFailed("bad"))
		require.NoError(t, err)

		records, err := store.ListJobs(ctx, Filter{OwnerID: owner, Status: job.StatusFailed})
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, a.ID, records[0].ID)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, NewMemoryStore())
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	rec, err := store.CreateJob(context.Background(), job.Draft{
		Category: job.CategoryGenerate,
		Input:    job.GenerateInput{Text: "x"},
	})
	require.NoError(t, err)

	rec.Status = job.StatusCompleted

	got, err := store.GetJob(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusQueued, got.Status)
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("PIXELHIVE_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("PIXELHIVE_TEST_DATABASE_URL not set")
	}

	db, err := sqlx.Open("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, Migrate(context.Background(), db.DB, discardLogger()))

	store := NewPostgresStore(postgresql.NewClientFromDB(db, discardLogger()), discardLogger())
	runStoreContract(t, store)

	_, err = store.GetJob(context.Background(), "not-a-uuid")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("PIXELHIVE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("PIXELHIVE_TEST_REDIS_ADDR not set")
	}

	rdb := goredis.NewClient(&goredis.Options{Addr: addr})
	t.Cleanup(func() { rdb.Close() })
	require.NoError(t, rdb.Ping(context.Background()).Err())

	runStoreContract(t, NewRedisStore(rdb, discardLogger()))
}

func TestFilter_Limit(t *testing.T) {
	assert.Equal(t, DefaultPageSize+1, Filter{}.Limit())
	assert.Equal(t, 6, Filter{PageSize: 5}.Limit())
}
