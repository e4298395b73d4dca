package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuongbtq/pixelhive/internal/handler"
	"github.com/cuongbtq/pixelhive/internal/job"
	"github.com/cuongbtq/pixelhive/internal/queue"
	"github.com/cuongbtq/pixelhive/internal/storage"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failedNote struct {
	jobID string
	kind  job.Kind
}

type recordingNotifier struct {
	mu        sync.Mutex
	completed []string
	failed    []failedNote
}

func (n *recordingNotifier) JobCompleted(_ context.Context, rec *job.Record) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.completed = append(n.completed, rec.ID)
}

func (n *recordingNotifier) JobFailed(_ context.Context, rec *job.Record, kind job.Kind) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failed = append(n.failed, failedNote{jobID: rec.ID, kind: kind})
}

func (n *recordingNotifier) counts() (int, int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.completed), len(n.failed)
}

type recordingCleaner struct {
	mu    sync.Mutex
	paths []string
}

func (c *recordingCleaner) DeleteLocalPaths(_ context.Context, paths ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paths = append(c.paths, paths...)
}

// flakyStore fails the first n updates
type flakyStore struct {
	*storage.MemoryStore
	failures atomic.Int32
}

func (s *flakyStore) UpdateJob(ctx context.Context, id string, patch job.Patch) (*job.Record, error) {
	if s.failures.Add(-1) >= 0 {
		return nil, errors.New("connection reset by peer")
	}
	return s.MemoryStore.UpdateJob(ctx, id, patch)
}

type recordingArtifacts struct {
	mu      sync.Mutex
	deleted []string
}

func (a *recordingArtifacts) Delete(_ context.Context, ref string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.deleted = append(a.deleted, ref)
	return nil
}

type testEnv struct {
	store     Store
	memStore  *storage.MemoryStore
	transport *queue.MemoryTransport
	queues    *queue.Manager
	notifier  *recordingNotifier
	cleaner   *recordingCleaner
	artifacts *recordingArtifacts
	policy    job.RetryPolicy
	logger    *slog.Logger
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mem := storage.NewMemoryStore()
	transport := queue.NewMemoryTransport()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	env := &testEnv{
		store:     mem,
		memStore:  mem,
		transport: transport,
		queues:    queue.NewManager(transport, logger),
		notifier:  &recordingNotifier{},
		cleaner:   &recordingCleaner{},
		artifacts: &recordingArtifacts{},
		policy:    job.RetryPolicy{MaxAttempts: 3, Backoff: job.Backoff{Kind: job.BackoffFixed, BaseDelay: 10 * time.Millisecond}},
		logger:    logger,
	}
	t.Cleanup(func() { transport.Close() })
	return env
}

func (e *testEnv) submit(t *testing.T, input job.Payload) *job.Record {
	t.Helper()
	ctx := context.Background()
	rec, err := e.memStore.CreateJob(ctx, job.Draft{
		Category:     input.Category(),
		OwnerID:      "user-1",
		OwnerContact: "user@example.com",
		Input:        input,
	})
	require.NoError(t, err)
	e.enqueue(t, rec)
	return rec
}

func (e *testEnv) enqueue(t *testing.T, rec *job.Record) {
	t.Helper()
	err := e.queues.Enqueue(context.Background(), string(rec.Category), queue.Entry{
		JobID:       rec.ID,
		Category:    rec.Category,
		AttemptBase: rec.AttemptBase,
		DispatchID:  rec.DispatchID,
	}, queue.Options{Policy: e.policy})
	require.NoError(t, err)
}

func (e *testEnv) startPool(t *testing.T, category job.Category, h handler.Handler, concurrency int, timeout time.Duration) *Pool {
	t.Helper()
	ctx := context.Background()
	q, err := e.queues.Queue(ctx, string(category))
	require.NoError(t, err)

	pool, err := NewPool(Config{
		WorkerID:       "test",
		Category:       category,
		Concurrency:    concurrency,
		AttemptTimeout: timeout,
	}, Deps{
		Store:     e.store,
		Source:    q,
		Enqueuer:  e.queues,
		Handler:   h,
		Notifier:  e.notifier,
		Cleaner:   e.cleaner,
		Artifacts: e.artifacts,
		Logger:    e.logger,
	})
	require.NoError(t, err)
	require.NoError(t, pool.Start(ctx))
	t.Cleanup(pool.Stop)
	return pool
}

func (e *testEnv) waitTerminal(t *testing.T, id string) *job.Record {
	t.Helper()
	var rec *job.Record
	require.Eventually(t, func() bool {
		got, err := e.memStore.GetJob(context.Background(), id)
		if err != nil {
			return false
		}
		rec = got
		return got.Status.Terminal()
	}, 5*time.Second, 5*time.Millisecond)
	return rec
}

func (e *testEnv) waitSettled(t *testing.T, name string) {
	t.Helper()
	require.Eventually(t, func() bool {
		s := e.transport.Stats(name)
		return s.Ready == 0 && s.Unacked == 0
	}, 5*time.Second, 5*time.Millisecond)
}

func TestPool_CompletesJob(t *testing.T) {
	env := newTestEnv(t)
	var calls atomic.Int32
	env.startPool(t, job.CategoryGenerate, handler.Func(func(_ context.Context, req handler.Request) (*job.Result, error) {
		calls.Add(1)
		assert.Equal(t, job.GenerateInput{Text: "hello"}, req.Input)
		assert.Equal(t, 1, req.Attempt)
		return &job.Result{URL: "https://cdn.example.com/documents/hello.pdf"}, nil
	}), 2, time.Second)

	rec := env.submit(t, job.GenerateInput{Text: "hello"})
	got := env.waitTerminal(t, rec.ID)

	assert.Equal(t, job.StatusCompleted, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
	require.NotNil(t, got.Result)
	assert.Equal(t, "https://cdn.example.com/documents/hello.pdf", got.Result.URL)
	assert.Empty(t, got.ErrorMessage)

	env.waitSettled(t, string(job.CategoryGenerate))
	completed, failed := env.notifier.counts()
	assert.Equal(t, 1, completed)
	assert.Zero(t, failed)
	assert.EqualValues(t, 1, calls.Load())
}

func TestPool_ExhaustedRetriesFail(t *testing.T) {
	env := newTestEnv(t)
	var calls atomic.Int32
	env.startPool(t, job.CategoryMerge, handler.Func(func(context.Context, handler.Request) (*job.Result, error) {
		calls.Add(1)
		return nil, job.Transientf("upstream returned 503")
	}), 1, time.Second)

	rec := env.submit(t, job.MergeInput{Images: []string{"https://cdn.example.com/a.png"}})
	got := env.waitTerminal(t, rec.ID)

	assert.Equal(t, job.StatusFailed, got.Status)
	assert.Equal(t, 3, got.AttemptCount)
	assert.Equal(t, "upstream returned 503", got.ErrorMessage)

	env.waitSettled(t, string(job.CategoryMerge))
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 3, calls.Load(), "no attempt after the budget is spent")
	_, failed := env.notifier.counts()
	assert.Equal(t, 1, failed)
}

func TestPool_TimeoutsExhaustBudget(t *testing.T) {
	env := newTestEnv(t)
	env.startPool(t, job.CategoryVideoThumbnails, handler.Func(func(ctx context.Context, _ handler.Request) (*job.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}), 1, 30*time.Millisecond)

	rec := env.submit(t, job.VideoThumbnailsInput{VideoURL: "https://res.cloudinary.com/demo/video/upload/v1/clip.mp4"})
	got := env.waitTerminal(t, rec.ID)

	assert.Equal(t, job.StatusFailed, got.Status)
	assert.Equal(t, 3, got.AttemptCount)
	assert.Contains(t, got.ErrorMessage, "attempt timed out")

	env.waitSettled(t, string(job.CategoryVideoThumbnails))
	env.notifier.mu.Lock()
	defer env.notifier.mu.Unlock()
	require.Len(t, env.notifier.failed, 1)
	assert.Equal(t, rec.ID, env.notifier.failed[0].jobID)
	assert.Equal(t, job.KindTransient, env.notifier.failed[0].kind)
	assert.Empty(t, env.notifier.completed)
}

func TestPool_PermanentFailureIsNotRetried(t *testing.T) {
	env := newTestEnv(t)
	var calls atomic.Int32
	env.startPool(t, job.CategoryQRDecode, handler.Func(func(context.Context, handler.Request) (*job.Result, error) {
		calls.Add(1)
		return nil, job.Permanentf("no QR code detected")
	}), 1, time.Second)

	rec := env.submit(t, job.QRDecodeInput{FilePath: "/tmp/uploads/qr.png"})
	got := env.waitTerminal(t, rec.ID)

	assert.Equal(t, job.StatusFailed, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
	assert.Equal(t, "no QR code detected", got.ErrorMessage)
	assert.EqualValues(t, 1, calls.Load())

	env.waitSettled(t, string(job.CategoryQRDecode))
	env.cleaner.mu.Lock()
	assert.Equal(t, []string{"/tmp/uploads/qr.png"}, env.cleaner.paths)
	env.cleaner.mu.Unlock()

	env.notifier.mu.Lock()
	defer env.notifier.mu.Unlock()
	require.Len(t, env.notifier.failed, 1)
	assert.Equal(t, job.KindPermanent, env.notifier.failed[0].kind)
}

func TestPool_PanicIsRetried(t *testing.T) {
	env := newTestEnv(t)
	var calls atomic.Int32
	env.startPool(t, job.CategoryQRGenerate, handler.Func(func(context.Context, handler.Request) (*job.Result, error) {
		if calls.Add(1) == 1 {
			panic("nil map write")
		}
		return &job.Result{URL: "https://cdn.example.com/qrcodes/x.png"}, nil
	}), 1, time.Second)

	rec := env.submit(t, job.QRGenerateInput{Data: "https://example.com"})
	got := env.waitTerminal(t, rec.ID)

	assert.Equal(t, job.StatusCompleted, got.Status)
	assert.Equal(t, 2, got.AttemptCount)
}

func TestPool_MissingRecordIsDropped(t *testing.T) {
	env := newTestEnv(t)
	var calls atomic.Int32
	env.startPool(t, job.CategoryGenerate, handler.Func(func(context.Context, handler.Request) (*job.Result, error) {
		calls.Add(1)
		return &job.Result{}, nil
	}), 1, time.Second)

	err := env.queues.Enqueue(context.Background(), string(job.CategoryGenerate), queue.Entry{
		JobID:    uuid.NewString(),
		Category: job.CategoryGenerate,
	}, queue.Options{Policy: env.policy})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return env.transport.Stats(string(job.CategoryGenerate)).Acked == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, calls.Load())
	completed, failed := env.notifier.counts()
	assert.Zero(t, completed+failed)
}

func TestPool_RecordWithoutOwnerIsDropped(t *testing.T) {
	env := newTestEnv(t)
	env.startPool(t, job.CategoryGenerate, handler.Func(func(context.Context, handler.Request) (*job.Result, error) {
		t.Error("handler must not run")
		return nil, nil
	}), 1, time.Second)

	rec, err := env.memStore.CreateJob(context.Background(), job.Draft{
		Category: job.CategoryGenerate,
		Input:    job.GenerateInput{Text: "orphan"},
	})
	require.NoError(t, err)
	env.enqueue(t, rec)

	env.waitSettled(t, string(job.CategoryGenerate))
	got, err := env.memStore.GetJob(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusQueued, got.Status)
	assert.Zero(t, got.AttemptCount)
}

func TestPool_DuplicateEntriesNeverRunConcurrently(t *testing.T) {
	env := newTestEnv(t)

	var (
		running atomic.Int32
		maxSeen atomic.Int32
		calls   atomic.Int32
	)
	env.startPool(t, job.CategoryWatermark, handler.Func(func(context.Context, handler.Request) (*job.Result, error) {
		calls.Add(1)
		n := running.Add(1)
		defer running.Add(-1)
		for {
			seen := maxSeen.Load()
			if n <= seen || maxSeen.CompareAndSwap(seen, n) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		return &job.Result{URL: "https://cdn.example.com/watermark-output/x.png"}, nil
	}), 4, time.Second)

	rec := env.submit(t, job.WatermarkInput{
		FileURL:       "https://cdn.example.com/x.png",
		FileType:      job.FileTypeImage,
		WatermarkType: job.WatermarkText,
		Text:          "draft",
	})
	env.enqueue(t, rec)
	env.enqueue(t, rec)

	got := env.waitTerminal(t, rec.ID)
	env.waitSettled(t, string(job.CategoryWatermark))

	assert.Equal(t, job.StatusCompleted, got.Status)
	assert.EqualValues(t, 1, maxSeen.Load())
	assert.EqualValues(t, 1, calls.Load())
	completed, _ := env.notifier.counts()
	assert.Equal(t, 1, completed)
}

func TestPool_StoreFailureRequeues(t *testing.T) {
	env := newTestEnv(t)
	flaky := &flakyStore{MemoryStore: env.memStore}
	flaky.failures.Store(1)
	env.store = flaky

	env.startPool(t, job.CategoryGenerate, handler.Func(func(context.Context, handler.Request) (*job.Result, error) {
		return &job.Result{URL: "https://cdn.example.com/documents/a.pdf"}, nil
	}), 1, time.Second)

	rec := env.submit(t, job.GenerateInput{Text: "retry me"})
	got := env.waitTerminal(t, rec.ID)

	assert.Equal(t, job.StatusCompleted, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
}

func TestPool_UnrecordedCompletionDeletesArtifact(t *testing.T) {
	env := newTestEnv(t)
	flaky := &flakyStore{MemoryStore: env.memStore}
	env.store = flaky

	var calls atomic.Int32
	env.startPool(t, job.CategoryQRGenerate, handler.Func(func(context.Context, handler.Request) (*job.Result, error) {
		if calls.Add(1) == 1 {
			// processing succeeds, completion fails
			flaky.failures.Store(1)
			return &job.Result{URL: "https://cdn.example.com/qrcodes/first.png"}, nil
		}
		return &job.Result{URL: "https://cdn.example.com/qrcodes/second.png"}, nil
	}), 1, time.Second)

	rec := env.submit(t, job.QRGenerateInput{Data: "https://example.com"})
	got := env.waitTerminal(t, rec.ID)
	env.waitSettled(t, string(job.CategoryQRGenerate))

	assert.Equal(t, job.StatusCompleted, got.Status)
	require.NotNil(t, got.Result)
	assert.Equal(t, "https://cdn.example.com/qrcodes/second.png", got.Result.URL)
	assert.EqualValues(t, 2, calls.Load())

	env.artifacts.mu.Lock()
	defer env.artifacts.mu.Unlock()
	assert.Equal(t, []string{"https://cdn.example.com/qrcodes/first.png"}, env.artifacts.deleted)
}

func TestPool_RedispatchDropsPendingRetry(t *testing.T) {
	env := newTestEnv(t)
	env.policy = job.RetryPolicy{MaxAttempts: 2, Backoff: job.Backoff{Kind: job.BackoffFixed, BaseDelay: 300 * time.Millisecond}}

	var calls atomic.Int32
	env.startPool(t, job.CategoryMerge, handler.Func(func(context.Context, handler.Request) (*job.Result, error) {
		calls.Add(1)
		return nil, job.Transientf("upstream returned 503")
	}), 2, time.Second)

	rec, err := env.memStore.CreateJob(context.Background(), job.Draft{
		Category:   job.CategoryMerge,
		OwnerID:    "user-1",
		Input:      job.MergeInput{Images: []string{"https://cdn.example.com/a.png"}},
		DispatchID: "chain-1",
	})
	require.NoError(t, err)
	env.enqueue(t, rec)

	// first attempt failed and its retry is waiting out the backoff
	require.Eventually(t, func() bool {
		got, err := env.memStore.GetJob(context.Background(), rec.ID)
		return err == nil && got.AttemptCount == 1 && got.Status == job.StatusQueued
	}, 2*time.Second, 2*time.Millisecond)

	got, err := env.memStore.UpdateJob(context.Background(), rec.ID, job.MarkRedispatched("chain-2"))
	require.NoError(t, err)
	env.enqueue(t, got)

	got = env.waitTerminal(t, rec.ID)
	env.waitSettled(t, string(job.CategoryMerge))
	time.Sleep(400 * time.Millisecond)

	assert.Equal(t, job.StatusFailed, got.Status)
	assert.Equal(t, 2, got.AttemptCount, "the budget spans both chains")
	assert.EqualValues(t, 2, calls.Load())
	_, failed := env.notifier.counts()
	assert.Equal(t, 1, failed)
}

func TestPool_ResubmittedJobGetsFreshBudget(t *testing.T) {
	env := newTestEnv(t)
	var calls atomic.Int32
	env.startPool(t, job.CategoryMerge, handler.Func(func(context.Context, handler.Request) (*job.Result, error) {
		if calls.Add(1) <= 3 {
			return nil, errors.New("flaky fetch")
		}
		return &job.Result{URL: "https://cdn.example.com/documents/merged.pdf"}, nil
	}), 1, time.Second)

	rec := env.submit(t, job.MergeInput{Images: []string{"https://cdn.example.com/a.png"}})
	got := env.waitTerminal(t, rec.ID)
	require.Equal(t, job.StatusFailed, got.Status)
	require.Equal(t, 3, got.AttemptCount)
	env.waitSettled(t, string(job.CategoryMerge))

	got, err := env.memStore.UpdateJob(context.Background(), rec.ID, job.MarkResubmitted("chain-2"))
	require.NoError(t, err)

	assert.Equal(t, 3, got.AttemptBase)
	assert.Equal(t, "chain-2", got.DispatchID)
	env.enqueue(t, got)

	got = env.waitTerminal(t, rec.ID)
	assert.Equal(t, job.StatusCompleted, got.Status)
	assert.Equal(t, 4, got.AttemptCount)
}

func TestShouldRetry(t *testing.T) {
	entry := queue.Entry{AttemptBase: 2, Policy: job.RetryPolicy{MaxAttempts: 2}}

	tests := []struct {
		name     string
		kind     job.Kind
		attempts int
		want     bool
	}{
		{name: "transient with budget", kind: job.KindTransient, attempts: 3, want: true},
		{name: "transient budget spent", kind: job.KindTransient, attempts: 4, want: false},
		{name: "infrastructure with budget", kind: job.KindInfrastructure, attempts: 3, want: true},
		{name: "validation", kind: job.KindValidation, attempts: 3, want: false},
		{name: "permanent", kind: job.KindPermanent, attempts: 3, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &job.Record{AttemptCount: tt.attempts}
			assert.Equal(t, tt.want, shouldRetry(tt.kind, entry, rec))
		})
	}
}

func TestNewPool_Validation(t *testing.T) {
	env := newTestEnv(t)
	q, err := env.queues.Queue(context.Background(), "generate")
	require.NoError(t, err)
	deps := Deps{
		Store:    env.store,
		Source:   q,
		Enqueuer: env.queues,
		Handler:  handler.Func(func(context.Context, handler.Request) (*job.Result, error) { return nil, nil }),
		Notifier: env.notifier,
		Cleaner:  env.cleaner,
		Logger:   env.logger,
	}

	_, err = NewPool(Config{Category: job.CategoryGenerate, Concurrency: 0, AttemptTimeout: time.Second}, deps)
	assert.Error(t, err)

	_, err = NewPool(Config{Category: job.CategoryGenerate, Concurrency: 1}, deps)
	assert.Error(t, err)

	_, err = NewPool(Config{Category: "resize", Concurrency: 1, AttemptTimeout: time.Second}, deps)
	assert.Error(t, err)

	pool, err := NewPool(Config{Category: job.CategoryGenerate, Concurrency: 3, AttemptTimeout: time.Second}, deps)
	require.NoError(t, err)
	assert.Equal(t, 3, pool.cfg.Prefetch)
}
