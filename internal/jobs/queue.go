// ABOUTME: Durable delayed work queue with a fixed worker pool
// ABOUTME: Jobs run at least once; failures are recorded, never retried implicitly

package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/2389/minecloud/internal/store"
)

// ErrUnknownKind is recorded when no handler is registered for a job's kind
var ErrUnknownKind = errors.New("unknown job kind")

// Handler runs one job. Returning an error marks the job failed.
type Handler func(ctx context.Context, payload json.RawMessage) error

// Store is the persistence the queue needs. store.SQLiteStore implements it.
type Store interface {
	InsertJob(ctx context.Context, job *store.Job) error
	ClaimJob(ctx context.Context, now time.Time) (*store.Job, error)
	FinishJob(ctx context.Context, id string, status store.JobStatus, lastError string) error
	RequeueRunningJobs(ctx context.Context) (int, error)
}

// Options tunes a Queue. Zero values take the defaults.
type Options struct {
	Workers      int           // default 2
	PollInterval time.Duration // default 500ms
}

// Queue schedules jobs into the store and runs them with registered handlers.
type Queue struct {
	store        Store
	workers      int
	pollInterval time.Duration

	mu       sync.RWMutex
	handlers map[string]Handler

	wake   chan struct{}
	logger *slog.Logger
}

// NewQueue creates a queue. Pass nil logger for default.
func NewQueue(s Store, opts Options, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	return &Queue{
		store:        s,
		workers:      opts.Workers,
		pollInterval: opts.PollInterval,
		handlers:     make(map[string]Handler),
		wake:         make(chan struct{}, 1),
		logger:       logger.With("component", "jobs"),
	}
}

// Register sets the handler for kind, replacing any previous one.
func (q *Queue) Register(kind string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[kind] = h
}

// Enqueue stores a job that becomes due after delay. payload is JSON-encoded.
func (q *Queue) Enqueue(ctx context.Context, kind string, payload any, delay time.Duration) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encoding %s payload: %w", kind, err)
	}

	job := &store.Job{
		ID:      uuid.New().String(),
		Kind:    kind,
		Payload: string(data),
		RunAt:   time.Now().Add(delay),
		Status:  store.JobQueued,
	}
	if err := q.store.InsertJob(ctx, job); err != nil {
		return "", fmt.Errorf("enqueueing %s: %w", kind, err)
	}

	q.logger.Debug("job enqueued", "job_id", job.ID, "kind", kind, "delay", delay)

	if delay <= 0 {
		select {
		case q.wake <- struct{}{}:
		default:
		}
	}
	return job.ID, nil
}

// Run requeues jobs abandoned by a previous process, then works until ctx ends.
// Jobs interrupted by shutdown stay running and are requeued on the next start.
func (q *Queue) Run(ctx context.Context) error {
	n, err := q.store.RequeueRunningJobs(ctx)
	if err != nil {
		return fmt.Errorf("requeueing abandoned jobs: %w", err)
	}
	if n > 0 {
		q.logger.Info("requeued abandoned jobs", "count", n)
	}

	q.logger.Info("job workers starting", "workers", q.workers)

	g, ctx := errgroup.WithContext(ctx)
	for i := range q.workers {
		g.Go(func() error {
			q.work(ctx, i)
			return nil
		})
	}
	return g.Wait()
}

func (q *Queue) work(ctx context.Context, worker int) {
	logger := q.logger.With("worker", worker)
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-q.wake:
		}

		// Drain every due job before sleeping again.
		for ctx.Err() == nil {
			job, err := q.store.ClaimJob(ctx, time.Now())
			if errors.Is(err, store.ErrNotFound) {
				break
			}
			if err != nil {
				if ctx.Err() == nil {
					logger.Error("claiming job", "error", err)
				}
				break
			}
			q.process(ctx, logger, job)
		}

		timer.Reset(q.pollInterval)
	}
}

func (q *Queue) process(ctx context.Context, logger *slog.Logger, job *store.Job) {
	logger = logger.With("job_id", job.ID, "kind", job.Kind, "attempt", job.Attempts)

	q.mu.RLock()
	h, ok := q.handlers[job.Kind]
	q.mu.RUnlock()

	var err error
	if !ok {
		err = fmt.Errorf("%w: %s", ErrUnknownKind, job.Kind)
	} else {
		err = runHandler(ctx, h, json.RawMessage(job.Payload))
	}

	if err != nil && ctx.Err() != nil {
		logger.Info("job interrupted by shutdown", "error", err)
		return
	}

	status, lastError := store.JobDone, ""
	if err != nil {
		status, lastError = store.JobFailed, err.Error()
		logger.Error("job failed", "error", err)
	} else {
		logger.Debug("job done")
	}

	if ferr := q.store.FinishJob(context.WithoutCancel(ctx), job.ID, status, lastError); ferr != nil {
		logger.Error("recording job result", "error", ferr)
	}
}

func runHandler(ctx context.Context, h Handler, payload json.RawMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, payload)
}
