// Package jobs manages the asynchronous job lifecycle: durable creation,
// bounded-queue dispatch, and strict status transitions enforced by the
// store.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/opal-net/opal/internal/model"
)

// ErrQueueFull reports that the dispatch queue is at capacity. Callers
// surface it as backpressure; no job survives a rejected submission.
var ErrQueueFull = errors.New("jobs: queue full")

// ErrUnknownKind reports a job kind with no registered executor.
var ErrUnknownKind = errors.New("jobs: unknown job kind")

// Store is the durable job state the manager drives. Transition methods
// enforce the lifecycle and return storage.ErrInvalidTransition when a
// job is not in the expected state.
type Store interface {
	CreateJob(ctx context.Context, kind model.JobKind, input json.RawMessage) (model.Job, error)
	GetJob(ctx context.Context, id uuid.UUID) (model.Job, error)
	StartJob(ctx context.Context, id uuid.UUID) error
	CompleteJob(ctx context.Context, id uuid.UUID, result json.RawMessage) error
	FailJob(ctx context.Context, id uuid.UUID, errText string) error
	UpdateJobProgress(ctx context.Context, id uuid.UUID, percent int, message *string) error
	DeleteJob(ctx context.Context, id uuid.UUID) error
}

// ProgressFunc reports execution progress. Percent is clamped to
// [0,99] and kept monotonic by the store (100 is written only on
// completion); an empty message keeps the previous one.
type ProgressFunc func(ctx context.Context, percent int, message string)

// Executor runs one kind of job. The returned payload becomes the job's
// immutable result snapshot; a returned error fails the job with the
// error text.
type Executor interface {
	Execute(ctx context.Context, job model.Job, progress ProgressFunc) (json.RawMessage, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, job model.Job, progress ProgressFunc) (json.RawMessage, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, job model.Job, progress ProgressFunc) (json.RawMessage, error) {
	return f(ctx, job, progress)
}

// Manager creates jobs and dispatches them to executors through a
// bounded queue. Each job runs in its own goroutine; there is no
// ordering between jobs and no mid-flight cancellation — a submitted
// job runs to a terminal state.
type Manager struct {
	store     Store
	executors map[model.JobKind]Executor
	queue     chan uuid.UUID
	logger    *slog.Logger

	baseCtx context.Context
	wg      sync.WaitGroup
}

// NewManager creates a manager with the given queue capacity.
func NewManager(store Store, queueSize int, logger *slog.Logger) *Manager {
	if queueSize <= 0 {
		queueSize = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:     store,
		executors: make(map[model.JobKind]Executor),
		queue:     make(chan uuid.UUID, queueSize),
		logger:    logger,
		baseCtx:   context.Background(),
	}
}

// Register binds an executor to a job kind. Must be called before Run.
func (m *Manager) Register(kind model.JobKind, exec Executor) {
	m.executors[kind] = exec
}

// Submit durably creates a Pending job and hands it to the dispatch
// queue. When the queue is at capacity the freshly created row is
// deleted and ErrQueueFull returned, so a rejected submission leaves
// no job behind. Returns ErrUnknownKind when no executor is
// registered.
func (m *Manager) Submit(ctx context.Context, kind model.JobKind, input json.RawMessage) (model.Job, error) {
	if _, ok := m.executors[kind]; !ok {
		return model.Job{}, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}

	job, err := m.store.CreateJob(ctx, kind, input)
	if err != nil {
		return model.Job{}, fmt.Errorf("jobs: create: %w", err)
	}

	select {
	case m.queue <- job.ID:
	default:
		// The enqueue itself is the capacity gate. Remove the row so
		// pollers never observe a job the caller was told did not
		// enter the system.
		if derr := m.store.DeleteJob(ctx, job.ID); derr != nil {
			m.logger.ErrorContext(ctx, "removing rejected job failed",
				"job_id", job.ID, "error", derr)
		}
		return model.Job{}, ErrQueueFull
	}

	m.logger.InfoContext(ctx, "job submitted", "job_id", job.ID, "kind", kind)
	return job, nil
}

// Get returns a job by ID.
func (m *Manager) Get(ctx context.Context, id uuid.UUID) (model.Job, error) {
	return m.store.GetJob(ctx, id)
}

// Run consumes the queue until ctx is cancelled, launching one
// goroutine per dequeued job. It returns after all in-flight jobs
// finish.
func (m *Manager) Run(ctx context.Context) {
	m.baseCtx = ctx
	for {
		select {
		case <-ctx.Done():
			m.wg.Wait()
			return
		case id := <-m.queue:
			m.wg.Add(1)
			go func() {
				defer m.wg.Done()
				m.execute(id)
			}()
		}
	}
}

// execute drives one job from Pending to a terminal state. Executor
// panics are recovered and recorded as failures so a bad turn never
// takes the dispatcher down.
func (m *Manager) execute(id uuid.UUID) {
	// Jobs are not cancelled when the server begins shutdown; Run waits
	// for them instead.
	ctx := context.WithoutCancel(m.baseCtx)

	job, err := m.store.GetJob(ctx, id)
	if err != nil {
		m.logger.ErrorContext(ctx, "job vanished before start", "job_id", id, "error", err)
		return
	}
	exec, ok := m.executors[job.Kind]
	if !ok {
		_ = m.store.StartJob(ctx, id)
		_ = m.store.FailJob(ctx, id, fmt.Sprintf("no executor for kind %q", job.Kind))
		return
	}

	if err := m.store.StartJob(ctx, id); err != nil {
		m.logger.ErrorContext(ctx, "job start failed", "job_id", id, "error", err)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			m.logger.ErrorContext(ctx, "job panicked", "job_id", id, "panic", r)
			_ = m.store.FailJob(ctx, id, fmt.Sprintf("internal error: %v", r))
		}
	}()

	progress := func(pctx context.Context, percent int, message string) {
		var msg *string
		if message != "" {
			msg = &message
		}
		if err := m.store.UpdateJobProgress(pctx, id, percent, msg); err != nil {
			m.logger.WarnContext(pctx, "progress update failed", "job_id", id, "error", err)
		}
	}

	result, err := exec.Execute(ctx, job, progress)
	if err != nil {
		m.logger.ErrorContext(ctx, "job failed", "job_id", id, "kind", job.Kind, "error", err)
		if ferr := m.store.FailJob(ctx, id, err.Error()); ferr != nil {
			m.logger.ErrorContext(ctx, "recording job failure failed", "job_id", id, "error", ferr)
		}
		return
	}

	if err := m.store.CompleteJob(ctx, id, result); err != nil {
		m.logger.ErrorContext(ctx, "recording job completion failed", "job_id", id, "error", err)
		return
	}
	m.logger.InfoContext(ctx, "job completed", "job_id", id, "kind", job.Kind)
}
