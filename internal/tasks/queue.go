package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/casefill/orchestrator/internal/metrics"
	"github.com/casefill/orchestrator/internal/models"
)

// ErrInterrupted marks tasks that were processing when the service stopped
var ErrInterrupted = errors.New("task interrupted by service restart")

// Config controls the worker pool
type Config struct {
	Workers       int
	Buffer        int
	TTL           time.Duration
	SweepInterval time.Duration
}

// Option configures a Queue
type Option func(*Queue)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithErrorClassifier sets how executor errors are recorded on failed tasks
func WithErrorClassifier(fn ErrorClassifier) Option {
	return func(q *Queue) { q.classify = fn }
}

// Queue runs agent calls on a fixed worker pool. Tasks are persisted before
// they are handed to a worker, so a full buffer or a restart never loses
// one: pending rows are rescanned periodically and at startup.
type Queue struct {
	store    *Store
	exec     Executor
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time
	classify ErrorClassifier

	ids chan string

	mu      sync.RWMutex
	hooks   []CompletionFunc
	started bool

	stopCh   chan struct{}
	stopOnce sync.Once
	runCtx   context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewQueue creates a queue; call Start to run workers
func NewQueue(store *Store, exec Executor, cfg Config, logger *zap.Logger, opts ...Option) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 10 * time.Minute
	}

	runCtx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		store:    store,
		exec:     exec,
		cfg:      cfg,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		classify: defaultClassifier,
		ids:      make(chan string, cfg.Buffer),
		stopCh:   make(chan struct{}),
		runCtx:   runCtx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func defaultClassifier(err error) (string, string) {
	return "WORKFLOW_ERROR", err.Error()
}

// OnComplete registers a hook run after every terminal write
func (q *Queue) OnComplete(fn CompletionFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.hooks = append(q.hooks, fn)
}

// Start fails tasks orphaned by a previous run, requeues pending ones and
// starts the workers and the sweeper.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return nil
	}
	q.started = true
	q.mu.Unlock()

	code, msg := q.classify(ErrInterrupted)
	orphaned, err := q.store.FailOrphaned(ctx, &TaskError{Code: code, Message: msg}, q.now())
	if err != nil {
		return err
	}
	if orphaned > 0 {
		q.logger.Warn("Failed tasks interrupted by a previous shutdown", zap.Int("count", orphaned))
		metrics.TasksFinished.WithLabelValues(string(StatusFailed)).Add(float64(orphaned))
	}
	if err := q.rescan(ctx); err != nil {
		return err
	}

	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}
	q.wg.Add(1)
	go q.maintain()

	q.logger.Info("Task queue started",
		zap.Int("workers", q.cfg.Workers),
		zap.Int("buffer", q.cfg.Buffer),
		zap.Duration("ttl", q.cfg.TTL),
	)
	return nil
}

// Stop stops the workers. In-flight agent calls get until ctx is done to
// finish; after that they are cancelled and their tasks fail.
func (q *Queue) Stop(ctx context.Context) error {
	q.stopOnce.Do(func() { close(q.stopCh) })

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		q.logger.Info("Task queue stopped")
		return nil
	case <-ctx.Done():
		q.cancel()
		<-done
		q.logger.Warn("Task queue stopped after cancelling in-flight tasks")
		return ctx.Err()
	}
}

// NewID returns a fresh task id for EnqueueWithID
func NewID() string { return uuid.NewString() }

// Enqueue persists a pending task for env and hands it to the pool. It
// does not wait for the agent.
func (q *Queue) Enqueue(ctx context.Context, env *models.Envelope) (string, error) {
	return q.EnqueueWithID(ctx, NewID(), env)
}

// EnqueueWithID is Enqueue with a caller-chosen id, for callers that must
// record the id before the task can possibly finish.
func (q *Queue) EnqueueWithID(ctx context.Context, id string, env *models.Envelope) (string, error) {
	if env == nil {
		return "", fmt.Errorf("enqueue: envelope is required")
	}
	if id == "" {
		return "", fmt.Errorf("enqueue: task id is required")
	}
	now := q.now()
	t := &Task{
		ID:        id,
		SessionID: env.SessionID,
		RecordID:  env.RecordID,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(q.cfg.TTL),
		Envelope:  env,
	}
	if err := q.store.Create(ctx, t); err != nil {
		return "", err
	}
	metrics.TasksEnqueued.Inc()
	q.dispatch(t.ID)

	q.logger.Debug("Task enqueued",
		zap.String("task_id", t.ID),
		zap.String("session_id", t.SessionID),
	)
	return t.ID, nil
}

// GetStatus returns the task, or a task with StatusNotFound when the id is
// unknown or expired.
func (q *Queue) GetStatus(ctx context.Context, id string) (*Task, error) {
	if id == "" {
		return &Task{ID: id, Status: StatusNotFound}, nil
	}
	t, err := q.store.Get(ctx, id, q.now())
	if errors.Is(err, ErrTaskNotFound) {
		return &Task{ID: id, Status: StatusNotFound}, nil
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Sweep deletes expired tasks
func (q *Queue) Sweep(ctx context.Context) (int, error) {
	return q.store.DeleteExpired(ctx, q.now())
}

func (q *Queue) dispatch(id string) {
	select {
	case q.ids <- id:
		metrics.TaskQueueDepth.Inc()
	default:
		q.logger.Warn("Task buffer full, task left for the next rescan", zap.String("task_id", id))
	}
}

// rescan hands pending tasks to the pool. A task already buffered may be
// dispatched twice; the claim makes the second delivery a no-op.
func (q *Queue) rescan(ctx context.Context) error {
	room := cap(q.ids) - len(q.ids)
	if room <= 0 {
		return nil
	}
	ids, err := q.store.ListIDs(ctx, StatusPending, q.now(), room)
	if err != nil {
		return err
	}
	for _, id := range ids {
		q.dispatch(id)
	}
	if len(ids) > 0 {
		q.logger.Info("Requeued pending tasks", zap.Int("count", len(ids)))
	}
	return nil
}

func (q *Queue) worker(id int) {
	defer q.wg.Done()
	q.logger.Debug("Task worker started", zap.Int("worker_id", id))

	for {
		select {
		case <-q.stopCh:
			q.logger.Debug("Task worker stopped", zap.Int("worker_id", id))
			return
		case taskID := <-q.ids:
			metrics.TaskQueueDepth.Dec()
			q.process(q.runCtx, taskID)
		}
	}
}

func (q *Queue) maintain() {
	defer q.wg.Done()
	ticker := time.NewTicker(q.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(q.runCtx, 30*time.Second)
			if n, err := q.Sweep(ctx); err != nil {
				q.logger.Error("Task sweep failed", zap.Error(err))
			} else if n > 0 {
				q.logger.Info("Expired tasks removed", zap.Int("count", n))
			}
			if err := q.rescan(ctx); err != nil {
				q.logger.Error("Task rescan failed", zap.Error(err))
			}
			cancel()
		}
	}
}

// process runs one task. Only the caller that wins the pending->processing
// claim calls the executor.
func (q *Queue) process(ctx context.Context, id string) {
	started := q.now()
	claimed, err := q.store.Claim(ctx, id, started)
	if err != nil {
		q.logger.Error("Failed to claim task", zap.String("task_id", id), zap.Error(err))
		return
	}
	if !claimed {
		q.logger.Debug("Task already claimed, skipping duplicate delivery", zap.String("task_id", id))
		return
	}

	metrics.TasksInFlight.Inc()
	defer metrics.TasksInFlight.Dec()

	t, err := q.store.Get(ctx, id, started)
	var result *models.ExtractionResult
	if err == nil {
		result, err = q.exec.Extract(ctx, t.Envelope)
	} else {
		t = &Task{ID: id}
	}
	finished := q.now()

	// The terminal write must land even when ctx was cancelled by Stop.
	wctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var ok bool
	var writeErr error
	if err != nil {
		code, msg := q.classify(err)
		t.Status = StatusFailed
		t.Error = &TaskError{Code: code, Message: msg}
		ok, writeErr = q.store.Fail(wctx, id, t.Error, finished)
	} else {
		t.Status = StatusCompleted
		t.Result = result
		ok, writeErr = q.store.Complete(wctx, id, result, finished)
	}
	if writeErr != nil {
		q.logger.Error("Failed to record task result", zap.String("task_id", id), zap.Error(writeErr))
		return
	}
	if !ok {
		q.logger.Warn("Task left processing before its result was recorded", zap.String("task_id", id))
		return
	}
	t.UpdatedAt = finished
	t.StartedAt = &started

	metrics.RecordTaskFinished(string(t.Status), finished.Sub(started).Seconds())
	fields := []zap.Field{
		zap.String("task_id", id),
		zap.String("session_id", t.SessionID),
		zap.String("status", string(t.Status)),
		zap.Duration("duration", finished.Sub(started)),
	}
	if t.Error != nil {
		fields = append(fields, zap.String("error_code", t.Error.Code), zap.String("error", t.Error.Message))
	}
	q.logger.Info("Task finished", fields...)

	q.mu.RLock()
	hooks := append([]CompletionFunc(nil), q.hooks...)
	q.mu.RUnlock()
	for _, h := range hooks {
		h(wctx, t)
	}
}
