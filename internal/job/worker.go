package job

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync"
	"time"

	"github.com/memva/memva/internal/logger"
	"github.com/memva/memva/internal/metrics"
)

var (
	ErrHandlerRegistered = errors.New("handler already registered for job type")
	ErrWorkerStarted     = errors.New("worker already started")
)

// Handler executes one claimed job. The returned value is stored as the job
// result on success. Errors are retried until attempts run out unless wrapped
// with Permanent or carrying a Retryable() report that says otherwise.
type Handler func(ctx context.Context, j *Job) (interface{}, error)

// Config tunes the worker pool
type Config struct {
	// Concurrency is the number of claim loops to run
	Concurrency int
	// MaxRetries caps attempts for jobs created without an explicit limit
	MaxRetries int
	// RetryDelay is how far out a failed attempt is rescheduled
	RetryDelay time.Duration
	// PollInterval is the base sleep between claims on an empty queue
	PollInterval time.Duration
	// HeartbeatInterval is how often running jobs refresh updated_at
	HeartbeatInterval time.Duration
	// StopGrace bounds how long Stop waits for in-flight jobs
	StopGrace time.Duration
}

// DefaultConfig returns the worker defaults
func DefaultConfig() Config {
	return Config{
		Concurrency:       1,
		MaxRetries:        DefaultMaxAttempts,
		RetryDelay:        time.Second,
		PollInterval:      200 * time.Millisecond,
		HeartbeatInterval: 30 * time.Second,
		StopGrace:         30 * time.Second,
	}
}

// Worker polls the queue and dispatches claimed jobs to registered handlers
type Worker struct {
	store    *Store
	config   Config
	handlers map[string]Handler

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewWorker(store *Store, config Config) *Worker {
	defaults := DefaultConfig()
	if config.Concurrency <= 0 {
		config.Concurrency = defaults.Concurrency
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = defaults.MaxRetries
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = defaults.RetryDelay
	}
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if config.StopGrace <= 0 {
		config.StopGrace = defaults.StopGrace
	}
	return &Worker{
		store:    store,
		config:   config,
		handlers: make(map[string]Handler),
	}
}

// Register binds a handler to a job type. Each type takes exactly one
// handler, and registration closes once the pool starts.
func (w *Worker) Register(jobType string, handler Handler) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started {
		return ErrWorkerStarted
	}
	if _, exists := w.handlers[jobType]; exists {
		return fmt.Errorf("%w: %s", ErrHandlerRegistered, jobType)
	}
	w.handlers[jobType] = handler
	return nil
}

// Start launches the claim loops
func (w *Worker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started {
		return ErrWorkerStarted
	}
	w.started = true

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel

	logger.Printf("🚀 Job worker starting with %d claim loops", w.config.Concurrency)
	for i := 0; i < w.config.Concurrency; i++ {
		w.wg.Add(1)
		go w.claimLoop(ctx)
	}
	return nil
}

// Stop cancels the claim loops and waits for in-flight jobs up to StopGrace
func (w *Worker) Stop() error {
	w.mu.Lock()
	if !w.started || w.cancel == nil {
		w.mu.Unlock()
		return nil
	}
	cancel := w.cancel
	w.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Println("✅ Job worker stopped")
		return nil
	case <-time.After(w.config.StopGrace):
		logger.Error("⚠️ Job worker stop timed out with jobs still in flight")
		return errors.New("worker stop timed out")
	}
}

func (w *Worker) claimLoop(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		j, err := w.store.ClaimNextPending()
		if err != nil {
			logger.Error("Failed to claim job: %v", err)
			w.sleep(ctx)
			continue
		}
		if j == nil {
			w.sleep(ctx)
			continue
		}
		w.runJob(ctx, j)
	}
}

// sleep waits out the poll interval with jitter so idle loops do not hammer
// the database in lockstep. The wait lands between half and 1.25x the base.
func (w *Worker) sleep(ctx context.Context) {
	base := w.config.PollInterval
	jittered := base/2 + time.Duration(rand.Int63n(int64(base*3/4)+1))
	select {
	case <-ctx.Done():
	case <-time.After(jittered):
	}
}

func (w *Worker) runJob(ctx context.Context, j *Job) {
	metrics.RecordJobClaimed(j.Type)
	logger.Printf("📦 Claimed job %s type=%s attempt=%d/%d", j.ID, j.Type, j.Attempts, j.maxAttemptsOr(w.config.MaxRetries))

	handler, ok := w.lookupHandler(j.Type)
	if !ok {
		logger.Error("No handler for job type %s, failing job %s", j.Type, j.ID)
		w.fail(j, fmt.Sprintf("no handler registered for job type %s", j.Type), false)
		return
	}

	stopHeartbeat := w.startHeartbeat(ctx, j.ID)
	defer stopHeartbeat()

	start := time.Now()
	result, err := w.invoke(ctx, handler, j)
	elapsed := time.Since(start)
	metrics.ObserveJobDuration(j.Type, elapsed.Seconds())

	if err != nil {
		retry := shouldRetry(err)
		logger.Error("Job %s type=%s failed after %s (retry=%t): %v", j.ID, j.Type, elapsed.Round(time.Millisecond), retry, err)
		w.fail(j, err.Error(), retry)
		return
	}

	if completeErr := w.store.Complete(j.ID, result); completeErr != nil {
		logger.Error("Failed to record completion of job %s: %v", j.ID, completeErr)
		return
	}
	metrics.RecordJobOutcome(j.Type, "completed")
	logger.Printf("✅ Job %s type=%s completed in %s", j.ID, j.Type, elapsed.Round(time.Millisecond))
}

// invoke runs the handler with panic recovery so one bad job cannot take
// down the claim loop
func (w *Worker) invoke(ctx context.Context, handler Handler, j *Job) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Job %s panicked: %v\n%s", j.ID, r, debug.Stack())
			err = fmt.Errorf("job handler panicked: %v", r)
		}
	}()
	return handler(ctx, j)
}

func (w *Worker) fail(j *Job, errMsg string, retry bool) {
	if err := w.store.Fail(j.ID, errMsg, retry, w.config.RetryDelay); err != nil {
		logger.Error("Failed to record failure of job %s: %v", j.ID, err)
		return
	}
	outcome := "failed"
	if retry && j.Attempts < j.maxAttemptsOr(w.config.MaxRetries) {
		outcome = "retried"
	}
	metrics.RecordJobOutcome(j.Type, outcome)
}

func (w *Worker) lookupHandler(jobType string) (Handler, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	h, ok := w.handlers[jobType]
	return h, ok
}

// startHeartbeat refreshes the job row so stale recovery can tell a live
// long run from an orphan. The returned func stops the refresh.
func (w *Worker) startHeartbeat(ctx context.Context, jobID string) func() {
	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(w.config.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := w.store.Touch(jobID); err != nil {
					logger.Error("Failed to heartbeat job %s: %v", jobID, err)
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

func (j *Job) maxAttemptsOr(fallback int) int {
	if j.MaxAttempts > 0 {
		return j.MaxAttempts
	}
	return fallback
}

// permanentError marks a failure that must not be retried
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps an error so the worker fails the job without retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// shouldRetry decides whether a handler error deserves another attempt.
// Permanent wins outright; otherwise an error that reports its own
// retryability is believed, and anything else is retried.
func shouldRetry(err error) bool {
	var p *permanentError
	if errors.As(err, &p) {
		return false
	}
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return true
}
