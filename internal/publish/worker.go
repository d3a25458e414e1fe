// Package publish is the background publication pipeline: a sliding-window
// rate limiter, a durable upload queue, and a worker that pushes sealed
// records to the remote transport.
//
// Task lifecycle: Queued -> Sending -> Acknowledged, or back to Queued on
// rate-limit deferral and transport failure, or Abandoned past the retry
// ceiling. Abandonment is always logged and counted, never silent.
package publish

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/fixd/internal/transport"
)

const instrumentationName = "github.com/fyrsmithlabs/fixd/internal/publish"

// RecordStore is the slice of the fix store the worker needs: stamping the
// commit ref after a confirmed push is the only record mutation this
// pipeline ever performs.
type RecordStore interface {
	SetCommitRef(fixHash, commitRef string) error
	IncrementAbandoned()
}

// Config controls worker behavior.
type Config struct {
	// MaxPerHour caps publications per rolling hour.
	MaxPerHour int

	// TickInterval is the background processing period.
	TickInterval time.Duration

	// MaxAttempts is the per-task retry ceiling across ticks.
	MaxAttempts int

	// PushTimeout bounds one transport call.
	PushTimeout time.Duration

	// Backoff are the in-tick retry delays before the push counts as
	// failed for that tick.
	Backoff []time.Duration

	// PushesPerSecond paces consecutive pushes inside one flush so a deep
	// queue does not burst the remote.
	PushesPerSecond rate.Limit
}

// DefaultConfig returns the standard pipeline settings.
func DefaultConfig() Config {
	return Config{
		MaxPerHour:      5,
		TickInterval:    5 * time.Minute,
		MaxAttempts:     5,
		PushTimeout:     15 * time.Second,
		Backoff:         []time.Duration{time.Second, 2 * time.Second, 4 * time.Second},
		PushesPerSecond: 1,
	}
}

// Worker drains the upload queue against the remote transport.
type Worker struct {
	cfg    Config
	queue  *Queue
	store  RecordStore
	remote transport.Transport

	limiter *SlidingWindow
	pace    *rate.Limiter
	logger  *zap.Logger

	publishCounter metric.Int64Counter
	abandonCounter metric.Int64Counter

	// flushMu serializes Flush: the background tick and the caller-driven
	// trigger may race, and a task must consume at most one admission.
	flushMu sync.Mutex

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewWorker creates a worker. It does not start processing; call Start for
// the background tick, or drive it manually with Flush.
func NewWorker(cfg Config, queue *Queue, store RecordStore, remote transport.Transport, logger *zap.Logger) (*Worker, error) {
	if queue == nil {
		return nil, errors.New("queue is required")
	}
	if store == nil {
		return nil, errors.New("record store is required")
	}
	if remote == nil {
		return nil, errors.New("transport is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxPerHour <= 0 || cfg.MaxAttempts <= 0 || cfg.PushTimeout <= 0 {
		return nil, errors.New("invalid worker config")
	}
	if cfg.PushesPerSecond <= 0 {
		cfg.PushesPerSecond = 1
	}

	w := &Worker{
		cfg:     cfg,
		queue:   queue,
		store:   store,
		remote:  remote,
		limiter: NewSlidingWindow(cfg.MaxPerHour, time.Hour),
		pace:    rate.NewLimiter(cfg.PushesPerSecond, 1),
		logger:  logger,
	}
	w.initMetrics()
	return w, nil
}

func (w *Worker) initMetrics() {
	meter := otel.Meter(instrumentationName)
	var err error

	w.publishCounter, err = meter.Int64Counter(
		"fixd.publish.published_total",
		metric.WithDescription("Total number of acknowledged publications"),
		metric.WithUnit("{publication}"),
	)
	if err != nil {
		w.logger.Warn("failed to create publish counter", zap.Error(err))
	}

	w.abandonCounter, err = meter.Int64Counter(
		"fixd.publish.abandoned_total",
		metric.WithDescription("Total number of abandoned upload tasks"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		w.logger.Warn("failed to create abandon counter", zap.Error(err))
	}
}

// Enqueue adds a publication task for the entry and sealed blob.
func (w *Worker) Enqueue(entry *transport.RemoteIndexEntry, blob *transport.SealedBlob) error {
	return w.queue.Enqueue(NewTask(entry, blob))
}

// Flush attempts up to maxTasks pending publications (0 means all),
// honoring the rate-limit budget. Over-budget tasks stay queued for the
// next tick; that deferral is a scheduling signal, not an error. Returns
// the number of acknowledged publications. Concurrent calls are
// serialized; the pending snapshot is read under the lock.
func (w *Worker) Flush(ctx context.Context, maxTasks int) (int, error) {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	pending := w.queue.Pending()
	if maxTasks > 0 && len(pending) > maxTasks {
		pending = pending[:maxTasks]
	}

	acked := 0
	for _, task := range pending {
		if err := ctx.Err(); err != nil {
			return acked, err
		}

		now := time.Now()
		if !w.limiter.Allow(now) {
			w.logger.Debug("publication deferred by rate limit",
				zap.String("fix_hash", shortHash(task.FixHash)),
				zap.Int("still_queued", len(pending)-acked))
			break
		}

		if err := w.queue.MarkSending(task.ID); err != nil {
			w.logger.Warn("failed to mark task sending", zap.Error(err))
			continue
		}

		commitRef, err := w.pushWithRetry(ctx, task)
		if err != nil {
			// A push aborted by shutdown or caller cancellation is not a
			// transport failure; the task keeps its attempt budget.
			if ctx.Err() != nil {
				if rqErr := w.queue.Requeue(task.ID); rqErr != nil {
					w.logger.Warn("failed to requeue task on cancellation", zap.Error(rqErr))
				}
				return acked, ctx.Err()
			}
			w.handleFailure(task, err)
			continue
		}

		if err := w.store.SetCommitRef(task.FixHash, commitRef); err != nil {
			w.logger.Warn("push acknowledged but commit ref not stamped",
				zap.String("fix_hash", shortHash(task.FixHash)), zap.Error(err))
		}
		if err := w.queue.Complete(task.ID); err != nil {
			w.logger.Warn("failed to remove completed task", zap.Error(err))
		}

		acked++
		if w.publishCounter != nil {
			w.publishCounter.Add(ctx, 1, metric.WithAttributes(
				attribute.String("error_type", task.Entry.ErrorType)))
		}
		w.logger.Info("published fix",
			zap.String("fix_hash", shortHash(task.FixHash)),
			zap.String("commit_ref", shortHash(commitRef)))
	}

	return acked, nil
}

// pushWithRetry wraps the transport call with the per-call timeout and the
// in-tick exponential backoff before giving up for this tick.
func (w *Worker) pushWithRetry(ctx context.Context, task *UploadTask) (string, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		if err := w.pace.Wait(ctx); err != nil {
			return "", fmt.Errorf("%w: %v", transport.ErrTransport, err)
		}

		pushCtx, cancel := context.WithTimeout(ctx, w.cfg.PushTimeout)
		commitRef, err := w.remote.Push(pushCtx, task.Entry, task.Blob)
		cancel()
		if err == nil {
			return commitRef, nil
		}
		lastErr = err

		if attempt >= len(w.cfg.Backoff) {
			return "", lastErr
		}
		select {
		case <-ctx.Done():
			return "", lastErr
		case <-time.After(w.cfg.Backoff[attempt]):
		}
	}
}

// handleFailure requeues a failed task or abandons it past the ceiling.
func (w *Worker) handleFailure(task *UploadTask, pushErr error) {
	attempts, err := w.queue.RecordFailure(task.ID)
	if err != nil {
		w.logger.Warn("failed to record task failure", zap.Error(err))
		return
	}

	if attempts < w.cfg.MaxAttempts {
		w.logger.Warn("publication failed, will retry",
			zap.String("fix_hash", shortHash(task.FixHash)),
			zap.Int("attempts", attempts),
			zap.Error(pushErr))
		return
	}

	if err := w.queue.Abandon(task.ID); err != nil {
		w.logger.Warn("failed to abandon task", zap.Error(err))
		return
	}
	w.store.IncrementAbandoned()
	if w.abandonCounter != nil {
		w.abandonCounter.Add(context.Background(), 1)
	}
	w.logger.Error("publication abandoned after retry ceiling",
		zap.String("fix_hash", shortHash(task.FixHash)),
		zap.Int("attempts", attempts),
		zap.Error(pushErr))
}

// Start launches the periodic background tick. Idempotent with Stop.
func (w *Worker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return errors.New("worker already running")
	}
	w.running = true
	w.stopCh = make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.wg.Add(1)

	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.cfg.TickInterval)
		defer ticker.Stop()

		for {
			select {
			case <-w.stopCh:
				return
			case <-ticker.C:
				if _, err := w.Flush(ctx, 0); err != nil && !errors.Is(err, context.Canceled) {
					w.logger.Warn("background flush failed", zap.Error(err))
				}
			}
		}
	}()

	return nil
}

// Stop cancels the background tick, releasing its in-flight transport
// call, and waits for it to exit. Queued and in-flight tasks stay
// persisted; nothing is lost.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopCh)
	w.cancel()
	w.mu.Unlock()

	w.wg.Wait()
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
