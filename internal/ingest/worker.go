package ingest

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"killchain-advisor/internal/queue"
	"killchain-advisor/internal/schema"
)

// WorkerConfig holds the worker pool configuration.
type WorkerConfig struct {
	Workers      int
	PollInterval time.Duration
	ShutdownWait time.Duration
}

// DefaultWorkerConfig returns the default worker pool configuration.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Workers:      4,
		PollInterval: 100 * time.Millisecond,
		ShutdownWait: 30 * time.Second,
	}
}

// Workers drain queued cases into a Recorder.
type Workers struct {
	queue    *queue.RingBuffer[*schema.Case]
	recorder *Recorder
	config   WorkerConfig

	wg   sync.WaitGroup
	done chan struct{}
	once sync.Once

	recorded atomic.Uint64
	failed   atomic.Uint64
}

// NewWorkers creates a worker pool.
func NewWorkers(q *queue.RingBuffer[*schema.Case], rec *Recorder, cfg WorkerConfig) *Workers {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultWorkerConfig().PollInterval
	}
	return &Workers{
		queue:    q,
		recorder: rec,
		config:   cfg,
		done:     make(chan struct{}),
	}
}

// Start starts the workers.
func (w *Workers) Start(ctx context.Context) {
	for i := 0; i < w.config.Workers; i++ {
		w.wg.Add(1)
		go w.run(ctx, i)
	}
	slog.Info("case workers started", "workers", w.config.Workers)
}

func (w *Workers) run(ctx context.Context, id int) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		default:
		}

		c, err := w.queue.PopWithTimeout(w.config.PollInterval)
		if err != nil {
			if errors.Is(err, queue.ErrQueueEmpty) {
				continue
			}
			if errors.Is(err, queue.ErrQueueClosed) {
				return
			}
			slog.Warn("unexpected queue error", "worker_id", id, "error", err)
			continue
		}

		if err := w.recorder.Record(ctx, *c); err != nil {
			slog.Error("failed to record case",
				"worker_id", id,
				"case_id", c.ID,
				"error", err,
			)
			w.failed.Add(1)
			continue
		}
		w.recorded.Add(1)
	}
}

// Stop closes the queue, lets the workers drain what is left and waits up
// to ShutdownWait for them to finish.
func (w *Workers) Stop() {
	w.once.Do(func() {
		w.queue.Close()

		finished := make(chan struct{})
		go func() {
			w.wg.Wait()
			close(finished)
		}()

		wait := w.config.ShutdownWait
		if wait <= 0 {
			wait = DefaultWorkerConfig().ShutdownWait
		}
		select {
		case <-finished:
			slog.Info("case workers stopped gracefully")
		case <-time.After(wait):
			close(w.done)
			slog.Warn("case worker shutdown timed out", "pending", w.queue.Len())
		}
	})
}

// Metrics returns worker statistics.
func (w *Workers) Metrics() WorkerMetrics {
	return WorkerMetrics{
		Recorded: w.recorded.Load(),
		Failed:   w.failed.Load(),
	}
}

// WorkerMetrics holds worker statistics.
type WorkerMetrics struct {
	Recorded uint64 `json:"recorded"`
	Failed   uint64 `json:"failed"`
}
