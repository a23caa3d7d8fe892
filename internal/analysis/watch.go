package analysis

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Sink receives reports produced by Watch.
type Sink interface {
	Deliver(ctx context.Context, r *Report) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, r *Report) error

// Deliver calls f.
func (f SinkFunc) Deliver(ctx context.Context, r *Report) error {
	return f(ctx, r)
}

// OnChange wraps s so it only sees reports whose fingerprint differs from
// the last one it accepted. A failed delivery is retried on the next report.
func OnChange(s Sink) Sink {
	return &changeSink{next: s}
}

type changeSink struct {
	next Sink
	mu   sync.Mutex
	last string
}

func (c *changeSink) Deliver(ctx context.Context, r *Report) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r.Fingerprint != "" && r.Fingerprint == c.last {
		return nil
	}
	if err := c.next.Deliver(ctx, r); err != nil {
		return err
	}
	c.last = r.Fingerprint
	return nil
}

// Watch runs the pipeline over all campaigns every interval and hands each
// report to the sinks, until ctx is done. Degraded reports are not
// delivered. Sink errors are logged and do not stop the loop.
func (p *Pipeline) Watch(ctx context.Context, interval time.Duration, sinks ...Sink) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		p.watchOnce(ctx, sinks)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Pipeline) watchOnce(ctx context.Context, sinks []Sink) {
	r, err := p.Run(ctx, "")
	if err != nil {
		slog.Error("scheduled analysis failed", "error", err)
		return
	}
	if r.Degraded {
		slog.Warn("skipping delivery of degraded report", "report_id", r.ID, "warnings", r.Warnings)
		return
	}
	for _, s := range sinks {
		if err := s.Deliver(ctx, r); err != nil {
			slog.Error("report delivery failed", "report_id", r.ID, "error", err)
		}
	}
}
