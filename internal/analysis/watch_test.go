package analysis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"killchain-advisor/internal/correlation"
	"killchain-advisor/internal/schema"
	"killchain-advisor/internal/storage"
)

type recordingSink struct {
	mu      sync.Mutex
	reports []*Report
	fail    error
}

func (s *recordingSink) Deliver(_ context.Context, r *Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.reports = append(s.reports, r)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reports)
}

func TestOnChange(t *testing.T) {
	ctx := context.Background()
	inner := &recordingSink{}
	s := OnChange(inner)

	require.NoError(t, s.Deliver(ctx, &Report{ID: "a", Fingerprint: "f1"}))
	require.NoError(t, s.Deliver(ctx, &Report{ID: "b", Fingerprint: "f1"}))
	require.NoError(t, s.Deliver(ctx, &Report{ID: "c", Fingerprint: "f2"}))
	assert.Equal(t, 2, inner.count())

	inner.fail = errors.New("down")
	assert.Error(t, s.Deliver(ctx, &Report{ID: "d", Fingerprint: "f3"}))
	inner.fail = nil
	require.NoError(t, s.Deliver(ctx, &Report{ID: "e", Fingerprint: "f3"}))
	assert.Equal(t, 3, inner.count(), "a failed delivery must not mark the fingerprint")
}

func TestWatch_DeliversUntilCanceled(t *testing.T) {
	cases, entities := fixture()
	store := storage.NewMemoryStoreFromSnapshot(&storage.Snapshot{Cases: cases, Entities: entities})
	p := NewPipeline(store, store, Config{Correlation: correlation.DefaultOptions()})

	every := &recordingSink{}
	changed := &recordingSink{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Watch(ctx, 5*time.Millisecond, every, OnChange(changed))
		close(done)
	}()

	require.Eventually(t, func() bool { return every.count() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
	assert.Equal(t, 1, changed.count(), "unchanged store yields one change")
}

func TestWatch_SkipsDegraded(t *testing.T) {
	p := NewPipeline(failingReader{}, failingReader{}, Config{Correlation: correlation.DefaultOptions()})
	sink := &recordingSink{}
	p.watchOnce(context.Background(), []Sink{sink})
	assert.Zero(t, sink.count())
}

func TestWatch_SinkErrorDoesNotStopOthers(t *testing.T) {
	store := storage.NewMemoryStore()
	require.NoError(t, store.UpsertCase(context.Background(), schema.Case{ID: "C-1", Status: schema.StatusOpen, Device: "WS-1"}))
	p := NewPipeline(store, store, Config{Correlation: correlation.DefaultOptions()})

	broken := &recordingSink{fail: errors.New("nats down")}
	ok := &recordingSink{}
	p.watchOnce(context.Background(), []Sink{broken, ok})
	assert.Equal(t, 1, ok.count())
}
