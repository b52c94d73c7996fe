package audit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openparl/flaggate/internal/core"
	"github.com/openparl/flaggate/internal/repository"
)

type fakeSink struct {
	mu      sync.Mutex
	records []repository.Evaluation
	err     error
	block   chan struct{}
}

func (s *fakeSink) InsertEvaluations(ctx context.Context, records []repository.Evaluation) error {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, records...)
	return nil
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestRecorderFlushesOnClose(t *testing.T) {
	sink := &fakeSink{}
	recorder := NewRecorder(context.Background(), sink)

	for i := 0; i < 10; i++ {
		recorder.RecordEvaluation("beta_search", core.Context{SubjectID: "42"}, i%2 == 0)
	}
	recorder.Close()

	if got := sink.count(); got != 10 {
		t.Fatalf("flushed %d records, want 10", got)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	first := sink.records[0]
	if first.FlagName != "beta_search" || first.SubjectID != "42" || !first.Result {
		t.Fatalf("unexpected first record: %+v", first)
	}
	if len(first.Context) == 0 {
		t.Fatal("record context not serialized")
	}
}

func TestRecorderFlushesOnBatchSize(t *testing.T) {
	sink := &fakeSink{}
	recorder := NewRecorder(context.Background(), sink, WithFlushInterval(time.Hour))
	defer recorder.Close()

	for i := 0; i < defaultBatchSize; i++ {
		recorder.RecordEvaluation("bulk", core.Context{}, true)
	}

	waitFor(t, func() bool { return sink.count() == defaultBatchSize })
}

func TestRecorderDropsUnderBackpressure(t *testing.T) {
	var dropped atomic.Int64
	sink := &fakeSink{block: make(chan struct{})}
	recorder := NewRecorder(context.Background(), sink,
		WithBufferSize(4),
		WithBatchSize(1),
		WithFlushInterval(time.Hour),
		WithOnDrop(func() { dropped.Add(1) }),
	)

	// Park the worker inside a blocked flush, then fill the buffer.
	recorder.RecordEvaluation("pressured", core.Context{}, true)
	waitFor(t, func() bool { return len(recorder.events) == 0 })

	// Buffer holds 4; everything beyond must be dropped, never blocked on.
	for i := 0; i < 50; i++ {
		recorder.RecordEvaluation("pressured", core.Context{}, true)
	}

	if got := dropped.Load(); got < 40 {
		t.Fatalf("dropped %d events, want at least 40", got)
	}

	close(sink.block)
	recorder.Close()
}

func TestRecorderSurvivesSinkErrors(t *testing.T) {
	sink := &fakeSink{err: errors.New("sink down")}
	recorder := NewRecorder(context.Background(), sink)

	recorder.RecordEvaluation("a", core.Context{}, true)
	recorder.Close()

	// A failed flush is logged and swallowed; recording again must not panic.
	recorder.RecordEvaluation("a", core.Context{}, true)
}

func TestRecorderDropsAfterClose(t *testing.T) {
	var dropped atomic.Int64
	sink := &fakeSink{}
	recorder := NewRecorder(context.Background(), sink, WithOnDrop(func() { dropped.Add(1) }))
	recorder.Close()

	recorder.RecordEvaluation("late", core.Context{}, true)
	if dropped.Load() != 1 {
		t.Fatalf("dropped = %d, want 1", dropped.Load())
	}
}
