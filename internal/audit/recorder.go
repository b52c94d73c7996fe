// Package audit records evaluation events asynchronously. Events flow
// through a bounded channel into a background worker that batch-inserts
// them; under backpressure events are dropped, never blocking or failing an
// evaluation. Flag change records do not pass through here: they are written
// transactionally with the mutation by the repository.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/openparl/flaggate/internal/core"
	"github.com/openparl/flaggate/internal/repository"
)

const (
	defaultBufferSize    = 1024
	defaultBatchSize     = 100
	defaultFlushInterval = time.Second
	flushTimeout         = 2 * time.Second
)

// EvaluationSink persists batches of evaluation records.
type EvaluationSink interface {
	InsertEvaluations(ctx context.Context, records []repository.Evaluation) error
}

type event struct {
	flagName string
	context  core.Context
	result   bool
	at       time.Time
}

// Recorder buffers evaluation events and flushes them in the background.
type Recorder struct {
	sink          EvaluationSink
	events        chan event
	logger        *slog.Logger
	onDrop        func()
	batchSize     int
	flushInterval time.Duration
	stop          chan struct{}
	done          chan struct{}
	closed        atomic.Bool
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithLogger sets the logger used for flush failures and drop reporting.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Recorder) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithBufferSize sets the bounded channel capacity.
func WithBufferSize(size int) Option {
	return func(r *Recorder) {
		if size > 0 {
			r.events = make(chan event, size)
		}
	}
}

// WithBatchSize sets how many events trigger an immediate flush.
func WithBatchSize(size int) Option {
	return func(r *Recorder) {
		if size > 0 {
			r.batchSize = size
		}
	}
}

// WithFlushInterval sets how often a partial batch is flushed.
func WithFlushInterval(interval time.Duration) Option {
	return func(r *Recorder) {
		if interval > 0 {
			r.flushInterval = interval
		}
	}
}

// WithOnDrop installs a hook invoked once per dropped event, typically a
// metrics counter.
func WithOnDrop(onDrop func()) Option {
	return func(r *Recorder) {
		if onDrop != nil {
			r.onDrop = onDrop
		}
	}
}

// NewRecorder starts a recorder whose worker runs until ctx is canceled or
// Close is called.
func NewRecorder(ctx context.Context, sink EvaluationSink, opts ...Option) *Recorder {
	r := &Recorder{
		sink:          sink,
		events:        make(chan event, defaultBufferSize),
		logger:        slog.Default(),
		onDrop:        func() {},
		batchSize:     defaultBatchSize,
		flushInterval: defaultFlushInterval,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}

	go r.run(ctx)

	return r
}

// RecordEvaluation queues one evaluation event. It never blocks: when the
// buffer is full, or the recorder is closed, the event is dropped and the
// drop hook fires.
func (r *Recorder) RecordEvaluation(flagName string, ectx core.Context, result bool) {
	if r.closed.Load() {
		r.onDrop()
		return
	}

	select {
	case r.events <- event{flagName: flagName, context: ectx, result: result, at: time.Now().UTC()}:
	default:
		r.onDrop()
	}
}

// Close stops the worker after flushing whatever is buffered. The events
// channel is never closed, so a racing RecordEvaluation can never panic; it
// just counts as a drop.
func (r *Recorder) Close() {
	if r.closed.Swap(true) {
		<-r.done
		return
	}
	close(r.stop)
	<-r.done
}

func (r *Recorder) run(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	batch := make([]event, 0, r.batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		r.flush(batch)
		batch = batch[:0]
	}

	drain := func() {
		for {
			select {
			case ev := <-r.events:
				batch = append(batch, ev)
				if len(batch) >= r.batchSize {
					flush()
				}
			default:
				flush()
				return
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			drain()
			return
		case <-r.stop:
			drain()
			return
		case <-ticker.C:
			flush()
		case ev := <-r.events:
			batch = append(batch, ev)
			if len(batch) >= r.batchSize {
				flush()
			}
		}
	}
}

func (r *Recorder) flush(batch []event) {
	records := make([]repository.Evaluation, 0, len(batch))
	for _, ev := range batch {
		contextJSON, err := json.Marshal(ev.context)
		if err != nil {
			contextJSON = json.RawMessage(`{}`)
		}
		records = append(records, repository.Evaluation{
			FlagName:  ev.flagName,
			SubjectID: ev.context.BucketSubject(),
			Context:   contextJSON,
			Result:    ev.result,
			CreatedAt: ev.at,
		})
	}

	// The worker outlives request contexts; flushes get their own deadline.
	flushCtx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	if err := r.sink.InsertEvaluations(flushCtx, records); err != nil {
		r.logger.Warn("evaluation audit flush failed", "count", len(records), "error", err)
	}
}
