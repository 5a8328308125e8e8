// Package ledger appends fulfillment records without blocking the caller.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-fulfillment/internal/core"
	"github.com/book-expert/tts-fulfillment/internal/metrics"
	"github.com/google/uuid"
)

// Defaults.
const (
	DefaultQueueSize    = 256
	DefaultWriteTimeout = 5 * time.Second
)

// Log messages.
const (
	logWriteFailed      = "Failed to write ledger record %s (outcome=%s): %v"
	logDeadLettered     = "Ledger record %s sent to dead letter: %v"
	logDeadLetterFailed = "Failed to dead-letter ledger record %s, record lost: %v"
	logRecorderDrained  = "Ledger recorder drained"
)

// Static errors.
var (
	ErrQueueFull      = errors.New("ledger queue is full")
	ErrRecorderClosed = errors.New("ledger recorder is closed")
)

// Writer persists one record.
type Writer interface {
	InsertRecord(ctx context.Context, rec *core.Record) error
}

// DeadLetter receives records that could not be written.
type DeadLetter interface {
	Send(ctx context.Context, rec core.Record, reason error) error
}

// AsyncRecorder implements core.Ledger with a buffered queue drained by one
// goroutine. Records that cannot be queued or written go to the dead letter.
type AsyncRecorder struct {
	writer       Writer
	deadLetter   DeadLetter
	log          *logger.Logger
	queue        chan core.Record
	done         chan struct{}
	writeTimeout time.Duration
	mu           sync.RWMutex
	closed       bool
}

// NewAsyncRecorder starts the writer goroutine. deadLetter may be nil, in
// which case unwritable records are logged and dropped.
func NewAsyncRecorder(writer Writer, deadLetter DeadLetter, queueSize int, log *logger.Logger) *AsyncRecorder {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	recorder := &AsyncRecorder{
		writer:       writer,
		deadLetter:   deadLetter,
		log:          log,
		queue:        make(chan core.Record, queueSize),
		done:         make(chan struct{}),
		writeTimeout: DefaultWriteTimeout,
	}

	go recorder.run()

	return recorder
}

// Record queues rec and returns immediately.
func (r *AsyncRecorder) Record(rec core.Record) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		r.sendToDeadLetter(rec, ErrRecorderClosed)

		return
	}

	select {
	case r.queue <- rec:
		metrics.LedgerQueueDepth.Set(float64(len(r.queue)))
	default:
		r.sendToDeadLetter(rec, ErrQueueFull)
	}
}

// Close stops accepting records and waits until the queue is drained or ctx
// is done.
func (r *AsyncRecorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	select {
	case <-r.done:
		r.log.Info(logRecorderDrained)

		return nil
	case <-ctx.Done():
		return fmt.Errorf("ledger drain interrupted: %w", ctx.Err())
	}
}

func (r *AsyncRecorder) run() {
	defer close(r.done)

	for rec := range r.queue {
		metrics.LedgerQueueDepth.Set(float64(len(r.queue)))
		r.write(rec)
	}
}

func (r *AsyncRecorder) write(rec core.Record) {
	ctx, cancel := context.WithTimeout(context.Background(), r.writeTimeout)
	defer cancel()

	err := r.writer.InsertRecord(ctx, &rec)
	if err != nil {
		r.log.Error(logWriteFailed, rec.ID, rec.Outcome, err)
		r.sendToDeadLetter(rec, err)

		return
	}

	metrics.RecordLedgerWrite(metrics.LedgerWritten)
}

func (r *AsyncRecorder) sendToDeadLetter(rec core.Record, reason error) {
	if r.deadLetter == nil {
		r.log.Error(logDeadLetterFailed, rec.ID, reason)
		metrics.RecordLedgerWrite(metrics.LedgerDropped)

		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.writeTimeout)
	defer cancel()

	err := r.deadLetter.Send(ctx, rec, reason)
	if err != nil {
		r.log.Error(logDeadLetterFailed, rec.ID, err)
		metrics.RecordLedgerWrite(metrics.LedgerDropped)

		return
	}

	r.log.Warn(logDeadLettered, rec.ID, reason)
	metrics.RecordLedgerWrite(metrics.LedgerDeadLettered)
}
