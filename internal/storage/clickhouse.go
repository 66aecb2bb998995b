package storage

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

const (
	bufferSize    = 10_000
	flushInterval = 100 * time.Millisecond
	flushBatch    = 1000
	drainTimeout  = 2 * time.Second
	insertTimeout = 5 * time.Second
)

const insertInvocationEvents = `
	INSERT INTO tool_invocation_events (
		request_id, session_id, timestamp, tool_name, kind, caller,
		outcome, failed_stage, argument_names, streamed, event_count,
		latency_ms, metadata
	)
`

// batchInserter persists one batch.
type batchInserter interface {
	Insert(ctx context.Context, events []*InvocationEvent) error
}

// ClickHouseWriter batches invocation events into ClickHouse from a
// background goroutine. Write never blocks; a full queue drops the event.
type ClickHouseWriter struct {
	inserter batchInserter
	queue    chan *InvocationEvent
	stop     chan struct{}
	stopped  chan struct{}
	dropped  atomic.Uint64
	logger   *zap.Logger
}

// NewClickHouseWriter connects to dsn and starts the flush loop.
func NewClickHouseWriter(dsn string, logger *zap.Logger) (*ClickHouseWriter, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("NewClickHouseWriter: %w", err)
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("NewClickHouseWriter: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), insertTimeout)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("NewClickHouseWriter: ping: %w", err)
	}
	return newClickHouseWriter(&clickhouseInserter{conn: conn}, logger), nil
}

func newClickHouseWriter(inserter batchInserter, logger *zap.Logger) *ClickHouseWriter {
	w := &ClickHouseWriter{
		inserter: inserter,
		queue:    make(chan *InvocationEvent, bufferSize),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
		logger:   logger,
	}
	go w.run()
	return w
}

func (w *ClickHouseWriter) Write(event *InvocationEvent) {
	select {
	case w.queue <- event:
	default:
		w.logger.Warn("clickhouse buffer full, dropping event",
			zap.String("request_id", event.RequestID),
			zap.Uint64("dropped_total", w.dropped.Add(1)),
		)
	}
}

// Close flushes what is queued, giving up after drainTimeout. Call once.
func (w *ClickHouseWriter) Close() {
	close(w.stop)
	<-w.stopped
}

// Dropped reports how many events were discarded because the queue was full.
func (w *ClickHouseWriter) Dropped() uint64 {
	return w.dropped.Load()
}

func (w *ClickHouseWriter) run() {
	defer close(w.stopped)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	pending := make([]*InvocationEvent, 0, flushBatch)
	for {
		select {
		case event := <-w.queue:
			pending = append(pending, event)
			if len(pending) == flushBatch {
				pending = w.send(pending)
			}
		case <-ticker.C:
			pending = w.send(pending)
		case <-w.stop:
			w.drain(pending)
			return
		}
	}
}

// drain empties the queue in flushBatch-sized inserts until it is empty or
// drainTimeout has passed.
func (w *ClickHouseWriter) drain(pending []*InvocationEvent) {
	deadline := time.After(drainTimeout)
	for {
		select {
		case event := <-w.queue:
			pending = append(pending, event)
			if len(pending) == flushBatch {
				pending = w.send(pending)
			}
			continue
		case <-deadline:
		default:
		}
		w.send(pending)
		return
	}
}

// send inserts the batch and returns it emptied for reuse.
func (w *ClickHouseWriter) send(batch []*InvocationEvent) []*InvocationEvent {
	if len(batch) == 0 {
		return batch
	}
	ctx, cancel := context.WithTimeout(context.Background(), insertTimeout)
	defer cancel()

	if err := w.inserter.Insert(ctx, batch); err != nil {
		w.logger.Error("clickhouse batch insert failed",
			zap.Int("batch_size", len(batch)),
			zap.Error(err),
		)
	}
	return batch[:0]
}

type clickhouseInserter struct {
	conn driver.Conn
}

func (c *clickhouseInserter) Insert(ctx context.Context, events []*InvocationEvent) error {
	batch, err := c.conn.PrepareBatch(ctx, insertInvocationEvents)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}
	defer func() { _ = batch.Abort() }()

	for _, e := range events {
		argNames := e.ArgumentNames
		if argNames == nil {
			argNames = []string{}
		}
		metadata := e.Metadata
		if metadata == nil {
			metadata = map[string]string{}
		}
		var streamed uint8
		if e.Streamed {
			streamed = 1
		}
		err := batch.Append(
			e.RequestID, e.SessionID, e.Timestamp, e.ToolName, e.Kind, e.Caller,
			e.Outcome, e.FailedStage, argNames, streamed, e.EventCount,
			e.LatencyMs, metadata,
		)
		if err != nil {
			return fmt.Errorf("append %s: %w", e.RequestID, err)
		}
	}
	return batch.Send()
}
