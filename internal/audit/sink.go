// ABOUTME: Batched append-only sink for bridge log entries
// ABOUTME: Flushes on batch size or idle interval; failed batches are re-queued

package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/mcp-bridge/internal/store"
)

// LogAppender is the slice of the store the sink writes through.
type LogAppender interface {
	AppendBridgeLogs(ctx context.Context, entries []*store.BridgeLog) error
}

// Config holds sink tuning knobs.
type Config struct {
	// BatchSize triggers a flush once this many entries are pending.
	BatchSize int
	// FlushInterval bounds how long an entry can sit pending before a flush.
	FlushInterval time.Duration
	// QueueSize is the channel buffer between request handlers and the
	// flusher. Record drops (with a warning) when it is full rather than
	// blocking the request path.
	QueueSize int
	// WriteTimeout bounds each store write.
	WriteTimeout time.Duration
}

// defaults applied by New for zero-valued config fields.
const (
	defaultBatchSize     = 50
	defaultFlushInterval = 2 * time.Second
	defaultQueueSize     = 1024
	defaultWriteTimeout  = 5 * time.Second
	// maxPending caps re-queued entries so a dead store cannot grow memory
	// without bound; beyond it the oldest entries are dropped.
	maxPending = 10000
)

// Sink accepts log entries from request handlers and writes them to the
// store in batches. Callers get their HTTP response before the entry is
// durable; a write failure re-queues the whole batch for the next flush.
type Sink struct {
	appender LogAppender
	logger   *slog.Logger

	batchSize     int
	flushInterval time.Duration
	writeTimeout  time.Duration

	ch   chan *store.BridgeLog
	done chan struct{}
	wg   sync.WaitGroup

	closeOnce sync.Once
}

// New creates a sink and starts its background flusher.
func New(appender LogAppender, logger *slog.Logger, cfg Config) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}

	s := &Sink{
		appender:      appender,
		logger:        logger.With("component", "audit"),
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		writeTimeout:  cfg.WriteTimeout,
		ch:            make(chan *store.BridgeLog, cfg.QueueSize),
		done:          make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// Record enqueues one entry. Never blocks and never fails from the caller's
// perspective; if the queue is full the entry is dropped with a warning.
func (s *Sink) Record(entry *store.BridgeLog) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	select {
	case s.ch <- entry:
	default:
		s.logger.Warn("audit queue full, dropping entry",
			"bridge_id", entry.BridgeID,
			"action", entry.Action,
		)
	}
}

// run is the background flusher. Pending entries survive failed writes and
// are retried whole-batch on the next trigger.
func (s *Sink) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	var pending []*store.BridgeLog
	for {
		select {
		case entry := <-s.ch:
			pending = append(pending, entry)
			if len(pending) >= s.batchSize {
				pending = s.flush(pending)
			}
		case <-ticker.C:
			pending = s.flush(pending)
		case <-s.done:
			// Drain whatever made it into the channel, then flush once.
			for {
				select {
				case entry := <-s.ch:
					pending = append(pending, entry)
					continue
				default:
				}
				break
			}
			s.flush(pending)
			return
		}
	}
}

// flush writes pending entries. On failure the batch is returned intact so
// it is retried; on success an empty slice comes back.
func (s *Sink) flush(pending []*store.BridgeLog) []*store.BridgeLog {
	if len(pending) == 0 {
		return pending
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
	defer cancel()

	if err := s.appender.AppendBridgeLogs(ctx, pending); err != nil {
		s.logger.Warn("audit flush failed, re-queueing batch", "count", len(pending), "error", err)
		if len(pending) > maxPending {
			pending = pending[len(pending)-maxPending:]
		}
		return pending
	}

	s.logger.Debug("flushed audit batch", "count", len(pending))
	return pending[:0]
}

// Close stops the flusher after draining queued entries. Safe to call more
// than once.
func (s *Sink) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
}
