package requestlog

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// batchFlushThreshold is the batch size that triggers a write without
// waiting for the flush interval.
const batchFlushThreshold = 100

// Logger buffers entries on a channel and flushes them to the store in
// batches, either when a batch is full or every flush interval.
type Logger struct {
	store  Store
	config Config
	buffer chan *Entry
	done   chan struct{}
	wg     sync.WaitGroup
	// writes tracks in-flight Write calls so Close never closes buffer under them.
	writes  sync.WaitGroup
	closed  atomic.Bool
	dropped atomic.Int64
}

// NewLogger starts a logger writing to store.
func NewLogger(store Store, cfg Config) *Logger {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultConfig().FlushInterval
	}

	l := &Logger{
		store:  store,
		config: cfg,
		buffer: make(chan *Entry, cfg.BufferSize),
		done:   make(chan struct{}),
	}

	l.wg.Add(1)
	go l.flushLoop()
	return l
}

// Write queues entry. When the buffer is full the entry is dropped.
func (l *Logger) Write(entry *Entry) {
	if entry == nil || l.closed.Load() {
		return
	}

	l.writes.Add(1)
	defer l.writes.Done()

	// Close may have started between the first check and Add.
	if l.closed.Load() {
		return
	}

	select {
	case l.buffer <- entry:
	default:
		l.dropped.Add(1)
		slog.Warn("request log buffer full, dropping entry",
			"request_id", entry.RequestID,
			"model", entry.Model,
		)
	}
}

// Dropped returns the number of entries dropped because the buffer was full.
func (l *Logger) Dropped() int64 {
	return l.dropped.Load()
}

// Close flushes the remaining entries and closes the store. It is idempotent.
func (l *Logger) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	l.writes.Wait()
	close(l.done)
	l.wg.Wait()
	return l.store.Close()
}

func (l *Logger) flushLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.config.FlushInterval)
	defer ticker.Stop()

	batch := make([]*Entry, 0, batchFlushThreshold)

	for {
		select {
		case entry := <-l.buffer:
			batch = append(batch, entry)
			if len(batch) >= batchFlushThreshold {
				l.flushBatch(batch)
				batch = make([]*Entry, 0, batchFlushThreshold)
			}

		case <-ticker.C:
			if len(batch) > 0 {
				l.flushBatch(batch)
				batch = make([]*Entry, 0, batchFlushThreshold)
			}

		case <-l.done:
			close(l.buffer)
			for entry := range l.buffer {
				batch = append(batch, entry)
			}
			l.flushBatch(batch)

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := l.store.Flush(ctx); err != nil {
				slog.Error("failed to flush request log store", "error", err)
			}
			cancel()
			return
		}
	}
}

func (l *Logger) flushBatch(batch []*Entry) {
	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := l.store.WriteBatch(ctx, batch); err != nil {
		slog.Error("failed to write request log batch", "error", err, "count", len(batch))
	}
}

// NoopRecorder discards entries; used when request logging is disabled.
type NoopRecorder struct{}

// Write does nothing.
func (NoopRecorder) Write(*Entry) {}

// Close does nothing.
func (NoopRecorder) Close() error { return nil }
