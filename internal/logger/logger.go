// Package logger implements a non-blocking, batched usage logger.
//
// Usage entries are written to an internal buffered channel and flushed in
// batches by a background goroutine — so accounting never blocks the relay
// hot path. If the channel fills up (> 10 000 entries), new entries are
// dropped and counted in Dropped.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// UsageEntry records one served completion for accounting.
type UsageEntry struct {
	RequestID        string
	Model            string
	Endpoint         string
	PromptTokens     int
	CompletionTokens int
	ThinkingTokens   int
	Stream           bool
	Cached           bool
	Duration         time.Duration
	CreatedAt        time.Time
}

// UsageLogger batches entries and emits them as structured log records.
type UsageLogger struct {
	ch        chan UsageEntry
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped int64

	baseCtx context.Context
	log     *slog.Logger
}

// New starts a UsageLogger flushing to slogger.
func New(ctx context.Context, slogger *slog.Logger) (*UsageLogger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("logger: context must not be nil")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	l := &UsageLogger{
		ch:      make(chan UsageEntry, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		log:     slogger,
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

// Record enqueues an entry without blocking. Entries are dropped when the
// buffer is full.
func (l *UsageLogger) Record(entry UsageEntry) {
	select {
	case l.ch <- entry:
	default:
		atomic.AddInt64(&l.dropped, 1)
	}
}

// Dropped returns the number of entries lost to a full buffer.
func (l *UsageLogger) Dropped() int64 {
	return atomic.LoadInt64(&l.dropped)
}

// Close drains the buffer and stops the flush goroutine.
func (l *UsageLogger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	return nil
}

func (l *UsageLogger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]UsageEntry, 0, batchSize)

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		for _, e := range batch {
			l.log.InfoContext(ctx, "usage",
				slog.String("request_id", e.RequestID),
				slog.String("model", e.Model),
				slog.String("endpoint", e.Endpoint),
				slog.Int("prompt_tokens", e.PromptTokens),
				slog.Int("completion_tokens", e.CompletionTokens),
				slog.Int("thinking_tokens", e.ThinkingTokens),
				slog.Bool("stream", e.Stream),
				slog.Bool("cached", e.Cached),
				slog.Int64("duration_ms", e.Duration.Milliseconds()),
				slog.Time("created_at", normalizeTime(e.CreatedAt)),
			)
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-l.ch:
			batch = append(batch, entry)
			if len(batch) >= batchSize {
				flush(l.baseCtx)
			}

		case <-ticker.C:
			flush(l.baseCtx)

		case <-l.done:
			for {
				select {
				case entry := <-l.ch:
					batch = append(batch, entry)
					if len(batch) >= batchSize {
						flush(l.baseCtx)
					}
				default:
					flush(l.baseCtx)
					return
				}
			}
		}
	}
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
