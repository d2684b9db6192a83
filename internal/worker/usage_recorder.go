package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	gateway "github.com/mistral-labs/gandalf/internal"
)

const (
	usageChanSize         = 1000
	defaultUsageBatchSize = 50
	defaultUsageFlush     = 5000 * time.Millisecond
	usageDrainTime        = 30 * time.Second
)

// UsageStore is the persistence interface consumed by UsageRecorder.
type UsageStore interface {
	InsertUsage(ctx context.Context, records []gateway.UsageRecord) error
}

// UsageRecorder buffers usage records and batch-flushes them to the store.
// Records are dropped only when the intake channel is full (back-pressure on
// a slow producer); a batch that fails to insert is kept and retried on the
// next flush instead of being discarded.
type UsageRecorder struct {
	ch         chan gateway.UsageRecord
	store      UsageStore
	batchSize  int
	flushEvery time.Duration
}

// NewUsageRecorder creates a UsageRecorder backed by store, using the default
// batch size (50) and flush interval (5s).
func NewUsageRecorder(store UsageStore) *UsageRecorder {
	return NewUsageRecorderWithConfig(store, defaultUsageBatchSize, defaultUsageFlush)
}

// NewUsageRecorderWithConfig creates a UsageRecorder with an explicit batch
// size and flush interval. batchSize <= 0 or flushEvery <= 0 fall back to the
// package defaults.
func NewUsageRecorderWithConfig(store UsageStore, batchSize int, flushEvery time.Duration) *UsageRecorder {
	if batchSize <= 0 {
		batchSize = defaultUsageBatchSize
	}
	if flushEvery <= 0 {
		flushEvery = defaultUsageFlush
	}
	return &UsageRecorder{
		ch:         make(chan gateway.UsageRecord, usageChanSize),
		store:      store,
		batchSize:  batchSize,
		flushEvery: flushEvery,
	}
}

// Name returns the worker identifier.
func (u *UsageRecorder) Name() string { return "usage_recorder" }

// Record enqueues a usage record. It never blocks; drops on full channel.
func (u *UsageRecorder) Record(r gateway.UsageRecord) {
	select {
	case u.ch <- r:
	default:
		slog.Warn("usage record dropped, channel full")
	}
}

// Run processes records until ctx is cancelled, then drains remaining records.
func (u *UsageRecorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(u.flushEvery)
	defer ticker.Stop()

	buf := make([]gateway.UsageRecord, 0, u.batchSize)

	for {
		select {
		case r := <-u.ch:
			buf = append(buf, r)
			if len(buf) >= u.batchSize {
				buf = u.flush(ctx, buf)
			}

		case <-ticker.C:
			if len(buf) > 0 {
				buf = u.flush(ctx, buf)
			}

		case <-ctx.Done():
			// Drain remaining records with a timeout.
			u.drain(buf)
			return nil
		}
	}
}

func (u *UsageRecorder) drain(buf []gateway.UsageRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), usageDrainTime)
	defer cancel()

	for {
		select {
		case r := <-u.ch:
			buf = append(buf, r)
			if len(buf) >= u.batchSize {
				buf = u.flush(ctx, buf)
			}
		default:
			// Channel empty, flush remaining.
			if len(buf) > 0 {
				u.flush(ctx, buf)
			}
			return
		}
	}
}

// flush inserts buf and returns the tail to keep buffering from. On success
// the batch is cleared; on failure the batch is kept at the front so the
// next flush retries it, rather than dropping usage data.
func (u *UsageRecorder) flush(ctx context.Context, buf []gateway.UsageRecord) []gateway.UsageRecord {
	// Assign IDs off the hot path; callers leave ID empty. Idempotent across
	// retries since IDs, once assigned, are never reassigned.
	for i := range buf {
		if buf[i].ID == "" {
			buf[i].ID = uuid.Must(uuid.NewV7()).String()
		}
	}

	if err := u.store.InsertUsage(ctx, buf); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "usage flush failed, retrying next cycle",
			slog.Int("count", len(buf)),
			slog.String("error", err.Error()),
		)
		return buf
	}
	return buf[:0]
}
