// Package worker drains one broker subscription into one sink.
package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/withObsrvr/pareto-event-router/pkg/common/types"
	"github.com/withObsrvr/pareto-event-router/pkg/metrics"
)

// PollInterval is how long an idle worker sleeps between drains.
const PollInterval = 50 * time.Millisecond

// Drainer is the part of the broker a worker needs.
type Drainer interface {
	Drain(id string) []types.Event
}

// SinkWorker polls a subscription and hands each non-empty batch to its
// consumer. A failed batch is logged and dropped and the consumer's client
// is reset, so the next batch reconnects.
type SinkWorker struct {
	drainer        Drainer
	subscriptionID string
	consumer       types.Consumer
	logger         *slog.Logger
	pollInterval   time.Duration
}

// Option configures a SinkWorker.
type Option func(*SinkWorker)

// WithPollInterval overrides PollInterval.
func WithPollInterval(d time.Duration) Option {
	return func(w *SinkWorker) {
		w.pollInterval = d
	}
}

// New creates a worker for the given subscription.
func New(drainer Drainer, subscriptionID string, consumer types.Consumer, logger *slog.Logger, opts ...Option) *SinkWorker {
	if logger == nil {
		logger = slog.Default()
	}
	w := &SinkWorker{
		drainer:        drainer,
		subscriptionID: subscriptionID,
		consumer:       consumer,
		logger:         logger,
		pollInterval:   PollInterval,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Name is the consumer's name.
func (w *SinkWorker) Name() string { return w.consumer.Name() }

// Run loops until ctx is done. The batch in flight when ctx is cancelled is
// finished before the consumer is closed.
func (w *SinkWorker) Run(ctx context.Context) error {
	work := context.WithoutCancel(ctx)

	defer func() {
		if err := w.consumer.Close(); err != nil {
			w.logger.Error("Error closing sink", "error", err)
		}
		w.logger.Debug("Quitting processing loop")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if w.Step(work) {
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(w.pollInterval):
		}
	}
}

// Step drains once and processes the batch. It reports whether there was
// anything to process.
func (w *SinkWorker) Step(ctx context.Context) bool {
	batch := w.drainer.Drain(w.subscriptionID)
	if len(batch) == 0 {
		return false
	}

	name := w.consumer.Name()
	start := time.Now()
	err := w.consumer.Process(ctx, batch)
	metrics.SinkDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.SinkErrors.WithLabelValues(name).Inc()
		metrics.SinkEvents.WithLabelValues(name, "failed").Add(float64(len(batch)))
		w.logger.Error("Error encountered", "error", err, "events", len(batch))
		w.consumer.Reset()
		return true
	}

	metrics.SinkEvents.WithLabelValues(name, "delivered").Add(float64(len(batch)))
	return true
}
