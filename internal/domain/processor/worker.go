// Package processor consumes StreamEntries from the priority streams and
// turns each into committed relational state: dedup, entity extraction,
// optional translation, content-addressed media archival, and one atomic
// persistence transaction, followed by an ack. Workers are stateless and
// horizontally scalable.
package processor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/archivist/tgarchiver/internal/broker"
	"github.com/archivist/tgarchiver/internal/infra/logger"
)

// maxDeliveries is the delivery budget before an entry is routed to the
// dead-letter stream instead of being redelivered again.
const maxDeliveries = 3

// idleSleep paces the loop when every stream is drained; the realtime read
// already blocks for a second, so this only bounds the spin on the
// non-blocking legacy/backfill checks.
const idleSleep = 200 * time.Millisecond

// Metrics counts worker activity; values are exposed for logging and for
// an external metrics surface to scrape.
type Metrics struct {
	Processed  atomic.Int64
	Phantoms   atomic.Int64
	Transient  atomic.Int64
	DeadLetter atomic.Int64
}

// Worker runs one consumer loop against the shared consumer group. One
// worker per process (its consumer name embeds hostname and pid); entries
// within a delivered batch are processed by up to parallelism goroutines.
// Horizontal scaling is done by running more processes.
type Worker struct {
	brk         *broker.Broker
	consumer    *broker.Consumer
	pipeline    *Pipeline
	metrics     *Metrics
	parallelism int
	log         *zap.SugaredLogger
}

// NewWorker builds a worker around an existing consumer and pipeline.
func NewWorker(brk *broker.Broker, consumer *broker.Consumer, pipeline *Pipeline, metrics *Metrics, parallelism int) *Worker {
	if metrics == nil {
		metrics = &Metrics{}
	}
	if parallelism <= 0 {
		parallelism = 1
	}
	return &Worker{
		brk:         brk,
		consumer:    consumer,
		pipeline:    pipeline,
		metrics:     metrics,
		parallelism: parallelism,
		log:         logger.Component("processor").With("consumer", consumer.Name()),
	}
}

// Run consumes until ctx is cancelled. The loop is supervised: a panic in
// the per-entry pipeline is recovered, logged, and treated as a transient
// failure of that entry; the loop itself keeps running.
func (w *Worker) Run(ctx context.Context) error {
	w.consumer.CleanupStaleConsumers(ctx)

	for {
		if ctx.Err() != nil {
			return nil
		}

		entries, err := w.consumer.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.log.Warnf("read streams: %v", err)
			if !sleepCtx(ctx, time.Second) {
				return nil
			}
			continue
		}
		if len(entries) == 0 {
			if !sleepCtx(ctx, idleSleep) {
				return nil
			}
			continue
		}

		// Finish the in-flight batch even when shutdown begins; the
		// deadline is enforced by the lifecycle layer above.
		w.handleBatch(ctx, entries)
	}
}

// handleBatch processes a delivered batch with up to w.parallelism entries
// in flight at once, waiting for all of them before the next read. Safe
// because every entry is independent: the unique index makes concurrent
// commits of the same (channel, message) pair converge.
func (w *Worker) handleBatch(ctx context.Context, entries []broker.ConsumedEntry) {
	if len(entries) == 1 || w.parallelism == 1 {
		for _, entry := range entries {
			w.handle(ctx, entry)
		}
		return
	}

	sem := make(chan struct{}, w.parallelism)
	var wg sync.WaitGroup
	for _, entry := range entries {
		sem <- struct{}{}
		wg.Add(1)
		go func(e broker.ConsumedEntry) {
			defer wg.Done()
			defer func() { <-sem }()
			w.handle(ctx, e)
		}(entry)
	}
	wg.Wait()
}

// handle processes one delivered entry and converts its Outcome into an
// ack / ack-to-DLQ / no-ack decision.
func (w *Worker) handle(ctx context.Context, entry broker.ConsumedEntry) {
	outcome := w.processSafely(ctx, entry.Fields)

	switch outcome.Kind {
	case OutcomeOK:
		w.metrics.Processed.Add(1)
		w.ack(ctx, entry)

	case OutcomeSkipped:
		w.metrics.Phantoms.Add(1)
		w.ack(ctx, entry)

	case OutcomeFloodWait:
		w.log.Warnf("flood wait %s on stream=%s id=%s, leaving pending", outcome.Wait, entry.Stream, entry.ID)
		sleepCtx(ctx, outcome.Wait)

	case OutcomePermanent:
		w.metrics.DeadLetter.Add(1)
		w.log.Errorf("permanent failure stream=%s id=%s: %v", entry.Stream, entry.ID, outcome.Err)
		w.deadLetter(ctx, entry, outcome.Err.Error(), 1)
		w.ack(ctx, entry)

	case OutcomeTransient:
		w.metrics.Transient.Add(1)
		deliveries, err := w.consumer.DeliveryCount(ctx, entry.Stream, entry.ID)
		if err != nil {
			w.log.Warnf("delivery count stream=%s id=%s: %v", entry.Stream, entry.ID, err)
			deliveries = 1
		}
		if deliveries >= maxDeliveries {
			w.metrics.DeadLetter.Add(1)
			w.log.Errorf("exhausted %d deliveries stream=%s id=%s: %v", deliveries, entry.Stream, entry.ID, outcome.Err)
			w.deadLetter(ctx, entry, outcome.Err.Error(), deliveries)
			w.ack(ctx, entry)
			return
		}
		w.log.Warnf("transient failure stream=%s id=%s delivery=%d: %v", entry.Stream, entry.ID, deliveries, outcome.Err)
		// No ack: the broker's auto-claim redelivers after the idle window.
	}
}

// processSafely shields the loop from panics inside pipeline stages.
func (w *Worker) processSafely(ctx context.Context, fields map[string]string) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Errorf("pipeline panic: %v", r)
			outcome = transient("pipeline panic: %v", r)
		}
	}()
	return w.pipeline.Process(ctx, fields)
}

func (w *Worker) ack(ctx context.Context, entry broker.ConsumedEntry) {
	if err := w.consumer.Ack(ctx, entry.Stream, entry.ID); err != nil {
		w.log.Warnf("ack stream=%s id=%s: %v", entry.Stream, entry.ID, err)
	}
}

func (w *Worker) deadLetter(ctx context.Context, entry broker.ConsumedEntry, reason string, deliveries int64) {
	err := w.brk.SendToDLQ(ctx, broker.DLQEntry{
		OriginalStreamID: entry.ID,
		OriginalStream:   entry.Stream,
		MessagePayload:   entry.Fields,
		Error:            reason,
		RetryCount:       deliveries,
		FailedAt:         time.Now().UTC(),
	})
	if err != nil {
		w.log.Errorf("dlq copy stream=%s id=%s: %v", entry.Stream, entry.ID, err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
