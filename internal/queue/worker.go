package queue

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Queue names
const (
	QueueInboundMessage  = "inbound-message"
	QueueStatusUpdate    = "status-update"
	QueueOutboundMessage = "outbound-message"
	QueueCampaign        = "campaign"
)

// Config holds the concurrency, rate and retry policy of one queue
type Config struct {
	Name        string
	Concurrency int
	RatePerSec  float64
	MaxAttempts int
	BackoffBase time.Duration
}

// InboundConfig is the policy for inbound provider messages
func InboundConfig() Config {
	return Config{Name: QueueInboundMessage, Concurrency: 5, RatePerSec: 50, MaxAttempts: 3, BackoffBase: time.Second}
}

// StatusConfig is the policy for delivery status callbacks
func StatusConfig() Config {
	return Config{Name: QueueStatusUpdate, Concurrency: 10, RatePerSec: 100, MaxAttempts: 3, BackoffBase: time.Second}
}

// OutboundConfig is the policy for outbound message sends
func OutboundConfig() Config {
	return Config{Name: QueueOutboundMessage, Concurrency: 5, RatePerSec: 30, MaxAttempts: 3, BackoffBase: 2 * time.Second}
}

// CampaignConfig is the policy for campaign dispatch jobs. A single attempt:
// a partially-sent campaign must not restart from zero.
func CampaignConfig() Config {
	return Config{Name: QueueCampaign, Concurrency: 2, RatePerSec: 5, MaxAttempts: 1, BackoffBase: time.Second}
}

// Handler processes one queue item. A returned error triggers the queue's
// retry policy; exhausted items go to the dead-letter record.
type Handler func(ctx context.Context, item Item) error

// DeadLetterHook is called when an item exhausts its retry budget, after the
// item is written to the Redis dead list. Used to persist an operator-visible
// record.
type DeadLetterHook func(ctx context.Context, cfg Config, item Item, err error)

// Worker is a bounded-concurrency consumer pool for one named queue
type Worker struct {
	queue        *Queue
	cfg          Config
	handler      Handler
	limiter      *rate.Limiter
	onDead       DeadLetterHook
	log          zerolog.Logger
	pollInterval time.Duration
}

// WorkerOption customizes a worker
type WorkerOption func(*Worker)

// WithDeadLetterHook registers a hook invoked on dead-lettered items
func WithDeadLetterHook(hook DeadLetterHook) WorkerOption {
	return func(w *Worker) { w.onDead = hook }
}

// WithPollInterval overrides the idle poll interval (shortened in tests)
func WithPollInterval(d time.Duration) WorkerOption {
	return func(w *Worker) { w.pollInterval = d }
}

// NewWorker creates a worker pool for the given queue config
func NewWorker(q *Queue, cfg Config, handler Handler, logger zerolog.Logger, opts ...WorkerOption) *Worker {
	w := &Worker{
		queue:        q,
		cfg:          cfg,
		handler:      handler,
		limiter:      rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Concurrency),
		log:          logger.With().Str("queue", cfg.Name).Logger(),
		pollInterval: 200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start launches the consumer slots and the delayed-item promoter. It
// returns immediately; the pool stops when ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	go w.promoteLoop(ctx)
	for i := 0; i < w.cfg.Concurrency; i++ {
		go w.run(ctx)
	}
	w.log.Info().Int("concurrency", w.cfg.Concurrency).Msg("Queue worker started")
}

func (w *Worker) promoteLoop(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.queue.PromoteDue(ctx, w.cfg.Name); err != nil && ctx.Err() == nil {
				w.log.Warn().Err(err).Msg("Failed to promote delayed items")
			}
		}
	}
}

// run is one consumer slot: one item to completion before taking the next
func (w *Worker) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		item, err := w.queue.Dequeue(ctx, w.cfg.Name)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Warn().Err(err).Msg("Dequeue failed")
			w.sleep(ctx)
			continue
		}
		if item == nil {
			w.sleep(ctx)
			continue
		}

		if err := w.limiter.Wait(ctx); err != nil {
			return
		}

		w.process(ctx, *item)
	}
}

func (w *Worker) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(w.pollInterval):
	}
}

func (w *Worker) process(ctx context.Context, item Item) {
	err := w.invoke(ctx, item)
	if err == nil {
		return
	}

	item.Attempts++
	if item.Attempts >= w.cfg.MaxAttempts {
		w.log.Error().Err(err).
			Str("item_id", item.ID).
			Str("type", item.Type).
			Int("attempts", item.Attempts).
			Msg("Item exhausted retries, moving to dead letter")
		if dlErr := w.queue.DeadLetter(ctx, w.cfg.Name, item, err); dlErr != nil {
			w.log.Error().Err(dlErr).Str("item_id", item.ID).Msg("Failed to record dead letter")
		}
		if w.onDead != nil {
			w.onDead(ctx, w.cfg, item, err)
		}
		return
	}

	// Exponential backoff: base * 2^(attempt-1)
	delay := w.cfg.BackoffBase << (item.Attempts - 1)
	w.log.Warn().Err(err).
		Str("item_id", item.ID).
		Str("type", item.Type).
		Int("attempt", item.Attempts).
		Dur("retry_in", delay).
		Msg("Item failed, scheduling retry")
	if rqErr := w.queue.Requeue(ctx, w.cfg.Name, item, delay); rqErr != nil {
		w.log.Error().Err(rqErr).Str("item_id", item.ID).Msg("Failed to requeue item")
	}
}

// invoke runs the handler with panic containment so a panicking handler is
// treated like any other failed attempt
func (w *Worker) invoke(ctx context.Context, item Item) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
			w.log.Error().
				Str("item_id", item.ID).
				Str("stack", string(debug.Stack())).
				Msgf("Panic while processing item: %v", r)
		}
	}()
	return w.handler(ctx, item)
}
