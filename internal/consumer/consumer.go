// Package consumer implements a durable cursor consumer over the event log.
// Each consumer id owns a cursor; an event is acknowledged only after its
// handler succeeded, so a crash between delivery and ack redelivers it
// (at-least-once).
package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"cryptoalerts/internal/backoff"
	"cryptoalerts/internal/model"
	"cryptoalerts/internal/notification"
)

// Handler delivers one event.
type Handler interface {
	Handle(ctx context.Context, ev model.AlertEvent) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, ev model.AlertEvent) error

func (f HandlerFunc) Handle(ctx context.Context, ev model.AlertEvent) error { return f(ctx, ev) }

// NotifierHandler delivers events through a notification channel.
func NotifierHandler(n notification.Notifier) Handler {
	return HandlerFunc(func(ctx context.Context, ev model.AlertEvent) error {
		return n.Send(ctx, notification.NewMessage(ev))
	})
}

// Store is the persistence a consumer reads from.
type Store interface {
	model.EventLog
	model.CursorStore
}

// Config tunes a consumer.
type Config struct {
	ID           string
	PollInterval time.Duration
	MaxBackoff   time.Duration
	BatchSize    int
	MinSeverity  model.Severity
	DryRun       bool
	DedupWindow  int
}

func (c *Config) defaults() {
	if c.ID == "" {
		c.ID = "default"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 200
	}
	if c.MinSeverity == "" {
		c.MinSeverity = model.SeverityInfo
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = 1024
	}
}

// Consumer polls the event log from its cursor and hands events to a Handler
// in id order.
type Consumer struct {
	cfg     Config
	store   Store
	handler Handler
	seen    *dedup
	sleep   func(ctx context.Context, d time.Duration) error
	now     func() time.Time
	logger  zerolog.Logger

	// Optional hooks
	OnDelivered func(ev model.AlertEvent)
	OnFiltered  func(ev model.AlertEvent)
}

// New creates a consumer.
func New(cfg Config, store Store, handler Handler, logger zerolog.Logger) *Consumer {
	cfg.defaults()
	return &Consumer{
		cfg:     cfg,
		store:   store,
		handler: handler,
		seen:    newDedup(cfg.DedupWindow),
		sleep:   backoff.Sleep,
		now:     time.Now,
		logger:  logger.With().Str("component", "consumer").Str("consumer_id", cfg.ID).Logger(),
	}
}

// ID returns the consumer (cursor) id.
func (c *Consumer) ID() string { return c.cfg.ID }

// Poll returns up to BatchSize events after the cursor, ascending by id.
func (c *Consumer) Poll(ctx context.Context) ([]model.AlertEvent, error) {
	cur, err := c.store.LoadCursor(ctx, c.cfg.ID)
	if err != nil {
		return nil, fmt.Errorf("load cursor %s: %w", c.cfg.ID, err)
	}
	return c.store.EventsAfter(ctx, cur.LastAckedID, c.cfg.BatchSize)
}

// Acknowledge advances the cursor to id. The cursor never moves backwards.
func (c *Consumer) Acknowledge(ctx context.Context, id int64) error {
	return c.store.SaveCursor(ctx, model.ConsumerCursor{
		ConsumerID:  c.cfg.ID,
		LastAckedID: id,
		UpdatedAt:   c.now().UTC(),
	})
}

// ProcessOnce polls one batch and delivers it in order, acknowledging after
// each event. On a handler error the batch stops without acknowledging the
// failed event. It returns the number of events acknowledged.
func (c *Consumer) ProcessOnce(ctx context.Context) (int, error) {
	events, err := c.Poll(ctx)
	if err != nil {
		return 0, err
	}
	for i, ev := range events {
		if err := c.process(ctx, ev); err != nil {
			return i, err
		}
		if err := c.Acknowledge(ctx, ev.ID); err != nil {
			return i, fmt.Errorf("ack %d: %w", ev.ID, err)
		}
	}
	return len(events), nil
}

func (c *Consumer) process(ctx context.Context, ev model.AlertEvent) error {
	log := c.logger.With().Int64("event_id", ev.ID).Str("rule", ev.RuleID).Logger()
	switch {
	case !ev.Severity.AtLeast(c.cfg.MinSeverity):
		log.Debug().Str("severity", string(ev.Severity)).Msg("below min severity")
		if c.OnFiltered != nil {
			c.OnFiltered(ev)
		}
		return nil
	case c.seen.has(ev.ID):
		log.Debug().Msg("already delivered")
		return nil
	case c.cfg.DryRun:
		log.Info().Str("title", ev.Title()).Str("message", ev.Message).Msg("dry run")
	default:
		if err := c.handler.Handle(ctx, ev); err != nil {
			log.Warn().Err(err).Msg("delivery failed")
			return fmt.Errorf("deliver event %d: %w", ev.ID, err)
		}
		log.Info().Str("title", ev.Title()).Msg("delivered")
	}
	c.seen.add(ev.ID)
	if c.OnDelivered != nil {
		c.OnDelivered(ev)
	}
	return nil
}

// Run loops until ctx is cancelled: poll, deliver, ack, sleep PollInterval.
// Errors back off exponentially up to MaxBackoff. A full batch is followed
// immediately by the next poll.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info().Dur("poll", c.cfg.PollInterval).Str("min_severity", string(c.cfg.MinSeverity)).
		Bool("dry_run", c.cfg.DryRun).Msg("consumer started")
	policy := backoff.Policy{Base: c.cfg.PollInterval, Max: c.cfg.MaxBackoff}
	errs := 0
	for {
		n, err := c.ProcessOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		wait := c.cfg.PollInterval
		switch {
		case err != nil:
			errs++
			wait = policy.Delay(errs)
			c.logger.Error().Err(err).Dur("retry_in", wait).Msg("consume failed")
		case n >= c.cfg.BatchSize:
			errs = 0
			wait = 0
		default:
			errs = 0
		}
		if err := c.sleep(ctx, wait); err != nil {
			return nil
		}
	}
}

// SelfTest delivers a synthetic event through the handler without touching
// the cursor.
func (c *Consumer) SelfTest(ctx context.Context) error {
	payload, _ := json.Marshal(map[string]any{"self_test": true})
	ev := model.AlertEvent{
		RuleID:    "self-test",
		Symbol:    "SELFTEST",
		Timeframe: model.TF1m,
		TS:        c.now().UTC().Truncate(time.Second),
		Severity:  model.SeverityInfo,
		Kind:      "self_test",
		Message:   "notification self-test",
		Payload:   payload,
	}
	if err := c.handler.Handle(ctx, ev); err != nil {
		return fmt.Errorf("self-test: %w", err)
	}
	c.logger.Info().Msg("self-test delivered")
	return nil
}

// dedup remembers the last n delivered ids.
type dedup struct {
	ring []int64
	next int
	full bool
	set  map[int64]struct{}
}

func newDedup(n int) *dedup {
	return &dedup{ring: make([]int64, n), set: make(map[int64]struct{}, n)}
}

func (d *dedup) has(id int64) bool {
	_, ok := d.set[id]
	return ok
}

func (d *dedup) add(id int64) {
	if d.has(id) {
		return
	}
	if d.full {
		delete(d.set, d.ring[d.next])
	}
	d.ring[d.next] = id
	d.set[id] = struct{}{}
	d.next++
	if d.next == len(d.ring) {
		d.next = 0
		d.full = true
	}
}
