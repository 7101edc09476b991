package notification

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"cryptoalerts/internal/backoff"
	"cryptoalerts/internal/model"
)

// DefaultCursorID is the durable cursor the router consumes the event log with.
const DefaultCursorID = "router"

// ErrDisabled wraps model.ErrChannelDisabled with the channel name.
func ErrDisabled(channel string) error {
	return fmt.Errorf("%s: %w", channel, model.ErrChannelDisabled)
}

// Store is the persistence the router needs.
type Store interface {
	model.EventLog
	model.CursorStore
	model.DeliveryStore
	EventByID(ctx context.Context, id int64) (*model.AlertEvent, error)
}

// Config tunes delivery.
type Config struct {
	MaxAttempts    int
	AttemptTimeout time.Duration
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	PollInterval   time.Duration
	BatchSize      int
	RateLimit      time.Duration // per (symbol, rule, tf) by event time; 0 disables
	CursorID       string
}

func (c *Config) defaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 5 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 200
	}
	if c.CursorID == "" {
		c.CursorID = DefaultCursorID
	}
}

// Router fans each event out to every configured channel in parallel and
// records the outcome per channel. Dispatch is idempotent: channels whose
// record is already final are not contacted again.
type Router struct {
	cfg       Config
	notifiers []Notifier
	byName    map[string]Notifier
	store     Store
	backoff   backoff.Policy
	sleep     func(ctx context.Context, d time.Duration) error
	now       func() time.Time
	logger    zerolog.Logger
	wake      <-chan model.AlertEvent

	mu       sync.Mutex
	lastSent map[string]time.Time

	// OnDelivery is called once per final outcome (optional, for metrics).
	OnDelivery func(channel string, status model.DeliveryStatus, attempts int)
}

// NewRouter creates a router over notifiers. Channel names must be unique.
func NewRouter(cfg Config, store Store, notifiers []Notifier, logger zerolog.Logger) (*Router, error) {
	cfg.defaults()
	r := &Router{
		cfg:       cfg,
		notifiers: notifiers,
		byName:    make(map[string]Notifier, len(notifiers)),
		store:     store,
		backoff:   backoff.Policy{Base: cfg.BackoffBase, Max: cfg.BackoffMax},
		sleep:     backoff.Sleep,
		now:       time.Now,
		logger:    logger.With().Str("component", "router").Logger(),
		lastSent:  make(map[string]time.Time),
	}
	for _, n := range notifiers {
		if _, dup := r.byName[n.Name()]; dup {
			return nil, fmt.Errorf("duplicate notification channel %q", n.Name())
		}
		r.byName[n.Name()] = n
	}
	return r, nil
}

// Channels returns the configured channel names in configuration order.
func (r *Router) Channels() []string {
	out := make([]string, len(r.notifiers))
	for i, n := range r.notifiers {
		out[i] = n.Name()
	}
	return out
}

// Dispatch delivers ev to every channel that has no final record yet and
// returns the resulting records. Each channel gets up to MaxAttempts tries
// with backoff between them. Channel failures are recorded, not returned;
// only store errors and cancellation are.
func (r *Router) Dispatch(ctx context.Context, ev model.AlertEvent) ([]model.DeliveryRecord, error) {
	return r.dispatch(ctx, ev, r.cfg.MaxAttempts)
}

// dispatch makes at most tries attempts per open channel. Records that fail
// with attempts left stay pending for retryPending.
func (r *Router) dispatch(ctx context.Context, ev model.AlertEvent, tries int) ([]model.DeliveryRecord, error) {
	recs, err := r.store.EnsureDeliveries(ctx, ev.ID, r.Channels())
	if err != nil {
		return nil, fmt.Errorf("dispatch event %d: %w", ev.ID, err)
	}
	if !admitted(recs) && r.limited(ev) {
		return recs, r.skipAll(ctx, ev, recs, errRateLimited)
	}
	msg := NewMessage(ev)

	var g errgroup.Group
	for i := range recs {
		if recs[i].Status.Final() {
			continue
		}
		rec := &recs[i]
		n := r.byName[rec.Channel]
		g.Go(func() error { return r.deliver(ctx, n, rec, msg, tries) })
	}
	err = g.Wait()
	for _, rec := range recs {
		if rec.Status == model.DeliveryDelivered {
			r.sent(ev)
			break
		}
	}
	return recs, err
}

// admitted reports whether the event already went past the rate limiter:
// some channel was tried or settled.
func admitted(recs []model.DeliveryRecord) bool {
	for _, rec := range recs {
		if rec.Attempts > 0 || rec.Status.Final() {
			return true
		}
	}
	return false
}

func (r *Router) skipAll(ctx context.Context, ev model.AlertEvent, recs []model.DeliveryRecord, reason error) error {
	r.logger.Info().Int64("event_id", ev.ID).Str("key", limitKey(ev)).Msg("rate limited, skipped")
	for i := range recs {
		recs[i].Status = model.DeliverySkipped
		recs[i].LastError = reason.Error()
		if err := r.finish(ctx, &recs[i]); err != nil {
			return err
		}
	}
	return nil
}

func (r *Router) deliver(ctx context.Context, n Notifier, rec *model.DeliveryRecord, msg Message, tries int) error {
	log := r.logger.With().Int64("event_id", rec.EventID).Str("channel", rec.Channel).Logger()

	if !n.Enabled() {
		rec.Status = model.DeliverySkipped
		rec.LastError = ErrDisabled(n.Name()).Error()
		log.Debug().Msg("channel not configured, skipped")
		return r.finish(ctx, rec)
	}

	for ; tries > 0 && rec.Attempts < r.cfg.MaxAttempts; tries-- {
		rec.Attempts++
		rec.LastAttemptAt = r.now().UTC()

		actx, cancel := context.WithTimeout(ctx, r.cfg.AttemptTimeout)
		err := n.Send(actx, msg)
		cancel()

		if err == nil {
			rec.Status = model.DeliveryDelivered
			rec.LastError = ""
			log.Info().Int("attempts", rec.Attempts).Msg("delivered")
			return r.finish(ctx, rec)
		}
		rec.LastError = err.Error()
		if errors.Is(err, model.ErrChannelDisabled) {
			rec.Status = model.DeliverySkipped
			return r.finish(ctx, rec)
		}
		if ctx.Err() != nil {
			// keep it pending with the attempts made so far
			return errors.Join(ctx.Err(), r.store.UpdateDelivery(context.WithoutCancel(ctx), *rec))
		}
		log.Warn().Err(err).Int("attempt", rec.Attempts).Msg("delivery attempt failed")
		if err := r.store.UpdateDelivery(ctx, *rec); err != nil {
			return err
		}
		if tries > 1 && rec.Attempts < r.cfg.MaxAttempts {
			if err := r.sleep(ctx, r.backoff.Delay(rec.Attempts)); err != nil {
				return err
			}
		}
	}
	if rec.Attempts < r.cfg.MaxAttempts {
		return nil
	}

	rec.Status = model.DeliveryFailed
	log.Error().Err(model.ErrDeliveryFailed).Int("attempts", rec.Attempts).Str("last_error", rec.LastError).
		Msg("giving up on channel")
	return r.finish(ctx, rec)
}

func (r *Router) finish(ctx context.Context, rec *model.DeliveryRecord) error {
	if err := r.store.UpdateDelivery(ctx, *rec); err != nil {
		return err
	}
	if r.OnDelivery != nil {
		r.OnDelivery(rec.Channel, rec.Status, rec.Attempts)
	}
	return nil
}

// DrainOnce retries pending deliveries whose backoff has elapsed, then
// dispatches the events after the router cursor with one attempt per
// channel, advancing the cursor after each one. A failing channel stays
// pending and never holds back the next event. It returns the number of
// new events dispatched.
func (r *Router) DrainOnce(ctx context.Context) (int, error) {
	cur, err := r.store.LoadCursor(ctx, r.cfg.CursorID)
	if err != nil {
		return 0, err
	}
	if err := r.retryPending(ctx, cur.LastAckedID); err != nil {
		return 0, err
	}
	events, err := r.store.EventsAfter(ctx, cur.LastAckedID, r.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	for i, ev := range events {
		if _, err := r.dispatch(ctx, ev, 1); err != nil {
			return i, err
		}
		if err := r.store.SaveCursor(ctx, model.ConsumerCursor{
			ConsumerID:  r.cfg.CursorID,
			LastAckedID: ev.ID,
			UpdatedAt:   r.now().UTC(),
		}); err != nil {
			return i, err
		}
	}
	return len(events), nil
}

// retryPending makes the next attempt for acked events whose channels are
// still pending and due.
func (r *Router) retryPending(ctx context.Context, acked int64) error {
	pending, err := r.store.ListDeliveries(ctx, model.DeliveryPending, r.cfg.BatchSize)
	if err != nil {
		return err
	}
	now := r.now()
	due := make(map[int64]bool)
	for _, rec := range pending {
		if rec.EventID > acked || rec.Attempts == 0 {
			continue
		}
		if now.Before(rec.LastAttemptAt.Add(r.backoff.Delay(rec.Attempts))) {
			continue
		}
		due[rec.EventID] = true
	}
	for id := range due {
		ev, err := r.store.EventByID(ctx, id)
		if err != nil {
			return err
		}
		if ev == nil {
			continue
		}
		if _, err := r.dispatch(ctx, *ev, 1); err != nil {
			return err
		}
	}
	return nil
}

// Drain calls DrainOnce until the log is exhausted.
func (r *Router) Drain(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := r.DrainOnce(ctx)
		total += n
		if err != nil || n < r.cfg.BatchSize {
			return total, err
		}
	}
}

// Run drains the event log until ctx is cancelled, polling every
// PollInterval and backing off on errors.
func (r *Router) Run(ctx context.Context) error {
	r.logger.Info().Strs("channels", r.Channels()).Str("cursor", r.cfg.CursorID).Msg("router started")
	errs := 0
	for {
		n, err := r.Drain(ctx)
		wait := r.cfg.PollInterval
		switch {
		case ctx.Err() != nil:
			return nil
		case err != nil:
			errs++
			wait = backoff.Policy{Base: r.cfg.PollInterval, Max: 30 * time.Second}.Delay(errs)
			r.logger.Error().Err(err).Dur("retry_in", wait).Msg("drain failed")
		default:
			errs = 0
			if n > 0 {
				r.logger.Debug().Int("events", n).Msg("dispatched")
			}
		}
		if err := r.wait(ctx, wait); err != nil {
			return nil
		}
	}
}

// WakeOn makes Run drain as soon as a value arrives on ch instead of
// waiting for the next poll.
func (r *Router) WakeOn(ch <-chan model.AlertEvent) { r.wake = ch }

func (r *Router) wait(ctx context.Context, d time.Duration) error {
	if r.wake == nil {
		return r.sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case _, ok := <-r.wake:
		if !ok {
			r.wake = nil
		}
		return nil
	case <-t.C:
		return nil
	}
}

// RetryFailed moves failed deliveries of channel ("" = all) back to pending
// and dispatches them again. It returns the number of events retried.
func (r *Router) RetryFailed(ctx context.Context, channel string) (int, error) {
	ids, err := r.store.ResetFailed(ctx, channel)
	if err != nil {
		return 0, err
	}
	for i, id := range ids {
		ev, err := r.store.EventByID(ctx, id)
		if err != nil {
			return i, err
		}
		if ev == nil {
			r.logger.Warn().Int64("event_id", id).Msg("delivery references missing event")
			continue
		}
		if _, err := r.Dispatch(ctx, *ev); err != nil {
			return i, err
		}
	}
	return len(ids), nil
}

var errRateLimited = errors.New("rate limited")

func limitKey(ev model.AlertEvent) string {
	return ev.Symbol + "|" + ev.RuleID + "|" + ev.Timeframe.String()
}

// limited reports whether an event for the same key was delivered less than
// RateLimit before ev, measured on event time.
func (r *Router) limited(ev model.AlertEvent) bool {
	if r.cfg.RateLimit <= 0 {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	last, ok := r.lastSent[limitKey(ev)]
	return ok && ev.TS.Sub(last) < r.cfg.RateLimit
}

func (r *Router) sent(ev model.AlertEvent) {
	if r.cfg.RateLimit <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	k := limitKey(ev)
	if ev.TS.After(r.lastSent[k]) {
		r.lastSent[k] = ev.TS
	}
}
