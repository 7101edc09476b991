package notification

import (
	"context"
	"fmt"
	"time"
)

// StreamWriter appends an entry to a Redis stream. Implemented by the
// internal/store/redis client.
type StreamWriter interface {
	AddToStream(ctx context.Context, stream string, maxLen int64, values map[string]interface{}) (string, error)
}

// RedisNotifier publishes alerts to a Redis stream for downstream consumers.
type RedisNotifier struct {
	w      StreamWriter
	stream string
	maxLen int64
}

// NewRedisNotifier creates a stream notifier. A nil writer or an empty
// stream name disables it.
func NewRedisNotifier(w StreamWriter, stream string, maxLen int64) *RedisNotifier {
	return &RedisNotifier{w: w, stream: stream, maxLen: maxLen}
}

func (r *RedisNotifier) Name() string  { return "redis" }
func (r *RedisNotifier) Enabled() bool { return r.w != nil && r.stream != "" }

func (r *RedisNotifier) Send(ctx context.Context, msg Message) error {
	if !r.Enabled() {
		return ErrDisabled("redis")
	}
	_, err := r.w.AddToStream(ctx, r.stream, r.maxLen, map[string]interface{}{
		"event_id": msg.EventID,
		"rule_id":  msg.RuleID,
		"symbol":   msg.Symbol,
		"tf":       msg.TF,
		"severity": string(msg.Severity),
		"kind":     msg.Kind,
		"ts":       msg.TS.Format(time.RFC3339),
		"text":     msg.Text,
		"payload":  string(msg.Payload),
	})
	if err != nil {
		return fmt.Errorf("redis notifier: %w", err)
	}
	return nil
}

var _ Notifier = (*RedisNotifier)(nil)
