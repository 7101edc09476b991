// Package redis mirrors closed bars and indicator values to Redis for UIs
// and appends alert events to a Redis stream. Every call goes through a
// circuit breaker so an unreachable Redis never stalls the pipeline.
package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"cryptoalerts/internal/model"
)

const (
	defaultLatestTTL = 30 * time.Minute
	// mirrored series keep about a day of bars
	mirrorWindow = 24 * time.Hour
)

// Config configures the Redis client.
type Config struct {
	Addr             string
	Password         string
	DB               int
	KeyPrefix        string
	StreamMaxLen     int64
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// Client wraps a go-redis client with a key prefix and a circuit breaker.
type Client struct {
	rdb     *goredis.Client
	breaker *CircuitBreaker
	prefix  string
	maxLen  int64
	logger  zerolog.Logger
}

// Open connects and pings Redis.
func Open(ctx context.Context, cfg Config, logger zerolog.Logger) (*Client, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	c := newClient(rdb, cfg, logger)
	c.logger.Info().Str("addr", cfg.Addr).Msg("connected")
	return c, nil
}

func newClient(rdb *goredis.Client, cfg Config, logger zerolog.Logger) *Client {
	threshold, cooldown := cfg.BreakerThreshold, cfg.BreakerCooldown
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 10 * time.Second
	}
	maxLen := cfg.StreamMaxLen
	if maxLen <= 0 {
		maxLen = 10000
	}
	c := &Client{
		rdb:     rdb,
		breaker: NewCircuitBreaker(threshold, cooldown),
		prefix:  cfg.KeyPrefix,
		maxLen:  maxLen,
		logger:  logger.With().Str("component", "redis").Logger(),
	}
	c.breaker.OnStateChange = func(from, to State) {
		c.logger.Warn().Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
	}
	return c
}

// Breaker exposes the circuit breaker for metrics.
func (c *Client) Breaker() *CircuitBreaker { return c.breaker }

// Ping checks liveness, bypassing the breaker.
func (c *Client) Ping(ctx context.Context) error { return c.rdb.Ping(ctx).Err() }

// Close closes the underlying connection pool.
func (c *Client) Close() error { return c.rdb.Close() }

// AddToStream appends values to stream with approximate trimming and returns
// the entry id. maxLen <= 0 uses the configured default.
func (c *Client) AddToStream(ctx context.Context, stream string, maxLen int64, values map[string]interface{}) (string, error) {
	if maxLen <= 0 {
		maxLen = c.maxLen
	}
	var id string
	err := c.breaker.Execute(func() error {
		var err error
		id, err = c.rdb.XAdd(ctx, &goredis.XAddArgs{
			Stream: c.prefix + stream,
			MaxLen: maxLen,
			Approx: true,
			Values: values,
		}).Result()
		return err
	})
	if err != nil {
		return "", fmt.Errorf("redis xadd %s: %w", stream, err)
	}
	return id, nil
}

// MirrorBar appends a closed bar to its series stream, stores it as the
// latest bar and publishes it, in one pipeline.
func (c *Client) MirrorBar(ctx context.Context, bar model.Bar) error {
	data := string(bar.JSON())
	return c.exec(ctx, "bar "+bar.Key(), func(pipe goredis.Pipeliner) {
		pipe.XAdd(ctx, &goredis.XAddArgs{
			Stream: c.prefix + BarStreamKey(bar.Symbol, bar.Timeframe),
			MaxLen: seriesMaxLen(bar.Timeframe),
			Approx: true,
			Values: map[string]interface{}{"data": data},
		})
		pipe.Set(ctx, c.prefix+BarLatestKey(bar.Symbol, bar.Timeframe), data, defaultLatestTTL)
		pipe.Publish(ctx, c.prefix+BarChannel(bar.Symbol, bar.Timeframe), data)
	})
}

// MirrorIndicators stores and publishes defined indicator values. Undefined
// values are skipped.
func (c *Client) MirrorIndicators(ctx context.Context, vals []model.IndicatorValue) error {
	n := 0
	for i := range vals {
		if vals[i].Defined {
			n++
		}
	}
	if n == 0 {
		return nil
	}
	return c.exec(ctx, "indicators", func(pipe goredis.Pipeliner) {
		for i := range vals {
			v := &vals[i]
			if !v.Defined {
				continue
			}
			data := indicatorJSON(v)
			pipe.XAdd(ctx, &goredis.XAddArgs{
				Stream: c.prefix + IndicatorStreamKey(v.Symbol, v.Timeframe, v.Name),
				MaxLen: seriesMaxLen(v.Timeframe),
				Approx: true,
				Values: map[string]interface{}{"data": data},
			})
			pipe.Set(ctx, c.prefix+IndicatorLatestKey(v.Symbol, v.Timeframe, v.Name), data, defaultLatestTTL)
			pipe.Publish(ctx, c.prefix+IndicatorChannel(v.Symbol, v.Timeframe), data)
		}
	})
}

func (c *Client) exec(ctx context.Context, what string, fill func(goredis.Pipeliner)) error {
	err := c.breaker.Execute(func() error {
		pipe := c.rdb.Pipeline()
		fill(pipe)
		_, err := pipe.Exec(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("redis mirror %s: %w", what, err)
	}
	return nil
}

func seriesMaxLen(tf model.Timeframe) int64 {
	n := int64(mirrorWindow/tf.Duration()) + 100
	if n < 200 {
		n = 200
	}
	return n
}
