// Package app wires configuration into the pipeline, router and consumer
// for the command-line binaries.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"cryptoalerts/config"
	"cryptoalerts/internal/indicator"
	"cryptoalerts/internal/metrics"
	"cryptoalerts/internal/notification"
	"cryptoalerts/internal/pipeline"
	"cryptoalerts/internal/rules"
	redisstore "cryptoalerts/internal/store/redis"
	"cryptoalerts/internal/store/sqlite"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger}
}

func (a *App) openStore() (*sqlite.Store, error) {
	return sqlite.Open(sqlite.Config{DBPath: a.Config.Store.Path, ReadConns: a.Config.Store.ReadConns}, a.Logger)
}

func (a *App) loadRules() ([]rules.Rule, error) {
	rs, err := rules.Load(a.Config.Rules)
	if err != nil {
		return nil, err
	}
	a.Logger.Info().Int("rules", len(rs)).Strs("symbols", rules.Symbols(rs)).Msg("rules loaded")
	return rs, nil
}

func (a *App) pipelineConfig() (pipeline.Config, error) {
	specs, err := indicator.ParseSpecs(a.Config.Pipeline.Indicators)
	if err != nil {
		return pipeline.Config{}, fmt.Errorf("pipeline.indicators: %w", err)
	}
	pc := a.Config.Pipeline
	return pipeline.Config{
		Base:        a.Config.BaseTimeframe(),
		Timeframes:  a.Config.TargetTimeframes(),
		Symbols:     pc.Symbols,
		Indicators:  specs,
		Parallelism: pc.Parallelism,
		Workers:     pc.Workers,
		QueueSize:   pc.QueueSize,
		FlushGrace:  2 * time.Second,
		LargeGap:    pc.LargeGap,
	}, nil
}

// openRedis connects when Redis is enabled. An unreachable Redis only
// disables the mirror and the redis channel.
func (a *App) openRedis(ctx context.Context, m *metrics.Metrics) *redisstore.Client {
	rc := a.Config.Redis
	if !rc.Enabled {
		return nil
	}
	client, err := redisstore.Open(ctx, redisstore.Config{
		Addr:             rc.Addr,
		Password:         rc.Password,
		DB:               rc.DB,
		KeyPrefix:        rc.KeyPrefix,
		StreamMaxLen:     rc.StreamMaxLen,
		BreakerThreshold: rc.BreakerThreshold,
		BreakerCooldown:  rc.BreakerCooldown,
	}, a.Logger)
	if err != nil {
		a.Logger.Warn().Err(err).Str("addr", rc.Addr).Msg("redis unavailable, continuing without mirror")
		return nil
	}
	client.Breaker().OnStateChange = func(from, to redisstore.State) {
		m.Breaker(int(to))
		a.Logger.Warn().Stringer("from", from).Stringer("to", to).Msg("redis circuit breaker")
	}
	return client
}

// notifiers builds the configured channels in configuration order.
func (a *App) notifiers(redis *redisstore.Client) ([]notification.Notifier, error) {
	n := a.Config.Notify
	var out []notification.Notifier
	for _, raw := range n.Channels {
		switch name := strings.ToLower(strings.TrimSpace(raw)); name {
		case "":
			continue
		case "webhook":
			out = append(out, notification.NewWebhookNotifier(n.Webhook.URL, n.Webhook.Secret, n.AttemptTimeout, a.Logger))
		case "telegram":
			out = append(out, notification.NewTelegramNotifier(n.Telegram.BotToken, n.Telegram.ChatID,
				n.Telegram.APIBase, n.AttemptTimeout, a.Logger))
		case "sound":
			out = append(out, notification.NewSoundNotifier(n.Sound.Enabled, n.Sound.Command, n.Sound.Args, a.Logger))
		case "redis":
			var w notification.StreamWriter
			if redis != nil {
				w = redis
			}
			out = append(out, notification.NewRedisNotifier(w, n.RedisStream.Stream, n.RedisStream.MaxLen))
		case "log":
			out = append(out, notification.NewLogNotifier(a.Logger))
		default:
			return nil, fmt.Errorf("notify.channels: unknown channel %q", raw)
		}
	}
	return out, nil
}

func (a *App) routerConfig() notification.Config {
	n := a.Config.Notify
	return notification.Config{
		MaxAttempts:    n.MaxAttempts,
		AttemptTimeout: n.AttemptTimeout,
		BackoffBase:    n.BackoffBase,
		BackoffMax:     n.BackoffMax,
		PollInterval:   n.PollInterval,
		BatchSize:      n.BatchSize,
		RateLimit:      n.RateLimit,
		CursorID:       notification.DefaultCursorID,
	}
}

func (a *App) newRouter(store *sqlite.Store, redis *redisstore.Client, m *metrics.Metrics) (*notification.Router, error) {
	ns, err := a.notifiers(redis)
	if err != nil {
		return nil, err
	}
	r, err := notification.NewRouter(a.routerConfig(), store, ns, a.Logger)
	if err != nil {
		return nil, err
	}
	r.OnDelivery = m.Delivery
	return r, nil
}
