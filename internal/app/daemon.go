package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"cryptoalerts/internal/bus"
	"cryptoalerts/internal/gateway"
	"cryptoalerts/internal/marketdata/wsfeed"
	"cryptoalerts/internal/metrics"
	"cryptoalerts/internal/model"
	"cryptoalerts/internal/pipeline"
)

// Run executes the long-running alert service: feed, pipeline, router and
// the metrics endpoint, until SIGINT/SIGTERM.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	m := metrics.NewMetrics()
	store, err := a.openStore()
	if err != nil {
		return err
	}
	defer store.Close()
	store.OnWrite = m.StoreWrite

	rs, err := a.loadRules()
	if err != nil {
		return err
	}
	pcfg, err := a.pipelineConfig()
	if err != nil {
		return err
	}

	redis := a.openRedis(ctx, m)
	ctx, rc := pipeline.NewRunContext(ctx, store, a.Logger)
	rc.Metrics = m
	if redis != nil {
		rc.Mirror = redis
	}
	defer rc.Close()

	p, err := pipeline.New(pcfg, rs, rc)
	if err != nil {
		return err
	}
	if err := p.Resume(ctx); err != nil {
		return err
	}

	router, err := a.newRouter(store, redis, m)
	if err != nil {
		return err
	}
	events := bus.New[model.AlertEvent](256)
	defer events.Close()
	router.WakeOn(events.Subscribe())
	events.OnDrop = func(int) { a.Logger.Warn().Msg("alert bus subscriber lagging, event dropped") }
	p.OnEvents = func(evs []model.AlertEvent) {
		for _, ev := range evs {
			events.Publish(ev)
		}
	}

	health := metrics.NewHealthStatus()
	p.OnClosedBar = func(b model.Bar) { health.SetLastBarTime(b.CloseTime()) }
	if a.Config.Metrics.Enabled {
		var redisPing metrics.Pinger
		if redis != nil {
			redisPing = redis
		}
		health.StartLivenessChecker(ctx, store, redisPing, 15*time.Second)
		srv := metrics.NewServer(a.Config.Metrics.Addr, health, nil, a.Logger)
		hub := gateway.NewHub(store, a.Logger)
		defer hub.Close()
		go hub.Run(ctx, events.Subscribe())
		srv.Handle("/ws/alerts", hub)
		srv.Start()
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			srv.Stop(shutdownCtx)
		}()
	}

	inputs := make(chan pipeline.Input, pcfg.QueueSize)
	g, gctx := errgroup.WithContext(ctx)
	if a.Config.Feed.URL != "" {
		feed, err := wsfeed.New(wsfeed.Config{
			URL:          a.Config.Feed.URL,
			Kind:         a.Config.Feed.Kind,
			ReconnectMin: a.Config.Feed.ReconnectMin,
			ReconnectMax: a.Config.Feed.ReconnectMax,
		}, a.Logger)
		if err != nil {
			return err
		}
		feed.OnReconnect = m.FeedReconnect
		feed.OnConnected = health.SetFeedConnected
		g.Go(func() error { return feed.Start(gctx, inputs) })
	} else {
		a.Logger.Warn().Msg("feed.url not configured; only pending deliveries will be processed")
	}
	g.Go(func() error { return p.Run(gctx, inputs) })
	g.Go(func() error { return router.Run(gctx) })

	a.Logger.Info().Str("run_id", rc.RunID).Msg("alert service started")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("alert service terminated with error")
		return err
	}
	a.Logger.Info().Msg("alert service stopped")
	return nil
}
