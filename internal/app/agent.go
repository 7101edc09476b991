package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"cryptoalerts/internal/consumer"
	"cryptoalerts/internal/model"
	"cryptoalerts/internal/notification"
)

// AgentOptions override the consumer section for the local notifier agent.
type AgentOptions struct {
	ClientID    string
	MinSeverity string
	DryRun      bool
	SelfTest    bool
}

// RunAgent runs the local sound notifier as a durable cursor consumer of
// the event log.
func (a *App) RunAgent(ctx context.Context, opts AgentOptions) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cc := a.Config.Consumer
	if opts.ClientID != "" {
		cc.ID = opts.ClientID
	}
	if opts.MinSeverity != "" {
		cc.MinSeverity = opts.MinSeverity
	}
	minSev, err := model.ParseSeverity(cc.MinSeverity)
	if err != nil {
		return err
	}

	store, err := a.openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	sc := a.Config.Notify.Sound
	sound := notification.NewSoundNotifier(true, sc.Command, sc.Args, a.Logger)
	c := consumer.New(consumer.Config{
		ID:           cc.ID,
		PollInterval: cc.PollInterval,
		MaxBackoff:   cc.MaxBackoff,
		BatchSize:    cc.BatchSize,
		MinSeverity:  minSev,
		DryRun:       cc.DryRun || opts.DryRun,
		DedupWindow:  cc.DedupWindow,
	}, store, consumer.NotifierHandler(sound), a.Logger)

	if opts.SelfTest {
		return c.SelfTest(ctx)
	}
	if err := c.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
