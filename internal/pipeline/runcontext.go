package pipeline

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"cryptoalerts/internal/logger"
	"cryptoalerts/internal/metrics"
	"cryptoalerts/internal/model"
)

// Store is the durable state a pipeline run reads and writes.
type Store interface {
	model.BarStore
	model.IndicatorStore
	model.EventLog
	model.RuleStateStore
	model.Committer

	// Symbols lists the symbols that have bars of tf.
	Symbols(ctx context.Context, tf model.Timeframe) ([]string, error)
}

// Mirror publishes closed bars and indicator values to a secondary sink
// (Redis) for dashboards. Mirror failures never fail the pipeline.
type Mirror interface {
	MirrorBar(ctx context.Context, bar model.Bar) error
	MirrorIndicators(ctx context.Context, values []model.IndicatorValue) error
}

// RunContext carries the collaborators of one pipeline run. It is created
// when the run starts and closed when it ends.
type RunContext struct {
	RunID   string
	Store   Store
	Logger  zerolog.Logger
	Metrics *metrics.Metrics // may be nil
	Mirror  Mirror           // may be nil
	Started time.Time
}

// NewRunContext assigns a fresh run id and returns ctx annotated with it.
func NewRunContext(ctx context.Context, store Store, log zerolog.Logger) (context.Context, *RunContext) {
	id := uuid.NewString()
	rc := &RunContext{
		RunID:   id,
		Store:   store,
		Logger:  log.With().Str("run_id", id).Logger(),
		Started: time.Now(),
	}
	rc.Logger.Info().Msg("run started")
	return logger.WithRunID(ctx, id), rc
}

// Close releases the mirror when it owns a connection. The store belongs
// to whoever opened it.
func (rc *RunContext) Close() error {
	var err error
	if c, ok := rc.Mirror.(io.Closer); ok {
		err = c.Close()
	}
	rc.Logger.Info().Dur("elapsed", time.Since(rc.Started)).Msg("run finished")
	return err
}
