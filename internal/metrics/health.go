package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Pinger is a dependency the liveness checker probes (SQLite store, Redis).
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthStatus tracks dependency liveness for /healthz.
type HealthStatus struct {
	mu sync.RWMutex

	FeedConnected  bool
	LastBarTime    time.Time
	SQLiteOK       bool
	SQLiteLatency  time.Duration
	RedisEnabled   bool
	RedisConnected bool
	RedisLatency   time.Duration
	LastCheckAt    time.Time
	StartedAt      time.Time
}

// NewHealthStatus returns a status with nothing verified yet.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{StartedAt: time.Now()}
}

func (h *HealthStatus) SetFeedConnected(v bool) {
	h.mu.Lock()
	h.FeedConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastBarTime(t time.Time) {
	h.mu.Lock()
	h.LastBarTime = t
	h.mu.Unlock()
}

// Check probes sqlite and, when non-nil, redis once.
func (h *HealthStatus) Check(ctx context.Context, sqlite, redis Pinger) {
	sqliteOK, sqliteLat := probe(ctx, sqlite)
	var redisOK bool
	var redisLat time.Duration
	if redis != nil {
		redisOK, redisLat = probe(ctx, redis)
	}

	h.mu.Lock()
	h.SQLiteOK, h.SQLiteLatency = sqliteOK, sqliteLat
	h.RedisEnabled = redis != nil
	h.RedisConnected, h.RedisLatency = redisOK, redisLat
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

func probe(ctx context.Context, p Pinger) (bool, time.Duration) {
	if p == nil {
		return false, 0
	}
	start := time.Now()
	err := p.Ping(ctx)
	return err == nil, time.Since(start)
}

// StartLivenessChecker probes dependencies every interval until ctx ends.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, sqlite, redis Pinger, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			h.Check(probeCtx, sqlite, redis)
			cancel()
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// ServeHTTP handles /healthz. SQLite down is unhealthy; Redis down (when
// enabled) is degraded since it only serves the mirror and one channel.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	status, code := "healthy", http.StatusOK
	switch {
	case !h.SQLiteOK:
		status, code = "unhealthy", http.StatusServiceUnavailable
	case h.RedisEnabled && !h.RedisConnected:
		status = "degraded"
	}

	barAge := ""
	if !h.LastBarTime.IsZero() {
		barAge = time.Since(h.LastBarTime).Round(time.Millisecond).String()
	}
	body := struct {
		Status          string  `json:"status"`
		Uptime          string  `json:"uptime"`
		FeedConnected   bool    `json:"feed_connected"`
		LastBarAge      string  `json:"last_bar_age,omitempty"`
		SQLiteOK        bool    `json:"sqlite_ok"`
		SQLiteLatencyMs float64 `json:"sqlite_latency_ms"`
		RedisEnabled    bool    `json:"redis_enabled"`
		RedisConnected  bool    `json:"redis_connected"`
		RedisLatencyMs  float64 `json:"redis_latency_ms"`
		LastCheckAt     string  `json:"last_check_at"`
	}{
		Status:          status,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		FeedConnected:   h.FeedConnected,
		LastBarAge:      barAge,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: float64(h.SQLiteLatency.Microseconds()) / 1000.0,
		RedisEnabled:    h.RedisEnabled,
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  float64(h.RedisLatency.Microseconds()) / 1000.0,
		LastCheckAt:     h.LastCheckAt.UTC().Format(time.RFC3339),
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}

// Server exposes /metrics and /healthz.
type Server struct {
	srv    *http.Server
	mux    *http.ServeMux
	logger zerolog.Logger
}

// NewServer creates a metrics and health server. gatherer nil means the
// default registry.
func NewServer(addr string, health *HealthStatus, gatherer prometheus.Gatherer, logger zerolog.Logger) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.Handle("/healthz", health)
	return &Server{
		srv:    &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		mux:    mux,
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// Handle mounts an extra handler, e.g. the alert stream. Call before Start.
func (s *Server) Handle(pattern string, h http.Handler) { s.mux.Handle(pattern, h) }

// Handler returns the HTTP handler, for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		s.logger.Info().Str("addr", s.srv.Addr).Msg("metrics server listening")
		if err := s.srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("metrics server stopped")
		}
	}()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
