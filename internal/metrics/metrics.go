// Package metrics exposes the pipeline's Prometheus metrics and the
// /healthz endpoint. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"cryptoalerts/internal/model"
)

// Metrics holds all Prometheus metrics of the alert pipeline.
type Metrics struct {
	TicksTotal      prometheus.Counter
	BarsTotal       *prometheus.CounterVec // labels: tf
	GapFillBars     prometheus.Counter
	DroppedInputs   *prometheus.CounterVec // labels: reason
	IndicatorsTotal prometheus.Counter
	IndicatorDur    prometheus.Histogram
	RuleEvalDur     prometheus.Histogram
	EventsTotal     *prometheus.CounterVec // labels: kind, severity
	DeliveriesTotal *prometheus.CounterVec // labels: channel, status
	ConsumerTotal   *prometheus.CounterVec // labels: consumer, result
	StoreWriteDur   *prometheus.HistogramVec
	FeedReconnects  prometheus.Counter
	MirrorErrors    prometheus.Counter
	BreakerState    prometheus.Gauge // 0=closed, 1=open, 2=half-open
	LastBarLag      prometheus.Gauge
}

// NewMetrics registers all metrics with the default registry.
func NewMetrics() *Metrics { return New(prometheus.DefaultRegisterer) }

// New registers all metrics with reg.
func New(reg prometheus.Registerer) *Metrics {
	fast := []float64{0.000001, 0.000005, 0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005}
	m := &Metrics{
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alerts_ticks_total",
			Help: "Ticks accepted by the aggregator",
		}),
		BarsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alerts_bars_closed_total",
			Help: "Closed bars by timeframe",
		}, []string{"tf"}),
		GapFillBars: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alerts_gap_fill_bars_total",
			Help: "Carried-forward base bars synthesized for gaps",
		}),
		DroppedInputs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alerts_dropped_inputs_total",
			Help: "Ticks or bars dropped (out_of_order, invalid)",
		}, []string{"reason"}),
		IndicatorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alerts_indicator_values_total",
			Help: "Indicator values computed",
		}),
		IndicatorDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "alerts_indicator_update_duration_seconds",
			Help:    "Indicator engine latency per closed bar",
			Buckets: fast,
		}),
		RuleEvalDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "alerts_rule_eval_duration_seconds",
			Help:    "Rule engine latency per closed bar",
			Buckets: fast,
		}),
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alerts_events_total",
			Help: "Alert events appended to the event log",
		}, []string{"kind", "severity"}),
		DeliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alerts_deliveries_total",
			Help: "Final delivery outcomes per channel",
		}, []string{"channel", "status"}),
		ConsumerTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alerts_consumer_events_total",
			Help: "Events handled by durable consumers (delivered, filtered)",
		}, []string{"consumer", "result"}),
		StoreWriteDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "alerts_sqlite_write_duration_seconds",
			Help:    "SQLite write transaction latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		FeedReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alerts_feed_reconnects_total",
			Help: "Market feed reconnection attempts",
		}),
		MirrorErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alerts_redis_mirror_errors_total",
			Help: "Failed Redis mirror writes",
		}),
		BreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "alerts_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		LastBarLag: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "alerts_bar_lag_seconds",
			Help: "Wall clock minus close time of the last processed bar",
		}),
	}
	reg.MustRegister(
		m.TicksTotal,
		m.BarsTotal,
		m.GapFillBars,
		m.DroppedInputs,
		m.IndicatorsTotal,
		m.IndicatorDur,
		m.RuleEvalDur,
		m.EventsTotal,
		m.DeliveriesTotal,
		m.ConsumerTotal,
		m.StoreWriteDur,
		m.FeedReconnects,
		m.MirrorErrors,
		m.BreakerState,
		m.LastBarLag,
	)
	return m
}

func (m *Metrics) Tick() {
	if m != nil {
		m.TicksTotal.Inc()
	}
}

func (m *Metrics) ClosedBar(b model.Bar) {
	if m == nil {
		return
	}
	m.BarsTotal.WithLabelValues(b.Timeframe.String()).Inc()
	m.LastBarLag.Set(time.Since(b.CloseTime()).Seconds())
}

func (m *Metrics) GapFill(n int) {
	if m != nil {
		m.GapFillBars.Add(float64(n))
	}
}

func (m *Metrics) Dropped(reason string) {
	if m != nil {
		m.DroppedInputs.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) Indicators(n int, d time.Duration) {
	if m != nil {
		m.IndicatorsTotal.Add(float64(n))
		m.IndicatorDur.Observe(d.Seconds())
	}
}

func (m *Metrics) RuleEval(d time.Duration) {
	if m != nil {
		m.RuleEvalDur.Observe(d.Seconds())
	}
}

func (m *Metrics) Events(evs []model.AlertEvent) {
	if m == nil {
		return
	}
	for i := range evs {
		m.EventsTotal.WithLabelValues(evs[i].Kind, string(evs[i].Severity)).Inc()
	}
}

func (m *Metrics) Delivery(channel string, status model.DeliveryStatus, _ int) {
	if m != nil {
		m.DeliveriesTotal.WithLabelValues(channel, string(status)).Inc()
	}
}

func (m *Metrics) Consumed(consumer, result string) {
	if m != nil {
		m.ConsumerTotal.WithLabelValues(consumer, result).Inc()
	}
}

// StoreWrite matches the sqlite Store.OnWrite hook.
func (m *Metrics) StoreWrite(op string, d time.Duration) {
	if m != nil {
		m.StoreWriteDur.WithLabelValues(op).Observe(d.Seconds())
	}
}

func (m *Metrics) FeedReconnect() {
	if m != nil {
		m.FeedReconnects.Inc()
	}
}

func (m *Metrics) MirrorError() {
	if m != nil {
		m.MirrorErrors.Inc()
	}
}

func (m *Metrics) Breaker(state int) {
	if m != nil {
		m.BreakerState.Set(float64(state))
	}
}
