package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics owns a private registry so that several runners can coexist in
// one process. A nil *Metrics is valid and records nothing.
type Metrics struct {
	reg *prometheus.Registry

	opportunities  *prometheus.CounterVec
	opportunityBps *prometheus.HistogramVec
	orders         *prometheus.CounterVec
	activeOrders   prometheus.Gauge
	phaseSeconds   *prometheus.HistogramVec
	loopErrors     *prometheus.CounterVec
	portErrors     *prometheus.CounterVec
	breakerTrips   *prometheus.CounterVec
	balance        *prometheus.GaugeVec
	value          prometheus.Gauge
	valueChangePct prometheus.Gauge
}

func New(logger *zap.Logger) *Metrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		opportunities: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spotarb_opportunities_total",
			Help: "Arbitrage opportunities surfaced by strategy and start currency",
		}, []string{"strategy", "currency"}),
		opportunityBps: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "spotarb_opportunity_gain_bps",
			Help:    "Estimated round trip gain of surfaced opportunities",
			Buckets: prometheus.LinearBuckets(0, 10, 20),
		}, []string{"strategy"}),
		orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spotarb_order_transitions_total",
			Help: "Order status transitions",
		}, []string{"status"}),
		activeOrders: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "spotarb_active_orders",
			Help: "Orders currently between pending and a terminal status",
		}),
		phaseSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "spotarb_phase_duration_seconds",
			Help:    "Duration of trading loop phases",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"phase"}),
		loopErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spotarb_loop_errors_total",
			Help: "Trading loop errors by class",
		}, []string{"class"}),
		portErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spotarb_port_errors_total",
			Help: "Exchange port errors by exchange and method",
		}, []string{"exchange", "method"}),
		breakerTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spotarb_breaker_trips_total",
			Help: "Circuit breaker trips",
		}, []string{"circuit"}),
		balance: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "spotarb_balance",
			Help: "Available balance by currency",
		}, []string{"currency"}),
		value: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "spotarb_estimated_value",
			Help: "Estimated value of all balances in the trade currency",
		}),
		valueChangePct: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "spotarb_estimated_value_change_percent",
			Help: "Change of the estimated value since start",
		}),
	}
	toRegister := []prometheus.Collector{
		m.opportunities, m.opportunityBps, m.orders, m.activeOrders, m.phaseSeconds,
		m.loopErrors, m.portErrors, m.breakerTrips, m.balance, m.value, m.valueChangePct,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	}
	for _, c := range toRegister {
		if err := m.reg.Register(c); err != nil {
			logger.Warn("metrics_register_failed", zap.Error(err))
		}
	}
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) Opportunity(strategy, currency string, gainPct float64) {
	if m == nil {
		return
	}
	m.opportunities.WithLabelValues(strategy, currency).Inc()
	m.opportunityBps.WithLabelValues(strategy).Observe(gainPct * 100)
}

func (m *Metrics) OrderStatus(status string, active int) {
	if m == nil {
		return
	}
	m.orders.WithLabelValues(status).Inc()
	m.activeOrders.Set(float64(active))
}

func (m *Metrics) Phase(phase string, d time.Duration) {
	if m == nil {
		return
	}
	m.phaseSeconds.WithLabelValues(phase).Observe(d.Seconds())
}

func (m *Metrics) LoopError(class string) {
	if m == nil {
		return
	}
	m.loopErrors.WithLabelValues(class).Inc()
}

func (m *Metrics) PortError(exchange, method string) {
	if m == nil {
		return
	}
	m.portErrors.WithLabelValues(exchange, method).Inc()
}

func (m *Metrics) BreakerTrip(circuit string) {
	if m == nil {
		return
	}
	m.breakerTrips.WithLabelValues(circuit).Inc()
}

func (m *Metrics) Balance(currency string, v float64) {
	if m == nil {
		return
	}
	m.balance.WithLabelValues(currency).Set(v)
}

func (m *Metrics) Value(v, changePct float64) {
	if m == nil {
		return
	}
	m.value.Set(v)
	m.valueChangePct.Set(changePct)
}
