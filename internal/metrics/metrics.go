// Package metrics exposes the cart server's Prometheus collectors. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cartsync"

type Metrics struct {
	Scans     *prometheus.CounterVec
	Readings  *prometheus.CounterVec
	Checkouts *prometheus.CounterVec
	Sessions  prometheus.Gauge
	Clients   prometheus.Gauge
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Scans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scans_total",
			Help:      "Barcode scans by outcome.",
		}, []string{"result"}),
		Readings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "weight_readings_total",
			Help:      "Weight readings by kind and outcome.",
		}, []string{"kind", "result"}),
		Checkouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkouts_total",
			Help:      "Checkout transitions by step.",
		}, []string{"step"}),
		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Cart sessions currently held in memory.",
		}),
		Clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "socket_clients",
			Help:      "Connected socket clients.",
		}),
	}
	reg.MustRegister(m.Scans, m.Readings, m.Checkouts, m.Sessions, m.Clients)
	return m
}

func (m *Metrics) Scan(result string) {
	if m == nil {
		return
	}
	m.Scans.WithLabelValues(result).Inc()
}

func (m *Metrics) Reading(kind, result string) {
	if m == nil {
		return
	}
	m.Readings.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) Checkout(step string) {
	if m == nil {
		return
	}
	m.Checkouts.WithLabelValues(step).Inc()
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.Sessions.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.Sessions.Dec()
}

func (m *Metrics) ClientConnected() {
	if m == nil {
		return
	}
	m.Clients.Inc()
}

func (m *Metrics) ClientDisconnected() {
	if m == nil {
		return
	}
	m.Clients.Dec()
}

// Handler serves the collectors of the given gatherer.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
