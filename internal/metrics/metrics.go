// Package metrics holds the Prometheus collectors of the relay and the consumer.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	outbox "github.com/oagudo/signup-outbox"
	"github.com/oagudo/signup-outbox/consumer"
)

// NewRegistry returns a registry with the Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// Relay counts outbox relay activity.
type Relay struct {
	TicksTotal       prometheus.Counter
	ClaimedTotal     prometheus.Counter
	PublishedTotal   prometheus.Counter
	FailedTotal      prometheus.Counter
	StoreErrorsTotal prometheus.Counter
}

var _ outbox.RelayMetrics = (*Relay)(nil)

func NewRelay(reg prometheus.Registerer) *Relay {
	m := &Relay{
		TicksTotal: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "outbox_relay_ticks_total", Help: "Relay ticks started."},
		),
		ClaimedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "outbox_claimed_total", Help: "Outbox records claimed."},
		),
		PublishedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "outbox_published_total", Help: "Outbox records published and marked sent."},
		),
		FailedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "outbox_failed_total", Help: "Failed outbox publish attempts."},
		),
		StoreErrorsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "outbox_store_errors_total", Help: "Outbox store operations that failed."},
		),
	}
	reg.MustRegister(m.TicksTotal, m.ClaimedTotal, m.PublishedTotal, m.FailedTotal, m.StoreErrorsTotal)
	return m
}

func (m *Relay) Tick()       { m.TicksTotal.Inc() }
func (m *Relay) Claimed()    { m.ClaimedTotal.Inc() }
func (m *Relay) Sent()       { m.PublishedTotal.Inc() }
func (m *Relay) Failed()     { m.FailedTotal.Inc() }
func (m *Relay) StoreError() { m.StoreErrorsTotal.Inc() }

// Consumer counts settled deliveries by outcome.
type Consumer struct {
	DeliveriesTotal *prometheus.CounterVec
}

var _ consumer.Metrics = (*Consumer)(nil)

func NewConsumer(reg prometheus.Registerer) *Consumer {
	m := &Consumer{
		DeliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "consumer_deliveries_total", Help: "Deliveries settled by the event consumer."},
			[]string{"outcome"},
		),
	}
	reg.MustRegister(m.DeliveriesTotal)
	return m
}

func (m *Consumer) Observe(outcome consumer.Outcome) {
	m.DeliveriesTotal.WithLabelValues(string(outcome)).Inc()
}
