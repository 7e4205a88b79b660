// Package metrics holds the Prometheus collectors shared by the streaming
// pipeline and the relay.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "askchat"

// Stream counts what happens to records inside the streaming pipeline.
// A nil *Stream is valid and records nothing.
type Stream struct {
	Records   *prometheus.CounterVec
	Drops     *prometheus.CounterVec
	Emissions prometheus.Counter
	Outcomes  *prometheus.CounterVec
}

// NewStream creates the stream collectors and registers them with reg.
func NewStream(reg prometheus.Registerer) *Stream {
	s := &Stream{
		Records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "records_total",
			Help:      "Decoded stream records by kind.",
		}, []string{"kind"}),
		Drops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "dropped_total",
			Help:      "Records discarded by the reconciliation engine, by reason.",
		}, []string{"reason"}),
		Emissions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "emissions_total",
			Help:      "Debounced transcript updates delivered.",
		}),
		Outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "outcomes_total",
			Help:      "Finished streams by outcome.",
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(s.Records, s.Drops, s.Emissions, s.Outcomes)
	}
	return s
}

// Record counts a decoded record of the given kind.
func (s *Stream) Record(kind string) {
	if s == nil {
		return
	}
	s.Records.WithLabelValues(kind).Inc()
}

// Drop counts a discarded record.
func (s *Stream) Drop(reason string) {
	if s == nil {
		return
	}
	s.Drops.WithLabelValues(reason).Inc()
}

// Emit counts a delivered update.
func (s *Stream) Emit() {
	if s == nil {
		return
	}
	s.Emissions.Inc()
}

// Outcome counts a finished stream.
func (s *Stream) Outcome(outcome string) {
	if s == nil {
		return
	}
	s.Outcomes.WithLabelValues(outcome).Inc()
}

// Relay instruments proxied requests. A nil *Relay records nothing.
type Relay struct {
	Requests *prometheus.CounterVec
	Latency  *prometheus.HistogramVec
}

// NewRelay creates the relay collectors and registers them with reg.
func NewRelay(reg prometheus.Registerer) *Relay {
	r := &Relay{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "requests_total",
			Help:      "Relayed requests by method and status.",
		}, []string{"method", "status"}),
		Latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "request_duration_seconds",
			Help:      "Time to relay a request, including streamed bodies.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
	}
	if reg != nil {
		reg.MustRegister(r.Requests, r.Latency)
	}
	return r
}

// Observe records one relayed request.
func (r *Relay) Observe(method string, status int, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.Requests.WithLabelValues(method, strconv.Itoa(status)).Inc()
	r.Latency.WithLabelValues(method).Observe(elapsed.Seconds())
}
