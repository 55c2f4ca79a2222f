// Package metrics exposes devserve's prometheus metrics. Each server owns
// its own registry so tests and multiple servers in one process never
// share collectors.
package metrics

import (
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/conneroisu/devserve/internal/build"
)

const namespace = "devserve"

// Recorder implements the metric hooks of the coordinator, the reload
// broadcaster and the network state.
type Recorder struct {
	registry      *prom.Registry
	builds        *prom.CounterVec
	buildDuration prom.Histogram
	reruns        prom.Counter
	clients       prom.Gauge
	broadcasts    *prom.CounterVec
	sendFailures  prom.Counter
	networkUp     prom.Gauge
	transitions   *prom.CounterVec
}

// NewRecorder registers devserve's collectors on reg, or on a fresh
// registry when reg is nil.
func NewRecorder(reg *prom.Registry) *Recorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}

	r := &Recorder{
		registry: reg,
		builds: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "builds_total",
			Help:      "Finished builds by final status",
		}, []string{"status"}),
		buildDuration: prom.NewHistogram(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "build_duration_seconds",
			Help:      "Duration of a single artifact compile",
			Buckets:   prom.DefBuckets,
		}),
		reruns: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "build_reruns_total",
			Help:      "Changes that arrived while their artifact was already building",
		}),
		clients: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "clients",
			Help:      "Connected live-reload clients",
		}),
		broadcasts: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "broadcasts_total",
			Help:      "Live-reload messages broadcast by command",
		}, []string{"command"}),
		sendFailures: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "client_send_failures_total",
			Help:      "Clients dropped after a failed or timed out send",
		}),
		networkUp: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "network_up",
			Help:      "1 while the origin is considered healthy",
		}),
		transitions: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "network_transitions_total",
			Help:      "Origin health transitions by new state",
		}, []string{"state"}),
	}
	r.networkUp.Set(1)

	reg.MustRegister(r.builds, r.buildDuration, r.reruns, r.clients,
		r.broadcasts, r.sendFailures, r.networkUp, r.transitions)

	return r
}

// Registry returns the registry the collectors live in.
func (r *Recorder) Registry() *prom.Registry {
	return r.registry
}

// Handler serves the registry in the prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func (r *Recorder) ObserveBuild(status build.Status, d time.Duration) {
	if r == nil {
		return
	}
	r.builds.WithLabelValues(status.String()).Inc()
	r.buildDuration.Observe(d.Seconds())
}

func (r *Recorder) ObserveRerun() {
	if r == nil {
		return
	}
	r.reruns.Inc()
}

func (r *Recorder) SetClients(n int) {
	if r == nil {
		return
	}
	r.clients.Set(float64(n))
}

func (r *Recorder) ObserveBroadcast(command string) {
	if r == nil {
		return
	}
	r.broadcasts.WithLabelValues(command).Inc()
}

func (r *Recorder) ObserveSendFailure() {
	if r == nil {
		return
	}
	r.sendFailures.Inc()
}

// ObserveNetwork records a health transition. It has the shape of a
// network.State subscriber.
func (r *Recorder) ObserveNetwork(up bool) {
	if r == nil {
		return
	}
	state := "down"
	value := 0.0
	if up {
		state = "up"
		value = 1
	}
	r.networkUp.Set(value)
	r.transitions.WithLabelValues(state).Inc()
}
