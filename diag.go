package teleop

import (
	"time"

	"github.com/jd3nn1s/teleop/buslock"
	"github.com/jd3nn1s/teleop/forwarder"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

// Metrics collects the data plane counters. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	busErrors       *prometheus.CounterVec
	degraded        *prometheus.GaugeVec
	busWait         *prometheus.HistogramVec
	writes          *prometheus.CounterVec
	sends           *prometheus.CounterVec
	sendSeconds     *prometheus.HistogramVec
	commands        *prometheus.CounterVec
	commandsDropped prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		busErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "teleop_bus_errors_total",
			Help: "Reads or writes that failed after exhausting retries.",
		}, []string{"source"}),
		degraded: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "teleop_source_degraded",
			Help: "1 when a source has been marked degraded by a permanent device error.",
		}, []string{"source"}),
		busWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "teleop_bus_wait_seconds",
			Help:    "Time spent waiting for the shared bus.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12),
		}, []string{"tier"}),
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "teleop_actuator_writes_total",
			Help: "Actuator writes by output and result (written, skipped, failed).",
		}, []string{"output", "result"}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "teleop_sends_total",
			Help: "Outbound sends by channel and result.",
		}, []string{"channel", "result"}),
		sendSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "teleop_send_seconds",
			Help:    "Socket write duration per outbound channel.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12),
		}, []string{"channel"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "teleop_commands_total",
			Help: "Inbound commands accepted, by kind.",
		}, []string{"kind"}),
		commandsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "teleop_commands_dropped_total",
			Help: "Inbound command lines that failed to parse.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.busErrors, m.degraded, m.busWait, m.writes,
			m.sends, m.sendSeconds, m.commands, m.commandsDropped)
	}
	return m
}

func (m *Metrics) busError(source string) {
	if m != nil {
		m.busErrors.WithLabelValues(source).Inc()
	}
}

func (m *Metrics) markDegraded(source string) {
	if m != nil {
		m.degraded.WithLabelValues(source).Set(1)
	}
}

func (m *Metrics) busWaited(t buslock.Tier, d time.Duration) {
	if m != nil {
		m.busWait.WithLabelValues(t.String()).Observe(d.Seconds())
	}
}

func (m *Metrics) write(output, result string) {
	if m != nil {
		m.writes.WithLabelValues(output, result).Inc()
	}
}

func (m *Metrics) Sent(channel string, r forwarder.Result, d time.Duration) {
	if m == nil {
		return
	}
	m.sends.WithLabelValues(channel, r.String()).Inc()
	if r == forwarder.Sent {
		m.sendSeconds.WithLabelValues(channel).Observe(d.Seconds())
	}
}

func (m *Metrics) CommandReceived(kind string) {
	if m != nil {
		m.commands.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) CommandDropped() {
	if m != nil {
		m.commandsDropped.Inc()
	}
}

// rateLimited runs at most one call per interval, the first call always runs.
type rateLimited struct {
	s rate.Sometimes
}

func newRateLimited(interval time.Duration) *rateLimited {
	return &rateLimited{s: rate.Sometimes{Interval: interval}}
}

func (r *rateLimited) Do(fn func()) {
	r.s.Do(fn)
}
