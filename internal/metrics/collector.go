// Package relaymetrics provides the Prometheus-backed implementation of
// relay.StatsSink.
package relaymetrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sippy-relay/rtprelayd/internal/relay"
)

const (
	namespace = "rtprelay"
	subsystem = "relay"
)

const (
	labelKind   = "kind"   // rtp | rtcp
	labelReason = "reason" // drop/destroy reason
	labelOpcode = "opcode" // command-protocol opcode
)

// Collector holds every Prometheus metric rtprelayd exposes and
// implements relay.StatsSink directly, mirroring the teacher's
// bfdmetrics.Collector: one struct of metric vectors, one constructor
// that registers them, and thin increment methods.
type Collector struct {
	Sessions          prometheus.Gauge
	SessionsDestroyed *prometheus.CounterVec
	PacketsForwarded  *prometheus.CounterVec
	PacketsDropped    *prometheus.CounterVec
	CommandsTotal     *prometheus.CounterVec
	PortsExhaustedCt  prometheus.Counter
}

var _ relay.StatsSink = (*Collector)(nil)

// NewCollector creates a Collector and registers its metrics against
// reg. If reg is nil, prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()
	reg.MustRegister(
		c.Sessions,
		c.SessionsDestroyed,
		c.PacketsForwarded,
		c.PacketsDropped,
		c.CommandsTotal,
		c.PortsExhaustedCt,
	)
	return c
}

func newMetrics() *Collector {
	return &Collector{
		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sessions",
			Help:      "Number of currently active relay sessions.",
		}),
		SessionsDestroyed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sessions_destroyed_total",
			Help:      "Total sessions destroyed, labeled by reason (deleted, ttl, delete-all).",
		}, []string{labelReason}),
		PacketsForwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_forwarded_total",
			Help:      "Total packets forwarded between stream-sides, labeled by kind (rtp, rtcp).",
		}, []string{labelKind}),
		PacketsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_dropped_total",
			Help:      "Total packets dropped by the pump, labeled by kind and reason.",
		}, []string{labelKind, labelReason}),
		CommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "commands_total",
			Help:      "Total control-protocol commands processed, labeled by opcode and outcome.",
		}, []string{labelOpcode, "ok"}),
		PortsExhaustedCt: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "ports_exhausted_total",
			Help:      "Total port-pool allocation failures due to exhaustion.",
		}),
	}
}

func kindLabel(k relay.StreamKind) string {
	if k == relay.StreamRTCP {
		return "rtcp"
	}
	return "rtp"
}

// SessionCreated implements relay.StatsSink.
func (c *Collector) SessionCreated() { c.Sessions.Inc() }

// SessionDestroyed implements relay.StatsSink.
func (c *Collector) SessionDestroyed(reason string) {
	c.Sessions.Dec()
	c.SessionsDestroyed.WithLabelValues(reason).Inc()
}

// PacketForwarded implements relay.StatsSink.
func (c *Collector) PacketForwarded(kind relay.StreamKind) {
	c.PacketsForwarded.WithLabelValues(kindLabel(kind)).Inc()
}

// PacketDropped implements relay.StatsSink.
func (c *Collector) PacketDropped(kind relay.StreamKind, reason string) {
	c.PacketsDropped.WithLabelValues(kindLabel(kind), reason).Inc()
}

// CommandProcessed implements relay.StatsSink.
func (c *Collector) CommandProcessed(opcode string, ok bool) {
	okLabel := "true"
	if !ok {
		okLabel = "false"
	}
	c.CommandsTotal.WithLabelValues(opcode, okLabel).Inc()
}

// PortsExhausted implements relay.StatsSink.
func (c *Collector) PortsExhausted() { c.PortsExhaustedCt.Inc() }
