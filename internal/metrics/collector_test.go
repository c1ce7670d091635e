package relaymetrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	relaymetrics "github.com/sippy-relay/rtprelayd/internal/metrics"
	"github.com/sippy-relay/rtprelayd/internal/relay"
)

func TestNewCollector(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := relaymetrics.NewCollector(reg)

	if c.Sessions == nil {
		t.Error("Sessions is nil")
	}
	if c.SessionsDestroyed == nil {
		t.Error("SessionsDestroyed is nil")
	}
	if c.PacketsForwarded == nil {
		t.Error("PacketsForwarded is nil")
	}
	if c.PacketsDropped == nil {
		t.Error("PacketsDropped is nil")
	}
	if c.CommandsTotal == nil {
		t.Error("CommandsTotal is nil")
	}

	if _, err := reg.Gather(); err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
}

func TestSessionLifecycle(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := relaymetrics.NewCollector(reg)

	c.SessionCreated()
	c.SessionCreated()
	if got := gaugeValue(t, c.Sessions); got != 2 {
		t.Errorf("Sessions = %v, want 2", got)
	}

	c.SessionDestroyed("ttl")
	if got := gaugeValue(t, c.Sessions); got != 1 {
		t.Errorf("Sessions = %v, want 1 after destroy", got)
	}
	if got := counterValue(t, c.SessionsDestroyed, "ttl"); got != 1 {
		t.Errorf("SessionsDestroyed{ttl} = %v, want 1", got)
	}
}

func TestPacketCounters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := relaymetrics.NewCollector(reg)

	c.PacketForwarded(relay.StreamRTP)
	c.PacketForwarded(relay.StreamRTP)
	c.PacketForwarded(relay.StreamRTCP)

	if got := counterValue(t, c.PacketsForwarded, "rtp"); got != 2 {
		t.Errorf("PacketsForwarded{rtp} = %v, want 2", got)
	}
	if got := counterValue(t, c.PacketsForwarded, "rtcp"); got != 1 {
		t.Errorf("PacketsForwarded{rtcp} = %v, want 1", got)
	}

	c.PacketDropped(relay.StreamRTP, "asymmetric-mismatch")
	if got := counterValue(t, c.PacketsDropped, "rtp", "asymmetric-mismatch"); got != 1 {
		t.Errorf("PacketsDropped{rtp,asymmetric-mismatch} = %v, want 1", got)
	}
}

func TestCommandsAndPorts(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := relaymetrics.NewCollector(reg)

	c.CommandProcessed("U", true)
	c.CommandProcessed("U", false)
	c.PortsExhausted()

	if got := counterValue(t, c.CommandsTotal, "U", "true"); got != 1 {
		t.Errorf("CommandsTotal{U,true} = %v, want 1", got)
	}
	if got := counterValue(t, c.CommandsTotal, "U", "false"); got != 1 {
		t.Errorf("CommandsTotal{U,false} = %v, want 1", got)
	}
	if got := counterValueBare(t, c.PortsExhaustedCt); got != 1 {
		t.Errorf("PortsExhaustedCt = %v, want 1", got)
	}
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := g.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}
	return m.GetGauge().GetValue()
}

func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	counter, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues(%v): %v", labels, err)
	}
	m := &dto.Metric{}
	if err := counter.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func counterValueBare(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}
