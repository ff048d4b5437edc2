package monitoring

import (
	"errors"
	"strings"
	"testing"
	"time"

	"simulcastctl/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusCollector_Packets(t *testing.T) {
	c := NewPrometheusCollector(prometheus.NewRegistry())

	c.ObservePacket(3, true)
	c.ObservePacket(3, true)
	c.ObservePacket(1, false)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.packetsDelivered.WithLabelValues("3")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.packetsDropped.WithLabelValues("1")))
}

func TestPrometheusCollector_StateIsOneHot(t *testing.T) {
	c := NewPrometheusCollector(prometheus.NewRegistry())

	c.ObserveState(domain.StateStreaming)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.sessionState.WithLabelValues("streaming")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.sessionState.WithLabelValues("idle")))

	c.ObserveState(domain.StateTornDown)
	assert.Equal(t, 0.0, testutil.ToFloat64(c.sessionState.WithLabelValues("streaming")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.sessionState.WithLabelValues("torn_down")))
}

func TestPrometheusCollector_RelayPolicy(t *testing.T) {
	c := NewPrometheusCollector(prometheus.NewRegistry())

	c.SetActiveLayers(3)
	c.SetRelayPolicy(domain.RelayOne(2))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.activeLayers))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.relayPolicy.WithLabelValues("one")))

	c.SetRelayPolicy(domain.RelayAll())
	assert.Equal(t, 1, testutil.CollectAndCount(c.relayPolicy))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.relayPolicy.WithLabelValues("all")))
}

func TestPrometheusCollector_Commands(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewPrometheusCollector(reg)

	c.RecordCommand("toggle", nil)
	c.RecordCommand("select", errors.New("bad"))
	c.RecordCommand("end", domain.ErrSessionEnded)

	expected := `
# HELP simulcastctl_commands_total Operator commands processed
# TYPE simulcastctl_commands_total counter
simulcastctl_commands_total{command="end",result="ok"} 1
simulcastctl_commands_total{command="select",result="error"} 1
simulcastctl_commands_total{command="toggle",result="ok"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "simulcastctl_commands_total"))
}

func TestPrometheusCollector_SetupAndTeardown(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewPrometheusCollector(reg)

	c.RecordSetupDuration(20 * time.Millisecond)
	c.RecordTeardown(2, 1)
	c.RecordTeardown(1, 0)

	assert.Equal(t, 1, testutil.CollectAndCount(c.setupDuration))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.teardownFailures))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.unreleasedEngines))
}
