package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/devserve/internal/build"
)

// value returns the counter or gauge value of the series name with the
// given label pair, or -1 when absent.
func value(t *testing.T, reg *prom.Registry, name, label, labelValue string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)

	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if label != "" && !hasLabel(m, label, labelValue) {
				continue
			}
			switch {
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				return float64(m.GetHistogram().GetSampleCount())
			}
		}
	}

	return -1
}

func hasLabel(m *dto.Metric, name, value string) bool {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name && lp.GetValue() == value {
			return true
		}
	}
	return false
}

func TestRecorderBuilds(t *testing.T) {
	r := NewRecorder(nil)
	reg := r.Registry()

	r.ObserveBuild(build.StatusSucceeded, 120*time.Millisecond)
	r.ObserveBuild(build.StatusSucceeded, 80*time.Millisecond)
	r.ObserveBuild(build.StatusFailed, 10*time.Millisecond)
	r.ObserveRerun()

	assert.Equal(t, 2.0, value(t, reg, "devserve_builds_total", "status", "succeeded"))
	assert.Equal(t, 1.0, value(t, reg, "devserve_builds_total", "status", "failed"))
	assert.Equal(t, 3.0, value(t, reg, "devserve_build_duration_seconds", "", ""))
	assert.Equal(t, 1.0, value(t, reg, "devserve_build_reruns_total", "", ""))
}

func TestRecorderBroadcaster(t *testing.T) {
	r := NewRecorder(prom.NewRegistry())
	reg := r.Registry()

	r.SetClients(3)
	r.ObserveBroadcast("reload")
	r.ObserveBroadcast("reload")
	r.ObserveBroadcast("network")
	r.ObserveSendFailure()
	r.SetClients(2)

	assert.Equal(t, 2.0, value(t, reg, "devserve_clients", "", ""))
	assert.Equal(t, 2.0, value(t, reg, "devserve_broadcasts_total", "command", "reload"))
	assert.Equal(t, 1.0, value(t, reg, "devserve_broadcasts_total", "command", "network"))
	assert.Equal(t, 1.0, value(t, reg, "devserve_client_send_failures_total", "", ""))
}

func TestRecorderNetwork(t *testing.T) {
	r := NewRecorder(nil)
	reg := r.Registry()
	assert.Equal(t, 1.0, value(t, reg, "devserve_network_up", "", ""))

	r.ObserveNetwork(false)
	assert.Equal(t, 0.0, value(t, reg, "devserve_network_up", "", ""))

	r.ObserveNetwork(true)
	assert.Equal(t, 1.0, value(t, reg, "devserve_network_up", "", ""))
	assert.Equal(t, 1.0, value(t, reg, "devserve_network_transitions_total", "state", "down"))
	assert.Equal(t, 1.0, value(t, reg, "devserve_network_transitions_total", "state", "up"))
}

func TestRecorderNilSafe(t *testing.T) {
	var r *Recorder
	assert.NotPanics(t, func() {
		r.ObserveBuild(build.StatusFailed, time.Second)
		r.ObserveRerun()
		r.SetClients(1)
		r.ObserveBroadcast("reload")
		r.ObserveSendFailure()
		r.ObserveNetwork(false)
	})
}

func TestRecorderHandler(t *testing.T) {
	r := NewRecorder(nil)
	r.ObserveBroadcast("refresh")

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `devserve_broadcasts_total{command="refresh"} 1`)
}

func TestRecordersDoNotShareRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		NewRecorder(nil)
		NewRecorder(nil)
	})
}
