package metric

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRulesMetricsRecord(t *testing.T) {
	r := NewRegistry()
	m := NewRulesMetrics(r)

	m.ObserveFire("realm:acme", 25*time.Millisecond, 3, 42)
	m.SetDeploymentStatus("realm:acme", "DEPLOYED", 2)
	m.GeofenceBatch()
	m.SetEngineCount(5)

	families, err := r.Gatherer().Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["rules_engine_facts"])
	assert.True(t, names["rules_engine_fire_duration_seconds"])
	assert.True(t, names["rules_engine_rules_triggered_total"])
	assert.True(t, names["rules_engine_deployments"])
	assert.True(t, names["rules_geofence_batches_total"])
	assert.True(t, names["rules_engines"])
	assert.True(t, names["go_goroutines"], "runtime collector present")
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *RulesMetrics
	m.ObserveFire("x", time.Second, 1, 1)
	m.SetDeploymentStatus("x", "READY", 1)
	m.DropScope("x")
	m.GeofenceBatch()
	m.SetEngineCount(0)
}

func TestHandlerServesMetrics(t *testing.T) {
	r := NewRegistry()
	NewRulesMetrics(r)

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)
}
