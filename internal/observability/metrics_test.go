package observability

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsExposition(t *testing.T) {
	m := NewMetrics()
	m.EventsPublished.Inc()
	m.WorkflowsTotal.WithLabelValues("completed").Inc()
	m.ToolObserver()("read_file", true, 12*time.Millisecond)
	m.ToolObserver()("run_tests", false, 3*time.Second)
	m.ObserveHTTP("/workflow/execute", 200, 80*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	text := string(body)
	assert.Contains(t, text, "maestro_events_published_total 1")
	assert.Contains(t, text, `maestro_workflows_total{outcome="completed"} 1`)
	assert.Contains(t, text, `maestro_tool_executions_total{outcome="ok",tool="read_file"} 1`)
	assert.Contains(t, text, `maestro_tool_executions_total{outcome="error",tool="run_tests"} 1`)
	assert.Contains(t, text, `maestro_http_requests_total{code="2xx",route="/workflow/execute"} 1`)
}

func TestMetricsInstancesAreIndependent(t *testing.T) {
	a := NewMetrics()
	b := NewMetrics()
	a.EventsPublished.Inc()

	rec := httptest.NewRecorder()
	b.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "maestro_events_published_total 0")
}

func TestSetupTracing(t *testing.T) {
	shutdown, err := SetupTracing("", "test")
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))

	_, err = SetupTracing("jaeger", "test")
	assert.Error(t, err)
}
