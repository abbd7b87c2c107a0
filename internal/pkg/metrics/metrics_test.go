package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveRequest(t *testing.T) {
	m := New()
	m.ObserveRequest(http.MethodPost, "/api/rag/query", 200, 20*time.Millisecond)
	m.ObserveRequest(http.MethodPost, "/api/rag/query", 200, 30*time.Millisecond)
	m.ObserveRequest(http.MethodDelete, "/api/rag/documents/:id", 404, time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.requests.WithLabelValues("POST", "/api/rag/query", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("DELETE", "/api/rag/documents/:id", "404")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.latency))
}

func TestIngestCounters(t *testing.T) {
	m := New()
	m.IngestFinished("completed")
	m.IngestFinished("failed")
	m.IngestFinished("completed")
	m.ObserveIngest("completed", time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ingestOutcomes.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ingestOutcomes.WithLabelValues("failed")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.ingestLatency))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveRequest("GET", "/healthz", 200, time.Millisecond)
		m.IngestFinished("failed")
		m.ObserveIngest("failed", time.Millisecond)
	})
}

func TestHandlerExposesTextFormat(t *testing.T) {
	m := New()
	m.IngestFinished("completed")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `ragdesk_ingest_documents_total{status="completed"} 1`), body)
	assert.Contains(t, body, "go_goroutines")
}
