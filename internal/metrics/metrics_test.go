package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInit_IsIdempotentAndObserversDoNotPanic(t *testing.T) {
	Init()
	Init()

	ObserveItem("dane_ipc", "stored")
	ObserveItem("dane_ipc", "duplicate")
	ObserveJob("succeeded")
	IncActiveWorkers("high")
	DecActiveWorkers("high")
	ObserveRateLimitDelay("dane_ipc", 250*time.Millisecond)
	ObserveEnrichmentBatch(8)
	ObserveEnrichmentCache(true)
	ObserveEnrichmentCache(false)
	ObserveCacheOp("get_or_set", "hit")
}

func TestHandler_ServesRegisteredCollectors(t *testing.T) {
	Init()
	ObserveJob("failed")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "collector_jobs_total")
}
