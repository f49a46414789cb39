package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dukapos/internal/domain"
)

func TestMiddlewareLabelsByRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/api/v1/sales/split/{reference}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	before := testutil.ToFloat64(httpRequests.WithLabelValues("GET", "/api/v1/sales/split/{reference}", "404"))
	for _, ref := range []string{"SP_1_a", "SP_2_b"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/sales/split/"+ref, nil))
		require.Equal(t, http.StatusNotFound, rec.Code)
	}
	after := testutil.ToFloat64(httpRequests.WithLabelValues("GET", "/api/v1/sales/split/{reference}", "404"))
	assert.Equal(t, 2.0, after-before)
}

func TestRecordFlushOutcomes(t *testing.T) {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	partial := testutil.ToFloat64(flushRuns.WithLabelValues("partial"))
	empty := testutil.ToFloat64(flushRuns.WithLabelValues("empty"))

	RecordFlush(domain.FlushReport{StartedAt: start, FinishedAt: start.Add(time.Second), Considered: 3, Failed: 1}, nil)
	RecordFlush(domain.FlushReport{}, nil)

	assert.Equal(t, partial+1, testutil.ToFloat64(flushRuns.WithLabelValues("partial")))
	assert.Equal(t, empty+1, testutil.ToFloat64(flushRuns.WithLabelValues("empty")))
}

func TestRecordQueueStatsAndReplay(t *testing.T) {
	RecordQueueStats(domain.QueueStats{Pending: 4, Synced: 10, Dead: 1})
	assert.Equal(t, 4.0, testutil.ToFloat64(queueDepth.WithLabelValues("pending")))
	assert.Equal(t, 1.0, testutil.ToFloat64(queueDepth.WithLabelValues("dead")))

	before := testutil.ToFloat64(replayedOps.WithLabelValues("sale", "synced"))
	RecordReplay(domain.EntitySale, "synced", 3)
	RecordReplay(domain.EntitySale, "synced", 0)
	assert.Equal(t, before+3, testutil.ToFloat64(replayedOps.WithLabelValues("sale", "synced")))
}

func TestHandlerServesRegistry(t *testing.T) {
	RecordAbsorbed(domain.EntityInventory, 2)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "dukapos_sync_absorbed_operations_total")
}
