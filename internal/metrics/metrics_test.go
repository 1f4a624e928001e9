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

func TestCollector_Observe(t *testing.T) {
	c, err := NewCollector()
	require.NoError(t, err)

	c.ObserveBatch("completed", 343, 512)
	c.ObserveBatch("discarded", 10, 0)
	c.ObserveDilation(5, 2)
	c.ObservePhase("placement", 20*time.Millisecond)
	c.ObserveJob("completed")

	assert.Equal(t, float64(1), testutil.ToFloat64(c.batches.WithLabelValues("completed")))
	assert.Equal(t, float64(512), testutil.ToFloat64(c.probesBaked))
	assert.Equal(t, float64(5), testutil.ToFloat64(c.dilatedProbes.WithLabelValues("repaired")))
	assert.Equal(t, float64(2), testutil.ToFloat64(c.dilatedProbes.WithLabelValues("isolated")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.jobs.WithLabelValues("completed")))
}

func TestCollector_Handler(t *testing.T) {
	c, err := NewCollector()
	require.NoError(t, err)
	c.ObserveBatch("completed", 64, 64)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "probebake_batches_total"))
}

func TestCollector_NilSafe(t *testing.T) {
	var c *Collector
	c.ObserveBatch("completed", 1, 1)
	c.ObserveDilation(1, 1)
	c.ObservePhase("bake", time.Second)
	c.ObserveJob("failed")
	assert.Nil(t, c.Registry())
}
