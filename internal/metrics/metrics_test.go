package metrics_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fnrunner/internal/metrics"
)

func TestCollector(t *testing.T) {
	c := metrics.NewCollector()
	c.RecordExecution("trigger", "completed", time.Second)
	c.RecordTriggerFired()
	c.RecordTriggerFired()
	c.RecordPrep(true, 0)
	c.RecordStreamDropped(3)

	families, err := c.Registry().Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["fnrunner_executions_total"])
	assert.True(t, names["fnrunner_prep_total"])

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "fnrunner_triggers_fired_total 2")
	assert.Contains(t, rec.Body.String(), "fnrunner_stream_dropped_records_total 3")
}

func TestCollector_Nil(t *testing.T) {
	var c *metrics.Collector
	assert.NotPanics(t, func() {
		c.RecordExecution("http", "crashed", time.Second)
		c.SetLane("1", 1, 2)
		c.RecordRejected("capacity")
		c.RecordRetry()
		c.RunnerBusy(1)
	})
}
