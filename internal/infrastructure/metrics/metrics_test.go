package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordMutation(t *testing.T) {
	m := New()

	m.RecordMutation(OutcomeSynced, false)
	m.RecordMutation(OutcomeSynced, false)
	m.RecordMutation(OutcomeAbandoned, true)

	assert.Equal(t, 2.0, promtest.ToFloat64(m.syncAttempts.WithLabelValues(OutcomeSynced, "false")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.syncAttempts.WithLabelValues(OutcomeAbandoned, "true")))
}

func TestRecordRun(t *testing.T) {
	m := New()

	m.RecordRun("completed", 200*time.Millisecond)
	m.RecordRun("skipped", 0)

	assert.Equal(t, 1.0, promtest.ToFloat64(m.syncRuns.WithLabelValues("completed")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.syncRuns.WithLabelValues("skipped")))
	assert.Equal(t, 1, promtest.CollectAndCount(m.syncRunDuration))
}

func TestBreakerAndQueueGauges(t *testing.T) {
	m := New()

	m.SetQueueDepth(7)
	m.RecordBreakerTransition("remote", "CLOSED", "OPEN", 1)

	assert.Equal(t, 7.0, promtest.ToFloat64(m.queueDepth))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.breakerState.WithLabelValues("remote")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.breakerTransitions.WithLabelValues("remote", "CLOSED", "OPEN")))
}

func TestCacheMetrics(t *testing.T) {
	m := New()

	m.RecordCacheLookup("memory", true)
	m.RecordCacheLookup("disk", false)
	m.RecordCacheEvictions("disk", "capacity", 3)
	m.RecordCacheEvictions("disk", "capacity", 0)
	m.SetCacheEntries("memory", 12)

	assert.Equal(t, 1.0, promtest.ToFloat64(m.cacheLookups.WithLabelValues("memory", "hit")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.cacheLookups.WithLabelValues("disk", "miss")))
	assert.Equal(t, 3.0, promtest.ToFloat64(m.cacheEvictions.WithLabelValues("disk", "capacity")))
	assert.Equal(t, 12.0, promtest.ToFloat64(m.cacheEntries.WithLabelValues("memory")))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordMutation(OutcomeSynced, false)
		m.RecordRun("completed", time.Second)
		m.RecordRequest("PUT", 200, time.Millisecond)
		m.SetQueueDepth(1)
		m.RecordBreakerTransition("remote", "CLOSED", "OPEN", 1)
		m.RecordCacheLookup("memory", true)
		m.RecordCacheEvictions("disk", "ttl", 1)
		m.SetCacheEntries("disk", 1)
	})
}

func TestStatusClass(t *testing.T) {
	assert.Equal(t, "none", statusClass(0))
	assert.Equal(t, "2xx", statusClass(204))
	assert.Equal(t, "4xx", statusClass(409))
	assert.Equal(t, "5xx", statusClass(503))
}

func TestHandler(t *testing.T) {
	m := New()
	m.RecordRequest("PUT", 409, 15*time.Millisecond)
	m.SetQueueDepth(2)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	out := string(body)
	assert.True(t, strings.Contains(out, "taxsync_queue_pending_mutations 2"))
	assert.True(t, strings.Contains(out, `taxsync_remote_request_duration_seconds_count{method="PUT",status_class="4xx"} 1`))
	assert.True(t, strings.Contains(out, "go_goroutines"))
}
