package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusClass(t *testing.T) {
	assert.Equal(t, "2xx", statusClass(204))
	assert.Equal(t, "4xx", statusClass(429))
	assert.Equal(t, "5xx", statusClass(500))
	assert.Equal(t, "unknown", statusClass(0))
}

func TestRecorders(t *testing.T) {
	before := testutil.ToFloat64(mutationsTotal.WithLabelValues("addEdge", "rejected"))
	RecordMutation("addEdge", false)
	assert.Equal(t, before+1, testutil.ToFloat64(mutationsTotal.WithLabelValues("addEdge", "rejected")))

	SetTeamLoad("alpha", 3)
	assert.Equal(t, 3.0, testutil.ToFloat64(teamLoad.WithLabelValues("alpha")))

	SetQueueLength(4)
	assert.Equal(t, 4.0, testutil.ToFloat64(tasksQueued))

	RecordDispatch("queued")
	RecordTaskCompleted("alpha", "success")
	RecordQueueWait(10 * time.Millisecond)
	RecordParticipantDropped("timeout")
	SetSessionCounts(2, 1)
	RecordHTTPRequest("GET", "/health", 200, time.Millisecond)
}

func TestHandler(t *testing.T) {
	RecordDispatch("assigned")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `flowcollab_dispatch_requests_total{result="assigned"}`))
}
