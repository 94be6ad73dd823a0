// Package metrics exposes Prometheus collectors for sessions, graph
// mutations, dispatch and the HTTP surface.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	/* HTTP */
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowcollab_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flowcollab_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	/* Collaboration */
	sessionParticipants = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "flowcollab_session_participants",
			Help: "Number of connected session participants",
		},
	)

	sessionRooms = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "flowcollab_session_workflows_active",
			Help: "Number of workflows with at least one participant",
		},
	)

	participantsDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowcollab_session_participants_dropped_total",
			Help: "Participants removed without an explicit leave",
		},
		[]string{"reason"},
	)

	mutationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowcollab_graph_mutations_total",
			Help: "Graph mutations by kind and outcome",
		},
		[]string{"kind", "result"},
	)

	/* Dispatch */
	dispatchRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowcollab_dispatch_requests_total",
			Help: "Dispatch calls by outcome",
		},
		[]string{"result"},
	)

	tasksCompletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowcollab_tasks_completed_total",
			Help: "Tasks reaching a terminal status",
		},
		[]string{"team", "status"},
	)

	taskQueueWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flowcollab_task_queue_wait_seconds",
			Help:    "Time from dispatch to assignment",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30, 120},
		},
	)

	tasksQueued = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "flowcollab_tasks_queued",
			Help: "Tasks waiting for a free team slot",
		},
	)

	teamLoad = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flowcollab_team_load",
			Help: "Current load of a worker team",
		},
		[]string{"team"},
	)
)

// RecordHTTPRequest records one served request.
func RecordHTTPRequest(method, endpoint string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, endpoint, statusClass(status)).Inc()
	httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

func statusClass(status int) string {
	if status < 100 || status > 599 {
		return "unknown"
	}
	return strconv.Itoa(status/100) + "xx"
}

// SetSessionCounts sets the participant and active workflow gauges.
func SetSessionCounts(participants, workflows int) {
	sessionParticipants.Set(float64(participants))
	sessionRooms.Set(float64(workflows))
}

// RecordParticipantDropped counts a participant removed for reason
// (timeout, send_failed).
func RecordParticipantDropped(reason string) {
	participantsDroppedTotal.WithLabelValues(reason).Inc()
}

// RecordMutation counts a mutation with result applied|rejected.
func RecordMutation(kind string, accepted bool) {
	result := "applied"
	if !accepted {
		result = "rejected"
	}
	mutationsTotal.WithLabelValues(kind, result).Inc()
}

// RecordDispatch counts a dispatch call outcome: assigned, queued,
// rate_limited, no_capable_worker, invalid.
func RecordDispatch(result string) {
	dispatchRequestsTotal.WithLabelValues(result).Inc()
}

// RecordTaskCompleted counts a terminal task.
func RecordTaskCompleted(team, status string) {
	tasksCompletedTotal.WithLabelValues(team, status).Inc()
}

// RecordQueueWait observes how long a task waited for assignment.
func RecordQueueWait(d time.Duration) {
	taskQueueWait.Observe(d.Seconds())
}

// SetQueueLength sets the queued task gauge.
func SetQueueLength(n int) {
	tasksQueued.Set(float64(n))
}

// SetTeamLoad sets the load gauge of team.
func SetTeamLoad(team string, load int) {
	teamLoad.WithLabelValues(team).Set(float64(load))
}

// DeleteTeam removes the load series of a deregistered team.
func DeleteTeam(team string) {
	teamLoad.DeleteLabelValues(team)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
