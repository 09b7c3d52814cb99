// Package metrics provides Prometheus metrics for the partage server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "partage"

var (
	// HTTP
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "http", Name: "requests_total",
		Help: "HTTP requests by method, route pattern and status.",
	}, []string{"method", "route", "status"})

	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
		Help:    "HTTP request latency by route pattern.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})

	// Locks
	lockWait = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "lock", Name: "wait_duration_seconds",
		Help:    "Time between a lock request and its grant.",
		Buckets: []float64{.0001, .001, .01, .05, .1, .5, 1, 5, 30},
	}, []string{"mode"})

	lockTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "lock", Name: "timeouts_total",
		Help: "Lock requests abandoned after their timeout.",
	})

	namedLocks = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "named_locks",
		Help: "Live entries in the named lock registry.",
	})

	// Coordinated actions
	ctlExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "ctl", Name: "executions_total",
		Help: "Runs of a coordinated action.",
	}, []string{"action"})

	ctlJoined = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "ctl", Name: "joined_total",
		Help: "Calls answered by a run another caller started.",
	}, []string{"action"})

	// Registry
	resourcesLive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "resources_live",
		Help: "Referenced resources across all folders.",
	})

	foldersRegistered = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "folders_registered",
		Help: "Shared folders known to the manager.",
	})

	// Trash
	trashOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "trash", Name: "operations_total",
		Help: "Trash operations by kind and outcome.",
	}, []string{"operation", "status"})

	restores = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "trash", Name: "restore_outcomes_total",
		Help: "Restore pipeline results by last state reached.",
	}, []string{"state", "status"})

	// Event stream
	sseActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "sse", Name: "connections_active",
		Help: "Open event stream subscriptions.",
	})

	sseEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "sse", Name: "events_total",
		Help: "Events published by type.",
	}, []string{"type"})

	permissionChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "permission_checks_total",
		Help: "Folder access checks by result.",
	}, []string{"result"})
)

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}

// Handler serves the default registry.
func Handler() http.Handler { return promhttp.Handler() }

// RecordHTTPRequest counts a served request. route is the matched mux
// pattern, or "unmatched".
func RecordHTTPRequest(method, route string, status int, d time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpDuration.WithLabelValues(route).Observe(d.Seconds())
}

func RecordLockWait(exclusive bool, d time.Duration) {
	mode := "shared"
	if exclusive {
		mode = "exclusive"
	}
	lockWait.WithLabelValues(mode).Observe(d.Seconds())
}

func RecordLockTimeout()  { lockTimeouts.Inc() }
func SetNamedLocks(n int) { namedLocks.Set(float64(n)) }

func RecordCtlExecution(action string) { ctlExecutions.WithLabelValues(action).Inc() }
func RecordCtlJoined(action string)    { ctlJoined.WithLabelValues(action).Inc() }

func AddResourcesLive(delta int) { resourcesLive.Add(float64(delta)) }
func SetFoldersRegistered(n int) { foldersRegistered.Set(float64(n)) }

func RecordTrashOperation(operation string, success bool) {
	trashOps.WithLabelValues(operation, outcome(success)).Inc()
}

// RecordRestore counts a finished restore by the last pipeline state.
func RecordRestore(state string, success bool) {
	restores.WithLabelValues(state, outcome(success)).Inc()
}

func SetSSEConnectionsActive(n int64) { sseActive.Set(float64(n)) }
func RecordSSEEvent(eventType string) { sseEvents.WithLabelValues(eventType).Inc() }

func RecordPermissionCheck(allowed bool) {
	result := "allowed"
	if !allowed {
		result = "denied"
	}
	permissionChecks.WithLabelValues(result).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *statusRecorder) Unwrap() http.ResponseWriter { return rw.ResponseWriter }

// Middleware records request counts and latency. It must be handed the
// same request the routing mux matches so r.Pattern is set afterwards.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		RecordHTTPRequest(r.Method, r.Pattern, rec.status, time.Since(start))
	})
}
