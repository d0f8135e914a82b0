// Package metrics exposes Prometheus collectors for the case lifecycle and
// the HTTP layer.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/warp/incapacidades/lifecycle"
)

var (
	submissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "incap_submissions_total",
			Help: "Case submissions and resubmissions by result",
		},
		[]string{"result"}, // created, resubmitted, conflict, invalid, concurrency, error
	)

	transitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "incap_transitions_total",
			Help: "Committed reviewer state changes by target state",
		},
		[]string{"to"},
	)

	blockTogglesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "incap_block_toggles_total",
			Help: "Manual block overrides by action",
		},
		[]string{"action"},
	)

	dispatchFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "incap_dispatch_failures_total",
			Help: "Notifier and spreadsheet failures after commit",
		},
		[]string{"collaborator"},
	)

	supersededTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "incap_superseded_total",
			Help: "Incomplete cases deleted after a resubmission was approved",
		},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "incap_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)

func init() {
	prometheus.MustRegister(submissionsTotal)
	prometheus.MustRegister(transitionsTotal)
	prometheus.MustRegister(blockTogglesTotal)
	prometheus.MustRegister(dispatchFailuresTotal)
	prometheus.MustRegister(supersededTotal)
	prometheus.MustRegister(httpRequestDuration)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// =============================================================================
// LIFECYCLE RECORDER
// =============================================================================

// Recorder implements lifecycle.Recorder on the package collectors.
type Recorder struct{}

var _ lifecycle.Recorder = Recorder{}

func NewRecorder() Recorder { return Recorder{} }

func (Recorder) Submission(result string)      { submissionsTotal.WithLabelValues(result).Inc() }
func (Recorder) Transition(to lifecycle.State) { transitionsTotal.WithLabelValues(string(to)).Inc() }
func (Recorder) BlockToggle(action string)     { blockTogglesTotal.WithLabelValues(action).Inc() }
func (Recorder) Superseded(n int)              { supersededTotal.Add(float64(n)) }
func (Recorder) DispatchFailure(c string)      { dispatchFailuresTotal.WithLabelValues(c).Inc() }

// =============================================================================
// HTTP MIDDLEWARE
// =============================================================================

// Middleware observes request duration labelled by chi route pattern, so
// serials in the path do not explode label cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		httpRequestDuration.WithLabelValues(r.Method, route, strconv.Itoa(status)).
			Observe(time.Since(start).Seconds())
	})
}
