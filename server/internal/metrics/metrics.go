package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nestlog/nestlog/server/internal/nudge"
)

const namespace = "nestlog"

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, partitioned by method and status code.",
		},
		[]string{"method", "status"},
	)

	nudgesCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nudges_created_total",
			Help:      "Nudge jobs created by threshold evaluation, partitioned by channel.",
		},
		[]string{"channel"},
	)

	nudgeOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nudge_outcomes_total",
			Help:      "Processed nudge jobs, partitioned by channel and stored status.",
		},
		[]string{"channel", "status"},
	)

	nudgeProcessSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "nudge_process_seconds",
			Help:      "Time to gate, send and persist one nudge job.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"channel"},
	)

	samplesIngestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_ingested_total",
			Help:      "Metric samples accepted for evaluation, partitioned by transport.",
		},
		[]string{"transport"},
	)
)

// Register attaches the collectors to reg. Collectors already registered are
// skipped so Register may be called more than once.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		httpRequestsTotal,
		nudgesCreatedTotal,
		nudgeOutcomesTotal,
		nudgeProcessSeconds,
		samplesIngestedTotal,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// RegisterQueueDepth exposes depth as the nestlog_queue_depth gauge.
func RegisterQueueDepth(reg prometheus.Registerer, depth func() int) error {
	g := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Nudge jobs waiting in the dispatch queue.",
	}, func() float64 { return float64(depth()) })
	if err := reg.Register(g); err != nil {
		if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return nil
		}
		return err
	}
	return nil
}

// ObserveJob counts a created job.
func ObserveJob(job nudge.Job) {
	nudgesCreatedTotal.WithLabelValues(string(job.Channel)).Inc()
}

// ObserveOutcome records a processed job and its processing time.
func ObserveOutcome(o nudge.Outcome, d time.Duration) {
	ch := string(o.Job.Channel)
	nudgeOutcomesTotal.WithLabelValues(ch, string(o.Status)).Inc()
	if d < 0 {
		d = 0
	}
	nudgeProcessSeconds.WithLabelValues(ch).Observe(d.Seconds())
}

// ObserveSamples counts n accepted samples received over transport.
func ObserveSamples(transport string, n int) {
	samplesIngestedTotal.WithLabelValues(transport).Add(float64(n))
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Middleware counts every request handled by next in http_requests_total.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		httpRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

// Hijack passes websocket upgrades through to the underlying connection.
// A hijacked request is counted as 101.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	if !r.wroteHeader {
		r.status = http.StatusSwitchingProtocols
		r.wroteHeader = true
	}
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }
