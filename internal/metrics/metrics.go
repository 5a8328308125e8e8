// Package metrics registers the Prometheus collectors of the fulfillment service.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tts"

// Candidate attempt results.
const (
	AttemptSkipped      = "skipped"
	AttemptReserveLost  = "reserve_lost"
	AttemptPoolError    = "pool_error"
	AttemptFailed       = "failed"
	AttemptGenerated    = "generated"
	AttemptBreakerOpen  = "breaker_open"
	LedgerWritten       = "written"
	LedgerDeadLettered  = "dead_lettered"
	LedgerDropped       = "dropped"
	KeyCheckUpdated     = "updated"
	KeyCheckUnsupported = "unsupported"
	KeyCheckFailed      = "failed"
)

var (
	// Fulfillment metrics
	FulfillmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fulfillments_total",
			Help:      "Fulfillment attempts by outcome and failure kind",
		},
		[]string{"outcome", "kind"},
	)

	FulfillmentDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fulfillment_duration_seconds",
			Help:      "Wall-clock duration of whole fulfillment attempts",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 80},
		},
		[]string{"outcome"},
	)

	FulfilledCharacters = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fulfilled_characters_total",
			Help:      "Characters charged to credentials by successful fulfillments",
		},
	)

	CandidateAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "candidate_attempts_total",
			Help:      "Per-credential attempts inside the failover loop by result",
		},
		[]string{"result"},
	)

	// Provider metrics
	GenerationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_duration_seconds",
			Help:      "Duration of speech API calls by provider and status",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40},
		},
		[]string{"provider", "status"},
	)

	UploadDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upload_duration_seconds",
			Help:      "Duration of object store uploads by status",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"status"},
	)

	UploadBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_bytes_total",
			Help:      "Audio bytes written to the object store",
		},
	)

	// Ledger metrics
	LedgerWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_writes_total",
			Help:      "Ledger records by write result",
		},
		[]string{"result"},
	)

	LedgerQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ledger_queue_depth",
			Help:      "Records waiting in the asynchronous ledger queue",
		},
	)

	// Circuit breaker metrics
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Circuit breaker state per credential (0=closed, 1=half-open, 2=open)",
		},
		[]string{"credential"},
	)

	BreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_transitions_total",
			Help:      "Circuit breaker state transitions",
		},
		[]string{"credential", "from", "to"},
	)

	// Key check metrics
	KeyChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "key_checks_total",
			Help:      "Provider usage checks by result",
		},
		[]string{"result"},
	)

	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status code",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method and route",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

// RecordFulfillment records the outcome of a whole fulfillment attempt.
func RecordFulfillment(outcome, kind string, duration time.Duration, characters int64) {
	if kind == "" {
		kind = "none"
	}

	FulfillmentsTotal.WithLabelValues(outcome, kind).Inc()
	FulfillmentDuration.WithLabelValues(outcome).Observe(duration.Seconds())

	if characters > 0 {
		FulfilledCharacters.Add(float64(characters))
	}
}

// RecordAttempt counts one candidate attempt.
func RecordAttempt(result string) {
	CandidateAttempts.WithLabelValues(result).Inc()
}

// RecordGeneration records one speech API call.
func RecordGeneration(provider string, duration time.Duration, err error) {
	GenerationDuration.WithLabelValues(provider, statusLabel(err)).Observe(duration.Seconds())
}

// RecordUpload records one object store upload.
func RecordUpload(size int, duration time.Duration, err error) {
	UploadDuration.WithLabelValues(statusLabel(err)).Observe(duration.Seconds())

	if err == nil {
		UploadBytes.Add(float64(size))
	}
}

// RecordLedgerWrite counts a ledger record by what happened to it.
func RecordLedgerWrite(result string) {
	LedgerWrites.WithLabelValues(result).Inc()
}

// RecordKeyCheck counts one provider usage check.
func RecordKeyCheck(result string) {
	KeyChecks.WithLabelValues(result).Inc()
}

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	HTTPRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}

	return "ok"
}
