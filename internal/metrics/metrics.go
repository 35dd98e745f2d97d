// Package metrics provides Prometheus instrumentation for the detection
// pipeline and the HTTP surface.
package metrics

import (
	"database/sql"
	"errors"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tokensentry"

var (
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "API requests by route and status class.",
		},
		[]string{"method", "route", "status"},
	)

	httpLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "request_duration_seconds",
			Help:      "API request latency by route.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"method", "route"},
	)

	BlocksScannedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "blocks_scanned_total",
		Help:      "Total blocks scanned for contract deployments.",
	})

	ScanErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "scan_errors_total",
		Help:      "Blocks skipped because they could not be fetched.",
	})

	LastScannedBlock = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "last_scanned_block",
		Help:      "Number of the most recently scanned block.",
	})

	CandidatesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "creation_candidates_total",
		Help:      "Contract-creation transactions considered.",
	})

	ClassificationMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "classification_misses_total",
		Help:      "Deployed contracts that did not answer the ERC20 probe.",
	})

	CollectionErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "collection_errors_total",
		Help:      "Tokens dropped because metadata collection failed.",
	})

	TokensDetectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tokens_detected_total",
		Help:      "Token contracts detected.",
	})

	AssessmentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assessments_total",
			Help:      "Completed risk assessments by classification.",
		},
		[]string{"classification"},
	)

	AssessmentScore = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "assessment_score",
		Help:      "Distribution of aggregate risk scores.",
		Buckets:   []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
	})

	AssessmentDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "assessment_duration_seconds",
		Help:      "Wall time of a full assessment including all providers.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})

	ProviderDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_duration_seconds",
			Help:      "Signal provider latency by factor.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"factor"},
	)

	ProviderDegradationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_degradations_total",
			Help:      "Signals replaced by the degraded default, by factor.",
		},
		[]string{"factor"},
	)

	// DetectionQueueDepth is the backlog between the scanner and the
	// monitor. At capacity the scanner blocks on emission.
	DetectionQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "detection_queue_depth",
		Help:      "Detections waiting for an assessment slot.",
	})

	AssessmentsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "assessments_in_flight",
		Help:      "Assessments currently running.",
	})

	HighRiskAlertsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "high_risk_alerts_total",
		Help:      "High-risk alerts dispatched.",
	})

	WebhookDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_deliveries_total",
			Help:      "Alert webhook delivery outcomes.",
		},
		[]string{"result"},
	)

	RealtimeClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "realtime_clients",
		Help:      "Connected realtime stream clients.",
	})
)

func init() {
	prometheus.MustRegister(
		httpRequests,
		httpLatency,
		BlocksScannedTotal,
		ScanErrorsTotal,
		LastScannedBlock,
		CandidatesTotal,
		ClassificationMissesTotal,
		CollectionErrorsTotal,
		TokensDetectedTotal,
		AssessmentsTotal,
		AssessmentScore,
		AssessmentDuration,
		ProviderDuration,
		ProviderDegradationsTotal,
		DetectionQueueDepth,
		AssessmentsInFlight,
		HighRiskAlertsTotal,
		WebhookDeliveriesTotal,
		RealtimeClients,
	)
}

// RegisterDB exports the pool statistics of db (open, in-use and idle
// connections, wait counts) under the given name. Goroutine and memory
// gauges come from the default Go collector.
func RegisterDB(db *sql.DB, name string) error {
	err := prometheus.Register(collectors.NewDBStatsCollector(db, name))
	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		return nil
	}
	return err
}

// Middleware records latency and outcome per route pattern. Requests that
// match no route share the "unmatched" label.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		method := c.Request.Method
		httpLatency.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
		httpRequests.WithLabelValues(method, route, statusClass(c.Writer.Status())).Inc()
	}
}

// Handler serves the default registry.
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

func statusClass(code int) string {
	if code < 100 || code > 599 {
		return "other"
	}
	return strconv.Itoa(code/100) + "xx"
}
