package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/3FT-io/dermascan/pkg/inference"
	"github.com/3FT-io/dermascan/pkg/training"
)

// RetrainRejected labels retrain requests refused because another retrain
// was running.
const RetrainRejected = "rejected"

// Metrics holds the API's prometheus collectors. Each API owns its own
// registry so several instances can coexist in one process.
type Metrics struct {
	registry        *prometheus.Registry
	requestCount    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	predictions     *prometheus.CounterVec
	retrains        *prometheus.CounterVec
	uploads         prometheus.Counter
	modelInfo       *modelInfoCollector
}

// NewMetrics builds the collectors. The model info gauge reports whatever
// snapshot service publishes at scrape time.
func NewMetrics(service *inference.Service) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestCount: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			}, []string{"path", "method", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			}, []string{"path"},
		),
		predictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dermascan_predictions_total",
				Help: "Predictions served, by predicted class",
			}, []string{"class"},
		),
		retrains: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dermascan_retrains_total",
				Help: "Retrain requests, by outcome",
			}, []string{"status"},
		),
		uploads: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "dermascan_uploaded_files_total",
				Help: "Files stored by bulk upload",
			},
		),
		modelInfo: &modelInfoCollector{
			desc: prometheus.NewDesc(
				"dermascan_model_info",
				"Set to 1 for the published model",
				[]string{"model_id", "catalog_version"}, nil,
			),
			service: service,
		},
	}

	m.registry.MustRegister(
		m.requestCount,
		m.requestDuration,
		m.predictions,
		m.retrains,
		m.uploads,
		m.modelInfo,
		prometheus.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RetrainFinished counts every retrain run by outcome.
func (m *Metrics) RetrainFinished(res *training.RetrainResult, err error) {
	status := "error"
	if err == nil {
		status = res.Status
	}
	m.retrains.WithLabelValues(status).Inc()
}

type modelInfoCollector struct {
	desc    *prometheus.Desc
	service *inference.Service
}

func (c *modelInfoCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *modelInfoCollector) Collect(ch chan<- prometheus.Metric) {
	snap := c.service.Current()
	if snap == nil {
		return
	}
	ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, 1,
		snap.ModelID, strconv.Itoa(snap.Catalog.Version))
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// instrument records request metrics and an access log line. Paths are
// labeled by route template to keep label cardinality bounded.
func (api *API) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rec, r)
		duration := time.Since(start)

		path := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				path = tpl
			}
		}

		api.metrics.requestCount.WithLabelValues(path, r.Method, strconv.Itoa(rec.statusCode)).Inc()
		api.metrics.requestDuration.WithLabelValues(path).Observe(duration.Seconds())
		api.logger.Debug("Request served",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.statusCode),
			zap.Duration("elapsed", duration))
	})
}
