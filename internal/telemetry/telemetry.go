// Package telemetry unifies OpenTelemetry tracing (Google Cloud) and Prometheus metrics.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/impactmap/entity-scraper/internal/config"

	texporter "github.com/GoogleCloudPlatform/opentelemetry-operations-go/exporter/trace"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

// --- CUSTOM METRIC DEFINITIONS ---

var (
	scraperRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_runs_total",
			Help: "Total number of pipeline runs, labeled by site and terminal status.",
		},
		[]string{"site", "status"},
	)

	scraperRunDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scraper_run_duration_seconds",
			Help:    "Histogram of end-to-end pipeline run durations, labeled by site.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"site"},
	)

	scraperFetchedBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_fetched_bytes_total",
			Help: "Total number of page bytes fetched, labeled by site.",
		},
		[]string{"site"},
	)

	scraperPermissionDenialsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_permission_denials_total",
			Help: "Total permission denials, labeled by the failing check.",
		},
		[]string{"check"},
	)

	scraperRateLimitDenialsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_rate_limit_denials_total",
			Help: "Total requests denied by the per-domain rate limiter.",
		},
		[]string{"domain"},
	)

	scraperLLMRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_llm_requests_total",
			Help: "Total model calls, labeled by outcome.",
		},
		[]string{"status"},
	)

	scraperLLMDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scraper_llm_duration_seconds",
			Help:    "Histogram of model call durations.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
		},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)
)

var (
	initOnce  sync.Once
	traceProv *sdktrace.TracerProvider
	meterProv *metric.MeterProvider
	initErr   error
)

// --- INITIALIZATION ---

// InitTelemetry sets up Tracing (Google Cloud) and Metrics (Prometheus Sidecar).
func InitTelemetry(ctx context.Context, cfg *config.Config) (*sdktrace.TracerProvider, *metric.MeterProvider, error) {
	initOnce.Do(func() {
		res, err := resource.New(ctx,
			resource.WithAttributes(
				semconv.ServiceName(cfg.Application.ServiceName),
				semconv.ServiceVersion(cfg.Application.Version),
				semconv.CloudAccountID(cfg.Application.ProjectNumber),
				semconv.CloudRegion(cfg.Application.Region),
				semconv.CloudProviderGCP,
				semconv.CloudPlatformGCPCloudRun,
			),
		)
		if err != nil {
			initErr = fmt.Errorf("failed to create resource: %w", err)
			return
		}

		// Traces export directly to Google Cloud Trace when a project is set;
		// otherwise the provider stays local so tests run without credentials.
		var traceExporter sdktrace.SpanExporter
		if cfg.Application.ProjectID != "" {
			traceExporter, err = texporter.New(texporter.WithProjectID(cfg.Application.ProjectID))
			if err != nil {
				initErr = fmt.Errorf("failed to create google trace exporter: %w", err)
				return
			}
		}

		opts := []sdktrace.TracerProviderOption{
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.AlwaysSample()),
		}
		if traceExporter != nil {
			opts = append(opts, sdktrace.WithBatcher(traceExporter))
		}

		tp := sdktrace.NewTracerProvider(opts...)
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(
			propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}),
		)

		// Bridge OTel metrics onto the same registry promauto uses so every
		// series appears on one /metrics endpoint.
		promExporter, err := otelprom.New(
			otelprom.WithRegisterer(prometheus.DefaultRegisterer),
		)
		if err != nil {
			initErr = fmt.Errorf("failed to create prometheus exporter: %w", err)
			return
		}

		mp := metric.NewMeterProvider(
			metric.WithResource(res),
			metric.WithReader(promExporter),
		)
		otel.SetMeterProvider(mp)
		traceProv = tp
		meterProv = mp
	})
	return traceProv, meterProv, initErr
}

// --- HTTP HANDLER & MIDDLEWARE ---

// Handler returns the standard Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(ww, r)

		routePattern := chi.RouteContext(r.Context()).RoutePattern()
		if routePattern == "" {
			routePattern = "unknown"
		}

		ObserveHTTPRequest(r.Method, routePattern, ww.statusCode, time.Since(start))
	})
}

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}

// --- HELPER FUNCTIONS ---

// SanitizeSite extracts the hostname from a URL.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// ObserveRun records metrics for one pipeline run.
func ObserveRun(site string, status string, duration time.Duration, bytesFetched int) {
	sanitizedSite := SanitizeSite(site)
	scraperRunsTotal.WithLabelValues(sanitizedSite, status).Inc()
	scraperRunDurationSeconds.WithLabelValues(sanitizedSite).Observe(duration.Seconds())
	if bytesFetched > 0 {
		scraperFetchedBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// ObservePermissionDenial records which permission check rejected a URL.
func ObservePermissionDenial(check string) {
	scraperPermissionDenialsTotal.WithLabelValues(check).Inc()
}

// ObserveRateLimitDenial records a request denied by the per-domain limiter.
func ObserveRateLimitDenial(domain string) {
	scraperRateLimitDenialsTotal.WithLabelValues(SanitizeSite(domain)).Inc()
}

// ObserveLLMRequest records the outcome and duration of a model call.
func ObserveLLMRequest(status string, duration time.Duration) {
	scraperLLMRequestsTotal.WithLabelValues(status).Inc()
	scraperLLMDurationSeconds.Observe(duration.Seconds())
}

// ObserveHTTPRequest records metrics for an HTTP request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
