// Package upstream forwards admitted requests to the metered API behind the
// gateway. All forwarded traffic shares one outbound token bucket so the
// gateway as a whole stays inside the provider's quota.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	oteltrace "go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"admission-gateway/internal/config"
	"admission-gateway/internal/logging"
	"admission-gateway/internal/monitoring"
	"admission-gateway/internal/tracing"
)

// Prefix is the path prefix stripped before forwarding.
const Prefix = "/api"

// Forwarder is the handler continuation for admitted requests.
type Forwarder struct {
	target   *url.URL
	apiKey   string
	keyParam string
	limiter  *rate.Limiter
	proxy    *httputil.ReverseProxy

	metrics *monitoring.AdmissionMetrics
	tracer  *tracing.TracingService
	logger  *logging.Logger
}

// New builds a forwarder for cfg. metrics and tracer may be nil.
func New(cfg config.UpstreamConfig, metrics *monitoring.AdmissionMetrics, tracer *tracing.TracingService, logger *logging.Logger) (*Forwarder, error) {
	target, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream base URL: %w", err)
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, fmt.Errorf("upstream base URL must be http or https, got %q", cfg.BaseURL)
	}

	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	f := &Forwarder{
		target:   target,
		apiKey:   cfg.APIKey,
		keyParam: cfg.APIKeyParam,
		limiter:  rate.NewLimiter(limit, burst),
		metrics:  metrics,
		tracer:   tracer,
		logger:   logger.WithField("component", "upstream"),
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.Timeout > 0 {
		transport.ResponseHeaderTimeout = cfg.Timeout
	}

	f.proxy = &httputil.ReverseProxy{
		Rewrite:      f.rewrite,
		Transport:    transport,
		ErrorHandler: f.handleError,
	}
	return f, nil
}

func (f *Forwarder) rewrite(pr *httputil.ProxyRequest) {
	pr.Out.URL.Path = strings.TrimPrefix(pr.In.URL.Path, Prefix)
	pr.Out.URL.RawPath = ""
	pr.SetURL(f.target)
	pr.SetXForwarded()

	query := pr.Out.URL.Query()
	if f.keyParam != "" {
		// Clients never choose the key billed for their traffic.
		query.Del(f.keyParam)
		if f.apiKey != "" {
			query.Set(f.keyParam, f.apiKey)
		}
	}
	pr.Out.URL.RawQuery = query.Encode()
	pr.Out.Host = f.target.Host

	pr.Out.Header.Del("Authorization")
	pr.Out.Header.Del("Cookie")
	logging.PropagateCorrelationID(pr.Out.Context(), pr.Out)
}

// ServeHTTP waits for an outbound token and forwards the request.
func (f *Forwarder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	start := time.Now()
	if err := f.limiter.Wait(ctx); err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return
		}
		f.writeError(w, http.StatusServiceUnavailable, "upstream quota exhausted")
		return
	}
	if f.metrics != nil {
		f.metrics.UpstreamThrottleWait.Observe(time.Since(start).Seconds())
		f.metrics.UpstreamRequests.Inc()
	}

	if f.tracer != nil {
		var span oteltrace.Span
		ctx, span = f.tracer.InstrumentUpstream(ctx, r.Method, f.target.Host)
		defer span.End()
		r = r.WithContext(ctx)
	}

	forwardStart := time.Now()
	f.proxy.ServeHTTP(w, r)
	if f.metrics != nil {
		f.metrics.UpstreamDuration.Observe(time.Since(forwardStart).Seconds())
	}
}

func (f *Forwarder) handleError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	if f.metrics != nil {
		f.metrics.UpstreamErrors.Inc()
	}
	f.logger.WithContext(r.Context()).WithError(err).Warn("Upstream request failed",
		"path", r.URL.Path)

	status := http.StatusBadGateway
	if errors.Is(err, context.DeadlineExceeded) {
		status = http.StatusGatewayTimeout
	}
	f.writeError(w, status, "upstream request failed")
}

type errorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (f *Forwarder) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorResponse{
		Error:   message,
		Code:    status,
		Message: http.StatusText(status),
	})
}
