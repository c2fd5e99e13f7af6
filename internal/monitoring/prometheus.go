package monitoring

import (
	"fmt"
	"io"
	"math"
	"net/http"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
)

// PrometheusExporter exports metrics in Prometheus format
type PrometheusExporter struct {
	registry  *MetricsRegistry
	metrics   *AdmissionMetrics
	version   string
	startTime time.Time
}

// NewPrometheusExporter creates a new Prometheus exporter
func NewPrometheusExporter(metrics *AdmissionMetrics, version string) *PrometheusExporter {
	return &PrometheusExporter{
		registry:  metrics.GetRegistry(),
		metrics:   metrics,
		version:   version,
		startTime: time.Now(),
	}
}

// ServeHTTP implements the http.Handler interface for Prometheus metrics endpoint
func (pe *PrometheusExporter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	pe.metrics.UpdateSystemMetrics()
	pe.WriteTo(w)
}

// WriteTo renders every series, grouped by metric name.
func (pe *PrometheusExporter) WriteTo(w io.Writer) {
	metrics := pe.registry.GetAllMetrics()

	series := make([]*Metric, 0, len(metrics))
	for _, m := range metrics {
		series = append(series, m)
	}
	sort.Slice(series, func(i, j int) bool {
		if series[i].Name != series[j].Name {
			return series[i].Name < series[j].Name
		}
		return formatLabels(series[i].Labels) < formatLabels(series[j].Labels)
	})

	lastName := ""
	for _, metric := range series {
		if metric.Name != lastName {
			if lastName != "" {
				fmt.Fprintln(w)
			}
			if metric.Help != "" {
				fmt.Fprintf(w, "# HELP %s %s\n", metric.Name, metric.Help)
			}
			fmt.Fprintf(w, "# TYPE %s %s\n", metric.Name, metric.Type)
			lastName = metric.Name
		}

		switch metric.Type {
		case MetricTypeCounter, MetricTypeGauge:
			fmt.Fprintf(w, "%s%s %s\n", metric.Name, formatLabels(metric.Labels), formatValue(metric.Value))
		case MetricTypeHistogram:
			writeHistogram(w, metric)
		}
	}
	if lastName != "" {
		fmt.Fprintln(w)
	}

	pe.writeSystemMetrics(w)
}

func writeHistogram(w io.Writer, metric *Metric) {
	buckets, _ := metric.Additional["buckets"].([]HistogramBucket)
	for _, b := range buckets {
		le := "+Inf"
		if !math.IsInf(b.UpperBound, 1) {
			le = formatValue(b.UpperBound)
		}
		fmt.Fprintf(w, "%s_bucket%s %d\n", metric.Name, formatLabels(addLabel(metric.Labels, "le", le)), b.Count)
	}
	if sum, ok := metric.Additional["sum"].(float64); ok {
		fmt.Fprintf(w, "%s_sum%s %s\n", metric.Name, formatLabels(metric.Labels), formatValue(sum))
	}
	if count, ok := metric.Additional["count"].(int64); ok {
		fmt.Fprintf(w, "%s_count%s %d\n", metric.Name, formatLabels(metric.Labels), count)
	}
}

func (pe *PrometheusExporter) writeSystemMetrics(w io.Writer) {
	fmt.Fprintf(w, "# HELP admission_build_info Build information\n")
	fmt.Fprintf(w, "# TYPE admission_build_info gauge\n")
	fmt.Fprintf(w, "admission_build_info{go_version=%q,version=%q} 1\n\n", runtime.Version(), pe.version)

	fmt.Fprintf(w, "# HELP admission_uptime_seconds Uptime in seconds\n")
	fmt.Fprintf(w, "# TYPE admission_uptime_seconds counter\n")
	fmt.Fprintf(w, "admission_uptime_seconds %s\n", formatValue(time.Since(pe.startTime).Seconds()))
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func formatLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}

	var labelPairs []string
	for key, value := range labels {
		if value != "" {
			labelPairs = append(labelPairs, fmt.Sprintf("%s=\"%s\"", key, escapePrometheusValue(value)))
		}
	}
	if len(labelPairs) == 0 {
		return ""
	}

	sort.Strings(labelPairs)
	return "{" + strings.Join(labelPairs, ",") + "}"
}

func addLabel(labels map[string]string, key, value string) map[string]string {
	result := make(map[string]string, len(labels)+1)
	for k, v := range labels {
		result[k] = v
	}
	result[key] = value
	return result
}

func escapePrometheusValue(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	value = strings.ReplaceAll(value, "\n", "\\n")
	return value
}

// MetricsMiddleware is HTTP middleware that collects request metrics. Paths
// are labelled by their route template to keep cardinality bounded.
func (pe *PrometheusExporter) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &metricsResponseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		pe.metrics.HTTPRequests.Inc()
		pe.metrics.HTTPDuration.Observe(duration.Seconds())
		pe.metrics.HTTPResponseSize.Observe(float64(wrapped.size))

		route := "unmatched"
		if cr := mux.CurrentRoute(r); cr != nil {
			if tpl, err := cr.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		pe.registry.NewCounter(
			"admission_http_requests_by_route_total",
			"HTTP requests by method, route and status",
			map[string]string{
				"method": r.Method,
				"route":  route,
				"status": strconv.Itoa(wrapped.statusCode),
			},
		).Inc()
	})
}

type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode  int
	size        int64
	wroteHeader bool
}

func (mrw *metricsResponseWriter) WriteHeader(code int) {
	if !mrw.wroteHeader {
		mrw.statusCode = code
		mrw.wroteHeader = true
	}
	mrw.ResponseWriter.WriteHeader(code)
}

func (mrw *metricsResponseWriter) Write(data []byte) (int, error) {
	mrw.wroteHeader = true
	size, err := mrw.ResponseWriter.Write(data)
	mrw.size += int64(size)
	return size, err
}

func (mrw *metricsResponseWriter) Flush() {
	if f, ok := mrw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
