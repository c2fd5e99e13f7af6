package api

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"admission-gateway/internal/admission"
	"admission-gateway/internal/logging"

	oteltrace "go.opentelemetry.io/otel/trace"
)

// Rate limit response headers.
const (
	HeaderLimit          = "X-RateLimit-Limit"
	HeaderRemaining      = "X-RateLimit-Remaining"
	HeaderDailyRemaining = "X-RateLimit-Daily-Remaining"
	HeaderRetryAfter     = "Retry-After"
)

// AdmissionMiddleware runs every request through the scheduler and only
// calls next once it is admitted. Rejections are written as JSON errors; a
// caller that went away while queued gets nothing written.
func (h *RESTHandler) AdmissionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var span oteltrace.Span
		if h.opts.Tracer != nil {
			ctx, span = h.opts.Tracer.InstrumentAdmission(ctx, r.Method, r.URL.Path)
			defer span.End()
			r = r.WithContext(ctx)
		}

		ticket := h.scheduler.Admit(ctx, admission.FromHTTP(r))
		outcome := ticket.Wait(ctx)

		if h.opts.Metrics != nil {
			h.opts.Metrics.ObserveDecision(outcome)
		}
		if span != nil {
			h.opts.Tracer.RecordOutcome(span, outcome)
		}

		if outcome.Identity != "" {
			ctx = logging.WithIdentity(ctx, outcome.Identity)
			r = r.WithContext(ctx)
			h.setLimitHeaders(w, outcome.Identity)
		}

		if outcome.Allowed() {
			next.ServeHTTP(w, r)
			return
		}

		if outcome.Reason == admission.ReasonCanceled {
			return
		}

		status := outcome.StatusCode()
		if status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable {
			w.Header().Set(HeaderRetryAfter, h.retryAfter(outcome))
		}
		h.writeErrorResponse(w, status, outcome.Message())
	})
}

func (h *RESTHandler) setLimitHeaders(w http.ResponseWriter, id string) {
	info, err := h.scheduler.LimitInfo(id)
	if err != nil {
		return
	}
	w.Header().Set(HeaderLimit, strconv.Itoa(info.WindowLimit))
	w.Header().Set(HeaderRemaining, strconv.Itoa(info.WindowRemaining))
	w.Header().Set(HeaderDailyRemaining, strconv.Itoa(info.DailyRemaining))
}

// retryAfter is the time until the identity's short window resets, or the
// full window when the identity is not tracked, in whole seconds.
func (h *RESTHandler) retryAfter(o admission.Outcome) string {
	wait := time.Second
	if o.Identity != "" {
		if info, err := h.scheduler.LimitInfo(o.Identity); err == nil && info.WindowResetsIn > 0 {
			wait = info.WindowResetsIn
		}
	}
	return strconv.Itoa(int(math.Ceil(wait.Seconds())))
}
