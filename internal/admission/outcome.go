package admission

import (
	"errors"
	"net/http"
	"time"
)

// StatusClientClosedRequest is reported for requests whose caller went away
// while queued. Nothing is written to the connection in that case.
const StatusClientClosedRequest = 499

// Reason is the terminal state of an admission attempt.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonBlacklisted
	ReasonQueueFull
	ReasonGlobalQueueFull
	ReasonMaxRetries
	ReasonTimeout
	ReasonCircuitOpen
	ReasonShed
	ReasonShuttingDown
	ReasonCanceled

	numReasons
)

var (
	ErrBlacklisted     = errors.New("access denied: client is blacklisted")
	ErrQueueFull       = errors.New("too many requests: client queue is full")
	ErrGlobalQueueFull = errors.New("too many requests: server queue is full")
	ErrMaxRetries      = errors.New("too many requests: max retries exceeded")
	ErrQueueTimeout    = errors.New("request timed out while queued")
	ErrCircuitOpen     = errors.New("service unavailable: queue circuit breaker tripped")
	ErrShed            = errors.New("service unavailable: shedding load under memory pressure")
	ErrShuttingDown    = errors.New("service unavailable: shutting down")
	ErrCanceled        = errors.New("client closed request while queued")
)

var reasonInfo = [numReasons]struct {
	name   string
	status int
	err    error
}{
	ReasonNone:            {"none", http.StatusOK, nil},
	ReasonBlacklisted:     {"blacklisted", http.StatusForbidden, ErrBlacklisted},
	ReasonQueueFull:       {"queue_full", http.StatusTooManyRequests, ErrQueueFull},
	ReasonGlobalQueueFull: {"global_queue_full", http.StatusTooManyRequests, ErrGlobalQueueFull},
	ReasonMaxRetries:      {"max_retries", http.StatusTooManyRequests, ErrMaxRetries},
	ReasonTimeout:         {"timeout", http.StatusRequestTimeout, ErrQueueTimeout},
	ReasonCircuitOpen:     {"circuit_open", http.StatusServiceUnavailable, ErrCircuitOpen},
	ReasonShed:            {"shed", http.StatusServiceUnavailable, ErrShed},
	ReasonShuttingDown:    {"shutting_down", http.StatusServiceUnavailable, ErrShuttingDown},
	ReasonCanceled:        {"canceled", StatusClientClosedRequest, ErrCanceled},
}

func (r Reason) String() string {
	if r < 0 || r >= numReasons {
		return "unknown"
	}
	return reasonInfo[r].name
}

// Outcome is the single terminal result of an admission attempt.
type Outcome struct {
	Reason   Reason
	Identity string

	// Unthrottled is set when no public identity could be resolved and
	// admission control was skipped.
	Unthrottled bool
	Queued      bool
	QueueWait   time.Duration
	Retries     int
}

// Allowed reports whether the request may proceed to the handler.
func (o Outcome) Allowed() bool {
	return o.Reason == ReasonNone
}

// Err returns the sentinel error for a rejection, or nil.
func (o Outcome) Err() error {
	if o.Reason < 0 || o.Reason >= numReasons {
		return errors.New("unknown admission outcome")
	}
	return reasonInfo[o.Reason].err
}

// StatusCode is the HTTP status a rejection maps to.
func (o Outcome) StatusCode() int {
	if o.Reason < 0 || o.Reason >= numReasons {
		return http.StatusInternalServerError
	}
	return reasonInfo[o.Reason].status
}

// Message is the human readable rejection message.
func (o Outcome) Message() string {
	if err := o.Err(); err != nil {
		return err.Error()
	}
	return ""
}

// RejectionReasons lists every reason other than ReasonNone.
func RejectionReasons() []Reason {
	out := make([]Reason, 0, numReasons-1)
	for r := ReasonNone + 1; r < numReasons; r++ {
		out = append(out, r)
	}
	return out
}
