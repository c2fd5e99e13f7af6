package admission

import (
	"context"
	"errors"
	"fmt"

	"admission-gateway/internal/blacklist"
	"admission-gateway/internal/identity"
	"admission-gateway/internal/logging"
	"admission-gateway/internal/tracker"
)

// ErrInvalidIdentity is returned when a signal names something that is not a
// public client address.
var ErrInvalidIdentity = errors.New("identity is not a public IP address")

// ErrInvalidScore is returned for bot scores outside 0..100.
var ErrInvalidScore = errors.New("bot score must be between 0 and 100")

// SignalSink receives reports from the bot detection subsystem and operator
// commands. Both the REST and the gRPC surface deliver into it.
type SignalSink interface {
	ReportBotScore(ctx context.Context, id string, score float64, flags []string) error
	AutoDisable(ctx context.Context, id, reason string) error
	Unblock(ctx context.Context, id string) (bool, error)
}

var _ SignalSink = (*Scheduler)(nil)

// ReportBotScore merges an externally computed suspicion score into id's
// record. It only changes future admission decisions.
func (s *Scheduler) ReportBotScore(ctx context.Context, id string, score float64, flags []string) error {
	canonical, ok := identity.Validate(id)
	if !ok {
		return fmt.Errorf("%w: %q", ErrInvalidIdentity, id)
	}
	if score < 0 || score > tracker.MaxScore {
		return fmt.Errorf("%w: %v", ErrInvalidScore, score)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.tracker.UpdateBotScore(canonical, score, flags)
	rec, _ := s.tracker.Peek(canonical)

	s.logger.AdmissionEvent(ctx, logging.EventBotScore, canonical, map[string]interface{}{
		"reported_score":    score,
		"bot_score":         rec.BotScore,
		"is_suspicious_bot": rec.IsSuspiciousBot,
		"flags":             flags,
	})
	return nil
}

// AutoDisable blacklists id immediately, bypassing violation counting, and
// fails everything it has queued with 403.
func (s *Scheduler) AutoDisable(ctx context.Context, id, reason string) error {
	canonical, ok := identity.Validate(id)
	if !ok {
		return fmt.Errorf("%w: %q", ErrInvalidIdentity, id)
	}
	if reason == "" {
		reason = blacklist.ReasonAutoDisable
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.blacklistLocked(ctx, canonical, reason, nil)
	return nil
}

// Unblock removes id from the blacklist and clears its violation count. It
// reports whether id was blacklisted.
func (s *Scheduler) Unblock(ctx context.Context, id string) (bool, error) {
	canonical, ok := identity.Validate(id)
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrInvalidIdentity, id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := s.blacklist.Remove(canonical)
	s.tracker.ResetViolation(canonical)
	if removed {
		s.logger.AdmissionEvent(ctx, logging.EventUnblocked, canonical, nil)
	}
	return removed, nil
}
