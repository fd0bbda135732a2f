// Package notify delivers best-effort participant notifications. Delivery
// failures are reported to the caller, which logs them and moves on.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/atmx/rank-engine/internal/metrics"
)

// Event types.
const (
	TypeCommissionPaid = "commission.paid"
	TypeRankChanged    = "rank.changed"
)

// Event is one notification about a participant.
type Event struct {
	Type          string    `json:"type"`
	ParticipantID string    `json:"participant_id"`
	Rank          string    `json:"rank,omitempty"`
	Status        string    `json:"status,omitempty"`
	Amount        string    `json:"amount,omitempty"`
	Records       int       `json:"records,omitempty"`
	ReferenceDate string    `json:"reference_date,omitempty"`
	At            time.Time `json:"at"`
}

// Notifier publishes events.
type Notifier interface {
	Notify(ctx context.Context, e Event) error
}

// Multi fans an event out to several notifiers and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, e Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogNotifier writes events to a logger. It is the fallback when no broker
// is configured.
type LogNotifier struct {
	Logger *slog.Logger
}

func (l LogNotifier) Notify(_ context.Context, e Event) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("notification",
		"type", e.Type,
		"participant_id", e.ParticipantID,
		"rank", e.Rank,
		"amount", e.Amount,
	)
	return nil
}

// Recorder keeps events in memory. Used by tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	Err    error // returned from every Notify when set
}

func (r *Recorder) Notify(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return r.Err
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Send notifies n and logs a failure instead of returning it.
func Send(ctx context.Context, n Notifier, logger *slog.Logger, sink string, e Event) {
	if n == nil {
		return
	}
	if err := n.Notify(ctx, e); err != nil {
		metrics.NotificationFailures.WithLabelValues(sink).Inc()
		logger.Warn("notification failed", "type", e.Type, "participant_id", e.ParticipantID, "err", err)
	}
}
