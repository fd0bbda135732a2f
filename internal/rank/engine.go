package rank

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/atmx/rank-engine/internal/metrics"
	"github.com/atmx/rank-engine/internal/model"
	"github.com/atmx/rank-engine/internal/policy"
	"github.com/atmx/rank-engine/internal/requirement"
	"github.com/atmx/rank-engine/internal/store"
)

// Engine drives promotions against persisted participants.
type Engine struct {
	store   store.Store
	machine *Machine
	eval    *requirement.Evaluator
	table   policy.Table
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the engine's time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithLogger sets the engine's logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewEngine creates a promotion engine.
func NewEngine(st store.Store, table policy.Table, machine *Machine, opts ...Option) *Engine {
	e := &Engine{
		store:   st,
		machine: machine,
		eval:    requirement.NewEvaluator(table),
		table:   table,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Machine returns the state machine the engine applies.
func (e *Engine) Machine() *Machine { return e.machine }

// Now returns the engine clock's current time.
func (e *Engine) Now() time.Time { return e.now() }

// PromoteLoop applies single-tier promotions to p while the conquest
// requirements of the next tier hold. It runs at most
// (top index - current index) times and returns the applied transitions.
// Callers run it inside their own account transaction.
func (e *Engine) PromoteLoop(p *model.Participant, now time.Time) []Transition {
	var applied []Transition
	limit := int(model.RankGold - p.CurrentRank)
	for i := 0; i < limit; i++ {
		next, ok := e.table.NextRank(p.CurrentRank)
		if !ok {
			break
		}
		if !e.eval.Conquest(next, requirement.ConquestMetricsOf(p)).Met {
			break
		}
		tr, err := e.machine.Promote(p, now)
		if err != nil {
			break
		}
		applied = append(applied, tr)
	}
	return applied
}

// PromoteOnce applies at most one promotion and returns it, or nil when the
// next tier's conquest requirements do not hold.
func (e *Engine) PromoteOnce(ctx context.Context, participantID string) (*Transition, error) {
	var applied *Transition
	now := e.now()
	err := e.store.MutateAccount(ctx, participantID, func(acct *model.Account) error {
		p := acct.Participant
		next, ok := e.table.NextRank(p.CurrentRank)
		if !ok || !e.eval.Conquest(next, requirement.ConquestMetricsOf(p)).Met {
			return nil
		}
		tr, err := e.machine.Promote(p, now)
		if err != nil {
			return err
		}
		applied = &tr
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("promote %s: %w", participantID, err)
	}
	if applied != nil {
		Observe(e.logger, *applied)
	}
	return applied, nil
}

// PromoteUntilStable promotes the participant tier by tier, inside one
// transaction, until the next tier's conquest requirements fail.
func (e *Engine) PromoteUntilStable(ctx context.Context, participantID string) ([]Transition, error) {
	var applied []Transition
	now := e.now()
	err := e.store.MutateAccount(ctx, participantID, func(acct *model.Account) error {
		applied = e.PromoteLoop(acct.Participant, now)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("promote %s: %w", participantID, err)
	}
	Observe(e.logger, applied...)
	return applied, nil
}

// Observe logs and counts applied transitions.
func Observe(logger *slog.Logger, trs ...Transition) {
	for _, tr := range trs {
		metrics.RankTransitions.WithLabelValues(string(tr.Kind), tr.ToRank.String()).Inc()
		logger.Info("rank transition",
			"participant_id", tr.ParticipantID,
			"kind", tr.Kind,
			"from_rank", tr.FromRank.String(),
			"to_rank", tr.ToRank.String(),
			"from_status", tr.FromStatus,
			"to_status", tr.ToStatus,
		)
	}
}
