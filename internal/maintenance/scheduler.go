// Package maintenance runs the per-participant maintenance cycle and the
// daily grace-period recovery.
//
// Shortfall policy: at a cycle boundary an ACTIVE participant that misses
// maintenance is warned and given the grace window when grace is enabled.
// A WARNING participant whose window has run out, a DOWNRANKED participant,
// or anyone when grace is disabled, drops one tier instead.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/atmx/rank-engine/internal/metrics"
	"github.com/atmx/rank-engine/internal/model"
	"github.com/atmx/rank-engine/internal/network"
	"github.com/atmx/rank-engine/internal/notify"
	"github.com/atmx/rank-engine/internal/policy"
	"github.com/atmx/rank-engine/internal/rank"
	"github.com/atmx/rank-engine/internal/requirement"
	"github.com/atmx/rank-engine/internal/store"
)

// ErrIncomplete is returned by a run when some participants failed for a
// reason other than their own state, such as an unreachable store. Runs are
// idempotent and can be retried.
var ErrIncomplete = errors.New("maintenance: run incomplete")

// Summary reports one run.
type Summary struct {
	Selected    int               `json:"selected"`
	Met         int               `json:"met"`
	Unmet       int               `json:"unmet"`
	Failed      int               `json:"failed"`
	Transitions map[rank.Kind]int `json:"transitions"`
	Duration    time.Duration     `json:"duration"`
}

func (s *Summary) add(o Outcome) {
	if o.Skipped {
		return
	}
	if o.Evaluation.Met {
		s.Met++
	} else {
		s.Unmet++
	}
	for _, tr := range o.Transitions {
		s.Transitions[tr.Kind]++
	}
}

// Outcome is the result of checking one participant.
type Outcome struct {
	ParticipantID string                 `json:"participant_id"`
	Skipped       bool                   `json:"skipped"` // no longer due when locked
	Evaluation    requirement.Evaluation `json:"evaluation"`
	Transitions   []rank.Transition      `json:"transitions"`
}

// Deps are the collaborators shared by Scheduler and GraceRecovery.
type Deps struct {
	Store    store.Store
	Resolver *network.Resolver
	Engine   *rank.Engine
	Table    policy.Table
	Notifier notify.Notifier
	Logger   *slog.Logger
	Workers  int
	Now      func() time.Time
}

func (d *Deps) defaults() {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Workers <= 0 {
		d.Workers = 8
	}
	if d.Now == nil {
		d.Now = time.Now
	}
}

// Scheduler evaluates participants whose maintenance check is due.
type Scheduler struct {
	deps Deps
	eval *requirement.Evaluator
}

// NewScheduler creates a Scheduler.
func NewScheduler(deps Deps) *Scheduler {
	deps.defaults()
	return &Scheduler{deps: deps, eval: requirement.NewEvaluator(deps.Table)}
}

// Run checks every participant above RECRUIT whose next maintenance check
// is due. Failures are logged and counted; a failure that is not about the
// participant itself makes the run return ErrIncomplete so the runner retries.
func (s *Scheduler) Run(ctx context.Context) (Summary, error) {
	now := s.deps.Now()
	ids, err := s.deps.Store.ListParticipantIDs(ctx, store.ParticipantFilter{
		MinRank:          model.RankBronze,
		MaintenanceDueBy: now,
	})
	if err != nil {
		return Summary{}, fmt.Errorf("list due participants: %w", err)
	}
	sum, runErr := forEach(ctx, s.deps, "maintenance", ids, func(ctx context.Context, id string) (Outcome, error) {
		return s.Check(ctx, id, now)
	})
	sum.Duration = s.deps.Now().Sub(now)
	s.deps.Logger.Info("maintenance run complete",
		"selected", sum.Selected, "met", sum.Met, "unmet", sum.Unmet,
		"failed", sum.Failed, "transitions", sum.Transitions, "duration", sum.Duration)
	return sum, runErr
}

// Check evaluates the cycle ending at now for one participant and applies
// the resulting transitions in one account transaction.
func (s *Scheduler) Check(ctx context.Context, participantID string, now time.Time) (Outcome, error) {
	out := Outcome{ParticipantID: participantID}
	machine := s.deps.Engine.Machine()

	stats, err := s.deps.Resolver.CycleStats(ctx, participantID, now, machine.Cycle())
	if err != nil {
		return out, err
	}

	err = s.deps.Store.MutateAccount(ctx, participantID, func(acct *model.Account) error {
		p := acct.Participant
		out.Transitions = nil
		out.Skipped = false
		if p.CurrentRank == model.RankRecruit || p.NextMaintenanceCheck.After(now) {
			out.Skipped = true
			return nil
		}

		out.Evaluation = s.eval.Maintenance(p.CurrentRank, requirement.MaintenanceMetrics{
			ActiveDirects:  stats.ActiveDirects,
			CycleVolume:    stats.Volume,
			BlockedBalance: p.BlockedBalance,
		})

		if out.Evaluation.Met {
			switch p.RankStatus {
			case model.StatusDownranked, model.StatusTemporaryDownrank:
				tr, err := machine.Reinstate(p, now)
				if err != nil {
					return err
				}
				out.Transitions = append(out.Transitions, tr)
			case model.StatusWarning:
				tr, err := machine.Recover(p, now)
				if err != nil {
					return err
				}
				out.Transitions = append(out.Transitions, tr)
			}
			out.Transitions = append(out.Transitions, s.deps.Engine.PromoteLoop(p, now)...)
			p.NextMaintenanceCheck = now.Add(machine.Cycle())
			return nil
		}

		var tr rank.Transition
		if p.RankStatus == model.StatusActive && machine.GraceEnabled() {
			tr, err = machine.Warn(p, now)
		} else {
			tr, err = machine.Downrank(p, now)
		}
		if err != nil {
			return err
		}
		out.Transitions = append(out.Transitions, tr)
		return nil
	})
	if err != nil {
		return out, err
	}
	publish(ctx, s.deps, out.Transitions)
	return out, nil
}

// GraceRecovery restores WARNING participants who meet maintenance again
// before their grace window closes.
type GraceRecovery struct {
	deps Deps
	eval *requirement.Evaluator
}

// NewGraceRecovery creates a GraceRecovery job.
func NewGraceRecovery(deps Deps) *GraceRecovery {
	deps.defaults()
	return &GraceRecovery{deps: deps, eval: requirement.NewEvaluator(deps.Table)}
}

// Run re-evaluates every WARNING participant with a live grace window.
// Unmet participants are left for the Scheduler.
func (g *GraceRecovery) Run(ctx context.Context) (Summary, error) {
	now := g.deps.Now()
	ids, err := g.deps.Store.ListParticipantIDs(ctx, store.ParticipantFilter{
		Statuses:    []model.RankStatus{model.StatusWarning},
		GraceLiveAt: now,
	})
	if err != nil {
		return Summary{}, fmt.Errorf("list warned participants: %w", err)
	}
	sum, runErr := forEach(ctx, g.deps, "grace_recovery", ids, func(ctx context.Context, id string) (Outcome, error) {
		return g.Recover(ctx, id, now)
	})
	sum.Duration = g.deps.Now().Sub(now)
	g.deps.Logger.Info("grace recovery run complete",
		"selected", sum.Selected, "recovered", sum.Transitions[rank.KindRecover],
		"failed", sum.Failed, "duration", sum.Duration)
	return sum, runErr
}

// Recover re-evaluates one WARNING participant over the cycle ending at now.
func (g *GraceRecovery) Recover(ctx context.Context, participantID string, now time.Time) (Outcome, error) {
	out := Outcome{ParticipantID: participantID}
	machine := g.deps.Engine.Machine()

	stats, err := g.deps.Resolver.CycleStats(ctx, participantID, now, machine.Cycle())
	if err != nil {
		return out, err
	}
	err = g.deps.Store.MutateAccount(ctx, participantID, func(acct *model.Account) error {
		p := acct.Participant
		out.Transitions = nil
		out.Skipped = false
		if p.RankStatus != model.StatusWarning || p.GracePeriodEndsAt == nil || !p.GracePeriodEndsAt.After(now) {
			out.Skipped = true
			return nil
		}
		out.Evaluation = g.eval.Maintenance(p.CurrentRank, requirement.MaintenanceMetrics{
			ActiveDirects:  stats.ActiveDirects,
			CycleVolume:    stats.Volume,
			BlockedBalance: p.BlockedBalance,
		})
		if !out.Evaluation.Met {
			return nil
		}
		tr, err := machine.Recover(p, now)
		if err != nil {
			return err
		}
		out.Transitions = append(out.Transitions, tr)
		return nil
	})
	if err != nil {
		return out, err
	}
	publish(ctx, g.deps, out.Transitions)
	return out, nil
}

// isolated reports whether err concerns only the participant being checked.
func isolated(err error) bool {
	return errors.Is(err, store.ErrNotFound) ||
		errors.Is(err, rank.ErrAtFloor) ||
		errors.Is(err, rank.ErrAtTop) ||
		errors.Is(err, rank.ErrInvalidTransition)
}

// forEach runs fn for every id. Every participant is attempted; the error is
// ErrIncomplete when any failure was not isolated, or the context's error.
func forEach(ctx context.Context, deps Deps, kind string, ids []string, fn func(context.Context, string) (Outcome, error)) (Summary, error) {
	sum := Summary{Selected: len(ids), Transitions: make(map[rank.Kind]int)}
	var (
		mu        sync.Mutex
		transient int
		firstErr  error
	)

	g := new(errgroup.Group)
	g.SetLimit(deps.Workers)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			out, err := fn(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				sum.Failed++
				metrics.JobParticipantErrors.WithLabelValues(kind).Inc()
				deps.Logger.Error(kind+" check failed", "participant_id", id, "err", err)
				if !isolated(err) {
					transient++
					if firstErr == nil {
						firstErr = err
					}
				}
				return nil
			}
			sum.add(out)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return sum, err
	}
	if transient > 0 {
		return sum, fmt.Errorf("%w: %d participant(s) failed, first: %w", ErrIncomplete, transient, firstErr)
	}
	return sum, nil
}

func publish(ctx context.Context, deps Deps, trs []rank.Transition) {
	rank.Observe(deps.Logger, trs...)
	if len(trs) == 0 {
		return
	}
	last := trs[len(trs)-1]
	notify.Send(ctx, deps.Notifier, deps.Logger, "maintenance", notify.Event{
		Type:          notify.TypeRankChanged,
		ParticipantID: last.ParticipantID,
		Rank:          last.ToRank.String(),
		Status:        string(last.ToStatus),
		At:            last.At,
	})
}
