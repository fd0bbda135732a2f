// Package rank implements the rank-status state machine and the promotion
// loop that drives participants up the ladder.
//
// Statuses: ACTIVE, WARNING, TEMPORARY_DOWNRANK, DOWNRANKED. The status is
// independent of the rank value. The machine has no terminal state.
//
//	ACTIVE  --Warn-->      WARNING      (maintenance shortfall, grace granted)
//	WARNING --Recover-->   ACTIVE       (requirements met before grace ends)
//	*       --Downrank-->  DOWNRANKED   (one tier, floored at RECRUIT)
//	*       --Promote-->   ACTIVE       (one tier)
//	DOWNRANKED|TEMPORARY_DOWNRANK --Reinstate--> ACTIVE
//
// Transition functions mutate the participant they are given and nothing
// else; persisting the result is the caller's job.
package rank

import (
	"errors"
	"fmt"
	"time"

	"github.com/atmx/rank-engine/internal/model"
	"github.com/atmx/rank-engine/internal/policy"
)

var (
	// ErrAtFloor is returned when a transition would move a RECRUIT below
	// the floor or give it a maintenance obligation.
	ErrAtFloor = errors.New("rank: participant is at the recruit floor")

	// ErrAtTop is returned when promoting a participant already at the top rank.
	ErrAtTop = errors.New("rank: participant is at the top rank")

	// ErrInvalidTransition is returned when the current status does not allow
	// the requested transition.
	ErrInvalidTransition = errors.New("rank: invalid status transition")
)

// DefaultCycle is the maintenance cycle length.
const DefaultCycle = 30 * 24 * time.Hour

// Kind names a transition.
type Kind string

const (
	KindConquer       Kind = "conquer"
	KindPromote       Kind = "promote"
	KindWarn          Kind = "warn"
	KindRecover       Kind = "recover"
	KindDownrank      Kind = "downrank"
	KindForceDownrank Kind = "force_downrank"
	KindReinstate     Kind = "reinstate"
)

// Transition describes one applied state change.
type Transition struct {
	ParticipantID string           `json:"participant_id"`
	Kind          Kind             `json:"kind"`
	FromRank      model.Rank       `json:"from_rank"`
	ToRank        model.Rank       `json:"to_rank"`
	FromStatus    model.RankStatus `json:"from_status"`
	ToStatus      model.RankStatus `json:"to_status"`
	At            time.Time        `json:"at"`
}

// Machine applies transitions using the policy table for rank arithmetic.
type Machine struct {
	table policy.Table
	cycle time.Duration
	grace time.Duration
}

// NewMachine creates a state machine. cycle is the maintenance cycle length;
// grace is the WARNING window, zero disables warnings.
func NewMachine(table policy.Table, cycle, grace time.Duration) *Machine {
	if cycle <= 0 {
		cycle = DefaultCycle
	}
	return &Machine{table: table, cycle: cycle, grace: grace}
}

// Cycle returns the maintenance cycle length.
func (m *Machine) Cycle() time.Duration { return m.cycle }

// GraceEnabled reports whether a shortfall opens a grace window.
func (m *Machine) GraceEnabled() bool { return m.grace > 0 }

func begin(p *model.Participant, kind Kind, now time.Time) Transition {
	return Transition{
		ParticipantID: p.ID,
		Kind:          kind,
		FromRank:      p.CurrentRank,
		FromStatus:    p.RankStatus,
		At:            now,
	}
}

func finish(tr Transition, p *model.Participant) Transition {
	tr.ToRank = p.CurrentRank
	tr.ToStatus = p.RankStatus
	return tr
}

func clearWarning(p *model.Participant) {
	p.WarningCount = 0
	p.GracePeriodEndsAt = nil
	p.OriginalRank = nil
}

// Conquer sets the participant to rank to after a balance lock, which may
// skip tiers.
func (m *Machine) Conquer(p *model.Participant, to model.Rank, now time.Time) (Transition, error) {
	if to <= p.CurrentRank {
		return Transition{}, fmt.Errorf("%w: conquer %s from %s", ErrInvalidTransition, to, p.CurrentRank)
	}
	tr := begin(p, KindConquer, now)
	p.CurrentRank = to
	p.RankStatus = model.StatusActive
	clearWarning(p)
	conquered := now
	p.RankConqueredAt = &conquered
	p.NextMaintenanceCheck = now.Add(m.cycle)
	return finish(tr, p), nil
}

// Promote moves the participant up exactly one tier and activates them.
func (m *Machine) Promote(p *model.Participant, now time.Time) (Transition, error) {
	next, ok := m.table.NextRank(p.CurrentRank)
	if !ok {
		return Transition{}, ErrAtTop
	}
	tr := begin(p, KindPromote, now)
	p.CurrentRank = next
	p.RankStatus = model.StatusActive
	clearWarning(p)
	conquered := now
	p.RankConqueredAt = &conquered
	p.NextMaintenanceCheck = now.Add(m.cycle)
	return finish(tr, p), nil
}

// Warn opens a grace window for an ACTIVE participant that missed
// maintenance. The next maintenance check moves to the end of the window.
func (m *Machine) Warn(p *model.Participant, now time.Time) (Transition, error) {
	if p.CurrentRank == model.RankRecruit {
		return Transition{}, ErrAtFloor
	}
	if p.RankStatus != model.StatusActive || !m.GraceEnabled() {
		return Transition{}, fmt.Errorf("%w: warn from %s", ErrInvalidTransition, p.RankStatus)
	}
	tr := begin(p, KindWarn, now)
	p.RankStatus = model.StatusWarning
	p.WarningCount++
	original := p.CurrentRank
	p.OriginalRank = &original
	ends := now.Add(m.grace)
	p.GracePeriodEndsAt = &ends
	p.NextMaintenanceCheck = ends
	return finish(tr, p), nil
}

// Recover returns a WARNING participant to ACTIVE.
func (m *Machine) Recover(p *model.Participant, now time.Time) (Transition, error) {
	if p.RankStatus != model.StatusWarning {
		return Transition{}, fmt.Errorf("%w: recover from %s", ErrInvalidTransition, p.RankStatus)
	}
	tr := begin(p, KindRecover, now)
	p.RankStatus = model.StatusActive
	clearWarning(p)
	p.NextMaintenanceCheck = now.Add(m.cycle)
	return finish(tr, p), nil
}

// Reinstate returns a DOWNRANKED or TEMPORARY_DOWNRANK participant to ACTIVE
// at their current rank.
func (m *Machine) Reinstate(p *model.Participant, now time.Time) (Transition, error) {
	if p.RankStatus != model.StatusDownranked && p.RankStatus != model.StatusTemporaryDownrank {
		return Transition{}, fmt.Errorf("%w: reinstate from %s", ErrInvalidTransition, p.RankStatus)
	}
	tr := begin(p, KindReinstate, now)
	p.RankStatus = model.StatusActive
	clearWarning(p)
	return finish(tr, p), nil
}

// Downrank drops the participant exactly one tier and schedules the next
// maintenance check one cycle out. RECRUIT is never downranked.
func (m *Machine) Downrank(p *model.Participant, now time.Time) (Transition, error) {
	if p.CurrentRank == model.RankRecruit {
		return Transition{}, ErrAtFloor
	}
	tr := begin(p, KindDownrank, now)
	p.CurrentRank = m.table.PreviousRank(p.CurrentRank, 1)
	p.RankStatus = model.StatusDownranked
	clearWarning(p)
	p.NextMaintenanceCheck = now.Add(m.cycle)
	return finish(tr, p), nil
}

// ForceDownrank drops the participant to rank to, possibly several tiers,
// after an unlock leaves too little blocked balance.
func (m *Machine) ForceDownrank(p *model.Participant, to model.Rank, now time.Time) (Transition, error) {
	if to >= p.CurrentRank {
		return Transition{}, fmt.Errorf("%w: force downrank to %s from %s", ErrInvalidTransition, to, p.CurrentRank)
	}
	tr := begin(p, KindForceDownrank, now)
	p.CurrentRank = to
	p.RankStatus = model.StatusDownranked
	clearWarning(p)
	p.NextMaintenanceCheck = now.Add(m.cycle)
	return finish(tr, p), nil
}
