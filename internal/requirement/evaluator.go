// Package requirement compares a participant's metrics against a rank's
// conquest or maintenance thresholds and reports a per-dimension breakdown.
package requirement

import (
	"github.com/shopspring/decimal"

	"github.com/atmx/rank-engine/internal/model"
	"github.com/atmx/rank-engine/internal/policy"
)

// Mode selects which thresholds are evaluated.
type Mode string

const (
	ModeConquest    Mode = "conquest"
	ModeMaintenance Mode = "maintenance"
)

// Dimension names reported in a Check.
const (
	DimDirects        = "directs"
	DimLifetimeVolume = "lifetime_volume"
	DimBlockedBalance = "blocked_balance"
	DimActiveDirects  = "active_directs"
	DimMonthlyVolume  = "monthly_volume"
)

// Check is the outcome of one dimension.
type Check struct {
	Dimension string          `json:"dimension"`
	Required  decimal.Decimal `json:"required"`
	Actual    decimal.Decimal `json:"actual"`
	Met       bool            `json:"met"`
	Missing   decimal.Decimal `json:"missing"` // zero when met
}

// Evaluation is the structured result for one target rank.
type Evaluation struct {
	Rank   model.Rank `json:"rank"`
	Mode   Mode       `json:"mode"`
	Met    bool       `json:"met"`
	Checks []Check    `json:"checks"`
}

// Missing returns only the checks that were not met.
func (e Evaluation) Missing() []Check {
	var out []Check
	for _, c := range e.Checks {
		if !c.Met {
			out = append(out, c)
		}
	}
	return out
}

// ConquestMetrics are the lifetime figures compared against conquest thresholds.
type ConquestMetrics struct {
	TotalDirects   int
	LifetimeVolume decimal.Decimal
	BlockedBalance decimal.Decimal
}

// ConquestMetricsOf reads the cached counters from a participant.
func ConquestMetricsOf(p *model.Participant) ConquestMetrics {
	return ConquestMetrics{
		TotalDirects:   p.TotalDirects,
		LifetimeVolume: p.LifetimeVolume,
		BlockedBalance: p.BlockedBalance,
	}
}

// MaintenanceMetrics are the current-cycle figures compared against
// maintenance thresholds.
type MaintenanceMetrics struct {
	ActiveDirects  int
	CycleVolume    decimal.Decimal
	BlockedBalance decimal.Decimal
}

// Evaluator evaluates metrics against a policy table. It is pure.
type Evaluator struct {
	table policy.Table
}

// NewEvaluator creates an evaluator over table.
func NewEvaluator(table policy.Table) *Evaluator {
	return &Evaluator{table: table}
}

// Conquest checks totalDirects, lifetimeVolume and blockedBalance against the
// target rank's conquest thresholds. All three must hold.
func (e *Evaluator) Conquest(target model.Rank, m ConquestMetrics) Evaluation {
	req := e.table.RequirementsFor(target).Conquest
	return build(target, ModeConquest,
		check(DimDirects, decimal.NewFromInt(int64(req.MinDirects)), decimal.NewFromInt(int64(m.TotalDirects))),
		check(DimLifetimeVolume, req.MinLifetimeVolume, m.LifetimeVolume),
		check(DimBlockedBalance, req.MinBlockedBalance, m.BlockedBalance),
	)
}

// Maintenance checks activeDirects, cycleVolume and blockedBalance against
// the target rank's maintenance thresholds. All three must hold.
func (e *Evaluator) Maintenance(target model.Rank, m MaintenanceMetrics) Evaluation {
	req := e.table.RequirementsFor(target).Maintenance
	return build(target, ModeMaintenance,
		check(DimActiveDirects, decimal.NewFromInt(int64(req.MinActiveDirects)), decimal.NewFromInt(int64(m.ActiveDirects))),
		check(DimMonthlyVolume, req.MinMonthlyVolume, m.CycleVolume),
		check(DimBlockedBalance, req.MinBlockedBalance, m.BlockedBalance),
	)
}

func check(dim string, required, actual decimal.Decimal) Check {
	c := Check{Dimension: dim, Required: required, Actual: actual, Met: actual.GreaterThanOrEqual(required)}
	if !c.Met {
		c.Missing = required.Sub(actual)
	}
	return c
}

func build(target model.Rank, mode Mode, checks ...Check) Evaluation {
	met := true
	for _, c := range checks {
		met = met && c.Met
	}
	return Evaluation{Rank: target, Mode: mode, Met: met, Checks: checks}
}
