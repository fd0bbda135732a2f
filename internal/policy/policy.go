// Package policy holds the static rank policy table: conquest thresholds,
// maintenance thresholds, commission rates and commission depth per rank.
//
// The table is pure data. Lookups have no side effects and never fail for a
// validated table.
package policy

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/rank-engine/internal/model"
)

var (
	// ErrIncompleteTable is returned when a rank has no policy entry.
	ErrIncompleteTable = errors.New("policy: table is missing a rank")

	// ErrNonMonotonic is returned when a requirement decreases from one rank
	// to the next.
	ErrNonMonotonic = errors.New("policy: requirement decreases up the rank ladder")

	// ErrInvalidEntry is returned for negative thresholds, rates or depth.
	ErrInvalidEntry = errors.New("policy: invalid entry")
)

// MaxNetworkDepth is the hard cap on commission and network traversal depth.
const MaxNetworkDepth = 3

// Conquest holds the one-time thresholds to reach a rank.
type Conquest struct {
	MinDirects        int             `json:"min_directs" yaml:"min_directs"`
	MinLifetimeVolume decimal.Decimal `json:"min_lifetime_volume" yaml:"min_lifetime_volume"`
	MinBlockedBalance decimal.Decimal `json:"min_blocked_balance" yaml:"min_blocked_balance"`
}

// Maintenance holds the per-cycle thresholds to keep a rank. The blocked
// balance floor is shared with Conquest.
type Maintenance struct {
	MinActiveDirects  int             `json:"min_active_directs" yaml:"min_active_directs"`
	MinMonthlyVolume  decimal.Decimal `json:"min_monthly_volume" yaml:"min_monthly_volume"`
	MinBlockedBalance decimal.Decimal `json:"min_blocked_balance" yaml:"-"`
}

// Rates are commission percentages per level: N0 on own balance, N1..N3 on
// the balances of each network level.
type Rates struct {
	N0 decimal.Decimal `json:"n0" yaml:"n0"`
	N1 decimal.Decimal `json:"n1" yaml:"n1"`
	N2 decimal.Decimal `json:"n2" yaml:"n2"`
	N3 decimal.Decimal `json:"n3" yaml:"n3"`
}

// Level returns the rate for commission level 0..3, zero otherwise.
func (r Rates) Level(level int) decimal.Decimal {
	switch level {
	case 0:
		return r.N0
	case 1:
		return r.N1
	case 2:
		return r.N2
	case 3:
		return r.N3
	}
	return decimal.Zero
}

// Requirements is the policy entry for one rank.
type Requirements struct {
	Rank               model.Rank  `json:"rank" yaml:"-"`
	Conquest           Conquest    `json:"conquest" yaml:"conquest"`
	Maintenance        Maintenance `json:"maintenance" yaml:"maintenance"`
	CommissionRates    Rates       `json:"commission_rates" yaml:"commission_rates"`
	MaxCommissionDepth int         `json:"max_commission_depth" yaml:"max_commission_depth"`
}

// Table maps every rank to its requirements.
type Table map[model.Rank]Requirements

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func entry(r model.Rank, directs int, lifetime, blocked string, activeDirects int, monthly string, rates Rates, depth int) Requirements {
	return Requirements{
		Rank: r,
		Conquest: Conquest{
			MinDirects:        directs,
			MinLifetimeVolume: d(lifetime),
			MinBlockedBalance: d(blocked),
		},
		Maintenance: Maintenance{
			MinActiveDirects:  activeDirects,
			MinMonthlyVolume:  d(monthly),
			MinBlockedBalance: d(blocked),
		},
		CommissionRates:    rates,
		MaxCommissionDepth: depth,
	}
}

// Default returns the built-in rank policy table.
func Default() Table {
	return Table{
		model.RankRecruit: entry(model.RankRecruit, 0, "0", "0", 0, "0",
			Rates{N0: d("0.50"), N1: d("0"), N2: d("0"), N3: d("0")}, 0),
		model.RankBronze: entry(model.RankBronze, 3, "1000", "500", 3, "500",
			Rates{N0: d("1.05"), N1: d("0.15"), N2: d("0"), N3: d("0")}, 1),
		model.RankSilver: entry(model.RankSilver, 10, "10000", "2500", 8, "5000",
			Rates{N0: d("1.20"), N1: d("0.25"), N2: d("0.10"), N3: d("0")}, 2),
		model.RankGold: entry(model.RankGold, 25, "50000", "10000", 20, "20000",
			Rates{N0: d("1.40"), N1: d("0.35"), N2: d("0.15"), N3: d("0.05")}, 3),
	}
}

// Validate checks that every rank has an entry, that values are
// non-negative, and that every numeric requirement is non-decreasing up the
// ladder.
func (t Table) Validate() error {
	for _, r := range model.Ranks {
		req, ok := t[r]
		if !ok {
			return fmt.Errorf("%w: %s", ErrIncompleteTable, r)
		}
		if req.Conquest.MinDirects < 0 || req.Maintenance.MinActiveDirects < 0 ||
			req.Conquest.MinLifetimeVolume.IsNegative() || req.Conquest.MinBlockedBalance.IsNegative() ||
			req.Maintenance.MinMonthlyVolume.IsNegative() ||
			req.MaxCommissionDepth < 0 || req.MaxCommissionDepth > MaxNetworkDepth {
			return fmt.Errorf("%w: %s", ErrInvalidEntry, r)
		}
		for level := 0; level <= MaxNetworkDepth; level++ {
			if req.CommissionRates.Level(level).IsNegative() {
				return fmt.Errorf("%w: %s rate N%d", ErrInvalidEntry, r, level)
			}
		}
		if !req.Maintenance.MinBlockedBalance.Equal(req.Conquest.MinBlockedBalance) {
			return fmt.Errorf("%w: %s maintenance floor differs from conquest floor", ErrInvalidEntry, r)
		}
	}
	for i := 1; i < len(model.Ranks); i++ {
		lo, hi := t[model.Ranks[i-1]], t[model.Ranks[i]]
		for _, dim := range Dimensions(lo, hi) {
			if dim.High.LessThan(dim.Low) {
				return fmt.Errorf("%w: %s %s < %s", ErrNonMonotonic, dim.Name, hi.Rank, lo.Rank)
			}
		}
	}
	return nil
}

// Dimension pairs one numeric requirement across two adjacent ranks.
type Dimension struct {
	Name      string
	Low, High decimal.Decimal
}

// Dimensions lists every numeric requirement of lo and hi side by side.
func Dimensions(lo, hi Requirements) []Dimension {
	return []Dimension{
		{"min_directs", decimal.NewFromInt(int64(lo.Conquest.MinDirects)), decimal.NewFromInt(int64(hi.Conquest.MinDirects))},
		{"min_lifetime_volume", lo.Conquest.MinLifetimeVolume, hi.Conquest.MinLifetimeVolume},
		{"min_blocked_balance", lo.Conquest.MinBlockedBalance, hi.Conquest.MinBlockedBalance},
		{"min_active_directs", decimal.NewFromInt(int64(lo.Maintenance.MinActiveDirects)), decimal.NewFromInt(int64(hi.Maintenance.MinActiveDirects))},
		{"min_monthly_volume", lo.Maintenance.MinMonthlyVolume, hi.Maintenance.MinMonthlyVolume},
		{"max_commission_depth", decimal.NewFromInt(int64(lo.MaxCommissionDepth)), decimal.NewFromInt(int64(hi.MaxCommissionDepth))},
	}
}

// RequirementsFor returns the policy entry for r.
func (t Table) RequirementsFor(r model.Rank) Requirements {
	return t[r]
}

// NextRank returns the rank immediately above r. ok is false at the top.
func (t Table) NextRank(r model.Rank) (next model.Rank, ok bool) {
	if r >= model.RankGold {
		return r, false
	}
	return r + 1, true
}

// PreviousRank steps down from r, floored at RankRecruit.
func (t Table) PreviousRank(r model.Rank, steps int) model.Rank {
	if steps < 0 {
		steps = 0
	}
	prev := int(r) - steps
	if prev < int(model.RankRecruit) {
		return model.RankRecruit
	}
	return model.Rank(prev)
}

// MaxDepthFor returns the commission depth for r, capped at MaxNetworkDepth.
func (t Table) MaxDepthFor(r model.Rank) int {
	depth := t[r].MaxCommissionDepth
	if depth > MaxNetworkDepth {
		return MaxNetworkDepth
	}
	return depth
}

// RankForBlockedBalance returns the highest rank whose blocked balance floor
// is covered by amount.
func (t Table) RankForBlockedBalance(amount decimal.Decimal) model.Rank {
	best := model.RankRecruit
	for _, r := range model.Ranks {
		if amount.GreaterThanOrEqual(t[r].Conquest.MinBlockedBalance) {
			best = r
		}
	}
	return best
}
