// Package profile assembles the read models exposed to participants: the
// rank profile, the network tree and commission history.
package profile

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/rank-engine/internal/model"
	"github.com/atmx/rank-engine/internal/network"
	"github.com/atmx/rank-engine/internal/policy"
	"github.com/atmx/rank-engine/internal/requirement"
	"github.com/atmx/rank-engine/internal/store"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// NetworkStats summarizes a participant's network.
type NetworkStats struct {
	TotalDirects   int             `json:"total_directs"`
	ActiveDirects  int             `json:"active_directs"`
	LevelSizes     [3]int          `json:"level_sizes"`
	Size           int             `json:"size"`
	CycleVolume    decimal.Decimal `json:"cycle_volume"`
	LifetimeVolume decimal.Decimal `json:"lifetime_volume"`
}

// Profile is the full rank view of one participant.
type Profile struct {
	Participant        *model.Participant      `json:"participant"`
	Available          decimal.Decimal         `json:"available"`
	Locked             decimal.Decimal         `json:"locked"`
	Network            NetworkStats            `json:"network"`
	Maintenance        *requirement.Evaluation `json:"maintenance,omitempty"` // nil at RECRUIT
	NextRank           *requirement.Evaluation `json:"next_rank,omitempty"`   // nil at the top
	CommissionRates    policy.Rates            `json:"commission_rates"`
	MaxCommissionDepth int                     `json:"max_commission_depth"`
}

// CommissionSummary totals PAID commissions.
type CommissionSummary struct {
	Today     decimal.Decimal `json:"today"`
	ThisMonth decimal.Decimal `json:"this_month"`
	Lifetime  decimal.Decimal `json:"lifetime"`
}

// CommissionView is a commission with its source participant's name.
type CommissionView struct {
	model.Commission
	SourceName string `json:"source_name"`
}

// Service serves read models.
type Service struct {
	store    store.Store
	resolver *network.Resolver
	table    policy.Table
	eval     *requirement.Evaluator
	symbols  []string
	cycle    time.Duration
	now      func() time.Time
}

// NewService creates a Service. cycle is the maintenance cycle used for
// current-cycle figures.
func NewService(st store.Store, resolver *network.Resolver, table policy.Table, symbols []string, cycle time.Duration, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{
		store:    st,
		resolver: resolver,
		table:    table,
		eval:     requirement.NewEvaluator(table),
		symbols:  symbols,
		cycle:    cycle,
		now:      now,
	}
}

// Profile returns the participant's rank, status, network stats, the
// maintenance breakdown of the held rank, the conquest breakdown of the next
// rank and the commission rates that apply.
func (s *Service) Profile(ctx context.Context, participantID string) (*Profile, error) {
	p, err := s.store.GetParticipant(ctx, participantID)
	if err != nil {
		return nil, err
	}

	var (
		balances []model.Balance
		net      *network.Network
		cycleVol decimal.Decimal
	)
	now := s.now()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		balances, err = s.store.GetBalances(gctx, participantID)
		return err
	})
	g.Go(func() error {
		var err error
		net, err = s.resolver.Resolve(gctx, participantID)
		if err != nil {
			return err
		}
		cycleVol, err = s.resolver.NetworkVolume(gctx, net, now.Add(-s.cycle), now)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("profile of %s: %w", participantID, err)
	}

	acct := model.Account{Participant: p, Balances: balances}
	available, locked := acct.Sum(s.symbols)
	req := s.table.RequirementsFor(p.CurrentRank)
	out := &Profile{
		Participant: p,
		Available:   available,
		Locked:      locked,
		Network: NetworkStats{
			TotalDirects:   p.TotalDirects,
			ActiveDirects:  net.ActiveDirects(),
			Size:           net.Size(),
			CycleVolume:    cycleVol,
			LifetimeVolume: p.LifetimeVolume,
		},
		CommissionRates:    req.CommissionRates,
		MaxCommissionDepth: s.table.MaxDepthFor(p.CurrentRank),
	}
	for i := range out.Network.LevelSizes {
		out.Network.LevelSizes[i] = len(net.Level(i + 1))
	}

	if p.CurrentRank > model.RankRecruit {
		ev := s.eval.Maintenance(p.CurrentRank, requirement.MaintenanceMetrics{
			ActiveDirects:  out.Network.ActiveDirects,
			CycleVolume:    cycleVol,
			BlockedBalance: p.BlockedBalance,
		})
		out.Maintenance = &ev
	}
	if next, ok := s.table.NextRank(p.CurrentRank); ok {
		ev := s.eval.Conquest(next, requirement.ConquestMetricsOf(p))
		out.NextRank = &ev
	}
	return out, nil
}

// NetworkTree returns the participant's N1..N3 members with balance and rank.
func (s *Service) NetworkTree(ctx context.Context, participantID string) (*network.Network, error) {
	return s.resolver.Resolve(ctx, participantID)
}

// CommissionSummary totals PAID commissions for today, this month and all time.
func (s *Service) CommissionSummary(ctx context.Context, participantID string) (CommissionSummary, error) {
	if _, err := s.store.GetParticipant(ctx, participantID); err != nil {
		return CommissionSummary{}, err
	}
	now := s.now().UTC()
	today := model.Day(now)
	month := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	var out CommissionSummary
	g, gctx := errgroup.WithContext(ctx)
	for since, dst := range map[time.Time]*decimal.Decimal{
		today:       &out.Today,
		month:       &out.ThisMonth,
		time.Time{}: &out.Lifetime,
	} {
		since, dst := since, dst
		g.Go(func() error {
			total, err := s.store.SumPaidCommissions(gctx, participantID, since)
			if err != nil {
				return err
			}
			*dst = total
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return CommissionSummary{}, fmt.Errorf("commission summary of %s: %w", participantID, err)
	}
	return out, nil
}

// RecentCommissions returns one page of commissions, newest first, with
// source names resolved. page is 1-based.
func (s *Service) RecentCommissions(ctx context.Context, participantID string, page, pageSize int) ([]CommissionView, error) {
	if _, err := s.store.GetParticipant(ctx, participantID); err != nil {
		return nil, err
	}
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	pageSize = min(pageSize, MaxPageSize)

	records, err := s.store.ListCommissions(ctx, participantID, store.CommissionQuery{
		Offset: (page - 1) * pageSize,
		Limit:  pageSize,
	})
	if err != nil {
		return nil, fmt.Errorf("list commissions of %s: %w", participantID, err)
	}

	ids := make([]string, 0, len(records))
	seen := make(map[string]bool)
	for _, c := range records {
		if !seen[c.SourceParticipantID] {
			seen[c.SourceParticipantID] = true
			ids = append(ids, c.SourceParticipantID)
		}
	}
	sources, err := s.store.GetParticipants(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("resolve commission sources: %w", err)
	}
	names := make(map[string]string, len(sources))
	for _, p := range sources {
		names[p.ID] = p.Name
	}

	out := make([]CommissionView, len(records))
	for i, c := range records {
		out[i] = CommissionView{Commission: c, SourceName: names[c.SourceParticipantID]}
	}
	return out, nil
}
