// Package network resolves a participant's referral network up to three
// levels deep and aggregates balances, active directs and volume over it.
//
// The referral graph is never materialized: each call walks breadth-first
// from the root and stops at MaxDepth regardless of how deep the tree goes.
package network

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/rank-engine/internal/model"
	"github.com/atmx/rank-engine/internal/store"
)

// MaxDepth is the hard traversal cap.
const MaxDepth = 3

// ReferralSource yields the direct referrals of each given referrer.
// store.Store satisfies it from participants.referrer_id; graph.ReferralSource
// serves the same edges from Neo4j.
type ReferralSource interface {
	Referrals(ctx context.Context, referrerIDs []string) (map[string][]string, error)
}

// Member is one participant inside somebody's network.
type Member struct {
	ID           string           `json:"id"`
	Name         string           `json:"name"`
	ReferrerID   string           `json:"referrer_id"`
	Level        int              `json:"level"`
	Rank         model.Rank       `json:"rank"`
	Status       model.RankStatus `json:"status"`
	Active       bool             `json:"active"`
	TotalBalance decimal.Decimal  `json:"total_balance"`
}

// Network holds the disjoint member sets N1..N3 of a root participant.
type Network struct {
	RootID string      `json:"root_id"`
	Levels [][]Member `json:"levels"` // Levels[0] = N1
}

// Level returns the members at level 1..3, nil otherwise.
func (n *Network) Level(level int) []Member {
	if level < 1 || level > len(n.Levels) {
		return nil
	}
	return n.Levels[level-1]
}

// ActiveDirects counts account-active N1 members.
func (n *Network) ActiveDirects() int {
	count := 0
	for _, m := range n.Level(1) {
		if m.Active {
			count++
		}
	}
	return count
}

// Size is the number of members across all levels.
func (n *Network) Size() int {
	total := 0
	for _, lvl := range n.Levels {
		total += len(lvl)
	}
	return total
}

// MemberIDs returns the ids of every member across all levels.
func (n *Network) MemberIDs() []string {
	ids := make([]string, 0, n.Size())
	for _, lvl := range n.Levels {
		for _, m := range lvl {
			ids = append(ids, m.ID)
		}
	}
	return ids
}

// TotalBalance sums member balances at one level.
func (n *Network) TotalBalance(level int) decimal.Decimal {
	total := decimal.Zero
	for _, m := range n.Level(level) {
		total = total.Add(m.TotalBalance)
	}
	return total
}

// Resolver walks the referral tree.
type Resolver struct {
	store   store.Store
	edges   ReferralSource
	symbols []string
}

// NewResolver creates a resolver reading participants and balances from st
// and edges from edges. A nil edges source falls back to st.
func NewResolver(st store.Store, edges ReferralSource, qualifyingSymbols []string) *Resolver {
	if edges == nil {
		edges = st
	}
	return &Resolver{store: st, edges: edges, symbols: qualifyingSymbols}
}

// Resolve returns the participant's network down to MaxDepth.
func (r *Resolver) Resolve(ctx context.Context, participantID string) (*Network, error) {
	if _, err := r.store.GetParticipant(ctx, participantID); err != nil {
		return nil, fmt.Errorf("resolve network of %s: %w", participantID, err)
	}

	net := &Network{RootID: participantID, Levels: make([][]Member, 0, MaxDepth)}
	seen := map[string]bool{participantID: true}
	frontier := []string{participantID}

	for depth := 1; depth <= MaxDepth; depth++ {
		if len(frontier) == 0 {
			net.Levels = append(net.Levels, nil)
			continue
		}
		children, err := r.edges.Referrals(ctx, frontier)
		if err != nil {
			return nil, fmt.Errorf("load level %d referrals: %w", depth, err)
		}

		var ids []string
		parentOf := make(map[string]string)
		for _, parent := range frontier {
			for _, child := range children[parent] {
				if seen[child] {
					continue
				}
				seen[child] = true
				parentOf[child] = parent
				ids = append(ids, child)
			}
		}

		members, err := r.members(ctx, ids, parentOf, depth)
		if err != nil {
			return nil, err
		}
		net.Levels = append(net.Levels, members)
		frontier = ids
	}
	return net, nil
}

func (r *Resolver) members(ctx context.Context, ids []string, parentOf map[string]string, level int) ([]Member, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	participants, err := r.store.GetParticipants(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load level %d members: %w", level, err)
	}
	totals, err := r.store.TotalBalances(ctx, ids, r.symbols)
	if err != nil {
		return nil, fmt.Errorf("load level %d balances: %w", level, err)
	}

	members := make([]Member, 0, len(participants))
	for _, p := range participants {
		members = append(members, Member{
			ID:           p.ID,
			Name:         p.Name,
			ReferrerID:   parentOf[p.ID],
			Level:        level,
			Rank:         p.CurrentRank,
			Status:       p.RankStatus,
			Active:       p.Active,
			TotalBalance: totals[p.ID],
		})
	}
	return members, nil
}

// Volume sums the network's volume in [from, to).
func (r *Resolver) Volume(ctx context.Context, participantID string, from, to time.Time) (decimal.Decimal, error) {
	net, err := r.Resolve(ctx, participantID)
	if err != nil {
		return decimal.Zero, err
	}
	return r.NetworkVolume(ctx, net, from, to)
}

// NetworkVolume sums the volume of an already resolved network in [from, to).
func (r *Resolver) NetworkVolume(ctx context.Context, net *Network, from, to time.Time) (decimal.Decimal, error) {
	ids := net.MemberIDs()
	if len(ids) == 0 {
		return decimal.Zero, nil
	}
	return r.store.VolumeBetween(ctx, ids, from, to)
}

// CycleStats is the input to a maintenance evaluation.
type CycleStats struct {
	ActiveDirects int
	Volume        decimal.Decimal
	From, To      time.Time
}

// CycleStats resolves active directs and network volume for the cycle that
// ends at end and lasts length.
func (r *Resolver) CycleStats(ctx context.Context, participantID string, end time.Time, length time.Duration) (CycleStats, error) {
	net, err := r.Resolve(ctx, participantID)
	if err != nil {
		return CycleStats{}, err
	}
	from := end.Add(-length)
	vol, err := r.NetworkVolume(ctx, net, from, end)
	if err != nil {
		return CycleStats{}, fmt.Errorf("cycle volume of %s: %w", participantID, err)
	}
	return CycleStats{ActiveDirects: net.ActiveDirects(), Volume: vol, From: from, To: end}, nil
}
