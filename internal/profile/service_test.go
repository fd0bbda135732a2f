package profile

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/rank-engine/internal/model"
	"github.com/atmx/rank-engine/internal/network"
	"github.com/atmx/rank-engine/internal/policy"
	"github.com/atmx/rank-engine/internal/requirement"
	"github.com/atmx/rank-engine/internal/store"
)

var (
	now     = time.Date(2026, 8, 15, 10, 0, 0, 0, time.UTC)
	symbols = []string{"USDT", "USDC", "DAI"}
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func seed(t *testing.T) (*store.MemoryStore, *Service) {
	t.Helper()
	ctx := context.Background()
	ms := store.NewMemoryStore()
	add := func(p *model.Participant, referrer string) {
		if referrer != "" {
			p.ReferrerID = &referrer
		}
		if p.RankStatus == "" {
			p.RankStatus = model.StatusActive
		}
		require.NoError(t, ms.CreateParticipant(ctx, p))
	}
	add(&model.Participant{ID: "me", Name: "Me", Active: true, CurrentRank: model.RankBronze,
		BlockedBalance: d(500), LifetimeVolume: d(4000)}, "")
	add(&model.Participant{ID: "a", Name: "Alice", Active: true}, "me")
	add(&model.Participant{ID: "b", Name: "Bob", Active: false}, "me")
	add(&model.Participant{ID: "c", Name: "Carol", Active: true}, "a")

	require.NoError(t, ms.SetBalance(ctx, model.Balance{ParticipantID: "me", Symbol: "USDT", Available: d(80), Locked: d(500)}))
	require.NoError(t, ms.SetBalance(ctx, model.Balance{ParticipantID: "a", Symbol: "USDC", Available: d(1000)}))
	require.NoError(t, ms.RecordVolume(ctx, &model.VolumeEntry{ID: "v1", ParticipantID: "a", Amount: d(300), OccurredAt: now.Add(-24 * time.Hour)}))
	require.NoError(t, ms.RecordVolume(ctx, &model.VolumeEntry{ID: "v2", ParticipantID: "c", Amount: d(50), OccurredAt: now.AddDate(0, -2, 0)}))

	svc := NewService(ms, network.NewResolver(ms, nil, symbols), policy.Default(), symbols, 30*24*time.Hour,
		func() time.Time { return now })
	return ms, svc
}

func TestProfile(t *testing.T) {
	_, svc := seed(t)

	p, err := svc.Profile(context.Background(), "me")
	require.NoError(t, err)

	assert.Equal(t, model.RankBronze, p.Participant.CurrentRank)
	assert.True(t, p.Available.Equal(d(80)))
	assert.True(t, p.Locked.Equal(d(500)))
	assert.Equal(t, 2, p.Network.TotalDirects)
	assert.Equal(t, 1, p.Network.ActiveDirects)
	assert.Equal(t, [3]int{2, 1, 0}, p.Network.LevelSizes)
	assert.True(t, p.Network.CycleVolume.Equal(d(300)))
	assert.Equal(t, 1, p.MaxCommissionDepth)
	assert.True(t, p.CommissionRates.N0.Equal(d(1.05)))

	require.NotNil(t, p.Maintenance)
	assert.False(t, p.Maintenance.Met)
	missing := map[string]bool{}
	for _, c := range p.Maintenance.Missing() {
		missing[c.Dimension] = true
	}
	assert.True(t, missing[requirement.DimActiveDirects])
	assert.True(t, missing[requirement.DimMonthlyVolume])
	assert.False(t, missing[requirement.DimBlockedBalance])

	require.NotNil(t, p.NextRank)
	assert.Equal(t, model.RankSilver, p.NextRank.Rank)
	assert.Equal(t, requirement.ModeConquest, p.NextRank.Mode)
}

func TestProfile_RecruitHasNoMaintenance(t *testing.T) {
	_, svc := seed(t)
	p, err := svc.Profile(context.Background(), "c")
	require.NoError(t, err)
	assert.Nil(t, p.Maintenance)
	require.NotNil(t, p.NextRank)
	assert.Equal(t, model.RankBronze, p.NextRank.Rank)
}

func TestProfile_NotFound(t *testing.T) {
	_, svc := seed(t)
	_, err := svc.Profile(context.Background(), "ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestNetworkTree(t *testing.T) {
	_, svc := seed(t)
	net, err := svc.NetworkTree(context.Background(), "me")
	require.NoError(t, err)
	require.Len(t, net.Level(2), 1)
	assert.Equal(t, "Carol", net.Level(2)[0].Name)
}

func paid(t *testing.T, ms *store.MemoryStore, id, source string, level int, amount float64, ref, paidAt time.Time) {
	t.Helper()
	ctx := context.Background()
	_, err := ms.InsertCommission(ctx, &model.Commission{
		ID: id, BeneficiaryID: "me", SourceParticipantID: source, Level: level,
		FinalAmount: d(amount), ReferenceDate: ref, Status: model.CommissionPending, CreatedAt: paidAt,
	})
	require.NoError(t, err)
	_, err = ms.SettleCommissions(ctx, "me", ref, "USDT", paidAt)
	require.NoError(t, err)
}

func TestCommissionSummaryAndRecent(t *testing.T) {
	ms, svc := seed(t)
	today := model.Day(now)
	paid(t, ms, "c1", "me", 0, 5, today.AddDate(0, -1, 0), today.AddDate(0, -1, 1))
	paid(t, ms, "c2", "a", 1, 2, today.AddDate(0, 0, -5), today.AddDate(0, 0, -4))
	paid(t, ms, "c3", "me", 0, 3, today.AddDate(0, 0, -1), today.Add(time.Minute))

	sum, err := svc.CommissionSummary(context.Background(), "me")
	require.NoError(t, err)
	assert.True(t, sum.Today.Equal(d(3)), "today %s", sum.Today)
	assert.True(t, sum.ThisMonth.Equal(d(5)), "month %s", sum.ThisMonth)
	assert.True(t, sum.Lifetime.Equal(d(10)), "lifetime %s", sum.Lifetime)

	page, err := svc.RecentCommissions(context.Background(), "me", 1, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "c3", page[0].ID)
	assert.Equal(t, "Me", page[0].SourceName)
	assert.Equal(t, "c2", page[1].ID)
	assert.Equal(t, "Alice", page[1].SourceName)

	rest, err := svc.RecentCommissions(context.Background(), "me", 2, 2)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "c1", rest[0].ID)

	_, err = svc.CommissionSummary(context.Background(), "ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
