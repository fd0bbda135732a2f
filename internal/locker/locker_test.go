package locker

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/rank-engine/internal/model"
	"github.com/atmx/rank-engine/internal/policy"
	"github.com/atmx/rank-engine/internal/rank"
	"github.com/atmx/rank-engine/internal/store"
)

var (
	now     = time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC)
	symbols = []string{"USDT", "USDC", "DAI"}
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type fixture struct {
	ms *store.MemoryStore
	l  *Locker
}

func newFixture(t *testing.T, p *model.Participant, balances ...model.Balance) *fixture {
	t.Helper()
	ctx := context.Background()
	ms := store.NewMemoryStore()
	if p.RankStatus == "" {
		p.RankStatus = model.StatusActive
	}
	require.NoError(t, ms.CreateParticipant(ctx, p))
	for _, b := range balances {
		b.ParticipantID = p.ID
		require.NoError(t, ms.SetBalance(ctx, b))
	}
	machine := rank.NewMachine(policy.Default(), rank.DefaultCycle, 7*24*time.Hour)
	l := New(ms, policy.Default(), machine, symbols, WithClock(func() time.Time { return now }))
	return &fixture{ms: ms, l: l}
}

func (f *fixture) account(t *testing.T, id string) (*model.Participant, decimal.Decimal, decimal.Decimal) {
	t.Helper()
	ctx := context.Background()
	p, err := f.ms.GetParticipant(ctx, id)
	require.NoError(t, err)
	rows, err := f.ms.GetBalances(ctx, id)
	require.NoError(t, err)
	acct := model.Account{Participant: p, Balances: rows}
	available, locked := acct.Sum(symbols)
	return p, available, locked
}

func TestLockMinimum_BelowFloorIsNoop(t *testing.T) {
	f := newFixture(t, &model.Participant{ID: "p1"}, model.Balance{Symbol: "USDT", Available: d(50)})

	res, err := f.l.LockMinimumForRank(context.Background(), "p1")
	require.NoError(t, err)
	assert.False(t, res.Blocked)
	assert.True(t, res.Amount.IsZero())

	p, available, locked := f.account(t, "p1")
	assert.Equal(t, model.RankRecruit, p.CurrentRank)
	assert.True(t, available.Equal(d(50)))
	assert.True(t, locked.IsZero())
}

func TestLockMinimum_LocksBronzeFloor(t *testing.T) {
	f := newFixture(t, &model.Participant{ID: "p1", TotalDirects: 3}, model.Balance{Symbol: "USDT", Available: d(500)})

	res, err := f.l.LockMinimumForRank(context.Background(), "p1")
	require.NoError(t, err)
	assert.True(t, res.Blocked)
	assert.True(t, res.Amount.Equal(d(500)), "locked %s", res.Amount)
	assert.Equal(t, model.RankBronze, res.ToRank)

	p, available, locked := f.account(t, "p1")
	assert.Equal(t, model.RankBronze, p.CurrentRank)
	assert.Equal(t, model.StatusActive, p.RankStatus)
	assert.True(t, available.IsZero())
	assert.True(t, locked.Equal(d(500)))
	assert.True(t, p.BlockedBalance.Equal(d(500)))
	require.NotNil(t, p.RankConqueredAt)
	assert.Equal(t, now, *p.RankConqueredAt)
}

func TestLockMinimum_OnlyIncrementalAndPriorityOrder(t *testing.T) {
	f := newFixture(t,
		&model.Participant{ID: "p1", TotalDirects: 10, CurrentRank: model.RankBronze, BlockedBalance: d(500)},
		model.Balance{Symbol: "USDT", Available: d(1200), Locked: d(500)},
		model.Balance{Symbol: "DAI", Available: d(5000)},
		model.Balance{Symbol: "USDC", Available: d(300)},
	)

	res, err := f.l.LockMinimumForRank(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, model.RankSilver, res.ToRank)
	assert.True(t, res.Amount.Equal(d(2000)), "locked %s", res.Amount)

	rows, err := f.ms.GetBalances(context.Background(), "p1")
	require.NoError(t, err)
	by := map[string]model.Balance{}
	for _, b := range rows {
		by[b.Symbol] = b
	}
	assert.True(t, by["USDT"].Available.IsZero())
	assert.True(t, by["USDC"].Available.IsZero())
	assert.True(t, by["DAI"].Available.Equal(d(4500)))
	assert.True(t, by["DAI"].Locked.Equal(d(500)))

	p, available, locked := f.account(t, "p1")
	assert.True(t, p.BlockedBalance.Equal(d(2500)))
	assert.True(t, locked.Equal(d(2500)))
	assert.False(t, available.IsNegative())
}

func TestLockMinimum_SameRankIsNoop(t *testing.T) {
	f := newFixture(t,
		&model.Participant{ID: "p1", TotalDirects: 3, CurrentRank: model.RankBronze, BlockedBalance: d(500)},
		model.Balance{Symbol: "USDT", Available: d(900), Locked: d(500)},
	)
	res, err := f.l.LockMinimumForRank(context.Background(), "p1")
	require.NoError(t, err)
	assert.False(t, res.Blocked)

	_, available, _ := f.account(t, "p1")
	assert.True(t, available.Equal(d(900)))
}

func TestLockMinimum_NotFound(t *testing.T) {
	f := newFixture(t, &model.Participant{ID: "p1"})
	_, err := f.l.LockMinimumForRank(context.Background(), "ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestUnlock_GoldToBelowBronzeFloor(t *testing.T) {
	f := newFixture(t,
		&model.Participant{ID: "p1", TotalDirects: 30, CurrentRank: model.RankGold, BlockedBalance: d(10000)},
		model.Balance{Symbol: "USDT", Locked: d(10000)},
	)

	res, err := f.l.Unlock(context.Background(), "p1", d(9950))
	require.NoError(t, err)
	require.NotNil(t, res.Transition)
	assert.Equal(t, rank.KindForceDownrank, res.Transition.Kind)
	assert.Equal(t, model.RankRecruit, res.ToRank)

	p, available, locked := f.account(t, "p1")
	assert.Equal(t, model.RankRecruit, p.CurrentRank)
	assert.Equal(t, model.StatusDownranked, p.RankStatus)
	assert.True(t, p.BlockedBalance.Equal(d(50)))
	assert.True(t, locked.Equal(d(50)))
	assert.True(t, available.Equal(d(9950)))
	assert.Nil(t, p.GracePeriodEndsAt)
	assert.Zero(t, p.WarningCount)
}

func TestUnlock_KeepsRankWhenFloorCovered(t *testing.T) {
	f := newFixture(t,
		&model.Participant{ID: "p1", CurrentRank: model.RankBronze, BlockedBalance: d(800)},
		model.Balance{Symbol: "USDT", Locked: d(800)},
	)
	res, err := f.l.Unlock(context.Background(), "p1", d(300))
	require.NoError(t, err)
	assert.Nil(t, res.Transition)

	p, _, _ := f.account(t, "p1")
	assert.Equal(t, model.RankBronze, p.CurrentRank)
	assert.Equal(t, model.StatusActive, p.RankStatus)
}

func TestUnlock_Validation(t *testing.T) {
	f := newFixture(t,
		&model.Participant{ID: "p1", CurrentRank: model.RankBronze, BlockedBalance: d(500)},
		model.Balance{Symbol: "USDT", Locked: d(500)},
	)
	ctx := context.Background()

	_, err := f.l.Unlock(ctx, "p1", decimal.Zero)
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = f.l.Unlock(ctx, "p1", d(-5))
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = f.l.Unlock(ctx, "p1", d(500.01))
	assert.ErrorIs(t, err, ErrInsufficientLockedBalance)

	p, available, locked := f.account(t, "p1")
	assert.True(t, locked.Equal(d(500)))
	assert.True(t, available.IsZero())
	assert.Equal(t, model.RankBronze, p.CurrentRank)
}

func TestResyncBlockedBalance(t *testing.T) {
	f := newFixture(t,
		&model.Participant{ID: "p1", CurrentRank: model.RankBronze, BlockedBalance: d(123)},
		model.Balance{Symbol: "USDT", Locked: d(400)},
		model.Balance{Symbol: "USDC", Locked: d(100)},
		model.Balance{Symbol: "BTC", Locked: d(7)},
	)
	blocked, err := f.l.ResyncBlockedBalance(context.Background(), "p1")
	require.NoError(t, err)
	assert.True(t, blocked.Equal(d(500)))

	p, _, _ := f.account(t, "p1")
	assert.True(t, p.BlockedBalance.Equal(d(500)))
	assert.Equal(t, model.RankBronze, p.CurrentRank)
}

func TestAchievable(t *testing.T) {
	f := newFixture(t, &model.Participant{ID: "p1"})
	assert.Equal(t, model.RankRecruit, f.l.Achievable(2, d(100000)))
	assert.Equal(t, model.RankBronze, f.l.Achievable(3, d(2499)))
	assert.Equal(t, model.RankSilver, f.l.Achievable(24, d(1000000)))
	assert.Equal(t, model.RankGold, f.l.Achievable(25, d(10000)))
}

func TestLockWithin_RankAndFundsMoveTogether(t *testing.T) {
	f := newFixture(t, &model.Participant{ID: "p1"})
	acct := &model.Account{
		Participant: &model.Participant{ID: "p1", TotalDirects: 10, RankStatus: model.StatusActive},
		Balances:    []model.Balance{{ParticipantID: "p1", Symbol: "USDC", Available: d(3000)}},
	}

	res, err := f.l.LockWithin(acct, now)
	require.NoError(t, err)
	require.NotNil(t, res.Transition)
	assert.Equal(t, model.RankSilver, acct.Participant.CurrentRank)
	assert.Equal(t, model.RankSilver, res.Transition.ToRank)

	available, locked := acct.Sum(symbols)
	assert.True(t, locked.Equal(res.Amount))
	assert.True(t, acct.Participant.BlockedBalance.Equal(res.Amount))
	assert.True(t, available.Add(locked).Equal(d(3000)))
	assert.True(t, res.Amount.Equal(d(2500)))

	// Nothing left to lift: no transition and no further movement.
	again, err := f.l.LockWithin(acct, now)
	require.NoError(t, err)
	assert.Nil(t, again.Transition)
	_, lockedAgain := acct.Sum(symbols)
	assert.True(t, lockedAgain.Equal(locked))
}
