package commission

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/rank-engine/internal/model"
	"github.com/atmx/rank-engine/internal/network"
	"github.com/atmx/rank-engine/internal/notify"
	"github.com/atmx/rank-engine/internal/policy"
	"github.com/atmx/rank-engine/internal/store"
)

var (
	symbols = []string{"USDT", "USDC", "DAI"}
	now     = time.Date(2026, 5, 20, 0, 5, 0, 0, time.UTC)
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func add(t *testing.T, ms *store.MemoryStore, id, referrer string, r model.Rank, st model.RankStatus, usdt float64) {
	t.Helper()
	p := &model.Participant{ID: id, Name: id, Active: true, CurrentRank: r, RankStatus: st}
	if referrer != "" {
		p.ReferrerID = &referrer
	}
	require.NoError(t, ms.CreateParticipant(context.Background(), p))
	if usdt > 0 {
		require.NoError(t, ms.SetBalance(context.Background(), model.Balance{ParticipantID: id, Symbol: "USDT", Available: d(usdt)}))
	}
}

func newDistributor(ms store.Store, workers int, n notify.Notifier) *Distributor {
	return NewDistributor(ms, network.NewResolver(ms, nil, symbols), policy.Default(),
		Config{QualifyingSymbols: symbols, PayoutSymbol: "USDT", Workers: workers},
		WithClock(func() time.Time { return now }),
		WithNotifier(n),
	)
}

func available(t *testing.T, ms *store.MemoryStore, id string) decimal.Decimal {
	t.Helper()
	rows, err := ms.GetBalances(context.Background(), id)
	require.NoError(t, err)
	acct := model.Account{Participant: &model.Participant{ID: id}, Balances: rows}
	avail, _ := acct.Sum(symbols)
	return avail
}

func TestRun_BronzeOwnBalance(t *testing.T) {
	ms := store.NewMemoryStore()
	add(t, ms, "p1", "", model.RankBronze, model.StatusActive, 1000)
	rec := &notify.Recorder{}

	sum, err := newDistributor(ms, 4, rec).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Records)
	assert.True(t, sum.TotalAmount.Equal(d(10.5)), "total %s", sum.TotalAmount)

	records := ms.Commissions()
	require.Len(t, records, 1)
	c := records[0]
	assert.Equal(t, model.CommissionPaid, c.Status)
	assert.Equal(t, 0, c.Level)
	assert.Equal(t, "p1", c.SourceParticipantID)
	assert.True(t, c.FinalAmount.Equal(d(10.5)))
	assert.True(t, c.PercentageApplied.Equal(d(1.05)))
	assert.Equal(t, time.Date(2026, 5, 19, 0, 0, 0, 0, time.UTC), c.ReferenceDate)
	require.NotNil(t, c.PaidAt)

	assert.True(t, available(t, ms, "p1").Equal(d(1010.5)))

	events := rec.Events()
	require.Len(t, events, 1)
	assert.Equal(t, notify.TypeCommissionPaid, events[0].Type)
	assert.Equal(t, "10.5", events[0].Amount)
}

func TestRun_RerunCreditsNothingTwice(t *testing.T) {
	ms := store.NewMemoryStore()
	add(t, ms, "p1", "", model.RankBronze, model.StatusActive, 1000)
	dist := newDistributor(ms, 4, nil)

	_, err := dist.Run(context.Background())
	require.NoError(t, err)
	second, err := dist.Run(context.Background())
	require.NoError(t, err)

	assert.Zero(t, second.Created)
	assert.Zero(t, second.Records)
	assert.True(t, second.TotalAmount.IsZero())
	assert.Len(t, ms.Commissions(), 1)
	assert.True(t, available(t, ms, "p1").Equal(d(1010.5)))
}

func TestRun_NetworkLevelsFollowDepth(t *testing.T) {
	ms := store.NewMemoryStore()
	add(t, ms, "silver", "", model.RankSilver, model.StatusActive, 0)
	add(t, ms, "a", "silver", model.RankRecruit, model.StatusActive, 1000)
	add(t, ms, "b", "a", model.RankRecruit, model.StatusActive, 2000)
	add(t, ms, "c", "b", model.RankRecruit, model.StatusActive, 4000)

	records, skipped, err := newDistributor(ms, 1, nil).Compute(context.Background(), "silver", ReferenceDate(now))
	require.NoError(t, err)
	assert.False(t, skipped)

	// SILVER pays N1 0.25% and N2 0.10%, depth 2; no own balance, no N3.
	byLevel := map[int]model.Commission{}
	for _, c := range records {
		byLevel[c.Level] = c
	}
	require.Len(t, records, 2)
	assert.True(t, byLevel[1].FinalAmount.Equal(d(2.5)))
	assert.Equal(t, "a", byLevel[1].SourceParticipantID)
	assert.True(t, byLevel[2].FinalAmount.Equal(d(2)))
	assert.Equal(t, "b", byLevel[2].SourceParticipantID)
}

func TestRun_SkipsDownranked(t *testing.T) {
	ms := store.NewMemoryStore()
	add(t, ms, "p1", "", model.RankBronze, model.StatusDownranked, 1000)
	add(t, ms, "p2", "", model.RankBronze, model.StatusWarning, 1000)

	sum, err := newDistributor(ms, 2, nil).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Records)

	records := ms.Commissions()
	require.Len(t, records, 1)
	assert.Equal(t, "p2", records[0].BeneficiaryID)
	assert.True(t, available(t, ms, "p1").Equal(d(1000)))
}

func seedNetwork(t *testing.T) *store.MemoryStore {
	t.Helper()
	ms := store.NewMemoryStore()
	add(t, ms, "gold", "", model.RankGold, model.StatusActive, 20000)
	add(t, ms, "s1", "gold", model.RankSilver, model.StatusActive, 5000)
	add(t, ms, "b1", "s1", model.RankBronze, model.StatusActive, 1500)
	add(t, ms, "b2", "s1", model.RankBronze, model.StatusWarning, 700)
	add(t, ms, "r1", "b1", model.RankRecruit, model.StatusActive, 300)
	add(t, ms, "r2", "b2", model.RankRecruit, model.StatusActive, 90)
	add(t, ms, "r3", "r1", model.RankRecruit, model.StatusActive, 10)
	return ms
}

func TestRun_TotalIndependentOfProcessingOrder(t *testing.T) {
	ctx := context.Background()

	// Expected total from a snapshot taken before any credit lands.
	snapshot := seedNetwork(t)
	expected := decimal.Zero
	ids, err := snapshot.ListParticipantIDs(ctx, store.ParticipantFilter{})
	require.NoError(t, err)
	computer := newDistributor(snapshot, 1, nil)
	for i := len(ids) - 1; i >= 0; i-- {
		records, _, err := computer.Compute(ctx, ids[i], ReferenceDate(now))
		require.NoError(t, err)
		for _, c := range records {
			expected = expected.Add(c.FinalAmount)
		}
	}

	for _, workers := range []int{1, 3, 16} {
		ms := seedNetwork(t)
		sum, err := newDistributor(ms, workers, nil).Run(ctx)
		require.NoError(t, err)
		assert.True(t, sum.TotalAmount.Equal(expected), "workers=%d got %s want %s", workers, sum.TotalAmount, expected)
	}
}

type failingStore struct {
	*store.MemoryStore
	insertFailFor string
	insertErr     error
	settleFailFor string
}

func (f *failingStore) InsertCommission(ctx context.Context, c *model.Commission) (bool, error) {
	if c.BeneficiaryID == f.insertFailFor {
		return false, f.insertErr
	}
	return f.MemoryStore.InsertCommission(ctx, c)
}

func (f *failingStore) SettleCommissions(ctx context.Context, beneficiaryID string, ref time.Time, symbol string, paidAt time.Time) (store.Settlement, error) {
	if beneficiaryID == f.settleFailFor {
		return store.Settlement{}, errors.New("connection reset by peer")
	}
	return f.MemoryStore.SettleCommissions(ctx, beneficiaryID, ref, symbol, paidAt)
}

func distributorAt(st store.Store, at time.Time) *Distributor {
	return NewDistributor(st, network.NewResolver(st, nil, symbols), policy.Default(),
		Config{QualifyingSymbols: symbols, PayoutSymbol: "USDT", Workers: 2},
		WithClock(func() time.Time { return at }),
	)
}

func TestRun_IsolatesMissingParticipant(t *testing.T) {
	ms := store.NewMemoryStore()
	add(t, ms, "bad", "", model.RankBronze, model.StatusActive, 1000)
	add(t, ms, "good", "", model.RankBronze, model.StatusActive, 1000)

	fs := &failingStore{MemoryStore: ms, insertFailFor: "bad", insertErr: fmt.Errorf("%w: participant bad", store.ErrNotFound)}
	sum, err := newDistributor(fs, 2, nil).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 1, sum.Processed)
	assert.True(t, available(t, ms, "good").Equal(d(1010.5)))
	assert.True(t, available(t, ms, "bad").Equal(d(1000)))
}

func TestRun_InfraFailureIsReportedAndRetrySafe(t *testing.T) {
	ms := store.NewMemoryStore()
	add(t, ms, "bad", "", model.RankBronze, model.StatusActive, 1000)
	add(t, ms, "good", "", model.RankBronze, model.StatusActive, 1000)

	fs := &failingStore{MemoryStore: ms, insertFailFor: "bad", insertErr: errors.New("connection refused")}
	sum, err := newDistributor(fs, 2, nil).Run(context.Background())
	require.ErrorIs(t, err, ErrIncomplete)
	assert.Equal(t, 1, sum.Failed)
	assert.True(t, available(t, ms, "good").Equal(d(1010.5)))
	assert.True(t, available(t, ms, "bad").Equal(d(1000)))

	// The retry pays the participant that failed and nobody twice.
	sum, err = newDistributor(ms, 2, nil).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Records)
	assert.True(t, available(t, ms, "good").Equal(d(1010.5)))
	assert.True(t, available(t, ms, "bad").Equal(d(1010.5)))
}

func TestRun_SettlesPendingFromInterruptedDay(t *testing.T) {
	ms := store.NewMemoryStore()
	add(t, ms, "p1", "", model.RankBronze, model.StatusActive, 1000)
	dayD := now
	dayAfter := now.AddDate(0, 0, 1)

	_, err := distributorAt(&failingStore{MemoryStore: ms, settleFailFor: "p1"}, dayD).Run(context.Background())
	require.ErrorIs(t, err, ErrIncomplete)
	records := ms.Commissions()
	require.Len(t, records, 1)
	assert.Equal(t, model.CommissionPending, records[0].Status)
	assert.True(t, available(t, ms, "p1").Equal(d(1000)))

	sum, err := distributorAt(ms, dayAfter).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Records)
	assert.True(t, sum.TotalAmount.Equal(d(21)), "total %s", sum.TotalAmount)

	for _, c := range ms.Commissions() {
		assert.Equal(t, model.CommissionPaid, c.Status, "reference date %s", c.ReferenceDate)
	}
	assert.True(t, available(t, ms, "p1").Equal(d(1021)))
}

func TestRun_NotifierFailureKeepsCredit(t *testing.T) {
	ms := store.NewMemoryStore()
	add(t, ms, "p1", "", model.RankBronze, model.StatusActive, 1000)

	sum, err := newDistributor(ms, 1, &notify.Recorder{Err: errors.New("offline")}).Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sum.Failed)
	assert.True(t, available(t, ms, "p1").Equal(d(1010.5)))
}
