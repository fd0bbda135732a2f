package maintenance

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
	"github.com/atmx/rank-engine/internal/requirement"
	"github.com/atmx/rank-engine/internal/rank"
	"github.com/atmx/rank-engine/internal/store"
)

const grace = 7 * 24 * time.Hour

var (
	t0      = time.Date(2026, 6, 1, 3, 0, 0, 0, time.UTC)
	symbols = []string{"USDT", "USDC", "DAI"}
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

type fixture struct {
	deps     Deps
	ms       *store.MemoryStore
	clock    *clock
	sched    *Scheduler
	recovery *GraceRecovery
	events   *notify.Recorder
}

func newFixture(t *testing.T, graceWindow time.Duration, p *model.Participant, directs int) *fixture {
	t.Helper()
	ctx := context.Background()
	ms := store.NewMemoryStore()
	require.NoError(t, ms.CreateParticipant(ctx, p))
	for i := 0; i < directs; i++ {
		ref := p.ID
		require.NoError(t, ms.CreateParticipant(ctx, &model.Participant{
			ID: fmt.Sprintf("%s-d%d", p.ID, i), Active: true, RankStatus: model.StatusActive, ReferrerID: &ref,
		}))
	}

	c := &clock{t: t0}
	table := policy.Default()
	machine := rank.NewMachine(table, rank.DefaultCycle, graceWindow)
	events := &notify.Recorder{}
	deps := Deps{
		Store:    ms,
		Resolver: network.NewResolver(ms, nil, symbols),
		Engine:   rank.NewEngine(ms, table, machine, rank.WithClock(c.now)),
		Table:    table,
		Notifier: events,
		Workers:  4,
		Now:      c.now,
	}
	return &fixture{deps: deps, ms: ms, clock: c, sched: NewScheduler(deps), recovery: NewGraceRecovery(deps), events: events}
}

func bronze(id string) *model.Participant {
	return &model.Participant{
		ID:                   id,
		Active:               true,
		CurrentRank:          model.RankBronze,
		RankStatus:           model.StatusActive,
		BlockedBalance:       d(500),
		LifetimeVolume:       d(1000),
		NextMaintenanceCheck: t0,
	}
}

func (f *fixture) volume(t *testing.T, participantID string, amount float64, at time.Time) {
	t.Helper()
	require.NoError(t, f.ms.RecordVolume(context.Background(), &model.VolumeEntry{
		ID: fmt.Sprintf("v-%d", at.UnixNano()), ParticipantID: participantID, Amount: d(amount), OccurredAt: at,
	}))
}

func (f *fixture) get(t *testing.T, id string) *model.Participant {
	t.Helper()
	p, err := f.ms.GetParticipant(context.Background(), id)
	require.NoError(t, err)
	return p
}

func TestScheduler_ShortfallWarnsWhenGraceEnabled(t *testing.T) {
	f := newFixture(t, grace, bronze("p"), 3)

	sum, err := f.sched.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Selected)
	assert.Equal(t, 1, sum.Unmet)
	assert.Equal(t, 1, sum.Transitions[rank.KindWarn])

	p := f.get(t, "p")
	assert.Equal(t, model.StatusWarning, p.RankStatus)
	assert.Equal(t, model.RankBronze, p.CurrentRank)
	require.NotNil(t, p.GracePeriodEndsAt)
	assert.Equal(t, t0.Add(grace), *p.GracePeriodEndsAt)
	assert.Equal(t, t0.Add(grace), p.NextMaintenanceCheck)
	require.Len(t, f.events.Events(), 1)
	assert.Equal(t, string(model.StatusWarning), f.events.Events()[0].Status)
}

func TestGraceRecovery_RestoresBeforeCycleBoundary(t *testing.T) {
	f := newFixture(t, grace, bronze("p"), 3)
	ctx := context.Background()

	_, err := f.sched.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, model.StatusWarning, f.get(t, "p").RankStatus)

	// Network volume catches up one day into the window.
	f.volume(t, "p-d0", 600, t0.Add(24*time.Hour))

	f.clock.t = t0.Add(48 * time.Hour)
	sum, err := f.recovery.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Transitions[rank.KindRecover])

	p := f.get(t, "p")
	assert.Equal(t, model.StatusActive, p.RankStatus)
	assert.Equal(t, model.RankBronze, p.CurrentRank)
	assert.Nil(t, p.GracePeriodEndsAt)
	assert.Zero(t, p.WarningCount)

	// The grace boundary passes without a downrank.
	f.clock.t = t0.Add(grace)
	sum, err = f.sched.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, sum.Selected)
	assert.Equal(t, model.RankBronze, f.get(t, "p").CurrentRank)
}

func TestGraceRecovery_UnmetIsNoopAndIdempotent(t *testing.T) {
	f := newFixture(t, grace, bronze("p"), 3)
	ctx := context.Background()
	_, err := f.sched.Run(ctx)
	require.NoError(t, err)

	f.clock.t = t0.Add(24 * time.Hour)
	for i := 0; i < 3; i++ {
		sum, err := f.recovery.Run(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, sum.Unmet)
		assert.Empty(t, sum.Transitions)
	}
	p := f.get(t, "p")
	assert.Equal(t, model.StatusWarning, p.RankStatus)
	assert.Equal(t, 1, p.WarningCount)
}

func TestScheduler_DownranksWhenGraceExpires(t *testing.T) {
	f := newFixture(t, grace, bronze("p"), 3)
	ctx := context.Background()
	_, err := f.sched.Run(ctx)
	require.NoError(t, err)

	f.clock.t = t0.Add(grace)
	sum, err := f.sched.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Transitions[rank.KindDownrank])

	p := f.get(t, "p")
	assert.Equal(t, model.RankRecruit, p.CurrentRank)
	assert.Equal(t, model.StatusDownranked, p.RankStatus)
	assert.Nil(t, p.GracePeriodEndsAt)
	assert.Zero(t, p.WarningCount)
	assert.Equal(t, t0.Add(grace).Add(rank.DefaultCycle), p.NextMaintenanceCheck)

	// RECRUIT is never selected again.
	f.clock.t = p.NextMaintenanceCheck
	sum, err = f.sched.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, sum.Selected)
}

func TestScheduler_ImmediateDownrankWithoutGrace(t *testing.T) {
	p := bronze("p")
	p.CurrentRank = model.RankSilver
	p.BlockedBalance = d(2500)
	f := newFixture(t, 0, p, 3)

	_, err := f.sched.Run(context.Background())
	require.NoError(t, err)

	got := f.get(t, "p")
	assert.Equal(t, model.RankBronze, got.CurrentRank)
	assert.Equal(t, model.StatusDownranked, got.RankStatus)
	assert.Equal(t, t0.Add(rank.DefaultCycle), got.NextMaintenanceCheck)
}

func TestScheduler_MetPromotesAndReschedules(t *testing.T) {
	p := bronze("p")
	p.LifetimeVolume = d(20000)
	p.BlockedBalance = d(2500)
	f := newFixture(t, grace, p, 10)
	f.volume(t, "p-d3", 800, t0.Add(-48*time.Hour))

	sum, err := f.sched.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Met)
	assert.Equal(t, 1, sum.Transitions[rank.KindPromote])

	got := f.get(t, "p")
	assert.Equal(t, model.RankSilver, got.CurrentRank)
	assert.Equal(t, model.StatusActive, got.RankStatus)
	assert.Equal(t, t0.Add(rank.DefaultCycle), got.NextMaintenanceCheck)
}

func TestScheduler_MetReinstatesDownranked(t *testing.T) {
	p := bronze("p")
	p.RankStatus = model.StatusDownranked
	f := newFixture(t, grace, p, 3)
	f.volume(t, "p-d1", 500, t0.Add(-time.Hour))

	_, err := f.sched.Run(context.Background())
	require.NoError(t, err)

	got := f.get(t, "p")
	assert.Equal(t, model.StatusActive, got.RankStatus)
	assert.Equal(t, model.RankBronze, got.CurrentRank)
}

func TestScheduler_SkipsNotYetDue(t *testing.T) {
	p := bronze("p")
	p.NextMaintenanceCheck = t0.Add(time.Hour)
	f := newFixture(t, grace, p, 0)

	sum, err := f.sched.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sum.Selected)

	out, err := f.sched.Check(context.Background(), "p", t0)
	require.NoError(t, err)
	assert.True(t, out.Skipped)
}

func TestScheduler_MissingParticipantIsIsolated(t *testing.T) {
	f := newFixture(t, grace, bronze("p"), 3)
	_, err := f.sched.Check(context.Background(), "ghost", t0)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// failingStore fails account transactions for the listed participants.
type failingStore struct {
	*store.MemoryStore
	fail map[string]error
}

func (s *failingStore) MutateAccount(ctx context.Context, id string, fn func(*model.Account) error) error {
	if err, ok := s.fail[id]; ok {
		return err
	}
	return s.MemoryStore.MutateAccount(ctx, id, fn)
}

func (f *fixture) schedulerOver(st store.Store) *Scheduler {
	deps := f.deps
	deps.Store = st
	return NewScheduler(deps)
}

func TestScheduler_StoreFailureMakesRunIncomplete(t *testing.T) {
	f := newFixture(t, grace, bronze("p"), 3)
	require.NoError(t, f.ms.CreateParticipant(context.Background(), bronze("q")))
	sched := f.schedulerOver(&failingStore{
		MemoryStore: f.ms,
		fail:        map[string]error{"q": errors.New("dial tcp: connection refused")},
	})

	sum, err := sched.Run(context.Background())
	require.ErrorIs(t, err, ErrIncomplete)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, 2, sum.Selected)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 1, sum.Transitions[rank.KindWarn])

	// The healthy participant was still processed; a retry only moves q.
	assert.Equal(t, model.StatusWarning, f.get(t, "p").RankStatus)
	sum, err = f.sched.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Selected)
	assert.Equal(t, model.StatusWarning, f.get(t, "q").RankStatus)
}

func TestScheduler_VanishedParticipantDoesNotFailRun(t *testing.T) {
	f := newFixture(t, grace, bronze("p"), 3)
	sched := f.schedulerOver(&failingStore{
		MemoryStore: f.ms,
		fail:        map[string]error{"p": fmt.Errorf("%w: participant p", store.ErrNotFound)},
	})

	sum, err := sched.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Failed)
}

func TestScheduler_DeactivatedDirectMissesActiveDirects(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, grace, bronze("p"), 3)
	f.volume(t, "p-d1", 500, t0.Add(-time.Hour))

	require.NoError(t, f.ms.MutateAccount(ctx, "p-d0", func(acct *model.Account) error {
		acct.Participant.Active = false
		return nil
	}))

	out, err := f.sched.Check(ctx, "p", t0)
	require.NoError(t, err)
	assert.False(t, out.Evaluation.Met)
	missing := out.Evaluation.Missing()
	require.Len(t, missing, 1)
	assert.Equal(t, requirement.DimActiveDirects, missing[0].Dimension)
	assert.True(t, missing[0].Actual.Equal(decimal.NewFromInt(2)))

	got := f.get(t, "p")
	assert.Equal(t, model.StatusWarning, got.RankStatus)
	assert.Equal(t, 3, got.TotalDirects)
}
