package network_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/rank-engine/internal/model"
	"github.com/atmx/rank-engine/internal/network"
	"github.com/atmx/rank-engine/internal/store"
)

var symbols = []string{"USDT", "USDC"}

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func add(t *testing.T, ms *store.MemoryStore, id, referrer string, active bool, balance float64) {
	t.Helper()
	p := &model.Participant{ID: id, Name: "name-" + id, Active: active, RankStatus: model.StatusActive}
	if referrer != "" {
		p.ReferrerID = &referrer
	}
	require.NoError(t, ms.CreateParticipant(context.Background(), p))
	if balance > 0 {
		require.NoError(t, ms.SetBalance(context.Background(), model.Balance{
			ParticipantID: id, Symbol: "USDT", Available: d(balance),
		}))
	}
}

// chain builds root → l1 → l2 → l3 → l4 → l5 plus a second direct.
func chain(t *testing.T) *store.MemoryStore {
	t.Helper()
	ms := store.NewMemoryStore()
	add(t, ms, "root", "", true, 1000)
	add(t, ms, "l1", "root", true, 100)
	add(t, ms, "l1b", "root", false, 50)
	add(t, ms, "l2", "l1", true, 200)
	add(t, ms, "l3", "l2", true, 300)
	add(t, ms, "l4", "l3", true, 400)
	add(t, ms, "l5", "l4", true, 500)
	return ms
}

func TestResolve_ThreeDisjointLevels(t *testing.T) {
	ms := chain(t)
	r := network.NewResolver(ms, nil, symbols)

	net, err := r.Resolve(context.Background(), "root")
	require.NoError(t, err)
	require.Len(t, net.Levels, 3)

	ids := func(level int) []string {
		var out []string
		for _, m := range net.Level(level) {
			out = append(out, m.ID)
		}
		return out
	}
	assert.ElementsMatch(t, []string{"l1", "l1b"}, ids(1))
	assert.Equal(t, []string{"l2"}, ids(2))
	assert.Equal(t, []string{"l3"}, ids(3))
	assert.Equal(t, 4, net.Size())
	assert.NotContains(t, net.MemberIDs(), "l4")
	assert.NotContains(t, net.MemberIDs(), "l5")

	l2 := net.Level(2)[0]
	assert.Equal(t, "l1", l2.ReferrerID)
	assert.Equal(t, 2, l2.Level)
	assert.True(t, l2.TotalBalance.Equal(d(200)))
	assert.True(t, net.TotalBalance(1).Equal(d(150)))
}

func TestResolve_NeverWalksPastDepthThree(t *testing.T) {
	ms := store.NewMemoryStore()
	add(t, ms, "n0", "", true, 0)
	for i := 1; i <= 20; i++ {
		add(t, ms, fmt.Sprintf("n%d", i), fmt.Sprintf("n%d", i-1), true, 10)
	}
	counting := &countingSource{inner: ms}
	r := network.NewResolver(ms, counting, symbols)

	net, err := r.Resolve(context.Background(), "n0")
	require.NoError(t, err)
	assert.Equal(t, 3, net.Size())
	assert.Equal(t, 3, counting.calls)
}

func TestResolve_ActiveDirects(t *testing.T) {
	ms := chain(t)
	r := network.NewResolver(ms, nil, symbols)

	net, err := r.Resolve(context.Background(), "root")
	require.NoError(t, err)
	assert.Equal(t, 1, net.ActiveDirects())
}

func TestResolve_NotFound(t *testing.T) {
	r := network.NewResolver(store.NewMemoryStore(), nil, symbols)
	_, err := r.Resolve(context.Background(), "ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestResolve_LeafHasEmptyLevels(t *testing.T) {
	ms := chain(t)
	r := network.NewResolver(ms, nil, symbols)

	net, err := r.Resolve(context.Background(), "l5")
	require.NoError(t, err)
	assert.Len(t, net.Levels, 3)
	assert.Zero(t, net.Size())
	assert.Zero(t, net.ActiveDirects())
}

func TestVolume_WindowOverNetwork(t *testing.T) {
	ms := chain(t)
	ctx := context.Background()
	from := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 0, 30)

	for _, e := range []model.VolumeEntry{
		{ID: "1", ParticipantID: "l1", Amount: d(100), OccurredAt: from.Add(time.Hour)},
		{ID: "2", ParticipantID: "l3", Amount: d(50), OccurredAt: from.Add(2 * time.Hour)},
		{ID: "3", ParticipantID: "l4", Amount: d(999), OccurredAt: from.Add(time.Hour)},   // beyond depth
		{ID: "4", ParticipantID: "root", Amount: d(999), OccurredAt: from.Add(time.Hour)}, // self
		{ID: "5", ParticipantID: "l2", Amount: d(999), OccurredAt: to},                    // outside window
	} {
		e := e
		require.NoError(t, ms.RecordVolume(ctx, &e))
	}

	r := network.NewResolver(ms, nil, symbols)
	vol, err := r.Volume(ctx, "root", from, to)
	require.NoError(t, err)
	assert.True(t, vol.Equal(d(150)), "got %s", vol)

	stats, err := r.CycleStats(ctx, "root", to, 30*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ActiveDirects)
	assert.True(t, stats.Volume.Equal(d(150)))
	assert.Equal(t, from, stats.From)
}

type countingSource struct {
	inner network.ReferralSource
	calls int
}

func (c *countingSource) Referrals(ctx context.Context, ids []string) (map[string][]string, error) {
	c.calls++
	return c.inner.Referrals(ctx, ids)
}
