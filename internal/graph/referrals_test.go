package graph

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReferrals_GroupsByReferrer(t *testing.T) {
	mc := NewMemoryClient()
	mc.PushReadResult(Result{Records: []Record{
		{"referrer": "a", "referral": "b"},
		{"referrer": "a", "referral": "c"},
		{"referrer": "x", "referral": "y"},
	}})
	g := NewReferrals(mc)

	got, err := g.Referrals(context.Background(), []string{"a", "x", "z"})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, got["a"])
	assert.Equal(t, []string{"y"}, got["x"])
	assert.Empty(t, got["z"])

	reads := mc.Reads()
	require.Len(t, reads, 1)
	assert.Equal(t, []string{"a", "x", "z"}, reads[0].Params["ids"])
}

func TestReferrals_EmptyInputSkipsQuery(t *testing.T) {
	mc := NewMemoryClient()
	got, err := NewReferrals(mc).Referrals(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Empty(t, mc.Reads())
}

func TestReferrals_RejectsMalformedRecord(t *testing.T) {
	mc := NewMemoryClient()
	mc.PushReadResult(Result{Records: []Record{{"referrer": "a", "referral": 42}}})
	_, err := NewReferrals(mc).Referrals(context.Background(), []string{"a"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `column "referral"`)
}

func TestAddParticipant(t *testing.T) {
	mc := NewMemoryClient()
	g := NewReferrals(mc)
	ctx := context.Background()

	require.NoError(t, g.AddParticipant(ctx, "root", ""))
	require.NoError(t, g.AddParticipant(ctx, "kid", "root"))

	writes := mc.Writes()
	require.Len(t, writes, 2)
	assert.Equal(t, nodeCypher, writes[0].Query)
	assert.NotContains(t, writes[0].Params, "referrer")
	assert.Equal(t, referCypher, writes[1].Query)
	assert.Equal(t, "root", writes[1].Params["referrer"])
}

func TestAddParticipant_PropagatesErrors(t *testing.T) {
	mc := NewMemoryClient().WithError(errors.New("bolt closed"))
	err := NewReferrals(mc).AddParticipant(context.Background(), "p", "")
	assert.ErrorContains(t, err, "bolt closed")
}
