package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/rank-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateParticipant(ctx context.Context, p *model.Participant) error {
	if err := s.primary.CreateParticipant(ctx, p); err != nil {
		return err
	}
	// Referrer's total_directs changed.
	if p.ReferrerID != nil {
		s.rdb.Del(ctx, participantKey(*p.ReferrerID))
	}
	return nil
}

func (s *CachedStore) MutateAccount(ctx context.Context, participantID string, fn func(acct *model.Account) error) error {
	if err := s.primary.MutateAccount(ctx, participantID, fn); err != nil {
		return err
	}
	s.rdb.Del(ctx, participantKey(participantID))
	return nil
}

func (s *CachedStore) SettleCommissions(ctx context.Context, beneficiaryID string, referenceDate time.Time, symbol string, paidAt time.Time) (Settlement, error) {
	out, err := s.primary.SettleCommissions(ctx, beneficiaryID, referenceDate, symbol, paidAt)
	if err != nil {
		return out, err
	}
	if out.Records > 0 {
		s.invalidateSums(ctx, beneficiaryID)
	}
	return out, nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetParticipant(ctx context.Context, id string) (*model.Participant, error) {
	data, err := s.rdb.Get(ctx, participantKey(id)).Bytes()
	if err == nil {
		var p model.Participant
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	// Cache miss: read from primary.
	p, err := s.primary.GetParticipant(ctx, id)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(p); err == nil {
		s.rdb.Set(ctx, participantKey(id), data, s.ttl)
	}
	return p, nil
}

func (s *CachedStore) SumPaidCommissions(ctx context.Context, beneficiaryID string, since time.Time) (decimal.Decimal, error) {
	key := sumKey(beneficiaryID)
	field := since.UTC().Format(time.RFC3339)

	if cached, err := s.rdb.HGet(ctx, key, field).Result(); err == nil {
		if total, err := decimal.NewFromString(cached); err == nil {
			return total, nil
		}
	}

	total, err := s.primary.SumPaidCommissions(ctx, beneficiaryID, since)
	if err != nil {
		return decimal.Zero, err
	}
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, field, total.String())
	pipe.Expire(ctx, key, s.ttl)
	_, _ = pipe.Exec(ctx)
	return total, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetParticipants(ctx context.Context, ids []string) ([]model.Participant, error) {
	return s.primary.GetParticipants(ctx, ids)
}

func (s *CachedStore) ListParticipantIDs(ctx context.Context, f ParticipantFilter) ([]string, error) {
	return s.primary.ListParticipantIDs(ctx, f)
}

func (s *CachedStore) Referrals(ctx context.Context, referrerIDs []string) (map[string][]string, error) {
	return s.primary.Referrals(ctx, referrerIDs)
}

func (s *CachedStore) GetBalances(ctx context.Context, participantID string) ([]model.Balance, error) {
	return s.primary.GetBalances(ctx, participantID)
}

func (s *CachedStore) TotalBalances(ctx context.Context, participantIDs []string, symbols []string) (map[string]decimal.Decimal, error) {
	return s.primary.TotalBalances(ctx, participantIDs, symbols)
}

func (s *CachedStore) RecordVolume(ctx context.Context, e *model.VolumeEntry) error {
	return s.primary.RecordVolume(ctx, e)
}

func (s *CachedStore) VolumeBetween(ctx context.Context, participantIDs []string, from, to time.Time) (decimal.Decimal, error) {
	return s.primary.VolumeBetween(ctx, participantIDs, from, to)
}

func (s *CachedStore) InsertCommission(ctx context.Context, c *model.Commission) (bool, error) {
	return s.primary.InsertCommission(ctx, c)
}

func (s *CachedStore) ListCommissions(ctx context.Context, beneficiaryID string, q CommissionQuery) ([]model.Commission, error) {
	return s.primary.ListCommissions(ctx, beneficiaryID, q)
}

// --- Cache helpers ---

func (s *CachedStore) invalidateSums(ctx context.Context, beneficiaryID string) {
	s.rdb.Del(ctx, sumKey(beneficiaryID))
}

func participantKey(id string) string { return fmt.Sprintf("participant:%s", id) }
func sumKey(id string) string         { return fmt.Sprintf("commission_sums:%s", id) }
