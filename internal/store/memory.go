package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/rank-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu           sync.RWMutex
	participants map[string]*model.Participant
	balances     map[string][]model.Balance
	volume       []model.VolumeEntry
	commissions  []model.Commission
	events       map[string]bool
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		participants: make(map[string]*model.Participant),
		balances:     make(map[string][]model.Balance),
		events:       make(map[string]bool),
	}
}

func (s *MemoryStore) CreateParticipant(_ context.Context, p *model.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.participants[p.ID]; exists {
		return fmt.Errorf("%w: participant %s", ErrAlreadyExists, p.ID)
	}
	if p.ReferrerID != nil {
		ref, ok := s.participants[*p.ReferrerID]
		if !ok {
			return fmt.Errorf("%w: referrer %s", ErrNotFound, *p.ReferrerID)
		}
		ref.TotalDirects++
	}

	// Store a copy to avoid external mutation.
	s.participants[p.ID] = cloneParticipant(p)
	return nil
}

func (s *MemoryStore) GetParticipant(_ context.Context, id string) (*model.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.participants[id]
	if !ok {
		return nil, fmt.Errorf("%w: participant %s", ErrNotFound, id)
	}
	return cloneParticipant(p), nil
}

func (s *MemoryStore) GetParticipants(_ context.Context, ids []string) ([]model.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.Participant, 0, len(ids))
	for _, id := range ids {
		if p, ok := s.participants[id]; ok {
			result = append(result, *cloneParticipant(p))
		}
	}
	return result, nil
}

func (s *MemoryStore) ListParticipantIDs(_ context.Context, f ParticipantFilter) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for id, p := range s.participants {
		if matchesFilter(p, f) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func matchesFilter(p *model.Participant, f ParticipantFilter) bool {
	if len(f.Statuses) > 0 && !hasStatus(f.Statuses, p.RankStatus) {
		return false
	}
	if hasStatus(f.ExcludeStatuses, p.RankStatus) {
		return false
	}
	if p.CurrentRank < f.MinRank {
		return false
	}
	if !f.MaintenanceDueBy.IsZero() && p.NextMaintenanceCheck.After(f.MaintenanceDueBy) {
		return false
	}
	if !f.GraceLiveAt.IsZero() && (p.GracePeriodEndsAt == nil || !p.GracePeriodEndsAt.After(f.GraceLiveAt)) {
		return false
	}
	return true
}

func hasStatus(statuses []model.RankStatus, st model.RankStatus) bool {
	for _, s := range statuses {
		if s == st {
			return true
		}
	}
	return false
}

func (s *MemoryStore) Referrals(_ context.Context, referrerIDs []string) (map[string][]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wanted := make(map[string]bool, len(referrerIDs))
	for _, id := range referrerIDs {
		wanted[id] = true
	}
	out := make(map[string][]string)
	for id, p := range s.participants {
		if p.ReferrerID != nil && wanted[*p.ReferrerID] {
			out[*p.ReferrerID] = append(out[*p.ReferrerID], id)
		}
	}
	for k := range out {
		sort.Strings(out[k])
	}
	return out, nil
}

func (s *MemoryStore) GetBalances(_ context.Context, participantID string) ([]model.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.participants[participantID]; !ok {
		return nil, fmt.Errorf("%w: participant %s", ErrNotFound, participantID)
	}
	return append([]model.Balance(nil), s.balances[participantID]...), nil
}

func (s *MemoryStore) TotalBalances(_ context.Context, participantIDs []string, symbols []string) (map[string]decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	totals := make(map[string]decimal.Decimal, len(participantIDs))
	for _, id := range participantIDs {
		acct := model.Account{Participant: &model.Participant{ID: id}, Balances: s.balances[id]}
		available, locked := acct.Sum(symbols)
		totals[id] = available.Add(locked)
	}
	return totals, nil
}

// MutateAccount runs fn on copies of the participant and its balances under
// the store's write lock and swaps the copies in only if fn succeeds.
func (s *MemoryStore) MutateAccount(_ context.Context, participantID string, fn func(acct *model.Account) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.participants[participantID]
	if !ok {
		return fmt.Errorf("%w: participant %s", ErrNotFound, participantID)
	}
	acct := &model.Account{
		Participant: cloneParticipant(p),
		Balances:    append([]model.Balance(nil), s.balances[participantID]...),
	}
	if err := fn(acct); err != nil {
		return err
	}
	if acct.EventID != "" {
		if s.events[acct.EventID] {
			return fmt.Errorf("%w: %s", ErrDuplicateEvent, acct.EventID)
		}
		s.events[acct.EventID] = true
	}
	acct.Participant.ID = participantID
	s.participants[participantID] = acct.Participant
	s.balances[participantID] = acct.Balances
	s.volume = append(s.volume, acct.Volume...)
	return nil
}

func (s *MemoryStore) RecordVolume(_ context.Context, e *model.VolumeEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.volume = append(s.volume, *e)
	return nil
}

func (s *MemoryStore) VolumeBetween(_ context.Context, participantIDs []string, from, to time.Time) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wanted := make(map[string]bool, len(participantIDs))
	for _, id := range participantIDs {
		wanted[id] = true
	}
	total := decimal.Zero
	for _, e := range s.volume {
		if !wanted[e.ParticipantID] {
			continue
		}
		if e.OccurredAt.Before(from) || !e.OccurredAt.Before(to) {
			continue
		}
		total = total.Add(e.Amount)
	}
	return total, nil
}

func (s *MemoryStore) InsertCommission(_ context.Context, c *model.Commission) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.commissions {
		if existing.BeneficiaryID == c.BeneficiaryID &&
			existing.SourceParticipantID == c.SourceParticipantID &&
			existing.Level == c.Level &&
			existing.ReferenceDate.Equal(c.ReferenceDate) {
			return false, nil
		}
	}
	s.commissions = append(s.commissions, *c)
	return true, nil
}

func (s *MemoryStore) SettleCommissions(_ context.Context, beneficiaryID string, referenceDate time.Time, symbol string, paidAt time.Time) (Settlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out Settlement
	if _, ok := s.participants[beneficiaryID]; !ok {
		return out, fmt.Errorf("%w: participant %s", ErrNotFound, beneficiaryID)
	}

	for i := range s.commissions {
		c := &s.commissions[i]
		if c.BeneficiaryID != beneficiaryID || c.Status != model.CommissionPending || c.ReferenceDate.After(referenceDate) {
			continue
		}
		out.Amount = out.Amount.Add(c.FinalAmount)
		out.Records++
		paid := paidAt
		c.Status = model.CommissionPaid
		c.PaidAt = &paid
	}
	if out.Records == 0 {
		return out, nil
	}

	acct := model.Account{Participant: &model.Participant{ID: beneficiaryID}, Balances: s.balances[beneficiaryID]}
	bal := acct.Balance(symbol)
	bal.Available = bal.Available.Add(out.Amount)
	s.balances[beneficiaryID] = acct.Balances
	return out, nil
}

func (s *MemoryStore) ListCommissions(_ context.Context, beneficiaryID string, q CommissionQuery) ([]model.Commission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Commission
	for _, c := range s.commissions {
		if c.BeneficiaryID == beneficiaryID {
			result = append(result, c)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].Level < result[j].Level
	})

	if q.Offset >= len(result) {
		return []model.Commission{}, nil
	}
	result = result[q.Offset:]
	if q.Limit > 0 && q.Limit < len(result) {
		result = result[:q.Limit]
	}
	return result, nil
}

func (s *MemoryStore) SumPaidCommissions(_ context.Context, beneficiaryID string, since time.Time) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := decimal.Zero
	for _, c := range s.commissions {
		if c.BeneficiaryID != beneficiaryID || c.Status != model.CommissionPaid || c.PaidAt == nil {
			continue
		}
		if c.PaidAt.Before(since) {
			continue
		}
		total = total.Add(c.FinalAmount)
	}
	return total, nil
}

// SetBalance overwrites a balance row. Used by tests and seeding.
func (s *MemoryStore) SetBalance(_ context.Context, b model.Balance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.participants[b.ParticipantID]
	if !ok {
		return fmt.Errorf("%w: participant %s", ErrNotFound, b.ParticipantID)
	}
	acct := model.Account{Participant: p, Balances: s.balances[b.ParticipantID]}
	row := acct.Balance(b.Symbol)
	row.Available = b.Available
	row.Locked = b.Locked
	s.balances[b.ParticipantID] = acct.Balances
	return nil
}

// Commissions returns every stored commission. Used by tests.
func (s *MemoryStore) Commissions() []model.Commission {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.Commission(nil), s.commissions...)
}

func cloneParticipant(p *model.Participant) *model.Participant {
	c := *p
	if p.ReferrerID != nil {
		ref := *p.ReferrerID
		c.ReferrerID = &ref
	}
	if p.RankConqueredAt != nil {
		t := *p.RankConqueredAt
		c.RankConqueredAt = &t
	}
	if p.GracePeriodEndsAt != nil {
		t := *p.GracePeriodEndsAt
		c.GracePeriodEndsAt = &t
	}
	if p.OriginalRank != nil {
		r := *p.OriginalRank
		c.OriginalRank = &r
	}
	return &c
}
