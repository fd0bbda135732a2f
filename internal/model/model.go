// Package model defines the core domain types shared across the rank engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Participant is one member of the referral program together with the
// rank state the engine maintains for them.
type Participant struct {
	ID                   string          `json:"id" db:"id"`
	Name                 string          `json:"name" db:"name"`
	Active               bool            `json:"active" db:"active"` // account flag, independent of rank
	ReferrerID           *string         `json:"referrer_id,omitempty" db:"referrer_id"`
	CurrentRank          Rank            `json:"current_rank" db:"current_rank"`
	RankStatus           RankStatus      `json:"rank_status" db:"rank_status"`
	RankConqueredAt      *time.Time      `json:"rank_conquered_at,omitempty" db:"rank_conquered_at"`
	WarningCount         int             `json:"warning_count" db:"warning_count"`
	GracePeriodEndsAt    *time.Time      `json:"grace_period_ends_at,omitempty" db:"grace_period_ends_at"`
	OriginalRank         *Rank           `json:"original_rank,omitempty" db:"original_rank"`
	BlockedBalance       decimal.Decimal `json:"blocked_balance" db:"blocked_balance"` // cache of Σ locked
	TotalDirects         int             `json:"total_directs" db:"total_directs"`
	LifetimeVolume       decimal.Decimal `json:"lifetime_volume" db:"lifetime_volume"`
	NextMaintenanceCheck time.Time       `json:"next_maintenance_check" db:"next_maintenance_check"`
	CreatedAt            time.Time       `json:"created_at" db:"created_at"`
}

// Balance is a participant's holding of one asset symbol.
type Balance struct {
	ParticipantID string          `json:"participant_id" db:"participant_id"`
	Symbol        string          `json:"symbol" db:"symbol"`
	Available     decimal.Decimal `json:"available" db:"available"`
	Locked        decimal.Decimal `json:"locked" db:"locked"`
}

// Total returns available + locked.
func (b Balance) Total() decimal.Decimal {
	return b.Available.Add(b.Locked)
}

// Account is a participant with its balance rows, loaded and persisted as a
// single unit by store.MutateAccount.
type Account struct {
	Participant *Participant
	Balances    []Balance

	// EventID, when set, makes the mutation apply at most once: persisting
	// a second mutation with the same id fails with store.ErrDuplicateEvent.
	EventID string

	// Volume holds entries written in the same transaction as the account.
	Volume []VolumeEntry
}

// Balance returns a pointer to the row for symbol, creating an empty row if
// the participant does not hold that symbol yet.
func (a *Account) Balance(symbol string) *Balance {
	for i := range a.Balances {
		if a.Balances[i].Symbol == symbol {
			return &a.Balances[i]
		}
	}
	a.Balances = append(a.Balances, Balance{
		ParticipantID: a.Participant.ID,
		Symbol:        symbol,
	})
	return &a.Balances[len(a.Balances)-1]
}

// Sum returns the available and locked totals over the given symbols.
func (a *Account) Sum(symbols []string) (available, locked decimal.Decimal) {
	for _, b := range a.Balances {
		if !containsSymbol(symbols, b.Symbol) {
			continue
		}
		available = available.Add(b.Available)
		locked = locked.Add(b.Locked)
	}
	return available, locked
}

func containsSymbol(symbols []string, s string) bool {
	for _, sym := range symbols {
		if sym == s {
			return true
		}
	}
	return false
}

// VolumeEntry records a confirmed deposit for network volume accounting.
type VolumeEntry struct {
	ID            string          `json:"id" db:"id"`
	ParticipantID string          `json:"participant_id" db:"participant_id"`
	Amount        decimal.Decimal `json:"amount" db:"amount"`
	OccurredAt    time.Time       `json:"occurred_at" db:"occurred_at"`
}

// Commission is an immutable record of one commission earned. Once PAID only
// the status may change; records are never deleted.
type Commission struct {
	ID                  string           `json:"id" db:"id"`
	BeneficiaryID       string           `json:"beneficiary_id" db:"beneficiary_id"`
	SourceParticipantID string           `json:"source_participant_id" db:"source_participant_id"` // self for N0
	Level               int              `json:"level" db:"level"`                                 // 0..3
	BaseAmount          decimal.Decimal  `json:"base_amount" db:"base_amount"`
	PercentageApplied   decimal.Decimal  `json:"percentage_applied" db:"percentage_applied"`
	FinalAmount         decimal.Decimal  `json:"final_amount" db:"final_amount"`
	ReferenceDate       time.Time        `json:"reference_date" db:"reference_date"` // UTC day
	Status              CommissionStatus `json:"status" db:"status"`
	CreatedAt           time.Time        `json:"created_at" db:"created_at"`
	PaidAt              *time.Time       `json:"paid_at,omitempty" db:"paid_at"`
}

// Day truncates t to its UTC calendar day.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
