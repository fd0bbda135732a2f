// Package store defines the persistence interface for the rank engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/rank-engine/internal/model"
)

var (
	// ErrNotFound is returned when a participant does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrAlreadyExists is returned when creating a participant whose id is taken.
	ErrAlreadyExists = errors.New("store: already exists")

	// ErrDuplicateEvent is returned by MutateAccount when the account
	// mutation's EventID was already applied.
	ErrDuplicateEvent = errors.New("store: duplicate event")

	// ErrTxConflict is returned when a serializable transaction keeps
	// conflicting after every retry.
	ErrTxConflict = errors.New("store: transaction conflict")
)

// ParticipantFilter selects participants for batch jobs. Zero-valued fields
// do not filter.
type ParticipantFilter struct {
	Statuses         []model.RankStatus
	ExcludeStatuses  []model.RankStatus
	MinRank          model.Rank
	MaintenanceDueBy time.Time // next_maintenance_check <= MaintenanceDueBy
	GraceLiveAt      time.Time // grace_period_ends_at > GraceLiveAt
}

// CommissionQuery pages through a beneficiary's commissions, newest first.
type CommissionQuery struct {
	Offset int
	Limit  int
}

// Settlement is the outcome of crediting a beneficiary's pending commissions.
type Settlement struct {
	Records int
	Amount  decimal.Decimal
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Participants ---

	// CreateParticipant persists a new participant and increments the
	// referrer's total_directs in the same transaction.
	CreateParticipant(ctx context.Context, p *model.Participant) error

	// GetParticipant retrieves a participant by id.
	GetParticipant(ctx context.Context, id string) (*model.Participant, error)

	// GetParticipants retrieves the participants with the given ids. Missing
	// ids are skipped.
	GetParticipants(ctx context.Context, ids []string) ([]model.Participant, error)

	// ListParticipantIDs returns the ids matching filter.
	ListParticipantIDs(ctx context.Context, filter ParticipantFilter) ([]string, error)

	// Referrals returns the direct referrals of each given referrer.
	Referrals(ctx context.Context, referrerIDs []string) (map[string][]string, error)

	// --- Balances ---

	// GetBalances returns all balance rows of a participant.
	GetBalances(ctx context.Context, participantID string) ([]model.Balance, error)

	// TotalBalances returns Σ(available + locked) over symbols per participant.
	TotalBalances(ctx context.Context, participantIDs []string, symbols []string) (map[string]decimal.Decimal, error)

	// MutateAccount loads the participant and its balances under a row lock,
	// applies fn, and persists both atomically together with the account's
	// Volume entries and EventID. If fn returns an error, or the EventID was
	// already applied (ErrDuplicateEvent), nothing is written.
	MutateAccount(ctx context.Context, participantID string, fn func(acct *model.Account) error) error

	// --- Volume ---

	// RecordVolume appends a confirmed deposit for volume accounting.
	RecordVolume(ctx context.Context, e *model.VolumeEntry) error

	// VolumeBetween sums the volume of participants in [from, to). A zero
	// from means the beginning of time.
	VolumeBetween(ctx context.Context, participantIDs []string, from, to time.Time) (decimal.Decimal, error)

	// --- Commissions ---

	// InsertCommission stores c unless a record with the same beneficiary,
	// source, level and reference date exists. It reports whether c was
	// inserted.
	InsertCommission(ctx context.Context, c *model.Commission) (bool, error)

	// SettleCommissions credits the sum of the beneficiary's PENDING records
	// with a reference date on or before referenceDate to the available
	// balance of symbol in one increment and marks them PAID, atomically.
	// Records left PENDING by an interrupted earlier run are paid here.
	SettleCommissions(ctx context.Context, beneficiaryID string, referenceDate time.Time, symbol string, paidAt time.Time) (Settlement, error)

	// ListCommissions returns a page of the beneficiary's commissions.
	ListCommissions(ctx context.Context, beneficiaryID string, q CommissionQuery) ([]model.Commission, error)

	// SumPaidCommissions sums PAID commissions paid at or after since. A zero
	// since sums the lifetime total.
	SumPaidCommissions(ctx context.Context, beneficiaryID string, since time.Time) (decimal.Decimal, error)
}
