// Package account handles the balance-affecting events that trigger rank
// re-evaluation: signup, deposits, withdrawals and admin re-evaluation. It
// also toggles account activation and reconciles the counters cached on the
// participant row.
package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/rank-engine/internal/locker"
	"github.com/atmx/rank-engine/internal/model"
	"github.com/atmx/rank-engine/internal/network"
	"github.com/atmx/rank-engine/internal/notify"
	"github.com/atmx/rank-engine/internal/rank"
	"github.com/atmx/rank-engine/internal/store"
)

var (
	// ErrInsufficientFunds is returned when withdrawing more than is available.
	ErrInsufficientFunds = errors.New("account: insufficient available balance")

	// ErrInvalidAmount is returned for non-positive deposit or withdrawal amounts.
	ErrInvalidAmount = errors.New("account: amount must be positive")

	// ErrInvalidInput is returned for a malformed request.
	ErrInvalidInput = errors.New("account: invalid input")
)

// endOfTime bounds all-time volume windows.
var endOfTime = time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)

// EdgeWriter mirrors referral edges into a secondary store.
type EdgeWriter interface {
	AddParticipant(ctx context.Context, id, referrerID string) error
}

// Service applies account events.
type Service struct {
	store    store.Store
	locker   *locker.Locker
	engine   *rank.Engine
	resolver *network.Resolver
	edges    EdgeWriter
	notifier notify.Notifier
	symbols  []string
	logger   *slog.Logger
	now      func() time.Time
}

// Config wires a Service.
type Config struct {
	Store             store.Store
	Locker            *locker.Locker
	Engine            *rank.Engine
	Resolver          *network.Resolver
	Edges             EdgeWriter // optional
	Notifier          notify.Notifier
	QualifyingSymbols []string
	Logger            *slog.Logger
	Now               func() time.Time
}

// NewService creates a Service.
func NewService(cfg Config) *Service {
	s := &Service{
		store:    cfg.Store,
		locker:   cfg.Locker,
		engine:   cfg.Engine,
		resolver: cfg.Resolver,
		edges:    cfg.Edges,
		notifier: cfg.Notifier,
		symbols:  cfg.QualifyingSymbols,
		logger:   cfg.Logger,
		now:      cfg.Now,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// RegisterInput is a signup request.
type RegisterInput struct {
	ID         string  `json:"id,omitempty"`
	Name       string  `json:"name"`
	ReferrerID *string `json:"referrer_id,omitempty"`
}

// Register creates a RECRUIT/ACTIVE participant with zero balances and
// counts it as a direct of its referrer.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*model.Participant, error) {
	if in.Name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if in.ReferrerID != nil && *in.ReferrerID == in.ID {
		return nil, fmt.Errorf("%w: participant cannot refer itself", ErrInvalidInput)
	}

	now := s.now()
	p := &model.Participant{
		ID:                   in.ID,
		Name:                 in.Name,
		Active:               true,
		ReferrerID:           in.ReferrerID,
		CurrentRank:          model.RankRecruit,
		RankStatus:           model.StatusActive,
		NextMaintenanceCheck: now.Add(s.engine.Machine().Cycle()),
		CreatedAt:            now,
	}
	if err := s.store.CreateParticipant(ctx, p); err != nil {
		return nil, fmt.Errorf("register %s: %w", in.ID, err)
	}

	if s.edges != nil {
		referrer := ""
		if in.ReferrerID != nil {
			referrer = *in.ReferrerID
		}
		if err := s.edges.AddParticipant(ctx, p.ID, referrer); err != nil {
			s.logger.Error("mirror referral edge", "participant_id", p.ID, "referrer_id", referrer, "err", err)
		}
	}
	s.logger.Info("participant registered", "participant_id", p.ID)
	return p, nil
}

// BalanceEvent is a confirmed deposit or withdrawal. EventID makes delivery
// idempotent: an event already applied is acknowledged without a second
// credit or debit.
type BalanceEvent struct {
	EventID       string          `json:"event_id,omitempty"`
	ParticipantID string          `json:"participant_id"`
	Symbol        string          `json:"symbol"`
	Amount        decimal.Decimal `json:"amount"`
}

// EventResult is the outcome of a balance event.
type EventResult struct {
	ParticipantID string            `json:"participant_id"`
	Duplicate     bool              `json:"duplicate,omitempty"`
	Balance       model.Balance     `json:"balance"`
	Lock          locker.Result     `json:"lock"`
	Promotions    []rank.Transition `json:"promotions,omitempty"`
}

// Deposit credits a confirmed deposit, records it as network volume for the
// depositor's upline, then locks and promotes, all in one account
// transaction. The upline's cached lifetime volume is bumped afterwards; a
// failed bump is logged and left to Reconcile.
func (s *Service) Deposit(ctx context.Context, ev BalanceEvent) (EventResult, error) {
	if !ev.Amount.IsPositive() {
		return EventResult{}, fmt.Errorf("deposit %s: %w", ev.Amount, ErrInvalidAmount)
	}
	now := s.now()
	qualifying := slices.Contains(s.symbols, ev.Symbol)
	res, err := s.apply(ctx, ev.ParticipantID, ev.EventID, now, func(acct *model.Account) error {
		bal := acct.Balance(ev.Symbol)
		bal.Available = bal.Available.Add(ev.Amount)
		acct.Volume = nil
		if qualifying {
			acct.Volume = []model.VolumeEntry{{
				ID:            uuid.NewString(),
				ParticipantID: ev.ParticipantID,
				Amount:        ev.Amount,
				OccurredAt:    now,
			}}
		}
		return nil
	}, ev.Symbol)
	if errors.Is(err, store.ErrDuplicateEvent) {
		return s.duplicate(ctx, ev)
	}
	if err != nil {
		return EventResult{}, fmt.Errorf("deposit for %s: %w", ev.ParticipantID, err)
	}

	if qualifying {
		if err := s.bumpUpline(ctx, ev.ParticipantID, ev.Amount, now); err != nil {
			s.logger.Error("bump upline lifetime volume",
				"participant_id", ev.ParticipantID, "event_id", ev.EventID, "err", err)
		}
	}
	return res, nil
}

// Withdraw debits available funds. Locked funds must be unlocked first.
func (s *Service) Withdraw(ctx context.Context, ev BalanceEvent) (EventResult, error) {
	if !ev.Amount.IsPositive() {
		return EventResult{}, fmt.Errorf("withdraw %s: %w", ev.Amount, ErrInvalidAmount)
	}
	res, err := s.apply(ctx, ev.ParticipantID, ev.EventID, s.now(), func(acct *model.Account) error {
		bal := acct.Balance(ev.Symbol)
		if ev.Amount.GreaterThan(bal.Available) {
			return fmt.Errorf("%w: requested %s, available %s %s", ErrInsufficientFunds, ev.Amount, bal.Available, ev.Symbol)
		}
		bal.Available = bal.Available.Sub(ev.Amount)
		return nil
	}, ev.Symbol)
	if errors.Is(err, store.ErrDuplicateEvent) {
		return s.duplicate(ctx, ev)
	}
	if err != nil {
		return EventResult{}, fmt.Errorf("withdraw for %s: %w", ev.ParticipantID, err)
	}
	return res, nil
}

// duplicate acknowledges a redelivered event with the current balance.
func (s *Service) duplicate(ctx context.Context, ev BalanceEvent) (EventResult, error) {
	s.logger.Info("duplicate balance event ignored", "participant_id", ev.ParticipantID, "event_id", ev.EventID)
	res := EventResult{ParticipantID: ev.ParticipantID, Duplicate: true}
	rows, err := s.store.GetBalances(ctx, ev.ParticipantID)
	if err != nil {
		return EventResult{}, fmt.Errorf("balances of %s: %w", ev.ParticipantID, err)
	}
	res.Balance = model.Balance{ParticipantID: ev.ParticipantID, Symbol: ev.Symbol}
	for _, b := range rows {
		if b.Symbol == ev.Symbol {
			res.Balance = b
		}
	}
	return res, nil
}

// Reevaluate locks the minimum for the highest achievable rank and promotes
// until stable. It is the manual admin trigger.
func (s *Service) Reevaluate(ctx context.Context, participantID string) (EventResult, error) {
	res, err := s.apply(ctx, participantID, "", s.now(), nil, "")
	if err != nil {
		return EventResult{}, fmt.Errorf("reevaluate %s: %w", participantID, err)
	}
	return res, nil
}

// SetActive flips the participant's account-active flag. Inactive members
// still count as directs but not as active directs for maintenance.
func (s *Service) SetActive(ctx context.Context, participantID string, active bool) (*model.Participant, error) {
	var out *model.Participant
	err := s.store.MutateAccount(ctx, participantID, func(acct *model.Account) error {
		acct.Participant.Active = active
		p := *acct.Participant
		out = &p
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("set %s active=%t: %w", participantID, active, err)
	}
	s.logger.Info("participant activation changed", "participant_id", participantID, "active", active)
	return out, nil
}

// apply runs mutate, the minimum lock and the promotion loop in one account
// transaction, then publishes what changed.
func (s *Service) apply(ctx context.Context, participantID, eventID string, now time.Time, mutate func(*model.Account) error, symbol string) (EventResult, error) {
	res := EventResult{ParticipantID: participantID}
	err := s.store.MutateAccount(ctx, participantID, func(acct *model.Account) error {
		acct.EventID = eventID
		if mutate != nil {
			if err := mutate(acct); err != nil {
				return err
			}
		}
		var err error
		if res.Lock, err = s.locker.LockWithin(acct, now); err != nil {
			return err
		}
		res.Promotions = s.engine.PromoteLoop(acct.Participant, now)
		if symbol != "" {
			res.Balance = *acct.Balance(symbol)
		}
		return nil
	})
	if err != nil {
		return EventResult{}, err
	}

	s.locker.Observe(res.Lock)
	rank.Observe(s.logger, res.Promotions...)

	var last *rank.Transition
	if res.Lock.Transition != nil {
		last = res.Lock.Transition
	}
	if n := len(res.Promotions); n > 0 {
		last = &res.Promotions[n-1]
	}
	if last != nil {
		notify.Send(ctx, s.notifier, s.logger, "account", notify.Event{
			Type:          notify.TypeRankChanged,
			ParticipantID: participantID,
			Rank:          last.ToRank.String(),
			Status:        string(last.ToStatus),
			At:            now,
		})
	}
	return res, nil
}

// bumpUpline adds amount to the cached lifetime volume of the depositor's
// ancestors up to network.MaxDepth levels and promotes any that now qualify.
func (s *Service) bumpUpline(ctx context.Context, participantID string, amount decimal.Decimal, now time.Time) error {
	p, err := s.store.GetParticipant(ctx, participantID)
	if err != nil {
		return err
	}
	next := p.ReferrerID
	for level := 1; level <= network.MaxDepth && next != nil; level++ {
		ancestorID := *next
		var promos []rank.Transition
		err := s.store.MutateAccount(ctx, ancestorID, func(acct *model.Account) error {
			a := acct.Participant
			a.LifetimeVolume = a.LifetimeVolume.Add(amount)
			promos = s.engine.PromoteLoop(a, now)
			next = a.ReferrerID
			return nil
		})
		if err != nil {
			return fmt.Errorf("bump lifetime volume of %s: %w", ancestorID, err)
		}
		rank.Observe(s.logger, promos...)
	}
	return nil
}

// Reconciliation reports recomputed cached counters.
type Reconciliation struct {
	ParticipantID  string          `json:"participant_id"`
	TotalDirects   int             `json:"total_directs"`
	LifetimeVolume decimal.Decimal `json:"lifetime_volume"`
	BlockedBalance decimal.Decimal `json:"blocked_balance"`
	Changed        bool            `json:"changed"`
}

// Reconcile recomputes totalDirects, lifetimeVolume and blockedBalance from
// their sources of truth. Rank is left alone.
func (s *Service) Reconcile(ctx context.Context, participantID string) (Reconciliation, error) {
	out := Reconciliation{ParticipantID: participantID}

	refs, err := s.store.Referrals(ctx, []string{participantID})
	if err != nil {
		return out, fmt.Errorf("reconcile %s directs: %w", participantID, err)
	}
	volume, err := s.resolver.Volume(ctx, participantID, time.Time{}, endOfTime)
	if err != nil {
		return out, fmt.Errorf("reconcile %s volume: %w", participantID, err)
	}

	err = s.store.MutateAccount(ctx, participantID, func(acct *model.Account) error {
		p := acct.Participant
		_, locked := acct.Sum(s.symbols)
		out.TotalDirects = len(refs[participantID])
		out.LifetimeVolume = volume
		out.BlockedBalance = locked
		out.Changed = p.TotalDirects != out.TotalDirects ||
			!p.LifetimeVolume.Equal(volume) ||
			!p.BlockedBalance.Equal(locked)
		p.TotalDirects = out.TotalDirects
		p.LifetimeVolume = volume
		p.BlockedBalance = locked
		return nil
	})
	if err != nil {
		return out, fmt.Errorf("reconcile %s: %w", participantID, err)
	}
	if out.Changed {
		s.logger.Warn("cached counters reconciled",
			"participant_id", participantID,
			"total_directs", out.TotalDirects,
			"lifetime_volume", out.LifetimeVolume.String(),
			"blocked_balance", out.BlockedBalance.String(),
		)
	}
	return out, nil
}
