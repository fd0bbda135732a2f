// Package locker moves funds between available and locked balances and
// applies the rank change each move implies, in the same transaction.
package locker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/rank-engine/internal/metrics"
	"github.com/atmx/rank-engine/internal/model"
	"github.com/atmx/rank-engine/internal/policy"
	"github.com/atmx/rank-engine/internal/rank"
	"github.com/atmx/rank-engine/internal/store"
)

var (
	// ErrInvalidAmount is returned for a non-positive unlock amount.
	ErrInvalidAmount = errors.New("locker: amount must be positive")

	// ErrInsufficientLockedBalance is returned when unlocking more than is locked.
	ErrInsufficientLockedBalance = errors.New("locker: insufficient locked balance")
)

// Result describes the outcome of a lock or unlock.
type Result struct {
	ParticipantID string           `json:"participant_id"`
	Blocked       bool             `json:"blocked"` // rank changed by a lock
	Amount        decimal.Decimal  `json:"amount"`
	FromRank      model.Rank       `json:"from_rank"`
	ToRank        model.Rank       `json:"to_rank"`
	Transition    *rank.Transition `json:"transition,omitempty"`
}

// Locker ties locked capital to rank.
type Locker struct {
	store   store.Store
	table   policy.Table
	machine *rank.Machine
	symbols []string // qualifying symbols in deduction priority order
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Locker.
type Option func(*Locker)

// WithClock overrides the locker's time source.
func WithClock(now func() time.Time) Option {
	return func(l *Locker) { l.now = now }
}

// WithLogger sets the locker's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Locker) { l.logger = logger }
}

// New creates a Locker. symbols lists the qualifying asset symbols in the
// order funds are taken from them.
func New(st store.Store, table policy.Table, machine *rank.Machine, symbols []string, opts ...Option) *Locker {
	l := &Locker{
		store:   st,
		table:   table,
		machine: machine,
		symbols: symbols,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Achievable returns the highest rank whose directs and blocked balance
// floors are satisfiable with directs and total funds.
func (l *Locker) Achievable(directs int, total decimal.Decimal) model.Rank {
	for i := len(model.Ranks) - 1; i > 0; i-- {
		r := model.Ranks[i]
		req := l.table.RequirementsFor(r).Conquest
		if directs >= req.MinDirects && total.GreaterThanOrEqual(req.MinBlockedBalance) {
			return r
		}
	}
	return model.RankRecruit
}

// LockMinimumForRank locks the smallest incremental amount that lifts the
// participant to the highest rank their funds and directs allow. Funds
// already locked count toward the floor. When the achievable rank is not
// above the current one, or nothing is available, it does nothing.
func (l *Locker) LockMinimumForRank(ctx context.Context, participantID string) (Result, error) {
	res := Result{ParticipantID: participantID}
	now := l.now()

	err := l.store.MutateAccount(ctx, participantID, func(acct *model.Account) error {
		var err error
		res, err = l.lockMinimum(acct, now)
		return err
	})
	if err != nil {
		metrics.LockOperations.WithLabelValues("lock", "error").Inc()
		return Result{}, fmt.Errorf("lock minimum for %s: %w", participantID, err)
	}
	l.record("lock", res)
	return res, nil
}

// LockWithin applies LockMinimumForRank to an account already loaded inside
// the caller's transaction. On error the caller must abort the transaction.
// Call Observe once the transaction commits.
func (l *Locker) LockWithin(acct *model.Account, now time.Time) (Result, error) {
	return l.lockMinimum(acct, now)
}

// Observe records a committed lock result.
func (l *Locker) Observe(res Result) {
	l.record("lock", res)
}

// lockMinimum changes the rank before it moves funds, so a refused
// transition leaves the balances untouched.
func (l *Locker) lockMinimum(acct *model.Account, now time.Time) (Result, error) {
	p := acct.Participant
	res := Result{ParticipantID: p.ID, FromRank: p.CurrentRank, ToRank: p.CurrentRank}

	available, locked := acct.Sum(l.symbols)
	if !available.IsPositive() {
		return res, nil
	}
	target := l.Achievable(p.TotalDirects, available.Add(locked))
	if target <= p.CurrentRank {
		return res, nil
	}

	need := l.table.RequirementsFor(target).Conquest.MinBlockedBalance.Sub(locked)
	if need.IsNegative() {
		need = decimal.Zero
	}
	tr, err := l.machine.Conquer(p, target, now)
	if err != nil {
		return res, fmt.Errorf("lock for %s: %w", target, err)
	}
	l.move(acct, need, true)
	p.BlockedBalance = p.BlockedBalance.Add(need)

	res.Blocked = true
	res.Amount = need
	res.ToRank = target
	res.Transition = &tr
	return res, nil
}

// Unlock releases amount from locked to available. If the remaining blocked
// balance no longer covers the current rank's floor, the participant is
// downranked to the rank it does cover.
func (l *Locker) Unlock(ctx context.Context, participantID string, amount decimal.Decimal) (Result, error) {
	if !amount.IsPositive() {
		metrics.LockOperations.WithLabelValues("unlock", "rejected").Inc()
		return Result{}, fmt.Errorf("unlock %s for %s: %w", amount, participantID, ErrInvalidAmount)
	}

	res := Result{ParticipantID: participantID}
	now := l.now()
	err := l.store.MutateAccount(ctx, participantID, func(acct *model.Account) error {
		p := acct.Participant
		_, locked := acct.Sum(l.symbols)
		if amount.GreaterThan(locked) {
			return fmt.Errorf("%w: requested %s, locked %s", ErrInsufficientLockedBalance, amount, locked)
		}
		res.FromRank = p.CurrentRank

		l.move(acct, amount, false)
		p.BlockedBalance = p.BlockedBalance.Sub(amount)
		if p.BlockedBalance.IsNegative() {
			p.BlockedBalance = decimal.Zero
		}
		res.Amount = amount

		implied := l.table.RankForBlockedBalance(p.BlockedBalance)
		if implied < p.CurrentRank {
			tr, err := l.machine.ForceDownrank(p, implied, now)
			if err != nil {
				return err
			}
			res.Transition = &tr
		}
		res.ToRank = p.CurrentRank
		return nil
	})
	if err != nil {
		outcome := "error"
		if errors.Is(err, ErrInsufficientLockedBalance) {
			outcome = "rejected"
		}
		metrics.LockOperations.WithLabelValues("unlock", outcome).Inc()
		return Result{}, fmt.Errorf("unlock %s for %s: %w", amount, participantID, err)
	}
	l.record("unlock", res)
	return res, nil
}

// ResyncBlockedBalance recomputes the cached blocked balance from the
// qualifying balance rows. Rank is left alone.
func (l *Locker) ResyncBlockedBalance(ctx context.Context, participantID string) (decimal.Decimal, error) {
	var blocked decimal.Decimal
	err := l.store.MutateAccount(ctx, participantID, func(acct *model.Account) error {
		_, blocked = acct.Sum(l.symbols)
		if !acct.Participant.BlockedBalance.Equal(blocked) {
			l.logger.Warn("blocked balance drift",
				"participant_id", participantID,
				"cached", acct.Participant.BlockedBalance.String(),
				"actual", blocked.String(),
			)
		}
		acct.Participant.BlockedBalance = blocked
		return nil
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("resync blocked balance of %s: %w", participantID, err)
	}
	return blocked, nil
}

// move shifts amount between available and locked across the qualifying
// symbols in priority order. Callers have checked the source side covers it.
func (l *Locker) move(acct *model.Account, amount decimal.Decimal, lock bool) {
	remaining := amount
	for _, sym := range l.symbols {
		for i := range acct.Balances {
			if !remaining.IsPositive() {
				return
			}
			bal := &acct.Balances[i]
			if bal.Symbol != sym {
				continue
			}
			from, to := &bal.Locked, &bal.Available
			if lock {
				from, to = &bal.Available, &bal.Locked
			}
			take := decimal.Min(*from, remaining)
			if !take.IsPositive() {
				continue
			}
			*from = from.Sub(take)
			*to = to.Add(take)
			remaining = remaining.Sub(take)
		}
	}
}

func (l *Locker) record(op string, res Result) {
	outcome := "noop"
	if res.Transition != nil || res.Amount.IsPositive() {
		outcome = "ok"
		metrics.LockedAmount.WithLabelValues(op).Add(res.Amount.InexactFloat64())
	}
	metrics.LockOperations.WithLabelValues(op, outcome).Inc()
	if res.Transition != nil {
		rank.Observe(l.logger, *res.Transition)
	}
}
