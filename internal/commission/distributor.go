// Package commission computes and credits the daily N0..N3 commissions.
//
// A run has two phases. The first computes every eligible participant's
// commissions from the current balances and inserts them as PENDING
// records; the second settles each participant's PENDING records for the
// reference date in one credit. Because no credit lands until every
// commission has been computed, the credited total does not depend on the
// order participants are processed in.
//
// Records are unique per (beneficiary, source, level, reference date) and
// settlement only touches PENDING records, so re-running a day credits
// nothing twice. Settlement also picks up PENDING records from earlier days
// whose run was interrupted between the phases.
package commission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/rank-engine/internal/metrics"
	"github.com/atmx/rank-engine/internal/model"
	"github.com/atmx/rank-engine/internal/network"
	"github.com/atmx/rank-engine/internal/notify"
	"github.com/atmx/rank-engine/internal/policy"
	"github.com/atmx/rank-engine/internal/store"
)

// ErrIncomplete is returned by Run when some participants failed for a
// reason other than their own data, such as an unreachable store. The run is
// idempotent and can be retried.
var ErrIncomplete = errors.New("commission: run incomplete")

// Scale is the number of decimal places commission amounts are rounded to.
const Scale = 8

var hundred = decimal.NewFromInt(100)

// Config controls a Distributor.
type Config struct {
	QualifyingSymbols []string
	PayoutSymbol      string
	Workers           int
}

// Summary reports one run.
type Summary struct {
	ReferenceDate time.Time       `json:"reference_date"`
	Processed     int             `json:"processed"`
	Skipped       int             `json:"skipped"`
	Failed        int             `json:"failed"`
	Created       int             `json:"created"` // records inserted in this run
	Records       int             `json:"records"` // records settled in this run
	TotalAmount   decimal.Decimal `json:"total_amount"`
	Duration      time.Duration   `json:"duration"`
}

// Distributor runs the daily commission job.
type Distributor struct {
	store    store.Store
	resolver *network.Resolver
	table    policy.Table
	cfg      Config
	notifier notify.Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Distributor.
type Option func(*Distributor)

// WithClock overrides the distributor's time source.
func WithClock(now func() time.Time) Option {
	return func(d *Distributor) { d.now = now }
}

// WithLogger sets the distributor's logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Distributor) { d.logger = l }
}

// WithNotifier sets where settlement notifications go.
func WithNotifier(n notify.Notifier) Option {
	return func(d *Distributor) { d.notifier = n }
}

// NewDistributor creates a Distributor.
func NewDistributor(st store.Store, resolver *network.Resolver, table policy.Table, cfg Config, opts ...Option) *Distributor {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	d := &Distributor{
		store:    st,
		resolver: resolver,
		table:    table,
		cfg:      cfg,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// ReferenceDate is the day a run at now pays for: yesterday, UTC.
func ReferenceDate(now time.Time) time.Time {
	return model.Day(now).AddDate(0, 0, -1)
}

// Run distributes commissions for every participant whose status is not
// DOWNRANKED. Every participant is attempted and failures are logged and
// counted. A participant that vanished is isolated; any other failure makes
// Run return ErrIncomplete alongside the summary so the job is retried.
func (d *Distributor) Run(ctx context.Context) (Summary, error) {
	start := d.now()
	ref := ReferenceDate(start)
	sum := Summary{ReferenceDate: ref, TotalAmount: decimal.Zero}

	ids, err := d.store.ListParticipantIDs(ctx, store.ParticipantFilter{
		ExcludeStatuses: []model.RankStatus{model.StatusDownranked},
	})
	if err != nil {
		return sum, fmt.Errorf("list eligible participants: %w", err)
	}

	var (
		mu        sync.Mutex
		failed    = make(map[string]bool)
		transient int
		firstErr  error
	)
	fail := func(id, phase string, err error) {
		mu.Lock()
		defer mu.Unlock()
		failed[id] = true
		sum.Failed++
		if !errors.Is(err, store.ErrNotFound) {
			transient++
			if firstErr == nil {
				firstErr = err
			}
		}
		metrics.JobParticipantErrors.WithLabelValues("commission").Inc()
		d.logger.Error("commission failed", "participant_id", id, "phase", phase, "err", err)
	}

	// Phase 1: compute against an unchanged balance snapshot.
	g := new(errgroup.Group)
	g.SetLimit(d.cfg.Workers)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			created, skipped, err := d.Accrue(ctx, id, ref)
			if err != nil {
				fail(id, "accrue", err)
				return nil
			}
			mu.Lock()
			if skipped {
				sum.Skipped++
			}
			sum.Created += created
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return sum, err
	}

	// Phase 2: one credit per beneficiary.
	paidAt := d.now()
	g = new(errgroup.Group)
	g.SetLimit(d.cfg.Workers)
	accrueFailed := maps.Clone(failed)
	for _, id := range ids {
		if accrueFailed[id] {
			continue
		}
		id := id
		g.Go(func() error {
			s, err := d.Settle(ctx, id, ref, paidAt)
			if err != nil {
				fail(id, "settle", err)
				return nil
			}
			mu.Lock()
			sum.Processed++
			sum.Records += s.Records
			sum.TotalAmount = sum.TotalAmount.Add(s.Amount)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sum.Duration = d.now().Sub(start)
	d.logger.Info("commission run complete",
		"reference_date", ref.Format(time.DateOnly),
		"processed", sum.Processed,
		"skipped", sum.Skipped,
		"failed", sum.Failed,
		"created", sum.Created,
		"records", sum.Records,
		"total_amount", sum.TotalAmount.String(),
		"duration", sum.Duration,
	)
	if err := ctx.Err(); err != nil {
		return sum, err
	}
	if transient > 0 {
		return sum, fmt.Errorf("%w: %d participant(s) failed, first: %w", ErrIncomplete, transient, firstErr)
	}
	return sum, nil
}

// Compute returns the commissions a participant earns for ref from the
// current balances of itself and its network, without persisting them.
// skipped reports that the participant is not eligible.
func (d *Distributor) Compute(ctx context.Context, participantID string, ref time.Time) (records []model.Commission, skipped bool, err error) {
	p, err := d.store.GetParticipant(ctx, participantID)
	if err != nil {
		return nil, false, err
	}
	if p.RankStatus == model.StatusDownranked {
		return nil, true, nil
	}

	req := d.table.RequirementsFor(p.CurrentRank)
	now := d.now()
	build := func(sourceID string, level int, base decimal.Decimal) {
		rate := req.CommissionRates.Level(level)
		if !rate.IsPositive() || !base.IsPositive() {
			return
		}
		amount := base.Mul(rate).Div(hundred).Round(Scale)
		if !amount.IsPositive() {
			return
		}
		records = append(records, model.Commission{
			ID:                  uuid.NewString(),
			BeneficiaryID:       p.ID,
			SourceParticipantID: sourceID,
			Level:               level,
			BaseAmount:          base,
			PercentageApplied:   rate,
			FinalAmount:         amount,
			ReferenceDate:       ref,
			Status:              model.CommissionPending,
			CreatedAt:           now,
		})
	}

	own, err := d.store.TotalBalances(ctx, []string{p.ID}, d.cfg.QualifyingSymbols)
	if err != nil {
		return nil, false, fmt.Errorf("own balance: %w", err)
	}
	build(p.ID, 0, own[p.ID])

	depth := min(network.MaxDepth, d.table.MaxDepthFor(p.CurrentRank))
	if depth == 0 {
		return records, false, nil
	}
	net, err := d.resolver.Resolve(ctx, p.ID)
	if err != nil {
		return nil, false, err
	}
	for level := 1; level <= depth; level++ {
		for _, m := range net.Level(level) {
			build(m.ID, level, m.TotalBalance)
		}
	}
	return records, false, nil
}

// Accrue computes and stores the participant's commissions for ref.
// Records that already exist are left untouched; created counts new ones.
func (d *Distributor) Accrue(ctx context.Context, participantID string, ref time.Time) (created int, skipped bool, err error) {
	records, skipped, err := d.Compute(ctx, participantID, ref)
	if err != nil || skipped {
		return 0, skipped, err
	}
	for i := range records {
		inserted, err := d.store.InsertCommission(ctx, &records[i])
		if err != nil {
			return created, false, fmt.Errorf("insert level %d commission from %s: %w",
				records[i].Level, records[i].SourceParticipantID, err)
		}
		if inserted {
			created++
			metrics.CommissionsCreated.WithLabelValues(strconv.Itoa(records[i].Level)).Inc()
		}
	}
	return created, false, nil
}

// Settle credits the participant's PENDING records for ref and any earlier
// day still unpaid, and notifies them when anything was paid.
func (d *Distributor) Settle(ctx context.Context, participantID string, ref, paidAt time.Time) (store.Settlement, error) {
	s, err := d.store.SettleCommissions(ctx, participantID, ref, d.cfg.PayoutSymbol, paidAt)
	if err != nil {
		return s, fmt.Errorf("settle: %w", err)
	}
	if s.Records == 0 {
		return s, nil
	}
	metrics.CommissionsPaid.Add(s.Amount.InexactFloat64())
	notify.Send(ctx, d.notifier, d.logger, "commission", notify.Event{
		Type:          notify.TypeCommissionPaid,
		ParticipantID: participantID,
		Amount:        s.Amount.String(),
		Records:       s.Records,
		ReferenceDate: ref.Format(time.DateOnly),
		At:            paidAt,
	})
	return s, nil
}
