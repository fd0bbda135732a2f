package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/rank-engine/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
// Account mutations run in SERIALIZABLE transactions holding row locks on
// the participant and its balances, retried on serialization failure.
type PostgresStore struct {
	pool        *pgxpool.Pool
	maxAttempts int
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, maxAttempts: 8}
}

// Connect opens a tuned connection pool and verifies it.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = 20
	cfg.MinConns = 2
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.MaxConnIdleTime = 10 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return pool, nil
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

const participantColumns = `id, name, active, referrer_id, current_rank, rank_status, rank_conquered_at,
	warning_count, grace_period_ends_at, original_rank, blocked_balance::TEXT, total_directs,
	lifetime_volume::TEXT, next_maintenance_check, created_at`

func (s *PostgresStore) CreateParticipant(ctx context.Context, p *model.Participant) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if p.ReferrerID != nil {
			tag, err := tx.Exec(ctx,
				`UPDATE participants SET total_directs = total_directs + 1 WHERE id = $1`, *p.ReferrerID)
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				return fmt.Errorf("%w: referrer %s", ErrNotFound, *p.ReferrerID)
			}
		}

		_, err := tx.Exec(ctx,
			`INSERT INTO participants (id, name, active, referrer_id, current_rank, rank_status, rank_conquered_at,
			        warning_count, grace_period_ends_at, original_rank, blocked_balance, total_directs,
			        lifetime_volume, next_maintenance_check, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11::NUMERIC, $12, $13::NUMERIC, $14, $15)`,
			participantArgs(p)...,
		)
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: participant %s", ErrAlreadyExists, p.ID)
		}
		return err
	})
}

func (s *PostgresStore) GetParticipant(ctx context.Context, id string) (*model.Participant, error) {
	p, err := scanParticipant(s.pool.QueryRow(ctx,
		`SELECT `+participantColumns+` FROM participants WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "participant", id)
	}
	return p, nil
}

func (s *PostgresStore) GetParticipants(ctx context.Context, ids []string) ([]model.Participant, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+participantColumns+` FROM participants WHERE id = ANY($1) ORDER BY id`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListParticipantIDs(ctx context.Context, f ParticipantFilter) ([]string, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if len(f.Statuses) > 0 {
		add("rank_status = ANY($%d)", statusStrings(f.Statuses))
	}
	if len(f.ExcludeStatuses) > 0 {
		add("NOT (rank_status = ANY($%d))", statusStrings(f.ExcludeStatuses))
	}
	if f.MinRank > model.RankRecruit {
		add("current_rank >= $%d", int16(f.MinRank))
	}
	if !f.MaintenanceDueBy.IsZero() {
		add("next_maintenance_check <= $%d", f.MaintenanceDueBy)
	}
	if !f.GraceLiveAt.IsZero() {
		add("grace_period_ends_at > $%d", f.GraceLiveAt)
	}

	query := `SELECT id FROM participants`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) Referrals(ctx context.Context, referrerIDs []string) (map[string][]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT referrer_id, id FROM participants WHERE referrer_id = ANY($1) ORDER BY id`, referrerIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]string)
	for rows.Next() {
		var referrer, id string
		if err := rows.Scan(&referrer, &id); err != nil {
			return nil, err
		}
		out[referrer] = append(out[referrer], id)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetBalances(ctx context.Context, participantID string) ([]model.Balance, error) {
	if _, err := s.GetParticipant(ctx, participantID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT participant_id, symbol, available::TEXT, locked::TEXT
		 FROM balances WHERE participant_id = $1 ORDER BY symbol`, participantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanBalances(rows)
}

func (s *PostgresStore) TotalBalances(ctx context.Context, participantIDs []string, symbols []string) (map[string]decimal.Decimal, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT participant_id, COALESCE(SUM(available + locked), 0)::TEXT
		 FROM balances
		 WHERE participant_id = ANY($1) AND symbol = ANY($2)
		 GROUP BY participant_id`, participantIDs, symbols)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	totals := make(map[string]decimal.Decimal, len(participantIDs))
	for _, id := range participantIDs {
		totals[id] = decimal.Zero
	}
	for rows.Next() {
		var id, totalS string
		if err := rows.Scan(&id, &totalS); err != nil {
			return nil, err
		}
		totals[id], _ = decimal.NewFromString(totalS)
	}
	return totals, rows.Err()
}

func (s *PostgresStore) MutateAccount(ctx context.Context, participantID string, fn func(acct *model.Account) error) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		p, err := scanParticipant(tx.QueryRow(ctx,
			`SELECT `+participantColumns+` FROM participants WHERE id = $1 FOR UPDATE`, participantID))
		if err != nil {
			return notFound(err, "participant", participantID)
		}

		rows, err := tx.Query(ctx,
			`SELECT participant_id, symbol, available::TEXT, locked::TEXT
			 FROM balances WHERE participant_id = $1 ORDER BY symbol FOR UPDATE`, participantID)
		if err != nil {
			return err
		}
		balances, err := scanBalances(rows)
		rows.Close()
		if err != nil {
			return err
		}

		acct := &model.Account{Participant: p, Balances: balances}
		if err := fn(acct); err != nil {
			return err
		}
		acct.Participant.ID = participantID

		if acct.EventID != "" {
			tag, err := tx.Exec(ctx,
				`INSERT INTO account_events (id, participant_id) VALUES ($1, $2)
				 ON CONFLICT (id) DO NOTHING`,
				acct.EventID, participantID)
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				return fmt.Errorf("%w: %s", ErrDuplicateEvent, acct.EventID)
			}
		}

		if _, err := tx.Exec(ctx,
			`UPDATE participants
			 SET name = $2, active = $3, referrer_id = $4, current_rank = $5, rank_status = $6,
			     rank_conquered_at = $7, warning_count = $8, grace_period_ends_at = $9, original_rank = $10,
			     blocked_balance = $11::NUMERIC, total_directs = $12, lifetime_volume = $13::NUMERIC,
			     next_maintenance_check = $14
			 WHERE id = $1`,
			participantArgs(acct.Participant)[:14]...,
		); err != nil {
			return err
		}

		for _, b := range acct.Balances {
			if _, err := tx.Exec(ctx,
				`INSERT INTO balances (participant_id, symbol, available, locked)
				 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC)
				 ON CONFLICT (participant_id, symbol)
				 DO UPDATE SET available = EXCLUDED.available, locked = EXCLUDED.locked`,
				participantID, b.Symbol, b.Available.String(), b.Locked.String(),
			); err != nil {
				return err
			}
		}

		for _, e := range acct.Volume {
			if _, err := tx.Exec(ctx,
				`INSERT INTO volume_entries (id, participant_id, amount, occurred_at)
				 VALUES ($1, $2, $3::NUMERIC, $4)`,
				e.ID, e.ParticipantID, e.Amount.String(), e.OccurredAt,
			); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *PostgresStore) RecordVolume(ctx context.Context, e *model.VolumeEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO volume_entries (id, participant_id, amount, occurred_at)
		 VALUES ($1, $2, $3::NUMERIC, $4)`,
		e.ID, e.ParticipantID, e.Amount.String(), e.OccurredAt,
	)
	return err
}

func (s *PostgresStore) VolumeBetween(ctx context.Context, participantIDs []string, from, to time.Time) (decimal.Decimal, error) {
	var totalS string
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0)::TEXT
		 FROM volume_entries
		 WHERE participant_id = ANY($1) AND occurred_at >= $2 AND occurred_at < $3`,
		participantIDs, from, to).Scan(&totalS)
	if err != nil {
		return decimal.Zero, err
	}
	total, _ := decimal.NewFromString(totalS)
	return total, nil
}

func (s *PostgresStore) InsertCommission(ctx context.Context, c *model.Commission) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO commissions (id, beneficiary_id, source_participant_id, level, base_amount,
		        percentage_applied, final_amount, reference_date, status, created_at, paid_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8, $9, $10, $11)
		 ON CONFLICT (beneficiary_id, source_participant_id, level, reference_date) DO NOTHING`,
		c.ID, c.BeneficiaryID, c.SourceParticipantID, c.Level,
		c.BaseAmount.String(), c.PercentageApplied.String(), c.FinalAmount.String(),
		c.ReferenceDate, string(c.Status), c.CreatedAt, c.PaidAt,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) SettleCommissions(ctx context.Context, beneficiaryID string, referenceDate time.Time, symbol string, paidAt time.Time) (Settlement, error) {
	var out Settlement
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		out = Settlement{}

		var id string
		if err := tx.QueryRow(ctx,
			`SELECT id FROM participants WHERE id = $1 FOR UPDATE`, beneficiaryID).Scan(&id); err != nil {
			return notFound(err, "participant", beneficiaryID)
		}

		rows, err := tx.Query(ctx,
			`UPDATE commissions SET status = $4, paid_at = $5
			 WHERE beneficiary_id = $1 AND reference_date <= $2 AND status = $3
			 RETURNING final_amount::TEXT`,
			beneficiaryID, referenceDate, string(model.CommissionPending), string(model.CommissionPaid), paidAt)
		if err != nil {
			return err
		}
		for rows.Next() {
			var amountS string
			if err := rows.Scan(&amountS); err != nil {
				rows.Close()
				return err
			}
			amount, _ := decimal.NewFromString(amountS)
			out.Amount = out.Amount.Add(amount)
			out.Records++
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		if out.Records == 0 {
			return nil
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO balances (participant_id, symbol, available, locked)
			 VALUES ($1, $2, $3::NUMERIC, 0)
			 ON CONFLICT (participant_id, symbol)
			 DO UPDATE SET available = balances.available + EXCLUDED.available`,
			beneficiaryID, symbol, out.Amount.String())
		return err
	})
	return out, err
}

func (s *PostgresStore) ListCommissions(ctx context.Context, beneficiaryID string, q CommissionQuery) ([]model.Commission, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, beneficiary_id, source_participant_id, level, base_amount::TEXT,
		        percentage_applied::TEXT, final_amount::TEXT, reference_date, status, created_at, paid_at
		 FROM commissions WHERE beneficiary_id = $1
		 ORDER BY created_at DESC, level
		 OFFSET $2 LIMIT $3`, beneficiaryID, q.Offset, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Commission
	for rows.Next() {
		var c model.Commission
		var base, pct, final, status string
		if err := rows.Scan(&c.ID, &c.BeneficiaryID, &c.SourceParticipantID, &c.Level,
			&base, &pct, &final, &c.ReferenceDate, &status, &c.CreatedAt, &c.PaidAt); err != nil {
			return nil, err
		}
		c.BaseAmount, _ = decimal.NewFromString(base)
		c.PercentageApplied, _ = decimal.NewFromString(pct)
		c.FinalAmount, _ = decimal.NewFromString(final)
		c.Status = model.CommissionStatus(status)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SumPaidCommissions(ctx context.Context, beneficiaryID string, since time.Time) (decimal.Decimal, error) {
	var totalS string
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(final_amount), 0)::TEXT
		 FROM commissions
		 WHERE beneficiary_id = $1 AND status = $2 AND paid_at >= $3`,
		beneficiaryID, string(model.CommissionPaid), since).Scan(&totalS)
	if err != nil {
		return decimal.Zero, err
	}
	total, _ := decimal.NewFromString(totalS)
	return total, nil
}

// withTx runs fn in a SERIALIZABLE transaction, retrying with doubling
// backoff when PostgreSQL reports a serialization failure.
func (s *PostgresStore) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	retryDelay := 75 * time.Millisecond
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
		if err != nil {
			return err
		}
		err = func() error {
			defer tx.Rollback(ctx)
			if err := fn(tx); err != nil {
				return err
			}
			return tx.Commit(ctx)
		}()
		if err == nil {
			return nil
		}
		if !isSerializationError(err) {
			return err
		}
		if err := sleepWithContext(ctx, retryDelay); err != nil {
			return err
		}
		if retryDelay < 1200*time.Millisecond {
			retryDelay *= 2
		}
	}
	return ErrTxConflict
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanParticipant(row rowScanner) (*model.Participant, error) {
	var p model.Participant
	var rank int16
	var original *int16
	var status, blocked, lifetime string

	if err := row.Scan(&p.ID, &p.Name, &p.Active, &p.ReferrerID, &rank, &status, &p.RankConqueredAt,
		&p.WarningCount, &p.GracePeriodEndsAt, &original, &blocked, &p.TotalDirects,
		&lifetime, &p.NextMaintenanceCheck, &p.CreatedAt); err != nil {
		return nil, err
	}

	p.CurrentRank = model.Rank(rank)
	p.RankStatus = model.RankStatus(status)
	if original != nil {
		r := model.Rank(*original)
		p.OriginalRank = &r
	}
	p.BlockedBalance, _ = decimal.NewFromString(blocked)
	p.LifetimeVolume, _ = decimal.NewFromString(lifetime)
	return &p, nil
}

// participantArgs orders fields as the INSERT column list; the first 14
// match the UPDATE in MutateAccount.
func participantArgs(p *model.Participant) []any {
	var original *int16
	if p.OriginalRank != nil {
		r := int16(*p.OriginalRank)
		original = &r
	}
	return []any{
		p.ID, p.Name, p.Active, p.ReferrerID, int16(p.CurrentRank), string(p.RankStatus), p.RankConqueredAt,
		p.WarningCount, p.GracePeriodEndsAt, original, p.BlockedBalance.String(), p.TotalDirects,
		p.LifetimeVolume.String(), p.NextMaintenanceCheck, p.CreatedAt,
	}
}

// pgxRows is the subset of pgx.Rows the scanners need.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanBalances(rows pgxRows) ([]model.Balance, error) {
	var balances []model.Balance
	for rows.Next() {
		var b model.Balance
		var availableS, lockedS string
		if err := rows.Scan(&b.ParticipantID, &b.Symbol, &availableS, &lockedS); err != nil {
			return nil, err
		}
		b.Available, _ = decimal.NewFromString(availableS)
		b.Locked, _ = decimal.NewFromString(lockedS)
		balances = append(balances, b)
	}
	return balances, rows.Err()
}

func statusStrings(statuses []model.RankStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func notFound(err error, kind, id string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
	}
	return err
}

func isSerializationError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "40001"
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
