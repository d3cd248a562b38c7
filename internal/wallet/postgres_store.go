package wallet

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/kizuna-ai-lab/sokuji/internal/pagination"
)

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store backed by PostgreSQL. Schema lives in
// migrations/00001_wallets.sql.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed wallet store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) GetPlan(ctx context.Context, planID string) (*Plan, error) {
	var plan Plan
	err := p.db.QueryRowContext(ctx, `
		SELECT plan_id, monthly_quota_tokens, price_cents FROM plans WHERE plan_id = $1
	`, planID).Scan(&plan.PlanID, &plan.MonthlyQuotaTokens, &plan.PriceCents)
	if err == sql.ErrNoRows {
		return nil, ErrPlanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get plan: %w", err)
	}
	return &plan, nil
}

func (p *PostgresStore) ListPlans(ctx context.Context) ([]*Plan, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT plan_id, monthly_quota_tokens, price_cents FROM plans ORDER BY price_cents
	`)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()

	var plans []*Plan
	for rows.Next() {
		var plan Plan
		if err := rows.Scan(&plan.PlanID, &plan.MonthlyQuotaTokens, &plan.PriceCents); err != nil {
			return nil, fmt.Errorf("scan plan: %w", err)
		}
		plans = append(plans, &plan)
	}
	return plans, rows.Err()
}

func (p *PostgresStore) Credit(ctx context.Context, entry *LedgerEntry, ent *Entitlement, unfreeze bool) (int64, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := insertEntry(ctx, tx, entry); err != nil {
		return 0, err
	}

	var balance int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO wallets (subject_type, subject_id, balance_tokens, frozen, created_at, updated_at)
		VALUES ($1, $2, $3::BIGINT, FALSE, $4, $4)
		ON CONFLICT (subject_type, subject_id) DO UPDATE SET
			balance_tokens = wallets.balance_tokens + EXCLUDED.balance_tokens,
			frozen = CASE WHEN $5::BOOLEAN THEN FALSE ELSE wallets.frozen END,
			updated_at = EXCLUDED.updated_at
		RETURNING balance_tokens
	`, entry.Subject.Type, entry.Subject.ID, entry.AmountTokens, entry.CreatedAt, unfreeze).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("credit wallet: %w", err)
	}

	if ent != nil {
		if err := upsertEntitlement(ctx, tx, ent); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit credit: %w", err)
	}
	return balance, nil
}

func (p *PostgresStore) Deduct(ctx context.Context, entry *LedgerEntry) (int64, bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// The row lock taken by this UPDATE serializes concurrent deductions.
	var remaining int64
	err = tx.QueryRowContext(ctx, `
		UPDATE wallets
		SET balance_tokens = balance_tokens - $3::BIGINT, updated_at = $4
		WHERE subject_type = $1 AND subject_id = $2
		  AND frozen = FALSE AND balance_tokens >= $3::BIGINT
		RETURNING balance_tokens
	`, entry.Subject.Type, entry.Subject.ID, -entry.AmountTokens, entry.CreatedAt).Scan(&remaining)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("deduct: %w", err)
	}

	if err := insertEntry(ctx, tx, entry); err != nil {
		return 0, false, err
	}
	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("commit deduct: %w", err)
	}
	return remaining, true, nil
}

func (p *PostgresStore) Debit(ctx context.Context, entry *LedgerEntry, freezeIfNegative bool) (int64, bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := insertEntry(ctx, tx, entry); err != nil {
		return 0, false, err
	}
	balance, frozen, err := debitWallet(ctx, tx, entry, freezeIfNegative)
	if err != nil {
		return 0, false, err
	}
	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("commit debit: %w", err)
	}
	return balance, frozen, nil
}

// DebitToTotal serializes on the reference with a transaction-scoped
// advisory lock, so two partial refunds of one charge cannot both read the
// same prior total.
func (p *PostgresStore) DebitToTotal(ctx context.Context, entry *LedgerEntry, totalTokens int64) (int64, bool, int64, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`,
		entry.ReferenceType+":"+entry.ReferenceID); err != nil {
		return 0, false, 0, fmt.Errorf("lock reference: %w", err)
	}

	var taken int64
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(-SUM(amount_tokens), 0)
		FROM wallet_ledger
		WHERE subject_type = $1 AND subject_id = $2
			AND event_type = 'refund' AND reference_type = $3 AND reference_id = $4
	`, entry.Subject.Type, entry.Subject.ID, entry.ReferenceType, entry.ReferenceID).Scan(&taken)
	if err != nil {
		return 0, false, 0, fmt.Errorf("sum prior refunds: %w", err)
	}

	delta := totalTokens - taken
	if delta <= 0 {
		var balance int64
		var frozen bool
		err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(balance_tokens), 0), COALESCE(BOOL_OR(frozen), FALSE)
			FROM wallets WHERE subject_type = $1 AND subject_id = $2
		`, entry.Subject.Type, entry.Subject.ID).Scan(&balance, &frozen)
		if err != nil {
			return 0, false, 0, fmt.Errorf("read wallet: %w", err)
		}
		return balance, frozen, 0, nil
	}

	debit := *entry
	debit.AmountTokens = -delta
	if err := insertEntry(ctx, tx, &debit); err != nil {
		return 0, false, 0, err
	}
	balance, frozen, err := debitWallet(ctx, tx, &debit, true)
	if err != nil {
		return 0, false, 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, false, 0, fmt.Errorf("commit refund: %w", err)
	}
	return balance, frozen, delta, nil
}

func debitWallet(ctx context.Context, tx *sql.Tx, entry *LedgerEntry, freezeIfNegative bool) (int64, bool, error) {
	var balance int64
	var frozen bool
	err := tx.QueryRowContext(ctx, `
		INSERT INTO wallets (subject_type, subject_id, balance_tokens, frozen, created_at, updated_at)
		VALUES ($1, $2, $3::BIGINT, $5::BOOLEAN AND $3::BIGINT < 0, $4, $4)
		ON CONFLICT (subject_type, subject_id) DO UPDATE SET
			balance_tokens = wallets.balance_tokens + EXCLUDED.balance_tokens,
			frozen = CASE
				WHEN $5::BOOLEAN AND wallets.balance_tokens + EXCLUDED.balance_tokens < 0 THEN TRUE
				ELSE wallets.frozen
			END,
			updated_at = EXCLUDED.updated_at
		RETURNING balance_tokens, frozen
	`, entry.Subject.Type, entry.Subject.ID, entry.AmountTokens, entry.CreatedAt, freezeIfNegative).Scan(&balance, &frozen)
	if err != nil {
		return 0, false, fmt.Errorf("debit wallet: %w", err)
	}
	return balance, frozen, nil
}

func (p *PostgresStore) CreateWallet(ctx context.Context, entry *LedgerEntry, ent *Entitlement) (bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var opening int64
	now := time.Now()
	if entry != nil {
		opening = entry.AmountTokens
		now = entry.CreatedAt
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO wallets (subject_type, subject_id, balance_tokens, frozen, created_at, updated_at)
		VALUES ($1, $2, $3, FALSE, $4, $4)
		ON CONFLICT (subject_type, subject_id) DO NOTHING
	`, ent.Subject.Type, ent.Subject.ID, opening, now)
	if err != nil {
		return false, fmt.Errorf("create wallet: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}

	if entry != nil {
		if err := insertEntry(ctx, tx, entry); err != nil {
			if errors.Is(err, ErrDuplicateEvent) {
				return false, nil
			}
			return false, err
		}
	}
	if err := upsertEntitlement(ctx, tx, ent); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit create wallet: %w", err)
	}
	return true, nil
}

func (p *PostgresStore) GetWallet(ctx context.Context, subject Subject) (*Wallet, error) {
	w := &Wallet{Subject: subject}
	err := p.db.QueryRowContext(ctx, `
		SELECT balance_tokens, frozen, updated_at FROM wallets
		WHERE subject_type = $1 AND subject_id = $2
	`, subject.Type, subject.ID).Scan(&w.BalanceTokens, &w.Frozen, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get wallet: %w", err)
	}
	return w, nil
}

func (p *PostgresStore) GetBalance(ctx context.Context, subject Subject) (*Balance, error) {
	var (
		planID   sql.NullString
		features []string
		rpm      sql.NullInt64
		sessions sql.NullInt64
	)
	bal := defaultBalance(subject)
	err := p.db.QueryRowContext(ctx, `
		SELECT w.balance_tokens, w.frozen, w.updated_at,
			e.plan_id, e.features, e.rate_limit_rpm, e.max_concurrent_sessions
		FROM wallets w
		LEFT JOIN entitlements e
			ON e.subject_type = w.subject_type AND e.subject_id = w.subject_id
		WHERE w.subject_type = $1 AND w.subject_id = $2
	`, subject.Type, subject.ID).Scan(
		&bal.BalanceTokens, &bal.Frozen, &bal.UpdatedAt,
		&planID, pq.Array(&features), &rpm, &sessions,
	)
	if err == sql.ErrNoRows {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get balance: %w", err)
	}

	bal.Exists = true
	if planID.Valid {
		bal.PlanID = planID.String
		bal.Features = features
		bal.RateLimitRPM = int(rpm.Int64)
		bal.MaxConcurrentSessions = int(sessions.Int64)
	}
	if bal.Features == nil {
		bal.Features = []string{}
	}
	return bal, nil
}

func (p *PostgresStore) SetFrozen(ctx context.Context, subject Subject, frozen bool) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE wallets SET frozen = $3, updated_at = NOW()
		WHERE subject_type = $1 AND subject_id = $2
	`, subject.Type, subject.ID, frozen)
	if err != nil {
		return fmt.Errorf("set frozen: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrWalletNotFound
	}
	return nil
}

func (p *PostgresStore) UpsertEntitlement(ctx context.Context, ent *Entitlement) error {
	return upsertEntitlement(ctx, p.db, ent)
}

func (p *PostgresStore) SumUsage(ctx context.Context, subject Subject, since time.Time) (int64, error) {
	var total int64
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(-amount_tokens), 0) FROM wallet_ledger
		WHERE subject_type = $1 AND subject_id = $2
		  AND event_type = 'use' AND created_at >= $3
	`, subject.Type, subject.ID, since).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum usage: %w", err)
	}
	return total, nil
}

func (p *PostgresStore) History(ctx context.Context, subject Subject, limit int, after *pagination.Cursor) ([]*LedgerEntry, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if after == nil {
		rows, err = p.db.QueryContext(ctx, ledgerSelect+`
			WHERE subject_type = $1 AND subject_id = $2
			ORDER BY created_at DESC, id DESC
			LIMIT $3
		`, subject.Type, subject.ID, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, ledgerSelect+`
			WHERE subject_type = $1 AND subject_id = $2
			  AND (created_at, id) < ($3, $4)
			ORDER BY created_at DESC, id DESC
			LIMIT $5
		`, subject.Type, subject.ID, after.CreatedAt, after.ID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	defer rows.Close()

	var entries []*LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (p *PostgresStore) FindMismatches(ctx context.Context, limit int) ([]*Mismatch, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT w.subject_type, w.subject_id, w.balance_tokens, COALESCE(SUM(l.amount_tokens), 0)
		FROM wallets w
		LEFT JOIN wallet_ledger l
			ON l.subject_type = w.subject_type AND l.subject_id = w.subject_id
		GROUP BY w.subject_type, w.subject_id, w.balance_tokens
		HAVING w.balance_tokens <> COALESCE(SUM(l.amount_tokens), 0)
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("find mismatches: %w", err)
	}
	defer rows.Close()

	var out []*Mismatch
	for rows.Next() {
		var m Mismatch
		if err := rows.Scan(&m.Subject.Type, &m.Subject.ID, &m.BalanceTokens, &m.LedgerSum); err != nil {
			return nil, fmt.Errorf("scan mismatch: %w", err)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

const ledgerSelect = `
	SELECT id, subject_type, subject_id, amount_tokens, event_type,
		COALESCE(reference_type, ''), COALESCE(reference_id, ''),
		COALESCE(external_event_id, ''), COALESCE(plan_id, ''),
		COALESCE(description, ''), metadata, created_at
	FROM wallet_ledger`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertEntry(ctx context.Context, tx execer, e *LedgerEntry) error {
	md, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("marshal ledger metadata: %w", err)
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO wallet_ledger (
			id, subject_type, subject_id, amount_tokens, event_type,
			reference_type, reference_id, external_event_id, plan_id,
			description, metadata, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (external_event_id) DO NOTHING
	`,
		e.ID, e.Subject.Type, e.Subject.ID, e.AmountTokens, e.EventType,
		nullString(e.ReferenceType), nullString(e.ReferenceID), nullString(e.ExternalEventID),
		nullString(e.PlanID), nullString(e.Description), md, e.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicateEvent
	}
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDuplicateEvent
	}
	return nil
}

func upsertEntitlement(ctx context.Context, tx execer, ent *Entitlement) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO entitlements (
			subject_type, subject_id, plan_id, features,
			rate_limit_rpm, max_concurrent_sessions, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (subject_type, subject_id) DO UPDATE SET
			plan_id = EXCLUDED.plan_id,
			features = EXCLUDED.features,
			rate_limit_rpm = EXCLUDED.rate_limit_rpm,
			max_concurrent_sessions = EXCLUDED.max_concurrent_sessions,
			updated_at = NOW()
	`, ent.Subject.Type, ent.Subject.ID, ent.PlanID, pq.Array(ent.Features),
		ent.RateLimitRPM, ent.MaxConcurrentSessions)
	if err != nil {
		return fmt.Errorf("upsert entitlement: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*LedgerEntry, error) {
	var (
		e  LedgerEntry
		md []byte
	)
	err := row.Scan(
		&e.ID, &e.Subject.Type, &e.Subject.ID, &e.AmountTokens, &e.EventType,
		&e.ReferenceType, &e.ReferenceID, &e.ExternalEventID, &e.PlanID,
		&e.Description, &md, &e.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scan ledger entry: %w", err)
	}
	if len(md) > 0 && string(md) != "null" {
		if err := json.Unmarshal(md, &e.Metadata); err != nil {
			return nil, fmt.Errorf("decode ledger metadata: %w", err)
		}
	}
	return &e, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
