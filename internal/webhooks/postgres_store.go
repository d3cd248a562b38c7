package webhooks

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// PostgresStore persists processed events and audit rows. Schema lives in
// migrations/00003_webhooks.sql.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed webhook store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM processed_events WHERE event_id = $1)
	`, eventID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check processed event: %w", err)
	}
	return exists, nil
}

func (p *PostgresStore) MarkProcessed(ctx context.Context, ev *ProcessedEvent) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO processed_events (event_id, source, event_type, processed_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (event_id) DO NOTHING
	`, ev.EventID, ev.Source, ev.EventType, ev.ProcessedAt)
	if err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}

func (p *PostgresStore) CreateAudit(ctx context.Context, e *AuditEntry) error {
	headers, err := json.Marshal(e.Headers)
	if err != nil {
		return fmt.Errorf("marshal audit headers: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO webhook_logs (
			id, source, event_id, event_type, subject_id, status, raw_payload, headers,
			signature, ip_address, user_agent, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, e.ID, e.Source, e.EventID, e.EventType, nullString(e.SubjectID), e.Status, e.RawPayload, headers,
		nullString(e.Signature), nullString(e.IPAddress), nullString(e.UserAgent), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}
	return nil
}

func (p *PostgresStore) FinishAudit(ctx context.Context, id, status, errMsg string, at time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE webhook_logs
		SET status = $2, error_message = $3, processed_at = $4
		WHERE id = $1
	`, id, status, nullString(errMsg), at)
	if err != nil {
		return fmt.Errorf("finish audit: %w", err)
	}
	return nil
}

func (p *PostgresStore) ListAudit(ctx context.Context, f AuditFilter) ([]*AuditEntry, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.Source != "" {
		args = append(args, f.Source)
		where = append(where, fmt.Sprintf("source = $%d", len(args)))
	}
	query := `
		SELECT id, source, COALESCE(event_id, ''), COALESCE(event_type, ''),
			COALESCE(subject_id, ''), status,
			COALESCE(raw_payload, ''), headers, COALESCE(signature, ''),
			COALESCE(ip_address, ''), COALESCE(user_agent, ''),
			COALESCE(error_message, ''), created_at, processed_at
		FROM webhook_logs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, clampLimit(f.Limit))
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	out := make([]*AuditEntry, 0)
	for rows.Next() {
		e := &AuditEntry{}
		var headers []byte
		var processed sql.NullTime
		if err := rows.Scan(&e.ID, &e.Source, &e.EventID, &e.EventType, &e.SubjectID, &e.Status,
			&e.RawPayload, &headers, &e.Signature, &e.IPAddress, &e.UserAgent,
			&e.ErrorMessage, &e.CreatedAt, &processed); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		if len(headers) > 0 {
			if err := json.Unmarshal(headers, &e.Headers); err != nil {
				return nil, fmt.Errorf("decode audit headers: %w", err)
			}
		}
		if processed.Valid {
			t := processed.Time
			e.ProcessedAt = &t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
