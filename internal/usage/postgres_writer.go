package usage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/kizuna-ai-lab/sokuji/internal/retry"
	"github.com/kizuna-ai-lab/sokuji/internal/wallet"
)

const usageColumns = 17

// PostgresWriter inserts usage batches into usage_logs with one statement.
type PostgresWriter struct {
	db *sql.DB
}

// NewPostgresWriter creates a writer over db.
func NewPostgresWriter(db *sql.DB) *PostgresWriter {
	return &PostgresWriter{db: db}
}

// WriteBatch inserts logs. Rows already present (same id) are skipped, so a
// batch that is retried after a timeout does not duplicate.
func (w *PostgresWriter) WriteBatch(ctx context.Context, logs []*wallet.UsageLog) error {
	if len(logs) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString(`INSERT INTO usage_logs (
		id, subject_type, subject_id, provider, model, endpoint, method,
		input_tokens, output_tokens, total_tokens, session_id, request_id,
		response_id, conversation_id, ledger_id, metadata, created_at
	) VALUES `)

	args := make([]any, 0, len(logs)*usageColumns)
	for i, l := range logs {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		for c := 0; c < usageColumns; c++ {
			if c > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", i*usageColumns+c+1)
		}
		sb.WriteByte(')')

		var md []byte
		if len(l.Metadata) > 0 {
			var err error
			if md, err = json.Marshal(l.Metadata); err != nil {
				return retry.Permanent(fmt.Errorf("marshal usage metadata: %w", err))
			}
		}
		args = append(args,
			l.ID, l.Subject.Type, l.Subject.ID, l.Provider, l.Model,
			nullString(l.Endpoint), nullString(l.Method),
			l.InputTokens, l.OutputTokens, l.TotalTokens,
			nullString(l.SessionID), nullString(l.RequestID),
			nullString(l.ResponseID), nullString(l.ConversationID),
			nullString(l.LedgerID), md, l.CreatedAt,
		)
	}
	sb.WriteString(" ON CONFLICT (id) DO NOTHING")

	if _, err := w.db.ExecContext(ctx, sb.String(), args...); err != nil {
		err = fmt.Errorf("insert usage batch (%d rows): %w", len(logs), err)
		if rejectedByDB(err) {
			return retry.Permanent(err)
		}
		return err
	}
	return nil
}

// rejectedByDB reports data exceptions and constraint violations, which
// fail the same way on every attempt.
func rejectedByDB(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	switch pqErr.Code.Class() {
	case "22", "23":
		return true
	}
	return false
}

// CountForSubject returns how many usage rows a subject has.
func (w *PostgresWriter) CountForSubject(ctx context.Context, subject wallet.Subject) (int, error) {
	var n int
	err := w.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM usage_logs WHERE subject_type = $1 AND subject_id = $2
	`, subject.Type, subject.ID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count usage: %w", err)
	}
	return n, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
