package auth

import (
	"context"
	"database/sql"
)

// PostgresStore persists API keys in PostgreSQL (migrations/00004_api_keys.sql).
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed auth store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, key *APIKey) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, key_hash, subject_type, subject_id, name, created_at, revoked)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, key.ID, key.Hash, key.SubjectType, key.SubjectID, key.Name, key.CreatedAt, key.Revoked)
	return err
}

func (p *PostgresStore) GetByHash(ctx context.Context, hash string) (*APIKey, error) {
	row := p.db.QueryRowContext(ctx, keySelect+` WHERE key_hash = $1 AND revoked = FALSE`, hash)
	key, err := scanKey(row)
	if err == sql.ErrNoRows {
		return nil, ErrKeyNotFound
	}
	return key, err
}

func (p *PostgresStore) ListBySubject(ctx context.Context, subjectType, subjectID string) ([]*APIKey, error) {
	rows, err := p.db.QueryContext(ctx, keySelect+`
		WHERE subject_type = $1 AND subject_id = $2 ORDER BY created_at DESC
	`, subjectType, subjectID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var keys []*APIKey
	for rows.Next() {
		key, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (p *PostgresStore) Update(ctx context.Context, key *APIKey) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE api_keys SET last_used = $1, revoked = revoked OR $2 WHERE id = $3
	`, key.LastUsed, key.Revoked, key.ID)
	return err
}

const keySelect = `
	SELECT id, key_hash, subject_type, subject_id, COALESCE(name, ''), created_at, last_used, revoked
	FROM api_keys`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanKey(row rowScanner) (*APIKey, error) {
	key := &APIKey{}
	var lastUsed sql.NullTime
	if err := row.Scan(
		&key.ID, &key.Hash, &key.SubjectType, &key.SubjectID, &key.Name,
		&key.CreatedAt, &lastUsed, &key.Revoked,
	); err != nil {
		return nil, err
	}
	if lastUsed.Valid {
		key.LastUsed = lastUsed.Time
	}
	return key, nil
}
