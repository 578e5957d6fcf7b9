package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of *pgxpool.Pool the store needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore keeps records in the idempotency_keys table.
type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Get(ctx context.Context, key string) (*Record, error) {
	var rec Record
	err := s.db.QueryRow(ctx,
		"SELECT key, fingerprint, state, result, created_at, expires_at FROM idempotency_keys WHERE key = $1",
		key,
	).Scan(&rec.Key, &rec.Fingerprint, &rec.State, &rec.Result, &rec.CreatedAt, &rec.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("idempotency query failed: %w", err)
	}
	return &rec, nil
}

// Claim inserts the reservation row. A unique violation means the key is
// taken; the row is then only overwritten if it has expired.
func (s *PostgresStore) Claim(ctx context.Context, rec Record, now time.Time) (bool, error) {
	_, err := s.db.Exec(ctx,
		"INSERT INTO idempotency_keys (key, fingerprint, state, result, created_at, expires_at) VALUES ($1, $2, $3, '', $4, $5)",
		rec.Key, rec.Fingerprint, rec.State, rec.CreatedAt, rec.ExpiresAt,
	)
	if err == nil {
		return true, nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return false, fmt.Errorf("key reservation failed: %w", err)
	}

	tag, err := s.db.Exec(ctx,
		"UPDATE idempotency_keys SET fingerprint = $2, state = $3, result = '', created_at = $4, expires_at = $5 WHERE key = $1 AND expires_at <= $6",
		rec.Key, rec.Fingerprint, rec.State, rec.CreatedAt, rec.ExpiresAt, now,
	)
	if err != nil {
		return false, fmt.Errorf("expired key takeover failed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) Save(ctx context.Context, rec Record) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO idempotency_keys (key, fingerprint, state, result, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (key) DO UPDATE SET fingerprint = EXCLUDED.fingerprint, state = EXCLUDED.state,
		   result = EXCLUDED.result, created_at = EXCLUDED.created_at, expires_at = EXCLUDED.expires_at`,
		rec.Key, rec.Fingerprint, rec.State, rec.Result, rec.CreatedAt, rec.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("idempotency upsert failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.Exec(ctx, "DELETE FROM idempotency_keys WHERE key = $1", key)
	return err
}

func (s *PostgresStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, "DELETE FROM idempotency_keys WHERE expires_at <= $1", now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
