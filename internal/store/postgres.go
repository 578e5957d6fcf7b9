package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/punchamoorthee/refundops/internal/domain"
)

//go:embed schema.sql
var schemaSQL string

const refundColumns = `id, origin_id, origin_type, requested_by, amount, token_id, source, reason,
	status, processing_state, admin_principal, admin_note, treasury_tx_id, settlement_ref,
	last_error, correlation, retry_count, priority, requested_at, last_updated_at, processed_at`

type PostgresStore struct {
	Db *pgxpool.Pool
}

func NewPostgresStore(connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &PostgresStore{Db: pool}, nil
}

func (s *PostgresStore) Close() {
	s.Db.Close()
}

// Migrate applies the embedded schema. Safe to run on every start.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.Db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Insert(ctx context.Context, r *domain.RefundRequest) (int64, error) {
	source, err := domain.MarshalSource(r.Source)
	if err != nil {
		return 0, err
	}
	corr, err := marshalCorrelation(r.Correlation)
	if err != nil {
		return 0, err
	}

	var id int64
	err = s.Db.QueryRow(ctx,
		`INSERT INTO refund_requests (origin_id, origin_type, requested_by, amount, token_id, source, reason,
			status, processing_state, correlation, retry_count, priority, requested_at, last_updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14) RETURNING id`,
		r.OriginID, r.OriginType, r.RequestedBy, r.Amount, r.TokenID, source, r.Reason,
		r.Status, r.ProcessingState, corr, r.RetryCount, r.Priority, r.RequestedAt, r.LastUpdatedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("refund insert failed: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) Get(ctx context.Context, id int64) (*domain.RefundRequest, error) {
	r, err := scanRefund(s.Db.QueryRow(ctx, "SELECT "+refundColumns+" FROM refund_requests WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

// Update locks the row for the duration of fn so concurrent writers
// serialize on it.
func (s *PostgresStore) Update(ctx context.Context, id int64, fn func(r *domain.RefundRequest) error) (*domain.RefundRequest, error) {
	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	r, err := scanRefund(tx.QueryRow(ctx, "SELECT "+refundColumns+" FROM refund_requests WHERE id = $1 FOR UPDATE", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock acquisition failed: %w", err)
	}

	if err := fn(r); err != nil {
		return nil, err
	}
	corr, err := marshalCorrelation(r.Correlation)
	if err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx,
		`UPDATE refund_requests SET status = $2, processing_state = $3, admin_principal = $4, admin_note = $5,
			treasury_tx_id = $6, settlement_ref = $7, last_error = $8, correlation = $9, retry_count = $10,
			priority = $11, last_updated_at = $12, processed_at = $13
		 WHERE id = $1`,
		id, r.Status, r.ProcessingState, r.AdminPrincipal, r.AdminNote,
		r.TreasuryTxID, r.SettlementRef, r.LastError, corr, r.RetryCount,
		r.Priority, r.LastUpdatedAt, r.ProcessedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("refund update failed: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("tx commit failed: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) List(ctx context.Context, f domain.Filter) (domain.Page, error) {
	where, args := filterClause(f)
	page := domain.Page{Items: []domain.RefundRequest{}, Offset: f.Offset, Limit: f.Limit}

	if err := s.Db.QueryRow(ctx, "SELECT COUNT(*) FROM refund_requests"+where, args...).Scan(&page.Total); err != nil {
		return page, fmt.Errorf("refund count failed: %w", err)
	}

	query := "SELECT " + refundColumns + " FROM refund_requests" + where + " ORDER BY id ASC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.Db.Query(ctx, query, args...)
	if err != nil {
		return page, fmt.Errorf("refund list failed: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		r, err := scanRefund(rows)
		if err != nil {
			return page, err
		}
		page.Items = append(page.Items, *r)
	}
	return page, rows.Err()
}

func (s *PostgresStore) Stats(ctx context.Context) (domain.Stats, error) {
	st := domain.Stats{ByStatus: make(map[domain.Status]int)}
	rows, err := s.Db.Query(ctx, "SELECT status, COUNT(*), COALESCE(SUM(amount), 0) FROM refund_requests GROUP BY status")
	if err != nil {
		return st, fmt.Errorf("refund stats failed: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int
		var amount int64
		if err := rows.Scan(&status, &count, &amount); err != nil {
			return st, err
		}
		st.ByStatus[domain.Status(status)] = count
		st.Total += count
		st.TotalAmount += amount
	}
	return st, rows.Err()
}

func filterClause(f domain.Filter) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.RequestedBy != "" {
		add("requested_by = $%d", f.RequestedBy)
	}
	if !f.From.IsZero() {
		add("requested_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("requested_at <= $%d", f.To)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func scanRefund(row pgx.Row) (*domain.RefundRequest, error) {
	var (
		r      domain.RefundRequest
		source []byte
		corr   []byte
		origin string
		status string
		state  string
		prio   string
	)
	err := row.Scan(&r.ID, &r.OriginID, &origin, &r.RequestedBy, &r.Amount, &r.TokenID, &source, &r.Reason,
		&status, &state, &r.AdminPrincipal, &r.AdminNote, &r.TreasuryTxID, &r.SettlementRef,
		&r.LastError, &corr, &r.RetryCount, &prio, &r.RequestedAt, &r.LastUpdatedAt, &r.ProcessedAt)
	if err != nil {
		return nil, err
	}
	r.OriginType = domain.OriginType(origin)
	r.Status = domain.Status(status)
	r.ProcessingState = domain.ProcessingState(state)
	r.Priority = domain.Priority(prio)

	if r.Source, err = domain.UnmarshalSource(source); err != nil {
		return nil, err
	}
	if len(corr) > 0 && string(corr) != "null" {
		r.Correlation = &domain.CorrelationContext{}
		if err := json.Unmarshal(corr, r.Correlation); err != nil {
			return nil, fmt.Errorf("decode correlation: %w", err)
		}
	}
	return &r, nil
}

func marshalCorrelation(c *domain.CorrelationContext) ([]byte, error) {
	if c == nil {
		return nil, nil
	}
	return json.Marshal(c)
}
