package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Append(ctx context.Context, r Record) error {
	query := `
		INSERT INTO usage_records (id, consultation_id, provider, model, operation, attempt, duration_ms,
			request_bytes, response_bytes, input_tokens, output_tokens, audio_seconds, cost, success, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (id) DO NOTHING
	`
	_, err := s.db.ExecContext(ctx, query,
		r.ID, r.ConsultationID, r.Provider, r.Model, r.Operation, r.Attempt, r.Duration.Milliseconds(),
		r.RequestBytes, r.ResponseBytes, r.InputTokens, r.OutputTokens, r.AudioSeconds, r.Cost,
		r.Success, r.Error, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListByConsultation(ctx context.Context, id uuid.UUID) ([]Record, error) {
	query := `
		SELECT id, consultation_id, provider, model, operation, attempt, duration_ms, request_bytes,
			response_bytes, input_tokens, output_tokens, audio_seconds, cost, success, error, created_at
		FROM usage_records
		WHERE consultation_id = $1
		ORDER BY created_at, attempt
	`
	rows, err := s.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("query usage records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r          Record
			durationMs int64
		)
		if err := rows.Scan(&r.ID, &r.ConsultationID, &r.Provider, &r.Model, &r.Operation, &r.Attempt,
			&durationMs, &r.RequestBytes, &r.ResponseBytes, &r.InputTokens, &r.OutputTokens,
			&r.AudioSeconds, &r.Cost, &r.Success, &r.Error, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Duration = time.Duration(durationMs) * time.Millisecond
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AddToLedger(ctx context.Context, entries []LedgerEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		INSERT INTO usage_ledger (provider, day, calls, failures, cost, request_bytes, response_bytes)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (provider, day) DO UPDATE SET
			calls = usage_ledger.calls + EXCLUDED.calls,
			failures = usage_ledger.failures + EXCLUDED.failures,
			cost = usage_ledger.cost + EXCLUDED.cost,
			request_bytes = usage_ledger.request_bytes + EXCLUDED.request_bytes,
			response_bytes = usage_ledger.response_bytes + EXCLUDED.response_bytes
	`
	for _, e := range entries {
		if _, err := tx.ExecContext(ctx, query,
			e.Provider, e.Day, e.Calls, e.Failures, e.Cost, e.RequestBytes, e.ResponseBytes); err != nil {
			return fmt.Errorf("upsert usage ledger: %w", err)
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) MonthToDate(ctx context.Context, provider string, now time.Time) (float64, error) {
	y, m, _ := now.UTC().Date()
	start := time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)

	var total sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		`SELECT SUM(cost) FROM usage_ledger WHERE provider = $1 AND day >= $2 AND day < $3`,
		provider, start, start.AddDate(0, 1, 0),
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("query month to date: %w", err)
	}
	return total.Float64, nil
}
