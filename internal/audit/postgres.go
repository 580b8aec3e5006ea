package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Append(ctx context.Context, e Event) error {
	return Insert(ctx, s.db, e)
}

// Insert writes e through ex. Re-inserting the same id is a no-op, which lets
// callers commit the event inside their own transaction.
func Insert(ctx context.Context, ex Execer, e Event) error {
	details, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("marshal audit details: %w", err)
	}

	var actorID any
	if e.Actor.ID != uuid.Nil {
		actorID = e.Actor.ID
	}

	query := `
		INSERT INTO audit_events (id, actor_id, actor_kind, action, resource_type, resource_id, owner_id, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING
	`
	_, err = ex.ExecContext(ctx, query,
		e.ID, actorID, e.Actor.Kind, e.Action, e.ResourceType, e.ResourceID, e.OwnerID, details, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, q Query) ([]Event, error) {
	query := `
		SELECT id, actor_id, actor_kind, action, resource_type, resource_id, owner_id, details, created_at
		FROM audit_events
		WHERE resource_id = $1 AND ($2::uuid IS NULL OR owner_id = $2)
		ORDER BY created_at, id
	`
	args := []any{q.ResourceID, nil}
	if q.OwnerID != nil {
		args[1] = *q.OwnerID
	}
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			e       Event
			actorID uuid.NullUUID
			details []byte
		)
		if err := rows.Scan(&e.ID, &actorID, &e.Actor.Kind, &e.Action, &e.ResourceType,
			&e.ResourceID, &e.OwnerID, &details, &e.CreatedAt); err != nil {
			return nil, err
		}
		if actorID.Valid {
			e.Actor.ID = actorID.UUID
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, fmt.Errorf("unmarshal audit details: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
