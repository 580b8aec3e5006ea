package consultation

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"medscribe/internal/audit"
	"medscribe/internal/errors"
)

// Mutation is one atomic change: the new consultation state, the audit
// event describing it and, for content changes, a history entry.
type Mutation struct {
	Consultation *Consultation
	Event        audit.Event
	History      *EditHistoryEntry
}

// Repository persists consultations together with their audit trail and
// edit history. Commit applies a mutation entirely or not at all.
type Repository interface {
	Create(ctx context.Context, c *Consultation, e audit.Event) error
	Get(ctx context.Context, id uuid.UUID) (*Consultation, error)
	List(ctx context.Context, f Filter) ([]*Consultation, error)
	ListProcessing(ctx context.Context) ([]uuid.UUID, error)
	Commit(ctx context.Context, m Mutation) error
	History(ctx context.Context, id uuid.UUID) ([]EditHistoryEntry, error)
	AppendEvent(ctx context.Context, e audit.Event) error
	Events(ctx context.Context, q audit.Query) ([]audit.Event, error)
}

type postgresRepo struct {
	db     *sql.DB
	events *audit.PostgresStore
}

func NewRepository(db *sql.DB) Repository {
	return &postgresRepo{db: db, events: audit.NewPostgresStore(db)}
}

const consultationColumns = `id, owner_id, patient_name, language, audio, status, progress, transcript,
	entities, note, codes, generation_method, generation_time_ms, cost, failure_reason,
	review_status, reviewed_by, reviewed_at, approved_by, approved_at, review_notes, edit_count,
	created_at, updated_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConsultation(row rowScanner) (*Consultation, error) {
	var (
		c                                   Consultation
		audioJSON, progressJSON             []byte
		transcriptJSON, entitiesJSON        []byte
		noteJSON, codesJSON                 []byte
		generationMs                        int64
		reviewStatus                        sql.NullString
		reviewedAt, approvedAt, completedAt sql.NullTime
	)
	err := row.Scan(
		&c.ID, &c.OwnerID, &c.PatientName, &c.Language, &audioJSON, &c.Status, &progressJSON,
		&transcriptJSON, &entitiesJSON, &noteJSON, &codesJSON, &c.GenerationMethod, &generationMs,
		&c.Cost, &c.FailureReason, &reviewStatus, &c.ReviewedBy, &reviewedAt, &c.ApprovedBy,
		&approvedAt, &c.ReviewNotes, &c.EditCount, &c.CreatedAt, &c.UpdatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(audioJSON, &c.Audio); err != nil {
		return nil, fmt.Errorf("failed to unmarshal audio: %w", err)
	}
	if err := json.Unmarshal(progressJSON, &c.Progress); err != nil {
		return nil, fmt.Errorf("failed to unmarshal progress: %w", err)
	}
	if len(transcriptJSON) > 0 {
		if err := json.Unmarshal(transcriptJSON, &c.Transcript); err != nil {
			return nil, fmt.Errorf("failed to unmarshal transcript: %w", err)
		}
	}
	if len(entitiesJSON) > 0 {
		if err := json.Unmarshal(entitiesJSON, &c.Entities); err != nil {
			return nil, fmt.Errorf("failed to unmarshal entities: %w", err)
		}
	}
	if len(noteJSON) > 0 {
		if err := json.Unmarshal(noteJSON, &c.Note); err != nil {
			return nil, fmt.Errorf("failed to unmarshal note: %w", err)
		}
	}
	if len(codesJSON) > 0 {
		if err := json.Unmarshal(codesJSON, &c.Codes); err != nil {
			return nil, fmt.Errorf("failed to unmarshal codes: %w", err)
		}
	}
	c.GenerationTime = time.Duration(generationMs) * time.Millisecond
	c.ReviewStatus = ReviewStatus(reviewStatus.String)
	if reviewedAt.Valid {
		c.ReviewedAt = &reviewedAt.Time
	}
	if approvedAt.Valid {
		c.ApprovedAt = &approvedAt.Time
	}
	if completedAt.Valid {
		c.CompletedAt = &completedAt.Time
	}
	return &c, nil
}

// nullableJSON encodes v, mapping nil pointers and nil slices to SQL NULL.
func nullableJSON(v any, isNil bool) (any, error) {
	if isNil {
		return nil, nil
	}
	return json.Marshal(v)
}

func consultationArgs(c *Consultation) ([]any, error) {
	audioJSON, err := json.Marshal(c.Audio)
	if err != nil {
		return nil, err
	}
	progressJSON, err := json.Marshal(c.Progress)
	if err != nil {
		return nil, err
	}
	transcriptJSON, err := nullableJSON(c.Transcript, c.Transcript == nil)
	if err != nil {
		return nil, err
	}
	entitiesJSON, err := nullableJSON(c.Entities, c.Entities == nil)
	if err != nil {
		return nil, err
	}
	noteJSON, err := nullableJSON(c.Note, c.Note == nil)
	if err != nil {
		return nil, err
	}
	codesJSON, err := nullableJSON(c.Codes, c.Codes == nil)
	if err != nil {
		return nil, err
	}
	var reviewStatus any
	if c.ReviewStatus != ReviewNone {
		reviewStatus = string(c.ReviewStatus)
	}
	return []any{
		c.ID, c.OwnerID, c.PatientName, c.Language, audioJSON, c.Status, progressJSON,
		transcriptJSON, entitiesJSON, noteJSON, codesJSON, c.GenerationMethod, c.GenerationTime.Milliseconds(),
		c.Cost, c.FailureReason, reviewStatus, c.ReviewedBy, c.ReviewedAt, c.ApprovedBy,
		c.ApprovedAt, c.ReviewNotes, c.EditCount, c.CreatedAt, c.UpdatedAt, c.CompletedAt,
	}, nil
}

func (r *postgresRepo) Create(ctx context.Context, c *Consultation, e audit.Event) error {
	args, err := consultationArgs(c)
	if err != nil {
		return err
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	query := `INSERT INTO consultations (` + consultationColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25)`
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert consultation: %w", err)
	}
	if err := audit.Insert(ctx, tx, e); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *postgresRepo) Get(ctx context.Context, id uuid.UUID) (*Consultation, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+consultationColumns+` FROM consultations WHERE id = $1`, id)
	c, err := scanConsultation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.NotFound(component, "consultation", id.String())
		}
		return nil, err
	}
	return c, nil
}

func (r *postgresRepo) List(ctx context.Context, f Filter) ([]*Consultation, error) {
	var status any
	if f.Status != "" {
		status = string(f.Status)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	query := `SELECT ` + consultationColumns + ` FROM consultations
		WHERE ($1::uuid IS NULL OR owner_id = $1) AND ($2::text IS NULL OR status = $2)
		ORDER BY created_at DESC, id
		LIMIT $3`
	var owner any
	if f.OwnerID != uuid.Nil {
		owner = f.OwnerID
	}
	rows, err := r.db.QueryContext(ctx, query, owner, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list consultations: %w", err)
	}
	defer rows.Close()

	var out []*Consultation
	for rows.Next() {
		c, err := scanConsultation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *postgresRepo) ListProcessing(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id FROM consultations WHERE status = $1 ORDER BY created_at`, StatusProcessing)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *postgresRepo) Commit(ctx context.Context, m Mutation) error {
	args, err := consultationArgs(m.Consultation)
	if err != nil {
		return err
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	query := `UPDATE consultations SET
			patient_name = $3, language = $4, audio = $5, status = $6, progress = $7, transcript = $8,
			entities = $9, note = $10, codes = $11, generation_method = $12, generation_time_ms = $13,
			cost = $14, failure_reason = $15, review_status = $16, reviewed_by = $17, reviewed_at = $18,
			approved_by = $19, approved_at = $20, review_notes = $21, edit_count = $22, updated_at = $24,
			completed_at = $25
		WHERE id = $1 AND owner_id = $2 AND created_at = $23`
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update consultation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NotFound(component, "consultation", m.Consultation.ID.String())
	}

	if m.History != nil {
		changes, err := json.Marshal(m.History.Changes)
		if err != nil {
			return err
		}
		err = tx.QueryRowContext(ctx, `
			INSERT INTO edit_history (id, consultation_id, seq, actor_id, action, changes, reason, created_at)
			VALUES ($1, $2, (SELECT COALESCE(MAX(seq), 0) + 1 FROM edit_history WHERE consultation_id = $2), $3, $4, $5, $6, $7)
			RETURNING seq`,
			m.History.ID, m.History.ConsultationID, m.History.ActorID, m.History.Action, changes,
			m.History.Reason, m.History.CreatedAt,
		).Scan(&m.History.Seq)
		if err != nil {
			return fmt.Errorf("insert edit history: %w", err)
		}
	}

	if err := audit.Insert(ctx, tx, m.Event); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *postgresRepo) History(ctx context.Context, id uuid.UUID) ([]EditHistoryEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, consultation_id, seq, actor_id, action, changes, reason, created_at
		FROM edit_history WHERE consultation_id = $1 ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("query edit history: %w", err)
	}
	defer rows.Close()

	var out []EditHistoryEntry
	for rows.Next() {
		var (
			e       EditHistoryEntry
			changes []byte
		)
		if err := rows.Scan(&e.ID, &e.ConsultationID, &e.Seq, &e.ActorID, &e.Action, &changes, &e.Reason, &e.CreatedAt); err != nil {
			return nil, err
		}
		if len(changes) > 0 {
			if err := json.Unmarshal(changes, &e.Changes); err != nil {
				return nil, fmt.Errorf("failed to unmarshal changes: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *postgresRepo) AppendEvent(ctx context.Context, e audit.Event) error {
	return r.events.Append(ctx, e)
}

func (r *postgresRepo) Events(ctx context.Context, q audit.Query) ([]audit.Event, error) {
	return r.events.List(ctx, q)
}
