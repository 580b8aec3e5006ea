package report

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"medscribe/internal/consultation"
	"medscribe/internal/errors"
)

func contentType(kind string) string {
	if kind == consultation.ArtifactDocument {
		return "application/pdf"
	}
	return "application/fhir+json"
}

type artifactKey struct {
	id   uuid.UUID
	kind string
}

// MemoryStore keeps artifacts in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[artifactKey][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[artifactKey][]byte)}
}

func (s *MemoryStore) Put(_ context.Context, id uuid.UUID, kind string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[artifactKey{id, kind}] = append([]byte(nil), data...)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID, kind string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[artifactKey{id, kind}]
	if !ok {
		return nil, errors.NotFound(component, kind, id.String())
	}
	return append([]byte(nil), data...), nil
}

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Put replaces the stored artifact of the given kind.
func (s *PostgresStore) Put(ctx context.Context, id uuid.UUID, kind string, data []byte) error {
	query := `
		INSERT INTO artifacts (consultation_id, kind, content_type, content, size_bytes, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (consultation_id, kind) DO UPDATE SET
			content_type = EXCLUDED.content_type,
			content = EXCLUDED.content,
			size_bytes = EXCLUDED.size_bytes,
			updated_at = EXCLUDED.updated_at
	`
	if _, err := s.db.ExecContext(ctx, query, id, kind, contentType(kind), data, len(data)); err != nil {
		return fmt.Errorf("store %s artifact: %w", kind, err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID, kind string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT content FROM artifacts WHERE consultation_id = $1 AND kind = $2`, id, kind,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NotFound(component, kind, id.String())
	}
	if err != nil {
		return nil, fmt.Errorf("load %s artifact: %w", kind, err)
	}
	return data, nil
}
