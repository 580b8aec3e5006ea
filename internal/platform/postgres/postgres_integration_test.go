//go:build integration

package postgres_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"medscribe/internal/audit"
	"medscribe/internal/consultation"
	"medscribe/internal/errors"
	"medscribe/internal/lock"
	"medscribe/internal/platform/postgres"
	"medscribe/internal/report"
	"medscribe/internal/usage"
)

type PostgresSuite struct {
	suite.Suite
	ctx context.Context
	url string
	db  *sql.DB
}

func TestPostgresSuite(t *testing.T) {
	suite.Run(t, new(PostgresSuite))
}

func (s *PostgresSuite) SetupSuite() {
	s.ctx = context.Background()
	ctr, err := tcpostgres.Run(s.ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("medscribe"),
		tcpostgres.WithUsername("medscribe"),
		tcpostgres.WithPassword("medscribe"),
		tcpostgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(s.T(), ctr)
	s.Require().NoError(err)

	s.url, err = ctr.ConnectionString(s.ctx, "sslmode=disable")
	s.Require().NoError(err)
	s.Require().NoError(postgres.Migrate(s.ctx, s.url))

	s.db, err = postgres.Open(s.ctx, postgres.Options{URL: s.url, Attempts: 5, Delay: time.Second})
	s.Require().NoError(err)
}

func (s *PostgresSuite) TearDownSuite() {
	if s.db != nil {
		_ = s.db.Close()
	}
}

func (s *PostgresSuite) newConsultation(owner uuid.UUID) *consultation.Consultation {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &consultation.Consultation{
		ID:          uuid.New(),
		OwnerID:     owner,
		PatientName: "Murugan",
		Language:    consultation.LanguageTamil,
		Audio:       consultation.Audio{Ref: "mem://a.wav", Format: "wav", Duration: 30 * time.Second, SizeBytes: 960044},
		Status:      consultation.StatusProcessing,
		Progress:    consultation.NewProgress(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func (s *PostgresSuite) TestMigrateIsIdempotent() {
	s.Require().NoError(postgres.Migrate(s.ctx, s.url))
}

func (s *PostgresSuite) TestRepositoryRoundTrip() {
	t := s.T()
	repo := consultation.NewRepository(s.db)
	owner := audit.User(uuid.New())
	c := s.newConsultation(owner.ID)

	require.NoError(t, repo.Create(s.ctx, c, audit.NewEvent(owner, audit.ActionCreate, c.ID, c.OwnerID, c.CreatedAt, nil)))

	got, err := repo.Get(s.ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.Audio, got.Audio)
	assert.Equal(t, consultation.StatusProcessing, got.Status)
	assert.Equal(t, consultation.ReviewNone, got.ReviewStatus)

	got.Status = consultation.StatusReview
	got.ReviewStatus = consultation.ReviewPending
	got.Note = &consultation.Note{Subjective: "fever", Assessment: "viral fever"}
	got.Codes = []consultation.Code{{System: consultation.CodeSystemICD10, Code: "B34.9"}}
	for _, st := range consultation.Stages[:4] {
		got.Progress[st] = consultation.StageCompleted
	}
	got.UpdatedAt = time.Now().UTC().Truncate(time.Microsecond)
	require.NoError(t, got.CheckInvariants())
	require.NoError(t, repo.Commit(s.ctx, consultation.Mutation{
		Consultation: got,
		Event:        audit.NewEvent(audit.System(), audit.ActionUpdate, c.ID, c.OwnerID, got.UpdatedAt, map[string]any{"to": "review"}),
	}))

	got.EditCount = 1
	got.ReviewStatus = consultation.ReviewUnder
	old, _ := json.Marshal(got.Note)
	got.Note = &consultation.Note{Subjective: "fever", Assessment: "dengue"}
	updated, _ := json.Marshal(got.Note)
	entry := &consultation.EditHistoryEntry{
		ID:             uuid.New(),
		ConsultationID: c.ID,
		ActorID:        owner.ID,
		Action:         consultation.HistoryEdit,
		Changes:        map[string]consultation.FieldChange{"note": {Old: old, New: updated}},
		CreatedAt:      time.Now().UTC(),
	}
	require.NoError(t, repo.Commit(s.ctx, consultation.Mutation{
		Consultation: got,
		Event:        audit.NewEvent(owner, audit.ActionUpdate, c.ID, c.OwnerID, entry.CreatedAt, nil),
		History:      entry,
	}))
	assert.Equal(t, 1, entry.Seq)

	final, err := repo.Get(s.ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "dengue", final.Note.Assessment)
	assert.Equal(t, 1, final.EditCount)

	history, err := repo.History(s.ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.JSONEq(t, string(updated), string(history[0].Changes["note"].New))

	events, err := repo.Events(s.ctx, audit.Query{ResourceID: c.ID})
	require.NoError(t, err)
	assert.Len(t, events, 3)

	items, err := repo.List(s.ctx, consultation.Filter{OwnerID: owner.ID, Status: consultation.StatusReview})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, c.ID, items[0].ID)
}

func (s *PostgresSuite) TestCommitOfUnknownConsultationIsNotFound() {
	repo := consultation.NewRepository(s.db)
	c := s.newConsultation(uuid.New())
	err := repo.Commit(s.ctx, consultation.Mutation{
		Consultation: c,
		Event:        audit.NewEvent(audit.System(), audit.ActionUpdate, c.ID, c.OwnerID, c.UpdatedAt, nil),
	})
	s.ErrorIs(err, errors.ErrNotFound)

	events, err := repo.Events(s.ctx, audit.Query{ResourceID: c.ID})
	s.Require().NoError(err)
	s.Empty(events)
}

func (s *PostgresSuite) TestAuditAppendIsIdempotent() {
	store := audit.NewPostgresStore(s.db)
	owner := uuid.New()
	e := audit.NewEvent(audit.User(owner), audit.ActionRead, uuid.New(), owner, time.Now().UTC(), map[string]any{"status": "review"})

	s.Require().NoError(store.Append(s.ctx, e))
	s.Require().NoError(store.Append(s.ctx, e))

	events, err := store.List(s.ctx, audit.Query{ResourceID: e.ResourceID})
	s.Require().NoError(err)
	s.Len(events, 1)

	stranger := uuid.New()
	events, err = store.List(s.ctx, audit.Query{ResourceID: e.ResourceID, OwnerID: &stranger})
	s.Require().NoError(err)
	s.Empty(events)
}

func (s *PostgresSuite) TestUsageStoreAndLedger() {
	store := usage.NewPostgresStore(s.db)
	id := uuid.New()
	rec := usage.Record{
		ID:             uuid.New(),
		ConsultationID: uuid.NullUUID{UUID: id, Valid: true},
		Provider:       "itest-provider",
		Operation:      "transcribe",
		Attempt:        1,
		Duration:       1500 * time.Millisecond,
		AudioSeconds:   60,
		Cost:           0.3,
		Success:        true,
		CreatedAt:      time.Now().UTC(),
	}
	s.Require().NoError(store.Append(s.ctx, rec))
	s.Require().NoError(store.Append(s.ctx, rec))

	records, err := store.ListByConsultation(s.ctx, id)
	s.Require().NoError(err)
	s.Require().Len(records, 1)
	s.Equal(1500*time.Millisecond, records[0].Duration)

	day := time.Now().UTC().Truncate(24 * time.Hour)
	entry := usage.LedgerEntry{Provider: "itest-provider", Day: day, Calls: 1, Cost: 0.3}
	s.Require().NoError(store.AddToLedger(s.ctx, []usage.LedgerEntry{entry}))
	s.Require().NoError(store.AddToLedger(s.ctx, []usage.LedgerEntry{entry}))

	total, err := store.MonthToDate(s.ctx, "itest-provider", time.Now())
	s.Require().NoError(err)
	s.InDelta(0.6, total, 1e-9)
}

func (s *PostgresSuite) TestArtifactStore() {
	repo := consultation.NewRepository(s.db)
	c := s.newConsultation(uuid.New())
	s.Require().NoError(repo.Create(s.ctx, c, audit.NewEvent(audit.System(), audit.ActionCreate, c.ID, c.OwnerID, c.CreatedAt, nil)))

	store := report.NewPostgresStore(s.db)
	_, err := store.Get(s.ctx, c.ID, consultation.ArtifactDocument)
	s.ErrorIs(err, errors.ErrNotFound)

	s.Require().NoError(store.Put(s.ctx, c.ID, consultation.ArtifactDocument, []byte("%PDF-1")))
	s.Require().NoError(store.Put(s.ctx, c.ID, consultation.ArtifactDocument, []byte("%PDF-2")))
	data, err := store.Get(s.ctx, c.ID, consultation.ArtifactDocument)
	s.Require().NoError(err)
	s.Equal([]byte("%PDF-2"), data)
}

func (s *PostgresSuite) TestAdvisoryLockIsExclusive() {
	locker := lock.NewAdvisoryLocker(s.db, 150*time.Millisecond, nil)
	id := uuid.New()

	release, err := locker.Acquire(s.ctx, id)
	s.Require().NoError(err)

	_, err = locker.Acquire(s.ctx, id)
	s.ErrorIs(err, errors.ErrConsultationBusy)

	release()
	again, err := locker.Acquire(s.ctx, id)
	s.Require().NoError(err)
	again()
}

func (s *PostgresSuite) TestAdvisoryReleaseIsSafeConcurrently() {
	locker := lock.NewAdvisoryLocker(s.db, 150*time.Millisecond, nil)
	id := uuid.New()

	release, err := locker.Acquire(s.ctx, id)
	s.Require().NoError(err)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release()
		}()
	}
	wg.Wait()

	again, err := locker.Acquire(s.ctx, id)
	s.Require().NoError(err)
	again()
}
