package consultation

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"medscribe/internal/audit"
	"medscribe/internal/errors"
	"medscribe/internal/ingest"
	"medscribe/internal/logging"
)

// EstimatedProcessingSeconds is the pipeline duration announced on create.
const EstimatedProcessingSeconds = 45

// Ingestor validates and stores uploaded audio. *ingest.Adapter satisfies it.
type Ingestor interface {
	Ingest(ctx context.Context, up ingest.Upload) (ingest.Asset, error)
}

type CreateRequest struct {
	PatientName string
	Language    Language
	Upload      ingest.Upload
}

// Ack is returned as soon as a consultation is accepted.
type Ack struct {
	ID                   uuid.UUID `json:"id"`
	Status               Status    `json:"status"`
	PollURL              string    `json:"poll_url"`
	EstimatedTimeSeconds int       `json:"estimated_time_seconds"`
}

// Service is the entry point for callers. It adds ingestion, dispatch,
// listing and artifact access to the engine operations.
type Service struct {
	*Engine

	ingestor Ingestor
	reads    *cache.Cache
}

// NewService builds the service. Read events for one actor and consultation
// are written at most once per readWindow.
func NewService(engine *Engine, ingestor Ingestor, readWindow time.Duration) *Service {
	if readWindow <= 0 {
		readWindow = time.Minute
	}
	return &Service{
		Engine:   engine,
		ingestor: ingestor,
		reads:    cache.New(readWindow, 2*readWindow),
	}
}

// Create ingests the audio, persists the consultation in processing and
// queues its pipeline run.
func (s *Service) Create(ctx context.Context, actor audit.Actor, req CreateRequest) (Ack, error) {
	if actor.Kind != audit.ActorUser || actor.ID == uuid.Nil {
		return Ack{}, errors.Validation(component, "owner", "consultations are created on behalf of a user")
	}
	if !req.Language.Valid() {
		return Ack{}, errors.Validation(component, "language", "language %q is not supported", req.Language)
	}

	asset, err := s.ingestor.Ingest(ctx, req.Upload)
	if err != nil {
		return Ack{}, err
	}

	now := s.now()
	c := &Consultation{
		ID:          uuid.New(),
		OwnerID:     actor.ID,
		PatientName: strings.TrimSpace(req.PatientName),
		Language:    req.Language,
		Audio: Audio{
			Ref:       asset.Ref,
			Format:    string(asset.Format),
			Duration:  asset.Duration,
			SizeBytes: asset.SizeBytes,
		},
		Status:    StatusProcessing,
		Progress:  NewProgress(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	event := audit.NewEvent(actor, audit.ActionCreate, c.ID, c.OwnerID, now, map[string]any{
		"language":         c.Language,
		"format":           c.Audio.Format,
		"duration_seconds": c.Audio.Duration.Seconds(),
		"size_bytes":       c.Audio.SizeBytes,
		"normalized":       asset.Normalized,
	})
	if err := s.repo.Create(ctx, c, event); err != nil {
		return Ack{}, err
	}
	s.mirror(ctx, event)

	logger := logging.NewLogger(ctx).WithField("consultation_id", c.ID)
	if err := s.Dispatch(c.ID); err != nil {
		logger.Warnf("pipeline not queued, it resumes on restart or on start: %v", err)
	} else {
		logger.Infof("consultation accepted")
	}

	return Ack{
		ID:                   c.ID,
		Status:               StatusProcessing,
		PollURL:              "/api/consultations/" + c.ID.String(),
		EstimatedTimeSeconds: EstimatedProcessingSeconds,
	}, nil
}

// Start queues the pipeline run of a processing consultation again.
func (s *Service) Start(ctx context.Context, actor audit.Actor, id uuid.UUID) error {
	c, err := s.load(ctx, actor, id)
	if err != nil {
		return err
	}
	if c.Status != StatusProcessing {
		return errors.InvalidTransition(component, "start", stateOf(c))
	}
	return s.Dispatch(id)
}

// Resume queues every consultation left in processing, returning how many
// were queued.
func (s *Service) Resume(ctx context.Context) (int, error) {
	ids, err := s.repo.ListProcessing(ctx)
	if err != nil {
		return 0, err
	}
	logger := logging.NewLogger(ctx)
	queued := 0
	for _, id := range ids {
		if err := s.Dispatch(id); err != nil {
			logger.WithField("consultation_id", id).Warnf("resume not queued: %v", err)
			continue
		}
		queued++
	}
	if len(ids) > 0 {
		logger.Infof("resumed %d of %d processing consultations", queued, len(ids))
	}
	return queued, nil
}

// List returns the consultations visible to actor, newest first.
func (s *Service) List(ctx context.Context, actor audit.Actor, f Filter) ([]*Consultation, error) {
	switch f.Status {
	case "", StatusProcessing, StatusReview, StatusCompleted, StatusFailed:
	default:
		return nil, errors.Validation(component, "status", "unknown status %q", f.Status)
	}
	if f.Limit < 0 {
		return nil, errors.Validation(component, "limit", "limit must not be negative")
	}
	if !actor.IsSystem() {
		f.OwnerID = actor.ID
	}
	return s.repo.List(ctx, f)
}

// GetStatus returns the snapshot and records a read event, throttled per
// actor and consultation.
func (s *Service) GetStatus(ctx context.Context, actor audit.Actor, id uuid.UUID) (*Consultation, error) {
	c, err := s.Engine.GetStatus(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if actor.IsSystem() {
		return c, nil
	}
	key := actor.ID.String() + ":" + id.String()
	if err := s.reads.Add(key, struct{}{}, cache.DefaultExpiration); err == nil {
		event := audit.NewEvent(actor, audit.ActionRead, id, c.OwnerID, s.now(), map[string]any{"status": c.Status})
		if err := s.appendEvent(ctx, event); err != nil {
			s.reads.Delete(key)
			logging.NewLogger(ctx).WithField("consultation_id", id).Warnf("read audit not recorded: %v", err)
		}
	}
	return c, nil
}

// AuditTrail returns the audit events of a consultation. External actors
// only see events of consultations they own.
func (s *Service) AuditTrail(ctx context.Context, actor audit.Actor, id uuid.UUID) ([]audit.Event, error) {
	if _, err := s.load(ctx, actor, id); err != nil {
		return nil, err
	}
	q := audit.Query{ResourceID: id}
	if !actor.IsSystem() {
		owner := actor.ID
		q.OwnerID = &owner
	}
	return s.repo.Events(ctx, q)
}

// Artifact returns a stored artifact of a completed consultation and
// records the export.
func (s *Service) Artifact(ctx context.Context, actor audit.Actor, id uuid.UUID, kind string) ([]byte, error) {
	if kind != ArtifactDocument && kind != ArtifactBundle {
		return nil, errors.Validation(component, "kind", "unknown artifact kind %q", kind)
	}
	c, err := s.load(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if c.Status != StatusCompleted {
		return nil, errors.InvalidTransition(component, "export", stateOf(c))
	}
	data, err := s.artifacts.Get(ctx, id, kind)
	if err != nil {
		return nil, err
	}
	event := audit.NewEvent(actor, audit.ActionExport, id, c.OwnerID, s.now(), map[string]any{
		"kind":  kind,
		"bytes": len(data),
	})
	if err := s.appendEvent(ctx, event); err != nil {
		return nil, err
	}
	return data, nil
}

// RegenerateArtifacts renders the artifacts again and returns the updated
// consultation.
func (s *Service) RegenerateArtifacts(ctx context.Context, actor audit.Actor, id uuid.UUID) (*Consultation, error) {
	c, err := s.load(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if c.Status != StatusCompleted {
		return nil, errors.InvalidTransition(component, "render", stateOf(c))
	}
	if err := s.GenerateArtifacts(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.Get(ctx, id)
}
