package consultation

import (
	"context"
	"time"

	"github.com/google/uuid"

	"medscribe/internal/usage"
)

// TranscriptionRequest carries the canonical audio of one consultation.
type TranscriptionRequest struct {
	ConsultationID uuid.UUID
	Audio          []byte
	Format         string
	Language       Language
	Duration       time.Duration
}

// Transcriber turns audio into a speaker-tagged transcript. The returned
// call describes what was consumed even when err is non-nil.
type Transcriber interface {
	Transcribe(ctx context.Context, req TranscriptionRequest) (*Transcript, usage.Call, error)
}

type Extractor interface {
	Extract(ctx context.Context, t Transcript) (*Entities, usage.Call, error)
}

type Synthesizer interface {
	Synthesize(ctx context.Context, t Transcript, e Entities) (*Synthesis, usage.Call, error)
}

// AudioStore reads back audio accepted at ingestion.
type AudioStore interface {
	Get(ctx context.Context, ref string) ([]byte, error)
}

// UsageRecorder stores one record per provider call attempt.
type UsageRecorder interface {
	Record(ctx context.Context, r usage.Record) usage.Record
}

// Observer receives lifecycle measurements. *metrics.Metrics satisfies it.
type Observer interface {
	ObserveStage(stage string, ok bool, d time.Duration)
	ObserveAttempt(stage string, ok bool)
	ObserveTransition(from, to string)
	ObserveEdit()
	ObserveArtifact(ok bool)
}

type noopObserver struct{}

func (noopObserver) ObserveStage(string, bool, time.Duration) {}
func (noopObserver) ObserveAttempt(string, bool)              {}
func (noopObserver) ObserveTransition(string, string)         {}
func (noopObserver) ObserveEdit()                             {}
func (noopObserver) ObserveArtifact(bool)                     {}

// Artifact kinds.
const (
	ArtifactDocument = "document"
	ArtifactBundle   = "bundle"
)

// Artifacts are the rendered outputs of an approved consultation.
type Artifacts struct {
	Document []byte
	Bundle   []byte
}

// Renderer produces the artifacts. Failures are render errors.
type Renderer interface {
	Render(ctx context.Context, c *Consultation) (Artifacts, error)
}

type ArtifactStore interface {
	Put(ctx context.Context, id uuid.UUID, kind string, data []byte) error
	Get(ctx context.Context, id uuid.UUID, kind string) ([]byte, error)
}

// Deliverer pushes the finished document to an external channel.
type Deliverer interface {
	Deliver(ctx context.Context, c *Consultation, document []byte) error
}
