package consultation

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"medscribe/internal/errors"
)

const component = "consultation"

type Status string

const (
	StatusProcessing Status = "processing"
	StatusReview     Status = "review"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type ReviewStatus string

const (
	ReviewNone    ReviewStatus = ""
	ReviewPending ReviewStatus = "pending_review"
	ReviewUnder   ReviewStatus = "under_review"
	ReviewDone    ReviewStatus = "approved"
	ReviewReject  ReviewStatus = "rejected"
)

type Language string

const (
	LanguageTamil  Language = "ta"
	LanguageTelugu Language = "te"
)

func (l Language) Valid() bool {
	return l == LanguageTamil || l == LanguageTelugu
}

// Stage names a step of the pipeline and its progress marker.
type Stage string

const (
	StageAudioValidation    Stage = "audio_validation"
	StageTranscription      Stage = "transcription"
	StageEntityExtraction   Stage = "entity_extraction"
	StageNoteSynthesis      Stage = "note_synthesis"
	StageArtifactGeneration Stage = "artifact_generation"
)

// Stages lists progress markers in pipeline order.
var Stages = []Stage{
	StageAudioValidation,
	StageTranscription,
	StageEntityExtraction,
	StageNoteSynthesis,
	StageArtifactGeneration,
}

type StageState string

const (
	StagePending    StageState = "pending"
	StageProcessing StageState = "processing"
	StageCompleted  StageState = "completed"
	StageFailed     StageState = "failed"
)

type Progress map[Stage]StageState

func NewProgress() Progress {
	p := make(Progress, len(Stages))
	for _, s := range Stages {
		p[s] = StagePending
	}
	return p
}

type Role string

const (
	RoleDoctor  Role = "doctor"
	RolePatient Role = "patient"
	RoleUnknown Role = "unknown"
)

type Segment struct {
	Speaker string `json:"speaker"`
	Role    Role   `json:"role"`
	Text    string `json:"text"`
	StartMs int64  `json:"start_ms"`
	EndMs   int64  `json:"end_ms"`
}

type Transcript struct {
	Language   Language  `json:"language"`
	Text       string    `json:"text"`
	Segments   []Segment `json:"segments"`
	Confidence float64   `json:"confidence,omitempty"`
}

// Empty reports whether the transcript carries no spoken content.
func (t *Transcript) Empty() bool {
	if t == nil {
		return true
	}
	if t.Text != "" {
		return false
	}
	for _, s := range t.Segments {
		if s.Text != "" {
			return false
		}
	}
	return true
}

type Medication struct {
	Name      string `json:"name"`
	Dosage    string `json:"dosage,omitempty"`
	Frequency string `json:"frequency,omitempty"`
}

type Entities struct {
	Symptoms    []string          `json:"symptoms"`
	Medications []Medication      `json:"medications"`
	Diagnoses   []string          `json:"diagnoses"`
	Vitals      map[string]string `json:"vitals"`
}

// Note is the structured clinical note in SOAP form.
type Note struct {
	Subjective string `json:"subjective"`
	Objective  string `json:"objective"`
	Assessment string `json:"assessment"`
	Plan       string `json:"plan"`
}

// CodeSystemICD10 identifies ICD-10 diagnosis codes.
const CodeSystemICD10 = "http://hl7.org/fhir/sid/icd-10"

type Code struct {
	System  string `json:"system"`
	Code    string `json:"code"`
	Display string `json:"display,omitempty"`
}

type GenerationMethod string

const (
	MethodLLM    GenerationMethod = "llm"
	MethodHybrid GenerationMethod = "hybrid"
)

// Synthesis is what the note synthesis client returns.
type Synthesis struct {
	Note   Note
	Codes  []Code
	Method GenerationMethod
}

type Audio struct {
	Ref       string        `json:"ref"`
	Format    string        `json:"format"`
	Duration  time.Duration `json:"duration"`
	SizeBytes int64         `json:"size_bytes"`
}

// Consultation is the aggregate root of one recorded encounter.
type Consultation struct {
	ID          uuid.UUID `json:"id"`
	OwnerID     uuid.UUID `json:"owner_id"`
	PatientName string    `json:"patient_name,omitempty"`
	Language    Language  `json:"language"`
	Audio       Audio     `json:"audio"`

	Status           Status           `json:"status"`
	Progress         Progress         `json:"progress"`
	Transcript       *Transcript      `json:"transcript"`
	Entities         *Entities        `json:"entities"`
	Note             *Note            `json:"note"`
	Codes            []Code           `json:"codes"`
	GenerationMethod GenerationMethod `json:"generation_method,omitempty"`
	GenerationTime   time.Duration    `json:"generation_time"`
	Cost             float64          `json:"cost"`
	FailureReason    string           `json:"failure_reason,omitempty"`

	ReviewStatus ReviewStatus  `json:"review_status,omitempty"`
	ReviewedBy   uuid.NullUUID `json:"reviewed_by"`
	ReviewedAt   *time.Time    `json:"reviewed_at"`
	ApprovedBy   uuid.NullUUID `json:"approved_by"`
	ApprovedAt   *time.Time    `json:"approved_at"`
	ReviewNotes  string        `json:"review_notes,omitempty"`
	EditCount    int           `json:"edit_count"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at"`
}

// Clone returns a deep copy so snapshots never share mutable state.
func (c *Consultation) Clone() *Consultation {
	if c == nil {
		return nil
	}
	out := *c
	out.Progress = make(Progress, len(c.Progress))
	for k, v := range c.Progress {
		out.Progress[k] = v
	}
	if c.Transcript != nil {
		t := *c.Transcript
		t.Segments = append([]Segment(nil), c.Transcript.Segments...)
		out.Transcript = &t
	}
	if c.Entities != nil {
		e := cloneEntities(*c.Entities)
		out.Entities = &e
	}
	if c.Note != nil {
		n := *c.Note
		out.Note = &n
	}
	if c.Codes != nil {
		out.Codes = append([]Code{}, c.Codes...)
	}
	out.ReviewedAt = cloneTime(c.ReviewedAt)
	out.ApprovedAt = cloneTime(c.ApprovedAt)
	out.CompletedAt = cloneTime(c.CompletedAt)
	return &out
}

func cloneEntities(e Entities) Entities {
	out := Entities{
		Symptoms:    append([]string(nil), e.Symptoms...),
		Medications: append([]Medication(nil), e.Medications...),
		Diagnoses:   append([]string(nil), e.Diagnoses...),
	}
	if e.Vitals != nil {
		out.Vitals = make(map[string]string, len(e.Vitals))
		for k, v := range e.Vitals {
			out.Vitals[k] = v
		}
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// CheckInvariants verifies the coupling between status and the review and
// completion fields.
func (c *Consultation) CheckInvariants() error {
	inReview := c.Status == StatusReview || c.Status == StatusCompleted
	if inReview != (c.ReviewStatus != ReviewNone) {
		return errInvariant("review_status %q with status %q", c.ReviewStatus, c.Status)
	}
	if c.Status.Terminal() != (c.CompletedAt != nil) {
		return errInvariant("completed_at with status %q", c.Status)
	}
	if inReview && (c.Transcript == nil || c.Entities == nil || c.Note == nil) {
		return errInvariant("status %q without transcript, entities and note", c.Status)
	}
	return nil
}

func errInvariant(format string, args ...any) error {
	return errors.Newf("invariant violated: "+format, args...).Component(component).Build()
}

// FieldChange is the before and after value of one edited field.
type FieldChange struct {
	Old json.RawMessage `json:"old"`
	New json.RawMessage `json:"new"`
}

type HistoryAction string

const (
	HistoryEdit    HistoryAction = "edit"
	HistoryApprove HistoryAction = "approve"
	HistoryReject  HistoryAction = "reject"
)

// EditHistoryEntry records one accepted content change or review decision.
type EditHistoryEntry struct {
	ID             uuid.UUID              `json:"id"`
	ConsultationID uuid.UUID              `json:"consultation_id"`
	Seq            int                    `json:"seq"`
	ActorID        uuid.UUID              `json:"actor_id"`
	Action         HistoryAction          `json:"action"`
	Changes        map[string]FieldChange `json:"changes,omitempty"`
	Reason         string                 `json:"reason,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
}

// Filter narrows a listing.
type Filter struct {
	OwnerID uuid.UUID
	Status  Status
	Limit   int
}

const DefaultListLimit = 50
