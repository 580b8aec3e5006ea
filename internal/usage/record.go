package usage

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Call describes what one provider call consumed. Clients fill it even when
// the call fails, with whatever they could measure.
type Call struct {
	Provider      string
	Model         string
	RequestBytes  int64
	ResponseBytes int64
	InputTokens   int64
	OutputTokens  int64
	AudioSeconds  float64
}

// Record is the billing entry for one provider call attempt.
type Record struct {
	ID             uuid.UUID     `json:"id"`
	ConsultationID uuid.NullUUID `json:"consultation_id"`
	Provider       string        `json:"provider"`
	Model          string        `json:"model,omitempty"`
	Operation      string        `json:"operation"`
	Attempt        int           `json:"attempt"`
	Duration       time.Duration `json:"duration"`
	RequestBytes   int64         `json:"request_bytes"`
	ResponseBytes  int64         `json:"response_bytes"`
	InputTokens    int64         `json:"input_tokens,omitempty"`
	OutputTokens   int64         `json:"output_tokens,omitempty"`
	AudioSeconds   float64       `json:"audio_seconds,omitempty"`
	Cost           float64       `json:"cost"`
	Success        bool          `json:"success"`
	Error          string        `json:"error,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
}

// Store persists records. Append must be idempotent by record id.
type Store interface {
	Append(ctx context.Context, r Record) error
	ListByConsultation(ctx context.Context, consultationID uuid.UUID) ([]Record, error)
	AddToLedger(ctx context.Context, entries []LedgerEntry) error
	MonthToDate(ctx context.Context, provider string, now time.Time) (float64, error)
}
