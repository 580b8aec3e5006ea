package report

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medscribe/internal/consultation"
	"medscribe/internal/errors"
)

func approvedConsultation() *consultation.Consultation {
	created := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	approved := created.Add(20 * time.Minute)
	approver := uuid.New()
	return &consultation.Consultation{
		ID:          uuid.New(),
		OwnerID:     approver,
		PatientName: "Lakshmi",
		Language:    consultation.LanguageTelugu,
		Status:      consultation.StatusCompleted,
		Entities: &consultation.Entities{
			Symptoms:    []string{"cough"},
			Medications: []consultation.Medication{{Name: "amoxicillin", Dosage: "500mg", Frequency: "BD"}},
			Diagnoses:   []string{"bronchitis"},
			Vitals:      map[string]string{"pulse": "88", "blood_pressure": "120/80"},
		},
		Note: &consultation.Note{
			Subjective: "Cough for a week <worse at night>",
			Objective:  "BP 120/80, pulse 88",
			Assessment: "Acute bronchitis",
			Plan:       "Amoxicillin 500mg BD for 5 days",
		},
		Codes:            []consultation.Code{{System: consultation.CodeSystemICD10, Code: "J20.9", Display: "Acute bronchitis"}},
		GenerationMethod: consultation.MethodHybrid,
		ReviewStatus:     consultation.ReviewDone,
		ApprovedBy:       uuid.NullUUID{UUID: approver, Valid: true},
		ApprovedAt:       &approved,
		CreatedAt:        created,
	}
}

func TestBundleIsFHIRDocument(t *testing.T) {
	c := approvedConsultation()
	data, err := buildBundle(c, time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	var b struct {
		ResourceType string `json:"resourceType"`
		Type         string `json:"type"`
		Entry        []struct {
			FullURL  string         `json:"fullUrl"`
			Resource map[string]any `json:"resource"`
		} `json:"entry"`
	}
	require.NoError(t, json.Unmarshal(data, &b))
	assert.Equal(t, "Bundle", b.ResourceType)
	assert.Equal(t, "document", b.Type)

	types := map[string]int{}
	for _, e := range b.Entry {
		types[e.Resource["resourceType"].(string)]++
	}
	assert.Equal(t, map[string]int{
		"Composition":         1,
		"Patient":             1,
		"Condition":           1,
		"MedicationStatement": 1,
		"Observation":         2,
	}, types)
	assert.Equal(t, "Composition", b.Entry[0].Resource["resourceType"])
	assert.Contains(t, string(data), "&lt;worse at night&gt;")
	assert.Contains(t, string(data), "J20.9")
}

func TestBundleIDsAreStable(t *testing.T) {
	c := approvedConsultation()
	first, err := buildBundle(c, time.Unix(0, 0))
	require.NoError(t, err)
	second, err := buildBundle(c, time.Unix(0, 0))
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestBundleFallsBackToDiagnosisText(t *testing.T) {
	c := approvedConsultation()
	c.Codes = nil
	data, err := buildBundle(c, time.Now())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"text": "bronchitis"`)
}

func TestRenderRequiresCompleted(t *testing.T) {
	c := approvedConsultation()
	c.Status = consultation.StatusReview
	_, err := NewRenderer(nil).Render(context.Background(), c)
	assert.ErrorIs(t, err, errors.ErrRender)
}

func TestRenderWithoutFontIsRenderError(t *testing.T) {
	r := NewRenderer([]string{filepath.Join(t.TempDir(), "missing.ttf")})
	_, err := r.Render(context.Background(), approvedConsultation())
	assert.ErrorIs(t, err, errors.ErrRender)
}

func TestRenderProducesPDF(t *testing.T) {
	font, err := fontPath(DefaultFontPaths)
	if err != nil {
		t.Skip("no system font available")
	}
	r := NewRenderer([]string{font})
	out, err := r.Render(context.Background(), approvedConsultation())
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(out.Document, []byte("%PDF-")))
	assert.True(t, json.Valid(out.Bundle))
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	id := uuid.New()

	_, err := s.Get(ctx, id, consultation.ArtifactDocument)
	assert.ErrorIs(t, err, errors.ErrNotFound)

	data := []byte("%PDF-1.4")
	require.NoError(t, s.Put(ctx, id, consultation.ArtifactDocument, data))
	data[0] = 'X'
	got, err := s.Get(ctx, id, consultation.ArtifactDocument)
	require.NoError(t, err)
	assert.Equal(t, []byte("%PDF-1.4"), got)
}

type fakeSender struct {
	chatID   int64
	filename string
	caption  string
	data     []byte
	err      error
}

func (f *fakeSender) SendDocument(_ context.Context, chatID int64, data []byte, filename, caption string) error {
	f.chatID, f.data, f.filename, f.caption = chatID, data, filename, caption
	return f.err
}

func TestTelegramDeliverer(t *testing.T) {
	c := approvedConsultation()
	sender := &fakeSender{}
	d := NewTelegramDeliverer(sender, 77)

	require.NoError(t, d.Deliver(context.Background(), c, []byte("pdf")))
	assert.Equal(t, int64(77), sender.chatID)
	assert.Equal(t, "consultation-"+c.ID.String()+".pdf", sender.filename)
	assert.Contains(t, sender.caption, "Telugu")
	assert.NotContains(t, sender.caption, c.PatientName)

	sender.err = os.ErrDeadlineExceeded
	assert.ErrorIs(t, d.Deliver(context.Background(), c, []byte("pdf")), os.ErrDeadlineExceeded)
}
