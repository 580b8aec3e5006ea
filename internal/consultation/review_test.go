package consultation

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medscribe/internal/audit"
	"medscribe/internal/errors"
)

func noteChange(t *testing.T, assessment string) map[string]json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(Note{
		Subjective: "Fever for three days",
		Objective:  "Temperature 101°F",
		Assessment: assessment,
		Plan:       "Paracetamol 500mg TID",
	})
	require.NoError(t, err)
	return map[string]json.RawMessage{FieldNote: raw}
}

func TestEditOfForbiddenFieldIsRejected(t *testing.T) {
	h := newHarness(t, nil)
	c := h.seed(t, StatusReview)
	ctx := context.Background()
	before := h.events(t, c.ID, "")

	tests := []struct {
		name    string
		changes map[string]json.RawMessage
		field   string
	}{
		{"audio path", map[string]json.RawMessage{"audio_file_path": json.RawMessage(`"/tmp/x.wav"`)}, "audio_file_path"},
		{"transcript alongside note", map[string]json.RawMessage{
			FieldNote:    noteChange(t, "changed")[FieldNote],
			"transcript": json.RawMessage(`{"text":"x"}`),
		}, "transcript"},
		{"identity", map[string]json.RawMessage{"owner_id": json.RawMessage(`"` + uuid.NewString() + `"`)}, "owner_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.engine.SubmitEdit(ctx, h.owner, c.ID, tt.changes, "")
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrInvalidEditTarget)
			assert.Equal(t, tt.field, errors.FieldOf(err))
		})
	}

	got := h.get(t, c.ID)
	assert.Equal(t, 0, got.EditCount)
	assert.Equal(t, "Viral fever", got.Note.Assessment)
	assert.Equal(t, ReviewPending, got.ReviewStatus)
	assert.Equal(t, c.UpdatedAt, got.UpdatedAt)

	history, err := h.engine.History(ctx, h.owner, c.ID)
	require.NoError(t, err)
	assert.Empty(t, history)
	assert.Len(t, h.events(t, c.ID, ""), len(before))
}

func TestEditsCountAndRecordHistory(t *testing.T) {
	h := newHarness(t, nil)
	c := h.seed(t, StatusReview)
	ctx := context.Background()

	for i, assessment := range []string{"Dengue suspected", "Viral fever", "Typhoid ruled out"} {
		got, err := h.engine.SubmitEdit(ctx, h.owner, c.ID, noteChange(t, assessment), "clinician correction")
		require.NoError(t, err)
		assert.Equal(t, i+1, got.EditCount)
		assert.Equal(t, ReviewUnder, got.ReviewStatus)
	}

	got := h.get(t, c.ID)
	assert.Equal(t, 3, got.EditCount)
	assert.Equal(t, "Typhoid ruled out", got.Note.Assessment)
	assert.Equal(t, h.owner.ID, got.ReviewedBy.UUID)
	assert.NotNil(t, got.ReviewedAt)

	history, err := h.engine.History(ctx, h.owner, c.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	for i, entry := range history {
		assert.Equal(t, i+1, entry.Seq)
		assert.Equal(t, HistoryEdit, entry.Action)
		assert.Equal(t, "clinician correction", entry.Reason)
		require.Contains(t, entry.Changes, FieldNote)
	}
	var first, second Note
	require.NoError(t, json.Unmarshal(history[0].Changes[FieldNote].Old, &first))
	require.NoError(t, json.Unmarshal(history[1].Changes[FieldNote].Old, &second))
	assert.Equal(t, "Viral fever", first.Assessment)
	assert.Equal(t, "Dengue suspected", second.Assessment)

	assert.Len(t, h.events(t, c.ID, audit.ActionUpdate), 3)
	assert.Equal(t, 3, h.observer.edits)
}

func TestEditWithInvalidValueLeavesCountUnchanged(t *testing.T) {
	h := newHarness(t, nil)
	c := h.seed(t, StatusReview)
	ctx := context.Background()

	tests := []struct {
		name    string
		changes map[string]json.RawMessage
		field   string
	}{
		{"unknown note key", map[string]json.RawMessage{FieldNote: json.RawMessage(`{"summary":"x"}`)}, FieldNote},
		{"null entities", map[string]json.RawMessage{FieldEntities: json.RawMessage(`null`)}, FieldEntities},
		{"empty code", map[string]json.RawMessage{FieldCodes: json.RawMessage(`[{"code":""}]`)}, FieldCodes},
		{"no changes", map[string]json.RawMessage{}, "changes"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.engine.SubmitEdit(ctx, h.owner, c.ID, tt.changes, "")
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrValidation)
			assert.Equal(t, tt.field, errors.FieldOf(err))
		})
	}
	assert.Equal(t, 0, h.get(t, c.ID).EditCount)
}

func TestEditCodesDefaultsSystem(t *testing.T) {
	h := newHarness(t, nil)
	c := h.seed(t, StatusReview)

	got, err := h.engine.SubmitEdit(context.Background(), h.owner, c.ID, map[string]json.RawMessage{
		FieldCodes: json.RawMessage(`[{"code":"A90","display":"Dengue fever"}]`),
	}, "")
	require.NoError(t, err)
	require.Len(t, got.Codes, 1)
	assert.Equal(t, CodeSystemICD10, got.Codes[0].System)
}

func TestEditOutsideReviewIsInvalidTransition(t *testing.T) {
	h := newHarness(t, nil)
	c := h.seed(t, StatusProcessing)

	_, err := h.engine.SubmitEdit(context.Background(), h.owner, c.ID, noteChange(t, "x"), "")
	assert.ErrorIs(t, err, errors.ErrInvalidTransition)
	assert.Equal(t, 0, h.get(t, c.ID).EditCount)
}

// slowRepo delays commits and tracks how many run at once.
type slowRepo struct {
	Repository
	delay    time.Duration
	inflight atomic.Int32
	peak     atomic.Int32
}

func (r *slowRepo) Commit(ctx context.Context, m Mutation) error {
	n := r.inflight.Add(1)
	defer r.inflight.Add(-1)
	for {
		p := r.peak.Load()
		if n <= p || r.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(r.delay)
	return r.Repository.Commit(ctx, m)
}

func TestConcurrentEditsSerialize(t *testing.T) {
	var repo *slowRepo
	h := newHarness(t, func(d *Deps) {
		repo = &slowRepo{Repository: d.Repo, delay: 30 * time.Millisecond}
		d.Repo = repo
	})
	c := h.seed(t, StatusReview)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, assessment := range []string{"first", "second"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = h.engine.SubmitEdit(ctx, h.owner, c.ID, noteChange(t, assessment), "")
		}()
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, int32(1), repo.peak.Load())

	got := h.get(t, c.ID)
	assert.Equal(t, 2, got.EditCount)

	history, err := h.engine.History(ctx, h.owner, c.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	// the second edit saw the result of the first
	assert.JSONEq(t, string(history[0].Changes[FieldNote].New), string(history[1].Changes[FieldNote].Old))
}

func TestEditFailsFastWhenBusy(t *testing.T) {
	h := newHarness(t, nil)
	c := h.seed(t, StatusReview)

	release, err := h.locks.Acquire(context.Background(), c.ID)
	require.NoError(t, err)
	defer release()

	start := time.Now()
	_, err = h.engine.SubmitEdit(context.Background(), h.owner, c.ID, noteChange(t, "x"), "")
	assert.ErrorIs(t, err, errors.ErrConsultationBusy)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, 0, h.get(t, c.ID).EditCount)
}

func TestApproveWhileProcessingIsInvalidTransition(t *testing.T) {
	h := newHarness(t, nil)
	c := h.seed(t, StatusProcessing)

	// a running pipeline holds the lock; the state check must not wait on it
	release, err := h.locks.Acquire(context.Background(), c.ID)
	require.NoError(t, err)
	defer release()

	_, err = h.engine.Approve(context.Background(), h.owner, c.ID, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidTransition)
	assert.Empty(t, h.events(t, c.ID, audit.ActionApprove))
	assert.Equal(t, StatusProcessing, h.get(t, c.ID).Status)
}

func TestApproveIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	c := h.seed(t, StatusReview)
	ctx := context.Background()

	first, err := h.engine.Approve(ctx, h.owner, c.ID, "looks right")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, first.Status)
	assert.Equal(t, ReviewDone, first.ReviewStatus)
	require.NotNil(t, first.ApprovedAt)
	require.NotNil(t, first.CompletedAt)
	assert.Equal(t, h.owner.ID, first.ApprovedBy.UUID)
	assert.Equal(t, "looks right", first.ReviewNotes)
	assert.Equal(t, 1, h.jobs.Len())

	second, err := h.engine.Approve(ctx, h.owner, c.ID, "again")
	require.NoError(t, err)
	assert.True(t, first.ApprovedAt.Equal(*second.ApprovedAt))
	assert.Equal(t, "looks right", second.ReviewNotes)
	assert.Len(t, h.events(t, c.ID, audit.ActionApprove), 1)
	assert.Equal(t, 1, h.jobs.Len())

	history, err := h.engine.History(ctx, h.owner, c.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, HistoryApprove, history[0].Action)

	_, err = h.engine.SubmitEdit(ctx, h.owner, c.ID, noteChange(t, "late"), "")
	assert.ErrorIs(t, err, errors.ErrInvalidTransition)
}

func TestApprovalGeneratesArtifacts(t *testing.T) {
	var delivered []byte
	h := newHarness(t, func(d *Deps) {
		d.Deliverer = deliverFunc(func(_ context.Context, _ *Consultation, doc []byte) error {
			delivered = doc
			return nil
		})
	})
	c := h.seed(t, StatusReview)
	ctx := context.Background()

	_, err := h.engine.Approve(ctx, h.owner, c.ID, "")
	require.NoError(t, err)
	h.jobs.drain(ctx)

	got := h.get(t, c.ID)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, StageCompleted, got.Progress[StageArtifactGeneration])
	assert.NotEmpty(t, delivered)
	assert.Equal(t, []bool{true}, h.observer.artifacts)

	doc, err := h.svc.Artifact(ctx, h.owner, c.ID, ArtifactDocument)
	require.NoError(t, err)
	assert.Equal(t, delivered, doc)
	assert.Len(t, h.events(t, c.ID, audit.ActionExport), 1)
}

func TestArtifactFailureDoesNotRevertApproval(t *testing.T) {
	var broken atomic.Bool
	broken.Store(true)
	h := newHarness(t, func(d *Deps) {
		d.Renderer = renderFunc(func(ctx context.Context, c *Consultation) (Artifacts, error) {
			if broken.Load() {
				return Artifacts{}, errors.NewStd("font not found")
			}
			return okRender(ctx, c)
		})
	})
	c := h.seed(t, StatusReview)
	ctx := context.Background()

	_, err := h.engine.Approve(ctx, h.owner, c.ID, "")
	require.NoError(t, err)
	h.jobs.drain(ctx)

	got := h.get(t, c.ID)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, ReviewDone, got.ReviewStatus)
	assert.Equal(t, StageFailed, got.Progress[StageArtifactGeneration])

	_, err = h.svc.Artifact(ctx, h.owner, c.ID, ArtifactDocument)
	assert.ErrorIs(t, err, errors.ErrNotFound)

	_, err = h.svc.RegenerateArtifacts(ctx, h.owner, c.ID)
	assert.ErrorIs(t, err, errors.ErrRender)

	broken.Store(false)
	regenerated, err := h.svc.RegenerateArtifacts(ctx, h.owner, c.ID)
	require.NoError(t, err)
	assert.Equal(t, StageCompleted, regenerated.Progress[StageArtifactGeneration])
	assert.Equal(t, []bool{false, false, true}, h.observer.artifacts)
}

func TestRejectKeepsConsultationInReview(t *testing.T) {
	h := newHarness(t, nil)
	c := h.seed(t, StatusReview)
	ctx := context.Background()

	_, err := h.engine.Reject(ctx, h.owner, c.ID, "  ")
	assert.Equal(t, "reason", errors.FieldOf(err))

	rejected, err := h.engine.Reject(ctx, h.owner, c.ID, "vitals missing")
	require.NoError(t, err)
	assert.Equal(t, StatusReview, rejected.Status)
	assert.Equal(t, ReviewReject, rejected.ReviewStatus)
	assert.Nil(t, rejected.CompletedAt)

	_, err = h.engine.Approve(ctx, h.owner, c.ID, "")
	assert.ErrorIs(t, err, errors.ErrInvalidTransition)

	edited, err := h.engine.SubmitEdit(ctx, h.owner, c.ID, noteChange(t, "Viral fever, BP 120/80"), "added vitals")
	require.NoError(t, err)
	assert.Equal(t, ReviewUnder, edited.ReviewStatus)

	_, err = h.engine.Approve(ctx, h.owner, c.ID, "")
	require.NoError(t, err)

	history, err := h.engine.History(ctx, h.owner, c.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, []HistoryAction{HistoryReject, HistoryEdit, HistoryApprove},
		[]HistoryAction{history[0].Action, history[1].Action, history[2].Action})
	assert.Len(t, h.events(t, c.ID, audit.ActionReview), 1)
}

func TestOtherActorsSeeNotFound(t *testing.T) {
	h := newHarness(t, nil)
	c := h.seed(t, StatusReview)
	ctx := context.Background()
	stranger := audit.User(uuid.New())

	_, err := h.engine.GetStatus(ctx, stranger, c.ID)
	assert.ErrorIs(t, err, errors.ErrNotFound)
	_, err = h.engine.SubmitEdit(ctx, stranger, c.ID, noteChange(t, "x"), "")
	assert.ErrorIs(t, err, errors.ErrNotFound)
	_, err = h.engine.Approve(ctx, stranger, c.ID, "")
	assert.ErrorIs(t, err, errors.ErrNotFound)
	_, err = h.engine.History(ctx, stranger, c.ID)
	assert.ErrorIs(t, err, errors.ErrNotFound)

	got, err := h.engine.GetStatus(ctx, audit.System(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.ID, got.ID)
}

func TestCheckInvariants(t *testing.T) {
	now := time.Now()
	base := func() *Consultation {
		return &Consultation{Status: StatusProcessing, Progress: NewProgress()}
	}

	c := base()
	assert.NoError(t, c.CheckInvariants())

	c = base()
	c.CompletedAt = &now
	assert.Error(t, c.CheckInvariants())

	c = base()
	c.Status = StatusFailed
	assert.Error(t, c.CheckInvariants())
	c.CompletedAt = &now
	assert.NoError(t, c.CheckInvariants())

	c = base()
	c.Status = StatusReview
	c.ReviewStatus = ReviewPending
	assert.Error(t, c.CheckInvariants(), "review without pipeline outputs")
	c.Transcript, c.Entities, c.Note = tamilTranscript(), sampleEntities(), &Note{}
	assert.NoError(t, c.CheckInvariants())

	c.ReviewStatus = ReviewNone
	assert.Error(t, c.CheckInvariants())
}
