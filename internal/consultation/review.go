package consultation

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/google/uuid"

	"medscribe/internal/audit"
	"medscribe/internal/errors"
	"medscribe/internal/logging"
)

// Editable fields of a consultation under review.
const (
	FieldNote     = "note"
	FieldEntities = "entities"
	FieldCodes    = "codes"
)

var editable = map[string]bool{
	FieldNote:     true,
	FieldEntities: true,
	FieldCodes:    true,
}

// GetStatus returns a consistent snapshot of the consultation.
func (e *Engine) GetStatus(ctx context.Context, actor audit.Actor, id uuid.UUID) (*Consultation, error) {
	return e.load(ctx, actor, id)
}

// History returns the accepted edits and review decisions in order.
func (e *Engine) History(ctx context.Context, actor audit.Actor, id uuid.UUID) ([]EditHistoryEntry, error) {
	if _, err := e.load(ctx, actor, id); err != nil {
		return nil, err
	}
	return e.repo.History(ctx, id)
}

// SubmitEdit applies changes to the note, entities or codes of a
// consultation in review. Edits are serialized by the consultation lock.
func (e *Engine) SubmitEdit(ctx context.Context, actor audit.Actor, id uuid.UUID, changes map[string]json.RawMessage, reason string) (*Consultation, error) {
	if len(changes) == 0 {
		return nil, errors.Validation(component, "changes", "no changes submitted")
	}
	fields := make([]string, 0, len(changes))
	for k := range changes {
		fields = append(fields, k)
	}
	sort.Strings(fields)
	for _, f := range fields {
		if !editable[f] {
			return nil, errors.InvalidEditTarget(component, f)
		}
	}

	if err := e.precheck(ctx, actor, id, "edit", editableState); err != nil {
		return nil, err
	}

	release, err := e.locker.Acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	c, err := e.load(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if !editableState(c) {
		return nil, errors.InvalidTransition(component, "edit", stateOf(c))
	}

	recorded := make(map[string]FieldChange, len(fields))
	for _, f := range fields {
		change, err := applyField(c, f, changes[f])
		if err != nil {
			return nil, err
		}
		recorded[f] = change
	}

	now := e.now()
	c.EditCount++
	if c.ReviewStatus == ReviewPending || c.ReviewStatus == ReviewReject {
		c.ReviewStatus = ReviewUnder
	}
	c.ReviewedBy = uuid.NullUUID{UUID: actor.ID, Valid: true}
	c.ReviewedAt = &now
	c.UpdatedAt = now

	entry := &EditHistoryEntry{
		ID:             uuid.New(),
		ConsultationID: id,
		ActorID:        actor.ID,
		Action:         HistoryEdit,
		Changes:        recorded,
		Reason:         strings.TrimSpace(reason),
		CreatedAt:      now,
	}
	details := map[string]any{
		"fields":        fields,
		"edit_count":    c.EditCount,
		"review_status": c.ReviewStatus,
	}
	if entry.Reason != "" {
		details["reason"] = entry.Reason
	}
	if err := e.commit(ctx, actor, c, audit.ActionUpdate, details, entry); err != nil {
		return nil, err
	}
	e.observer.ObserveEdit()

	logging.NewLogger(ctx).WithFields(map[string]any{
		"consultation_id": id,
		"edit_count":      c.EditCount,
	}).Infof("edit accepted")
	return c, nil
}

func editableState(c *Consultation) bool {
	return c.Status == StatusReview && c.ReviewStatus != ReviewDone
}

func approvableState(c *Consultation) bool {
	return c.Status == StatusReview && (c.ReviewStatus == ReviewPending || c.ReviewStatus == ReviewUnder)
}

// precheck rejects operations in the wrong state before waiting on the
// lock, so a long pipeline run does not turn them into busy errors.
func (e *Engine) precheck(ctx context.Context, actor audit.Actor, id uuid.UUID, op string, allowed func(*Consultation) bool) error {
	c, err := e.load(ctx, actor, id)
	if err != nil {
		return err
	}
	if c.Status == StatusProcessing || c.Status == StatusFailed {
		return errors.InvalidTransition(component, op, stateOf(c))
	}
	if c.Status == StatusCompleted && op == "approve" {
		return nil
	}
	if !allowed(c) {
		return errors.InvalidTransition(component, op, stateOf(c))
	}
	return nil
}

func applyField(c *Consultation, field string, raw json.RawMessage) (FieldChange, error) {
	var (
		old, next any
		err       error
	)
	switch field {
	case FieldNote:
		var n Note
		if err = decodeStrict(raw, &n); err != nil {
			return FieldChange{}, errors.Validation(component, field, "invalid note: %v", err)
		}
		old, next = c.Note, &n
		c.Note = &n
	case FieldEntities:
		var ent Entities
		if err = decodeStrict(raw, &ent); err != nil {
			return FieldChange{}, errors.Validation(component, field, "invalid entities: %v", err)
		}
		old, next = c.Entities, &ent
		c.Entities = &ent
	case FieldCodes:
		var codes []Code
		if err = decodeStrict(raw, &codes); err != nil {
			return FieldChange{}, errors.Validation(component, field, "invalid codes: %v", err)
		}
		for i := range codes {
			if strings.TrimSpace(codes[i].Code) == "" {
				return FieldChange{}, errors.Validation(component, field, "code %d is empty", i)
			}
			if codes[i].System == "" {
				codes[i].System = CodeSystemICD10
			}
		}
		if codes == nil {
			codes = []Code{}
		}
		old, next = c.Codes, codes
		c.Codes = codes
	default:
		return FieldChange{}, errors.InvalidEditTarget(component, field)
	}

	oldJSON, err := json.Marshal(old)
	if err != nil {
		return FieldChange{}, err
	}
	newJSON, err := json.Marshal(next)
	if err != nil {
		return FieldChange{}, err
	}
	return FieldChange{Old: oldJSON, New: newJSON}, nil
}

func decodeStrict(raw json.RawMessage, v any) error {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return errors.NewStd("value is required")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// Approve completes a consultation in review. Repeating it after success
// returns the consultation unchanged. Artifact generation is queued after
// the approval is durable and never reverts it.
func (e *Engine) Approve(ctx context.Context, actor audit.Actor, id uuid.UUID, notes string) (*Consultation, error) {
	if err := e.precheck(ctx, actor, id, "approve", approvableState); err != nil {
		return nil, err
	}

	c, approved, err := e.approve(ctx, actor, id, notes)
	if err != nil {
		return nil, err
	}
	if approved {
		if err := e.submit(id, "artifacts", e.GenerateArtifacts); err != nil {
			logging.NewLogger(ctx).WithField("consultation_id", id).
				Warnf("artifact generation not queued, regenerate later: %v", err)
		}
	}
	return c, nil
}

func (e *Engine) approve(ctx context.Context, actor audit.Actor, id uuid.UUID, notes string) (*Consultation, bool, error) {
	release, err := e.locker.Acquire(ctx, id)
	if err != nil {
		return nil, false, err
	}
	defer release()

	c, err := e.load(ctx, actor, id)
	if err != nil {
		return nil, false, err
	}
	if c.Status == StatusCompleted && c.ReviewStatus == ReviewDone {
		return c, false, nil
	}
	if !approvableState(c) {
		return nil, false, errors.InvalidTransition(component, "approve", stateOf(c))
	}

	now := e.now()
	c.Status = StatusCompleted
	c.ReviewStatus = ReviewDone
	c.ApprovedBy = uuid.NullUUID{UUID: actor.ID, Valid: true}
	c.ApprovedAt = &now
	c.ReviewedBy = c.ApprovedBy
	c.ReviewedAt = &now
	c.CompletedAt = &now
	c.UpdatedAt = now
	if notes = strings.TrimSpace(notes); notes != "" {
		c.ReviewNotes = notes
	}

	entry := &EditHistoryEntry{
		ID:             uuid.New(),
		ConsultationID: id,
		ActorID:        actor.ID,
		Action:         HistoryApprove,
		Reason:         notes,
		CreatedAt:      now,
	}
	details := map[string]any{
		"from":       StatusReview,
		"to":         StatusCompleted,
		"edit_count": c.EditCount,
	}
	if notes != "" {
		details["notes"] = notes
	}
	if err := e.commit(ctx, actor, c, audit.ActionApprove, details, entry); err != nil {
		return nil, false, err
	}
	e.observer.ObserveTransition(string(StatusReview), string(StatusCompleted))
	logging.NewLogger(ctx).WithField("consultation_id", id).Infof("consultation approved")
	return c, true, nil
}

// Reject sends the note back for rework. The consultation stays in review.
func (e *Engine) Reject(ctx context.Context, actor audit.Actor, id uuid.UUID, reason string) (*Consultation, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, errors.Validation(component, "reason", "a rejection needs a reason")
	}
	if err := e.precheck(ctx, actor, id, "reject", approvableState); err != nil {
		return nil, err
	}

	release, err := e.locker.Acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	c, err := e.load(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if !approvableState(c) {
		return nil, errors.InvalidTransition(component, "reject", stateOf(c))
	}

	now := e.now()
	from := c.ReviewStatus
	c.ReviewStatus = ReviewReject
	c.ReviewNotes = reason
	c.ReviewedBy = uuid.NullUUID{UUID: actor.ID, Valid: true}
	c.ReviewedAt = &now
	c.UpdatedAt = now

	entry := &EditHistoryEntry{
		ID:             uuid.New(),
		ConsultationID: id,
		ActorID:        actor.ID,
		Action:         HistoryReject,
		Reason:         reason,
		CreatedAt:      now,
	}
	err = e.commit(ctx, actor, c, audit.ActionReview, map[string]any{
		"decision": ReviewReject,
		"from":     from,
		"reason":   reason,
	}, entry)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Cancel asks a running pipeline to stop. The current stage finishes first;
// the consultation then fails with reason "cancelled".
func (e *Engine) Cancel(ctx context.Context, actor audit.Actor, id uuid.UUID) error {
	c, err := e.load(ctx, actor, id)
	if err != nil {
		return err
	}
	if c.Status != StatusProcessing {
		return errors.InvalidTransition(component, "cancel", stateOf(c))
	}
	if _, already := e.cancelled.LoadOrStore(id, actor); already {
		return nil
	}
	event := audit.NewEvent(actor, audit.ActionUpdate, id, c.OwnerID, e.now(), map[string]any{
		"cancel_requested": true,
	})
	return e.appendEvent(ctx, event)
}
