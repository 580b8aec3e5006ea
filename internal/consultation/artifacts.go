package consultation

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"medscribe/internal/audit"
	"medscribe/internal/errors"
	"medscribe/internal/logging"
)

// GenerateArtifacts renders and stores the document and bundle of a
// completed consultation. A failure is recorded in progress and returned as
// a render error; the consultation stays completed.
func (e *Engine) GenerateArtifacts(ctx context.Context, id uuid.UUID) error {
	c, doc, err := e.renderLocked(ctx, id)
	if err != nil {
		return err
	}
	if e.deliverer == nil {
		return nil
	}
	if err := e.deliverer.Deliver(ctx, c, doc); err != nil {
		logging.NewLogger(ctx).WithField("consultation_id", id).Warnf("document delivery failed: %v", err)
	}
	return nil
}

func (e *Engine) renderLocked(ctx context.Context, id uuid.UUID) (*Consultation, []byte, error) {
	release, err := e.locker.Acquire(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	defer release()

	c, err := e.repo.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if c.Status != StatusCompleted {
		return nil, nil, errors.InvalidTransition(component, "render", stateOf(c))
	}

	logger := logging.NewLogger(ctx).WithFields(map[string]any{
		"consultation_id": id,
		"stage":           StageArtifactGeneration,
	})

	out, renderErr := e.render(ctx, c)
	now := e.now()
	c.UpdatedAt = now
	details := map[string]any{"stage": StageArtifactGeneration}
	if renderErr != nil {
		c.Progress[StageArtifactGeneration] = StageFailed
		details["state"] = StageFailed
		details["error"] = renderErr.Error()
	} else {
		c.Progress[StageArtifactGeneration] = StageCompleted
		details["state"] = StageCompleted
	}

	if err := e.commit(context.WithoutCancel(ctx), audit.System(), c, audit.ActionUpdate, details, nil); err != nil {
		logger.Errorf("failed to record artifact outcome: %v", err)
		if renderErr != nil {
			return nil, nil, errors.Join(renderErr, err)
		}
		return nil, nil, err
	}
	e.observer.ObserveArtifact(renderErr == nil)

	if renderErr != nil {
		logger.Errorf("artifact generation failed: %v", renderErr)
		errors.Report(renderErr)
		return nil, nil, renderErr
	}
	logger.Infof("artifacts stored")
	return c, out.Document, nil
}

func (e *Engine) render(ctx context.Context, c *Consultation) (Artifacts, error) {
	out, err := e.renderer.Render(ctx, c)
	if err != nil {
		if errors.IsCategory(err, errors.CategoryRender) {
			return out, err
		}
		return out, errors.Render(component, err)
	}
	if len(out.Document) == 0 {
		return out, errors.Render(component, fmt.Errorf("renderer returned an empty document"))
	}
	if err := e.artifacts.Put(ctx, c.ID, ArtifactDocument, out.Document); err != nil {
		return out, errors.Render(component, fmt.Errorf("store document: %w", err))
	}
	if len(out.Bundle) > 0 {
		if err := e.artifacts.Put(ctx, c.ID, ArtifactBundle, out.Bundle); err != nil {
			return out, errors.Render(component, fmt.Errorf("store bundle: %w", err))
		}
	}
	return out, nil
}
