package report

import (
	"context"
	"fmt"
	"time"

	"medscribe/internal/consultation"
	"medscribe/internal/errors"
	"medscribe/internal/logging"
)

const component = "report"

// Renderer produces the PDF clinical note and the FHIR document bundle of a
// completed consultation.
type Renderer struct {
	fontPaths []string
	now       func() time.Time
}

func NewRenderer(fontPaths []string) *Renderer {
	if len(fontPaths) == 0 {
		fontPaths = DefaultFontPaths
	}
	return &Renderer{fontPaths: fontPaths, now: time.Now}
}

func (r *Renderer) Render(ctx context.Context, c *consultation.Consultation) (consultation.Artifacts, error) {
	if err := ctx.Err(); err != nil {
		return consultation.Artifacts{}, err
	}
	if c.Status != consultation.StatusCompleted {
		return consultation.Artifacts{}, errors.Render(component, fmt.Errorf("consultation %s is %s, not completed", c.ID, c.Status))
	}
	if c.Note == nil {
		return consultation.Artifacts{}, errors.Render(component, fmt.Errorf("consultation %s has no note", c.ID))
	}

	logger := logging.NewLogger(ctx).WithField("consultation_id", c.ID)
	generatedAt := r.now().UTC()

	font, err := fontPath(r.fontPaths)
	if err != nil {
		return consultation.Artifacts{}, errors.Render(component, err)
	}
	doc, err := renderDocument(c, font, generatedAt)
	if err != nil {
		return consultation.Artifacts{}, errors.Render(component, err)
	}
	bundle, err := buildBundle(c, generatedAt)
	if err != nil {
		return consultation.Artifacts{}, errors.Render(component, fmt.Errorf("encode bundle: %w", err))
	}

	logger.Debugf("rendered document (%d bytes) and bundle (%d bytes)", len(doc), len(bundle))
	return consultation.Artifacts{Document: doc, Bundle: bundle}, nil
}
