package report

import (
	"bytes"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/signintech/gopdf"

	"medscribe/internal/consultation"
	"medscribe/internal/errors"
)

const (
	fontFamily = "NoteFont"

	pageMargin   = 40.0
	pageBottom   = 800.0
	contentWidth = 515.0
)

// DefaultFontPaths are tried in order.
var DefaultFontPaths = []string{
	"/usr/share/fonts/ttf-dejavu/DejaVuSans.ttf",
	"/usr/share/fonts/dejavu/DejaVuSans.ttf",
	"/usr/share/fonts/truetype/dejavu/DejaVuSans.ttf",
	"/usr/share/fonts/truetype/noto/NotoSans-Regular.ttf",
	"/usr/share/fonts/noto/NotoSans-Regular.ttf",
}

// fontPath returns the first existing font file.
func fontPath(paths []string) (string, error) {
	for _, p := range paths {
		if st, err := os.Stat(p); err == nil && !st.IsDir() {
			return p, nil
		}
	}
	return "", errors.Newf("no usable font among %d configured paths", len(paths)).
		Component(component).
		Category(errors.CategoryConfiguration).
		Build()
}

// pdfWriter tracks the cursor and breaks pages.
type pdfWriter struct {
	pdf *gopdf.GoPdf
	err error
}

func (w *pdfWriter) font(size float64) {
	if w.err != nil {
		return
	}
	w.err = w.pdf.SetFont(fontFamily, "", size)
}

func (w *pdfWriter) ensureSpace(h float64) {
	if w.err != nil || w.pdf.GetY()+h <= pageBottom {
		return
	}
	w.pdf.AddPage()
	w.pdf.SetXY(pageMargin, pageMargin)
}

func (w *pdfWriter) text(s string, lineHeight float64) {
	if w.err != nil {
		return
	}
	for _, para := range strings.Split(s, "\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			w.pdf.Br(lineHeight / 2)
			continue
		}
		lines, err := w.pdf.SplitText(para, contentWidth)
		if err != nil {
			w.err = fmt.Errorf("split text: %w", err)
			return
		}
		for _, l := range lines {
			w.ensureSpace(lineHeight)
			w.pdf.SetX(pageMargin)
			if err := w.pdf.Cell(nil, l); err != nil {
				w.err = err
				return
			}
			w.pdf.Br(lineHeight)
		}
	}
}

func (w *pdfWriter) heading(s string) {
	w.ensureSpace(40)
	w.pdf.Br(8)
	w.font(14)
	w.text(s, 18)
	w.font(11)
}

func (w *pdfWriter) section(title, body string) {
	w.heading(title)
	if strings.TrimSpace(body) == "" {
		body = "Not recorded."
	}
	w.text(body, 14)
}

// renderDocument lays out the approved clinical note.
func renderDocument(c *consultation.Consultation, font string, generatedAt time.Time) ([]byte, error) {
	pdf := &gopdf.GoPdf{}
	pdf.Start(gopdf.Config{PageSize: *gopdf.PageSizeA4})
	pdf.SetInfo(gopdf.PdfInfo{
		Title:        "Clinical note " + c.ID.String(),
		Subject:      "Consultation note",
		Creator:      "medscribe",
		Producer:     "medscribe",
		CreationDate: generatedAt,
	})
	if err := pdf.AddTTFFont(fontFamily, font); err != nil {
		return nil, fmt.Errorf("load font %s: %w", font, err)
	}
	pdf.AddPage()
	pdf.SetXY(pageMargin, pageMargin)

	w := &pdfWriter{pdf: pdf}
	w.font(18)
	w.text("Clinical Consultation Note", 24)

	w.font(10)
	patient := c.PatientName
	if patient == "" {
		patient = "Not recorded"
	}
	meta := []string{
		"Consultation: " + c.ID.String(),
		"Patient: " + patient,
		"Language: " + languageName(c.Language),
		"Recorded: " + c.CreatedAt.Format("02 Jan 2006 15:04 MST"),
	}
	if c.ApprovedAt != nil {
		meta = append(meta, "Approved: "+c.ApprovedAt.Format("02 Jan 2006 15:04 MST"))
	}
	if c.ApprovedBy.Valid {
		meta = append(meta, "Approved by: "+c.ApprovedBy.UUID.String())
	}
	w.text(strings.Join(meta, "\n"), 13)

	var note consultation.Note
	if c.Note != nil {
		note = *c.Note
	}
	w.section("Subjective", note.Subjective)
	w.section("Objective", note.Objective)
	w.section("Assessment", note.Assessment)
	w.section("Plan", note.Plan)

	if e := c.Entities; e != nil {
		if len(e.Medications) > 0 {
			lines := make([]string, 0, len(e.Medications))
			for _, m := range e.Medications {
				lines = append(lines, "- "+medicationText(m))
			}
			w.section("Medications", strings.Join(lines, "\n"))
		}
		if len(e.Vitals) > 0 {
			keys := make([]string, 0, len(e.Vitals))
			for k := range e.Vitals {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			lines := make([]string, 0, len(keys))
			for _, k := range keys {
				lines = append(lines, fmt.Sprintf("- %s: %s", k, e.Vitals[k]))
			}
			w.section("Vitals", strings.Join(lines, "\n"))
		}
	}

	if len(c.Codes) > 0 {
		lines := make([]string, 0, len(c.Codes))
		for _, code := range c.Codes {
			lines = append(lines, fmt.Sprintf("- %s %s", code.Code, code.Display))
		}
		w.section("Diagnosis codes (ICD-10)", strings.Join(lines, "\n"))
	}

	if c.ReviewNotes != "" {
		w.section("Reviewer notes", c.ReviewNotes)
	}

	w.ensureSpace(30)
	w.pdf.Br(12)
	w.font(8)
	w.text(fmt.Sprintf("Generated %s. Draft produced by %s and approved by a clinician.",
		generatedAt.Format(time.RFC3339), generationLabel(c.GenerationMethod)), 10)
	if w.err != nil {
		return nil, w.err
	}

	var buf bytes.Buffer
	if _, err := pdf.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("write pdf: %w", err)
	}
	return buf.Bytes(), nil
}

func languageName(l consultation.Language) string {
	switch l {
	case consultation.LanguageTamil:
		return "Tamil"
	case consultation.LanguageTelugu:
		return "Telugu"
	default:
		return string(l)
	}
}

func generationLabel(m consultation.GenerationMethod) string {
	if m == consultation.MethodHybrid {
		return "language model with rule-based vitals"
	}
	return "language model"
}

func medicationText(m consultation.Medication) string {
	parts := []string{m.Name}
	if m.Dosage != "" {
		parts = append(parts, m.Dosage)
	}
	if m.Frequency != "" {
		parts = append(parts, m.Frequency)
	}
	return strings.Join(parts, " ")
}
