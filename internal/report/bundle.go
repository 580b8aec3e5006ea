package report

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"medscribe/internal/consultation"
)

const (
	loincSystem      = "http://loinc.org"
	loincConsultNote = "11488-4"
	narrativeNS      = "http://www.w3.org/1999/xhtml"
)

type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id"`
	Type         string        `json:"type"`
	Timestamp    string        `json:"timestamp"`
	Entry        []BundleEntry `json:"entry"`
}

type BundleEntry struct {
	FullURL  string `json:"fullUrl"`
	Resource any    `json:"resource"`
}

type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

type Reference struct {
	Reference string `json:"reference"`
	Display   string `json:"display,omitempty"`
}

type Narrative struct {
	Status string `json:"status"`
	Div    string `json:"div"`
}

type HumanName struct {
	Text string `json:"text"`
}

type PatientCommunication struct {
	Language CodeableConcept `json:"language"`
}

type Patient struct {
	ResourceType  string                 `json:"resourceType"`
	ID            string                 `json:"id"`
	Name          []HumanName            `json:"name,omitempty"`
	Communication []PatientCommunication `json:"communication,omitempty"`
}

type CompositionSection struct {
	Title string      `json:"title"`
	Text  Narrative   `json:"text"`
	Entry []Reference `json:"entry,omitempty"`
}

type Composition struct {
	ResourceType string               `json:"resourceType"`
	ID           string               `json:"id"`
	Status       string               `json:"status"`
	Type         CodeableConcept      `json:"type"`
	Subject      Reference            `json:"subject"`
	Date         string               `json:"date"`
	Author       []Reference          `json:"author"`
	Title        string               `json:"title"`
	Section      []CompositionSection `json:"section"`
}

type Condition struct {
	ResourceType string          `json:"resourceType"`
	ID           string          `json:"id"`
	Code         CodeableConcept `json:"code"`
	Subject      Reference       `json:"subject"`
}

type Dosage struct {
	Text string `json:"text"`
}

type MedicationStatement struct {
	ResourceType              string          `json:"resourceType"`
	ID                        string          `json:"id"`
	Status                    string          `json:"status"`
	MedicationCodeableConcept CodeableConcept `json:"medicationCodeableConcept"`
	Subject                   Reference       `json:"subject"`
	Dosage                    []Dosage        `json:"dosage,omitempty"`
}

type Observation struct {
	ResourceType string            `json:"resourceType"`
	ID           string            `json:"id"`
	Status       string            `json:"status"`
	Category     []CodeableConcept `json:"category"`
	Code         CodeableConcept   `json:"code"`
	Subject      Reference         `json:"subject"`
	ValueString  string            `json:"valueString"`
}

// bundleBuilder derives stable resource ids from the consultation id so a
// regenerated bundle references the same resources.
type bundleBuilder struct {
	c       *consultation.Consultation
	entries []BundleEntry
}

func (b *bundleBuilder) id(kind string, i int) string {
	return uuid.NewSHA1(b.c.ID, fmt.Appendf(nil, "%s/%d", kind, i)).String()
}

func (b *bundleBuilder) add(id string, resource any) Reference {
	ref := "urn:uuid:" + id
	b.entries = append(b.entries, BundleEntry{FullURL: ref, Resource: resource})
	return Reference{Reference: ref}
}

// buildBundle assembles a FHIR document bundle. The Composition is the first
// entry.
func buildBundle(c *consultation.Consultation, generatedAt time.Time) ([]byte, error) {
	b := &bundleBuilder{c: c}

	patientID := b.id("patient", 0)
	patient := Patient{ResourceType: "Patient", ID: patientID}
	if c.PatientName != "" {
		patient.Name = []HumanName{{Text: c.PatientName}}
	}
	patient.Communication = []PatientCommunication{{
		Language: CodeableConcept{Coding: []Coding{{System: "urn:ietf:bcp:47", Code: string(c.Language), Display: languageName(c.Language)}}},
	}}
	subject := Reference{Reference: "urn:uuid:" + patientID, Display: c.PatientName}

	var conditions, medications, observations []Reference
	for i, code := range c.Codes {
		ref := b.add(b.id("condition", i), Condition{
			ResourceType: "Condition",
			ID:           b.id("condition", i),
			Code: CodeableConcept{
				Coding: []Coding{{System: code.System, Code: code.Code, Display: code.Display}},
				Text:   code.Display,
			},
			Subject: subject,
		})
		conditions = append(conditions, ref)
	}

	var vitalLines, medLines []string
	if e := c.Entities; e != nil {
		if len(c.Codes) == 0 {
			for i, d := range e.Diagnoses {
				ref := b.add(b.id("condition", i), Condition{
					ResourceType: "Condition",
					ID:           b.id("condition", i),
					Code:         CodeableConcept{Text: d},
					Subject:      subject,
				})
				conditions = append(conditions, ref)
			}
		}
		for i, m := range e.Medications {
			st := MedicationStatement{
				ResourceType:              "MedicationStatement",
				ID:                        b.id("medication", i),
				Status:                    "active",
				MedicationCodeableConcept: CodeableConcept{Text: m.Name},
				Subject:                   subject,
			}
			if dose := strings.TrimSpace(m.Dosage + " " + m.Frequency); dose != "" {
				st.Dosage = []Dosage{{Text: dose}}
			}
			medications = append(medications, b.add(st.ID, st))
			medLines = append(medLines, medicationText(m))
		}
		keys := make([]string, 0, len(e.Vitals))
		for k := range e.Vitals {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for i, k := range keys {
			obs := Observation{
				ResourceType: "Observation",
				ID:           b.id("observation", i),
				Status:       "final",
				Category: []CodeableConcept{{Coding: []Coding{{
					System: "http://terminology.hl7.org/CodeSystem/observation-category",
					Code:   "vital-signs",
				}}}},
				Code:        CodeableConcept{Text: k},
				Subject:     subject,
				ValueString: e.Vitals[k],
			}
			observations = append(observations, b.add(obs.ID, obs))
			vitalLines = append(vitalLines, k+": "+e.Vitals[k])
		}
	}

	var note consultation.Note
	if c.Note != nil {
		note = *c.Note
	}
	sections := []CompositionSection{
		{Title: "Subjective", Text: narrative(note.Subjective)},
		{Title: "Objective", Text: narrative(note.Objective), Entry: observations},
		{Title: "Assessment", Text: narrative(note.Assessment), Entry: conditions},
		{Title: "Plan", Text: narrative(note.Plan), Entry: medications},
	}
	if len(medLines) > 0 {
		sections = append(sections, CompositionSection{Title: "Medications", Text: narrative(strings.Join(medLines, "\n"))})
	}
	if len(vitalLines) > 0 {
		sections = append(sections, CompositionSection{Title: "Vital signs", Text: narrative(strings.Join(vitalLines, "\n"))})
	}

	date := c.CreatedAt
	if c.ApprovedAt != nil {
		date = *c.ApprovedAt
	}
	author := Reference{Reference: "urn:uuid:" + c.OwnerID.String(), Display: "Consulting clinician"}
	if c.ApprovedBy.Valid {
		author = Reference{Reference: "urn:uuid:" + c.ApprovedBy.UUID.String(), Display: "Approving clinician"}
	}
	composition := Composition{
		ResourceType: "Composition",
		ID:           b.id("composition", 0),
		Status:       "final",
		Type: CodeableConcept{
			Coding: []Coding{{System: loincSystem, Code: loincConsultNote, Display: "Consult note"}},
		},
		Subject: subject,
		Date:    date.UTC().Format(time.RFC3339),
		Author:  []Reference{author},
		Title:   "Consultation note",
		Section: sections,
	}

	entries := append([]BundleEntry{
		{FullURL: "urn:uuid:" + composition.ID, Resource: composition},
		{FullURL: "urn:uuid:" + patientID, Resource: patient},
	}, b.entries...)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	err := enc.Encode(Bundle{
		ResourceType: "Bundle",
		ID:           c.ID.String(),
		Type:         "document",
		Timestamp:    generatedAt.UTC().Format(time.RFC3339),
		Entry:        entries,
	})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func narrative(text string) Narrative {
	if strings.TrimSpace(text) == "" {
		return Narrative{Status: "empty", Div: `<div xmlns="` + narrativeNS + `"></div>`}
	}
	lines := strings.Split(strings.TrimSpace(text), "\n")
	for i, l := range lines {
		lines[i] = html.EscapeString(l)
	}
	return Narrative{
		Status: "generated",
		Div:    `<div xmlns="` + narrativeNS + `">` + strings.Join(lines, "<br/>") + `</div>`,
	}
}
