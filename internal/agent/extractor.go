package agent

import (
	"context"
	"fmt"
	"strings"

	"medscribe/internal/consultation"
	"medscribe/internal/usage"
)

type medicationOutput struct {
	Name      string `json:"name" jsonschema:"description=Medication name as spoken"`
	Dosage    string `json:"dosage" jsonschema:"description=Dose with unit, empty when not stated"`
	Frequency string `json:"frequency" jsonschema:"description=How often it is taken, empty when not stated"`
}

type vitalOutput struct {
	Name  string `json:"name" jsonschema:"enum=blood_pressure,enum=temperature,enum=pulse,enum=respiratory_rate,enum=spo2,enum=weight"`
	Value string `json:"value"`
}

type extractionOutput struct {
	Symptoms    []string           `json:"symptoms"`
	Medications []medicationOutput `json:"medications"`
	Diagnoses   []string           `json:"diagnoses"`
	Vitals      []vitalOutput      `json:"vitals"`
}

const extractionInstructions = `You extract clinical entities from a doctor-patient conversation recorded in %s.
Return only facts stated in the conversation. Keep original %s terms in brackets after the English term.
Do not infer diagnoses the doctor did not state.`

// Extractor pulls clinical entities out of a transcript with a language
// model, then adds lexicon and vitals hits the model missed.
type Extractor struct {
	llm LLM
}

func NewExtractor(llm LLM) *Extractor {
	return &Extractor{llm: llm}
}

func (e *Extractor) Extract(ctx context.Context, t consultation.Transcript) (*consultation.Entities, usage.Call, error) {
	schema, err := schemaFor[extractionOutput]("clinical_entities")
	if err != nil {
		return nil, usage.Call{Provider: e.llm.Provider()}, err
	}
	lang := languageName(t.Language)

	var out extractionOutput
	call, err := e.llm.GenerateJSON(ctx, JSONRequest{
		SchemaName:   "clinical_entities",
		Instructions: fmt.Sprintf(extractionInstructions, lang, lang),
		Input:        renderTranscript(t),
		Schema:       schema,
	}, &out)
	if err != nil {
		return nil, call, err
	}

	entities := consultation.Entities{
		Symptoms:  nonEmpty(out.Symptoms),
		Diagnoses: nonEmpty(out.Diagnoses),
		Vitals:    make(map[string]string, len(out.Vitals)),
	}
	for _, m := range out.Medications {
		if strings.TrimSpace(m.Name) == "" {
			continue
		}
		entities.Medications = append(entities.Medications, consultation.Medication(m))
	}
	for _, v := range out.Vitals {
		if v.Value != "" {
			entities.Vitals[v.Name] = v.Value
		}
	}

	merged := MergeEntities(entities, LexiconEntities(transcriptText(t), t.Language))
	return &merged, call, nil
}

func languageName(l consultation.Language) string {
	switch l {
	case consultation.LanguageTelugu:
		return "Telugu"
	default:
		return "Tamil"
	}
}

// renderTranscript prefixes each segment with its speaker role.
func renderTranscript(t consultation.Transcript) string {
	if len(t.Segments) == 0 {
		return t.Text
	}
	var b strings.Builder
	for _, s := range t.Segments {
		role := s.Role
		if role == "" {
			role = consultation.RoleUnknown
		}
		fmt.Fprintf(&b, "[%s] %s\n", role, s.Text)
	}
	return b.String()
}

func transcriptText(t consultation.Transcript) string {
	if t.Text != "" {
		return t.Text
	}
	parts := make([]string, 0, len(t.Segments))
	for _, s := range t.Segments {
		parts = append(parts, s.Text)
	}
	return strings.Join(parts, " ")
}

func nonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
