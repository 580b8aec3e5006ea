package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"medscribe/internal/consultation"
	"medscribe/internal/usage"
)

type codeOutput struct {
	Code    string `json:"code" jsonschema:"description=ICD-10 code"`
	Display string `json:"display"`
}

type synthesisOutput struct {
	Subjective string       `json:"subjective" jsonschema:"description=Patient complaints and history"`
	Objective  string       `json:"objective" jsonschema:"description=Examination findings and vital signs, empty when none were stated"`
	Assessment string       `json:"assessment"`
	Plan       string       `json:"plan" jsonschema:"description=Medications with dosage, tests and follow up"`
	Codes      []codeOutput `json:"codes"`
}

const synthesisInstructions = `Convert this %s doctor-patient conversation into a structured SOAP clinical note.
Keep original %s terms in brackets. Use the extracted entities as the source of truth for medications and vitals.
Leave a section empty rather than inventing findings. Add ICD-10 codes only for diagnoses the doctor stated.`

// Synthesizer writes the SOAP note. Vitals found by rules fill an empty
// Objective section, which marks the note as hybrid.
type Synthesizer struct {
	llm LLM
}

func NewSynthesizer(llm LLM) *Synthesizer {
	return &Synthesizer{llm: llm}
}

func (s *Synthesizer) Synthesize(ctx context.Context, t consultation.Transcript, e consultation.Entities) (*consultation.Synthesis, usage.Call, error) {
	schema, err := schemaFor[synthesisOutput]("soap_note")
	if err != nil {
		return nil, usage.Call{Provider: s.llm.Provider()}, err
	}
	entitiesJSON, err := json.Marshal(e)
	if err != nil {
		return nil, usage.Call{Provider: s.llm.Provider()}, err
	}
	lang := languageName(t.Language)

	var out synthesisOutput
	call, err := s.llm.GenerateJSON(ctx, JSONRequest{
		SchemaName:   "soap_note",
		Instructions: fmt.Sprintf(synthesisInstructions, lang, lang),
		Input:        fmt.Sprintf("Transcript:\n%s\nExtracted entities:\n%s", renderTranscript(t), entitiesJSON),
		Schema:       schema,
	}, &out)
	if err != nil {
		return nil, call, err
	}

	result := &consultation.Synthesis{
		Note: consultation.Note{
			Subjective: strings.TrimSpace(out.Subjective),
			Objective:  strings.TrimSpace(out.Objective),
			Assessment: strings.TrimSpace(out.Assessment),
			Plan:       strings.TrimSpace(out.Plan),
		},
		Codes:  []consultation.Code{},
		Method: consultation.MethodLLM,
	}
	for _, c := range out.Codes {
		if c.Code == "" {
			continue
		}
		result.Codes = append(result.Codes, consultation.Code{System: consultation.CodeSystemICD10, Code: c.Code, Display: c.Display})
	}

	if result.Note.Objective == "" {
		vitals := ExtractVitals(transcriptText(t))
		for k, v := range e.Vitals {
			if _, ok := vitals[k]; !ok {
				vitals[k] = v
			}
		}
		if objective := objectiveFromVitals(vitals); objective != "" {
			result.Note.Objective = objective
			result.Method = consultation.MethodHybrid
		}
	}
	return result, call, nil
}
