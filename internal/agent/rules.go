package agent

import (
	"fmt"
	"regexp"
	"slices"
	"strings"

	"medscribe/internal/consultation"
)

var (
	bpPattern    = regexp.MustCompile(`(?i)\bBP\s*(\d{2,3}/\d{2,3})`)
	tempPattern  = regexp.MustCompile(`(\d{2,3}(?:\.\d)?)\s*°?[Ff]\b`)
	pulsePattern = regexp.MustCompile(`(?i)\bpulse\s*(?:rate)?\s*(?:is|of)?\s*(\d{2,3})`)
)

// ExtractVitals pulls blood pressure, temperature and pulse out of free text.
func ExtractVitals(text string) map[string]string {
	vitals := make(map[string]string)
	if m := bpPattern.FindStringSubmatch(text); m != nil {
		vitals["blood_pressure"] = m[1] + " mmHg"
	}
	if m := tempPattern.FindStringSubmatch(text); m != nil {
		vitals["temperature"] = m[1] + "°F"
	}
	if m := pulsePattern.FindStringSubmatch(text); m != nil {
		vitals["pulse"] = m[1] + " bpm"
	}
	return vitals
}

type lexicon struct {
	symptoms    []string
	medications []string
}

var lexicons = map[consultation.Language]lexicon{
	consultation.LanguageTamil: {
		symptoms:    []string{"காய்ச்சல்", "தலைவலி", "வயிற்று"},
		medications: []string{"பாராசிட்டமால்", "அமோக்சிசிலின்"},
	},
	consultation.LanguageTelugu: {
		symptoms:    []string{"జ్వరం", "తలనొప్పి", "కడుపు నొప్పి"},
		medications: []string{"పారాసిటమాల్", "అమోక్సిసిలిన్"},
	},
}

// LexiconEntities finds common symptom and medication terms of the
// consultation language plus any vitals.
func LexiconEntities(text string, lang consultation.Language) consultation.Entities {
	e := consultation.Entities{Vitals: ExtractVitals(text)}
	lex := lexicons[lang]
	for _, term := range lex.symptoms {
		if strings.Contains(text, term) {
			e.Symptoms = append(e.Symptoms, term)
		}
	}
	for _, term := range lex.medications {
		if strings.Contains(text, term) {
			e.Medications = append(e.Medications, consultation.Medication{Name: term})
		}
	}
	return e
}

// MergeEntities adds rule hits the model missed. Model values win on conflict.
func MergeEntities(model, rules consultation.Entities) consultation.Entities {
	out := model
	for _, s := range rules.Symptoms {
		if !slices.Contains(out.Symptoms, s) {
			out.Symptoms = append(out.Symptoms, s)
		}
	}
	for _, m := range rules.Medications {
		if !slices.ContainsFunc(out.Medications, func(x consultation.Medication) bool {
			return strings.EqualFold(x.Name, m.Name)
		}) {
			out.Medications = append(out.Medications, m)
		}
	}
	for _, d := range rules.Diagnoses {
		if !slices.Contains(out.Diagnoses, d) {
			out.Diagnoses = append(out.Diagnoses, d)
		}
	}
	if len(rules.Vitals) > 0 && out.Vitals == nil {
		out.Vitals = make(map[string]string, len(rules.Vitals))
	}
	for k, v := range rules.Vitals {
		if _, ok := out.Vitals[k]; !ok {
			out.Vitals[k] = v
		}
	}
	return out
}

var vitalLabels = []struct{ key, label string }{
	{"blood_pressure", "Blood Pressure"},
	{"temperature", "Temperature"},
	{"pulse", "Pulse"},
}

// objectiveFromVitals renders vitals as Objective section lines.
func objectiveFromVitals(vitals map[string]string) string {
	var lines []string
	for _, l := range vitalLabels {
		if v, ok := vitals[l.key]; ok {
			lines = append(lines, fmt.Sprintf("- %s: %s", l.label, v))
		}
	}
	return strings.Join(lines, "\n")
}
