package agent

import (
	"strings"

	"medscribe/internal/consultation"
)

var (
	doctorKeywords = []string{
		"bp", "blood pressure", "mg", "prescribe", "diagnosis",
		"examination", "vital", "temperature", "pulse", "tab",
		"tablet", "syrup", "follow up", "recommended", "advised",
	}
	patientKeywords = []string{
		"pain", "fever", "headache", "feeling", "sensation",
		"hurts", "ache", "uncomfortable", "problem", "issue",
	}
)

func keywordScore(text string, keywords []string) int {
	lower := strings.ToLower(text)
	score := 0
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			score++
		}
	}
	return score
}

// roleFor guesses who is speaking. The first diarized speaker using any
// clinical vocabulary is taken as the doctor.
func roleFor(speaker, text string) consultation.Role {
	doctor := keywordScore(text, doctorKeywords)
	patient := keywordScore(text, patientKeywords)
	switch {
	case speaker == "A" && doctor > 0:
		return consultation.RoleDoctor
	case doctor > patient:
		return consultation.RoleDoctor
	case patient > 0:
		return consultation.RolePatient
	default:
		return consultation.RoleUnknown
	}
}

// AssignRoles labels diarized segments in place.
func AssignRoles(segments []consultation.Segment) {
	for i := range segments {
		segments[i].Role = roleFor(segments[i].Speaker, segments[i].Text)
	}
}

// SplitByKeywords builds segments from an undiarized transcript, one per
// sentence. Sentences without a doctor keyword are attributed to the patient.
func SplitByKeywords(text string) []consultation.Segment {
	var segments []consultation.Segment
	for _, sentence := range strings.Split(text, ". ") {
		sentence = strings.TrimSpace(sentence)
		if sentence == "" {
			continue
		}
		role := consultation.RolePatient
		if keywordScore(sentence, []string{"bp", "mg", "prescribe", "diagnosis", "examination"}) > 0 {
			role = consultation.RoleDoctor
		}
		segments = append(segments, consultation.Segment{Role: role, Text: sentence})
	}
	return segments
}
