package analysis

import "strings"

// PhraseMatcher reports whether a text contains any configured phrase.
// The default implementation is case-insensitive substring matching;
// word-boundary or fuzzy matching can be swapped in behind this interface.
type PhraseMatcher interface {
	Match(text string) (string, bool)
}

// SubstringMatcher matches case-insensitive substrings.
type SubstringMatcher struct {
	phrases []string
}

// NewSubstringMatcher creates a matcher over the given phrases.
func NewSubstringMatcher(phrases []string) *SubstringMatcher {
	lowered := make([]string, 0, len(phrases))
	for _, p := range phrases {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			lowered = append(lowered, p)
		}
	}
	return &SubstringMatcher{phrases: lowered}
}

// Match returns the first phrase found in text.
func (m *SubstringMatcher) Match(text string) (string, bool) {
	lowered := strings.ToLower(text)
	for _, p := range m.phrases {
		if strings.Contains(lowered, p) {
			return p, true
		}
	}
	return "", false
}

// DefaultTriggerPhrases short-circuit analysis into a handoff before the
// provider is ever called.
var DefaultTriggerPhrases = []string{
	"hablar con humano",
	"hablar con una persona",
	"quiero hablar con alguien",
	"talk to a human",
	"talk to a person",
	"speak to someone",
	"emergencia",
	"emergency",
	"me quiero morir",
	"urgente",
}

// DefaultForbiddenPhrases disqualify a suggested reply after the call.
var DefaultForbiddenPhrases = []string{
	"diagnosis",
	"diagnostico",
	"prescribe",
	"prescribo",
	"dosage",
	"dosis recomendada",
	"stop taking your medication",
	"deja de tomar",
	"guaranteed",
	"garantizado",
}
