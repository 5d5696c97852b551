// Package models defines analysis result types produced by the reasoning provider.
package models

// Sentiment is the coarse emotional classification of a message.
type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNeutral  Sentiment = "neutral"
	SentimentNegative Sentiment = "negative"
)

// IsValidSentiment checks if the given sentiment is supported.
func IsValidSentiment(s Sentiment) bool {
	switch s {
	case SentimentPositive, SentimentNeutral, SentimentNegative:
		return true
	default:
		return false
	}
}

// RiskLevel is the ordinal severity classification of a message's content.
type RiskLevel string

const (
	RiskLevelLow      RiskLevel = "LOW"
	RiskLevelMedium   RiskLevel = "MEDIUM"
	RiskLevelHigh     RiskLevel = "HIGH"
	RiskLevelCritical RiskLevel = "CRITICAL"
)

var riskLevelRank = map[RiskLevel]int{
	RiskLevelLow:      1,
	RiskLevelMedium:   2,
	RiskLevelHigh:     3,
	RiskLevelCritical: 4,
}

// IsValidRiskLevel checks if the given risk level is supported.
func IsValidRiskLevel(r RiskLevel) bool {
	_, ok := riskLevelRank[r]
	return ok
}

// AtLeast reports whether r is at least as severe as other.
func (r RiskLevel) AtLeast(other RiskLevel) bool {
	return riskLevelRank[r] >= riskLevelRank[other]
}

// AlertLevelForRisk maps a message risk level to an alert level.
func AlertLevelForRisk(r RiskLevel) AlertLevel {
	switch r {
	case RiskLevelCritical:
		return AlertLevelCritical
	case RiskLevelHigh:
		return AlertLevelHigh
	case RiskLevelMedium:
		return AlertLevelMedium
	default:
		return AlertLevelLow
	}
}

// Intent values the provider is asked to choose between.
const (
	IntentCheckIn      = "check_in"
	IntentQuestion     = "question"
	IntentSmallTalk    = "small_talk"
	IntentComplaint    = "complaint"
	IntentRequestHuman = "request_human"
	IntentOther        = "other"
)

// IsValidIntent checks if the given intent is one of the closed set.
func IsValidIntent(intent string) bool {
	switch intent {
	case IntentCheckIn, IntentQuestion, IntentSmallTalk, IntentComplaint, IntentRequestHuman, IntentOther:
		return true
	default:
		return false
	}
}

// ExtractedCheckIn is a structured observation the provider pulled out of
// free text.
type ExtractedCheckIn struct {
	Type         CheckInType `json:"type"`
	NumericValue *float64    `json:"numeric_value,omitempty"`
	TextValue    string      `json:"text_value,omitempty"`
}

// AnalysisResult is the normalized output of one provider call.
type AnalysisResult struct {
	Sentiment         Sentiment          `json:"sentiment"`
	Intent            string             `json:"intent"`
	RiskLevel         RiskLevel          `json:"risk_level"`
	Summary           string             `json:"summary,omitempty"`
	ShouldReply       bool               `json:"should_reply"`
	SuggestedReply    string             `json:"suggested_reply,omitempty"`
	HandoffRequired   bool               `json:"handoff_required"`
	CheckInSatisfied  bool               `json:"check_in_satisfied"`
	ExtractedCheckIns []ExtractedCheckIn `json:"extracted_check_ins,omitempty"`
}
