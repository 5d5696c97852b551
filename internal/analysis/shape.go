package analysis

import (
	"strings"
	"unicode/utf8"
)

// Reply shaping bounds. Applied to every suggested reply, not just
// misbehaving ones, so worst-case verbosity is deterministic.
const (
	DefaultMaxReplyChars     = 600
	DefaultMaxReplySentences = 4
)

// ShapeReply truncates a reply to at most maxSentences sentences and
// maxChars characters, preferring to cut at a sentence boundary.
func ShapeReply(reply string, maxChars, maxSentences int) string {
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return ""
	}

	sentences := splitSentences(reply)
	if maxSentences > 0 && len(sentences) > maxSentences {
		reply = strings.TrimSpace(strings.Join(sentences[:maxSentences], " "))
	}
	if maxChars <= 0 || len(reply) <= maxChars {
		return reply
	}

	// Over budget: keep whole sentences while they fit.
	var out string
	for _, s := range splitSentences(reply) {
		candidate := out
		if candidate != "" {
			candidate += " "
		}
		candidate += s
		if len(candidate) > maxChars {
			break
		}
		out = candidate
	}
	if out != "" {
		return out
	}
	// A single over-long sentence: hard cut on a word boundary, never
	// inside a rune.
	end := maxChars
	for end > 0 && !utf8.RuneStart(reply[end]) {
		end--
	}
	cut := reply[:end]
	if idx := strings.LastIndex(cut, " "); idx > 0 {
		cut = cut[:idx]
	}
	return strings.TrimSpace(cut)
}

// splitSentences splits on terminal punctuation, keeping the punctuation
// attached to its sentence.
func splitSentences(text string) []string {
	var sentences []string
	start := 0
	for i, r := range text {
		if r == '.' || r == '!' || r == '?' {
			end := i + 1
			s := strings.TrimSpace(text[start:end])
			if s != "" {
				sentences = append(sentences, s)
			}
			start = end
		}
	}
	if tail := strings.TrimSpace(text[start:]); tail != "" {
		sentences = append(sentences, tail)
	}
	return sentences
}
