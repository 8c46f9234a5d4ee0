package ingest

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

// maxInsightContextChars bounds how much document text goes into the
// synthesis prompt.
const maxInsightContextChars = 15000

// Insight is the structured summary synthesized for a document.
type Insight struct {
	Title       string   `json:"title"`
	Summary     string   `json:"summary"`
	KeyFindings []string `json:"key_findings"`
	RiskFlags   []string `json:"risk_flags"`
	Tags        []string `json:"tags"`
}

var allowedTags = map[string]bool{
	"high":   true,
	"medium": true,
	"low":    true,
}

// truncateOnRune cuts s to at most max bytes without splitting a
// multi-byte UTF-8 sequence.
func truncateOnRune(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}

// insightPrompt asks for strict JSON so the response can be parsed
// without a second round trip.
func insightPrompt(fileName, text string) string {
	text = truncateOnRune(text, maxInsightContextChars)

	return fmt.Sprintf(`You are a medical document analyst. Read the following document and produce a structured summary.

Document name: %s

Document content:
%s

Respond with a single JSON object and nothing else, using exactly these keys:
{
  "title": "short descriptive title for the document",
  "summary": "2-4 sentence summary of the document",
  "key_findings": ["notable results or statements, one per entry"],
  "risk_flags": ["anything that may need clinical attention, or an empty list"],
  "tags": ["overall risk level: one or more of high, medium, low"]
}`, fileName, text)
}

// ParseInsight decodes a model response into an Insight. Code fences
// are stripped first since models often wrap JSON in them. Tags outside
// the allowed risk levels are dropped.
func ParseInsight(raw string) (*Insight, error) {
	cleaned := stripCodeFences(raw)

	var insight Insight
	if err := json.Unmarshal([]byte(cleaned), &insight); err != nil {
		return nil, fmt.Errorf("failed to parse insight JSON: %w", err)
	}
	if insight.Title == "" && insight.Summary == "" {
		return nil, fmt.Errorf("insight response missing title and summary")
	}

	var tags []string
	for _, tag := range insight.Tags {
		if allowedTags[strings.ToLower(strings.TrimSpace(tag))] {
			tags = append(tags, strings.ToLower(strings.TrimSpace(tag)))
		}
	}
	insight.Tags = tags

	return &insight, nil
}

// stripCodeFences removes a surrounding markdown code fence, with or
// without a language marker.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}

	s = strings.TrimPrefix(s, "```")
	if idx := strings.Index(s, "\n"); idx >= 0 {
		// Drop the language marker line (e.g. "json").
		first := strings.TrimSpace(s[:idx])
		if first == "" || !strings.ContainsAny(first, "{}") {
			s = s[idx+1:]
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
