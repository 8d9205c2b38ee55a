package analysis

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/lueurxax/scam-relay/internal/core/domain"
)

// Verdict labels the classifier is asked to choose from.
const (
	LabelLikelyDeception   = "Likely Deception"
	LabelInconclusive      = "Inconclusive"
	LabelLikelyNoDeception = "Likely No Deception"
	LabelUnknown           = "Unknown"
	// LabelLimitReached is stored without calling the classifier.
	LabelLimitReached = domain.LabelLimitReached
)

const (
	fallbackReason         = "Unable to parse result"
	fallbackRecommendation = "Please verify independently"

	confidenceHigh   = 0.9
	confidenceMedium = 0.6
	confidenceLow    = 0.3
	percentScale     = 100.0
)

var knownLabels = map[string]string{
	"likely deception":    LabelLikelyDeception,
	"deception":           LabelLikelyDeception,
	"inconclusive":        LabelInconclusive,
	"likely no deception": LabelLikelyNoDeception,
	"no deception":        LabelLikelyNoDeception,
}

type verdictPayload struct {
	Label          string          `json:"label"`
	Confidence     json.RawMessage `json:"confidence"`
	Reason         string          `json:"reason"`
	Recommendation string          `json:"recommendation"`
}

// parseVerdict turns model output into a verdict. Output that is not a JSON
// object with a label yields the Unknown verdict instead of an error.
func parseVerdict(content string) domain.Verdict {
	fallback := domain.Verdict{
		Label:          LabelUnknown,
		Reason:         fallbackReason,
		Recommendation: fallbackRecommendation,
	}

	raw := extractJSONObject(content)
	if raw == "" {
		return fallback
	}

	var p verdictPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return fallback
	}

	if strings.TrimSpace(p.Label) == "" {
		return fallback
	}

	v := domain.Verdict{
		Label:          normalizeLabel(p.Label),
		Confidence:     parseConfidence(p.Confidence),
		Reason:         strings.TrimSpace(p.Reason),
		Recommendation: strings.TrimSpace(p.Recommendation),
	}

	if v.Recommendation == "" {
		v.Recommendation = fallbackRecommendation
	}

	return v
}

// extractJSONObject strips markdown fences and surrounding prose.
func extractJSONObject(content string) string {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")

	if start < 0 || end <= start {
		return ""
	}

	return content[start : end+1]
}

func normalizeLabel(label string) string {
	key := strings.ToLower(strings.Join(strings.Fields(label), " "))
	if known, ok := knownLabels[key]; ok {
		return known
	}

	// Casers keep state, so each call gets its own.
	return cases.Title(language.English).String(key)
}

// parseConfidence accepts High/Medium/Low, a 0..1 fraction or a 0..100 percentage.
func parseConfidence(raw json.RawMessage) float64 {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return 0
	}

	var s string
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0
		}
	} else {
		s = string(raw)
	}

	s = strings.TrimSuffix(strings.TrimSpace(s), "%")

	switch strings.ToLower(s) {
	case "high":
		return confidenceHigh
	case "medium":
		return confidenceMedium
	case "low":
		return confidenceLow
	}

	n, err := strconv.ParseFloat(s, 64)
	if err != nil || n < 0 {
		return 0
	}

	if n > 1 {
		n /= percentScale
	}

	if n > 1 {
		return 1
	}

	return n
}
