package orchestrator

import (
	"encoding/json"
	"strconv"
	"strings"

	"diagnostics_backend/internal/diagnosis/domain"
)

type rawAction struct {
	Action    string `json:"action"`
	Priority  string `json:"priority"`
	CostRange string `json:"cost_range"`
}

type rawResult struct {
	Diagnosis          string            `json:"diagnosis"`
	PossibleCauses     []string          `json:"possible_causes"`
	RecommendedActions []json.RawMessage `json:"recommended_actions"`
	UrgencyLevel       string            `json:"urgency_level"`
	ConfidenceScore    any               `json:"confidence_score"`
	SafetyWarnings     []string          `json:"safety_warnings"`
}

// extractJSONObject returns the first brace-balanced, well-formed JSON object
// in s. Braces inside string literals are ignored.
func extractJSONObject(s string) (string, bool) {
	for start := strings.IndexByte(s, '{'); start >= 0; {
		if end, ok := matchBrace(s, start); ok {
			candidate := s[start : end+1]
			if json.Valid([]byte(candidate)) {
				return candidate, true
			}
		}
		next := strings.IndexByte(s[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return "", false
}

func matchBrace(s string, start int) (int, bool) {
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}

// parseResult turns model text into a Result. A response without a usable
// object yields a degraded result carrying the raw text.
func parseResult(text string) domain.Result {
	candidate, ok := extractJSONObject(text)
	if !ok {
		return degraded(text)
	}

	var raw rawResult
	if err := json.Unmarshal([]byte(candidate), &raw); err != nil {
		return degraded(text)
	}
	summary := strings.TrimSpace(raw.Diagnosis)
	if summary == "" {
		return degraded(text)
	}

	return domain.Result{
		Summary:            summary,
		PossibleCauses:     cleanList(raw.PossibleCauses),
		RecommendedActions: parseActions(raw.RecommendedActions),
		UrgencyLevel:       domain.ParseUrgency(raw.UrgencyLevel),
		ConfidenceScore:    parseConfidence(raw.ConfidenceScore),
		SafetyWarnings:     cleanList(raw.SafetyWarnings),
	}
}

func degraded(text string) domain.Result {
	return domain.Result{
		PossibleCauses:     []string{},
		RecommendedActions: []domain.Action{},
		SafetyWarnings:     []string{},
		UrgencyLevel:       domain.UrgencyMedium,
		ConfidenceScore:    0,
		RawResponse:        text,
		Degraded:           true,
	}
}

// parseActions accepts both objects and bare strings.
func parseActions(items []json.RawMessage) []domain.Action {
	out := make([]domain.Action, 0, len(items))
	for _, item := range items {
		var text string
		if err := json.Unmarshal(item, &text); err == nil {
			if text = strings.TrimSpace(text); text != "" {
				out = append(out, domain.Action{Action: text, Priority: "medium"})
			}
			continue
		}

		var a rawAction
		if err := json.Unmarshal(item, &a); err != nil {
			continue
		}
		a.Action = strings.TrimSpace(a.Action)
		if a.Action == "" {
			continue
		}
		out = append(out, domain.Action{
			Action:    a.Action,
			Priority:  normalizePriority(a.Priority),
			CostRange: strings.TrimSpace(a.CostRange),
		})
	}
	return out
}

func normalizePriority(raw string) string {
	switch p := strings.ToLower(strings.TrimSpace(raw)); p {
	case "low", "medium", "high":
		return p
	case "urgent", "critical", "immediate":
		return "high"
	default:
		return "medium"
	}
}

// parseConfidence accepts 0..1, percentages (85 or "85%") and numeric
// strings, clamping to [0, 1].
func parseConfidence(v any) float64 {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case string:
		s := strings.TrimSpace(t)
		percent := strings.HasSuffix(s, "%")
		parsed, err := strconv.ParseFloat(strings.TrimSuffix(s, "%"), 64)
		if err != nil {
			return 0
		}
		f = parsed
		if percent {
			f /= 100
		}
	default:
		return 0
	}
	if f > 1 && f <= 100 {
		f /= 100
	}
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}

func cleanList(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
