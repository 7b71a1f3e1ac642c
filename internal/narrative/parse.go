package narrative

import (
	"encoding/json"
	"fmt"
	"strings"

	"parable-server/internal/models"
)

// DefaultChoice подставляется, если модель не вернула ни одного варианта.
const DefaultChoice = "Continue the story"

// loopMarkers - фразы, по которым распознается зациклившаяся на финале модель.
var loopMarkers = []string{
	"final choice",
	"story is complete",
	"story has come to an end",
	"journey has come to an end",
	"the end of the story",
	"this concludes",
	"your story ends",
	"thank you for joining",
}

// loopMarkerThreshold - сколько различных маркеров форсируют завершение.
const loopMarkerThreshold = 3

type rawSegment struct {
	Narrative    string          `json:"narrative"`
	MediaPrompt  string          `json:"mediaPrompt"`
	Choices      []string        `json:"choices"`
	Lessons      json.RawMessage `json:"lessons"`
	IsComplete   bool            `json:"isComplete"`
	IsImportant  bool            `json:"isImportant"`
	LocationHint *string         `json:"locationHint"`
}

// parseSegment разбирает и нормализует ответ модели.
func parseSegment(raw string) (models.NarrativeResult, error) {
	body := stripCodeFence(raw)
	var seg rawSegment
	if err := json.Unmarshal([]byte(body), &seg); err != nil {
		return models.NarrativeResult{}, fmt.Errorf("%w: malformed narrative json: %v", models.ErrEmptyPayload, err)
	}
	narrative := strings.TrimSpace(seg.Narrative)
	if narrative == "" {
		return models.NarrativeResult{}, fmt.Errorf("%w: narrative is empty", models.ErrEmptyPayload)
	}

	result := models.NarrativeResult{
		Narrative:   narrative,
		MediaPrompt: strings.TrimSpace(seg.MediaPrompt),
		Choices:     nonEmpty(seg.Choices),
		Lessons:     parseLessons(seg.Lessons),
		IsComplete:  seg.IsComplete,
		IsImportant: seg.IsImportant,
	}
	if seg.LocationHint != nil {
		if hint := strings.TrimSpace(*seg.LocationHint); hint != "" {
			result.LocationHint = &hint
		}
	}
	if result.MediaPrompt == "" {
		result.MediaPrompt = narrative
	}
	if len(result.Choices) == 0 && !result.IsComplete {
		result.Choices = []string{DefaultChoice}
	}
	if !result.IsComplete && countLoopMarkers(narrative) >= loopMarkerThreshold {
		result.IsComplete = true
	}
	if result.IsComplete {
		result.Choices = []string{}
	}
	return result, nil
}

// parseLessons принимает как список строк, так и одну строку.
func parseLessons(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return []string{}
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return nonEmpty(list)
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil && strings.TrimSpace(single) != "" {
		return []string{strings.TrimSpace(single)}
	}
	return []string{}
}

func countLoopMarkers(text string) int {
	lower := strings.ToLower(text)
	n := 0
	for _, marker := range loopMarkers {
		if strings.Contains(lower, marker) {
			n++
		}
	}
	return n
}

func nonEmpty(items []string) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s := strings.TrimSpace(it); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
