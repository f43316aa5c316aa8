// Package highlight validates and normalizes reviewer annotations over essay
// task text. Sanitization is pure so it can be tested without any transport
// or storage wiring.
package highlight

import (
	"errors"
	"strings"
	"time"
)

var (
	// ErrInvalidRange indicates the highlight span is outside the task text.
	ErrInvalidRange = errors.New("highlight range is invalid")
	// ErrInvalidPayload indicates the raw annotation cannot be normalized.
	ErrInvalidPayload = errors.New("highlight payload is invalid")
)

// Criterion is a scoring dimension a highlight is attached to.
type Criterion string

// Scoring dimensions for essay review.
const (
	CriterionTaskResponse      Criterion = "task_response"
	CriterionCoherenceCohesion Criterion = "coherence_cohesion"
	CriterionLexicalResource   Criterion = "lexical_resource"
	CriterionGrammaticalRange  Criterion = "grammatical_range"
	CriterionGeneral           Criterion = "general"
)

// Color is a palette entry used to render a highlight.
type Color string

// Palette colors.
const (
	ColorYellow Color = "yellow"
	ColorGreen  Color = "green"
	ColorBlue   Color = "blue"
	ColorPink   Color = "pink"
	ColorOrange Color = "orange"
)

const (
	maxTextRunes = 500
	maxNoteRunes = 2000
)

// Highlight is one normalized reviewer annotation over a span of task text.
type Highlight struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	Start     int       `json:"start"`
	End       int       `json:"end"`
	Text      string    `json:"text"`
	Criterion Criterion `json:"criterion"`
	Color     Color     `json:"color"`
	Note      string    `json:"note,omitempty"`
	NoteIndex int       `json:"note_index,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	CreatedBy string    `json:"created_by"`
}

// Raw is an unvalidated annotation payload as received from a client.
type Raw struct {
	TaskID    string `json:"task_id"`
	Start     int    `json:"start"`
	End       int    `json:"end"`
	Text      string `json:"text,omitempty"`
	Criterion string `json:"criterion,omitempty"`
	Color     string `json:"color,omitempty"`
	Note      string `json:"note,omitempty"`
}

// Sanitize normalizes a raw annotation against the full text of the target
// task. Range violations are hard failures, and so is a span that normalizes
// to empty text; unrecognized criteria and colors fall back to defaults.
// Offsets are rune-based.
func Sanitize(raw Raw, taskText string) (Highlight, error) {
	runes := []rune(taskText)
	if raw.Start < 0 || raw.End <= raw.Start || raw.End > len(runes) {
		return Highlight{}, ErrInvalidRange
	}

	criterion := ParseCriterion(raw.Criterion)
	color := ParseColor(raw.Color)
	if color == "" {
		color = DefaultColor(criterion)
	}

	text := strings.TrimSpace(raw.Text)
	if text == "" {
		text = strings.TrimSpace(string(runes[raw.Start:raw.End]))
	}
	if text == "" {
		return Highlight{}, ErrInvalidPayload
	}
	text = capRunes(text, maxTextRunes)

	return Highlight{
		TaskID:    strings.TrimSpace(raw.TaskID),
		Start:     raw.Start,
		End:       raw.End,
		Text:      text,
		Criterion: criterion,
		Color:     color,
		Note:      capRunes(strings.TrimSpace(raw.Note), maxNoteRunes),
	}, nil
}

// ParseCriterion maps a raw criterion tag to a known scoring dimension,
// falling back to CriterionGeneral.
func ParseCriterion(value string) Criterion {
	switch Criterion(strings.ToLower(strings.TrimSpace(value))) {
	case CriterionTaskResponse:
		return CriterionTaskResponse
	case CriterionCoherenceCohesion:
		return CriterionCoherenceCohesion
	case CriterionLexicalResource:
		return CriterionLexicalResource
	case CriterionGrammaticalRange:
		return CriterionGrammaticalRange
	case CriterionGeneral:
		return CriterionGeneral
	default:
		return CriterionGeneral
	}
}

// ParseColor maps a raw color to a palette entry. Unknown values map to the
// empty color so callers can apply the criterion default.
func ParseColor(value string) Color {
	switch Color(strings.ToLower(strings.TrimSpace(value))) {
	case ColorYellow:
		return ColorYellow
	case ColorGreen:
		return ColorGreen
	case ColorBlue:
		return ColorBlue
	case ColorPink:
		return ColorPink
	case ColorOrange:
		return ColorOrange
	default:
		return ""
	}
}

// DefaultColor returns the palette entry used when a highlight does not name
// a color explicitly.
func DefaultColor(criterion Criterion) Color {
	switch criterion {
	case CriterionTaskResponse:
		return ColorBlue
	case CriterionCoherenceCohesion:
		return ColorGreen
	case CriterionLexicalResource:
		return ColorOrange
	case CriterionGrammaticalRange:
		return ColorPink
	default:
		return ColorYellow
	}
}

func capRunes(value string, limit int) string {
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return string(runes[:limit])
}
