package questionnaire

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Question is a single question within a section. Questions are owned by
// exactly one Section and are never shared between questionnaires.
type Question struct {
	ID                string
	Text              string
	Type              string
	Options           []string
	Skippable         bool
	SpellingSensitive bool

	// Value is the accepted answer, nil while unanswered.
	Value any
	// Skipped marks a question the caller chose not to answer.
	Skipped bool

	// optionLookup maps lowercased options to their canonical spelling.
	optionLookup map[string]string
}

// QuestionOption customises question construction.
type QuestionOption func(*questionSettings)

type questionSettings struct {
	questionType      string
	options           []string
	skippable         bool
	spellingSensitive bool
}

// WithType overrides the default "text" question type.
func WithType(questionType string) QuestionOption {
	return func(s *questionSettings) { s.questionType = questionType }
}

// WithOptions restricts the answer to one of the given options.
func WithOptions(options ...string) QuestionOption {
	return func(s *questionSettings) { s.options = options }
}

// NotSkippable marks the question as mandatory.
func NotSkippable() QuestionOption {
	return func(s *questionSettings) { s.skippable = false }
}

// SpellingSensitive requires the answer to arrive as a sequence of
// single-character strings (letter-by-letter confirmation, e.g. email
// addresses dictated over a call). The stored value is the concatenation.
func SpellingSensitive() QuestionOption {
	return func(s *questionSettings) { s.spellingSensitive = true }
}

func newQuestion(id, text string, opts ...QuestionOption) (*Question, error) {
	settings := &questionSettings{
		questionType: "text",
		skippable:    true,
	}
	for _, opt := range opts {
		opt(settings)
	}

	if id == "" {
		return nil, fmt.Errorf("%w: question_id must be a non-empty string", ErrInvalidArgument)
	}
	if text == "" {
		return nil, fmt.Errorf("%w: question_text must be a non-empty string", ErrInvalidArgument)
	}
	if settings.questionType == "" {
		return nil, fmt.Errorf("%w: question_type must be a non-empty string", ErrInvalidArgument)
	}
	if len(settings.options) > 0 && settings.spellingSensitive {
		return nil, fmt.Errorf(
			"%w: question %q cannot combine options with spelling sensitivity", ErrInvalidArgument, id)
	}

	lookup := make(map[string]string, len(settings.options))
	for _, option := range settings.options {
		if option == "" {
			return nil, fmt.Errorf(
				"%w: question %q options must be non-empty strings", ErrInvalidArgument, id)
		}
		lowered := strings.ToLower(option)
		if _, exists := lookup[lowered]; exists {
			return nil, fmt.Errorf(
				"%w: question %q options must not repeat ignoring case", ErrInvalidArgument, id)
		}
		lookup[lowered] = option
	}

	return &Question{
		ID:                id,
		Text:              text,
		Type:              settings.questionType,
		Options:           append([]string(nil), settings.options...),
		Skippable:         settings.skippable,
		SpellingSensitive: settings.spellingSensitive,
		optionLookup:      lookup,
	}, nil
}

// SetValue validates and stores an answer. For option questions, string
// answers match options case-insensitively and the canonical option spelling
// is stored. Setting a value always clears the skipped flag.
func (q *Question) SetValue(value any) error {
	if len(q.Options) > 0 {
		canonical, err := q.matchOption(value)
		if err != nil {
			return err
		}
		q.Value = canonical
		q.Skipped = false
		return nil
	}

	if q.SpellingSensitive {
		spelled, err := joinSpelledValue(value)
		if err != nil {
			return err
		}
		q.Value = spelled
		q.Skipped = false
		return nil
	}

	q.Value = value
	q.Skipped = false
	return nil
}

// ClearValue resets the answer and the skipped flag.
func (q *Question) ClearValue() {
	q.Value = nil
	q.Skipped = false
}

// Skip marks the question as skipped, discarding any stored answer.
func (q *Question) Skip() error {
	if !q.Skippable {
		return fmt.Errorf("%w: cannot skip non-skippable question %q", ErrInvalidArgument, q.ID)
	}
	q.Value = nil
	q.Skipped = true
	return nil
}

// Unskip clears the skipped flag without touching the value.
func (q *Question) Unskip() {
	q.Skipped = false
}

func (q *Question) matchOption(value any) (any, error) {
	if s, ok := value.(string); ok {
		if canonical, found := q.optionLookup[strings.ToLower(s)]; found {
			return canonical, nil
		}
		return nil, fmt.Errorf("%w: value for question %q must be one of %s",
			ErrInvalidArgument, q.ID, strings.Join(quoted(q.Options), ", "))
	}
	// Non-string answers must compare equal to an option verbatim.
	for _, option := range q.Options {
		if value == any(option) {
			return option, nil
		}
	}
	return nil, fmt.Errorf("%w: value for question %q must be one of %s",
		ErrInvalidArgument, q.ID, strings.Join(quoted(q.Options), ", "))
}

// joinSpelledValue accepts a sequence of single-character strings and returns
// their concatenation.
func joinSpelledValue(value any) (string, error) {
	var elements []any
	switch typed := value.(type) {
	case []string:
		elements = make([]any, len(typed))
		for i, s := range typed {
			elements[i] = s
		}
	case []any:
		elements = typed
	default:
		return "", fmt.Errorf(
			"%w: spelling-sensitive answers must be a sequence of single-character strings", ErrInvalidType)
	}

	var builder strings.Builder
	for _, element := range elements {
		char, ok := element.(string)
		if !ok {
			return "", fmt.Errorf(
				"%w: spelling-sensitive answers must contain only strings", ErrInvalidType)
		}
		if utf8.RuneCountInString(char) != 1 {
			return "", fmt.Errorf(
				"%w: spelling-sensitive answer element %q is not a single character", ErrInvalidArgument, char)
		}
		builder.WriteString(char)
	}
	return builder.String(), nil
}

func quoted(values []string) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = fmt.Sprintf("%q", v)
	}
	return out
}

func (q *Question) toMap() map[string]any {
	return map[string]any{
		"question_id":        q.ID,
		"question_text":      q.Text,
		"question_type":      q.Type,
		"question_options":   append([]string(nil), q.Options...),
		"skippable":          q.Skippable,
		"spelling_sensitive": q.SpellingSensitive,
		"value":              q.Value,
		"skipped":            q.Skipped,
	}
}
