package questionnaire

import "fmt"

// Section groups ordered questions under a visibility condition. Sections
// are owned by exactly one Questionnaire.
type Section struct {
	ID          string
	Name        string
	Description string

	condition *Condition
	questions []*Question
}

// SectionOption customises section construction.
type SectionOption func(*sectionSettings)

type sectionSettings struct {
	description string
	condition   *Condition
}

// WithDescription attaches a human-readable description.
func WithDescription(description string) SectionOption {
	return func(s *sectionSettings) { s.description = description }
}

// WithCondition gates the section's visibility on a condition tree.
func WithCondition(condition *Condition) SectionOption {
	return func(s *sectionSettings) { s.condition = condition }
}

func newSection(id, name string, opts ...SectionOption) (*Section, error) {
	settings := &sectionSettings{}
	for _, opt := range opts {
		opt(settings)
	}

	if id == "" {
		return nil, fmt.Errorf("%w: section_id must be a non-empty string", ErrInvalidArgument)
	}
	if name == "" {
		return nil, fmt.Errorf("%w: section_name must be a non-empty string", ErrInvalidArgument)
	}
	if settings.condition != nil {
		if err := settings.condition.validate(); err != nil {
			return nil, err
		}
	}

	return &Section{
		ID:          id,
		Name:        name,
		Description: settings.description,
		condition:   settings.condition,
	}, nil
}

// Condition returns the section's normalized visibility condition, nil when
// the section is unconditionally visible.
func (s *Section) Condition() *Condition {
	return s.condition
}

// Questions returns the section's questions in insertion order.
func (s *Section) Questions() []*Question {
	return append([]*Question(nil), s.questions...)
}

// Question returns the question with the given id.
func (s *Section) Question(questionID string) (*Question, error) {
	for _, question := range s.questions {
		if question.ID == questionID {
			return question, nil
		}
	}
	return nil, fmt.Errorf(
		"%w: question %q does not exist in section %q", ErrInvalidArgument, questionID, s.ID)
}

func (s *Section) addQuestion(question *Question) error {
	for _, existing := range s.questions {
		if existing.ID == question.ID {
			return fmt.Errorf(
				"%w: question %q already exists in section %q", ErrInvalidArgument, question.ID, s.ID)
		}
	}
	s.questions = append(s.questions, question)
	return nil
}

// Completed reports whether every non-skipped question has a value. Sections
// without questions are never completed.
func (s *Section) Completed() bool {
	if len(s.questions) == 0 {
		return false
	}
	for _, question := range s.questions {
		if question.Skipped {
			continue
		}
		if question.Value == nil {
			return false
		}
	}
	return true
}

func (s *Section) toMap() map[string]any {
	questions := make([]any, 0, len(s.questions))
	for _, question := range s.questions {
		questions = append(questions, question.toMap())
	}

	var condition any
	if s.condition != nil {
		condition = s.condition.toMap()
	}

	var description any
	if s.Description != "" {
		description = s.Description
	}

	return map[string]any{
		"section_id":          s.ID,
		"section_name":        s.Name,
		"section_description": description,
		"questions":           questions,
		"condition":           condition,
	}
}
