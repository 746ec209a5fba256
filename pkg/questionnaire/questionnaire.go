// Package questionnaire models the structured questionnaire injected into a
// realtime session: ordered sections of typed questions, a boolean visibility
// algebra over sections, and rendering into the prompt payload.
//
// A Questionnaire is owned by a single session and is not safe for
// concurrent use; the owning session serializes access.
package questionnaire

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/flosch/pongo2/v6"
)

// DefaultPrompt is used when neither a template nor a schema is configured.
const DefaultPrompt = "Please provide the requested information so we can personalise your experience."

// Questionnaire renders a tree of sections and questions against session
// state. Rendering strategy precedence: template, then schema, then the
// section tree, then the fallback prompt.
type Questionnaire struct {
	template       string
	schema         any
	fallbackPrompt string
	sections       []*Section
}

// Option customises questionnaire construction.
type Option func(*Questionnaire)

// WithTemplate sets the Jinja-style template rendered with "state" and
// "questionnaire" in scope.
func WithTemplate(template string) Option {
	return func(q *Questionnaire) { q.template = template }
}

// WithSchema sets the JSON-serializable payload emitted when no template is
// configured. Must be a mapping or a sequence.
func WithSchema(schema any) Option {
	return func(q *Questionnaire) { q.schema = schema }
}

// WithFallbackPrompt overrides the default plain-text prompt.
func WithFallbackPrompt(prompt string) Option {
	return func(q *Questionnaire) { q.fallbackPrompt = prompt }
}

// New builds a questionnaire. The schema, if set, must be a mapping or
// sequence — notably not a string, which callers should pass as a template.
func New(opts ...Option) (*Questionnaire, error) {
	q := &Questionnaire{fallbackPrompt: DefaultPrompt}
	for _, opt := range opts {
		opt(q)
	}

	switch q.schema.(type) {
	case nil, map[string]any, []any, []map[string]any:
	case string, []byte:
		return nil, fmt.Errorf("%w: questionnaire schema must be a mapping or sequence, not a string", ErrInvalidType)
	default:
		return nil, fmt.Errorf("%w: questionnaire schema must be a mapping or sequence", ErrInvalidType)
	}

	return q, nil
}

// Sections returns the sections in insertion order.
func (q *Questionnaire) Sections() []*Section {
	return append([]*Section(nil), q.sections...)
}

// AddSection appends a new section. Section ids are unique within the
// questionnaire.
func (q *Questionnaire) AddSection(sectionID, sectionName string, opts ...SectionOption) (*Section, error) {
	section, err := newSection(sectionID, sectionName, opts...)
	if err != nil {
		return nil, err
	}
	if _, err := q.section(sectionID); err == nil {
		return nil, fmt.Errorf("%w: section %q already exists", ErrInvalidArgument, sectionID)
	}
	q.sections = append(q.sections, section)
	return section, nil
}

// AddQuestion appends a question to an existing section.
func (q *Questionnaire) AddQuestion(sectionID, questionID, questionText string, opts ...QuestionOption) (*Question, error) {
	section, err := q.section(sectionID)
	if err != nil {
		return nil, err
	}
	question, err := newQuestion(questionID, questionText, opts...)
	if err != nil {
		return nil, err
	}
	if err := section.addQuestion(question); err != nil {
		return nil, err
	}
	return question, nil
}

// Get resolves a dotted question address of the form
// "<section_id>.<question_id>".
func (q *Questionnaire) Get(dottedID string) (*Question, error) {
	sectionID, questionID, err := splitQuestionID(dottedID)
	if err != nil {
		return nil, err
	}
	section, err := q.section(sectionID)
	if err != nil {
		return nil, err
	}
	return section.Question(questionID)
}

// SetAnswer stores an answer for the addressed question.
func (q *Questionnaire) SetAnswer(dottedID string, value any) error {
	question, err := q.Get(dottedID)
	if err != nil {
		return err
	}
	return question.SetValue(value)
}

// ClearQuestion resets the addressed question's answer.
func (q *Questionnaire) ClearQuestion(dottedID string) error {
	question, err := q.Get(dottedID)
	if err != nil {
		return err
	}
	question.ClearValue()
	return nil
}

// SkipQuestion marks the addressed question as skipped.
func (q *Questionnaire) SkipQuestion(dottedID string) error {
	question, err := q.Get(dottedID)
	if err != nil {
		return err
	}
	return question.Skip()
}

// UnskipQuestion clears the addressed question's skipped flag.
func (q *Questionnaire) UnskipQuestion(dottedID string) error {
	question, err := q.Get(dottedID)
	if err != nil {
		return err
	}
	question.Unskip()
	return nil
}

// VisibleSections returns the ordered subset of sections whose conditions
// hold. Evaluation memoizes per call and breaks VISIBLE cycles by treating a
// re-entered section as hidden, so cyclic rules terminate instead of
// recursing unboundedly.
func (q *Questionnaire) VisibleSections() ([]*Section, error) {
	memo := make(map[string]bool, len(q.sections))
	inProgress := make(map[string]bool)

	var resolve func(section *Section) (bool, error)
	resolve = func(section *Section) (bool, error) {
		if cached, done := memo[section.ID]; done {
			return cached, nil
		}
		if inProgress[section.ID] {
			return false, nil
		}
		inProgress[section.ID] = true
		defer delete(inProgress, section.ID)

		result := true
		if section.condition != nil {
			var err error
			result, err = q.evaluate(section.condition, resolve)
			if err != nil {
				return false, err
			}
		}
		memo[section.ID] = result
		return result, nil
	}

	visible := make([]*Section, 0, len(q.sections))
	for _, section := range q.sections {
		ok, err := resolve(section)
		if err != nil {
			return nil, err
		}
		if ok {
			visible = append(visible, section)
		}
	}
	return visible, nil
}

func (q *Questionnaire) evaluate(condition *Condition, resolve func(*Section) (bool, error)) (bool, error) {
	switch condition.Operator {
	case OpAnd:
		// Normalization rejects empty conjunctions, but an empty AND is
		// defined as false rather than the vacuous truth.
		if len(condition.Conditions) == 0 {
			return false, nil
		}
		for _, sub := range condition.Conditions {
			held, err := q.evaluate(sub, resolve)
			if err != nil {
				return false, err
			}
			if !held {
				return false, nil
			}
		}
		return true, nil

	case OpOr:
		for _, sub := range condition.Conditions {
			held, err := q.evaluate(sub, resolve)
			if err != nil {
				return false, err
			}
			if held {
				return true, nil
			}
		}
		return false, nil

	case OpNot:
		held, err := q.evaluate(condition.Negated, resolve)
		if err != nil {
			return false, err
		}
		return !held, nil

	case OpVisible:
		referenced, err := q.section(condition.SectionID)
		if err != nil {
			return false, err
		}
		return resolve(referenced)

	case OpCompleted:
		referenced, err := q.section(condition.SectionID)
		if err != nil {
			return false, err
		}
		return referenced.Completed(), nil

	default: // ALWAYS — normalization guarantees no other operator reaches here.
		return condition.Value, nil
	}
}

// Render produces the questionnaire payload for the supplied state. It
// returns the empty string when there is nothing to render.
func (q *Questionnaire) Render(state map[string]any) (string, error) {
	payload := q.payload()

	if q.template != "" {
		if strings.TrimSpace(q.template) == "" {
			return "", nil
		}
		tpl, err := pongo2.FromString(q.template)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrRender, err)
		}
		rendered, err := tpl.Execute(pongo2.Context{
			"state":         snapshotState(state),
			"questionnaire": payload,
		})
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrRender, err)
		}
		return strings.TrimSpace(rendered), nil
	}

	if payload != nil {
		// Go's JSON encoder writes map keys in sorted order, giving the
		// deterministic canonical form.
		encoded, err := json.Marshal(payload)
		if err != nil {
			return "", fmt.Errorf("%w: questionnaire schema is not JSON serialisable: %v", ErrRender, err)
		}
		return string(encoded), nil
	}

	prompt := strings.TrimSpace(q.fallbackPrompt)
	if prompt == "" {
		return "", nil
	}
	agentName := stateString(state, "agent_name", "our team")
	branchName := stateString(state, "branch_name", "our branch")
	return fmt.Sprintf("%s Agent: %s, Branch: %s.", prompt, agentName, branchName), nil
}

func (q *Questionnaire) payload() any {
	if q.schema != nil {
		return q.schema
	}
	if len(q.sections) > 0 {
		sections := make([]any, 0, len(q.sections))
		for _, section := range q.sections {
			sections = append(sections, section.toMap())
		}
		return map[string]any{"sections": sections}
	}
	return nil
}

func (q *Questionnaire) section(sectionID string) (*Section, error) {
	for _, section := range q.sections {
		if section.ID == sectionID {
			return section, nil
		}
	}
	return nil, fmt.Errorf("%w: section %q does not exist", ErrInvalidArgument, sectionID)
}

func splitQuestionID(dottedID string) (string, string, error) {
	sectionID, questionID, found := strings.Cut(dottedID, ".")
	if !found || sectionID == "" || questionID == "" {
		return "", "", fmt.Errorf(
			"%w: question id must be in the format '<section_id>.<question_id>', got %q",
			ErrInvalidArgument, dottedID)
	}
	return sectionID, questionID, nil
}

// snapshotState copies the state map so template code never observes
// mid-mutation session state.
func snapshotState(state map[string]any) map[string]any {
	snapshot := make(map[string]any, len(state))
	for key, value := range state {
		snapshot[key] = value
	}
	return snapshot
}

func stateString(state map[string]any, key, fallback string) string {
	if value, ok := state[key]; ok {
		if s, ok := value.(string); ok && s != "" {
			return s
		}
		if value != nil {
			return fmt.Sprintf("%v", value)
		}
	}
	return fallback
}
