// Package scaffolding builds the per-session prompt material: the initial
// system-message template, the questionnaire payload, and the tool catalog.
// The scaffolding variant is selected by the "agent" block of the session
// config.
package scaffolding

import (
	"reflect"
	"strings"

	"github.com/dialtone-ai/rtbroker/pkg/questionnaire"
)

// DefaultInitialMessageTemplate greets the caller when no template is
// configured for the agent.
const DefaultInitialMessageTemplate = `Say 'Hello, this is {{ state.agent_name|default:"Agent" }} from {{ state.branch_name|default:"our office" }}, how can I help you today?'`

// Scaffolding is the minimal interface a session consumes.
type Scaffolding interface {
	// InitialMessageTemplate returns the template source for the initial
	// system message.
	InitialMessageTemplate() string

	// RenderQuestionnaire returns the rendered questionnaire content for the
	// initial exchange, empty when there is nothing to inject.
	RenderQuestionnaire(state map[string]any) (string, error)

	// Tools returns the tool catalog advertised for the session.
	Tools() []map[string]any
}

// Builder is implemented by scaffoldings that support eager priming of the
// questionnaire payload during session construction.
type Builder interface {
	BuildQuestionnaire(state map[string]any) (string, error)
}

// QuestionnaireScaffolding renders a questionnaire-driven agent. It caches
// the last rendered questionnaire keyed by the state snapshot it was
// rendered against, so repeated renders with identical state are free.
type QuestionnaireScaffolding struct {
	Template              string
	QuestionnaireTemplate string
	QuestionnaireSchema   any
	ToolsConfig           []map[string]any

	built      bool
	builtState map[string]any
	builtValue string
}

// InitialMessageTemplate implements Scaffolding.
func (s *QuestionnaireScaffolding) InitialMessageTemplate() string {
	if s.Template == "" {
		return DefaultInitialMessageTemplate
	}
	return s.Template
}

// BuildQuestionnaire eagerly renders and caches the questionnaire payload.
func (s *QuestionnaireScaffolding) BuildQuestionnaire(state map[string]any) (string, error) {
	snapshot := snapshotState(state)
	rendered, err := s.generate(snapshot)
	if err != nil {
		return "", err
	}
	s.built = true
	s.builtState = snapshot
	s.builtValue = rendered
	return rendered, nil
}

// RenderQuestionnaire implements Scaffolding, reusing the cached payload
// when the state has not changed since the last render.
func (s *QuestionnaireScaffolding) RenderQuestionnaire(state map[string]any) (string, error) {
	snapshot := snapshotState(state)
	if s.built && reflect.DeepEqual(s.builtState, snapshot) {
		return s.builtValue, nil
	}

	rendered, err := s.generate(snapshot)
	if err != nil {
		return "", err
	}
	s.built = true
	s.builtState = snapshot
	s.builtValue = rendered
	return rendered, nil
}

// Tools implements Scaffolding, returning a copy the caller may mutate.
func (s *QuestionnaireScaffolding) Tools() []map[string]any {
	tools := make([]map[string]any, 0, len(s.ToolsConfig))
	for _, tool := range s.ToolsConfig {
		tools = append(tools, cloneTool(tool))
	}
	return tools
}

func (s *QuestionnaireScaffolding) generate(state map[string]any) (string, error) {
	opts := []questionnaire.Option{}
	if s.QuestionnaireTemplate != "" {
		opts = append(opts, questionnaire.WithTemplate(s.QuestionnaireTemplate))
	}
	if s.QuestionnaireSchema != nil {
		opts = append(opts, questionnaire.WithSchema(s.QuestionnaireSchema))
	}
	qn, err := questionnaire.New(opts...)
	if err != nil {
		return "", err
	}
	return qn.Render(state)
}

// NewFromConfig selects and builds the scaffolding for the session config.
// It returns nil when the config carries no usable agent block. A blank
// initial_message_template is treated as absent; a bare string under
// "questionnaire" is promoted to the questionnaire template when no explicit
// template is given.
func NewFromConfig(config map[string]any) Scaffolding {
	if len(config) == 0 {
		return nil
	}
	agent, ok := config["agent"].(map[string]any)
	if !ok {
		return nil
	}

	agentType, _ := agent["type"].(string)
	template := trimmedString(agent["initial_message_template"])
	questionnaireTemplate := trimmedString(agent["questionnaire_template"])
	schema := agent["questionnaire"]
	tools := normalizeTools(agent["tools"])

	if bare, ok := schema.(string); ok {
		if questionnaireTemplate == "" {
			questionnaireTemplate = bare
		}
		schema = nil
	}

	if agentType == "questionnaire" || template != "" {
		return &QuestionnaireScaffolding{
			Template:              template,
			QuestionnaireTemplate: questionnaireTemplate,
			QuestionnaireSchema:   schema,
			ToolsConfig:           tools,
		}
	}

	return nil
}

// normalizeTools accepts a single mapping or a sequence of mappings and
// returns the tool catalog; non-mapping entries are discarded.
func normalizeTools(raw any) []map[string]any {
	switch typed := raw.(type) {
	case nil:
		return nil
	case map[string]any:
		return []map[string]any{cloneTool(typed)}
	case []map[string]any:
		tools := make([]map[string]any, 0, len(typed))
		for _, tool := range typed {
			tools = append(tools, cloneTool(tool))
		}
		return tools
	case []any:
		tools := make([]map[string]any, 0, len(typed))
		for _, element := range typed {
			if tool, ok := element.(map[string]any); ok {
				tools = append(tools, cloneTool(tool))
			}
		}
		return tools
	default:
		return nil
	}
}

func cloneTool(tool map[string]any) map[string]any {
	clone := make(map[string]any, len(tool))
	for key, value := range tool {
		clone[key] = value
	}
	return clone
}

func trimmedString(raw any) string {
	s, _ := raw.(string)
	if strings.TrimSpace(s) == "" {
		return ""
	}
	return s
}

func snapshotState(state map[string]any) map[string]any {
	snapshot := make(map[string]any, len(state))
	for key, value := range state {
		snapshot[key] = value
	}
	return snapshot
}
