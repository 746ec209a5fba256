package scaffolding

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFromConfigSelection(t *testing.T) {
	tests := []struct {
		name   string
		config map[string]any
		want   bool
	}{
		{
			name:   "nil config",
			config: nil,
			want:   false,
		},
		{
			name:   "no agent block",
			config: map[string]any{"llm": map[string]any{"model": "gpt-realtime"}},
			want:   false,
		},
		{
			name:   "agent block is not a mapping",
			config: map[string]any{"agent": "questionnaire"},
			want:   false,
		},
		{
			name:   "questionnaire type",
			config: map[string]any{"agent": map[string]any{"type": "questionnaire"}},
			want:   true,
		},
		{
			name: "template without type",
			config: map[string]any{"agent": map[string]any{
				"initial_message_template": "Hello {{state.agent_name}}",
			}},
			want: true,
		},
		{
			name: "blank template is absent",
			config: map[string]any{"agent": map[string]any{
				"initial_message_template": "   ",
			}},
			want: false,
		},
		{
			name:   "unknown type without template",
			config: map[string]any{"agent": map[string]any{"type": "other"}},
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scaffold := NewFromConfig(tt.config)
			if tt.want {
				require.NotNil(t, scaffold)
			} else {
				assert.Nil(t, scaffold)
			}
		})
	}
}

func TestInitialMessageTemplateDefault(t *testing.T) {
	scaffold := NewFromConfig(map[string]any{
		"agent": map[string]any{"type": "questionnaire"},
	})
	require.NotNil(t, scaffold)
	assert.Equal(t, DefaultInitialMessageTemplate, scaffold.InitialMessageTemplate())

	scaffold = NewFromConfig(map[string]any{
		"agent": map[string]any{
			"type":                     "questionnaire",
			"initial_message_template": "Hi {{state.agent_name}}",
		},
	})
	require.NotNil(t, scaffold)
	assert.Equal(t, "Hi {{state.agent_name}}", scaffold.InitialMessageTemplate())
}

func TestRenderQuestionnaireTemplate(t *testing.T) {
	scaffold := NewFromConfig(map[string]any{
		"agent": map[string]any{
			"type":                   "questionnaire",
			"questionnaire_template": "Questionnaire for {{state.branch_name}}",
		},
	})
	require.NotNil(t, scaffold)

	out, err := scaffold.RenderQuestionnaire(map[string]any{"branch_name": "HQ"})
	require.NoError(t, err)
	assert.Equal(t, "Questionnaire for HQ", out)
}

func TestBareStringQuestionnairePromotedToTemplate(t *testing.T) {
	scaffold := NewFromConfig(map[string]any{
		"agent": map[string]any{
			"type":          "questionnaire",
			"questionnaire": "Ask about {{state.topic}}",
		},
	})
	require.NotNil(t, scaffold)

	out, err := scaffold.RenderQuestionnaire(map[string]any{"topic": "billing"})
	require.NoError(t, err)
	assert.Equal(t, "Ask about billing", out)
}

func TestExplicitTemplateWinsOverBareString(t *testing.T) {
	scaffold := NewFromConfig(map[string]any{
		"agent": map[string]any{
			"type":                   "questionnaire",
			"questionnaire_template": "template wins",
			"questionnaire":          "bare string loses",
		},
	})
	require.NotNil(t, scaffold)

	out, err := scaffold.RenderQuestionnaire(nil)
	require.NoError(t, err)
	assert.Equal(t, "template wins", out)
}

func TestQuestionnaireSchemaRendersJSON(t *testing.T) {
	scaffold := NewFromConfig(map[string]any{
		"agent": map[string]any{
			"type":          "questionnaire",
			"questionnaire": map[string]any{"fields": []any{"name"}},
		},
	})
	require.NotNil(t, scaffold)

	out, err := scaffold.RenderQuestionnaire(nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"fields":["name"]}`, out)
}

func TestRenderQuestionnaireCaching(t *testing.T) {
	scaffold := &QuestionnaireScaffolding{
		QuestionnaireTemplate: "Branch: {{state.branch_name}}",
	}

	first, err := scaffold.BuildQuestionnaire(map[string]any{"branch_name": "HQ"})
	require.NoError(t, err)
	assert.Equal(t, "Branch: HQ", first)

	// Same state reuses the cached payload.
	cached, err := scaffold.RenderQuestionnaire(map[string]any{"branch_name": "HQ"})
	require.NoError(t, err)
	assert.Equal(t, first, cached)

	// Changed state re-renders.
	changed, err := scaffold.RenderQuestionnaire(map[string]any{"branch_name": "West"})
	require.NoError(t, err)
	assert.Equal(t, "Branch: West", changed)
}

func TestToolsNormalization(t *testing.T) {
	search := map[string]any{"type": "function", "name": "search_listings"}
	schedule := map[string]any{"type": "function", "name": "schedule_viewing"}

	tests := []struct {
		name string
		raw  any
		want []map[string]any
	}{
		{"nil", nil, []map[string]any{}},
		{"single mapping", search, []map[string]any{search}},
		{"sequence of mappings", []any{search, schedule}, []map[string]any{search, schedule}},
		{"typed slice", []map[string]any{search}, []map[string]any{search}},
		{"non-mapping entries dropped", []any{search, "bogus", 3}, []map[string]any{search}},
		{"unsupported shape", "tools", []map[string]any{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scaffold := NewFromConfig(map[string]any{
				"agent": map[string]any{"type": "questionnaire", "tools": tt.raw},
			})
			require.NotNil(t, scaffold)
			assert.Equal(t, tt.want, scaffold.Tools())
		})
	}
}

func TestToolsReturnsCopies(t *testing.T) {
	scaffold := NewFromConfig(map[string]any{
		"agent": map[string]any{
			"type":  "questionnaire",
			"tools": []any{map[string]any{"name": "search_listings"}},
		},
	})
	require.NotNil(t, scaffold)

	tools := scaffold.Tools()
	require.Len(t, tools, 1)
	tools[0]["name"] = "mutated"

	fresh := scaffold.Tools()
	assert.Equal(t, "search_listings", fresh[0]["name"])
}
