package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderTemplate(t *testing.T) {
	out := RenderTemplate("{{ error_type }} in {{component}}: {{missing}}.", map[string]string{
		"error_type": "TypeError",
		"component":  "api/handler",
	})
	assert.Equal(t, "TypeError in api/handler: .", out)
}

func TestNewTemplates_Overrides(t *testing.T) {
	tmpl, err := NewTemplates(map[string]string{TemplateCommitMessage: "fix: {{message}}"})
	require.NoError(t, err)

	out, err := tmpl.Render(TemplateCommitMessage, map[string]string{"message": "nil map"})
	require.NoError(t, err)
	assert.Equal(t, "fix: nil map", out)

	out, err = tmpl.Render(TemplateErrorAnalysis, map[string]string{"message": "boom"})
	require.NoError(t, err)
	assert.Contains(t, out, "Message: boom")
	assert.NotContains(t, out, "{{")
}

func TestNewTemplates_RejectsUnknownName(t *testing.T) {
	_, err := NewTemplates(map[string]string{"summarize": "x"})
	require.Error(t, err)
}
