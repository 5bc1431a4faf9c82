package prompts

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var expectedTemplates = []string{
	"analysis-format.md",
	"analysis-system.md",
	"setup-pr.md",
}

func TestLoadAllTemplates(t *testing.T) {
	for _, name := range expectedTemplates {
		t.Run(name, func(t *testing.T) {
			tmpl, err := Load(name)
			require.NoError(t, err)
			assert.NotNil(t, tmpl)
		})
	}
}

func TestLoadUnknownName(t *testing.T) {
	_, err := Load("no-such-template.md")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "loading prompt template")
}

func TestList(t *testing.T) {
	names, err := List()
	require.NoError(t, err)

	assert.Equal(t, len(expectedTemplates), len(names))
	for _, expected := range expectedTemplates {
		assert.Contains(t, names, expected)
	}
}

func TestExecuteSetupPRTemplate(t *testing.T) {
	out, err := Execute("setup-pr.md", map[string]string{
		"App":         "storefront",
		"SnippetPath": "mend.config.json",
		"Endpoint":    "https://mend.example.com",
		"Date":        "2026-03-01",
	})
	require.NoError(t, err)
	assert.Contains(t, out, "**storefront**")
	assert.Contains(t, out, "`mend.config.json`")
	assert.Contains(t, out, "https://mend.example.com")
	assert.Contains(t, out, "2026-03-01")
}

func TestExecuteAnalysisFormat(t *testing.T) {
	out, err := Execute("analysis-format.md", nil)
	require.NoError(t, err)
	assert.Contains(t, out, "ranked_commits")
	assert.Contains(t, out, `"fix"`)
}

func TestUserOverrideWins(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	promptDir := filepath.Join(dir, "mend", "prompts")
	require.NoError(t, os.MkdirAll(promptDir, 0755))
	custom := "Summarize the incident for {{.App}} in one sentence."
	require.NoError(t, os.WriteFile(filepath.Join(promptDir, "analysis-system.md"), []byte(custom), 0644))

	out, err := Execute("analysis-system.md", map[string]string{"App": "storefront"})
	require.NoError(t, err)
	assert.Equal(t, "Summarize the incident for storefront in one sentence.", out)
}
