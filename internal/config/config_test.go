package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Port != 4170 {
		t.Errorf("expected server port 4170, got %d", cfg.Server.Port)
	}
	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("expected server host 127.0.0.1, got %s", cfg.Server.Host)
	}
	if cfg.LLM.Model != "gpt-4o" {
		t.Errorf("expected model gpt-4o, got %s", cfg.LLM.Model)
	}
	if cfg.Pipeline.CommitWindow != 5 {
		t.Errorf("expected commit_window 5, got %d", cfg.Pipeline.CommitWindow)
	}
	if cfg.Pipeline.CommitWindowCeiling != 20 {
		t.Errorf("expected commit_window_ceiling 20, got %d", cfg.Pipeline.CommitWindowCeiling)
	}
	if cfg.Pipeline.BranchPrefix != "mend/" {
		t.Errorf("expected branch_prefix mend/, got %s", cfg.Pipeline.BranchPrefix)
	}
	if cfg.Server.ParsePollInterval() != time.Minute {
		t.Errorf("expected poll interval 60s, got %v", cfg.Server.ParsePollInterval())
	}
	if cfg.Pipeline.ParseRunTimeout() != 15*time.Minute {
		t.Errorf("expected run timeout 15m, got %v", cfg.Pipeline.ParseRunTimeout())
	}
}

func TestLoadJSONC(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.jsonc")

	content := []byte(`{
  // This is a JSONC comment
  "llm": {
    "model": "test-model"
  },
  "server": {
    "port": 9999
  }
}`)

	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}

	m, err := loadJSONC(path)
	if err != nil {
		t.Fatalf("loadJSONC failed: %v", err)
	}

	llm, ok := m["llm"].(map[string]any)
	if !ok {
		t.Fatal("expected llm to be a map")
	}
	if llm["model"] != "test-model" {
		t.Errorf("expected model=test-model, got %v", llm["model"])
	}

	server, ok := m["server"].(map[string]any)
	if !ok {
		t.Fatal("expected server to be a map")
	}
	if server["port"] != float64(9999) {
		t.Errorf("expected port=9999, got %v", server["port"])
	}
}

func TestLoadJSONC_FileNotFound(t *testing.T) {
	_, err := loadJSONC("/nonexistent/path/config.jsonc")
	if err == nil {
		t.Error("expected error for nonexistent file")
	}
}

func TestLoadJSONC_MalformedContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.jsonc")

	// Truncated JSON
	if err := os.WriteFile(path, []byte(`{"llm": {"model": "test"`), 0644); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}
	_, err := loadJSONC(path)
	if err == nil {
		t.Error("expected error for malformed JSONC")
	}
}

func TestMergeIntoConfig(t *testing.T) {
	cfg := DefaultConfig()

	src := map[string]any{
		"llm": map[string]any{
			"model": "override-model",
		},
		"server": map[string]any{
			"port": json.Number("8080"),
		},
	}

	if err := mergeIntoConfig(&cfg, src); err != nil {
		t.Fatalf("mergeIntoConfig failed: %v", err)
	}

	if cfg.LLM.Model != "override-model" {
		t.Errorf("expected model=override-model, got %s", cfg.LLM.Model)
	}
	// Untouched siblings survive the merge
	if cfg.LLM.MaxOutputTokens != 4096 {
		t.Errorf("expected max_output_tokens preserved as 4096, got %d", cfg.LLM.MaxOutputTokens)
	}
	if cfg.Pipeline.CommitWindow != 5 {
		t.Errorf("expected pipeline.commit_window preserved as 5, got %d", cfg.Pipeline.CommitWindow)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := DefaultConfig()

	t.Setenv("MEND_GITHUB_TOKEN", "gh-token-456")
	t.Setenv("MEND_SERVER_PORT", "7171")
	t.Setenv("MEND_LLM_MODEL", "gpt-4o-mini")
	t.Setenv("MEND_LOG_LEVEL", "debug")

	applyEnvOverrides(&cfg)

	if cfg.GitHub.Token != "gh-token-456" {
		t.Errorf("expected token=gh-token-456, got %s", cfg.GitHub.Token)
	}
	if cfg.Server.Port != 7171 {
		t.Errorf("expected port=7171, got %d", cfg.Server.Port)
	}
	if cfg.LLM.Model != "gpt-4o-mini" {
		t.Errorf("expected model=gpt-4o-mini, got %s", cfg.LLM.Model)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected level=debug, got %s", cfg.Logging.Level)
	}
}

func TestApplyEnvOverrides_GithubTokenFallback(t *testing.T) {
	cfg := DefaultConfig()

	t.Setenv("MEND_GITHUB_TOKEN", "")
	t.Setenv("GITHUB_TOKEN", "fallback-token")

	applyEnvOverrides(&cfg)

	if cfg.GitHub.Token != "fallback-token" {
		t.Errorf("expected GITHUB_TOKEN fallback, got %s", cfg.GitHub.Token)
	}
}

func TestServerConfigParsePollInterval_Invalid(t *testing.T) {
	s := ServerConfig{PollInterval: "not-a-duration"}
	if s.ParsePollInterval() != time.Minute {
		t.Error("expected fallback to 60s for invalid duration")
	}
}

func TestPipelineConfigParseRunTimeout_Invalid(t *testing.T) {
	p := PipelineConfig{RunTimeout: "bad"}
	if p.ParseRunTimeout() != 15*time.Minute {
		t.Error("expected fallback to 15m for invalid duration")
	}
}

func TestLoadMergesFileAndEnv(t *testing.T) {
	userConfigDir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", userConfigDir)

	// Clear env vars that would override config fields.
	t.Setenv("MEND_CONFIG", "")
	t.Setenv("MEND_GITHUB_TOKEN", "")
	t.Setenv("GITHUB_TOKEN", "")
	t.Setenv("MEND_SERVER_PORT", "")
	t.Setenv("MEND_LLM_MODEL", "")
	t.Setenv("MEND_LOG_LEVEL", "")
	t.Setenv("MEND_LOG_FORMAT", "")

	dir := t.TempDir()
	path := filepath.Join(dir, "mend.jsonc")
	content := []byte(`{"llm":{"model":"file-model"},"server":{"port":5555}}`)
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.LLM.Model != "file-model" {
		t.Errorf("expected llm.model=file-model, got %s", cfg.LLM.Model)
	}
	if cfg.Server.Port != 5555 {
		t.Errorf("expected server.port=5555, got %d", cfg.Server.Port)
	}
	// Defaults preserved for fields the file didn't set.
	if cfg.Pipeline.CommitWindow != 5 {
		t.Errorf("expected pipeline.commit_window=5, got %d", cfg.Pipeline.CommitWindow)
	}
}

func TestLoadEnvBeatsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mend.jsonc")
	if err := os.WriteFile(path, []byte(`{"server":{"port":5555}}`), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	t.Setenv("MEND_SERVER_PORT", "6666")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 6666 {
		t.Errorf("expected env override 6666, got %d", cfg.Server.Port)
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}

	got := ExpandPath("~/mend/mend.db")
	if !strings.HasPrefix(got, home) {
		t.Errorf("expected %s to start with %s", got, home)
	}
	if ExpandPath("/abs/path") != "/abs/path" {
		t.Error("absolute paths must pass through unchanged")
	}
}
