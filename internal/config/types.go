package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config is the top-level mend configuration.
type Config struct {
	Server   ServerConfig   `json:"server"`
	Storage  StorageConfig  `json:"storage"`
	GitHub   GitHubConfig   `json:"github"`
	LLM      LLMConfig      `json:"llm"`
	Pipeline PipelineConfig `json:"pipeline"`
	Ingest   IngestConfig   `json:"ingest"`
	Notify   NotifyConfig   `json:"notify"`
	Logging  LoggingConfig  `json:"logging"`
}

// ServerConfig holds daemon settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	PollInterval string `json:"poll_interval"`
	LogDir       string `json:"log_dir"`

	// PublicURL is the externally reachable base URL baked into
	// reporting snippets. When empty, a running tunnel's URL is used,
	// then the plain host:port address.
	PublicURL string `json:"public_url,omitempty"`
	// Tunnel hosts a devtunnel on startup so apps can reach a daemon
	// that has no routable address.
	Tunnel bool `json:"tunnel"`
}

// ParsePollInterval returns the resolve-loop poll interval as a time.Duration.
func (s ServerConfig) ParsePollInterval() time.Duration {
	d, err := time.ParseDuration(s.PollInterval)
	if err != nil {
		return time.Minute
	}
	return d
}

// StorageConfig locates the sqlite database and the analysis report directory.
type StorageConfig struct {
	Path       string `json:"path"`
	ReportsDir string `json:"reports_dir"`
}

// GitHubConfig holds source-control provider credentials.
type GitHubConfig struct {
	Token  string `json:"token"`
	APIURL string `json:"api_url,omitempty"`
}

// LLMConfig selects the reasoning model.
type LLMConfig struct {
	Model           string `json:"model"`
	MaxOutputTokens int    `json:"max_output_tokens"`
}

// PipelineConfig tunes the remediation pipeline.
type PipelineConfig struct {
	CommitWindow        int    `json:"commit_window"`
	CommitWindowCeiling int    `json:"commit_window_ceiling"`
	RunTimeout          string `json:"run_timeout"`
	QueueCapacity       int    `json:"queue_capacity"`
	MaxRetryAttempts    int    `json:"max_retry_attempts"`
	BranchPrefix        string `json:"branch_prefix"`
	BotAuthor           string `json:"bot_author"`
	SnippetPath         string `json:"snippet_path,omitempty"`
}

// ParseRunTimeout returns the per-run deadline as a time.Duration.
func (p PipelineConfig) ParseRunTimeout() time.Duration {
	d, err := time.ParseDuration(p.RunTimeout)
	if err != nil {
		return 15 * time.Minute
	}
	return d
}

// IngestConfig tunes inbound report handling.
type IngestConfig struct {
	RateLimitRPS   float64 `json:"rate_limit_rps"`
	RateLimitBurst int     `json:"rate_limit_burst"`
	CacheTTL       string  `json:"cache_ttl"`
}

// ParseCacheTTL returns the webhook-key cache TTL as a time.Duration.
func (i IngestConfig) ParseCacheTTL() time.Duration {
	d, err := time.ParseDuration(i.CacheTTL)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// NotifyConfig holds the outbound event webhook settings.
type NotifyConfig struct {
	URL     string   `json:"url"`
	Events  []string `json:"events"`
	Timeout string   `json:"timeout"`
}

// ParseTimeout returns the notification client timeout as a time.Duration.
func (n NotifyConfig) ParseTimeout() time.Duration {
	d, err := time.ParseDuration(n.Timeout)
	if err != nil {
		return 15 * time.Second
	}
	return d
}

// LoggingConfig controls log level and output format.
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Host:         "127.0.0.1",
			Port:         4170,
			PollInterval: "60s",
			LogDir:       "~/.local/share/mend/logs",
		},
		Storage: StorageConfig{
			Path:       "~/.local/share/mend/mend.db",
			ReportsDir: "~/.local/share/mend/reports",
		},
		LLM: LLMConfig{
			Model:           "gpt-4o",
			MaxOutputTokens: 4096,
		},
		Pipeline: PipelineConfig{
			CommitWindow:        5,
			CommitWindowCeiling: 20,
			RunTimeout:          "15m",
			QueueCapacity:       64,
			MaxRetryAttempts:    4,
			BranchPrefix:        "mend/",
			BotAuthor:           "mend-bot",
		},
		Ingest: IngestConfig{
			RateLimitRPS:   5,
			RateLimitBurst: 20,
			CacheTTL:       "30s",
		},
		Notify: NotifyConfig{
			Events:  []string{"pr_created", "resolved"},
			Timeout: "15s",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "auto",
		},
	}
}

// ExpandPath resolves a leading ~ to the user's home directory.
func ExpandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}
