// Package daemon manages the devpilot daemon lifecycle and configuration.
package daemon

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Storage backends.
const (
	BackendSQLite = "sqlite"
	BackendFile   = "file"
)

// Config holds all daemon configuration.
type Config struct {
	API       APIConfig       `toml:"api"`
	Storage   StorageConfig   `toml:"storage"`
	Agent     AgentConfig     `toml:"agent"`
	GitHub    GitHubConfig    `toml:"github"`
	Knowledge KnowledgeConfig `toml:"knowledge"`
	Stream    StreamConfig    `toml:"stream"`
	Tasks     TasksConfig     `toml:"tasks"`
	Logging   LoggingConfig   `toml:"logging"`
}

// APIConfig controls the HTTP API server.
type APIConfig struct {
	Host        string   `toml:"host"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	Metrics     bool     `toml:"metrics"`
}

// StorageConfig selects the Task Store backend. The work-history ledger
// always lives in SQLite under Dir.
type StorageConfig struct {
	Backend string `toml:"backend"`
	Dir     string `toml:"dir"`
}

// AgentConfig controls the OpenAI-compatible agent.
type AgentConfig struct {
	BaseURL    string `toml:"base_url"`
	Model      string `toml:"model"`
	APIKeyEnv  string `toml:"api_key_env"`
	Timeout    string `toml:"timeout"`
	MaxTurns   int    `toml:"max_turns"`
	PromptsDir string `toml:"prompts_dir"`
}

// GitHubConfig controls the GitHub REST client.
type GitHubConfig struct {
	APIURL            string  `toml:"api_url"`
	TokenEnv          string  `toml:"token_env"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
	Burst             int     `toml:"burst"`
}

// KnowledgeConfig controls the embedded knowledge base.
type KnowledgeConfig struct {
	Enabled        bool   `toml:"enabled"`
	DocsDir        string `toml:"docs_dir"`
	Persist        bool   `toml:"persist"`
	TopK           int    `toml:"top_k"`
	EmbeddingModel string `toml:"embedding_model"`
	CacheSize      int    `toml:"cache_size"`
}

// StreamConfig bounds server-sent-event sessions.
type StreamConfig struct {
	TaskInterval     string `toml:"task_interval"`
	TaskMaxAttempts  int    `toml:"task_max_attempts"`
	ActivityInterval string `toml:"activity_interval"`
	ActivityBudget   string `toml:"activity_budget"`
}

// TasksConfig tunes task presentation.
type TasksConfig struct {
	DisplayErrorLen int `toml:"display_error_len"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // text or json
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{
		API: APIConfig{
			Host:        "127.0.0.1",
			Port:        8787,
			CORSOrigins: []string{"*"},
			Metrics:     true,
		},
		Storage: StorageConfig{
			Backend: BackendSQLite,
			Dir:     devpilotHome(),
		},
		Agent: AgentConfig{
			Model:     "gpt-4o-mini",
			APIKeyEnv: "OPENAI_API_KEY",
			Timeout:   "10m",
			MaxTurns:  30,
		},
		GitHub: GitHubConfig{
			APIURL:            "https://api.github.com",
			TokenEnv:          "GITHUB_TOKEN",
			RequestsPerSecond: 10,
			Burst:             5,
		},
		Knowledge: KnowledgeConfig{
			Enabled:        false,
			DocsDir:        filepath.Join(devpilotHome(), "docs"),
			Persist:        true,
			TopK:           4,
			EmbeddingModel: "text-embedding-3-small",
			CacheSize:      512,
		},
		Stream: StreamConfig{
			TaskInterval:     "2s",
			TaskMaxAttempts:  300,
			ActivityInterval: "3s",
			ActivityBudget:   "5m",
		},
		Tasks: TasksConfig{
			DisplayErrorLen: 200,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadConfig loads .env files from the home and working directories, then
// reads $DEVPILOT_HOME/config.toml over the defaults.
func LoadConfig() (Config, error) {
	loadDotEnv(filepath.Join(devpilotHome(), ".env"), ".env")
	return LoadConfigFile(ConfigPath())
}

// ConfigPath returns $DEVPILOT_HOME/config.toml.
func ConfigPath() string {
	return filepath.Join(devpilotHome(), "config.toml")
}

// LoadConfigFile reads path over the defaults. A missing file is not an
// error.
func LoadConfigFile(path string) (Config, error) {
	cfg := DefaultConfig()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// loadDotEnv loads each existing file. Variables already set win.
func loadDotEnv(paths ...string) {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			slog.Warn("ignoring unreadable env file", "path", p, "error", err)
		}
	}
}

// SaveConfig writes the config to $DEVPILOT_HOME/config.toml.
func SaveConfig(cfg Config) error {
	path := ConfigPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}

// Validate rejects settings the daemon cannot start with.
func (c Config) Validate() error {
	switch c.Storage.Backend {
	case BackendSQLite, BackendFile:
	default:
		return fmt.Errorf("storage.backend must be %q or %q, got %q", BackendSQLite, BackendFile, c.Storage.Backend)
	}
	if c.API.Port < 0 || c.API.Port > 65535 {
		return fmt.Errorf("api.port out of range: %d", c.API.Port)
	}
	if _, err := parseLevel(c.Logging.Level); err != nil {
		return err
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	return nil
}

// Secret reads the environment variable named by env.
func Secret(env string) string {
	if env == "" {
		return ""
	}
	return os.Getenv(env)
}

// devpilotHome returns the devpilot data directory.
func devpilotHome() string {
	if env := os.Getenv("DEVPILOT_HOME"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".devpilot")
}

// Home returns the devpilot data directory ($DEVPILOT_HOME or ~/.devpilot).
func Home() string {
	return devpilotHome()
}

// ─── Logging ────────────────────────────────────────────────────────────────

func parseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return lvl, fmt.Errorf("logging.level: %w", err)
	}
	return lvl, nil
}

// NewLogger builds the process logger from cfg.
func NewLogger(cfg LoggingConfig, w io.Writer) *slog.Logger {
	lvl, err := parseLevel(cfg.Level)
	if err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// parseDuration parses a duration string, returning a fallback on error.
func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
