package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config is the full runtime configuration tree.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Provider   ProviderSettings `mapstructure:"provider"`
	Agent      AgentConfig      `mapstructure:"agent"`
	Budget     BudgetConfig     `mapstructure:"budget"`
	Classifier ClassifierConfig `mapstructure:"classifier"`
	Compaction CompactionConfig `mapstructure:"compaction"`
	Sandbox    SandboxConfig    `mapstructure:"sandbox"`
	Sidecars   []SidecarConfig  `mapstructure:"sidecars"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Log        LogConfig        `mapstructure:"log"`
	StateDir   string           `mapstructure:"state_dir"` // user-scoped root for persisted state
}

// ServerConfig covers the HTTP surface.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"http_port"`
	Mode         string `mapstructure:"mode"` // local, production
	RequireAuth  bool   `mapstructure:"require_auth"`
	SharedSecret string `mapstructure:"shared_secret"`
}

// ProviderSettings selects the active LLM provider and its fallbacks.
type ProviderSettings struct {
	Default       string           `mapstructure:"default_provider"`
	FallbackChain []string         `mapstructure:"fallback_chain"` // ordered provider ids tried on failure
	Providers     []ProviderConfig `mapstructure:"providers"`
}

// ProviderConfig configures one LLM provider endpoint.
type ProviderConfig struct {
	Name    string   `mapstructure:"name"`
	Type    string   `mapstructure:"type"` // "openai" (default) | "scripted"
	BaseURL string   `mapstructure:"base_url"`
	APIKey  string   `mapstructure:"api_key"`
	Models  []string `mapstructure:"models"`
	// ModelCapacity gates tool schema exposure: models below the dispatcher's
	// threshold never see tool definitions.
	ModelCapacity int `mapstructure:"model_capacity"`
}

// AgentConfig tunes the ReAct loop.
type AgentConfig struct {
	Model                 string        `mapstructure:"model"`
	MaxIterations         int           `mapstructure:"max_iterations"`
	Temperature           float64       `mapstructure:"temperature"`
	MaxTokens             int           `mapstructure:"max_tokens"`
	ContextLimit          int           `mapstructure:"context_limit"`
	ReservedResponse      int           `mapstructure:"reserved_response_tokens"`
	ProviderTimeout       time.Duration `mapstructure:"provider_timeout"`
	ToolTimeout           time.Duration `mapstructure:"tool_timeout"`
	MaxParallelTools      int           `mapstructure:"max_parallel_tools"`
	ToolCapacityThreshold int           `mapstructure:"tool_capacity_threshold"`
	Workspace             string        `mapstructure:"workspace"`
}

// BudgetConfig holds cost caps in USD.
type BudgetConfig struct {
	DailyUSD   float64 `mapstructure:"daily_budget_usd"`
	MonthlyUSD float64 `mapstructure:"monthly_budget_usd"`
	PerCallUSD float64 `mapstructure:"per_call_limit_usd"`
}

// ClassifierConfig tunes the signal classifier and noise filter.
type ClassifierConfig struct {
	NoiseThreshold   float64       `mapstructure:"noise_filter_threshold"`
	CacheTTL         time.Duration `mapstructure:"cache_ttl"`
	CacheMaxEntries  int           `mapstructure:"cache_max_entries"`
	UncertaintyLow   float64       `mapstructure:"uncertainty_low"`
	UncertaintyHigh  float64       `mapstructure:"uncertainty_high"`
	AccurateChannels []string      `mapstructure:"accurate_channels"` // channels that always take the LLM tier
}

// CompactionConfig holds the three-zone compression thresholds.
type CompactionConfig struct {
	Warn       float64 `mapstructure:"warn"`
	Aggressive float64 `mapstructure:"aggressive"`
	Emergency  float64 `mapstructure:"emergency"`
}

// SandboxConfig is the tool sandbox policy. The sandbox runtime itself is an
// external collaborator; only the policy is owned here.
type SandboxConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Image     string `mapstructure:"image"`
	MaxMemory string `mapstructure:"max_memory"`
	MaxCPU    string `mapstructure:"max_cpu"`
}

// SidecarConfig declares one external sidecar process.
type SidecarConfig struct {
	Name         string        `mapstructure:"name"`
	Command      string        `mapstructure:"command"`
	Args         []string      `mapstructure:"args"`
	Capabilities []string      `mapstructure:"capabilities"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// DatabaseConfig selects the relational index backend.
type DatabaseConfig struct {
	Type string `mapstructure:"type"` // sqlite, postgres
	DSN  string `mapstructure:"dsn"`
}

// LogConfig configures the logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// DefaultStateDir returns ~/.osa, falling back to the working directory.
func DefaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".osa"
	}
	return filepath.Join(home, ".osa")
}

// Load reads configuration from config.yaml (or the file at OSA_CONFIG),
// overlays OSA_* environment variables, and fills defaults.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("OSA")
	v.AutomaticEnv()

	if path := os.Getenv("OSA_CONFIG"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(DefaultStateDir())
	}

	if err := v.ReadInConfig(); err != nil {
		// Missing file is fine on first run; anything else is a real error.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.StateDir == "" {
		cfg.StateDir = DefaultStateDir()
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.http_port", 8089)
	v.SetDefault("server.mode", "local")
	v.SetDefault("server.require_auth", false)

	v.SetDefault("provider.default_provider", "openai")
	v.SetDefault("provider.fallback_chain", []string{})

	v.SetDefault("agent.max_iterations", 20)
	v.SetDefault("agent.temperature", 0.7)
	v.SetDefault("agent.context_limit", 128000)
	v.SetDefault("agent.reserved_response_tokens", 4096)
	v.SetDefault("agent.provider_timeout", 120*time.Second)
	v.SetDefault("agent.tool_timeout", 30*time.Second)
	v.SetDefault("agent.max_parallel_tools", 4)
	v.SetDefault("agent.tool_capacity_threshold", 7)

	v.SetDefault("budget.daily_budget_usd", 10.0)
	v.SetDefault("budget.monthly_budget_usd", 100.0)
	v.SetDefault("budget.per_call_limit_usd", 0.50)

	v.SetDefault("classifier.noise_filter_threshold", 0.2)
	v.SetDefault("classifier.cache_ttl", 10*time.Minute)
	v.SetDefault("classifier.cache_max_entries", 4096)
	v.SetDefault("classifier.uncertainty_low", 0.3)
	v.SetDefault("classifier.uncertainty_high", 0.6)

	v.SetDefault("compaction.warn", 0.80)
	v.SetDefault("compaction.aggressive", 0.90)
	v.SetDefault("compaction.emergency", 0.95)

	v.SetDefault("sandbox.enabled", false)

	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.dsn", filepath.Join(DefaultStateDir(), "osa.db"))

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stderr")
}

// EnsureStateLayout creates the persisted-state directory tree under root.
func EnsureStateLayout(root string) error {
	for _, dir := range []string{
		root,
		filepath.Join(root, "sessions"),
		filepath.Join(root, "learning", "episodes"),
		filepath.Join(root, "metrics"),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create state dir %s: %w", dir, err)
		}
	}
	return nil
}
