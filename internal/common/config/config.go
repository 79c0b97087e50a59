// Package config provides configuration management for Threadline.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Threadline.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Provider  ProviderConfig  `mapstructure:"provider"`
	Sessions  SessionsConfig  `mapstructure:"sessions"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Safety    SafetyConfig    `mapstructure:"safety"`
	RateLimit RateLimitConfig `mapstructure:"rateLimit"`
}

// ServerConfig holds the admin HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// ProviderConfig holds provider selection and retry policy configuration.
type ProviderConfig struct {
	// Primary is the provider ID used for all queries by default.
	Primary string `mapstructure:"primary"`

	// Fallback is the provider ID used when the primary fails permanently.
	// Empty disables fallback.
	Fallback string `mapstructure:"fallback"`

	// AgentCommand is the command line used to launch the ACP agent subprocess.
	AgentCommand []string `mapstructure:"agentCommand"`

	// Model is the default model ID passed to the provider.
	Model string `mapstructure:"model"`

	// MaxThinkingTokens is the thinking-token budget per query (0 disables).
	MaxThinkingTokens int64 `mapstructure:"maxThinkingTokens"`

	// SystemPrompt is prepended to the first prompt of a fresh conversation.
	SystemPrompt string `mapstructure:"systemPrompt"`

	// ExtraDirs are additional directories the agent may access beyond the
	// session working directory.
	ExtraDirs []string `mapstructure:"extraDirs"`

	// PermissionMode selects how tool permission prompts are answered:
	// "default" grants one invocation at a time, "bypass" takes a standing
	// allow when the agent offers one.
	PermissionMode string `mapstructure:"permissionMode"`

	// SkipPermissions approves every permission prompt. The pre-tool safety
	// gate still applies.
	SkipPermissions bool `mapstructure:"skipPermissions"`

	// PathToExecutable overrides the agent binary without replacing the rest
	// of AgentCommand.
	PathToExecutable string `mapstructure:"pathToExecutable"`

	// TranscriptDir is where the agent writes conversation transcripts. Used
	// as a context-usage fallback when the stream reported none.
	TranscriptDir string `mapstructure:"transcriptDir"`

	// RetryPolicies maps provider ID to retry policy, parsed from a JSON map
	// (e.g. THREADLINE_PROVIDER_RETRYPOLICIES='{"acp":{"maxRetries":3,"baseBackoffMs":500}}').
	RetryPolicies string `mapstructure:"retryPolicies"`

	// StaleSessionMarkers are error substrings that indicate the upstream
	// provider session no longer exists and a reset-and-retry is worth one shot.
	StaleSessionMarkers []string `mapstructure:"staleSessionMarkers"`
}

// SessionsConfig holds session manager configuration.
type SessionsConfig struct {
	// Tenant is the tenant component of session identities created by the transport.
	Tenant string `mapstructure:"tenant"`

	// PrimaryChat is the chat ID whose main-thread session receives restart
	// context and shutdown summaries. Empty disables that hand-off.
	PrimaryChat string `mapstructure:"primaryChat"`

	// Dir is the directory holding per-session JSON snapshots.
	Dir string `mapstructure:"dir"`

	// WorkdirRoot is the directory holding per-thread workdir symlink aliases.
	WorkdirRoot string `mapstructure:"workdirRoot"`

	// DefaultWorkingDir is the canonical working directory for new sessions.
	DefaultWorkingDir string `mapstructure:"defaultWorkingDir"`

	// DataDir holds shared flat-file state (pending forms and the like).
	DataDir string `mapstructure:"dataDir"`

	MaxSessions       int   `mapstructure:"maxSessions"`
	TTLHours          int   `mapstructure:"ttlHours"`
	ContextWindowSize int64 `mapstructure:"contextWindowSize"`
}

// SchedulerConfig holds cron scheduler configuration.
type SchedulerConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	ConfigPath      string `mapstructure:"configPath"`
	MaxPromptLength int    `mapstructure:"maxPromptLength"`
	MaxJobsPerHour  int    `mapstructure:"maxJobsPerHour"`
	QueueCapacity   int    `mapstructure:"queueCapacity"`
	DrainIntervalMs int    `mapstructure:"drainIntervalMs"`
	PollIntervalMs  int    `mapstructure:"pollIntervalMs"`
	DebounceMs      int    `mapstructure:"debounceMs"`
}

// SafetyConfig holds tool-input validation configuration.
type SafetyConfig struct {
	// AllowedDirs are directories tool invocations may touch.
	AllowedDirs []string `mapstructure:"allowedDirs"`

	// TempDirs are directories Read operations may touch even outside AllowedDirs.
	TempDirs []string `mapstructure:"tempDirs"`
}

// RateLimitConfig holds the inbound token-bucket configuration.
type RateLimitConfig struct {
	Requests int `mapstructure:"requests"`
	PerSecs  int `mapstructure:"perSecs"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// TTL returns the session TTL as a time.Duration.
func (s *SessionsConfig) TTL() time.Duration {
	return time.Duration(s.TTLHours) * time.Hour
}

// DrainInterval returns the queue drain tick as a time.Duration.
func (s *SchedulerConfig) DrainInterval() time.Duration {
	return time.Duration(s.DrainIntervalMs) * time.Millisecond
}

// PollInterval returns the cron-file poll tick as a time.Duration.
func (s *SchedulerConfig) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalMs) * time.Millisecond
}

// Debounce returns the reload debounce as a time.Duration.
func (s *SchedulerConfig) Debounce() time.Duration {
	return time.Duration(s.DebounceMs) * time.Millisecond
}

// RatePeriod returns the token-bucket refill period as a time.Duration.
func (r *RateLimitConfig) RatePeriod() time.Duration {
	return time.Duration(r.PerSecs) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("THREADLINE_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8742)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "threadline")
	v.SetDefault("nats.maxReconnects", 10)

	// Provider defaults
	v.SetDefault("provider.primary", "acp")
	v.SetDefault("provider.fallback", "")
	v.SetDefault("provider.agentCommand", []string{"claude-code-acp"})
	v.SetDefault("provider.model", "")
	v.SetDefault("provider.maxThinkingTokens", 0)
	v.SetDefault("provider.systemPrompt", "")
	v.SetDefault("provider.extraDirs", []string{})
	v.SetDefault("provider.permissionMode", "default")
	v.SetDefault("provider.skipPermissions", false)
	v.SetDefault("provider.pathToExecutable", "")
	v.SetDefault("provider.transcriptDir", "~/.claude/projects")
	v.SetDefault("provider.retryPolicies", "")
	v.SetDefault("provider.staleSessionMarkers", []string{"No conversation found", "session not found"})

	// Session defaults
	v.SetDefault("sessions.tenant", "telegram")
	v.SetDefault("sessions.primaryChat", "")
	v.SetDefault("sessions.dir", "~/.threadline/sessions")
	v.SetDefault("sessions.workdirRoot", "~/.threadline/workdirs")
	v.SetDefault("sessions.defaultWorkingDir", "")
	v.SetDefault("sessions.dataDir", "~/.threadline/data")
	v.SetDefault("sessions.maxSessions", 100)
	v.SetDefault("sessions.ttlHours", 24)
	v.SetDefault("sessions.contextWindowSize", 200000)

	// Scheduler defaults
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.configPath", "cron.yaml")
	v.SetDefault("scheduler.maxPromptLength", 10000)
	v.SetDefault("scheduler.maxJobsPerHour", 60)
	v.SetDefault("scheduler.queueCapacity", 100)
	v.SetDefault("scheduler.drainIntervalMs", 2000)
	v.SetDefault("scheduler.pollIntervalMs", 2000)
	v.SetDefault("scheduler.debounceMs", 100)

	// Safety defaults
	v.SetDefault("safety.allowedDirs", []string{})
	v.SetDefault("safety.tempDirs", []string{"/tmp", "/var/tmp"})

	// Rate limit defaults: 20 requests per 60 seconds
	v.SetDefault("rateLimit.requests", 20)
	v.SetDefault("rateLimit.perSecs", 60)
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix THREADLINE_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/threadline/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("THREADLINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys).
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion.
	_ = v.BindEnv("provider.agentCommand", "THREADLINE_PROVIDER_AGENT_COMMAND")
	_ = v.BindEnv("provider.retryPolicies", "THREADLINE_PROVIDER_RETRY_POLICIES")
	_ = v.BindEnv("sessions.defaultWorkingDir", "THREADLINE_SESSIONS_DEFAULT_WORKING_DIR")
	_ = v.BindEnv("scheduler.configPath", "THREADLINE_SCHEDULER_CONFIG_PATH")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/threadline/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	expandHome(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// expandHome resolves leading ~/ in path-valued fields.
func expandHome(cfg *Config) {
	home, err := os.UserHomeDir()
	if err != nil {
		return
	}
	expand := func(p string) string {
		if strings.HasPrefix(p, "~/") {
			return home + p[1:]
		}
		return p
	}
	cfg.Sessions.Dir = expand(cfg.Sessions.Dir)
	cfg.Sessions.WorkdirRoot = expand(cfg.Sessions.WorkdirRoot)
	cfg.Sessions.DefaultWorkingDir = expand(cfg.Sessions.DefaultWorkingDir)
	cfg.Sessions.DataDir = expand(cfg.Sessions.DataDir)
	cfg.Scheduler.ConfigPath = expand(cfg.Scheduler.ConfigPath)
	cfg.Provider.PathToExecutable = expand(cfg.Provider.PathToExecutable)
	cfg.Provider.TranscriptDir = expand(cfg.Provider.TranscriptDir)
	for i, d := range cfg.Provider.ExtraDirs {
		cfg.Provider.ExtraDirs[i] = expand(d)
	}
	for i, d := range cfg.Safety.AllowedDirs {
		cfg.Safety.AllowedDirs[i] = expand(d)
	}
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.Sessions.Tenant == "" {
		errs = append(errs, "sessions.tenant is required")
	}
	if strings.ContainsAny(cfg.Sessions.Tenant, ":/") {
		errs = append(errs, "sessions.tenant must not contain ':' or '/'")
	}
	if cfg.Sessions.MaxSessions <= 0 {
		errs = append(errs, "sessions.maxSessions must be positive")
	}
	if cfg.Sessions.ContextWindowSize <= 0 {
		errs = append(errs, "sessions.contextWindowSize must be positive")
	}

	if len(cfg.Provider.AgentCommand) == 0 {
		errs = append(errs, "provider.agentCommand is required")
	}
	if pm := cfg.Provider.PermissionMode; pm != "" && pm != "default" && pm != "bypass" {
		errs = append(errs, "provider.permissionMode must be one of: default, bypass")
	}

	if cfg.Scheduler.MaxPromptLength <= 0 {
		errs = append(errs, "scheduler.maxPromptLength must be positive")
	}
	if cfg.Scheduler.QueueCapacity <= 0 {
		errs = append(errs, "scheduler.queueCapacity must be positive")
	}

	if cfg.RateLimit.Requests <= 0 || cfg.RateLimit.PerSecs <= 0 {
		errs = append(errs, "rateLimit.requests and rateLimit.perSecs must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
