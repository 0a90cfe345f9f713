// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger  LoggerConfig  `mapstructure:"logger" yaml:"logger"`
	Engine  EngineConfig  `mapstructure:"engine" yaml:"engine"`
	Matcher MatcherConfig `mapstructure:"matcher" yaml:"matcher"`
	Device  DeviceConfig  `mapstructure:"device" yaml:"device"`
	LLM     LLMConfig     `mapstructure:"llm" yaml:"llm"`
	Report  ReportConfig  `mapstructure:"report" yaml:"report"`
	Store   StoreConfig   `mapstructure:"store" yaml:"store"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// SessionMode selects how the step loop is governed.
type SessionMode string

const (
	// ModeStepDriven advances a step pointer only after a successful step.
	ModeStepDriven SessionMode = "step"
	// ModeGoalDriven has no step pointer; only the completion evaluator ends
	// the session.
	ModeGoalDriven SessionMode = "goal"
	// ModeHybrid follows the step pointer but lets a high-confidence verdict
	// end the session early.
	ModeHybrid SessionMode = "hybrid"
)

// EngineConfig tunes the session loop and the per-step retry state machine.
type EngineConfig struct {
	Mode        SessionMode   `mapstructure:"mode" yaml:"mode"`
	MaxSteps    int           `mapstructure:"max_steps" yaml:"max_steps"`
	StepTimeout time.Duration `mapstructure:"step_timeout" yaml:"step_timeout"`
	RetryCount  int           `mapstructure:"retry_count" yaml:"retry_count"`

	// StallThreshold is the number of consecutive ineffective attempts on the
	// same target before escalating to the next-ranked candidate.
	StallThreshold int `mapstructure:"stall_threshold" yaml:"stall_threshold"`

	// SettleDelay is how long to wait after a device command before taking
	// the verification screenshot.
	SettleDelay time.Duration `mapstructure:"settle_delay" yaml:"settle_delay"`

	// CheckInterval is the number of steps between completion checks.
	CheckInterval int `mapstructure:"check_interval" yaml:"check_interval"`

	// ConfidenceGate ends a hybrid-mode session early once a completed
	// verdict clears this confidence. Ignored in other modes.
	ConfidenceGate float64 `mapstructure:"confidence_gate" yaml:"confidence_gate"`
}

// MatcherConfig tunes element matching.
type MatcherConfig struct {
	// MinArea and MaxArea bound the interactable element size filter, in
	// square pixels. Elements outside the bounds never reach scoring.
	MinArea int `mapstructure:"min_area" yaml:"min_area"`
	MaxArea int `mapstructure:"max_area" yaml:"max_area"`

	// MinOverlapScore drops candidates whose keyword overlap falls below it.
	MinOverlapScore float64 `mapstructure:"min_overlap_score" yaml:"min_overlap_score"`

	// PositionBoostWeight is the bounded score boost for elements in the
	// upper region of the screen.
	PositionBoostWeight float64 `mapstructure:"position_boost_weight" yaml:"position_boost_weight"`

	// PositionBoostRegion is the fraction of screen height counted as the
	// upper region, e.g. 0.4 boosts elements whose center sits in the top 40%.
	PositionBoostRegion float64 `mapstructure:"position_boost_region" yaml:"position_boost_region"`
}

// DeviceConfig holds settings for the adb device transport.
type DeviceConfig struct {
	ADBPath        string        `mapstructure:"adb_path" yaml:"adb_path"`
	Serial         string        `mapstructure:"serial" yaml:"serial"`
	OperationDelay time.Duration `mapstructure:"operation_delay" yaml:"operation_delay"`
	CommandTimeout time.Duration `mapstructure:"command_timeout" yaml:"command_timeout"`
	ResizeRatio    float64       `mapstructure:"resize_ratio" yaml:"resize_ratio"`
	ScreenshotsDir string        `mapstructure:"screenshots_dir" yaml:"screenshots_dir"`
}

// LLMProvider defines the supported decision-service providers.
type LLMProvider string

const (
	ProviderGemini LLMProvider = "gemini"
)

// LLMConfig defines the decision-service client configuration.
type LLMConfig struct {
	Provider    LLMProvider   `mapstructure:"provider" yaml:"provider"`
	Model       string        `mapstructure:"model" yaml:"model"`
	APIKey      string        `mapstructure:"api_key" yaml:"api_key"`
	Endpoint    string        `mapstructure:"endpoint" yaml:"endpoint"`
	APITimeout  time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	Temperature float32       `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens" yaml:"max_tokens"`

	// RequestsPerSecond paces outbound requests; zero disables pacing.
	RequestsPerSecond float64 `mapstructure:"requests_per_second" yaml:"requests_per_second"`
}

// ReportConfig controls report artifact persistence.
type ReportConfig struct {
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// StoreConfig controls the optional Postgres run archive.
type StoreConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	DSN     string `mapstructure:"dsn" yaml:"dsn"`
	// InitSchema applies the archive DDL on startup instead of expecting
	// pre-provisioned tables.
	InitSchema bool `mapstructure:"init_schema" yaml:"init_schema"`
}

// SetDefaults initializes default values for all configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "droidpilot")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Engine --
	v.SetDefault("engine.mode", "hybrid")
	v.SetDefault("engine.max_steps", 10)
	v.SetDefault("engine.step_timeout", "60s")
	v.SetDefault("engine.retry_count", 3)
	v.SetDefault("engine.stall_threshold", 2)
	v.SetDefault("engine.settle_delay", "2s")
	v.SetDefault("engine.check_interval", 3)
	v.SetDefault("engine.confidence_gate", 0.8)

	// -- Matcher --
	v.SetDefault("matcher.min_area", 100)
	v.SetDefault("matcher.max_area", 500000)
	v.SetDefault("matcher.min_overlap_score", 0.1)
	v.SetDefault("matcher.position_boost_weight", 0.15)
	v.SetDefault("matcher.position_boost_region", 0.4)

	// -- Device --
	v.SetDefault("device.adb_path", "adb")
	v.SetDefault("device.operation_delay", "1s")
	v.SetDefault("device.command_timeout", "30s")
	v.SetDefault("device.resize_ratio", 1.0)
	v.SetDefault("device.screenshots_dir", "screenshots")

	// -- LLM --
	v.SetDefault("llm.provider", "gemini")
	v.SetDefault("llm.model", "gemini-2.5-flash")
	v.SetDefault("llm.api_timeout", "60s")
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.max_tokens", 2048)
	v.SetDefault("llm.requests_per_second", 1.0)

	// -- Report / Store --
	v.SetDefault("report.dir", "reports")
	v.SetDefault("store.enabled", false)
	v.SetDefault("store.init_schema", false)
}

// NewDefaultConfig creates a configuration populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// Cannot happen with defaults only, but fail loudly if it does.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// NewConfigFromViper creates a configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data.
	v.BindEnv("llm.api_key", "DROIDPILOT_LLM_API_KEY")
	v.BindEnv("store.dsn", "DROIDPILOT_STORE_DSN")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = os.Getenv("DROIDPILOT_LLM_API_KEY")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Engine.MaxSteps <= 0 {
		return fmt.Errorf("engine.max_steps must be positive, got %d", c.Engine.MaxSteps)
	}
	if c.Engine.RetryCount <= 0 {
		return fmt.Errorf("engine.retry_count must be positive, got %d", c.Engine.RetryCount)
	}
	if c.Engine.StallThreshold <= 0 {
		return fmt.Errorf("engine.stall_threshold must be positive, got %d", c.Engine.StallThreshold)
	}
	switch c.Engine.Mode {
	case ModeStepDriven, ModeGoalDriven, ModeHybrid:
	default:
		return fmt.Errorf("engine.mode must be one of step|goal|hybrid, got %q", c.Engine.Mode)
	}
	if c.Engine.ConfidenceGate < 0 || c.Engine.ConfidenceGate > 1 {
		return fmt.Errorf("engine.confidence_gate must be within [0,1], got %f", c.Engine.ConfidenceGate)
	}
	if c.Matcher.MinArea < 0 || c.Matcher.MaxArea <= c.Matcher.MinArea {
		return fmt.Errorf("matcher area bounds invalid: min=%d max=%d", c.Matcher.MinArea, c.Matcher.MaxArea)
	}
	if c.Matcher.PositionBoostRegion < 0 || c.Matcher.PositionBoostRegion > 1 {
		return fmt.Errorf("matcher.position_boost_region must be within [0,1], got %f", c.Matcher.PositionBoostRegion)
	}
	if c.Store.Enabled && c.Store.DSN == "" {
		return fmt.Errorf("store.enabled requires store.dsn")
	}
	return nil
}
