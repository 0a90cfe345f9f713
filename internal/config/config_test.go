// File: internal/config/config_test.go
package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.Equal(t, ModeHybrid, cfg.Engine.Mode)
	assert.Equal(t, 10, cfg.Engine.MaxSteps)
	assert.Equal(t, 3, cfg.Engine.RetryCount)
	assert.Equal(t, 2, cfg.Engine.StallThreshold)
	assert.Equal(t, 2*time.Second, cfg.Engine.SettleDelay)
	assert.Equal(t, 0.8, cfg.Engine.ConfidenceGate)
	assert.Equal(t, 100, cfg.Matcher.MinArea)
	assert.Equal(t, ProviderGemini, cfg.LLM.Provider)
	assert.NoError(t, cfg.Validate())
}

func TestNewConfigFromViper_Overrides(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.Set("engine.mode", "goal")
	v.Set("engine.max_steps", 25)
	v.Set("device.serial", "emulator-5554")
	v.Set("llm.api_key", "k")

	cfg, err := NewConfigFromViper(v)

	require.NoError(t, err)
	assert.Equal(t, ModeGoalDriven, cfg.Engine.Mode)
	assert.Equal(t, 25, cfg.Engine.MaxSteps)
	assert.Equal(t, "emulator-5554", cfg.Device.Serial)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"zero max steps", func(c *Config) { c.Engine.MaxSteps = 0 }, "max_steps"},
		{"zero retry count", func(c *Config) { c.Engine.RetryCount = 0 }, "retry_count"},
		{"zero stall threshold", func(c *Config) { c.Engine.StallThreshold = 0 }, "stall_threshold"},
		{"bad mode", func(c *Config) { c.Engine.Mode = "chaotic" }, "engine.mode"},
		{"gate above one", func(c *Config) { c.Engine.ConfidenceGate = 1.5 }, "confidence_gate"},
		{"inverted area bounds", func(c *Config) { c.Matcher.MaxArea = c.Matcher.MinArea }, "area bounds"},
		{"store without dsn", func(c *Config) { c.Store.Enabled = true }, "store.dsn"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}
