// File: internal/llmclient/factory.go

// Package llmclient provides clients for the vision-capable decision service.
package llmclient

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/droidpilot/droidpilot/api/schemas"
	"github.com/droidpilot/droidpilot/internal/config"
)

// NewClient is a factory function that creates a DecisionClient based on the
// configuration.
func NewClient(cfg config.LLMConfig, logger *zap.Logger) (schemas.DecisionClient, error) {
	switch cfg.Provider {
	case config.ProviderGemini:
		return NewGeminiClient(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown or unsupported LLM provider configured: '%s'. Supported: [%s]", cfg.Provider, config.ProviderGemini)
	}
}
