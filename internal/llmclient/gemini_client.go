// File: internal/llmclient/gemini_client.go
package llmclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/droidpilot/droidpilot/api/schemas"
	"github.com/droidpilot/droidpilot/internal/config"
)

// GeminiClient implements schemas.DecisionClient against the Google Gemini
// API, attaching the screenshot as an inline image part.
type GeminiClient struct {
	apiKey     string
	endpoint   string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
	config     config.LLMConfig
}

// -- Gemini API request/response structures (internal to this file) --

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
	Role  string       `json:"role,omitempty"`
}

type geminiPart struct {
	Text       string          `json:"text,omitempty"`
	InlineData *geminiBlobData `json:"inline_data,omitempty"`
}

type geminiBlobData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type geminiSystemInstruction struct {
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	Temperature      float64 `json:"temperature"`
	ResponseMimeType string  `json:"response_mime_type,omitempty"`
	MaxOutputTokens  int     `json:"maxOutputTokens,omitempty"`
}

type geminiRequestPayload struct {
	Contents          []geminiContent          `json:"contents"`
	SystemInstruction *geminiSystemInstruction `json:"system_instruction,omitempty"`
	GenerationConfig  geminiGenerationConfig   `json:"generationConfig,omitempty"`
}

type geminiResponsePayload struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

// NewGeminiClient initializes the client.
func NewGeminiClient(cfg config.LLMConfig, logger *zap.Logger) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://generativelanguage.googleapis.com/v1beta/models/%s:generateContent", cfg.Model)
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	return &GeminiClient{
		apiKey:   cfg.APIKey,
		endpoint: endpoint,
		config:   cfg,
		limiter:  limiter,
		httpClient: &http.Client{
			Timeout: cfg.APITimeout,
		},
		logger: logger.Named("llm_client.gemini"),
	}, nil
}

// Generate sends the prompt and screenshot to the Gemini API and returns the
// raw response text, retrying transient failures with exponential backoff.
func (c *GeminiClient) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	payload, err := c.buildRequestPayload(req)
	if err != nil {
		return "", err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request payload: %w", err)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 2 * time.Minute
	b.MaxInterval = 30 * time.Second

	var responseContent string

	operation := func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewBuffer(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create HTTP request: %w", err))
		}

		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("x-goog-api-key", c.apiKey)

		startTime := time.Now()
		resp, err := c.httpClient.Do(httpReq)
		duration := time.Since(startTime)

		if err != nil {
			c.logger.Warn("Network error during decision request, retrying...", zap.Error(err))
			return fmt.Errorf("failed to execute HTTP request: %w", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response body: %w", err)
		}

		if resp.StatusCode != http.StatusOK {
			return c.handleAPIError(resp.StatusCode, respBody)
		}

		var responsePayload geminiResponsePayload
		if err := json.Unmarshal(respBody, &responsePayload); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to decode response payload: %w", err))
		}

		if len(responsePayload.Candidates) == 0 {
			return backoff.Permanent(fmt.Errorf("gemini API returned no candidates"))
		}

		candidate := responsePayload.Candidates[0]
		if len(candidate.Content.Parts) == 0 {
			if candidate.FinishReason == "SAFETY" || candidate.FinishReason == "BLOCKLIST" {
				return backoff.Permanent(fmt.Errorf("gemini API blocked the request (Reason: %s)", candidate.FinishReason))
			}
			return fmt.Errorf("gemini API returned empty content parts (Reason: %s)", candidate.FinishReason)
		}

		c.logger.Info("Decision generation complete (Gemini)",
			zap.Duration("duration", duration),
			zap.Int("prompt_tokens", responsePayload.UsageMetadata.PromptTokenCount),
			zap.Int("completion_tokens", responsePayload.UsageMetadata.CandidatesTokenCount),
			zap.Int("total_tokens", responsePayload.UsageMetadata.TotalTokenCount),
		)

		responseContent = candidate.Content.Parts[0].Text
		return nil
	}

	if err = backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return "", err
	}

	return responseContent, nil
}

func (c *GeminiClient) buildRequestPayload(req schemas.GenerationRequest) (geminiRequestPayload, error) {
	genConfig := geminiGenerationConfig{
		Temperature:     float64(req.Options.Temperature),
		MaxOutputTokens: c.config.MaxTokens,
	}
	if genConfig.Temperature == 0 {
		genConfig.Temperature = float64(c.config.Temperature)
	}
	if req.Options.ForceJSONFormat {
		genConfig.ResponseMimeType = "application/json"
	}

	parts := []geminiPart{{Text: req.UserPrompt}}
	if req.ImagePath != "" {
		imgBytes, err := os.ReadFile(req.ImagePath)
		if err != nil {
			return geminiRequestPayload{}, fmt.Errorf("reading screenshot %s: %w", req.ImagePath, err)
		}
		parts = append(parts, geminiPart{
			InlineData: &geminiBlobData{
				MimeType: "image/png",
				Data:     base64.StdEncoding.EncodeToString(imgBytes),
			},
		})
	}

	payload := geminiRequestPayload{
		Contents: []geminiContent{
			{Role: "user", Parts: parts},
		},
		GenerationConfig: genConfig,
	}
	if req.SystemPrompt != "" {
		payload.SystemInstruction = &geminiSystemInstruction{
			Parts: []geminiPart{{Text: req.SystemPrompt}},
		}
	}
	return payload, nil
}

func (c *GeminiClient) handleAPIError(statusCode int, body []byte) error {
	c.logger.Error("Gemini API returned error status", zap.Int("status", statusCode), zap.String("response", string(body)))
	err := fmt.Errorf("gemini API error: status %d, body: %s", statusCode, string(body))

	switch statusCode {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable, http.StatusInternalServerError:
		return err // Transient errors, retry.
	default:
		return backoff.Permanent(err) // Permanent errors.
	}
}
