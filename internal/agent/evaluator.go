// File: internal/agent/evaluator.go
package agent

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/droidpilot/droidpilot/api/schemas"
)

// Evaluator judges whether the session objective has been achieved. It owns
// the decision round trip and the verdict normalization; the orchestrator
// only sees a canonical CompletionVerdict.
type Evaluator struct {
	client     schemas.DecisionClient
	normalizer *Normalizer
	logger     *zap.Logger
}

// NewEvaluator creates an Evaluator.
func NewEvaluator(client schemas.DecisionClient, normalizer *Normalizer, logger *zap.Logger) *Evaluator {
	return &Evaluator{client: client, normalizer: normalizer, logger: logger.Named("evaluator")}
}

// Evaluate runs one completion check against the current screen. An unusable
// response never fails the session: it degrades to a not-completed verdict
// with zero confidence so the loop keeps running. Transport errors are
// returned to the caller, who decides whether the session can continue.
func (ev *Evaluator) Evaluate(ctx context.Context, scenario schemas.TestScenario, history []schemas.ExecutionAttempt, screen schemas.ScreenCapture) (schemas.CompletionVerdict, error) {
	raw, err := ev.client.Generate(ctx, schemas.GenerationRequest{
		SystemPrompt: completionSystemPrompt,
		UserPrompt:   buildCompletionPrompt(scenario, history),
		ImagePath:    screen.Path,
		Options:      schemas.GenerationOptions{ForceJSONFormat: true},
	})
	if err != nil {
		return schemas.CompletionVerdict{}, err
	}

	verdict, err := ev.normalizer.NormalizeVerdict(raw)
	if err != nil {
		var parseErr *ParseError
		if errors.As(err, &parseErr) {
			ev.logger.Warn("Completion response unusable, treating as not completed",
				zap.Int("raw_bytes", len(parseErr.Raw)))
			return schemas.CompletionVerdict{
				Completed:  false,
				Success:    false,
				Confidence: 0.0,
				Reasoning:  "completion response was unusable",
				Degraded:   true,
			}, nil
		}
		return schemas.CompletionVerdict{}, err
	}

	ev.logger.Info("Completion verdict",
		zap.Bool("completed", verdict.Completed),
		zap.Bool("success", verdict.Success),
		zap.Float64("confidence", verdict.Confidence),
		zap.Bool("degraded", verdict.Degraded))
	return verdict, nil
}
