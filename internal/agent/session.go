// File: internal/agent/session.go
package agent

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/droidpilot/droidpilot/api/schemas"
	"github.com/droidpilot/droidpilot/internal/config"
)

// Session orchestrates one scenario from launch to terminal status: the
// perceive-decide-act-verify loop, periodic completion checks, and report
// assembly. A Session runs one scenario and is then discarded.
type Session struct {
	cfg        config.EngineConfig
	client     schemas.DecisionClient
	device     schemas.DeviceController
	executor   *Executor
	evaluator  *Evaluator
	normalizer *Normalizer
	logger     *zap.Logger

	screenW int
	screenH int
}

// NewSession wires a Session from its collaborators. The executor's click
// refinement is routed back through the decision client.
func NewSession(cfg config.EngineConfig, client schemas.DecisionClient, device schemas.DeviceController, logger *zap.Logger) *Session {
	normalizer := NewNormalizer(logger)
	matcher := NewMatcher(config.NewDefaultConfig().Matcher, logger)
	s := &Session{
		cfg:        cfg,
		client:     client,
		device:     device,
		executor:   NewExecutor(cfg, device, matcher, logger),
		evaluator:  NewEvaluator(client, NewNormalizer(logger), logger),
		normalizer: normalizer,
		logger:     logger.Named("session"),
	}
	s.executor.Refine = s.refineInstruction
	return s
}

// NewSessionWithMatcher is NewSession with an explicit matcher configuration.
func NewSessionWithMatcher(cfg config.EngineConfig, matcherCfg config.MatcherConfig, client schemas.DecisionClient, device schemas.DeviceController, logger *zap.Logger) *Session {
	s := NewSession(cfg, client, device, logger)
	s.executor.matcher = NewMatcher(matcherCfg, logger)
	return s
}

// Run executes the scenario to a terminal status. It always returns a report,
// even when the session aborts early.
func (s *Session) Run(ctx context.Context, scenario schemas.TestScenario) *schemas.SessionReport {
	report := &schemas.SessionReport{
		SessionID: uuid.NewString(),
		Scenario:  scenario,
		StartedAt: time.Now().UTC(),
	}
	defer func() { report.FinishedAt = time.Now().UTC() }()

	s.logger.Info("Session starting",
		zap.String("session_id", report.SessionID),
		zap.String("scenario", scenario.Name),
		zap.String("package", scenario.App.Package))

	if info, err := s.device.DeviceInfo(ctx); err == nil {
		report.DeviceInfo = info
		s.screenW = atoiDefault(info["screen_width"], 1080)
		s.screenH = atoiDefault(info["screen_height"], 1920)
	} else {
		s.logger.Warn("Device info unavailable", zap.Error(err))
		s.screenW, s.screenH = 1080, 1920
	}

	if err := s.device.LaunchApp(ctx, scenario.App.Package, scenario.App.Activity); err != nil {
		s.logger.Error("App launch failed", zap.Error(err))
		report.Status = schemas.StatusAborted
		return report
	}
	if err := sleepCtx(ctx, s.cfg.SettleDelay); err != nil {
		report.Status = schemas.StatusAborted
		return report
	}

	mode := s.cfg.Mode
	if mode == config.ModeHybrid && len(scenario.Steps) == 0 {
		mode = config.ModeGoalDriven
	}

	switch mode {
	case config.ModeStepDriven, config.ModeHybrid:
		s.runStepped(ctx, scenario, report, mode == config.ModeHybrid)
	default:
		s.runGoalDriven(ctx, scenario, report)
	}
	s.logger.Info("Session finished",
		zap.String("session_id", report.SessionID),
		zap.String("status", string(report.Status)),
		zap.Int("attempts", len(report.Attempts)))
	return report
}

// runStepped walks the scenario's declared steps in order. A step that
// exhausts its retry budget is recorded as failed and the walk moves on to the
// next step; only transport-fatal device errors end the session mid-walk. In
// hybrid mode a goal-driven continuation follows when the declared steps
// finish without a completion verdict.
func (s *Session) runStepped(ctx context.Context, scenario schemas.TestScenario, report *schemas.SessionReport, continueAsGoal bool) {
	total := len(scenario.Steps)
	stepFailed := false
	for i, stepDesc := range scenario.Steps {
		if ctx.Err() != nil {
			report.Status = schemas.StatusAborted
			return
		}

		instr, err := s.decideAction(ctx, scenario, stepDesc, i, total, report)
		if err != nil {
			var parseErr *ParseError
			if !errors.As(err, &parseErr) {
				report.Status = schemas.StatusAborted
				return
			}
			s.logger.Error("No usable decision for step, recording it as failed",
				zap.Int("step", i), zap.Error(err))
			stepFailed = true
			continue
		}
		done, failed := s.applyInstruction(ctx, scenario, instr, i, report)
		if done {
			return
		}
		if failed {
			stepFailed = true
		}
	}

	if continueAsGoal && report.Status == "" {
		s.runGoalDriven(ctx, scenario, report)
		return
	}
	fallback := schemas.StatusCompleteFailure
	if stepFailed {
		fallback = schemas.StatusStepFailed
	}
	s.finalVerdict(ctx, scenario, report, fallback)
}

// runGoalDriven lets the decision service choose every action until it calls
// completion, the budget runs out, or the session is cancelled. The loop runs
// exactly MaxSteps cycles when nothing terminates it earlier.
func (s *Session) runGoalDriven(ctx context.Context, scenario schemas.TestScenario, report *schemas.SessionReport) {
	for cycle := 0; cycle < s.cfg.MaxSteps; cycle++ {
		if ctx.Err() != nil {
			report.Status = schemas.StatusAborted
			return
		}

		instr, err := s.decideAction(ctx, scenario, "", cycle, s.cfg.MaxSteps, report)
		if err != nil {
			var parseErr *ParseError
			if !errors.As(err, &parseErr) {
				report.Status = schemas.StatusAborted
				return
			}
			// No step pointer here, so an undecidable cycle degrades to a
			// short wait and the budget keeps the loop bounded.
			s.logger.Warn("No usable decision this cycle, waiting before the next", zap.Error(err))
			instr = schemas.ActionInstruction{
				Type:        schemas.ActionWait,
				WaitSeconds: 2,
				Reasoning:   "action response was unusable",
				Degraded:    true,
			}
		}
		if done, _ := s.applyInstruction(ctx, scenario, instr, cycle, report); done {
			return
		}

		// Periodic completion probe, so a quietly-achieved objective ends the
		// session without waiting for the model to say "complete".
		if s.cfg.CheckInterval > 0 && (cycle+1)%s.cfg.CheckInterval == 0 {
			if done := s.checkCompletion(ctx, scenario, report, false); done {
				return
			}
		}
	}
	s.finalVerdict(ctx, scenario, report, schemas.StatusBudgetExhausted)
}

// decideAction runs decision round trips until one normalizes, re-perceiving
// the screen before each. Unusable responses are retried up to the retry
// budget; when every attempt fails the returned error is the last *ParseError.
// Any other error is a transport or screenshot failure.
func (s *Session) decideAction(ctx context.Context, scenario schemas.TestScenario, stepDesc string, stepIndex, total int, report *schemas.SessionReport) (schemas.ActionInstruction, error) {
	budget := s.cfg.RetryCount
	if budget < 1 {
		budget = 1
	}
	var lastErr error
	for attempt := 0; attempt < budget; attempt++ {
		screen, err := s.device.CaptureScreenshot(ctx)
		if err != nil {
			s.logger.Error("Screenshot failed", zap.Error(err))
			return schemas.ActionInstruction{}, err
		}

		raw, err := s.client.Generate(ctx, schemas.GenerationRequest{
			SystemPrompt: actionSystemPrompt,
			UserPrompt:   buildActionPrompt(scenario, stepDesc, stepIndex, total, report.Attempts),
			ImagePath:    screen.Path,
			Options:      schemas.GenerationOptions{ForceJSONFormat: true},
		})
		if err != nil {
			s.logger.Error("Decision request failed", zap.Error(err))
			return schemas.ActionInstruction{}, err
		}

		instr, err := s.normalizer.NormalizeAction(raw)
		if err != nil {
			lastErr = err
			s.logger.Warn("Action response unusable, requesting a fresh decision",
				zap.Int("attempt", attempt+1), zap.Error(err))
			continue
		}
		if instr.Degraded {
			s.logger.Warn("Action recovered on a degraded rung",
				zap.String("action_type", string(instr.Type)),
				zap.String("target", instr.TargetDescription))
		}
		return instr, nil
	}
	return schemas.ActionInstruction{}, lastErr
}

// applyInstruction executes one instruction and folds the result into the
// report. done is true when the session reached a terminal status; failed is
// true when the step's outcome was anything short of SUCCESS. Exhausting the
// retry budget fails the step but not the session; a device transport error
// does end the session, since nothing later can execute either.
func (s *Session) applyInstruction(ctx context.Context, scenario schemas.TestScenario, instr schemas.ActionInstruction, stepIndex int, report *schemas.SessionReport) (done, failed bool) {
	switch instr.Type {
	case schemas.ActionComplete:
		s.logger.Info("Decision service claims completion", zap.Int("step", stepIndex))
		return s.checkCompletion(ctx, scenario, report, true), false
	case schemas.ActionError:
		s.logger.Error("Decision service reported failure state", zap.String("reasoning", instr.Reasoning))
		report.Status = schemas.StatusStepFailed
		return true, true
	}

	result := s.executor.ExecuteStep(ctx, stepIndex, instr, s.screenW, s.screenH)
	report.Attempts = append(report.Attempts, result.Attempts...)

	if !result.Succeeded() {
		if ctx.Err() != nil {
			report.Status = schemas.StatusAborted
			return true, true
		}
		var devErr *DeviceCommandError
		if errors.As(result.Err, &devErr) {
			s.logger.Error("Device command failed, ending session",
				zap.Int("step", stepIndex),
				zap.String("command", devErr.Command),
				zap.Error(devErr.Err))
			report.Status = schemas.StatusStepFailed
			return true, true
		}
		s.logger.Error("Step failed, moving on",
			zap.Int("step", stepIndex),
			zap.String("action_type", string(instr.Type)),
			zap.Error(result.Err))
		return false, true
	}
	return false, false
}

// checkCompletion runs one completion check. The confidence gate applies in
// hybrid mode only; in the other modes a completed verdict terminates
// regardless of confidence. When claimed is true the check came from an
// explicit complete action, so it always ends the session: a verdict that
// does not confirm the claim downgrades it to failure rather than let an
// unconfirmed success stand.
func (s *Session) checkCompletion(ctx context.Context, scenario schemas.TestScenario, report *schemas.SessionReport, claimed bool) bool {
	screen, err := s.device.CaptureScreenshot(ctx)
	if err != nil {
		s.logger.Error("Screenshot failed during completion check", zap.Error(err))
		report.Status = schemas.StatusAborted
		return true
	}
	verdict, err := s.evaluator.Evaluate(ctx, scenario, report.Attempts, screen)
	if err != nil {
		s.logger.Error("Completion check failed", zap.Error(err))
		if claimed {
			report.Status = schemas.StatusAborted
			return true
		}
		return false
	}

	confirmed := verdict.Completed
	if s.cfg.Mode == config.ModeHybrid {
		confirmed = confirmed && verdict.Confidence >= s.cfg.ConfidenceGate
	}
	if confirmed {
		report.Verdict = &verdict
		if verdict.Success {
			report.Status = schemas.StatusCompleteSuccess
		} else {
			report.Status = schemas.StatusCompleteFailure
		}
		return true
	}

	if claimed {
		// The model said complete but the verdict did not confirm it.
		report.Verdict = &verdict
		report.Status = schemas.StatusCompleteFailure
		return true
	}
	return false
}

// finalVerdict runs the closing completion check after the loop ends without
// an explicit terminal event, then settles the status.
func (s *Session) finalVerdict(ctx context.Context, scenario schemas.TestScenario, report *schemas.SessionReport, fallback schemas.SessionStatus) {
	if ctx.Err() != nil {
		report.Status = schemas.StatusAborted
		return
	}
	screen, err := s.device.CaptureScreenshot(ctx)
	if err != nil {
		report.Status = fallback
		return
	}
	verdict, err := s.evaluator.Evaluate(ctx, scenario, report.Attempts, screen)
	if err != nil {
		report.Status = fallback
		return
	}
	report.Verdict = &verdict
	confirmed := verdict.Completed && verdict.Success
	if s.cfg.Mode == config.ModeHybrid {
		confirmed = confirmed && verdict.Confidence >= s.cfg.ConfidenceGate
	}
	if confirmed {
		report.Status = schemas.StatusCompleteSuccess
		return
	}
	report.Status = fallback
}

// refineInstruction gives the decision service one look at the stalled screen
// to correct its own targeting.
func (s *Session) refineInstruction(ctx context.Context, instr schemas.ActionInstruction, capture schemas.ScreenCapture) (schemas.ActionInstruction, bool) {
	raw, err := s.client.Generate(ctx, schemas.GenerationRequest{
		SystemPrompt: refinementSystemPrompt,
		UserPrompt:   buildRefinementPrompt(instr),
		ImagePath:    capture.Path,
		Options:      schemas.GenerationOptions{ForceJSONFormat: true},
	})
	if err != nil {
		return schemas.ActionInstruction{}, false
	}
	refined, err := s.normalizer.NormalizeAction(raw)
	if err != nil || refined.Type != schemas.ActionClick || refined.TargetDescription == "" {
		return schemas.ActionInstruction{}, false
	}
	return refined, true
}

func atoiDefault(s string, def int) int {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
