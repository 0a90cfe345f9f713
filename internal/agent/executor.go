// File: internal/agent/executor.go
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/droidpilot/droidpilot/api/schemas"
	"github.com/droidpilot/droidpilot/internal/config"
)

// RefineFunc asks the decision service for a corrected instruction after an
// ineffective attempt. The bool reports whether a usable refinement came back.
type RefineFunc func(ctx context.Context, instr schemas.ActionInstruction, capture schemas.ScreenCapture) (schemas.ActionInstruction, bool)

// Executor drives a single step through its attempt machine: resolve the
// instruction, issue the device command, verify the screen actually changed,
// and retry or pivot to an alternative element until the budget runs out.
//
// One Executor serves one session; it is not safe for concurrent use.
type Executor struct {
	cfg     config.EngineConfig
	device  schemas.DeviceController
	matcher *Matcher
	logger  *zap.Logger

	// Refine, when set, is consulted at most once per step after the first
	// ineffective click, giving the decision service one shot at correcting
	// its own targeting before the alternative-element heuristics take over.
	Refine RefineFunc
}

// NewExecutor creates an Executor bound to a device transport.
func NewExecutor(cfg config.EngineConfig, device schemas.DeviceController, matcher *Matcher, logger *zap.Logger) *Executor {
	return &Executor{cfg: cfg, device: device, matcher: matcher, logger: logger.Named("executor")}
}

// ExecuteStep runs one instruction to a terminal state. Every attempt is
// recorded in the result regardless of outcome. The attempt count across
// retries and alternates never exceeds the configured retry budget.
func (e *Executor) ExecuteStep(ctx context.Context, stepIndex int, instr schemas.ActionInstruction, screenW, screenH int) StepResult {
	if e.cfg.StepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.StepTimeout)
		defer cancel()
	}

	switch instr.Type {
	case schemas.ActionComplete:
		return StepResult{State: StateSuccess}
	case schemas.ActionError:
		return StepResult{State: StateFail, Err: fmt.Errorf("decision service reported an error state: %s", instr.Reasoning)}
	}

	result := StepResult{State: StateAttempt}
	stalls := make(map[string]int)
	excluded := make(map[string]bool)
	refined := false

	budget := e.cfg.RetryCount
	if budget < 1 {
		budget = 1
	}

	for attemptIdx := 0; attemptIdx < budget; attemptIdx++ {
		attempt, next, attemptErr := e.runAttempt(ctx, stepIndex, attemptIdx, instr, excluded, stalls, screenW, screenH)
		result.Attempts = append(result.Attempts, attempt)

		if !canTransition(StateVerify, next) && next != StateFail {
			// The attempt loop only ever proposes VERIFY-legal successors, so
			// an illegal state is a programming error.
			e.logger.Error("Illegal step transition proposed", zap.String("to", string(next)))
			next = StateFail
		}

		switch next {
		case StateSuccess:
			result.State = StateSuccess
			return result
		case StateFail:
			result.State = StateFail
			result.Err = attemptErr
			return result
		case StateRetry:
			// Before burning another attempt on the same target, offer the
			// decision service one refinement round trip.
			if !refined && e.Refine != nil && instr.Type == schemas.ActionClick {
				refined = true
				if post, err := e.device.CaptureScreenshot(ctx); err == nil {
					if better, ok := e.Refine(ctx, instr, post); ok {
						e.logger.Info("Applying refined instruction",
							zap.String("was", instr.TargetDescription),
							zap.String("now", better.TargetDescription))
						instr = better
					}
				}
			}
		case StateAlternate:
			// The stalled element is done; exclude it so the next attempt
			// ranks the remaining candidates.
			if attempt.Resolved != nil {
				excluded[elementKey(*attempt.Resolved)] = true
			}
		}

		if err := ctx.Err(); err != nil {
			result.State = StateFail
			result.Err = fmt.Errorf("step timed out: %w", err)
			return result
		}
	}

	result.State = StateFail
	if result.Err == nil {
		result.Err = &StallError{
			TargetSignature: targetSignature(instr, nil),
			Attempts:        len(result.Attempts),
		}
	}
	return result
}

// runAttempt performs one ATTEMPT, EXECUTE, VERIFY pass and proposes the next
// state (SUCCESS, RETRY, ALTERNATE, or FAIL). The error is non-nil only for
// FAIL transitions.
func (e *Executor) runAttempt(ctx context.Context, stepIndex, attemptIdx int, instr schemas.ActionInstruction, excluded map[string]bool, stalls map[string]int, screenW, screenH int) (schemas.ExecutionAttempt, StepState, error) {
	attempt := schemas.ExecutionAttempt{
		ID:           uuid.NewString(),
		StepIndex:    stepIndex,
		AttemptIndex: attemptIdx,
		Instruction:  instr,
		Timestamp:    time.Now().UTC(),
	}

	pre, err := e.device.CaptureScreenshot(ctx)
	if err != nil {
		return e.deviceFailure(attempt, "screencap", err)
	}
	attempt.PreFingerprint = pre.Fingerprint

	// ATTEMPT: resolve the instruction to a concrete device command.
	var resolved *schemas.UIElement
	if instr.Type == schemas.ActionClick || (instr.Type == schemas.ActionInput && instr.TargetDescription != "") {
		elements, err := e.device.DumpHierarchy(ctx)
		if err != nil {
			return e.deviceFailure(attempt, "uiautomator dump", err)
		}
		resolved = e.resolveTarget(instr, elements, excluded, screenH)
		if resolved == nil && instr.Type == schemas.ActionClick {
			attempt.Outcome = schemas.OutcomeFailed
			attempt.RetryReason = string(ErrCodeNoMatch)
			attempt.Error = (&NoMatchError{TargetDescription: instr.TargetDescription, Considered: len(elements)}).Error()
			// A fresh perception cycle may surface the element.
			return attempt, StateRetry, nil
		}
		attempt.Resolved = resolved
	}

	// EXECUTE.
	if err := e.execute(ctx, &attempt, instr, resolved, attemptIdx, screenW, screenH); err != nil {
		attempt.Outcome = schemas.OutcomeFailed
		attempt.Error = err.Error()
		var devErr *DeviceCommandError
		if errors.As(err, &devErr) {
			attempt.RetryReason = string(ErrCodeDeviceCommand)
		}
		return attempt, StateFail, err
	}

	// VERIFY: let the UI settle, then compare fingerprints. Input and the
	// navigation keys are verified optimistically; only click and swipe are
	// held to the screen-change test.
	if err := sleepCtx(ctx, e.cfg.SettleDelay); err != nil {
		attempt.Outcome = schemas.OutcomeFailed
		attempt.Error = err.Error()
		return attempt, StateFail, err
	}
	post, err := e.device.CaptureScreenshot(ctx)
	if err != nil {
		return e.deviceFailure(attempt, "screencap", err)
	}
	attempt.PostFingerprint = post.Fingerprint

	needsChange := instr.Type == schemas.ActionClick || instr.Type == schemas.ActionSwipe
	if needsChange && post.Fingerprint == pre.Fingerprint {
		attempt.Outcome = schemas.OutcomeIneffective
		sig := targetSignature(instr, resolved)
		stalls[sig]++
		if stalls[sig] >= e.cfg.StallThreshold {
			attempt.RetryReason = string(ErrCodeStallLimit)
			e.logger.Warn("Target stalled, pivoting to alternative element",
				zap.String("signature", sig),
				zap.Int("consecutive", stalls[sig]))
			return attempt, StateAlternate, nil
		}
		attempt.RetryReason = "screen unchanged"
		return attempt, StateRetry, nil
	}

	attempt.Outcome = schemas.OutcomeSuccess
	return attempt, StateSuccess, nil
}

// execute issues the concrete device command for an instruction.
func (e *Executor) execute(ctx context.Context, attempt *schemas.ExecutionAttempt, instr schemas.ActionInstruction, resolved *schemas.UIElement, attemptIdx, screenW, screenH int) error {
	switch instr.Type {
	case schemas.ActionClick:
		tap := jitteredTap(resolved.Bounds, attemptIdx)
		attempt.Tap = &tap
		if err := e.device.Click(ctx, tap.X, tap.Y); err != nil {
			return wrapDevice("input tap", err)
		}
	case schemas.ActionInput:
		if resolved != nil {
			cx, cy := resolved.Bounds.Center()
			tap := schemas.Point{X: cx, Y: cy}
			attempt.Tap = &tap
			if err := e.device.Click(ctx, cx, cy); err != nil {
				return wrapDevice("input tap", err)
			}
			if err := sleepCtx(ctx, 500*time.Millisecond); err != nil {
				return err
			}
		}
		if err := e.device.InputText(ctx, instr.Text); err != nil {
			return wrapDevice("input text", err)
		}
	case schemas.ActionSwipe:
		from, to := swipeEndpoints(instr, screenW, screenH)
		if err := e.device.Swipe(ctx, from.X, from.Y, to.X, to.Y); err != nil {
			return wrapDevice("input swipe", err)
		}
	case schemas.ActionWait:
		return sleepCtx(ctx, time.Duration(instr.WaitSeconds)*time.Second)
	case schemas.ActionBack:
		if err := e.device.PressBack(ctx); err != nil {
			return wrapDevice("keyevent back", err)
		}
	case schemas.ActionHome:
		if err := e.device.PressHome(ctx); err != nil {
			return wrapDevice("keyevent home", err)
		}
	default:
		return fmt.Errorf("unexecutable action type %q", instr.Type)
	}
	return nil
}

// resolveTarget ranks the hierarchy against the target, skipping elements
// already exhausted by the stall counter. When ranking comes up empty after
// exclusions, the alternative-element heuristic takes over.
func (e *Executor) resolveTarget(instr schemas.ActionInstruction, elements []schemas.UIElement, excluded map[string]bool, screenH int) *schemas.UIElement {
	for _, c := range e.matcher.Rank(instr.TargetDescription, elements, screenH) {
		if !excluded[elementKey(c.Element)] {
			el := c.Element
			return &el
		}
	}
	if len(excluded) == 0 {
		return nil
	}
	return pickAlternative(instr.TargetDescription, elements, excluded, screenH)
}

func (e *Executor) deviceFailure(attempt schemas.ExecutionAttempt, command string, err error) (schemas.ExecutionAttempt, StepState, error) {
	wrapped := wrapDevice(command, err)
	attempt.Outcome = schemas.OutcomeFailed
	attempt.RetryReason = string(ErrCodeDeviceCommand)
	attempt.Error = wrapped.Error()
	return attempt, StateFail, wrapped
}

func wrapDevice(command string, err error) error {
	var devErr *DeviceCommandError
	if errors.As(err, &devErr) {
		return err
	}
	return &DeviceCommandError{Command: command, Err: err}
}

// jitteredTap returns the tap point for an attempt. The first attempt taps the
// exact center; later attempts walk a fixed offset pattern within the central
// quarter of the element, so retries probe nearby pixels without losing
// reproducibility.
func jitteredTap(b schemas.Rect, attemptIdx int) schemas.Point {
	cx, cy := b.Center()
	if attemptIdx == 0 {
		return schemas.Point{X: cx, Y: cy}
	}
	offsets := [3]int{0, 1, -1}
	dx := offsets[attemptIdx%3] * b.Width() / 8
	dy := offsets[(attemptIdx/3)%3] * b.Height() / 8
	return schemas.Point{X: cx + dx, Y: cy + dy}
}

// swipeEndpoints derives concrete endpoints. Explicit coordinates win; a bare
// direction swipes through the middle of the screen.
func swipeEndpoints(instr schemas.ActionInstruction, screenW, screenH int) (schemas.Point, schemas.Point) {
	zero := schemas.Point{}
	if instr.SwipeFrom != zero || instr.SwipeTo != zero {
		return instr.SwipeFrom, instr.SwipeTo
	}
	cx, cy := screenW/2, screenH/2
	span := screenH / 4
	switch instr.SwipeDirection {
	case "down":
		return schemas.Point{X: cx, Y: cy - span}, schemas.Point{X: cx, Y: cy + span}
	case "left":
		return schemas.Point{X: cx + screenW/4, Y: cy}, schemas.Point{X: cx - screenW/4, Y: cy}
	case "right":
		return schemas.Point{X: cx - screenW/4, Y: cy}, schemas.Point{X: cx + screenW/4, Y: cy}
	default: // "up" and unspecified both scroll content upward
		return schemas.Point{X: cx, Y: cy + span}, schemas.Point{X: cx, Y: cy - span}
	}
}

// pickAlternative scores elements for the stall pivot: shared tokens with the
// original target, upper-screen placement, and control-sized bounds all count
// in favor. Returns nil when nothing interactable remains.
func pickAlternative(target string, elements []schemas.UIElement, excluded map[string]bool, screenH int) *schemas.UIElement {
	targetTokens := tokenize(normalizeText(target))
	tokenSet := make(map[string]bool, len(targetTokens))
	for _, t := range targetTokens {
		tokenSet[t] = true
	}

	var best *schemas.UIElement
	bestScore := 0.0
	for i := range elements {
		el := elements[i]
		if !el.Interactable || excluded[elementKey(el)] || el.Bounds.Area() == 0 {
			continue
		}
		score := 0.0
		for _, t := range tokenize(normalizeText(el.Text)) {
			if tokenSet[t] {
				score += 2
				break
			}
		}
		if screenH > 0 {
			if _, cy := el.Bounds.Center(); cy < screenH/2 {
				score += 1
			}
		}
		if area := el.Bounds.Area(); area >= 2000 && area <= 100000 {
			score += 0.5
		}
		if score > bestScore {
			bestScore = score
			best = &elements[i]
		}
	}
	return best
}

// elementKey identifies an element across perception cycles, where node IDs
// are not stable but text and geometry usually are.
func elementKey(el schemas.UIElement) string {
	return fmt.Sprintf("%s|%d,%d,%d,%d", el.Text, el.Bounds.X1, el.Bounds.Y1, el.Bounds.X2, el.Bounds.Y2)
}

// sleepCtx sleeps for d or until the context is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
