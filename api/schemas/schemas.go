// File: api/schemas/schemas.go
package schemas

import (
	"time"
)

// TestScenario describes one test to run against a mobile application. It is
// loaded once from a scenario file and never mutated afterwards.
type TestScenario struct {
	ID        string  `json:"id,omitempty" yaml:"id,omitempty"`
	Name      string  `json:"name" yaml:"name"`
	App       AppInfo `json:"app" yaml:"app"`
	Objective string  `json:"objective" yaml:"objective"`

	// Steps is an optional ordered list of natural-language step descriptions.
	// When present the session runs step-driven; when empty it is goal-driven.
	Steps []string `json:"steps,omitempty" yaml:"steps,omitempty"`

	// TestData maps named values referenced by the steps, e.g. text to type
	// into a search field.
	TestData map[string]string `json:"test_data,omitempty" yaml:"test_data,omitempty"`

	SuccessCriteria []string `json:"success_criteria,omitempty" yaml:"success_criteria,omitempty"`
	ExpectedResult  string   `json:"expected_result,omitempty" yaml:"expected_result,omitempty"`
}

// AppInfo identifies the application under test.
type AppInfo struct {
	Name     string `json:"name,omitempty" yaml:"name,omitempty"`
	Package  string `json:"package" yaml:"package"`
	Activity string `json:"activity" yaml:"activity"`
}

// Rect is a bounding rectangle in device pixel coordinates.
type Rect struct {
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
	X2 int `json:"x2"`
	Y2 int `json:"y2"`
}

// Width returns the horizontal extent, never negative.
func (r Rect) Width() int {
	if r.X2 < r.X1 {
		return 0
	}
	return r.X2 - r.X1
}

// Height returns the vertical extent, never negative.
func (r Rect) Height() int {
	if r.Y2 < r.Y1 {
		return 0
	}
	return r.Y2 - r.Y1
}

// Area returns the rectangle size in square pixels.
func (r Rect) Area() int { return r.Width() * r.Height() }

// Center returns the midpoint of the rectangle.
func (r Rect) Center() (int, int) {
	return (r.X1 + r.X2) / 2, (r.Y1 + r.Y2) / 2
}

// UIElement is one node extracted from a UI-hierarchy dump. Elements are
// produced fresh on every perception cycle and never mutated, only replaced.
type UIElement struct {
	ID           string `json:"id,omitempty"`
	Bounds       Rect   `json:"bounds"`
	Text         string `json:"text"`
	Class        string `json:"class,omitempty"`
	Interactable bool   `json:"interactable"`
}

// ActionType enumerates the actions the decision service may propose.
type ActionType string

const (
	ActionClick    ActionType = "click"
	ActionInput    ActionType = "input"
	ActionSwipe    ActionType = "swipe"
	ActionWait     ActionType = "wait"
	ActionBack     ActionType = "back"
	ActionHome     ActionType = "home"
	ActionComplete ActionType = "complete"
	ActionError    ActionType = "error"
)

// Point is a device pixel coordinate.
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// ActionInstruction is the canonical, normalized form of one decision-service
// response. Immutable once produced by the normalizer.
type ActionInstruction struct {
	Type ActionType `json:"action_type"`

	// TargetDescription is the natural-language description of the element to
	// interact with. Populated for click actions only.
	TargetDescription string `json:"target_description,omitempty"`

	// Text is the payload for input actions.
	Text string `json:"text,omitempty"`

	// SwipeFrom and SwipeTo are the endpoints for swipe actions. When the
	// decision service answers with a direction instead, SwipeDirection is
	// set and the endpoints are derived from the screen size at execution.
	SwipeFrom      Point  `json:"swipe_from,omitempty"`
	SwipeTo        Point  `json:"swipe_to,omitempty"`
	SwipeDirection string `json:"swipe_direction,omitempty"`

	// WaitSeconds applies to wait actions.
	WaitSeconds int `json:"wait_seconds,omitempty"`

	Reasoning string `json:"reasoning,omitempty"`

	// Degraded marks instructions recovered below the strict rungs of the
	// parse ladder (repaired JSON or keyword heuristics).
	Degraded bool `json:"degraded,omitempty"`
}

// AttemptOutcome classifies the verified result of a single execution attempt.
type AttemptOutcome string

const (
	OutcomeSuccess     AttemptOutcome = "SUCCESS"
	OutcomeIneffective AttemptOutcome = "INEFFECTIVE"
	OutcomeFailed      AttemptOutcome = "FAILED"
)

// ExecutionAttempt records one attempt at executing an instruction. Appended
// to session history and never mutated; corrections are new attempts.
type ExecutionAttempt struct {
	ID           string            `json:"id"`
	StepIndex    int               `json:"step_index"`
	AttemptIndex int               `json:"attempt_index"`
	Instruction  ActionInstruction `json:"instruction"`

	// Resolved describes the concrete element a click was resolved to, when
	// the instruction required element matching.
	Resolved *UIElement `json:"resolved,omitempty"`
	Tap      *Point     `json:"tap,omitempty"`

	PreFingerprint  string `json:"pre_fingerprint,omitempty"`
	PostFingerprint string `json:"post_fingerprint,omitempty"`

	Outcome     AttemptOutcome `json:"outcome"`
	RetryReason string         `json:"retry_reason,omitempty"`
	Error       string         `json:"error,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// CompletionVerdict is the evaluator's judgment of the session objective.
type CompletionVerdict struct {
	Completed  bool    `json:"completed"`
	Success    bool    `json:"success"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning,omitempty"`

	AchievedCriteria []string `json:"achieved_criteria,omitempty"`
	MissingCriteria  []string `json:"missing_criteria,omitempty"`
	NextSuggestion   string   `json:"next_suggestion,omitempty"`

	// Degraded marks verdicts recovered below the strict parse rungs.
	Degraded bool `json:"degraded,omitempty"`
}

// SessionStatus is the terminal disposition of a whole session.
type SessionStatus string

const (
	StatusCompleteSuccess SessionStatus = "COMPLETE_SUCCESS"
	StatusCompleteFailure SessionStatus = "COMPLETE_FAILURE"
	StatusStepFailed      SessionStatus = "STEP_FAILED"
	StatusBudgetExhausted SessionStatus = "BUDGET_EXHAUSTED"
	StatusAborted         SessionStatus = "ABORTED"
)

// SessionReport is the full artifact of a finished session, consumed by the
// report writer and the run store.
type SessionReport struct {
	SessionID  string             `json:"session_id"`
	Scenario   TestScenario       `json:"scenario"`
	Status     SessionStatus      `json:"status"`
	Verdict    *CompletionVerdict `json:"verdict,omitempty"`
	Attempts   []ExecutionAttempt `json:"attempts"`
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt time.Time          `json:"finished_at"`
	DeviceInfo map[string]string  `json:"device_info,omitempty"`
}

// ScreenCapture is the result of one screenshot round trip: where the image
// landed on disk and a content-derived fingerprint used for change detection.
type ScreenCapture struct {
	Path        string    `json:"path"`
	Fingerprint string    `json:"fingerprint"`
	TakenAt     time.Time `json:"taken_at"`
}

// GenerationOptions tunes a single decision-service request.
type GenerationOptions struct {
	Temperature     float32
	ForceJSONFormat bool
}

// GenerationRequest is one round trip to the decision service. ImagePath, when
// set, attaches the screenshot to the prompt.
type GenerationRequest struct {
	SystemPrompt string
	UserPrompt   string
	ImagePath    string
	Options      GenerationOptions
}
