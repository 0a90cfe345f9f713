// File: internal/agent/models.go
package agent

import (
	"fmt"

	"github.com/droidpilot/droidpilot/api/schemas"
)

// StepState is one state of the per-step execution machine.
type StepState string

const (
	StateAttempt   StepState = "ATTEMPT"   // Resolve the instruction to a concrete command.
	StateExecute   StepState = "EXECUTE"   // Issue the command and wait for the settle delay.
	StateVerify    StepState = "VERIFY"    // Compare fingerprints and classify the outcome.
	StateSuccess   StepState = "SUCCESS"   // Terminal: the step changed the screen as intended.
	StateRetry     StepState = "RETRY"     // Re-run the same candidate.
	StateAlternate StepState = "ALTERNATE" // Advance to the next-ranked candidate.
	StateFail      StepState = "FAIL"      // Terminal: the step is abandoned.
)

// stepTransitions is the legal transition table of the step machine. Keeping
// it as data makes the retry semantics auditable without reading the loop.
var stepTransitions = map[StepState][]StepState{
	StateAttempt:   {StateExecute, StateFail},
	StateExecute:   {StateVerify, StateFail},
	StateVerify:    {StateSuccess, StateRetry, StateAlternate, StateFail},
	StateRetry:     {StateAttempt},
	StateAlternate: {StateAttempt},
}

// canTransition reports whether moving from one step state to another is legal.
func canTransition(from, to StepState) bool {
	for _, next := range stepTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// MatchCandidate is a scored hypothesis that an element matches a target
// description. Candidate slices are transient, scoped to a single step.
type MatchCandidate struct {
	Element schemas.UIElement

	// OverlapScore is the IDF-weighted token overlap (stage 2).
	OverlapScore float64
	// PositionScore is the bounded upper-screen boost (stage 3).
	PositionScore float64
	// Score is the composite used for ranking (stage 4).
	Score float64

	// Exact marks a stage-1 fast-path match.
	Exact bool
}

// targetSignature keys the consecutive-ineffective counter. Two attempts at
// the same described target against the same element count as the same stall.
func targetSignature(instr schemas.ActionInstruction, el *schemas.UIElement) string {
	if el == nil {
		return fmt.Sprintf("%s|%s", instr.Type, instr.TargetDescription)
	}
	cx, cy := el.Bounds.Center()
	return fmt.Sprintf("%s|%s|%d,%d", instr.Type, instr.TargetDescription, cx, cy)
}

// StepResult summarizes one finished step for the orchestrator.
type StepResult struct {
	State    StepState
	Attempts []schemas.ExecutionAttempt
	Err      error
}

// Succeeded reports whether the step reached its terminal SUCCESS state.
func (r StepResult) Succeeded() bool { return r.State == StateSuccess }
