// File: internal/agent/prompts.go
package agent

import (
	"fmt"
	"strings"

	"github.com/droidpilot/droidpilot/api/schemas"
)

// actionSystemPrompt frames the decision service as a mobile UI operator and
// pins the response contract for next-action requests.
const actionSystemPrompt = `You are an expert mobile UI test operator. You are shown a screenshot of the current app screen and must decide the single next action that advances the test objective.

Respond with ONLY a JSON object, no prose, no markdown fences:
{
  "action_type": "click" | "input" | "swipe" | "wait" | "back" | "home" | "complete" | "error",
  "target_description": "visible text or concise description of the element to interact with",
  "text": "text to type (input only)",
  "swipe_direction": "up" | "down" | "left" | "right" (swipe only),
  "wait_seconds": 2 (wait only),
  "reasoning": "one sentence explaining the choice"
}

Rules:
- click: target_description must quote the element's visible text when it has any.
- input: include both the field's target_description and the text to type.
- complete: use only when the objective is already achieved on this screen.
- error: use only when the screen shows an unrecoverable failure state.`

// completionSystemPrompt pins the response contract for completion checks.
const completionSystemPrompt = `You are an expert mobile UI test evaluator. You are shown a screenshot and must judge whether the test objective has been achieved.

Respond with ONLY a JSON object, no prose, no markdown fences:
{
  "completed": true | false,
  "success": true | false,
  "confidence": 0.0 to 1.0,
  "achieved_criteria": ["criteria visibly satisfied"],
  "missing_criteria": ["criteria not yet satisfied"],
  "next_suggestion": "what to do next if not completed",
  "reasoning": "one sentence justifying the verdict"
}`

// refinementSystemPrompt asks for a corrected target after an ineffective tap.
const refinementSystemPrompt = `You are an expert mobile UI test operator. A previous tap produced no screen change. Look at the screenshot again and pick a better target for the same intent.

Respond with ONLY a JSON object in the same action format as before, usually a click with a corrected target_description.`

// buildActionPrompt assembles the user prompt for a next-action request.
// stepDescription is empty in goal-driven mode.
func buildActionPrompt(scenario schemas.TestScenario, stepDescription string, stepIndex, totalSteps int, history []schemas.ExecutionAttempt) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Objective: %s\n", scenario.Objective)
	fmt.Fprintf(&b, "App under test: %s\n", scenario.App.Package)

	if stepDescription != "" {
		fmt.Fprintf(&b, "\nCurrent step (%d of %d): %s\n", stepIndex+1, totalSteps, stepDescription)
	} else {
		b.WriteString("\nDecide the next action that moves toward the objective.\n")
	}

	if len(scenario.TestData) > 0 {
		b.WriteString("\nTest data available:\n")
		for k, v := range scenario.TestData {
			fmt.Fprintf(&b, "- %s: %s\n", k, v)
		}
	}

	if summary := summarizeHistory(history, 5); summary != "" {
		b.WriteString("\nRecent actions (most recent last):\n")
		b.WriteString(summary)
		b.WriteString("Do not repeat an action that was already ineffective.\n")
	}

	b.WriteString("\nThe attached image is the current screen. Respond with the action JSON only.")
	return b.String()
}

// buildCompletionPrompt assembles the user prompt for a completion check.
func buildCompletionPrompt(scenario schemas.TestScenario, history []schemas.ExecutionAttempt) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Objective: %s\n", scenario.Objective)
	if scenario.ExpectedResult != "" {
		fmt.Fprintf(&b, "Expected result: %s\n", scenario.ExpectedResult)
	}
	if len(scenario.SuccessCriteria) > 0 {
		b.WriteString("\nSuccess criteria:\n")
		for _, c := range scenario.SuccessCriteria {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}
	if summary := summarizeHistory(history, 8); summary != "" {
		b.WriteString("\nActions performed so far:\n")
		b.WriteString(summary)
	}

	b.WriteString("\nThe attached image is the current screen. Judge completion against the criteria and respond with the verdict JSON only.")
	return b.String()
}

// buildRefinementPrompt assembles the user prompt for the one-shot click
// refinement after a stalled tap.
func buildRefinementPrompt(instr schemas.ActionInstruction) string {
	var b strings.Builder
	fmt.Fprintf(&b, "The tap on %q produced no screen change.\n", instr.TargetDescription)
	if instr.Reasoning != "" {
		fmt.Fprintf(&b, "Original intent: %s\n", instr.Reasoning)
	}
	b.WriteString("The attached image is the current screen. Propose a corrected action for the same intent, JSON only.")
	return b.String()
}

// summarizeHistory renders the last n attempts as one line each.
func summarizeHistory(history []schemas.ExecutionAttempt, n int) string {
	if len(history) == 0 {
		return ""
	}
	start := len(history) - n
	if start < 0 {
		start = 0
	}
	var b strings.Builder
	for _, a := range history[start:] {
		line := string(a.Instruction.Type)
		switch a.Instruction.Type {
		case schemas.ActionClick:
			line = fmt.Sprintf("click %q", a.Instruction.TargetDescription)
		case schemas.ActionInput:
			line = fmt.Sprintf("input %q", a.Instruction.Text)
		case schemas.ActionSwipe:
			line = fmt.Sprintf("swipe %s", a.Instruction.SwipeDirection)
		}
		fmt.Fprintf(&b, "- %s -> %s\n", line, a.Outcome)
	}
	return b.String()
}
