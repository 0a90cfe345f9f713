// File: internal/agent/normalizer.go
package agent

import (
	"fmt"
	"math"
	"regexp"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/kaptinlin/jsonrepair"
	"go.uber.org/zap"

	"github.com/droidpilot/droidpilot/api/schemas"
)

// ladderRung identifies which parsing strategy recovered a response. Lower
// rungs are stricter; anything below rungExtracted marks the result degraded.
type ladderRung int

const (
	rungStrict ladderRung = iota + 1
	rungExtracted
	rungRepaired
	rungKeyword
)

func (r ladderRung) degraded() bool { return r >= rungRepaired }

// jsonBlockRegex extracts a JSON object from a markdown code block.
var jsonBlockRegex = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")

// Normalizer turns raw decision-service text into canonical structured
// results. It never panics or raises past its boundary: every input resolves
// to a result or a typed *ParseError.
//
// The same ladder serves both schemas; only the field normalization differs.
type Normalizer struct {
	logger *zap.Logger
}

// NewNormalizer creates a Normalizer.
func NewNormalizer(logger *zap.Logger) *Normalizer {
	return &Normalizer{logger: logger.Named("normalizer")}
}

// NormalizeAction parses a next-action response. On total ladder failure it
// returns a *ParseError carrying the raw text.
func (n *Normalizer) NormalizeAction(raw string) (schemas.ActionInstruction, error) {
	obj, rung, ok := n.climb(raw)
	if ok {
		instr := n.actionFromObject(obj)
		instr.Degraded = rung.degraded()
		return instr, nil
	}

	if instr, ok := n.actionFromKeywords(raw); ok {
		return instr, nil
	}
	return schemas.ActionInstruction{}, &ParseError{Schema: "action", Raw: raw}
}

// NormalizeVerdict parses a completion-check response. On total ladder failure
// it returns a *ParseError; the evaluator maps that to a zero-confidence
// verdict.
func (n *Normalizer) NormalizeVerdict(raw string) (schemas.CompletionVerdict, error) {
	obj, rung, ok := n.climb(raw)
	if ok {
		v := n.verdictFromObject(obj)
		v.Degraded = rung.degraded()
		return v, nil
	}

	if v, ok := n.verdictFromKeywords(raw); ok {
		return v, nil
	}
	return schemas.CompletionVerdict{}, &ParseError{Schema: "completion", Raw: raw}
}

// climb runs the structured rungs of the ladder: strict parse, balanced-brace
// extraction, then mechanical JSON repair. The keyword rung is schema-specific
// and handled by the callers.
func (n *Normalizer) climb(raw string) (map[string]interface{}, ladderRung, bool) {
	cleaned := stripCodeFences(raw)

	var obj map[string]interface{}
	if err := jsoniter.Unmarshal([]byte(cleaned), &obj); err == nil && obj != nil {
		return obj, rungStrict, true
	}

	candidate, found := extractBalancedObject(cleaned)
	if !found {
		return nil, 0, false
	}

	obj = nil
	if err := jsoniter.Unmarshal([]byte(candidate), &obj); err == nil && obj != nil {
		return obj, rungExtracted, true
	}

	// The substring looked like JSON but did not parse. Let the repair
	// library fix quoting, trailing commas and friends; success here still
	// counts as degraded.
	repaired, err := jsonrepair.JSONRepair(candidate)
	if err != nil {
		n.logger.Debug("JSON repair failed", zap.Error(err))
		return nil, 0, false
	}
	obj = nil
	if err := jsoniter.Unmarshal([]byte(repaired), &obj); err == nil && obj != nil {
		n.logger.Debug("Recovered response via JSON repair")
		return obj, rungRepaired, true
	}
	return nil, 0, false
}

// stripCodeFences removes a surrounding markdown code block, if any.
func stripCodeFences(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if matches := jsonBlockRegex.FindStringSubmatch(trimmed); len(matches) > 1 {
		return strings.TrimSpace(matches[1])
	}
	return trimmed
}

// extractBalancedObject returns the first balanced-brace substring of text.
// Brace counting skips string literals so embedded "}" characters do not cut
// the object short.
func extractBalancedObject(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	if start == -1 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}

// -- Action schema normalization --

// knownActionTypes is the canonical action vocabulary.
var knownActionTypes = map[schemas.ActionType]bool{
	schemas.ActionClick:    true,
	schemas.ActionInput:    true,
	schemas.ActionSwipe:    true,
	schemas.ActionWait:     true,
	schemas.ActionBack:     true,
	schemas.ActionHome:     true,
	schemas.ActionComplete: true,
	schemas.ActionError:    true,
}

// actionFromObject maps a parsed object onto the canonical instruction,
// resolving legacy key aliases first.
func (n *Normalizer) actionFromObject(obj map[string]interface{}) schemas.ActionInstruction {
	instr := schemas.ActionInstruction{
		Type:              schemas.ActionType(strings.ToLower(firstString(obj, "action_type", "action", "type"))),
		TargetDescription: firstString(obj, "target_description", "description", "target"),
		Text:              firstString(obj, "text", "input_text", "value"),
		SwipeDirection:    strings.ToLower(firstString(obj, "swipe_direction", "direction")),
		Reasoning:         firstString(obj, "reasoning", "rationale"),
		WaitSeconds:       firstInt(obj, "wait_seconds", "wait_time"),
	}

	if coords := firstNumberSlice(obj, "coordinates", "coords"); len(coords) >= 4 {
		instr.SwipeFrom = schemas.Point{X: coords[0], Y: coords[1]}
		instr.SwipeTo = schemas.Point{X: coords[2], Y: coords[3]}
	}
	if from := pointFromObject(obj, "swipe_from", "from"); from != nil {
		instr.SwipeFrom = *from
	}
	if to := pointFromObject(obj, "swipe_to", "to"); to != nil {
		instr.SwipeTo = *to
	}

	// Unknown action types are coerced to error, keeping the offending value
	// visible for diagnostics.
	if !knownActionTypes[instr.Type] {
		offending := instr.Type
		instr.Type = schemas.ActionError
		instr.Reasoning = strings.TrimSpace(fmt.Sprintf("unrecognized action_type %q. %s", offending, instr.Reasoning))
	}

	// An input with no payload cannot be executed; degrade it to a short wait
	// so the next decision cycle can correct course.
	if instr.Type == schemas.ActionInput && instr.Text == "" {
		instr.Type = schemas.ActionWait
		instr.WaitSeconds = 2
		instr.Reasoning = strings.TrimSpace("input action arrived without text payload. " + instr.Reasoning)
	}

	if instr.Type == schemas.ActionWait && instr.WaitSeconds <= 0 {
		instr.WaitSeconds = 2
	}
	return instr
}

// actionFromKeywords is the last informative rung: infer the action type from
// keywords in the raw text. The result is always degraded.
func (n *Normalizer) actionFromKeywords(raw string) (schemas.ActionInstruction, bool) {
	lower := strings.ToLower(raw)

	instr := schemas.ActionInstruction{
		Degraded:  true,
		Reasoning: "inferred from keywords; response had no parseable structure",
	}
	switch {
	case strings.Contains(lower, "click") || strings.Contains(lower, "tap"):
		instr.Type = schemas.ActionClick
		instr.TargetDescription = guessTargetDescription(raw)
	case strings.Contains(lower, "input") || strings.Contains(lower, "type"):
		// A keyword-recovered input has no usable payload; wait instead.
		instr.Type = schemas.ActionWait
		instr.WaitSeconds = 2
	case strings.Contains(lower, "swipe") || strings.Contains(lower, "scroll"):
		instr.Type = schemas.ActionSwipe
		instr.SwipeDirection = "up"
	case strings.Contains(lower, "back"):
		instr.Type = schemas.ActionBack
	case strings.Contains(lower, "home"):
		instr.Type = schemas.ActionHome
	case strings.Contains(lower, "complete") || strings.Contains(lower, "finish") || strings.Contains(lower, "done"):
		instr.Type = schemas.ActionComplete
	case strings.Contains(lower, "error") || strings.Contains(lower, "fail"):
		instr.Type = schemas.ActionError
	default:
		return schemas.ActionInstruction{}, false
	}
	return instr, true
}

// quotedRegex finds the first quoted fragment, a weak hint at the intended
// click target in free prose.
var quotedRegex = regexp.MustCompile(`"([^"]{1,80})"|'([^']{1,80})'`)

func guessTargetDescription(raw string) string {
	if m := quotedRegex.FindStringSubmatch(raw); m != nil {
		if m[1] != "" {
			return m[1]
		}
		return m[2]
	}
	return ""
}

// -- Completion schema normalization --

// verdictFromObject maps a parsed object onto a verdict. The model-provided
// confidence is used verbatim, clamped to [0,1]; it is advisory and never
// recomputed.
func (n *Normalizer) verdictFromObject(obj map[string]interface{}) schemas.CompletionVerdict {
	return schemas.CompletionVerdict{
		Completed:        firstBool(obj, "completed", "is_completed", "done"),
		Success:          firstBool(obj, "success", "passed"),
		Confidence:       clamp01(firstFloat(obj, "confidence", "score")),
		Reasoning:        firstString(obj, "reasoning", "rationale", "analysis"),
		AchievedCriteria: firstStringSlice(obj, "achieved_criteria", "achieved"),
		MissingCriteria:  firstStringSlice(obj, "missing_criteria", "unachieved_criteria", "missing"),
		NextSuggestion:   firstString(obj, "next_suggestion", "suggestion"),
	}
}

// verdictFromKeywords infers completion from keywords. Confidence is fixed at
// 0.5 on this rung.
func (n *Normalizer) verdictFromKeywords(raw string) (schemas.CompletionVerdict, bool) {
	lower := strings.ToLower(raw)
	if strings.TrimSpace(lower) == "" {
		return schemas.CompletionVerdict{}, false
	}

	positive := strings.Contains(lower, "completed") ||
		strings.Contains(lower, "finished") ||
		strings.Contains(lower, "success") ||
		strings.Contains(lower, "done")
	negative := strings.Contains(lower, "fail") ||
		strings.Contains(lower, "not complete") ||
		strings.Contains(lower, "incomplete")

	if !positive && !negative {
		return schemas.CompletionVerdict{}, false
	}

	completed := positive && !negative
	return schemas.CompletionVerdict{
		Completed:  completed,
		Success:    completed,
		Confidence: 0.5,
		Reasoning:  "inferred from keywords; response had no parseable structure",
		Degraded:   true,
	}, true
}

// -- Loosely-typed field helpers --

func firstString(obj map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if s, ok := obj[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func firstBool(obj map[string]interface{}, keys ...string) bool {
	for _, k := range keys {
		switch v := obj[k].(type) {
		case bool:
			return v
		case string:
			if strings.EqualFold(v, "true") {
				return true
			}
			if strings.EqualFold(v, "false") {
				return false
			}
		}
	}
	return false
}

func firstFloat(obj map[string]interface{}, keys ...string) float64 {
	for _, k := range keys {
		switch v := obj[k].(type) {
		case float64:
			return v
		case int:
			return float64(v)
		}
	}
	return 0
}

func firstInt(obj map[string]interface{}, keys ...string) int {
	f := firstFloat(obj, keys...)
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return int(f)
}

func firstNumberSlice(obj map[string]interface{}, keys ...string) []int {
	for _, k := range keys {
		raw, ok := obj[k].([]interface{})
		if !ok {
			continue
		}
		out := make([]int, 0, len(raw))
		for _, item := range raw {
			f, ok := item.(float64)
			if !ok {
				return nil
			}
			out = append(out, int(f))
		}
		return out
	}
	return nil
}

func firstStringSlice(obj map[string]interface{}, keys ...string) []string {
	for _, k := range keys {
		raw, ok := obj[k].([]interface{})
		if !ok {
			continue
		}
		out := make([]string, 0, len(raw))
		for _, item := range raw {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func pointFromObject(obj map[string]interface{}, keys ...string) *schemas.Point {
	for _, k := range keys {
		m, ok := obj[k].(map[string]interface{})
		if !ok {
			continue
		}
		return &schemas.Point{X: firstInt(m, "x"), Y: firstInt(m, "y")}
	}
	return nil
}

func clamp01(f float64) float64 {
	if math.IsNaN(f) || f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
