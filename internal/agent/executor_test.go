// File: internal/agent/executor_test.go
package agent

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/droidpilot/droidpilot/api/schemas"
	"github.com/droidpilot/droidpilot/internal/config"
)

// fakeDevice scripts a device: the screen fingerprint advances only when an
// action is marked effective.
type fakeDevice struct {
	elements  []schemas.UIElement
	screenRev int

	// effectiveClicks marks whether taps change the screen.
	effectiveClicks bool

	clicks   []schemas.Point
	swipes   int
	typed    []string
	clickErr error
}

func (f *fakeDevice) CaptureScreenshot(ctx context.Context) (schemas.ScreenCapture, error) {
	return schemas.ScreenCapture{
		Path:        "/tmp/fake.png",
		Fingerprint: fmt.Sprintf("fp-%d", f.screenRev),
		TakenAt:     time.Now(),
	}, nil
}

func (f *fakeDevice) DumpHierarchy(ctx context.Context) ([]schemas.UIElement, error) {
	return f.elements, nil
}

func (f *fakeDevice) Click(ctx context.Context, x, y int) error {
	if f.clickErr != nil {
		return f.clickErr
	}
	f.clicks = append(f.clicks, schemas.Point{X: x, Y: y})
	if f.effectiveClicks {
		f.screenRev++
	}
	return nil
}

func (f *fakeDevice) InputText(ctx context.Context, text string) error {
	f.typed = append(f.typed, text)
	f.screenRev++
	return nil
}

func (f *fakeDevice) Swipe(ctx context.Context, x1, y1, x2, y2 int) error {
	f.swipes++
	f.screenRev++
	return nil
}

func (f *fakeDevice) PressBack(ctx context.Context) error               { f.screenRev++; return nil }
func (f *fakeDevice) PressHome(ctx context.Context) error               { f.screenRev++; return nil }
func (f *fakeDevice) LaunchApp(ctx context.Context, p, a string) error  { return nil }
func (f *fakeDevice) DeviceInfo(ctx context.Context) (map[string]string, error) {
	return map[string]string{"screen_width": "1080", "screen_height": "1920"}, nil
}

func testEngineConfig() config.EngineConfig {
	cfg := config.NewDefaultConfig().Engine
	cfg.SettleDelay = 0
	cfg.StepTimeout = 0
	cfg.RetryCount = 3
	cfg.StallThreshold = 2
	return cfg
}

func newTestExecutor(t *testing.T, cfg config.EngineConfig, dev *fakeDevice) *Executor {
	t.Helper()
	logger := zap.NewNop()
	return NewExecutor(cfg, dev, NewMatcher(config.NewDefaultConfig().Matcher, logger), logger)
}

func clickInstr(target string) schemas.ActionInstruction {
	return schemas.ActionInstruction{Type: schemas.ActionClick, TargetDescription: target}
}

func TestExecuteStep_ClickSucceedsFirstAttempt(t *testing.T) {
	dev := &fakeDevice{
		elements:        []schemas.UIElement{makeElement("Login", 100, 200, 500, 320)},
		effectiveClicks: true,
	}
	ex := newTestExecutor(t, testEngineConfig(), dev)

	result := ex.ExecuteStep(context.Background(), 0, clickInstr("Login"), 1080, 1920)

	assert.True(t, result.Succeeded())
	require.Len(t, result.Attempts, 1)
	attempt := result.Attempts[0]
	assert.Equal(t, schemas.OutcomeSuccess, attempt.Outcome)
	assert.NotEqual(t, attempt.PreFingerprint, attempt.PostFingerprint)
	require.NotNil(t, attempt.Tap)
	assert.Equal(t, 300, attempt.Tap.X, "first attempt taps the element center")
	assert.Equal(t, 260, attempt.Tap.Y)
}

// Two consecutive ineffective attempts on the same target must trip the stall
// counter and pivot to an alternative element.
func TestExecuteStep_StallPivotsToAlternative(t *testing.T) {
	dev := &fakeDevice{
		elements: []schemas.UIElement{
			makeElement("Submit", 100, 200, 500, 320),
			makeElement("Continue", 100, 400, 500, 520),
		},
		effectiveClicks: false,
	}
	ex := newTestExecutor(t, testEngineConfig(), dev)

	result := ex.ExecuteStep(context.Background(), 0, clickInstr("Submit"), 1080, 1920)

	assert.Equal(t, StateFail, result.State)
	require.Len(t, result.Attempts, 3, "budget of 3 attempts must be honored exactly")

	assert.Equal(t, schemas.OutcomeIneffective, result.Attempts[0].Outcome)
	assert.Equal(t, schemas.OutcomeIneffective, result.Attempts[1].Outcome)
	assert.Equal(t, string(ErrCodeStallLimit), result.Attempts[1].RetryReason,
		"second consecutive stall must trigger the pivot")

	// The third attempt must target a different element than the stalled one.
	require.NotNil(t, result.Attempts[2].Resolved)
	assert.Equal(t, "Continue", result.Attempts[2].Resolved.Text)

	var stall *StallError
	require.ErrorAs(t, result.Err, &stall)
}

func TestExecuteStep_RetryBudgetCapsAttempts(t *testing.T) {
	dev := &fakeDevice{
		elements:        []schemas.UIElement{makeElement("Ghost", 100, 200, 500, 320)},
		effectiveClicks: false,
	}
	cfg := testEngineConfig()
	cfg.RetryCount = 5
	cfg.StallThreshold = 99 // never pivot, just retry
	ex := newTestExecutor(t, cfg, dev)

	result := ex.ExecuteStep(context.Background(), 0, clickInstr("Ghost"), 1080, 1920)

	assert.Equal(t, StateFail, result.State)
	assert.Len(t, result.Attempts, 5)
}

func TestExecuteStep_DeviceErrorFailsStep(t *testing.T) {
	dev := &fakeDevice{
		elements: []schemas.UIElement{makeElement("Pay", 100, 200, 500, 320)},
		clickErr: errors.New("device offline"),
	}
	ex := newTestExecutor(t, testEngineConfig(), dev)

	result := ex.ExecuteStep(context.Background(), 0, clickInstr("Pay"), 1080, 1920)

	assert.Equal(t, StateFail, result.State)
	require.Len(t, result.Attempts, 1, "device failures must not consume retries")
	assert.Equal(t, string(ErrCodeDeviceCommand), result.Attempts[0].RetryReason)
	var devErr *DeviceCommandError
	require.ErrorAs(t, result.Err, &devErr)
	assert.ErrorContains(t, devErr.Err, "device offline")
}

func TestExecuteStep_NoMatchRetriesThenFails(t *testing.T) {
	dev := &fakeDevice{
		elements: []schemas.UIElement{makeElement("Unrelated", 100, 200, 500, 320)},
	}
	ex := newTestExecutor(t, testEngineConfig(), dev)

	result := ex.ExecuteStep(context.Background(), 0, clickInstr("purchase confirmation"), 1080, 1920)

	assert.Equal(t, StateFail, result.State)
	require.Len(t, result.Attempts, 3)
	for _, a := range result.Attempts {
		assert.Equal(t, string(ErrCodeNoMatch), a.RetryReason)
	}
	assert.Empty(t, dev.clicks, "nothing should be tapped when no element matches")
}

func TestExecuteStep_InputIsVerifiedOptimistically(t *testing.T) {
	dev := &fakeDevice{
		elements: []schemas.UIElement{makeElement("Search field", 100, 200, 900, 320)},
	}
	ex := newTestExecutor(t, testEngineConfig(), dev)

	instr := schemas.ActionInstruction{
		Type:              schemas.ActionInput,
		TargetDescription: "Search field",
		Text:              "flat white",
	}
	result := ex.ExecuteStep(context.Background(), 0, instr, 1080, 1920)

	assert.True(t, result.Succeeded())
	assert.Equal(t, []string{"flat white"}, dev.typed)
	assert.Len(t, dev.clicks, 1, "input should focus the field first")
}

func TestExecuteStep_SwipeDirectionDerivesEndpoints(t *testing.T) {
	dev := &fakeDevice{}
	ex := newTestExecutor(t, testEngineConfig(), dev)

	instr := schemas.ActionInstruction{Type: schemas.ActionSwipe, SwipeDirection: "up"}
	result := ex.ExecuteStep(context.Background(), 0, instr, 1080, 1920)

	assert.True(t, result.Succeeded())
	assert.Equal(t, 1, dev.swipes)
}

func TestExecuteStep_CompleteIsANoOp(t *testing.T) {
	dev := &fakeDevice{}
	ex := newTestExecutor(t, testEngineConfig(), dev)

	result := ex.ExecuteStep(context.Background(), 0, schemas.ActionInstruction{Type: schemas.ActionComplete}, 1080, 1920)

	assert.True(t, result.Succeeded())
	assert.Empty(t, result.Attempts)
}

func TestExecuteStep_RefineConsultedOnceAfterStall(t *testing.T) {
	dev := &fakeDevice{
		elements: []schemas.UIElement{
			makeElement("Old target", 100, 200, 500, 320),
			makeElement("Better target", 100, 400, 500, 520),
		},
		effectiveClicks: false,
	}
	cfg := testEngineConfig()
	cfg.StallThreshold = 99
	ex := newTestExecutor(t, cfg, dev)

	var refineCalls int
	ex.Refine = func(ctx context.Context, instr schemas.ActionInstruction, capture schemas.ScreenCapture) (schemas.ActionInstruction, bool) {
		refineCalls++
		return clickInstr("Better target"), true
	}

	result := ex.ExecuteStep(context.Background(), 0, clickInstr("Old target"), 1080, 1920)

	assert.Equal(t, 1, refineCalls, "refinement is a one-shot")
	require.Len(t, result.Attempts, 3)
	require.NotNil(t, result.Attempts[1].Resolved)
	assert.Equal(t, "Better target", result.Attempts[1].Resolved.Text)
}

func TestJitteredTap_DeterministicAndBounded(t *testing.T) {
	bounds := schemas.Rect{X1: 100, Y1: 200, X2: 500, Y2: 400}

	for attempt := 0; attempt < 6; attempt++ {
		p1 := jitteredTap(bounds, attempt)
		p2 := jitteredTap(bounds, attempt)
		assert.Equal(t, p1, p2, "jitter must be a pure function of the attempt index")

		assert.GreaterOrEqual(t, p1.X, bounds.X1)
		assert.LessOrEqual(t, p1.X, bounds.X2)
		assert.GreaterOrEqual(t, p1.Y, bounds.Y1)
		assert.LessOrEqual(t, p1.Y, bounds.Y2)
	}
}

func TestStepTransitions(t *testing.T) {
	assert.True(t, canTransition(StateVerify, StateRetry))
	assert.True(t, canTransition(StateVerify, StateAlternate))
	assert.True(t, canTransition(StateRetry, StateAttempt))
	assert.False(t, canTransition(StateSuccess, StateAttempt), "SUCCESS is terminal")
	assert.False(t, canTransition(StateFail, StateRetry), "FAIL is terminal")
}
