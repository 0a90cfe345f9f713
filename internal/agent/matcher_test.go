// File: internal/agent/matcher_test.go
package agent

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/droidpilot/droidpilot/api/schemas"
	"github.com/droidpilot/droidpilot/internal/config"
)

func newTestMatcher(t *testing.T) *Matcher {
	t.Helper()
	return NewMatcher(config.NewDefaultConfig().Matcher, zap.NewNop())
}

func makeElement(text string, x1, y1, x2, y2 int) schemas.UIElement {
	return schemas.UIElement{
		ID:           text,
		Text:         text,
		Bounds:       schemas.Rect{X1: x1, Y1: y1, X2: x2, Y2: y2},
		Class:        "android.widget.Button",
		Interactable: true,
	}
}

// An exact text match must win outright, even against a superset-text element
// with a better position.
func TestMatch_ExactBeatsSuperset(t *testing.T) {
	m := newTestMatcher(t)
	elements := []schemas.UIElement{
		makeElement("Search history", 0, 100, 1080, 300),
		makeElement("Search", 0, 1400, 1080, 1500),
	}

	el, err := m.Match("Search", elements, 1920)

	require.NoError(t, err)
	assert.Equal(t, "Search", el.Text)
}

// A description that names one element outright must resolve through the
// fast path: "Search button" contains "Search" but not "Search history", so
// the bare control is the sole candidate despite extra words in the
// description.
func TestRank_NamedElementShortCircuits(t *testing.T) {
	m := newTestMatcher(t)
	elements := []schemas.UIElement{
		makeElement("Search", 0, 100, 30, 130),
		makeElement("Search history", 0, 200, 100, 240),
	}

	ranked := m.Rank("Search button", elements, 1920)

	require.Len(t, ranked, 1, "a single named element must short-circuit scoring")
	assert.Equal(t, "Search", ranked[0].Element.Text)
	assert.True(t, ranked[0].Exact)
	assert.Equal(t, 1.0, ranked[0].Score)
}

// When the description names more than one element the fast path must stand
// down and leave the ordering to scoring and tie-breaks.
func TestRank_MultipleNamedElementsFallThrough(t *testing.T) {
	m := newTestMatcher(t)
	big := makeElement("Continue", 0, 600, 1080, 900)
	small := makeElement("Continue", 0, 100, 400, 200)

	ranked := m.Rank("Continue", []schemas.UIElement{big, small}, 0)

	require.Len(t, ranked, 2)
	assert.Equal(t, small.Bounds, ranked[0].Element.Bounds)
}

func TestMatch_TokenOverlap(t *testing.T) {
	m := newTestMatcher(t)
	elements := []schemas.UIElement{
		makeElement("Add to cart", 0, 500, 1080, 620),
		makeElement("View cart", 0, 700, 1080, 820),
		makeElement("Checkout now", 0, 900, 1080, 1020),
	}

	el, err := m.Match("add item to cart", elements, 1920)

	require.NoError(t, err)
	assert.Equal(t, "Add to cart", el.Text)
}

func TestMatch_NoCandidateAboveThreshold(t *testing.T) {
	m := newTestMatcher(t)
	elements := []schemas.UIElement{
		makeElement("Settings", 0, 100, 1080, 220),
		makeElement("Profile", 0, 300, 1080, 420),
	}

	_, err := m.Match("purchase confirmation banner", elements, 1920)

	var noMatch *NoMatchError
	require.ErrorAs(t, err, &noMatch)
	assert.Equal(t, "purchase confirmation banner", noMatch.TargetDescription)
}

func TestMatch_FiltersNonViableElements(t *testing.T) {
	m := newTestMatcher(t)
	tiny := makeElement("Login", 0, 0, 5, 5)
	disabled := makeElement("Login", 0, 100, 1080, 220)
	disabled.Interactable = false
	real := makeElement("Login", 0, 300, 1080, 420)

	el, err := m.Match("Login", []schemas.UIElement{tiny, disabled, real}, 1920)

	require.NoError(t, err)
	assert.Equal(t, real.Bounds, el.Bounds)
}

// Matching twice over the same inputs must produce identical rankings.
func TestRank_Deterministic(t *testing.T) {
	m := newTestMatcher(t)
	elements := []schemas.UIElement{
		makeElement("Play video", 0, 200, 540, 320),
		makeElement("Play audio", 540, 200, 1080, 320),
		makeElement("Play", 0, 400, 540, 520),
	}

	first := m.Rank("play media", elements, 1920)
	second := m.Rank("play media", elements, 1920)

	require.NotEmpty(t, first)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("ranking not deterministic (-first +second):\n%s", diff)
	}
}

// Equal scores break ties by smaller area, then topmost, then leftmost.
func TestRank_TieBreakOrder(t *testing.T) {
	m := newTestMatcher(t)
	big := makeElement("Continue", 0, 600, 1080, 900)
	small := makeElement("Continue", 0, 100, 400, 200)

	ranked := m.Rank("Continue", []schemas.UIElement{big, small}, 0)

	require.Len(t, ranked, 2)
	assert.Equal(t, small.Bounds, ranked[0].Element.Bounds, "smaller element must rank first on ties")
}

func TestPositionBoost_UpperScreenOnly(t *testing.T) {
	m := newTestMatcher(t)

	high := m.positionBoost(makeElement("x", 0, 0, 100, 100), 1920)
	low := m.positionBoost(makeElement("x", 0, 1800, 100, 1900), 1920)

	assert.Greater(t, high, 0.0)
	assert.Zero(t, low)
}

func TestNormalizeText(t *testing.T) {
	assert.Equal(t, "sign in", normalizeText("  Sign In!  "))
	assert.Equal(t, "a b", normalizeText("a,   b"))
	assert.Equal(t, "", normalizeText("!!!"))
}
