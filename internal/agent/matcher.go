// File: internal/agent/matcher.go
package agent

import (
	"math"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/droidpilot/droidpilot/api/schemas"
	"github.com/droidpilot/droidpilot/internal/config"
)

// Matcher resolves a natural-language target description to a concrete UI
// element. Matching is pure and deterministic: the same description against
// the same element list always yields the same element.
type Matcher struct {
	cfg    config.MatcherConfig
	logger *zap.Logger
}

// NewMatcher creates a Matcher with the given thresholds.
func NewMatcher(cfg config.MatcherConfig, logger *zap.Logger) *Matcher {
	return &Matcher{cfg: cfg, logger: logger.Named("matcher")}
}

// Match returns the best element for the description, or *NoMatchError when
// no candidate clears the score threshold. screenHeight scales the
// upper-screen position boost; pass 0 to disable it.
func (m *Matcher) Match(description string, elements []schemas.UIElement, screenHeight int) (*schemas.UIElement, error) {
	candidates := m.Rank(description, elements, screenHeight)
	if len(candidates) == 0 {
		return nil, &NoMatchError{TargetDescription: description, Considered: len(elements)}
	}
	best := candidates[0]
	m.logger.Debug("Resolved target element",
		zap.String("target", description),
		zap.String("element_text", best.Element.Text),
		zap.Float64("score", best.Score),
		zap.Bool("exact", best.Exact))
	el := best.Element
	return &el, nil
}

// Rank scores every viable element against the description and returns the
// candidates in descending score order. An element the description names
// outright short-circuits the scoring pipeline when it is the only such
// survivor.
func (m *Matcher) Rank(description string, elements []schemas.UIElement, screenHeight int) []MatchCandidate {
	viable := m.filterViable(elements)
	if len(viable) == 0 {
		return nil
	}

	normTarget := normalizeText(description)
	if normTarget == "" {
		return nil
	}

	// Fast path: an element whose full normalized text appears inside the
	// description is named by it ("Search button" names the "Search" control
	// but not "Search history"). A single survivor cannot be outranked, so
	// scoring is skipped.
	var named []MatchCandidate
	for _, el := range viable {
		normText := normalizeText(el.Text)
		if normText != "" && strings.Contains(normTarget, normText) {
			named = append(named, MatchCandidate{Element: el, Score: 1.0, OverlapScore: 1.0, Exact: true})
		}
	}
	if len(named) == 1 {
		return named
	}

	targetTokens := tokenize(normTarget)
	if len(targetTokens) == 0 {
		return nil
	}
	idf := tokenRarity(viable)

	candidates := make([]MatchCandidate, 0, len(viable))
	for _, el := range viable {
		overlap := weightedOverlap(targetTokens, tokenize(normalizeText(el.Text)), idf)
		if overlap < m.cfg.MinOverlapScore {
			continue
		}
		c := MatchCandidate{
			Element:      el,
			OverlapScore: overlap,
			Exact:        normalizeText(el.Text) == normTarget,
		}
		if c.Exact {
			c.OverlapScore = 1.0
		}
		c.PositionScore = m.positionBoost(el, screenHeight)
		c.Score = c.OverlapScore + m.cfg.PositionBoostWeight*c.PositionScore
		candidates = append(candidates, c)
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		// Deterministic tie break: smaller area first (tighter matches like
		// "Search" beat container-sized "Search history"), then topmost,
		// then leftmost.
		if aa, ba := a.Element.Bounds.Area(), b.Element.Bounds.Area(); aa != ba {
			return aa < ba
		}
		if a.Element.Bounds.Y1 != b.Element.Bounds.Y1 {
			return a.Element.Bounds.Y1 < b.Element.Bounds.Y1
		}
		return a.Element.Bounds.X1 < b.Element.Bounds.X1
	})
	return candidates
}

// filterViable drops elements that cannot plausibly be interaction targets:
// non-interactable nodes, degenerate bounds, and areas outside the configured
// window.
func (m *Matcher) filterViable(elements []schemas.UIElement) []schemas.UIElement {
	out := make([]schemas.UIElement, 0, len(elements))
	for _, el := range elements {
		if !el.Interactable {
			continue
		}
		area := el.Bounds.Area()
		if area < m.cfg.MinArea || area > m.cfg.MaxArea {
			continue
		}
		if strings.TrimSpace(el.Text) == "" {
			continue
		}
		out = append(out, el)
	}
	return out
}

// positionBoost favors elements in the upper portion of the screen, where
// primary controls tend to live. Returns a value in [0,1].
func (m *Matcher) positionBoost(el schemas.UIElement, screenHeight int) float64 {
	if screenHeight <= 0 || m.cfg.PositionBoostRegion <= 0 {
		return 0
	}
	cutoff := float64(screenHeight) * m.cfg.PositionBoostRegion
	_, cy := el.Bounds.Center()
	if float64(cy) >= cutoff {
		return 0
	}
	return 1 - float64(cy)/cutoff
}

var nonWordRegex = regexp.MustCompile(`[^\p{L}\p{N}\s]+`)

// normalizeText lowercases and strips punctuation so "Sign In!" and "sign in"
// compare equal.
func normalizeText(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = nonWordRegex.ReplaceAllString(s, " ")
	return strings.Join(strings.Fields(s), " ")
}

func tokenize(s string) []string {
	return strings.Fields(s)
}

// tokenRarity computes an inverse-document-frequency weight per token across
// the candidate set, so distinctive tokens dominate the overlap score and
// boilerplate words ("button", "the") barely count.
func tokenRarity(elements []schemas.UIElement) map[string]float64 {
	docs := 0
	counts := make(map[string]int)
	for _, el := range elements {
		tokens := tokenize(normalizeText(el.Text))
		if len(tokens) == 0 {
			continue
		}
		docs++
		seen := make(map[string]bool, len(tokens))
		for _, t := range tokens {
			if !seen[t] {
				seen[t] = true
				counts[t]++
			}
		}
	}
	weights := make(map[string]float64, len(counts))
	for t, c := range counts {
		weights[t] = math.Log(1 + float64(docs)/float64(c))
	}
	return weights
}

// weightedOverlap scores how much of the target's token mass appears in the
// element text. Tokens of the target absent from the rarity table get a
// neutral weight of 1.
func weightedOverlap(target, element []string, idf map[string]float64) float64 {
	if len(target) == 0 || len(element) == 0 {
		return 0
	}
	elementSet := make(map[string]bool, len(element))
	for _, t := range element {
		elementSet[t] = true
	}

	var total, matched float64
	for _, t := range target {
		w, ok := idf[t]
		if !ok {
			w = 1
		}
		total += w
		if elementSet[t] {
			matched += w
		}
	}
	if total == 0 {
		return 0
	}
	score := matched / total

	// Penalize elements whose text is much longer than the target, so
	// "Search" prefers the bare "Search" control over "Search history".
	if len(element) > len(target) {
		score *= float64(len(target)) / float64(len(element))
	}
	return score
}
