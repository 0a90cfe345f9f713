// File: internal/device/hierarchy.go
package device

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/beevik/etree"

	"github.com/droidpilot/droidpilot/api/schemas"
)

// boundsRegex matches the uiautomator bounds attribute format
// "[x1,y1][x2,y2]".
var boundsRegex = regexp.MustCompile(`\[(\d+),(\d+)\]\[(\d+),(\d+)\]`)

// ParseHierarchy flattens a uiautomator XML dump into the element list the
// matcher consumes. Nodes without usable bounds are dropped; everything else
// is kept so the alternative-element heuristics see the full screen.
func ParseHierarchy(data []byte) ([]schemas.UIElement, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, fmt.Errorf("parsing hierarchy dump: %w", err)
	}

	var elements []schemas.UIElement
	for i, node := range doc.FindElements("//node") {
		bounds, ok := parseBounds(node.SelectAttrValue("bounds", ""))
		if !ok {
			continue
		}
		el := schemas.UIElement{
			ID:           node.SelectAttrValue("resource-id", ""),
			Bounds:       bounds,
			Text:         nodeText(node),
			Class:        node.SelectAttrValue("class", ""),
			Interactable: nodeInteractable(node),
		}
		if el.ID == "" {
			el.ID = fmt.Sprintf("node-%d", i)
		}
		elements = append(elements, el)
	}
	return elements, nil
}

// parseBounds decodes "[x1,y1][x2,y2]". Degenerate rectangles are rejected.
func parseBounds(raw string) (schemas.Rect, bool) {
	m := boundsRegex.FindStringSubmatch(raw)
	if m == nil {
		return schemas.Rect{}, false
	}
	vals := make([]int, 4)
	for i := 0; i < 4; i++ {
		n, err := strconv.Atoi(m[i+1])
		if err != nil {
			return schemas.Rect{}, false
		}
		vals[i] = n
	}
	r := schemas.Rect{X1: vals[0], Y1: vals[1], X2: vals[2], Y2: vals[3]}
	if r.Width() == 0 || r.Height() == 0 {
		return schemas.Rect{}, false
	}
	return r, true
}

// nodeText picks the most descriptive label available: visible text first,
// then the accessibility description, then the trailing segment of the
// resource id.
func nodeText(node *etree.Element) string {
	if t := strings.TrimSpace(node.SelectAttrValue("text", "")); t != "" {
		return t
	}
	if d := strings.TrimSpace(node.SelectAttrValue("content-desc", "")); d != "" {
		return d
	}
	id := node.SelectAttrValue("resource-id", "")
	if idx := strings.LastIndexByte(id, '/'); idx != -1 {
		return id[idx+1:]
	}
	return id
}

// nodeInteractable reports whether the node can plausibly receive input.
// Text fields often report clickable="false" while still accepting focus, so
// editable classes count as interactable regardless.
func nodeInteractable(node *etree.Element) bool {
	if node.SelectAttrValue("enabled", "true") == "false" {
		return false
	}
	if node.SelectAttrValue("clickable", "") == "true" ||
		node.SelectAttrValue("checkable", "") == "true" ||
		node.SelectAttrValue("long-clickable", "") == "true" {
		return true
	}
	return strings.Contains(node.SelectAttrValue("class", ""), "EditText")
}
