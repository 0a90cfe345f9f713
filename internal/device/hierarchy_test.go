// File: internal/device/hierarchy_test.go
package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droidpilot/droidpilot/api/schemas"
)

const sampleDump = `<?xml version='1.0' encoding='UTF-8' standalone='yes' ?>
<hierarchy rotation="0">
  <node index="0" text="" resource-id="" class="android.widget.FrameLayout" bounds="[0,0][1080,1920]" clickable="false" enabled="true">
    <node index="0" text="Sign in" resource-id="com.example:id/sign_in" class="android.widget.Button" bounds="[100,300][980,420]" clickable="true" enabled="true"/>
    <node index="1" text="" content-desc="Open navigation" resource-id="com.example:id/drawer" class="android.widget.ImageButton" bounds="[0,0][120,120]" clickable="true" enabled="true"/>
    <node index="2" text="" resource-id="com.example:id/search_input" class="android.widget.EditText" bounds="[100,100][980,220]" clickable="false" enabled="true"/>
    <node index="3" text="Disabled" resource-id="com.example:id/ghost" class="android.widget.Button" bounds="[100,500][980,620]" clickable="true" enabled="false"/>
    <node index="4" text="Broken" resource-id="com.example:id/bad" class="android.widget.Button" bounds="garbage" clickable="true" enabled="true"/>
  </node>
</hierarchy>`

func TestParseHierarchy(t *testing.T) {
	elements, err := ParseHierarchy([]byte(sampleDump))
	require.NoError(t, err)

	// Root layout plus four children with valid bounds; the garbage-bounds
	// node is dropped.
	require.Len(t, elements, 5)

	byID := make(map[string]schemas.UIElement, len(elements))
	for _, el := range elements {
		byID[el.ID] = el
	}

	signIn, ok := byID["com.example:id/sign_in"]
	require.True(t, ok)
	assert.Equal(t, "Sign in", signIn.Text)
	assert.Equal(t, schemas.Rect{X1: 100, Y1: 300, X2: 980, Y2: 420}, signIn.Bounds)
	assert.True(t, signIn.Interactable)

	drawer := byID["com.example:id/drawer"]
	assert.Equal(t, "Open navigation", drawer.Text, "content-desc substitutes for empty text")

	search := byID["com.example:id/search_input"]
	assert.True(t, search.Interactable, "EditText counts as interactable despite clickable=false")
	assert.Equal(t, "search_input", search.Text, "resource id tail substitutes for empty text")

	ghost := byID["com.example:id/ghost"]
	assert.False(t, ghost.Interactable, "disabled nodes are not interactable")

	_, found := byID["com.example:id/bad"]
	assert.False(t, found)
}

func TestParseHierarchy_InvalidXML(t *testing.T) {
	_, err := ParseHierarchy([]byte("<hierarchy><node"))
	assert.Error(t, err)
}

func TestParseBounds(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  schemas.Rect
		ok    bool
	}{
		{"valid", "[0,0][1080,1920]", schemas.Rect{X2: 1080, Y2: 1920}, true},
		{"offset", "[10,20][30,40]", schemas.Rect{X1: 10, Y1: 20, X2: 30, Y2: 40}, true},
		{"zero area", "[5,5][5,5]", schemas.Rect{}, false},
		{"garbage", "nope", schemas.Rect{}, false},
		{"empty", "", schemas.Rect{}, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := parseBounds(tc.input)
			assert.Equal(t, tc.ok, ok)
			if tc.ok {
				assert.Equal(t, tc.want, got)
			}
		})
	}
}
