// File: internal/reporting/reporter_test.go
package reporting

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/droidpilot/droidpilot/api/schemas"
)

func TestWrite_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	reporter, err := NewJSONReporter(dir, zap.NewNop())
	require.NoError(t, err)

	report := &schemas.SessionReport{
		SessionID: "abc-123",
		Scenario: schemas.TestScenario{
			Name: "order coffee / happy path",
			App:  schemas.AppInfo{Package: "com.example.coffee"},
		},
		Status:     schemas.StatusCompleteSuccess,
		FinishedAt: time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC),
	}

	path, err := reporter.Write(report)

	require.NoError(t, err)
	assert.Equal(t, dir, filepath.Dir(path))
	assert.Equal(t, "order_coffee_happy_path-20260314-150926.json", filepath.Base(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var loaded schemas.SessionReport
	require.NoError(t, jsoniter.Unmarshal(data, &loaded))
	assert.Equal(t, report.SessionID, loaded.SessionID)
	assert.Equal(t, report.Status, loaded.Status)
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"plain", "plain"},
		{"has spaces here", "has_spaces_here"},
		{"slash/and\\quote\"", "slash_and_quote"},
		{"", "session"},
		{"!!!", "session"},
		{"trailing...", "trailing"},
	}

	for _, tc := range tests {
		t.Run(tc.input, func(t *testing.T) {
			assert.Equal(t, tc.want, sanitizeFilename(tc.input))
		})
	}
}
