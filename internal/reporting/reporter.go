// File: internal/reporting/reporter.go

// Package reporting writes session reports as JSON artifacts. Report failures
// are deliberately non-fatal: a test verdict must survive a full disk.
package reporting

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/droidpilot/droidpilot/api/schemas"
)

// JSONReporter implements schemas.ReportWriter with one pretty-printed JSON
// file per session.
type JSONReporter struct {
	dir    string
	logger *zap.Logger
}

// NewJSONReporter creates the reporter and its output directory.
func NewJSONReporter(dir string, logger *zap.Logger) (*JSONReporter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating report dir: %w", err)
	}
	return &JSONReporter{dir: dir, logger: logger.Named("reporter")}, nil
}

// Write persists the report and returns the artifact path.
func (r *JSONReporter) Write(report *schemas.SessionReport) (string, error) {
	name := fmt.Sprintf("%s-%s.json",
		sanitizeFilename(report.Scenario.Name),
		report.FinishedAt.UTC().Format("20060102-150405"))
	path := filepath.Join(r.dir, name)

	data, err := jsoniter.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshaling report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("writing report: %w", err)
	}

	r.logger.Info("Report written",
		zap.String("path", path),
		zap.String("status", string(report.Status)))
	return path, nil
}

var unsafeFilenameRegex = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// sanitizeFilename flattens a scenario name into a safe file stem.
func sanitizeFilename(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "session"
	}
	name = unsafeFilenameRegex.ReplaceAllString(name, "_")
	name = strings.Trim(name, "._-")
	if name == "" {
		return "session"
	}
	if len(name) > 80 {
		name = name[:80]
	}
	return name
}
