// File: api/schemas/interfaces.go
package schemas

import (
	"context"
)

// DecisionClient is one round trip to the vision-capable decision service.
// The response is free text: possibly clean JSON, possibly JSON buried in
// prose, possibly neither. Callers must treat it as unreliable and push it
// through the parse ladder.
type DecisionClient interface {
	Generate(ctx context.Context, req GenerationRequest) (string, error)
}

// DeviceController abstracts the device transport (adb or equivalent). All
// methods block until the device acknowledges or the context expires.
type DeviceController interface {
	// CaptureScreenshot grabs the current screen and returns its on-disk path
	// plus a content fingerprint for change detection.
	CaptureScreenshot(ctx context.Context) (ScreenCapture, error)
	// DumpHierarchy extracts the current UI tree as a flat element list.
	DumpHierarchy(ctx context.Context) ([]UIElement, error)
	Click(ctx context.Context, x, y int) error
	InputText(ctx context.Context, text string) error
	Swipe(ctx context.Context, x1, y1, x2, y2 int) error
	PressBack(ctx context.Context) error
	PressHome(ctx context.Context) error
	LaunchApp(ctx context.Context, pkg, activity string) error
	DeviceInfo(ctx context.Context) (map[string]string, error)
}

// ReportWriter persists a finished session. Failure to write a report must
// never change the test outcome; callers log and move on.
type ReportWriter interface {
	Write(report *SessionReport) (string, error)
}

// RunStore archives finished sessions in durable storage for later querying.
type RunStore interface {
	SaveReport(ctx context.Context, report *SessionReport) error
	GetReport(ctx context.Context, sessionID string) (*SessionReport, error)
}
