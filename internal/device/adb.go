// File: internal/device/adb.go

// Package device adapts the abstract device transport to adb. All commands go
// through exec with per-command timeouts; the adapter never retries on its
// own, leaving retry policy to the execution controller.
package device

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	"image/png"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/droidpilot/droidpilot/api/schemas"
	"github.com/droidpilot/droidpilot/internal/config"
)

const remoteDumpPath = "/sdcard/droidpilot_hierarchy.xml"

// ADBController implements schemas.DeviceController on top of the adb binary.
type ADBController struct {
	cfg    config.DeviceConfig
	logger *zap.Logger
}

// NewADBController creates the adapter and ensures the screenshot directory
// exists.
func NewADBController(cfg config.DeviceConfig, logger *zap.Logger) (*ADBController, error) {
	if cfg.ADBPath == "" {
		cfg.ADBPath = "adb"
	}
	if err := os.MkdirAll(cfg.ScreenshotsDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating screenshots dir: %w", err)
	}
	return &ADBController{cfg: cfg, logger: logger.Named("adb")}, nil
}

// run executes one adb command and returns its stdout. The device serial, when
// configured, is prepended so multi-device hosts stay unambiguous.
func (c *ADBController) run(ctx context.Context, args ...string) ([]byte, error) {
	if c.cfg.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.CommandTimeout)
		defer cancel()
	}
	if c.cfg.Serial != "" {
		args = append([]string{"-s", c.cfg.Serial}, args...)
	}

	cmd := exec.CommandContext(ctx, c.cfg.ADBPath, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	c.logger.Debug("adb command finished",
		zap.Strings("args", args),
		zap.Duration("took", time.Since(start)),
		zap.Error(err))
	if err != nil {
		return nil, fmt.Errorf("adb %s: %w (stderr: %s)", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// settle pauses between consecutive device operations so fast command bursts
// do not outrun the UI thread.
func (c *ADBController) settle(ctx context.Context) error {
	if c.cfg.OperationDelay <= 0 {
		return nil
	}
	t := time.NewTimer(c.cfg.OperationDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// CaptureScreenshot grabs the screen as PNG, optionally downscales it, writes
// it under the screenshots directory, and fingerprints the stored bytes.
func (c *ADBController) CaptureScreenshot(ctx context.Context) (schemas.ScreenCapture, error) {
	raw, err := c.run(ctx, "exec-out", "screencap", "-p")
	if err != nil {
		return schemas.ScreenCapture{}, err
	}

	if c.cfg.ResizeRatio > 0 && c.cfg.ResizeRatio < 1 {
		if scaled, err := downscalePNG(raw, c.cfg.ResizeRatio); err == nil {
			raw = scaled
		} else {
			c.logger.Warn("Screenshot downscale failed, keeping original", zap.Error(err))
		}
	}

	sum := sha256.Sum256(raw)
	path := filepath.Join(c.cfg.ScreenshotsDir, fmt.Sprintf("screen-%s.png", uuid.NewString()))
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return schemas.ScreenCapture{}, fmt.Errorf("writing screenshot: %w", err)
	}
	return schemas.ScreenCapture{
		Path:        path,
		Fingerprint: hex.EncodeToString(sum[:]),
		TakenAt:     time.Now().UTC(),
	}, nil
}

// DumpHierarchy extracts the current UI tree via uiautomator and flattens it.
func (c *ADBController) DumpHierarchy(ctx context.Context) ([]schemas.UIElement, error) {
	if _, err := c.run(ctx, "shell", "uiautomator", "dump", remoteDumpPath); err != nil {
		return nil, err
	}
	data, err := c.run(ctx, "exec-out", "cat", remoteDumpPath)
	if err != nil {
		return nil, err
	}
	elements, err := ParseHierarchy(data)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("Hierarchy dumped", zap.Int("elements", len(elements)))
	return elements, nil
}

// Click taps the given device pixel.
func (c *ADBController) Click(ctx context.Context, x, y int) error {
	if _, err := c.run(ctx, "shell", "input", "tap", strconv.Itoa(x), strconv.Itoa(y)); err != nil {
		return err
	}
	return c.settle(ctx)
}

// InputText types into the focused field. adb's text input cannot carry
// literal spaces, so they are encoded as %s.
func (c *ADBController) InputText(ctx context.Context, text string) error {
	escaped := strings.ReplaceAll(text, " ", "%s")
	if _, err := c.run(ctx, "shell", "input", "text", escaped); err != nil {
		return err
	}
	return c.settle(ctx)
}

// Swipe drags between two points over 300ms.
func (c *ADBController) Swipe(ctx context.Context, x1, y1, x2, y2 int) error {
	if _, err := c.run(ctx, "shell", "input", "swipe",
		strconv.Itoa(x1), strconv.Itoa(y1), strconv.Itoa(x2), strconv.Itoa(y2), "300"); err != nil {
		return err
	}
	return c.settle(ctx)
}

// PressBack sends the BACK key.
func (c *ADBController) PressBack(ctx context.Context) error {
	if _, err := c.run(ctx, "shell", "input", "keyevent", "KEYCODE_BACK"); err != nil {
		return err
	}
	return c.settle(ctx)
}

// PressHome sends the HOME key.
func (c *ADBController) PressHome(ctx context.Context) error {
	if _, err := c.run(ctx, "shell", "input", "keyevent", "KEYCODE_HOME"); err != nil {
		return err
	}
	return c.settle(ctx)
}

// LaunchApp starts the scenario's entry activity. Without an explicit
// activity it falls back to the launcher intent via monkey.
func (c *ADBController) LaunchApp(ctx context.Context, pkg, activity string) error {
	var err error
	if activity != "" {
		_, err = c.run(ctx, "shell", "am", "start", "-n", pkg+"/"+activity)
	} else {
		_, err = c.run(ctx, "shell", "monkey", "-p", pkg, "-c", "android.intent.category.LAUNCHER", "1")
	}
	if err != nil {
		return err
	}
	return c.settle(ctx)
}

var wmSizeRegex = regexp.MustCompile(`(\d+)x(\d+)`)

// DeviceInfo collects identifying properties plus the physical screen size.
func (c *ADBController) DeviceInfo(ctx context.Context) (map[string]string, error) {
	info := make(map[string]string)
	props := map[string]string{
		"model":           "ro.product.model",
		"android_version": "ro.build.version.release",
		"manufacturer":    "ro.product.manufacturer",
	}
	for key, prop := range props {
		out, err := c.run(ctx, "shell", "getprop", prop)
		if err != nil {
			return nil, err
		}
		info[key] = strings.TrimSpace(string(out))
	}

	out, err := c.run(ctx, "shell", "wm", "size")
	if err != nil {
		return nil, err
	}
	if m := wmSizeRegex.FindStringSubmatch(string(out)); m != nil {
		info["screen_width"] = m[1]
		info["screen_height"] = m[2]
	}
	if c.cfg.Serial != "" {
		info["serial"] = c.cfg.Serial
	}
	return info, nil
}

// ListDevices enumerates the serials adb currently sees, for the devices CLI
// command.
func ListDevices(ctx context.Context, adbPath string, logger *zap.Logger) ([]string, error) {
	if adbPath == "" {
		adbPath = "adb"
	}
	cmd := exec.CommandContext(ctx, adbPath, "devices")
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("adb devices: %w", err)
	}

	var serials []string
	for _, line := range strings.Split(string(out), "\n")[1:] {
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[1] == "device" {
			serials = append(serials, fields[0])
		}
	}
	logger.Debug("Enumerated devices", zap.Int("count", len(serials)))
	return serials, nil
}

// downscalePNG shrinks a PNG by ratio with nearest-neighbor sampling. The
// output feeds a vision model, not a human, so sampling quality matters less
// than the token savings.
func downscalePNG(data []byte, ratio float64) ([]byte, error) {
	src, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	srcBounds := src.Bounds()
	w := int(float64(srcBounds.Dx()) * ratio)
	h := int(float64(srcBounds.Dy()) * ratio)
	if w < 1 || h < 1 {
		return nil, fmt.Errorf("resize ratio %f collapses image", ratio)
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		srcY := srcBounds.Min.Y + y*srcBounds.Dy()/h
		for x := 0; x < w; x++ {
			srcX := srcBounds.Min.X + x*srcBounds.Dx()/w
			dst.Set(x, y, src.At(srcX, srcY))
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
