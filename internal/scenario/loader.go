// File: internal/scenario/loader.go

// Package scenario loads and validates test scenario files. Both YAML and
// JSON are accepted; the format is chosen by file extension.
package scenario

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"gopkg.in/yaml.v3"

	"github.com/droidpilot/droidpilot/api/schemas"
)

// rawScenario mirrors schemas.TestScenario but tolerates the legacy field
// spellings still found in older scenario files.
type rawScenario struct {
	ID        string          `json:"id" yaml:"id"`
	Name      string          `json:"name" yaml:"name"`
	App       *schemas.AppInfo `json:"app" yaml:"app"`
	AppInfo   *schemas.AppInfo `json:"app_info" yaml:"app_info"`
	Objective string          `json:"objective" yaml:"objective"`
	Goal      string          `json:"goal" yaml:"goal"`

	Steps    []string          `json:"steps" yaml:"steps"`
	TestData map[string]string `json:"test_data" yaml:"test_data"`

	SuccessCriteria []string `json:"success_criteria" yaml:"success_criteria"`
	ExpectedResult  string   `json:"expected_result" yaml:"expected_result"`
}

// Load reads one scenario file.
func Load(path string) (schemas.TestScenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return schemas.TestScenario{}, fmt.Errorf("reading scenario file: %w", err)
	}

	var raw rawScenario
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &raw)
	case ".json":
		err = jsoniter.Unmarshal(data, &raw)
	default:
		return schemas.TestScenario{}, fmt.Errorf("unsupported scenario format %q (want .yaml, .yml or .json)", filepath.Ext(path))
	}
	if err != nil {
		return schemas.TestScenario{}, fmt.Errorf("parsing scenario %s: %w", path, err)
	}

	sc := raw.canonical()
	if sc.Name == "" {
		sc.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if err := Validate(sc); err != nil {
		return schemas.TestScenario{}, fmt.Errorf("scenario %s: %w", path, err)
	}
	return sc, nil
}

// LoadAll reads every scenario file in a directory, sorted by name.
func LoadAll(dir string) ([]schemas.TestScenario, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading scenario dir: %w", err)
	}

	var scenarios []schemas.TestScenario
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".yaml", ".yml", ".json":
		default:
			continue
		}
		sc, err := Load(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		scenarios = append(scenarios, sc)
	}
	if len(scenarios) == 0 {
		return nil, fmt.Errorf("no scenario files found in %s", dir)
	}
	return scenarios, nil
}

// canonical resolves the legacy aliases into the canonical shape.
func (r rawScenario) canonical() schemas.TestScenario {
	sc := schemas.TestScenario{
		ID:              r.ID,
		Name:            r.Name,
		Objective:       r.Objective,
		Steps:           r.Steps,
		TestData:        r.TestData,
		SuccessCriteria: r.SuccessCriteria,
		ExpectedResult:  r.ExpectedResult,
	}
	if sc.Objective == "" {
		sc.Objective = r.Goal
	}
	if r.App != nil {
		sc.App = *r.App
	} else if r.AppInfo != nil {
		sc.App = *r.AppInfo
	}
	return sc
}

// Validate rejects scenarios that cannot possibly run.
func Validate(sc schemas.TestScenario) error {
	if sc.App.Package == "" {
		return fmt.Errorf("app.package is required")
	}
	if sc.Objective == "" {
		return fmt.Errorf("objective is required")
	}
	for i, step := range sc.Steps {
		if strings.TrimSpace(step) == "" {
			return fmt.Errorf("step %d is empty", i+1)
		}
	}
	return nil
}
