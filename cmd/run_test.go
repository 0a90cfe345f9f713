// File: cmd/run_test.go
package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalScenario = `
name: smoke
app:
  package: com.example.app
objective: Open the app
`

func TestCollectScenarios_FileAndDirectory(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "smoke.yaml")
	require.NoError(t, os.WriteFile(file, []byte(minimalScenario), 0o644))

	batchDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(batchDir, "a.yaml"), []byte(minimalScenario), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(batchDir, "b.yaml"), []byte(minimalScenario), 0o644))

	scenarios, err := collectScenarios([]string{file, batchDir})

	require.NoError(t, err)
	assert.Len(t, scenarios, 3)
}

func TestCollectScenarios_MissingPath(t *testing.T) {
	_, err := collectScenarios([]string{filepath.Join(t.TempDir(), "nope.yaml")})
	assert.Error(t, err)
}

func TestRunCommand_Registered(t *testing.T) {
	cmd, _, err := rootCmd.Find([]string{"run"})
	require.NoError(t, err)
	assert.Equal(t, "run [scenario files or directories...]", cmd.Use)

	cmd, _, err = rootCmd.Find([]string{"devices"})
	require.NoError(t, err)
	assert.Equal(t, "devices", cmd.Use)
}
