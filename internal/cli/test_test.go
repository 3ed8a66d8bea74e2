package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func executeTest(t *testing.T, format string, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewTestCommand(&RootOptions{Format: format})
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

// writeScenario writes a scenario against testdata/shop.cue into dir.
func writeScenario(t *testing.T, dir, name, body string) string {
	t.Helper()
	def, err := filepath.Abs(filepath.Join("testdata", "shop.cue"))
	require.NoError(t, err)
	path := filepath.Join(dir, name+".yaml")
	content := fmt.Sprintf("name: %s\ndefinition: %s\n%s", name, def, body)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const echoFlow = `flow:
  - dispatch: clicks/add
    payload: {by: 2}
    expect:
      state:
        clicks: 2
        log: [2]
assertions:
  - type: trace_order
    actions: [clicks/add, log/push]
`

const failingFlow = `flow:
  - dispatch: clicks/increment
    expect:
      state:
        clicks: 5
`

func TestTestCommandMissingArgs(t *testing.T) {
	_, err := executeTest(t, "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accepts 1 arg")
}

func TestTestCommandNonExistentPath(t *testing.T) {
	_, err := executeTest(t, "text", "/nonexistent/scenarios")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "scenarios not found")
}

func TestTestCommandEmptyDir(t *testing.T) {
	out, err := executeTest(t, "text", t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, out, "No scenarios found.")
}

func TestTestCommandEmptyDirJSON(t *testing.T) {
	out, err := executeTest(t, "json", t.TempDir())
	require.NoError(t, err)

	var resp struct {
		Status string     `json:"status"`
		Data   TestResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 0, resp.Data.Total)
	assert.Empty(t, resp.Data.Scenarios)
}

func TestTestCommandPassingScenario(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "echo", echoFlow)

	out, err := executeTest(t, "text", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ echo")
	assert.Contains(t, out, "Test Summary: 1 passed, 0 failed, 1 total")
	assert.Contains(t, out, "✓ All scenarios passed")
}

func TestTestCommandFailingScenario(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "echo", echoFlow)
	writeScenario(t, dir, "wrong", failingFlow)

	out, err := executeTest(t, "json", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp struct {
		Status string     `json:"status"`
		Data   TestResult `json:"data"`
		Error  *CLIError  `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "E_TEST_FAILED", resp.Error.Code)
	assert.Equal(t, 1, resp.Data.Passed)
	assert.Equal(t, 1, resp.Data.Failed)

	var wrong ScenarioResult
	for _, sr := range resp.Data.Scenarios {
		if sr.Name == "wrong" {
			wrong = sr
		}
	}
	assert.False(t, wrong.Pass)
	assert.Contains(t, wrong.Errors, "flow[0]: state clicks: expected 5, got 1")
}

func TestTestCommandFilter(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "echo", echoFlow)
	writeScenario(t, dir, "wrong", failingFlow)

	out, err := executeTest(t, "text", dir, "--filter", "ec*")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ echo")
	assert.NotContains(t, out, "wrong")
	assert.Contains(t, out, "1 total")
}

func TestTestCommandInvalidFilter(t *testing.T) {
	_, err := executeTest(t, "text", t.TempDir(), "--filter", "[")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestTestCommandBrokenScenarioFile(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "echo", echoFlow)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("name: broken\nflow: []\n"), 0o644))

	out, err := executeTest(t, "text", dir)
	require.Error(t, err)
	assert.Contains(t, out, "✗ (load)")
	assert.Contains(t, out, "broken.yaml")
	assert.Contains(t, out, "✓ echo")
	assert.Contains(t, out, "1 passed, 1 failed, 2 total")
}

func TestTestCommandGoldenLifecycle(t *testing.T) {
	dir := t.TempDir()
	scenario := writeScenario(t, dir, "echo", echoFlow)
	golden := filepath.Join(dir, "golden", "echo.golden")

	out, err := executeTest(t, "text", scenario, "--update")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ echo")

	data, err := os.ReadFile(golden)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"scenario":"echo"`)
	assert.Contains(t, string(data), `"type":"log/push"`)

	_, err = executeTest(t, "text", dir)
	require.NoError(t, err, "fresh golden file matches")

	require.NoError(t, os.WriteFile(golden, []byte(`{"scenario":"echo","trace":[]}`), 0o644))
	out, err = executeTest(t, "text", dir)
	require.Error(t, err)
	assert.Contains(t, out, "trace does not match golden file")
}
