package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const passingScenario = `
name: settles
description: "A purchase is delivered and recorded"
products: [{id: gold, store_specific_id: gold.sku, type: Consumable}]
steps:
  - products_retrieved: [{store_specific_id: gold.sku}]
  - purchase_succeeded: {store_specific_id: gold.sku, receipt: r, transaction_id: tx-1}
assertions:
  - {type: ledger_contains, transaction_id: tx-1}
`

const failingScenario = `
name: never_initializes
description: "Asserts an initialization that cannot happen"
products: [{id: gold, store_specific_id: gold.sku, type: Consumable}]
steps:
  - products_retrieved: []
assertions:
  - {type: trace_contains, event: app.initialized}
`

func TestScenarioCommand_MissingDir(t *testing.T) {
	_, err := execute(t, "scenario", filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "scenarios directory not found")
}

func TestScenarioCommand_BadFilter(t *testing.T) {
	_, err := execute(t, "scenario", t.TempDir(), "--filter", "[")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestScenarioCommand_Empty(t *testing.T) {
	out, err := execute(t, "scenario", t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, out, "No scenarios found")
}

func TestScenarioCommand_Pass(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "settles.yaml", passingScenario)

	out, err := execute(t, "scenario", dir, "--format", "json")
	require.NoError(t, err)

	var summary ScenarioSummary
	assert.Equal(t, "ok", decodeData(t, out, &summary))
	assert.Equal(t, ScenarioSummary{
		Scenarios: []ScenarioResult{{Name: "settles", Pass: true, Golden: "missing"}},
		Passed:    1,
		Total:     1,
	}, summary)
}

func TestScenarioCommand_Fail(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "settles.yaml", passingScenario)
	writeFile(t, dir, "never_initializes.yml", failingScenario)

	out, err := execute(t, "scenario", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✓ settles")
	assert.Contains(t, out, "✗ never_initializes")
	assert.Contains(t, out, "Assertion failed: trace_contains")
	assert.Contains(t, out, "Scenario Summary: 1 passed, 1 failed, 2 total")
	assert.Contains(t, out, "Error [E_SCENARIO_FAILED]: 1 scenario(s) failed")
}

func TestScenarioCommand_Filter(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "settles.yaml", passingScenario)
	writeFile(t, dir, "never_initializes.yaml", failingScenario)

	out, err := execute(t, "scenario", dir, "--filter", "sett*")
	require.NoError(t, err)
	assert.Contains(t, out, "1 passed, 0 failed, 1 total")
}

func TestScenarioCommand_LoadError(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "broken.yaml", "name: broken\n")

	out, err := execute(t, "scenario", dir)
	require.Error(t, err)
	assert.Contains(t, out, "✗ broken.yaml")
	assert.Contains(t, out, "failed to load scenario")
}

func TestScenarioCommand_Golden(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "settles.yaml", passingScenario)
	golden := filepath.Join(dir, "golden", "settles.golden")

	out, err := execute(t, "scenario", dir, "--update")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ settles (golden updated)")

	data, err := os.ReadFile(golden)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"scenario_name": "settles"`)
	assert.Contains(t, string(data), `"ledger.append:tx-1"`)

	out, err = execute(t, "scenario", dir, "--format", "json")
	require.NoError(t, err)
	var summary ScenarioSummary
	decodeData(t, out, &summary)
	require.Len(t, summary.Scenarios, 1)
	assert.Equal(t, "match", summary.Scenarios[0].Golden)

	require.NoError(t, os.WriteFile(golden, []byte("{}\n"), 0o644))
	out, err = execute(t, "scenario", dir)
	require.Error(t, err)
	assert.Contains(t, out, "snapshot does not match golden file")
}

func TestFindScenarioFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "")
	writeFile(t, dir, "nested/b.yml", "")
	writeFile(t, dir, "notes.txt", "")
	writeFile(t, dir, "golden/c.yaml", "")

	files, err := findScenarioFiles(dir, "")
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "a.yaml"),
		filepath.Join(dir, "nested", "b.yml"),
	}, files)

	files, err = findScenarioFiles(dir, "b")
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "nested", "b.yml")}, files)
}

func TestGoldenFilePath(t *testing.T) {
	assert.Equal(t, filepath.Join("scenarios", "golden", "restore.golden"), goldenFilePath(filepath.Join("scenarios", "restore.yaml")))
}
