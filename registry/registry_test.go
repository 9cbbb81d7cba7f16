package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stepflow/stepflow/loader"
	"github.com/stepflow/stepflow/model"
)

func writeWorkflow(t *testing.T, dir, category, id, body string) {
	t.Helper()
	categoryDir := filepath.Join(dir, "definitions", category)
	require.NoError(t, os.MkdirAll(categoryDir, 0755))
	content := fmt.Sprintf(`metadata:
  id: %s
  name: %s workflow
  version: 1.0.0
  type: %s
  description: test workflow %s
  tags: [test]
steps:
%s`, id, id, category, id, body)
	require.NoError(t, os.WriteFile(filepath.Join(categoryDir, id+".yaml"), []byte(content), 0644))
}

func logSteps() string {
	return "  - id: s1\n    action: log\n    message: hello\n"
}

func callStep(target string) string {
	return fmt.Sprintf("  - id: call\n    action: execute-workflow\n    workflow: %s\n", target)
}

func newRegistry(t *testing.T, dir string) *Registry {
	t.Helper()
	return New(loader.New(dir), filepath.Join(dir, "index.json"))
}

func TestScanBuildsIndexAndDependencyGraph(t *testing.T) {
	dir := t.TempDir()
	writeWorkflow(t, dir, "master", "release", callStep("build"))
	writeWorkflow(t, dir, "core", "build", logSteps())
	writeWorkflow(t, dir, "utility", "notify", logSteps())

	reg := newRegistry(t, dir)
	require.NoError(t, reg.Scan())

	require.True(t, reg.Exists("release"))
	require.Equal(t, []string{"build"}, reg.DependenciesOf("release", false))
	require.Equal(t, []string{"release"}, reg.DependentsOf("build"))
	require.FileExists(t, filepath.Join(dir, "index.json"))
	require.False(t, reg.LastScan().IsZero())
}

func TestScanFindsDependenciesInNestedBodies(t *testing.T) {
	dir := t.TempDir()
	writeWorkflow(t, dir, "core", "outer", `  - id: check
    action: conditional
    condition: ${inputs.GO}
    steps:
      - id: call
        action: execute-workflow
        workflow: inner
`)
	writeWorkflow(t, dir, "core", "inner", logSteps())

	reg := newRegistry(t, dir)
	require.NoError(t, reg.Scan())
	require.Equal(t, []string{"inner"}, reg.DependenciesOf("outer", false))
}

func TestRecursiveDependencies(t *testing.T) {
	dir := t.TempDir()
	writeWorkflow(t, dir, "master", "a", callStep("b"))
	writeWorkflow(t, dir, "core", "b", callStep("c"))
	writeWorkflow(t, dir, "core", "c", logSteps())

	reg := newRegistry(t, dir)
	require.NoError(t, reg.Scan())

	require.Equal(t, []string{"b"}, reg.DependenciesOf("a", false))
	require.Equal(t, []string{"b", "c"}, reg.DependenciesOf("a", true))
}

func TestScanDetectsCycles(t *testing.T) {
	dir := t.TempDir()
	writeWorkflow(t, dir, "core", "a", callStep("b"))
	writeWorkflow(t, dir, "core", "b", callStep("a"))

	reg := newRegistry(t, dir)
	err := reg.Scan()

	var cycleErr *model.CyclicDependencyError
	require.ErrorAs(t, err, &cycleErr)
	require.NotEmpty(t, cycleErr.Cycle)
}

func TestLoadIndexFastPath(t *testing.T) {
	dir := t.TempDir()
	writeWorkflow(t, dir, "core", "build", logSteps())

	first := newRegistry(t, dir)
	require.NoError(t, first.Scan())

	second := newRegistry(t, dir)
	require.True(t, second.LoadIndex())
	require.True(t, second.Exists("build"))
	require.Equal(t, first.LastScan().Unix(), second.LastScan().Unix())
}

func TestLoadIndexCorruptReturnsFalse(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.json"), []byte("{not json"), 0644))

	reg := newRegistry(t, dir)
	require.False(t, reg.LoadIndex())
}

func TestLoadIndexAbsentReturnsFalse(t *testing.T) {
	reg := newRegistry(t, t.TempDir())
	require.False(t, reg.LoadIndex())
}

func TestGetReturnsFullDocument(t *testing.T) {
	dir := t.TempDir()
	writeWorkflow(t, dir, "core", "build", logSteps())

	reg := newRegistry(t, dir)
	doc, err := reg.Get("build")
	require.NoError(t, err)
	require.Contains(t, doc, "steps")

	_, err = reg.Get("ghost")
	var notFound *model.DefinitionNotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestListFiltersByCategoryAndTags(t *testing.T) {
	dir := t.TempDir()
	writeWorkflow(t, dir, "master", "release", logSteps())
	writeWorkflow(t, dir, "core", "build", logSteps())

	reg := newRegistry(t, dir)
	require.NoError(t, reg.Scan())

	all, err := reg.List("", nil)
	require.NoError(t, err)
	require.Len(t, all, 2)

	master, err := reg.List("master", nil)
	require.NoError(t, err)
	require.Len(t, master, 1)
	require.Equal(t, "release", master[0].Id)

	tagged, err := reg.List("", []string{"test"})
	require.NoError(t, err)
	require.Len(t, tagged, 2)

	none, err := reg.List("", []string{"missing"})
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestSearchMatchesAcrossFields(t *testing.T) {
	dir := t.TempDir()
	writeWorkflow(t, dir, "master", "release", logSteps())
	writeWorkflow(t, dir, "core", "build", logSteps())

	reg := newRegistry(t, dir)
	require.NoError(t, reg.Scan())

	matches, err := reg.Search("RELEASE")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.Equal(t, "release", matches[0].Id)

	matches, err = reg.Search("test workflow")
	require.NoError(t, err)
	require.Len(t, matches, 2)
}

func TestStats(t *testing.T) {
	dir := t.TempDir()
	writeWorkflow(t, dir, "master", "release", callStep("build"))
	writeWorkflow(t, dir, "core", "build", logSteps())

	reg := newRegistry(t, dir)
	require.NoError(t, reg.Scan())

	stats, err := reg.Stats()
	require.NoError(t, err)
	require.Equal(t, 2, stats.TotalWorkflows)
	require.Equal(t, 1, stats.ByType["master"])
	require.Equal(t, 1, stats.ByType["core"])
	require.Equal(t, 1, stats.WorkflowsWithDependencies)
	require.NotNil(t, stats.LastScan)
}

func TestExport(t *testing.T) {
	dir := t.TempDir()
	writeWorkflow(t, dir, "core", "build", logSteps())

	reg := newRegistry(t, dir)
	require.NoError(t, reg.Scan())

	exportPath := filepath.Join(dir, "export.json")
	require.NoError(t, reg.Export(exportPath))
	require.FileExists(t, exportPath)
}
