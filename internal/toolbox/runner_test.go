package toolbox

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1122414/AutoWeb/internal/logging"
)

func newTestRunner(t *testing.T) (*GoRunner, *Kit) {
	t.Helper()
	logging.SetCodeLogDir(t.TempDir())
	kit := NewKit(t.TempDir())
	r := NewGoRunner(kit)
	r.settleWait = 0
	return r, kit
}

func TestRunnerCollectsResultsAndOutput(t *testing.T) {
	r, _ := newTestRunner(t)

	code := `fmt.Println("scraping page 1")
results = append(results, map[string]interface{}{"title": "Movie 1"})`

	res, err := r.Run(context.Background(), nil, code)
	require.NoError(t, err)
	require.NotNil(t, res)

	require.Len(t, res.Rows, 1)
	assert.Equal(t, "Movie 1", res.Rows[0]["title"])

	assert.Contains(t, res.Log, "--- [Code Output] ---")
	assert.Contains(t, res.Log, "scraping page 1")
	assert.Contains(t, res.Log, "URL Unchanged:")
	assert.Contains(t, res.Log, "Log saved to:")
	require.NotEmpty(t, res.LogPath)
	assert.True(t, strings.HasPrefix(filepath.Base(res.LogPath), "exec_"))
}

func TestRunnerBindsToolbox(t *testing.T) {
	r, kit := newTestRunner(t)

	code := `rows := []map[string]interface{}{{"title": "Inception"}}
path, err := toolbox.SaveData(rows, "films.json")
if err != nil {
	return err
}
fmt.Println("saved to", path)
results = append(results, rows[0])`

	res, err := r.Run(context.Background(), nil, code)
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Contains(t, res.Log, "[Toolbox] Saved 1 rows")
	assert.FileExists(t, filepath.Join(kit.OutputDir(), "films.json"))
}

func TestRunnerReportsCompileErrors(t *testing.T) {
	r, _ := newTestRunner(t)

	res, err := r.Run(context.Background(), nil, "this is not go")
	require.Error(t, err)
	require.NotNil(t, res)
	assert.Empty(t, res.Rows)
	assert.Contains(t, res.Log, "Execution failed:")
	require.NotEmpty(t, res.LogPath)
	assert.True(t, strings.HasPrefix(filepath.Base(res.LogPath), "error_"))
}

func TestRunnerKeepsPartialRowsOnFailure(t *testing.T) {
	r, _ := newTestRunner(t)

	code := `fmt.Println("clicking next")
results = append(results, map[string]interface{}{"title": "Movie 1"})
return fmt.Errorf("element not found: %q", "#next")`

	res, err := r.Run(context.Background(), nil, code)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "element not found")

	require.Len(t, res.Rows, 1)
	assert.Equal(t, "Movie 1", res.Rows[0]["title"])
	assert.Contains(t, res.Log, "--- [Code Output (Partial)] ---")
	assert.Contains(t, res.Log, "Execution failed:")
}

func TestRunnerRecoversPanics(t *testing.T) {
	r, _ := newTestRunner(t)

	code := `var items []string
fmt.Println(items[3])`

	res, err := r.Run(context.Background(), nil, code)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic")
	require.NotNil(t, res)
}

func TestRunnerCancelsLongExecutions(t *testing.T) {
	r, _ := newTestRunner(t)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	res, err := r.Run(ctx, nil, `time.Sleep(5 * time.Second)`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cancelled")
	require.NotNil(t, res)
}

func TestWrapProgramHoistsImports(t *testing.T) {
	code := `package main

import (
	"os"
	"fmt"
)

import "net/url"

fmt.Println(os.Getenv("HOME"), url.QueryEscape("a b"))`

	prog := wrapProgram(code)

	assert.Equal(t, 1, strings.Count(prog, "package main"))
	assert.Contains(t, prog, "\t\"os\"\n")
	assert.Contains(t, prog, "\t\"net/url\"\n")
	assert.Equal(t, 1, strings.Count(prog, `"fmt"`))
	assert.Contains(t, prog, "func run() error {")
	assert.Contains(t, prog, "\tfmt.Println(os.Getenv(\"HOME\"), url.QueryEscape(\"a b\"))")
	assert.True(t, strings.HasSuffix(prog, "\treturn nil\n}\n"))
}

func TestWrapProgramPlainFragment(t *testing.T) {
	prog := wrapProgram(`results = append(results, map[string]interface{}{"a": 1})`)

	assert.Contains(t, prog, `"autoweb"`)
	assert.Contains(t, prog, "tab     = autoweb.Tab")
	assert.Contains(t, prog, "toolbox = autoweb.Toolbox")
	assert.Contains(t, prog, "results = []map[string]interface{}{}")
}
