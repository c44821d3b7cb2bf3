package cmd

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PatchLens/go-introspect/introspect/diag"
)

func runRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()

	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{}, args...)) // nil args would fall back to os.Args
	err := root.Execute()
	return out.String(), err
}

//go:noinline
func recordedFunction(r *diag.Recorder) {
	_, _ = r.Record(0)
}

// makeStore records call sites into a new persistent store, returning its directory.
func makeStore(t *testing.T, records int) string {
	t.Helper()

	dir := filepath.Join(t.TempDir(), "store")
	store, err := diag.NewBadgerStorage(dir, 16, false)
	require.NoError(t, err)
	defer store.Close()

	r, err := diag.NewRecorder(store, diag.RecorderOptions{Depth: 4})
	require.NoError(t, err)
	for range records {
		recordedFunction(r)
	}
	return dir
}

func TestRootCommandFlags(t *testing.T) {
	t.Parallel()

	t.Run("help", func(t *testing.T) {
		out, err := runRoot(t)
		require.NoError(t, err)
		assert.Contains(t, out, "stackreport")
		for _, sub := range []string{"list", "json", "chart", "export", "import"} {
			assert.Contains(t, out, sub)
		}
	})

	t.Run("missing_store", func(t *testing.T) {
		_, err := runRoot(t, "list")
		assert.ErrorContains(t, err, "store directory is required")
	})

	t.Run("bad_cache", func(t *testing.T) {
		_, err := runRoot(t, "list", "--store", t.TempDir(), "--cachemb", "0")
		assert.ErrorContains(t, err, "cache budget")
	})

	t.Run("bad_chart", func(t *testing.T) {
		_, err := runRoot(t, "chart", "--store", t.TempDir(), "--chart", "out.gif")
		assert.ErrorContains(t, err, "unhandled chart file type")
	})

	t.Run("unexpected_args", func(t *testing.T) {
		_, err := runRoot(t, "list", "extra")
		assert.Error(t, err)
	})

	t.Run("import_requires_archive", func(t *testing.T) {
		_, err := runRoot(t, "import", "--store", t.TempDir())
		assert.ErrorContains(t, err, "archive file is required")
	})
}

func TestRootCommandStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skip in short mode")
	}
	t.Parallel()

	dir := makeStore(t, 3)

	t.Run("list", func(t *testing.T) {
		out, err := runRoot(t, "list", "--store", dir, "--lines", "1")
		require.NoError(t, err)
		assert.Contains(t, out, "[hits: 3]")
		assert.Contains(t, out, "recordedFunction")
		assert.Contains(t, out, "more")
	})

	t.Run("json", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "report.json")
		_, err := runRoot(t, "json", "--store", dir, "--json", path)
		require.NoError(t, err)

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		var report diag.ReportMetrics
		require.NoError(t, json.Unmarshal(data, &report))
		assert.Equal(t, uint64(3), report.TotalHits)
		require.Len(t, report.Callers, 1)
	})

	t.Run("chart", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "callers.svg")
		_, err := runRoot(t, "chart", "--store", dir, "--chart", path)
		require.NoError(t, err)
		_, err = os.Stat(path)
		assert.NoError(t, err)
	})

	t.Run("export_import", func(t *testing.T) {
		archive := filepath.Join(t.TempDir(), "sites.zst")
		_, err := runRoot(t, "export", "--store", dir, "--archive", archive)
		require.NoError(t, err)

		target := filepath.Join(t.TempDir(), "imported")
		_, err = runRoot(t, "import", "--store", target, "--archive", archive)
		require.NoError(t, err)

		out, err := runRoot(t, "list", "--store", target)
		require.NoError(t, err)
		assert.Contains(t, out, "[hits: 3]")
	})

	t.Run("empty", func(t *testing.T) {
		out, err := runRoot(t, "list", "--store", t.TempDir())
		require.NoError(t, err)
		assert.Contains(t, out, "no call sites recorded")
	})
}
