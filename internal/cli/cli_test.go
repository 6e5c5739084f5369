package cli

import (
	"bytes"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/ChuLiYu/grobid-batch/internal/report"
	"github.com/ChuLiYu/grobid-batch/internal/stub"
	"github.com/ChuLiYu/grobid-batch/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, server string) string {
	t.Helper()
	for _, key := range []string{"GROBID_SERVER", "GROBID_BATCH_SIZE", "GROBID_CONCURRENCY", "GROBID_TIMEOUT", "GROBID_SLEEP_TIME"} {
		t.Setenv(key, "")
	}

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := fmt.Sprintf(`
grobid_server: %s
batch_size: 2
concurrency: 2
timeout: 5s
sleep_time: 10ms
logging:
  console: false
`, server)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func writeInputs(t *testing.T, root string, names ...string) {
	t.Helper()
	for _, name := range names {
		path := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte("%PDF-1.4"), 0644))
	}
}

func execute(args ...string) (string, error) {
	cmd := BuildCLI()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.NotNil(t, cmd)
	assert.Equal(t, "grobid-batch", cmd.Use)
	assert.Equal(t, "1.0.0", cmd.Version)

	names := make(map[string]bool)
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["process"])
	assert.True(t, names["ping"])
	assert.True(t, names["status"])
	assert.True(t, names["services"])

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, "config.yaml", configFlag.DefValue)
}

func TestBuildProcessCommand(t *testing.T) {
	cmd := buildProcessCommand()

	assert.Equal(t, "process", cmd.Name())
	for _, name := range []string{
		"input", "output", "n", "batch-size", "generate-ids", "consolidate-header",
		"consolidate-citations", "include-raw-citations", "include-raw-affiliations",
		"tei-coordinates", "segment-sentences", "flavor", "start", "end",
		"force", "verbose", "skip-check", "report",
	} {
		assert.NotNil(t, cmd.Flags().Lookup(name), "missing --%s", name)
	}
}

func TestProcess_EndToEnd(t *testing.T) {
	srv := httptest.NewServer(stub.NewServer(stub.Options{FailStatus: map[string]int{"b.pdf": 404}}).Router())
	defer srv.Close()

	cfgPath := writeConfig(t, srv.URL)
	in := t.TempDir()
	out := filepath.Join(t.TempDir(), "results")
	reportPath := filepath.Join(t.TempDir(), "last_run.json")
	writeInputs(t, in, "a.pdf", "b.pdf", "sub/c.pdf")

	output, err := execute("process", "processFulltextDocument",
		"-c", cfgPath, "--input", in, "--output", out, "--n", "2",
		"--consolidate-header", "--report", reportPath)

	assert.ErrorIs(t, err, ErrPartialFailure)
	assert.Contains(t, output, "Processed OK:   2")
	assert.Contains(t, output, "Errors:         1")

	assert.FileExists(t, filepath.Join(out, "a.grobid.tei.xml"))
	assert.FileExists(t, filepath.Join(out, "sub", "c.grobid.tei.xml"))
	assert.FileExists(t, filepath.Join(out, "b_404.txt"))

	r, err := report.NewManager(reportPath).Load()
	require.NoError(t, err)
	assert.Equal(t, types.RunCounters{TotalDiscovered: 3, ProcessedOK: 2, ProcessedError: 1}, r.Counters)
	assert.Equal(t, 2, r.Batches)
	require.Len(t, r.Failed, 1)
	assert.Equal(t, 404, r.Failed[0].StatusCode)

	status, err := execute("status", "-c", cfgPath, "--report", reportPath)
	require.NoError(t, err)
	assert.Contains(t, status, r.RunID)
	assert.Contains(t, status, "b.pdf (404)")
	assert.Contains(t, status, srv.URL)
}

func TestProcess_RerunSkipsAndSucceeds(t *testing.T) {
	srv := httptest.NewServer(stub.NewServer(stub.Options{}).Router())
	defer srv.Close()

	cfgPath := writeConfig(t, srv.URL)
	in := t.TempDir()
	writeInputs(t, in, "a.pdf", "b.pdf")

	_, err := execute("process", "processHeaderDocument", "-c", cfgPath, "--input", in)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(in, "a.grobid.tei.xml"))

	output, err := execute("process", "processHeaderDocument", "-c", cfgPath, "--input", in)
	require.NoError(t, err)
	assert.Contains(t, output, "Skipped:        2")
}

func TestProcess_ServerDown(t *testing.T) {
	srv := httptest.NewServer(stub.NewServer(stub.Options{Down: true}).Router())
	defer srv.Close()

	cfgPath := writeConfig(t, srv.URL)
	in := t.TempDir()
	writeInputs(t, in, "a.pdf")

	_, err := execute("process", "processFulltextDocument", "-c", cfgPath, "--input", in)
	assert.ErrorIs(t, err, ErrServerUnavailable)
	assert.NoFileExists(t, filepath.Join(in, "a.grobid.tei.xml"))

	// the stub still processes documents when only isalive is down
	_, err = execute("process", "processFulltextDocument", "-c", cfgPath, "--input", in, "--skip-check")
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(in, "a.grobid.tei.xml"))
}

func TestProcess_InvalidArguments(t *testing.T) {
	cfgPath := writeConfig(t, "http://127.0.0.1:1")

	_, err := execute("process", "processEverything", "-c", cfgPath, "--input", t.TempDir())
	assert.ErrorIs(t, err, types.ErrUnknownService)

	_, err = execute("process", "processFulltextDocument", "-c", cfgPath)
	assert.Error(t, err, "--input is required")

	_, err = execute("process", "processFulltextDocument", "-c", cfgPath, "--input", t.TempDir(), "--n", "0")
	assert.Error(t, err)
}

func TestPing(t *testing.T) {
	srv := httptest.NewServer(stub.NewServer(stub.Options{}).Router())
	defer srv.Close()

	output, err := execute("ping", "-c", writeConfig(t, srv.URL))
	require.NoError(t, err)
	assert.Contains(t, output, "up and running")

	down := httptest.NewServer(stub.NewServer(stub.Options{Down: true}).Router())
	defer down.Close()

	_, err = execute("ping", "-c", writeConfig(t, down.URL))
	assert.ErrorIs(t, err, ErrServerUnavailable)
}

func TestStatus_NoReport(t *testing.T) {
	cfgPath := writeConfig(t, "http://localhost:8070")

	output, err := execute("status", "-c", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, output, "No report path configured")

	output, err = execute("status", "-c", cfgPath, "--report", filepath.Join(t.TempDir(), "none.json"))
	require.NoError(t, err)
	assert.Contains(t, output, "No run recorded yet")
}

func TestStatus_MissingConfig(t *testing.T) {
	_, err := execute("status", "-c", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestServices(t *testing.T) {
	output, err := execute("services")
	require.NoError(t, err)

	for _, s := range types.Services() {
		assert.Contains(t, output, string(s))
	}
	assert.Contains(t, output, "[.txt]")
	assert.Contains(t, output, "[.xml]")
}
