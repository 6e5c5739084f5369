package scheduler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/grobid-batch/internal/backend"
	"github.com/ChuLiYu/grobid-batch/internal/stub"
	"github.com/ChuLiYu/grobid-batch/internal/worker"
	"github.com/ChuLiYu/grobid-batch/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func writeFiles(t *testing.T, root string, names ...string) {
	t.Helper()
	for _, name := range names {
		path := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte("%PDF-1.4 "+name), 0644))
	}
}

func defaultConfig() Config {
	return Config{
		Service:     types.ServiceFulltext,
		BatchSize:   1000,
		Concurrency: 2,
		CallTimeout: 5 * time.Second,
	}
}

type callSpan struct {
	path       string
	start, end time.Time
}

// recordingBackend succeeds for every job and records call spans.
type recordingBackend struct {
	delay time.Duration
	mu    sync.Mutex
	spans []callSpan
}

func (r *recordingBackend) Call(_ context.Context, job types.Job) types.Outcome {
	start := time.Now()
	time.Sleep(r.delay)
	r.mu.Lock()
	r.spans = append(r.spans, callSpan{path: job.InputPath, start: start, end: time.Now()})
	r.mu.Unlock()
	return types.Outcome{InputPath: job.InputPath, Status: types.StatusSuccess, StatusCode: 200, Body: "<TEI/>"}
}

func (r *recordingBackend) Spans() []callSpan {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]callSpan(nil), r.spans...)
}

func TestDiscover(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, "b.pdf", "a.PDF", "sub/c.pdf", "notes.txt", "a.grobid.tei.xml", "patent.xml")

	paths, warnings, err := Discover(root, "", types.ServiceFulltext)
	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.Equal(t, []string{
		filepath.Join(root, "a.PDF"),
		filepath.Join(root, "b.pdf"),
		filepath.Join(root, "sub", "c.pdf"),
	}, paths)

	paths, _, err = Discover(root, "", types.ServiceCitationList)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(root, "notes.txt")}, paths)

	// prior success artifacts never become ST36 inputs
	paths, _, err = Discover(root, "", types.ServiceCitationPatentST36)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(root, "patent.xml")}, paths)
}

func TestDiscover_SkipsErrorArtifactsBesideInputs(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root,
		"refs.txt", "refs_500.txt", "refs_-1.txt",
		"sub/more.txt", "sub/more_408.txt",
		"chapter.txt", "chapter_2.txt",
		"orphan_404.txt")

	paths, _, err := Discover(root, "", types.ServiceCitationList)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(root, "chapter.txt"),
		filepath.Join(root, "chapter_2.txt"),
		filepath.Join(root, "orphan_404.txt"),
		filepath.Join(root, "refs.txt"),
		filepath.Join(root, "sub", "more.txt"),
	}, paths)
}

func TestDiscover_SkipsNestedOutputRoot(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, "refs.txt", "results/refs_500.txt", "results/old.txt", "resultsX/keep.txt")

	paths, _, err := Discover(root, filepath.Join(root, "results"), types.ServiceCitationList)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(root, "refs.txt"),
		filepath.Join(root, "resultsX", "keep.txt"),
	}, paths)

	// an output root equal to the input root hides nothing
	paths, _, err = Discover(root, root, types.ServiceCitationList)
	require.NoError(t, err)
	assert.Len(t, paths, 4)
}

func TestDiscover_FollowsFileSymlinks(t *testing.T) {
	root, elsewhere := t.TempDir(), t.TempDir()
	writeFiles(t, root, "a.pdf")
	writeFiles(t, elsewhere, "linked.pdf", "dir/hidden.pdf")
	require.NoError(t, os.Symlink(filepath.Join(elsewhere, "linked.pdf"), filepath.Join(root, "linked.pdf")))
	require.NoError(t, os.Symlink(filepath.Join(elsewhere, "dir"), filepath.Join(root, "dir")))
	require.NoError(t, os.Symlink(filepath.Join(elsewhere, "gone.pdf"), filepath.Join(root, "broken.pdf")))

	paths, warnings, err := Discover(root, "", types.ServiceFulltext)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(root, "a.pdf"),
		filepath.Join(root, "linked.pdf"),
	}, paths)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "broken.pdf")
}

// lockDir removes every permission from dir for the rest of the test.
func lockDir(t *testing.T, dir string) {
	t.Helper()
	if os.Geteuid() == 0 {
		t.Skip("directory permissions are not enforced for root")
	}
	require.NoError(t, os.Chmod(dir, 0))
	t.Cleanup(func() { _ = os.Chmod(dir, 0755) })
}

func TestDiscover_UnreadableSubdirectory(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, "a.pdf", "locked/b.pdf", "z/c.pdf")
	lockDir(t, filepath.Join(root, "locked"))

	paths, warnings, err := Discover(root, "", types.ServiceFulltext)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(root, "a.pdf"), filepath.Join(root, "z", "c.pdf")}, paths)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], filepath.Join(root, "locked"))
}

func TestDiscover_UnreadableRoot(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, "a.pdf")
	lockDir(t, root)

	_, _, err := Discover(root, "", types.ServiceFulltext)
	assert.Error(t, err)
}

func TestPartition(t *testing.T) {
	jobs := make([]types.Job, 5)
	for i := range jobs {
		jobs[i] = types.Job{InputPath: fmt.Sprintf("/in/%d.pdf", i)}
	}

	batches := Partition(jobs, 2)
	require.Len(t, batches, 3)
	assert.Len(t, batches[0], 2)
	assert.Len(t, batches[1], 2)
	assert.Len(t, batches[2], 1)
	assert.Equal(t, "/in/4.pdf", batches[2][0].InputPath)

	assert.Len(t, Partition(jobs, 10), 1)
	assert.Empty(t, Partition(nil, 3))
}

func TestRun_BatchBarrier(t *testing.T) {
	in := t.TempDir()
	writeFiles(t, in, "a.pdf", "b.pdf", "c.pdf", "d.pdf", "e.pdf")

	b := &recordingBackend{delay: 20 * time.Millisecond}
	cfg := defaultConfig()
	cfg.BatchSize = 2
	cfg.Concurrency = 4

	summary, err := New(b, cfg, WithLogger(discard)).Run(context.Background(), in, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Batches)

	spans := b.Spans()
	require.Len(t, spans, 5)

	batchOf := func(path string) int {
		switch filepath.Base(path) {
		case "a.pdf", "b.pdf":
			return 0
		case "c.pdf", "d.pdf":
			return 1
		}
		return 2
	}
	for _, earlier := range spans {
		for _, later := range spans {
			if batchOf(later.path) > batchOf(earlier.path) {
				assert.False(t, later.start.Before(earlier.end),
					"%s started before %s finished", later.path, earlier.path)
			}
		}
	}
}

func TestRun_EndToEnd(t *testing.T) {
	in, out := t.TempDir(), t.TempDir()
	writeFiles(t, in, "a.pdf", "b.pdf", "sub/c.pdf")

	srv := httptest.NewServer(stub.NewServer(stub.Options{FailStatus: map[string]int{"b.pdf": 404}}).Router())
	defer srv.Close()

	s := New(backend.NewHTTPClient(srv.URL), defaultConfig(), WithLogger(discard))
	summary, err := s.Run(context.Background(), in, out)
	require.NoError(t, err)

	assert.NotEmpty(t, summary.RunID)
	assert.Equal(t, types.RunCounters{TotalDiscovered: 3, ProcessedOK: 2, ProcessedError: 1}, summary.Counters)
	assert.True(t, summary.Counters.Accounted())

	data, err := os.ReadFile(filepath.Join(out, "a.grobid.tei.xml"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "<TEI")
	assert.FileExists(t, filepath.Join(out, "sub", "c.grobid.tei.xml"))
	assert.FileExists(t, filepath.Join(out, "b_404.txt"))
	assert.NoFileExists(t, filepath.Join(out, "b.grobid.tei.xml"))

	failures := s.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, filepath.Join(in, "b.pdf"), failures[0].Input)
	assert.Equal(t, 404, failures[0].StatusCode)

	assert.Equal(t, summary.Counters, s.Snapshot())
}

func TestRun_BusyRetriedThroughStub(t *testing.T) {
	in := t.TempDir()
	writeFiles(t, in, "a.pdf")

	stubSrv := stub.NewServer(stub.Options{BusyFirst: 1})
	srv := httptest.NewServer(stubSrv.Router())
	defer srv.Close()

	var mu sync.Mutex
	var sleeps []time.Duration
	sleeper := worker.Sleeper(func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		sleeps = append(sleeps, d)
		mu.Unlock()
		return nil
	})

	cfg := defaultConfig()
	cfg.Retry = worker.RetryPolicy{Delay: 5 * time.Second}
	summary, err := New(backend.NewHTTPClient(srv.URL), cfg, WithLogger(discard), WithSleeper(sleeper)).
		Run(context.Background(), in, "")
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Counters.ProcessedOK)
	assert.Equal(t, 2, stubSrv.Calls("a.pdf"))
	assert.Equal(t, []time.Duration{5 * time.Second}, sleeps)
	assert.FileExists(t, filepath.Join(in, "a.grobid.tei.xml"))
}

func TestRun_EmptyInput(t *testing.T) {
	in := t.TempDir()
	writeFiles(t, in, "readme.md")

	b := &recordingBackend{}
	summary, err := New(b, defaultConfig(), WithLogger(discard)).Run(context.Background(), in, "")
	require.NoError(t, err)

	assert.Zero(t, summary.Counters.TotalDiscovered)
	assert.Contains(t, summary.Warnings, WarnNoInput)
	assert.Empty(t, b.Spans())
}

func TestRun_Idempotent(t *testing.T) {
	in, out := t.TempDir(), t.TempDir()
	writeFiles(t, in, "a.pdf", "b.pdf", "c.pdf")

	first := &recordingBackend{}
	summary, err := New(first, defaultConfig(), WithLogger(discard)).Run(context.Background(), in, out)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Counters.ProcessedOK)

	second := &recordingBackend{}
	summary, err = New(second, defaultConfig(), WithLogger(discard)).Run(context.Background(), in, out)
	require.NoError(t, err)

	assert.Empty(t, second.Spans(), "existing results must not be resubmitted")
	assert.Equal(t, types.RunCounters{TotalDiscovered: 3, Skipped: 3}, summary.Counters)

	cfg := defaultConfig()
	cfg.Force = true
	forced := &recordingBackend{}
	summary, err = New(forced, cfg, WithLogger(discard)).Run(context.Background(), in, out)
	require.NoError(t, err)
	assert.Len(t, forced.Spans(), 3)
	assert.Equal(t, 3, summary.Counters.ProcessedOK)
}

func TestRun_CounterInvariantAcrossBatches(t *testing.T) {
	in, out := t.TempDir(), t.TempDir()
	names := make([]string, 0, 7)
	for i := 0; i < 7; i++ {
		names = append(names, fmt.Sprintf("doc-%d.pdf", i))
	}
	writeFiles(t, in, names...)
	writeFiles(t, out, "doc-3.grobid.tei.xml")

	srv := httptest.NewServer(stub.NewServer(stub.Options{FailStatus: map[string]int{"doc-5.pdf": 500}}).Router())
	defer srv.Close()

	cfg := defaultConfig()
	cfg.BatchSize = 3
	summary, err := New(backend.NewHTTPClient(srv.URL), cfg, WithLogger(discard)).Run(context.Background(), in, out)
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Batches)
	assert.Equal(t, types.RunCounters{TotalDiscovered: 7, ProcessedOK: 5, ProcessedError: 1, Skipped: 1}, summary.Counters)
	assert.True(t, summary.Counters.Accounted())
}

func TestRun_UnreadableSubdirectoryIsolated(t *testing.T) {
	in, out := t.TempDir(), t.TempDir()
	writeFiles(t, in, "a.pdf", "locked/b.pdf")
	lockDir(t, filepath.Join(in, "locked"))

	b := &recordingBackend{}
	summary, err := New(b, defaultConfig(), WithLogger(discard)).Run(context.Background(), in, out)
	require.NoError(t, err)

	assert.Equal(t, types.RunCounters{TotalDiscovered: 1, ProcessedOK: 1}, summary.Counters)
	require.Len(t, b.Spans(), 1)
	assert.FileExists(t, filepath.Join(out, "a.grobid.tei.xml"))
	require.Len(t, summary.Warnings, 1)
	assert.Contains(t, summary.Warnings[0], "locked")
}

func TestRun_CitationErrorArtifactNotResubmitted(t *testing.T) {
	in := t.TempDir()
	writeFiles(t, in, "refs.txt")

	var mu sync.Mutex
	calls := make(map[string]int)
	failing := backend.Func(func(_ context.Context, job types.Job) types.Outcome {
		mu.Lock()
		calls[filepath.Base(job.InputPath)]++
		mu.Unlock()
		return types.Outcome{InputPath: job.InputPath, Status: types.StatusPermanentError, StatusCode: 500, Body: "boom"}
	})

	cfg := defaultConfig()
	cfg.Service = types.ServiceCitationList
	for i := 0; i < 2; i++ {
		summary, err := New(failing, cfg, WithLogger(discard)).Run(context.Background(), in, "")
		require.NoError(t, err)
		assert.Equal(t, types.RunCounters{TotalDiscovered: 1, ProcessedError: 1}, summary.Counters)
	}

	assert.FileExists(t, filepath.Join(in, "refs_500.txt"))
	assert.NoFileExists(t, filepath.Join(in, "refs_500.grobid.tei.xml"))
	assert.Equal(t, map[string]int{"refs.txt": 2}, calls)
}

func TestRun_CancelledBeforeStart(t *testing.T) {
	in := t.TempDir()
	writeFiles(t, in, "a.pdf", "b.pdf")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	b := &recordingBackend{}
	summary, err := New(b, defaultConfig(), WithLogger(discard)).Run(ctx, in, "")

	assert.ErrorIs(t, err, ErrInterrupted)
	assert.Zero(t, summary.Batches)
	assert.Equal(t, 2, summary.Counters.TotalDiscovered)
	assert.Empty(t, b.Spans())
}

func TestRun_InvalidArguments(t *testing.T) {
	b := &recordingBackend{}

	_, err := New(b, defaultConfig()).Run(context.Background(), filepath.Join(t.TempDir(), "missing"), "")
	assert.ErrorIs(t, err, ErrInputRoot)

	file := filepath.Join(t.TempDir(), "file.pdf")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0644))
	_, err = New(b, defaultConfig()).Run(context.Background(), file, "")
	assert.ErrorIs(t, err, ErrInputRoot)

	cfg := defaultConfig()
	cfg.BatchSize = 0
	_, err = New(b, cfg).Run(context.Background(), t.TempDir(), "")
	assert.ErrorIs(t, err, ErrBatchSize)

	cfg = defaultConfig()
	cfg.Options = types.Options{Start: 5, End: 2}
	_, err = New(b, cfg).Run(context.Background(), t.TempDir(), "")
	assert.ErrorIs(t, err, types.ErrInvalidOptions)
}
