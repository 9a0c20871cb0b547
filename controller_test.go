package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// listingServer simulates a paginated listing: pages 1..linkedPages carry
// two PDF links each, everything past that is a valid page with no
// matching links. Requested page numbers are recorded in arrival order.
type listingServer struct {
	mu          sync.Mutex
	requested   []int
	linkedPages int
	blockFrom   int // pages >= blockFrom serve a block page; 0 disables
}

func (ls *listingServer) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page := 1
		if raw := r.URL.Query().Get("page"); raw != "" {
			page, _ = strconv.Atoi(raw)
		}
		ls.mu.Lock()
		ls.requested = append(ls.requested, page)
		ls.mu.Unlock()

		if ls.blockFrom > 0 && page >= ls.blockFrom {
			fmt.Fprint(w, "<html><body>Access Denied</body></html>")
			return
		}

		var b strings.Builder
		b.WriteString("<html><body><ul>")
		if page <= ls.linkedPages {
			fmt.Fprintf(&b, `<li><a href="/files/doc-%d-a.pdf">a</a></li>`, page)
			fmt.Fprintf(&b, `<li><a href="/files/doc-%d-b.pdf">b</a></li>`, page)
		}
		fmt.Fprintf(&b, `<li><a href="/about.html">about</a></li>`)
		b.WriteString("</ul></body></html>")
		fmt.Fprint(w, b.String())
	}
}

func (ls *listingServer) pages() []int {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	out := make([]int, len(ls.requested))
	copy(out, ls.requested)
	return out
}

func controllerConfig(t *testing.T, baseURL string) *Config {
	t.Helper()
	dir := t.TempDir()
	config := testConfig(baseURL)
	config.Concurrency = 1
	config.MaxEmptyPages = 5
	config.CheckpointEvery = 3
	config.OutputFile = filepath.Join(dir, "pdf-links.txt")
	config.ProgressFile = filepath.Join(dir, "progress.json")
	config.FailedFile = filepath.Join(dir, "failed.txt")
	return config
}

func newTestController(t *testing.T, config *Config) *CrawlController {
	t.Helper()
	ctrl, err := NewCrawlController(config, testLogger())
	require.NoError(t, err)
	return ctrl
}

func TestControllerRunToEmptyStop(t *testing.T) {
	ls := &listingServer{linkedPages: 3}
	server := httptest.NewServer(ls.handler())
	defer server.Close()

	config := controllerConfig(t, server.URL+"/listing")
	ctrl := newTestController(t, config)

	summary, err := ctrl.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateStoppedEmpty, summary.State)
	assert.Equal(t, 6, summary.TotalLinks)
	assert.Equal(t, 6, summary.LinksAdded)
	assert.Equal(t, 0, summary.FailedPages)
	assert.Equal(t, 9, summary.ResumePage, "three linked pages plus five empty ones")

	// First request hits the bare base URL, the rest are ?page=N.
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8}, ls.pages())

	data, err := os.ReadFile(config.OutputFile)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	assert.Len(t, lines, 6)
	for _, line := range lines {
		assert.True(t, strings.HasSuffix(line, ".pdf"), "unexpected link %q", line)
		assert.True(t, strings.HasPrefix(line, server.URL), "link %q not absolute", line)
	}

	state, err := NewProgressTracker(config.ProgressFile, testLogger()).Load()
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, 8, state.LastProcessedPage)
	assert.Equal(t, 6, state.TotalLinks)
}

func TestControllerResumesFromCheckpoint(t *testing.T) {
	ls := &listingServer{linkedPages: 3}
	server := httptest.NewServer(ls.handler())
	defer server.Close()

	config := controllerConfig(t, server.URL+"/listing")

	summary, err := newTestController(t, config).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StateStoppedEmpty, summary.State)
	firstRun := len(ls.pages())

	// Second session over the same files starts right after the
	// checkpointed page and re-stops after another empty run.
	summary, err = newTestController(t, config).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateStoppedEmpty, summary.State)
	assert.Equal(t, 6, summary.TotalLinks)
	assert.Equal(t, 0, summary.LinksAdded)

	secondRun := ls.pages()[firstRun:]
	require.NotEmpty(t, secondRun)
	assert.Equal(t, 9, secondRun[0])
	assert.Equal(t, []int{9, 10, 11, 12, 13}, secondRun)
}

func TestControllerStartPageOverrideWins(t *testing.T) {
	ls := &listingServer{linkedPages: 3}
	server := httptest.NewServer(ls.handler())
	defer server.Close()

	config := controllerConfig(t, server.URL+"/listing")

	_, err := newTestController(t, config).Run(context.Background())
	require.NoError(t, err)
	before := len(ls.pages())

	// Forcing page 2 re-scrapes pages the checkpoint already covers.
	config.StartPage = 2
	summary, err := newTestController(t, config).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, ls.pages()[before])
	assert.Equal(t, 0, summary.LinksAdded, "re-scraped links are already known")
	assert.Equal(t, 6, summary.TotalLinks)
}

func TestControllerStopsWhenBlocked(t *testing.T) {
	ls := &listingServer{linkedPages: 2, blockFrom: 3}
	server := httptest.NewServer(ls.handler())
	defer server.Close()

	config := controllerConfig(t, server.URL+"/listing")
	config.MaxBlockedBatches = 2
	ctrl := newTestController(t, config)

	summary, err := ctrl.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateStoppedBlocked, summary.State)
	assert.Equal(t, 4, summary.TotalLinks)
	// The cursor never advanced past the blocked page; resuming retries it.
	assert.Equal(t, 3, summary.ResumePage)

	state, err := NewProgressTracker(config.ProgressFile, testLogger()).Load()
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, 2, state.LastProcessedPage)
}

func TestControllerCompletesAtPageCeiling(t *testing.T) {
	ls := &listingServer{linkedPages: 100}
	server := httptest.NewServer(ls.handler())
	defer server.Close()

	config := controllerConfig(t, server.URL+"/listing")
	config.MaxPage = 4
	ctrl := newTestController(t, config)

	summary, err := ctrl.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, summary.State)
	assert.Equal(t, 8, summary.TotalLinks)
	assert.Equal(t, []int{1, 2, 3, 4}, ls.pages())
}

func TestControllerInterruptFlushesOnce(t *testing.T) {
	ls := &listingServer{linkedPages: 1000}
	server := httptest.NewServer(ls.handler())
	defer server.Close()

	config := controllerConfig(t, server.URL+"/listing")
	ctrl := newTestController(t, config)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := ctrl.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateInterrupted, summary.State)

	// The final flush ran even though no page was processed: all three
	// files exist and the checkpoint is readable.
	_, err = os.Stat(config.OutputFile)
	assert.NoError(t, err)
	state, err := NewProgressTracker(config.ProgressFile, testLogger()).Load()
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, 0, state.LastProcessedPage)
}

func TestControllerFlushesWhileUnwinding(t *testing.T) {
	// A fault inside the batch loop must not lose links admitted since
	// the last checkpoint. The scheduler is wired with a nil failed-page
	// set so aggregation panics right after the first link is admitted;
	// the deferred flush still has to make the link durable.
	config := controllerConfig(t, "https://example.org/listing")

	store := NewLinkStore(config.OutputFile, false)
	failed := NewFailedPages(config.FailedFile)
	progress := NewProgressTracker(config.ProgressFile, testLogger())
	fetch := func(_ context.Context, page int) FetchOutcome {
		return FetchOutcome{Page: page, Kind: OutcomeOK, Links: []string{"https://example.org/a.pdf"}}
	}
	ctrl := &CrawlController{
		config:   config,
		logger:   testLogger(),
		store:    store,
		failed:   failed,
		progress: progress,
		sched:    NewBatchScheduler(fetch, store, nil, config, testLogger()),
	}

	func() {
		defer func() {
			require.NotNil(t, recover(), "expected the batch loop to panic")
		}()
		_, _ = ctrl.Run(context.Background())
	}()

	data, err := os.ReadFile(config.OutputFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "https://example.org/a.pdf")

	state, err := NewProgressTracker(config.ProgressFile, testLogger()).Load()
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, 1, state.TotalLinks)
}

func TestControllerRecordsFailedPages(t *testing.T) {
	var mu sync.Mutex
	hits := map[int]int{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page := 1
		if raw := r.URL.Query().Get("page"); raw != "" {
			page, _ = strconv.Atoi(raw)
		}
		mu.Lock()
		hits[page]++
		mu.Unlock()

		if page == 2 {
			http.Error(w, "gone", http.StatusNotFound)
			return
		}
		fmt.Fprint(w, "<html><body></body></html>")
	}))
	defer server.Close()

	config := controllerConfig(t, server.URL+"/listing")
	config.MaxEmptyPages = 3
	ctrl := newTestController(t, config)

	summary, err := ctrl.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateStoppedEmpty, summary.State)
	assert.Equal(t, 1, summary.FailedPages)

	failed := NewFailedPages(config.FailedFile)
	require.NoError(t, failed.Load())
	assert.Equal(t, []int{2}, failed.Pages())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, hits[2], "a 404 is terminal, not retried")
}
