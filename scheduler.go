package main

import (
	"context"

	"golang.org/x/sync/errgroup"
)

type SessionState int

const (
	StateRunning SessionState = iota
	StateCompleted
	StateStoppedEmpty
	StateStoppedBlocked
	StateInterrupted
)

func (s SessionState) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateStoppedEmpty:
		return "stopped_empty"
	case StateStoppedBlocked:
		return "stopped_blocked"
	case StateInterrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// CrawlSession is the process-lifetime crawl state. It is mutated only by
// the scheduler between batches; its durable projection is the progress
// checkpoint plus the link store contents.
type CrawlSession struct {
	Cursor             int
	LastProcessedPage  int
	EmptyRun           int
	FullBlockedBatches int
	PagesProcessed     int
	LinksAdded         int
	State              SessionState
}

type fetchFunc func(ctx context.Context, page int) FetchOutcome

// BatchScheduler partitions the page sequence into fixed-width batches,
// dispatches each batch concurrently, and aggregates results in ascending
// page order. Only one batch is ever in flight.
type BatchScheduler struct {
	fetch  fetchFunc
	store  *LinkStore
	failed *FailedPages
	config *Config
	logger *Logger
}

func NewBatchScheduler(fetch fetchFunc, store *LinkStore, failed *FailedPages, config *Config, logger *Logger) *BatchScheduler {
	return &BatchScheduler{
		fetch:  fetch,
		store:  store,
		failed: failed,
		config: config,
		logger: logger,
	}
}

// batchPages returns the contiguous page numbers for the next batch,
// bounded by the page ceiling.
func (bs *BatchScheduler) batchPages(sess *CrawlSession) []int {
	if sess.Cursor > bs.config.MaxPage {
		return nil
	}

	width := bs.config.Concurrency
	pages := make([]int, 0, width)
	for p := sess.Cursor; p < sess.Cursor+width && p <= bs.config.MaxPage; p++ {
		pages = append(pages, p)
	}
	return pages
}

// RunBatch executes one batch cycle: dispatch, aggregate, evaluate stop
// conditions, advance the cursor. The session state reflects the result;
// StateRunning means the crawl continues.
func (bs *BatchScheduler) RunBatch(ctx context.Context, sess *CrawlSession) {
	pages := bs.batchPages(sess)
	if len(pages) == 0 {
		sess.State = StateCompleted
		return
	}

	// All fetches of the batch are in flight together; results land in
	// the slot for their page so aggregation below runs in page order no
	// matter when each fetch finishes.
	outcomes := make([]FetchOutcome, len(pages))
	g, gctx := errgroup.WithContext(ctx)
	for i, page := range pages {
		i, page := i, page
		g.Go(func() error {
			outcomes[i] = bs.fetch(gctx, page)
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		sess.State = StateInterrupted
		return
	}

	if allBlocked(outcomes) {
		sess.FullBlockedBatches++
		bs.logger.Warn("entire batch blocked", map[string]interface{}{
			"first_page":  pages[0],
			"last_page":   pages[len(pages)-1],
			"consecutive": sess.FullBlockedBatches,
		})

		if sess.FullBlockedBatches >= bs.config.MaxBlockedBatches {
			sess.State = StateStoppedBlocked
			return
		}

		// Keep the cursor; the same pages are redispatched after the
		// cooldown.
		if err := sleepCtx(ctx, bs.config.BlockCooldown); err != nil {
			sess.State = StateInterrupted
		}
		return
	}
	sess.FullBlockedBatches = 0

	for _, out := range outcomes {
		sess.PagesProcessed++

		switch out.Kind {
		case OutcomeOK:
			added := 0
			for _, link := range out.Links {
				if bs.store.Add(link) {
					added++
				}
			}
			sess.LinksAdded += added
			sess.EmptyRun = 0
			bs.failed.Remove(out.Page)
			bs.logger.Trace("page yielded links", map[string]interface{}{
				"page":  out.Page,
				"links": len(out.Links),
				"new":   added,
			})

		case OutcomeEmpty:
			sess.EmptyRun++
			bs.failed.Remove(out.Page)
			if sess.EmptyRun >= bs.config.MaxEmptyPages {
				sess.LastProcessedPage = out.Page
				sess.State = StateStoppedEmpty
				return
			}

		case OutcomeBlocked:
			// Carries no information about content presence; the empty
			// run counter is left alone. The page is recorded so a later
			// run can reprocess it once the block clears.
			bs.failed.Add(out.Page)
			bs.logger.Warn("page blocked after retries", map[string]interface{}{
				"page": out.Page,
			})

		case OutcomeError:
			bs.failed.Add(out.Page)
			bs.logger.Warn("page failed after retries", map[string]interface{}{
				"page":  out.Page,
				"error": errString(out.Err),
			})
		}

		sess.LastProcessedPage = out.Page
	}

	// Gaps from individual page errors are not refetched this run; the
	// failed-page record covers them next time.
	sess.Cursor = pages[len(pages)-1] + 1
	if sess.Cursor > bs.config.MaxPage {
		sess.State = StateCompleted
		return
	}

	if err := sleepCtx(ctx, bs.config.BatchDelay); err != nil {
		sess.State = StateInterrupted
	}
}

func allBlocked(outcomes []FetchOutcome) bool {
	for _, out := range outcomes {
		if out.Kind != OutcomeBlocked {
			return false
		}
	}
	return len(outcomes) > 0
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
