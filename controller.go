package main

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Summary is the human-facing result of a crawl session.
type Summary struct {
	State          SessionState
	Duration       time.Duration
	PagesProcessed int
	LinksAdded     int
	TotalLinks     int
	FailedPages    int
	ResumePage     int
}

// CrawlController wires the stores, the scheduler and the checkpoint
// cadence together and guarantees that forward progress survives every
// termination path it can observe.
type CrawlController struct {
	config   *Config
	logger   *Logger
	store    *LinkStore
	failed   *FailedPages
	progress *ProgressTracker
	sched    *BatchScheduler

	flushOnce sync.Once
	flushErr  error
}

func NewCrawlController(config *Config, logger *Logger) (*CrawlController, error) {
	fetcher, err := NewPageFetcher(config, logger)
	if err != nil {
		return nil, fmt.Errorf("create page fetcher: %w", err)
	}

	store := NewLinkStore(config.OutputFile, config.SortedOutput)
	failed := NewFailedPages(config.FailedFile)
	progress := NewProgressTracker(config.ProgressFile, logger)
	retry := NewRetryPolicy(fetcher, config, logger)
	sched := NewBatchScheduler(retry.Do, store, failed, config, logger)

	return &CrawlController{
		config:   config,
		logger:   logger,
		store:    store,
		failed:   failed,
		progress: progress,
		sched:    sched,
	}, nil
}

// Run executes the crawl loop until a terminal state or cancellation, then
// performs the final flush. The returned summary is valid even when an
// error is returned; ResumePage is the page to pass as the explicit start
// override on the next run.
func (c *CrawlController) Run(ctx context.Context) (*Summary, error) {
	if err := c.store.Load(); err != nil {
		return nil, fmt.Errorf("load link store: %w", err)
	}
	if err := c.failed.Load(); err != nil {
		return nil, fmt.Errorf("load failed pages: %w", err)
	}
	state, err := c.progress.Load()
	if err != nil {
		return nil, fmt.Errorf("load progress: %w", err)
	}

	start := resumeStart(c.config.StartPage, state, 1)
	sess := &CrawlSession{
		Cursor:            start,
		LastProcessedPage: start - 1,
		State:             StateRunning,
	}

	// Deferred so the flush also runs while unwinding from a fault in the
	// batch loop; links admitted since the last checkpoint would otherwise
	// exist only in memory.
	defer c.flushOnce.Do(func() {
		c.flushErr = c.flush(sess)
	})

	c.logger.Info("starting crawl", map[string]interface{}{
		"base_url":   c.config.BaseURL,
		"start_page": start,
		"width":      c.config.Concurrency,
		"known":      c.store.Len(),
	})

	started := time.Now()
	batches := 0

	for sess.State == StateRunning {
		if ctx.Err() != nil {
			sess.State = StateInterrupted
			break
		}

		c.sched.RunBatch(ctx, sess)
		batches++

		elapsed := time.Since(started).Seconds()
		rate := float64(sess.PagesProcessed) / maxFloat(elapsed, 0.001)
		c.logger.Info("batch done", map[string]interface{}{
			"cursor":    sess.Cursor,
			"pages":     sess.PagesProcessed,
			"new_links": sess.LinksAdded,
			"total":     c.store.Len(),
			"empty_run": sess.EmptyRun,
			"pages_sec": fmt.Sprintf("%.1f", rate),
		})

		if sess.State == StateRunning && batches%c.config.CheckpointEvery == 0 {
			if err := c.flush(sess); err != nil {
				// Progress could no longer be made durable; continuing
				// would silently risk losing everything since the last
				// good checkpoint.
				sess.State = StateInterrupted
				c.logResumeHint(sess)
				return c.summary(sess, started), fmt.Errorf("checkpoint: %w", err)
			}
		}
	}

	var finalErr error
	c.flushOnce.Do(func() {
		c.flushErr = c.flush(sess)
	})
	if c.flushErr != nil {
		c.logResumeHint(sess)
		finalErr = fmt.Errorf("final flush: %w", c.flushErr)
	}

	return c.summary(sess, started), finalErr
}

// flush makes the link set, the failed-page set and the progress record
// durable, in that order: the progress checkpoint must never claim pages
// whose links have not hit disk.
func (c *CrawlController) flush(sess *CrawlSession) error {
	if err := c.store.Flush(); err != nil {
		return fmt.Errorf("flush link store: %w", err)
	}
	if err := c.failed.Flush(); err != nil {
		return fmt.Errorf("flush failed pages: %w", err)
	}
	if err := c.progress.Checkpoint(sess.LastProcessedPage, c.store.Len()); err != nil {
		return fmt.Errorf("checkpoint progress: %w", err)
	}
	return nil
}

func (c *CrawlController) logResumeHint(sess *CrawlSession) {
	c.logger.Error("progress may not be durable, note the resume point", map[string]interface{}{
		"resume_page": sess.LastProcessedPage + 1,
		"hint":        fmt.Sprintf("rerun with -start-page %d", sess.LastProcessedPage+1),
	})
}

func (c *CrawlController) summary(sess *CrawlSession, started time.Time) *Summary {
	return &Summary{
		State:          sess.State,
		Duration:       time.Since(started),
		PagesProcessed: sess.PagesProcessed,
		LinksAdded:     sess.LinksAdded,
		TotalLinks:     c.store.Len(),
		FailedPages:    c.failed.Len(),
		ResumePage:     sess.LastProcessedPage + 1,
	}
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
