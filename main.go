package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"
)

const summaryRound = 100 * time.Millisecond

func parseFlags() *Config {
	config := DefaultConfig()

	flag.StringVar(&config.BaseURL, "url", "", "base listing URL (required unless -dedupe)")
	flag.StringVar(&config.PageParam, "page-param", config.PageParam, "page number query parameter name")
	flag.StringVar(&config.LinkSuffix, "suffix", config.LinkSuffix, "href suffix to collect")
	flag.IntVar(&config.StartPage, "start-page", 0, "explicit start page, overrides the checkpoint")
	flag.IntVar(&config.MaxPage, "max-page", config.MaxPage, "page number ceiling")
	flag.IntVar(&config.Concurrency, "concurrency", config.Concurrency, "pages fetched concurrently per batch")
	flag.StringVar(&config.OutputFile, "output", config.OutputFile, "output file for links")
	flag.StringVar(&config.ProgressFile, "progress", config.ProgressFile, "progress checkpoint file")
	flag.StringVar(&config.FailedFile, "failed", config.FailedFile, "failed-page record file")
	flag.BoolVar(&config.SortedOutput, "sorted", false, "write the link file sorted")
	flag.IntVar(&config.Retries, "retries", config.Retries, "retry attempts per page")
	flag.DurationVar(&config.BaseDelay, "base-delay", config.BaseDelay, "base backoff delay for transient failures")
	flag.DurationVar(&config.BlockBackoff, "block-backoff", config.BlockBackoff, "per-attempt backoff when a block page is detected")
	flag.DurationVar(&config.BlockCooldown, "block-cooldown", config.BlockCooldown, "cooldown before redispatching a fully blocked batch")
	flag.IntVar(&config.MaxBlockedBatches, "max-blocked-batches", config.MaxBlockedBatches, "consecutive fully blocked batches before giving up")
	flag.IntVar(&config.MaxEmptyPages, "max-empty", config.MaxEmptyPages, "stop after N consecutive empty pages")
	flag.DurationVar(&config.BatchDelay, "batch-delay", config.BatchDelay, "pause after every batch")
	flag.DurationVar(&config.RequestInterval, "request-interval", config.RequestInterval, "minimum spacing between individual requests")
	flag.IntVar(&config.CheckpointEvery, "checkpoint-every", config.CheckpointEvery, "checkpoint interval in batches")
	flag.DurationVar(&config.HTTPTimeout, "timeout", config.HTTPTimeout, "per-request timeout")
	flag.StringVar(&config.Cookies, "cookies", "", "cookies to send: 'name=value; name2=value2'")
	flag.BoolVar(&config.InsecureSkipVerify, "insecure", false, "skip TLS certificate verification")
	flag.StringVar(&config.LogLevel, "log-level", config.LogLevel, "log level (TRACE/INFO/WARN/ERROR)")
	flag.BoolVar(&config.LogJSON, "log-json", false, "output logs as JSON")

	flag.Parse()
	return config
}

func main() {
	dedupe := flag.Bool("dedupe", false, "deduplicate the output file and exit")
	config := parseFlags()

	logger := NewLogger(config.LogLevel, config.LogJSON)

	if *dedupe {
		kept, removed, err := dedupeFile(config.OutputFile, config.SortedOutput)
		if err != nil {
			logger.Error("dedupe failed", map[string]interface{}{"error": err.Error()})
			os.Exit(1)
		}
		logger.Info("dedupe done", map[string]interface{}{
			"file":    config.OutputFile,
			"kept":    kept,
			"removed": removed,
		})
		return
	}

	if err := config.Validate(); err != nil {
		logger.Error("invalid configuration", map[string]interface{}{"error": err.Error()})
		os.Exit(2)
	}

	controller, err := NewCrawlController(config, logger)
	if err != nil {
		logger.Error("failed to create controller", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}

	// Interruption is observed at batch boundaries; the final flush still
	// runs before exit.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	summary, err := controller.Run(ctx)
	if summary != nil {
		logger.Info("crawl finished", map[string]interface{}{
			"state":        summary.State.String(),
			"duration":     summary.Duration.Round(summaryRound).String(),
			"pages":        summary.PagesProcessed,
			"new_links":    summary.LinksAdded,
			"total_links":  summary.TotalLinks,
			"failed_pages": summary.FailedPages,
			"resume_page":  summary.ResumePage,
		})
	}
	if err != nil {
		logger.Error("crawl error", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
}
