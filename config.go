package main

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"
)

type Config struct {
	// Listing
	BaseURL    string
	PageParam  string
	LinkSuffix string
	MaxPage    int
	StartPage  int // explicit override; 0 means resume from checkpoint

	// Output
	OutputFile   string
	ProgressFile string
	FailedFile   string
	SortedOutput bool

	// Concurrency & pacing
	Concurrency     int           // batch width; all pages of a batch are in flight together
	BatchDelay      time.Duration // fixed pause after every batch
	RequestInterval time.Duration // minimum spacing between individual requests

	// Retry & block handling
	Retries           int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	BlockBackoff      time.Duration
	BlockCooldown     time.Duration
	MaxBlockedBatches int
	MaxEmptyPages     int
	CheckpointEvery   int // in batches

	// HTTP
	HTTPTimeout         time.Duration
	ConnectTimeout      time.Duration
	TLSHandshakeTimeout time.Duration
	MaxBodySize         int64
	AcceptLanguage      string
	Cookies             string
	InsecureSkipVerify  bool

	// Logging
	LogLevel string
	LogJSON  bool
}

func DefaultConfig() *Config {
	return &Config{
		PageParam:  "page",
		LinkSuffix: ".pdf",
		MaxPage:    100000,

		OutputFile:   "pdf-links.txt",
		ProgressFile: "scrape-progress.json",
		FailedFile:   "failed-pages.txt",

		Concurrency:     50,
		BatchDelay:      500 * time.Millisecond,
		RequestInterval: 50 * time.Millisecond,

		Retries:           3,
		BaseDelay:         500 * time.Millisecond,
		MaxDelay:          10 * time.Second,
		BlockBackoff:      30 * time.Second,
		BlockCooldown:     20 * time.Minute,
		MaxBlockedBatches: 3,
		MaxEmptyPages:     5,
		CheckpointEvery:   5,

		HTTPTimeout:         30 * time.Second,
		ConnectTimeout:      10 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		MaxBodySize:         20 * 1024 * 1024, // 20 MB
		AcceptLanguage:      "en-US,en;q=0.9",

		LogLevel: "INFO",
	}
}

func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base url is required")
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("base url must be http or https, got %q", u.Scheme)
	}
	if c.PageParam == "" {
		return fmt.Errorf("page parameter name is required")
	}
	if c.LinkSuffix == "" {
		return fmt.Errorf("link suffix is required")
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be >= 1, got %d", c.Concurrency)
	}
	if c.Retries < 0 {
		return fmt.Errorf("retries must be >= 0, got %d", c.Retries)
	}
	if c.MaxEmptyPages < 1 {
		return fmt.Errorf("max empty pages must be >= 1, got %d", c.MaxEmptyPages)
	}
	if c.MaxBlockedBatches < 1 {
		c.MaxBlockedBatches = 1
	}
	if c.CheckpointEvery < 1 {
		c.CheckpointEvery = 1
	}
	if c.StartPage < 0 {
		c.StartPage = 0
	}
	if c.MaxPage < 1 {
		return fmt.Errorf("max page must be >= 1, got %d", c.MaxPage)
	}

	for _, path := range []string{c.OutputFile, c.ProgressFile, c.FailedFile} {
		dir := filepath.Dir(path)
		if dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}
