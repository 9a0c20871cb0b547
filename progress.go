package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// ProgressState is the durable checkpoint of crawl progress. It is written
// atomically; a reader never observes a partial state.
type ProgressState struct {
	LastProcessedPage int       `json:"last_processed_page"`
	TotalLinks        int       `json:"total_links"`
	Timestamp         time.Time `json:"timestamp"`
}

type ProgressTracker struct {
	path   string
	logger *Logger
}

func NewProgressTracker(path string, logger *Logger) *ProgressTracker {
	return &ProgressTracker{path: path, logger: logger}
}

// Load returns the persisted state, or nil when no checkpoint exists yet.
// A corrupted checkpoint is treated as absent so a damaged file cannot
// wedge the scraper; the cost is re-fetching already processed pages.
func (t *ProgressTracker) Load() (*ProgressState, error) {
	data, err := os.ReadFile(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read progress file: %w", err)
	}

	var state ProgressState
	if err := json.Unmarshal(data, &state); err != nil {
		t.logger.Warn("corrupted progress file, starting fresh", map[string]interface{}{
			"path":  t.path,
			"error": err.Error(),
		})
		return nil, nil
	}
	if state.LastProcessedPage < 0 {
		state.LastProcessedPage = 0
	}
	return &state, nil
}

// Checkpoint overwrites the persisted state. Safe to call repeatedly.
func (t *ProgressTracker) Checkpoint(lastPage, totalLinks int) error {
	state := ProgressState{
		LastProcessedPage: lastPage,
		TotalLinks:        totalLinks,
		Timestamp:         time.Now().UTC(),
	}

	data, err := json.MarshalIndent(&state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}

	tmpPath := t.path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("create tmp progress: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write tmp progress: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync tmp progress: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close tmp progress: %w", err)
	}

	if err := os.Rename(tmpPath, t.path); err != nil {
		return fmt.Errorf("rename progress: %w", err)
	}
	return nil
}

// resumeStart computes the first page of a session. An explicit override
// wins outright, which is what allows forcing a re-scrape of an earlier
// range; otherwise the crawl resumes after the checkpointed page.
func resumeStart(override int, state *ProgressState, defaultStart int) int {
	if override > 0 {
		return override
	}
	if state != nil && state.LastProcessedPage+1 > defaultStart {
		return state.LastProcessedPage + 1
	}
	return defaultStart
}
