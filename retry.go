package main

import (
	"bytes"
	"context"
	"fmt"
	"time"
)

type OutcomeKind int

const (
	// OutcomeOK means the page was fetched and yielded at least one
	// matching link.
	OutcomeOK OutcomeKind = iota
	// OutcomeEmpty means the request succeeded but no matching links were
	// found on the page.
	OutcomeEmpty
	// OutcomeBlocked means the retry budget ran out with the last attempt
	// classified as a content-based denial.
	OutcomeBlocked
	// OutcomeError means the retry budget ran out on the transport/server
	// failure path, or the page failed permanently.
	OutcomeError
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeOK:
		return "ok"
	case OutcomeEmpty:
		return "empty"
	case OutcomeBlocked:
		return "blocked"
	case OutcomeError:
		return "error"
	default:
		return "unknown"
	}
}

// FetchOutcome is the classified result of fetching one page through the
// full retry ladder.
type FetchOutcome struct {
	Page  int
	Kind  OutcomeKind
	Links []string
	Err   error
}

// Denial signatures the origin serves, sometimes with HTTP 200, which is
// why status-code checks alone are not enough. Any one marker classifies
// the response as blocked.
var blockMarkers = [][]byte{
	[]byte("Access Denied"),
	[]byte("You don't have permission"),
	[]byte("Reference&#32;&#35;"),
	[]byte("errors.edgesuite.net"),
}

func isBlockPage(body []byte) bool {
	for _, marker := range blockMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return false
}

func isRetryableStatus(status int) bool {
	return status >= 500 || status == 403 || status == 429
}

// pageSource is the fetch capability RetryPolicy wraps. *PageFetcher is the
// production implementation; tests substitute fakes.
type pageSource interface {
	FetchPage(ctx context.Context, page int) (*PageResponse, error)
	ExtractLinks(page int, body []byte) []string
}

// RetryPolicy drives the per-page retry ladder: exponential backoff for
// transport and server failures, linear (longer-lived) backoff for detected
// blocks. The two ladders are independent; every attempt reclassifies from
// scratch.
type RetryPolicy struct {
	source pageSource
	config *Config
	logger *Logger
}

func NewRetryPolicy(source pageSource, config *Config, logger *Logger) *RetryPolicy {
	return &RetryPolicy{source: source, config: config, logger: logger}
}

// Do fetches one page, retrying up to config.Retries times. Total attempts
// never exceed Retries+1.
func (rp *RetryPolicy) Do(ctx context.Context, page int) FetchOutcome {
	var lastErr error

	for attempt := 0; attempt <= rp.config.Retries; attempt++ {
		resp, err := rp.source.FetchPage(ctx, page)
		if err != nil {
			if ctx.Err() != nil {
				return FetchOutcome{Page: page, Kind: OutcomeError, Err: ctx.Err()}
			}
			lastErr = err
			if attempt == rp.config.Retries {
				break
			}
			rp.logger.Trace("transient fetch failure", map[string]interface{}{
				"page":    page,
				"attempt": attempt,
				"error":   err.Error(),
			})
			if serr := sleepCtx(ctx, rp.backoffDelay(attempt)); serr != nil {
				return FetchOutcome{Page: page, Kind: OutcomeError, Err: serr}
			}
			continue
		}

		// Body signatures first: the origin returns block pages with
		// HTTP 200 in some failure modes.
		if isBlockPage(resp.Body) {
			lastErr = fmt.Errorf("page %d: block page detected", page)
			if attempt == rp.config.Retries {
				return FetchOutcome{Page: page, Kind: OutcomeBlocked, Err: lastErr}
			}
			rp.logger.Trace("block detected, backing off", map[string]interface{}{
				"page":    page,
				"attempt": attempt,
			})
			delay := rp.config.BlockBackoff * time.Duration(attempt+1)
			if serr := sleepCtx(ctx, delay); serr != nil {
				return FetchOutcome{Page: page, Kind: OutcomeError, Err: serr}
			}
			continue
		}

		if isRetryableStatus(resp.StatusCode) {
			lastErr = fmt.Errorf("page %d: HTTP %d", page, resp.StatusCode)
			if attempt == rp.config.Retries {
				break
			}
			rp.logger.Trace("retryable status", map[string]interface{}{
				"page":    page,
				"attempt": attempt,
				"status":  resp.StatusCode,
			})
			if serr := sleepCtx(ctx, rp.backoffDelay(attempt)); serr != nil {
				return FetchOutcome{Page: page, Kind: OutcomeError, Err: serr}
			}
			continue
		}

		if resp.StatusCode >= 400 {
			// Not in the retryable set; retrying will not help.
			return FetchOutcome{
				Page: page,
				Kind: OutcomeError,
				Err:  fmt.Errorf("page %d: HTTP %d", page, resp.StatusCode),
			}
		}

		links := rp.source.ExtractLinks(page, resp.Body)
		if len(links) == 0 {
			return FetchOutcome{Page: page, Kind: OutcomeEmpty}
		}
		return FetchOutcome{Page: page, Kind: OutcomeOK, Links: links}
	}

	return FetchOutcome{Page: page, Kind: OutcomeError, Err: lastErr}
}

func (rp *RetryPolicy) backoffDelay(attempt int) time.Duration {
	// Clamp the shift so a large retry budget cannot overflow the delay
	// into a negative value that would skip the sleep entirely.
	if attempt > 30 {
		attempt = 30
	}
	delay := rp.config.BaseDelay << uint(attempt)
	if rp.config.MaxDelay > 0 && delay > rp.config.MaxDelay {
		delay = rp.config.MaxDelay
	}
	return delay
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
