package main

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// LinkStore is the durable set of discovered absolute URLs. Membership is
// hash-based; insertion order is retained so flushes can preserve it when
// sorted output is not requested.
type LinkStore struct {
	mu     sync.Mutex
	path   string
	sorted bool
	links  map[string]struct{}
	order  []string
}

func NewLinkStore(path string, sorted bool) *LinkStore {
	return &LinkStore{
		path:   path,
		sorted: sorted,
		links:  make(map[string]struct{}),
	}
}

// Load reads the persisted link file. A missing file means an empty set.
func (s *LinkStore) Load() error {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open link file: %w", err)
	}
	defer f.Close()

	s.mu.Lock()
	defer s.mu.Unlock()

	scanner := bufio.NewScanner(f)

	// Long URLs; grow the scanner buffer well past the default.
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 16*1024*1024)

	for scanner.Scan() {
		link := strings.TrimSpace(scanner.Text())
		if link == "" {
			continue
		}
		if _, exists := s.links[link]; exists {
			continue
		}
		s.links[link] = struct{}{}
		s.order = append(s.order, link)
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan link file: %w", err)
	}
	return nil
}

// Add admits a URL into the set. Adding a URL that is already present is a
// no-op; the return value reports whether it was newly added.
func (s *LinkStore) Add(link string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.links[link]; exists {
		return false
	}
	s.links[link] = struct{}{}
	s.order = append(s.order, link)
	return true
}

func (s *LinkStore) Has(link string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, exists := s.links[link]
	return exists
}

func (s *LinkStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.links)
}

// Flush persists the full set, one URL per line with a trailing newline.
// The write goes to a temp file first and is renamed into place so an
// interrupted flush never corrupts the previous durable copy.
func (s *LinkStore) Flush() error {
	s.mu.Lock()
	lines := make([]string, len(s.order))
	copy(lines, s.order)
	s.mu.Unlock()

	if s.sorted {
		sort.Strings(lines)
	}

	return writeLinesAtomic(s.path, lines)
}

func writeLinesAtomic(path string, lines []string) error {
	tmpPath := path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create tmp file: %w", err)
	}

	w := bufio.NewWriter(f)
	for _, line := range lines {
		if _, err := w.WriteString(line + "\n"); err != nil {
			f.Close()
			return fmt.Errorf("write line: %w", err)
		}
	}

	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("flush: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

// FailedPages records pages that exhausted their retry budget, so a later
// run can reprocess them. A page that eventually succeeds is removed.
type FailedPages struct {
	mu    sync.Mutex
	path  string
	pages map[int]struct{}
}

func NewFailedPages(path string) *FailedPages {
	return &FailedPages{
		path:  path,
		pages: make(map[int]struct{}),
	}
}

func (fp *FailedPages) Load() error {
	f, err := os.Open(fp.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open failed-page file: %w", err)
	}
	defer f.Close()

	fp.mu.Lock()
	defer fp.mu.Unlock()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		page, err := strconv.Atoi(line)
		if err != nil || page < 1 {
			continue
		}
		fp.pages[page] = struct{}{}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan failed-page file: %w", err)
	}
	return nil
}

func (fp *FailedPages) Add(page int) {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	fp.pages[page] = struct{}{}
}

func (fp *FailedPages) Remove(page int) {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	delete(fp.pages, page)
}

func (fp *FailedPages) Len() int {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	return len(fp.pages)
}

func (fp *FailedPages) Pages() []int {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	out := make([]int, 0, len(fp.pages))
	for p := range fp.pages {
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}

func (fp *FailedPages) Flush() error {
	pages := fp.Pages()
	lines := make([]string, len(pages))
	for i, p := range pages {
		lines[i] = strconv.Itoa(p)
	}
	return writeLinesAtomic(fp.path, lines)
}
