package main

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"
)

// dedupeFile rewrites an existing link file with duplicates removed,
// preserving first-seen order unless sorted output is requested. The
// rewrite is atomic. This is an offline convenience; the crawl itself
// never persists duplicates.
func dedupeFile(path string, sorted bool) (kept, removed int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, fmt.Errorf("open link file: %w", err)
	}

	seen := make(map[string]struct{})
	var lines []string

	scanner := bufio.NewScanner(f)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 16*1024*1024)

	total := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		total++
		if _, dup := seen[line]; dup {
			continue
		}
		seen[line] = struct{}{}
		lines = append(lines, line)
	}
	scanErr := scanner.Err()
	f.Close()
	if scanErr != nil {
		return 0, 0, fmt.Errorf("scan link file: %w", scanErr)
	}

	if sorted {
		sort.Strings(lines)
	}

	if err := writeLinesAtomic(path, lines); err != nil {
		return 0, 0, err
	}
	return len(lines), total - len(lines), nil
}
