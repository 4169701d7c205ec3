package logging

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

// Entry is one parsed line of the JSON log.
type Entry struct {
	Time        time.Time
	Level       string
	Message     string
	OperationID string
	Worktree    string
	Phase       string
	Attrs       map[string]any
}

// Filter selects log entries. Zero-valued fields match everything.
type Filter struct {
	MinLevel    string
	Since       time.Time
	OperationID string
	Worktree    string
	Phase       string
}

var levelRank = map[string]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// ReadEntries parses {logDir}/debug.log and returns entries matching f in file
// order. Lines that are not valid JSON are skipped.
func ReadEntries(logDir string, f Filter) ([]Entry, error) {
	file, err := os.Open(filepath.Join(logDir, LogFileName))
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer func() { _ = file.Close() }()

	return parseEntries(file, f)
}

func parseEntries(r io.Reader, f Filter) ([]Entry, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var entries []Entry
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		entry, ok := ParseEntry(line)
		if !ok || !f.Matches(entry) {
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading log file: %w", err)
	}
	return entries, nil
}

// ParseEntry parses one JSON log line. It reports false for anything else.
func ParseEntry(line string) (Entry, bool) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return Entry{}, false
	}

	take := func(key string) string {
		s, _ := raw[key].(string)
		delete(raw, key)
		return s
	}

	e := Entry{
		Level:       take("level"),
		Message:     take("msg"),
		OperationID: take("operation_id"),
		Worktree:    take("worktree"),
		Phase:       take("phase"),
	}
	if ts := take("time"); ts != "" {
		e.Time, _ = time.Parse(time.RFC3339Nano, ts)
	}
	e.Attrs = raw
	return e, true
}

// Matches reports whether e passes f.
func (f Filter) Matches(e Entry) bool {
	if f.MinLevel != "" && levelRank[ParseLevel(e.Level)] < levelRank[ParseLevel(f.MinLevel)] {
		return false
	}
	if !f.Since.IsZero() && e.Time.Before(f.Since) {
		return false
	}
	if f.OperationID != "" && e.OperationID != f.OperationID {
		return false
	}
	if f.Worktree != "" && e.Worktree != f.Worktree {
		return false
	}
	if f.Phase != "" && e.Phase != f.Phase {
		return false
	}
	return true
}

// Format renders an entry as a single human-readable line.
func (e Entry) Format() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %-5s", e.Time.Local().Format("2006-01-02 15:04:05"), e.Level)
	if e.Worktree != "" {
		fmt.Fprintf(&b, " [%s]", e.Worktree)
	}
	if e.Phase != "" {
		fmt.Fprintf(&b, " (%s)", e.Phase)
	}
	b.WriteString(" ")
	b.WriteString(e.Message)
	for _, k := range slices.Sorted(maps.Keys(e.Attrs)) {
		fmt.Fprintf(&b, " %s=%v", k, e.Attrs[k])
	}
	return b.String()
}
