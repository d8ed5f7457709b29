package items

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrNotFound is returned when no line matches the requested ASIN.
var ErrNotFound = errors.New("items: entry not found")

// Source provides the tracked-item list.
type Source interface {
	Entries(ctx context.Context) ([]Entry, error)
}

// ListFile is the line-oriented tracked-item list on disk.
type ListFile struct {
	path string
	tld  string
	mu   sync.Mutex
}

// NewListFile binds a list to a path.
func NewListFile(path, tld string) *ListFile {
	return &ListFile{path: path, tld: tld}
}

// Path returns the backing file path.
func (l *ListFile) Path() string {
	return l.path
}

// Entries parses the list. A missing file is an empty list.
func (l *ListFile) Entries(ctx context.Context) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	lines, err := l.readLines()
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(lines))
	for _, line := range lines {
		if e, ok := ParseLine(line); ok {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

// Add appends an entry, replacing an existing line for the same ASIN.
func (l *ListFile) Add(ctx context.Context, e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	lines, err := l.readLines()
	if err != nil {
		return err
	}

	asin := ExtractASIN(e.Value, l.tld)
	replaced := false
	for i, line := range lines {
		existing, ok := ParseLine(line)
		if !ok || asin == "" || ExtractASIN(existing.Value, l.tld) != asin {
			continue
		}
		lines[i] = FormatLine(e)
		replaced = true
		break
	}
	if !replaced {
		lines = append(lines, FormatLine(e))
	}
	return l.writeLines(lines)
}

// Remove deletes every line tracking asin.
func (l *ListFile) Remove(ctx context.Context, asin string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	lines, err := l.readLines()
	if err != nil {
		return err
	}

	asin = strings.ToUpper(strings.TrimSpace(asin))
	kept := lines[:0]
	removed := 0
	for _, line := range lines {
		if e, ok := ParseLine(line); ok && ExtractASIN(e.Value, l.tld) == asin {
			removed++
			continue
		}
		kept = append(kept, line)
	}
	if removed == 0 {
		return ErrNotFound
	}
	return l.writeLines(kept)
}

func (l *ListFile) readLines() ([]string, error) {
	data, err := os.ReadFile(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read item list: %w", err)
	}

	var lines []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		lines = append(lines, strings.TrimRight(scanner.Text(), "\r"))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan item list: %w", err)
	}
	return lines, nil
}

func (l *ListFile) writeLines(lines []string) error {
	var buf bytes.Buffer
	for _, line := range lines {
		buf.WriteString(line)
		buf.WriteByte('\n')
	}

	dir := filepath.Dir(l.path)
	tmp, err := os.CreateTemp(dir, ".items-*")
	if err != nil {
		return fmt.Errorf("create temp item list: %w", err)
	}
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write item list: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close item list: %w", err)
	}
	if err := os.Rename(tmp.Name(), l.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace item list: %w", err)
	}
	return nil
}

var _ Source = (*ListFile)(nil)
