// Package jsonl reads and appends the per-bucket move-list files: UTF-8 text,
// one JSON object per line, safe to concatenate across runs.
package jsonl

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/goccy/go-json"
)

// Record is one captured game.
type Record struct {
	ID    string   `json:"id"`
	Moves []string `json:"moves"`
}

// maxLineSize bounds a single record line when scanning.
const maxLineSize = 8 * 1024 * 1024

// LoadIDs returns the ids of every parseable record in the file at path.
// A missing file yields an empty set. Lines that fail to parse, or parse
// without an id, are skipped. On a read error the ids gathered so far are
// returned together with the error.
func LoadIDs(path string) (map[string]struct{}, error) {
	ids := make(map[string]struct{})

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ids, nil
		}
		return ids, fmt.Errorf("open output file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal([]byte(line), &rec); err != nil || rec.ID == "" {
			continue
		}
		ids[rec.ID] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return ids, fmt.Errorf("scan output file: %w", err)
	}

	return ids, nil
}

// Append writes records to the end of the file at path, one per line,
// creating the file if needed. If the file ends in a torn line a newline is
// written first so the new records stay independently parseable.
func Append(path string, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	needsNewline, err := endsWithoutNewline(path)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open output file: %w", err)
	}

	w := bufio.NewWriter(f)
	if needsNewline {
		if err := w.WriteByte('\n'); err != nil {
			f.Close()
			return fmt.Errorf("write output file: %w", err)
		}
	}
	for _, rec := range records {
		data, err := json.Marshal(rec)
		if err != nil {
			f.Close()
			return fmt.Errorf("marshal record %s: %w", rec.ID, err)
		}
		data = append(data, '\n')
		if _, err := w.Write(data); err != nil {
			f.Close()
			return fmt.Errorf("write output file: %w", err)
		}
	}

	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("flush output file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync output file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close output file: %w", err)
	}
	return nil
}

func endsWithoutNewline(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("open output file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return false, fmt.Errorf("stat output file: %w", err)
	}
	if info.Size() == 0 {
		return false, nil
	}

	last := make([]byte, 1)
	if _, err := f.ReadAt(last, info.Size()-1); err != nil && err != io.EOF {
		return false, fmt.Errorf("read output file: %w", err)
	}
	return last[0] != '\n', nil
}
