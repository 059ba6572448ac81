// Package epd discovers puzzle buckets on disk and extracts the Lichess game
// ids referenced by their EPD files.
package epd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

const filePattern = "lichess-*.epd"

var (
	bucketNamePattern = regexp.MustCompile(`^\d{4}-\d{4}$`)

	// c2/c3 opcodes carry the source game url, e.g. c2 "https://lichess.org/abcd1234#32"
	gameURLPattern = regexp.MustCompile(`c[23]\s+"[^"]*https://lichess\.org/([a-zA-Z0-9]{8,12})`)
)

// Bucket is one rating bucket directory.
type Bucket struct {
	Name  string   // e.g. "1000-1100"
	Dir   string   // absolute or root-relative directory
	Files []string // EPD files, sorted
}

// FileCount is the number of unique ids found in one EPD file.
type FileCount struct {
	File  string
	Count int
}

// DiscoverBuckets returns the bucket directories directly under root, sorted
// by name. Directories without EPD files are included with no Files so the
// caller can report them.
func DiscoverBuckets(root string) ([]Bucket, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("read epd root %s: %w", root, err)
	}

	var buckets []Bucket
	for _, entry := range entries {
		if !entry.IsDir() || !bucketNamePattern.MatchString(entry.Name()) {
			continue
		}
		dir := filepath.Join(root, entry.Name())
		files, err := filepath.Glob(filepath.Join(dir, filePattern))
		if err != nil {
			return nil, fmt.Errorf("list epd files in %s: %w", dir, err)
		}
		sort.Strings(files)
		buckets = append(buckets, Bucket{Name: entry.Name(), Dir: dir, Files: files})
	}

	sort.Slice(buckets, func(i, j int) bool { return buckets[i].Name < buckets[j].Name })
	return buckets, nil
}

// OutputPath returns the JSONL file for this bucket: <dir>/<prefix>-<name>.jsonl.
func (b Bucket) OutputPath(prefix string) string {
	return filepath.Join(b.Dir, fmt.Sprintf("%s-%s.jsonl", prefix, b.Name))
}

// GameIDs returns the unique ids across all EPD files of the bucket, sorted,
// together with the per-file counts.
func (b Bucket) GameIDs() ([]string, []FileCount, error) {
	seen := make(map[string]struct{})
	counts := make([]FileCount, 0, len(b.Files))

	for _, file := range b.Files {
		ids, err := ParseFile(file)
		if err != nil {
			return nil, counts, err
		}
		counts = append(counts, FileCount{File: filepath.Base(file), Count: len(ids)})
		for _, id := range ids {
			seen[id] = struct{}{}
		}
	}

	return sortedKeys(seen), counts, nil
}

// ParseFile extracts the unique game ids referenced by an EPD file, sorted.
func ParseFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open epd file: %w", err)
	}
	defer f.Close()

	ids, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return ids, nil
}

// Parse extracts unique game ids from EPD lines, sorted. Blank lines and
// lines starting with '#' are ignored, as are positions without a game url.
func Parse(r io.Reader) ([]string, error) {
	seen := make(map[string]struct{})

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if m := gameURLPattern.FindStringSubmatch(line); m != nil {
			seen[m[1]] = struct{}{}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return sortedKeys(seen), nil
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
