// Package pgn splits multi-game PGN exports into per-game records and turns a
// single game's PGN into UCI move codes.
package pgn

import (
	"bufio"
	"io"
	"regexp"
	"strings"
)

// maxLineSize bounds a single PGN line. Lichess writes a game's movetext on one line.
const maxLineSize = 4 * 1024 * 1024

var (
	siteIDPattern = regexp.MustCompile(`^\[Site\s+"[^"]*lichess\.org/([a-zA-Z0-9]{8,12})`)
	gameIDPattern = regexp.MustCompile(`^\[GameId\s+"([a-zA-Z0-9]{8,12})"\]`)
)

const headerStartChar = "["

// SplitResult holds the records recovered from a multi-game response.
type SplitResult struct {
	// Records maps game id to that game's raw PGN text.
	Records map[string]string

	// Unattributed counts records with no recognisable id header.
	Unattributed int
}

type splitState int

const (
	stateOutside splitState = iota
	stateHeaders
	stateMovetext
)

// splitter is the record-boundary state machine. A record starts at the first
// non-blank line after the previous record and ends at end of input or when a
// header line follows movetext, follows a blank line inside the header block,
// or names a different game id than the record already carries.
type splitter struct {
	state  splitState
	lines  []string
	id     string
	gap    bool // blank line seen inside the header block
	result SplitResult
}

// Split partitions a multi-game PGN stream into records keyed by game id.
// A trailing record without a terminating blank line is still captured.
// When two records carry the same id the first one wins.
func Split(r io.Reader) (SplitResult, error) {
	s := &splitter{result: SplitResult{Records: make(map[string]string)}}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		s.feed(strings.TrimRight(scanner.Text(), "\r"))
	}
	s.finish()

	return s.result, scanner.Err()
}

// SplitString is Split over an in-memory response body.
func SplitString(body string) SplitResult {
	res, _ := Split(strings.NewReader(body))
	return res
}

func (s *splitter) feed(line string) {
	blank := strings.TrimSpace(line) == ""
	header := strings.HasPrefix(line, headerStartChar)

	switch s.state {
	case stateOutside:
		if blank {
			return
		}
		if header {
			s.state = stateHeaders
		} else {
			s.state = stateMovetext
		}
		s.append(line)

	case stateHeaders:
		switch {
		case blank:
			s.gap = true
		case header && (s.gap || s.conflicts(line)):
			// headers-only record; the next game starts here
			s.finish()
			s.state = stateHeaders
		case !header:
			s.state = stateMovetext
			s.gap = false
		}
		s.append(line)

	case stateMovetext:
		if header {
			s.finish()
			s.state = stateHeaders
		}
		s.append(line)
	}
}

func (s *splitter) append(line string) {
	s.lines = append(s.lines, line)
	if s.id == "" {
		s.id = headerID(line)
	}
}

// conflicts reports whether an id-bearing header names a game other than the
// one the current record belongs to.
func (s *splitter) conflicts(line string) bool {
	id := headerID(line)
	return s.id != "" && id != "" && id != s.id
}

func headerID(line string) string {
	if !strings.HasPrefix(line, headerStartChar) {
		return ""
	}
	if m := gameIDPattern.FindStringSubmatch(line); m != nil {
		return m[1]
	}
	if m := siteIDPattern.FindStringSubmatch(line); m != nil {
		return m[1]
	}
	return ""
}

func (s *splitter) finish() {
	if len(s.lines) > 0 {
		if s.id == "" {
			s.result.Unattributed++
		} else if _, dup := s.result.Records[s.id]; !dup {
			s.result.Records[s.id] = strings.TrimRight(strings.Join(s.lines, "\n"), "\n \t") + "\n"
		}
	}
	s.state = stateOutside
	s.lines = s.lines[:0]
	s.id = ""
	s.gap = false
}
