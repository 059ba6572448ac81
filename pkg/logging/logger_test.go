package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected zerolog.Level
		wantErr  bool
	}{
		{input: "", expected: zerolog.InfoLevel},
		{input: "trace", expected: zerolog.TraceLevel},
		{input: "debug", expected: zerolog.DebugLevel},
		{input: " INFO ", expected: zerolog.InfoLevel},
		{input: "warning", expected: zerolog.WarnLevel},
		{input: "error", expected: zerolog.ErrorLevel},
		{input: "off", expected: zerolog.Disabled},
		{input: "verbose", wantErr: true},
		{input: "fatal", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseLevel(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Errorf("ParseLevel(%q) error = nil, want error", tt.input)
				}
				return
			}
			if err != nil || got != tt.expected {
				t.Errorf("ParseLevel(%q) = %v, %v; want %v", tt.input, got, err, tt.expected)
			}
		})
	}
}

func TestSetup_RejectsUnknownLevel(t *testing.T) {
	if _, err := Setup(Config{Level: "verbose", Output: &bytes.Buffer{}}); err == nil {
		t.Error("Setup() error = nil, want error for unknown level")
	}
}

func TestSetup_FiltersByLevelAndTagsComponent(t *testing.T) {
	buf := &bytes.Buffer{}
	if _, err := Setup(Config{Level: LevelWarn, Output: buf}); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	defer Setup(Config{Level: LevelInfo, Output: &bytes.Buffer{}})

	logger := NewLogger("bucket")
	logger.Info().Str("game_id", "abcd1234").Msg("Batch complete")
	logger.Warn().Str("game_id", "wxyz9876").Msg("Game could not be fetched, skipping")

	output := buf.String()
	if strings.Contains(output, "Batch complete") {
		t.Errorf("info line written at warn level: %q", output)
	}
	for _, want := range []string{`"component":"bucket"`, `"game_id":"wxyz9876"`, `"level":"warn"`} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %s: %q", want, output)
		}
	}
}

func TestSetup_Pretty(t *testing.T) {
	buf := &bytes.Buffer{}
	logger, err := Setup(Config{Level: LevelInfo, Pretty: true, Output: buf})
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}

	logger.Info().Str("bucket", "1000-1100").Msg("Bucket complete")

	output := buf.String()
	if strings.HasPrefix(output, "{") {
		t.Errorf("Expected console output, got JSON %q", output)
	}
	if !strings.Contains(output, "1000-1100") || !strings.Contains(output, "Bucket complete") {
		t.Errorf("Expected field and message in output, got %q", output)
	}
}
