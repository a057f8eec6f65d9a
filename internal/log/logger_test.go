package log

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	cases := []struct {
		env   string
		level string
		want  zerolog.Level
	}{
		{"production", "", zerolog.InfoLevel},
		{"development", "", zerolog.DebugLevel},
		{"production", "WARN", zerolog.WarnLevel},
		{"development", "error", zerolog.ErrorLevel},
		{"production", "debug", zerolog.DebugLevel},
	}

	for _, tc := range cases {
		if got := parseLevel(tc.env, tc.level); got != tc.want {
			t.Fatalf("parseLevel(%q, %q) = %v, want %v", tc.env, tc.level, got, tc.want)
		}
	}
}

func TestNewWithWriterTagsEnvironment(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "production", "info")
	defer zerolog.SetGlobalLevel(zerolog.TraceLevel)

	logger.Info().Msg("hello")

	out := buf.String()
	if !strings.Contains(out, "hello") || !strings.Contains(out, "env=production") {
		t.Fatalf("unexpected log output: %q", out)
	}
}
