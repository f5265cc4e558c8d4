package monitoring

import (
	"fmt"
	"strings"
	"testing"
)

func captureLog(t *testing.T) *[]string {
	t.Helper()
	var lines []string
	prev := Logf
	SetLogger(func(format string, v ...interface{}) {
		lines = append(lines, fmt.Sprintf(format, v...))
	})
	t.Cleanup(func() { Logf = prev })
	return &lines
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"DEBUG":   LevelDebug,
		"debug":   LevelDebug,
		"INFO":    LevelInfo,
		"WARNING": LevelWarn,
		"warn":    LevelWarn,
		"ERROR":   LevelError,
		"bogus":   LevelInfo,
		"":        LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	lines := captureLog(t)
	prev := CurrentLevel()
	SetLevel(LevelWarn)
	t.Cleanup(func() { SetLevel(prev) })

	Debugf("dropped debug")
	Infof("dropped info")
	Warnf("kept warn")
	Errorf("kept error")

	if len(*lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %v", len(*lines), *lines)
	}
	if !strings.Contains((*lines)[0], "[WARN] kept warn") {
		t.Errorf("unexpected first line: %q", (*lines)[0])
	}
	if !strings.Contains((*lines)[1], "[ERROR] kept error") {
		t.Errorf("unexpected second line: %q", (*lines)[1])
	}
}

func TestSetLoggerNilMutes(t *testing.T) {
	prev := Logf
	t.Cleanup(func() { Logf = prev })

	SetLogger(nil)
	// Must not panic.
	Errorf("into the void")
}

func TestInitReadsEnvironment(t *testing.T) {
	t.Setenv("LOG_LEVEL", "ERROR")
	t.Setenv("LOG_TO_STDOUT", "true")
	prev := CurrentLevel()
	t.Cleanup(func() { SetLevel(prev) })

	Init("test")
	if got := CurrentLevel(); got != LevelError {
		t.Errorf("CurrentLevel() = %v, want %v", got, LevelError)
	}
}
