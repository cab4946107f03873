package logger

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoggerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(WARN, &buf)

	log.Infow("hidden", "k", 1)
	log.Warnw("shown", "userID", "u1", "tool", "ocr")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "[WARN]")
	assert.Contains(t, out, "shown userID=u1 tool=ocr")
	assert.Contains(t, out, "logger_test.go")
}

func TestLoggerOddPairs(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(DEBUG, &buf)

	log.Debugw("odd", "key")
	assert.Contains(t, buf.String(), "odd key=MISSING")
}

func TestFatalCallsExit(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(DEBUG, &buf)
	code := -1
	log.exit = func(c int) { code = c }

	log.Fatal("boom %d", 42)

	assert.Equal(t, 1, code)
	assert.Contains(t, buf.String(), "boom 42")
}

func TestParseLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"debug":   DEBUG,
		"INFO":    INFO,
		"warning": WARN,
		"error":   ERROR,
		"fatal":   FATAL,
		"":        INFO,
		"bogus":   INFO,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}
