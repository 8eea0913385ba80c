package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"reflect"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func resetLoggingState() {
	mu.Lock()
	defer mu.Unlock()

	baseWriter = os.Stderr
	baseComponent = ""
	baseLogger = zerolog.New(baseWriter).With().Timestamp().Logger()
	log.Logger = baseLogger
	zerolog.TimeFieldFormat = defaultTimeFmt
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

func readJSONLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()

	line := strings.TrimSpace(buf.String())
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	if line == "" {
		t.Fatalf("expected log output, got empty string")
	}

	var event map[string]interface{}
	if err := json.Unmarshal([]byte(line), &event); err != nil {
		t.Fatalf("failed to unmarshal log line: %v", err)
	}
	return event
}

func TestInitJSONFormatSetsLevelAndComponent(t *testing.T) {
	t.Cleanup(resetLoggingState)

	var buf bytes.Buffer
	logger := Init(Config{
		Format:    "json",
		Level:     "debug",
		Component: "validator",
		Output:    &buf,
	})

	if zerolog.GlobalLevel() != zerolog.DebugLevel {
		t.Fatalf("expected global level debug, got %s", zerolog.GlobalLevel())
	}

	mu.RLock()
	component := baseComponent
	same := reflect.DeepEqual(log.Logger, baseLogger)
	mu.RUnlock()

	if component != "validator" {
		t.Fatalf("expected base component validator, got %s", component)
	}
	if !same {
		t.Fatal("expected global log.Logger to match baseLogger")
	}

	logger.Debug().Msg("hello")
	event := readJSONLine(t, &buf)
	if event["component"] != "validator" {
		t.Fatalf("expected component field, got %v", event["component"])
	}
}

func TestInitConsoleFormatUsesConsoleWriter(t *testing.T) {
	t.Cleanup(resetLoggingState)

	Init(Config{
		Format: "console",
		Level:  "info",
		Output: &bytes.Buffer{},
	})

	mu.RLock()
	defer mu.RUnlock()

	if _, ok := baseWriter.(zerolog.ConsoleWriter); !ok {
		t.Fatalf("expected console writer, got %#v", baseWriter)
	}
}

func TestInitAutoFormatWithBufferUsesJSON(t *testing.T) {
	t.Cleanup(resetLoggingState)

	var buf bytes.Buffer
	Init(Config{Format: "auto", Output: &buf})

	mu.RLock()
	defer mu.RUnlock()

	if baseWriter != &buf {
		t.Fatalf("expected raw writer for non-terminal output, got %#v", baseWriter)
	}
}

func TestParseLevelFallsBackToInfo(t *testing.T) {
	cases := map[string]zerolog.Level{
		"":         zerolog.InfoLevel,
		"WARNING":  zerolog.WarnLevel,
		" error ":  zerolog.ErrorLevel,
		"trace":    zerolog.TraceLevel,
		"disabled": zerolog.Disabled,
		"verbose":  zerolog.InfoLevel,
	}
	for input, want := range cases {
		if got := parseLevel(input); got != want {
			t.Errorf("parseLevel(%q) = %s, want %s", input, got, want)
		}
	}
}

func TestSetLevelChangesGlobalLevel(t *testing.T) {
	t.Cleanup(resetLoggingState)

	if got := SetLevel("error"); got != zerolog.ErrorLevel {
		t.Fatalf("SetLevel returned %s", got)
	}
	if IsLevelEnabled(zerolog.InfoLevel) {
		t.Fatal("info should be disabled after SetLevel(error)")
	}
}

func TestWithRequestIDGeneratesAndPropagates(t *testing.T) {
	t.Cleanup(resetLoggingState)

	ctx, generated := WithRequestID(context.Background(), "")
	if generated == "" {
		t.Fatal("expected generated request id")
	}
	if got := RequestIDFromContext(ctx); got != generated {
		t.Fatalf("expected stored request id %s, got %s", generated, got)
	}

	var buf bytes.Buffer
	logger := FromContext(ctx, zerolog.New(&buf))
	logger.Info().Msg("ctx-log")

	event := readJSONLine(t, &buf)
	if event["request_id"] != generated {
		t.Fatalf("expected request_id %s, got %v", generated, event["request_id"])
	}
}

func TestWithRequestIDKeepsProvidedValue(t *testing.T) {
	ctx, id := WithRequestID(nil, "  req-1 ") //nolint:staticcheck
	if id != "req-1" {
		t.Fatalf("id = %q, want req-1", id)
	}
	if RequestIDFromContext(ctx) != "req-1" {
		t.Fatal("request id not stored on context")
	}
	if RequestIDFromContext(context.Background()) != "" {
		t.Fatal("expected empty request id for bare context")
	}
}

func TestRedactKey(t *testing.T) {
	if got := RedactKey("ABCDEFGH12345678"); got != "ABCDEFGH..." {
		t.Fatalf("RedactKey = %q", got)
	}
	if got := RedactKey("short"); got != "*****" {
		t.Fatalf("RedactKey short = %q", got)
	}
	if got := RedactKey("   "); got != "" {
		t.Fatalf("RedactKey blank = %q", got)
	}
}

func TestComponentTagsChildLogger(t *testing.T) {
	t.Cleanup(resetLoggingState)

	var buf bytes.Buffer
	Init(Config{Format: "json", Output: &buf})

	logger := Component("addons")
	logger.Info().Msg("child")

	event := readJSONLine(t, &buf)
	if event["component"] != "addons" {
		t.Fatalf("component = %v, want addons", event["component"])
	}
}
