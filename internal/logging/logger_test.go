package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger("test")
	l.SetOutput(&buf, "text")
	l.SetLevel(LevelWarn)

	l.Info("hidden %d", 1)
	l.Warn("shown %d", 2)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info message logged at WARN level: %q", out)
	}
	if !strings.Contains(out, "shown 2") {
		t.Fatalf("warn message missing: %q", out)
	}
	if !strings.Contains(out, "component=test") {
		t.Fatalf("component attribute missing: %q", out)
	}
}

func TestWithPrefixSharesLevel(t *testing.T) {
	var buf bytes.Buffer
	root := NewLogger("root")
	root.SetOutput(&buf, "text")
	child := root.WithPrefix("child")

	child.Debug("before")
	if buf.Len() != 0 {
		t.Fatalf("debug logged at default INFO level: %q", buf.String())
	}

	root.SetLevel(LevelTrace)
	child.Trace("traced")
	out := buf.String()
	if !strings.Contains(out, "level=TRACE") {
		t.Fatalf("trace level name not rewritten: %q", out)
	}
	if !strings.Contains(out, "component=child") {
		t.Fatalf("child prefix missing: %q", out)
	}
}

func TestJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger("json")
	l.SetOutput(&buf, "json")
	l.Error("failed: %s", "boom")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if rec["msg"] != "failed: boom" {
		t.Errorf("msg = %v", rec["msg"])
	}
	if rec["level"] != "ERROR" {
		t.Errorf("level = %v", rec["level"])
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    LogLevel
		wantErr bool
	}{
		{"error", LevelError, false},
		{"WARN", LevelWarn, false},
		{" Debug ", LevelDebug, false},
		{"trace", LevelTrace, false},
		{"loud", LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestEnvLevel(t *testing.T) {
	t.Setenv("FUSE_DEBUG", "")
	t.Setenv("LOG_LEVEL", "")
	if _, ok := EnvLevel(); ok {
		t.Fatalf("no level expected with empty environment")
	}

	t.Setenv("LOG_LEVEL", "trace")
	if level, ok := EnvLevel(); !ok || level != LevelTrace {
		t.Fatalf("LOG_LEVEL=trace gave %v, %v", level, ok)
	}

	t.Setenv("LOG_LEVEL", "bogus")
	if _, ok := EnvLevel(); ok {
		t.Fatalf("unparsable LOG_LEVEL must be ignored")
	}

	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("FUSE_DEBUG", "1")
	if level, ok := EnvLevel(); !ok || level != LevelDebug {
		t.Fatalf("FUSE_DEBUG gave %v, %v", level, ok)
	}
}
