package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()

	var l Logger
	if !l.IsZero() {
		t.Fatalf("zero logger should report IsZero")
	}
	// must not panic
	l.Info("hello", String("k", "v"))
	l.With(Int("n", 1)).Error("boom", Err(errors.New("x")))
}

func TestWriterLoggerFields(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	l := NewWriter(&buf, "debug").With(String("comp", "test"))
	l.Info("armed", Int("timers", 2), Bool("global", true))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("unmarshal: %v (%q)", err, buf.String())
	}
	if m["message"] != "armed" {
		t.Fatalf("message=%v", m["message"])
	}
	if m["comp"] != "test" {
		t.Fatalf("comp=%v", m["comp"])
	}
	if m["timers"] != float64(2) {
		t.Fatalf("timers=%v", m["timers"])
	}
	if _, ok := m["caller"].(string); !ok {
		t.Fatalf("caller missing: %v", m)
	}
}

func TestEnabledRespectsLevel(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	l := NewWriter(&buf, "warn")
	if l.Enabled(LevelDebug) {
		t.Fatalf("debug should be disabled at warn level")
	}
	if !l.Enabled(LevelError) {
		t.Fatalf("error should be enabled at warn level")
	}
	l.Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug line written: %q", buf.String())
	}
}

func TestFormatChatLine(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want []string
	}{
		{
			name: "json record",
			in:   `{"level":"warn","message":"dispatch failed","rule":"r1","time":"x"}`,
			want: []string{"[WARN] dispatch failed", "- rule=r1"},
		},
		{
			name: "raw text",
			in:   "plain line\n",
			want: []string{"plain line"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := FormatChatLine([]byte(tc.in))
			for _, w := range tc.want {
				if !strings.Contains(got, w) {
					t.Fatalf("got %q, want substring %q", got, w)
				}
			}
			if strings.Contains(got, "time=") {
				t.Fatalf("time should be dropped: %q", got)
			}
		})
	}
}
