package logger

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseFormat(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]Format{"": FormatPretty, "JSON": FormatJSON, " text ": FormatText, "pretty": FormatPretty} {
		got, err := ParseFormat(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}
	_, err := ParseFormat("xml")
	require.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tc := range tests {
		if got := ParseLevel(tc.input); got != tc.expected {
			t.Errorf("ParseLevel(%q): expected %v, got %v", tc.input, tc.expected, got)
		}
	}
}

func TestJSONLevelFiltering(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := JSON(&buf, slog.LevelWarn)
	log.Info("dropped")
	require.Zero(t, buf.Len())

	log.With("group", "l1.conv").Warn("below target", "sparsity", 0.25)
	out := buf.String()
	require.Contains(t, out, `"msg":"below target"`)
	require.Contains(t, out, `"group":"l1.conv"`)
	require.Contains(t, out, `"sparsity":0.25`)
}

func TestTextFormat(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	NewWithOptions(&buf, Options{Format: FormatText, Level: slog.LevelDebug}).Debug("traced", "nodes", 11)
	require.Contains(t, buf.String(), "level=DEBUG")
	require.Contains(t, buf.String(), "nodes=11")
}

func TestDiscard(t *testing.T) {
	t.Parallel()
	log := Discard()
	log.Error("nothing")
	log.With("k", "v").WithGroup("g").Info("nothing")
}

func TestContextRoundTrip(t *testing.T) {
	t.Parallel()
	require.NotNil(t, FromContext(context.Background()))

	var buf bytes.Buffer
	ctx := WithContext(context.Background(), JSON(&buf, slog.LevelInfo))
	FromContext(ctx).Info("roundtrip")
	require.Contains(t, buf.String(), "roundtrip")
}

func prettyLine(t *testing.T, h slog.Handler, msg string, args ...any) {
	t.Helper()
	slog.New(h).Info(msg, args...)
}

func TestPrettyPlain(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	h := NewPrettyHandler(&buf, nil, false)
	prettyLine(t, h, "zeroed", "epoch", 9, "sparsity", 0.123456789, "name", "res net", "took", 1500*time.Microsecond)

	out := buf.String()
	require.NotContains(t, out, "\033[")
	require.Contains(t, out, "INFO  zeroed")
	require.Contains(t, out, "epoch=9")
	require.Contains(t, out, "sparsity=0.12346")
	require.Contains(t, out, `name="res net"`)
	require.Contains(t, out, "took=2ms")
	require.True(t, strings.HasSuffix(out, "\n"))
}

func TestPrettyColor(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := Pretty(&buf, slog.LevelInfo)
	log.Warn("careful")
	require.Contains(t, buf.String(), ansiYellow)
	require.Contains(t, buf.String(), ansiReset)
}

func TestPrettyEnabled(t *testing.T) {
	t.Parallel()
	h := NewPrettyHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelWarn}, false)
	require.False(t, h.Enabled(context.Background(), slog.LevelInfo))
	require.True(t, h.Enabled(context.Background(), slog.LevelWarn))
	require.True(t, h.Enabled(context.Background(), slog.LevelError))
}

func TestPrettyGroups(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	h := NewPrettyHandler(&buf, nil, false)
	require.Same(t, h, h.WithGroup(""))

	nested := h.WithAttrs([]slog.Attr{slog.String("run", "abc")}).WithGroup("a").WithGroup("b")
	prettyLine(t, nested, "nested", "key", "val")
	prettyLine(t, h, "inline", slog.Group("shape", "n", 1, "c", 3))

	out := buf.String()
	require.Contains(t, out, "run=abc")
	require.Contains(t, out, "a.b.key=val")
	require.Contains(t, out, "shape.n=1 shape.c=3")
}

func TestNeedsQuoting(t *testing.T) {
	t.Parallel()
	for s, want := range map[string]bool{
		"simple":    false,
		"":          false,
		"has space": true,
		"has\ttab":  true,
		`has"quote`: true,
		"k=v":       true,
	} {
		require.Equal(t, want, needsQuoting(s), s)
	}
}
