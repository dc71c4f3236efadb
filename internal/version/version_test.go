package version

import (
	"strings"
	"testing"
)

func TestShortCommit(t *testing.T) {
	t.Parallel()
	if got := shortCommit("0123456789abcdef"); got != "0123456789ab" {
		t.Fatalf("expected 12 chars, got %q", got)
	}
	if got := shortCommit("abc"); got != "abc" {
		t.Fatalf("expected short commit unchanged, got %q", got)
	}
}

func TestResolveNeverEmpty(t *testing.T) {
	t.Parallel()
	if Resolve().Version == "" {
		t.Fatal("Resolve returned an empty version")
	}
	if !strings.HasPrefix(Producer(), "squeeze/") {
		t.Fatalf("unexpected producer %q", Producer())
	}
}
