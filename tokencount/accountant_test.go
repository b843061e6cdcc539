package tokencount

import (
	"strings"
	"testing"
)

func TestCountTextEmpty(t *testing.T) {
	a := NewAccountant("")
	if got := a.CountText(""); got != 0 {
		t.Errorf("expected 0 tokens for empty text, got %d", got)
	}
}

func TestCountTextFallbackEstimate(t *testing.T) {
	a := NewAccountant("") // no encoding, character estimate
	text := strings.Repeat("x", 300)
	if got := a.CountText(text); got != 100 {
		t.Errorf("expected 100 tokens for 300 chars, got %d", got)
	}
}

func TestCountTextNeverNegative(t *testing.T) {
	a := NewAccountant("no-such-model")
	for _, s := range []string{"", "a", "ab", "hello world"} {
		if got := a.CountText(s); got < 0 {
			t.Errorf("negative count %d for %q", got, s)
		}
	}
}

func TestCountMessageOverhead(t *testing.T) {
	a := NewAccountant("")
	content := strings.Repeat("y", 30)
	got := a.CountMessage("user", content)
	want := 4 + 10
	if got != want {
		t.Errorf("expected %d, got %d", want, got)
	}
}

func TestCountAll(t *testing.T) {
	a := NewAccountant("")
	got := a.CountAll(strings.Repeat("a", 30), strings.Repeat("b", 60))
	if got != 30 {
		t.Errorf("expected 30, got %d", got)
	}
}
