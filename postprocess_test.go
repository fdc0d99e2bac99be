package toolflow

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestBoundOutputSmallPassesThrough(t *testing.T) {
	got, truncated := boundOutput("hello", 100)
	if got != "hello" || truncated {
		t.Errorf("boundOutput = (%q, %v)", got, truncated)
	}
}

func TestBoundOutputCompressesRepeats(t *testing.T) {
	s := strings.Repeat("warning: deprecated\n", 50) + "ok"
	got, truncated := boundOutput(s, 200)
	if !truncated {
		t.Error("expected compression to be reported")
	}
	want := "warning: deprecated\n[previous line repeated 49 more times]\nok"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestBoundOutputTruncatesRuneSafe(t *testing.T) {
	s := strings.Repeat("日本語テキスト", 100)
	got, truncated := boundOutput(s, 30)
	if !truncated {
		t.Fatal("expected truncation")
	}
	if !utf8.ValidString(got) {
		t.Error("truncation split a rune")
	}
	if !strings.Contains(got, "output truncated") {
		t.Errorf("missing marker: %q", got)
	}
}

func TestCompressOutputSqueezesBlankRuns(t *testing.T) {
	got := compressOutput("a\n\n\n\nb\nb\nc")
	if got != "a\n\nb\nb\nc" {
		t.Errorf("got %q", got)
	}
}

func TestSideEffectOf(t *testing.T) {
	tests := []struct {
		name          string
		before, after string
		existed, now  bool
		want          SideEffect
		ok            bool
	}{
		{"create", "", "a\nb\n", false, true, SideEffect{Target: "f", Change: ChangeCreate, LinesAdded: 2}, true},
		{"delete", "a\nb\nc", "", true, false, SideEffect{Target: "f", Change: ChangeDelete, LinesRemoved: 3}, true},
		{"modify", "a\nb\nc\n", "a\nx\nc\nd\n", true, true, SideEffect{Target: "f", Change: ChangeModify, LinesAdded: 2, LinesRemoved: 1}, true},
		{"unchanged", "a\n", "a\n", true, true, SideEffect{}, false},
		{"absent", "", "", false, false, SideEffect{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := sideEffectOf("f", []byte(tt.before), tt.existed, []byte(tt.after), tt.now)
			if ok != tt.ok || got != tt.want {
				t.Errorf("sideEffectOf = (%+v, %v), want (%+v, %v)", got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestContentHashDistinguishesMissingFromEmpty(t *testing.T) {
	targets := []string{"a"}
	empty := contentHash(targets, map[string][]byte{"a": {}}, map[string]bool{"a": true})
	missing := contentHash(targets, map[string][]byte{}, map[string]bool{"a": false})
	if empty == missing {
		t.Error("empty and missing targets hash the same")
	}
	again := contentHash(targets, map[string][]byte{"a": {}}, map[string]bool{"a": true})
	if empty != again {
		t.Error("hash is not stable")
	}
}
