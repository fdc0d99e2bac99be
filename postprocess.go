package toolflow

import (
	"bytes"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/cespare/xxhash/v2"
	"github.com/pmezard/go-difflib/difflib"
)

// DefaultMaxOutputRunes caps the tool output fed back to the model.
// Larger outputs are compressed, then truncated keeping head and tail.
const DefaultMaxOutputRunes = 30_000

// boundOutput compresses and truncates s to at most limit runes (plus the
// truncation marker). It reports whether anything was dropped.
func boundOutput(s string, limit int) (string, bool) {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s, false
	}
	s = compressOutput(s)
	n := utf8.RuneCountInString(s)
	if n <= limit {
		return s, true
	}
	head := limit * 2 / 3
	tail := limit - head
	runes := []rune(s)
	return string(runes[:head]) +
		fmt.Sprintf("\n[output truncated: %d of %d characters omitted]\n", n-head-tail, n) +
		string(runes[n-tail:]), true
}

// compressOutput collapses runs of identical lines and squeezes blank runs.
func compressOutput(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	for i := 0; i < len(lines); {
		j := i + 1
		for j < len(lines) && lines[j] == lines[i] {
			j++
		}
		run := j - i
		out = append(out, lines[i])
		switch {
		case run == 1:
		case strings.TrimSpace(lines[i]) == "":
			// one blank line is enough
		case run == 2:
			out = append(out, lines[i])
		default:
			out = append(out, fmt.Sprintf("[previous line repeated %d more times]", run-1))
		}
		i = j
	}
	return strings.Join(out, "\n")
}

// truncateStr truncates s to at most n runes, appending "..." when cut.
func truncateStr(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n]) + "..."
}

// sideEffectOf diffs the before and after content of one target. ok is false
// when the target is unchanged or never existed.
func sideEffectOf(target string, before []byte, existedBefore bool, after []byte, existsAfter bool) (SideEffect, bool) {
	switch {
	case !existedBefore && !existsAfter:
		return SideEffect{}, false
	case !existedBefore:
		return SideEffect{Target: target, Change: ChangeCreate, LinesAdded: countLines(after)}, true
	case !existsAfter:
		return SideEffect{Target: target, Change: ChangeDelete, LinesRemoved: countLines(before)}, true
	case bytes.Equal(before, after):
		return SideEffect{}, false
	}
	added, removed := diffLines(before, after)
	return SideEffect{Target: target, Change: ChangeModify, LinesAdded: added, LinesRemoved: removed}, true
}

// diffLines counts inserted and deleted lines between a and b.
func diffLines(a, b []byte) (added, removed int) {
	m := difflib.NewMatcher(splitLines(a), splitLines(b))
	for _, op := range m.GetOpCodes() {
		switch op.Tag {
		case 'r':
			removed += op.I2 - op.I1
			added += op.J2 - op.J1
		case 'd':
			removed += op.I2 - op.I1
		case 'i':
			added += op.J2 - op.J1
		}
	}
	return added, removed
}

func splitLines(b []byte) []string {
	if len(b) == 0 {
		return nil
	}
	return difflib.SplitLines(string(b))
}

func countLines(b []byte) int {
	if len(b) == 0 {
		return 0
	}
	n := bytes.Count(b, []byte{'\n'})
	if b[len(b)-1] != '\n' {
		n++
	}
	return n
}

// contentHash is a stable non-cryptographic hash of target contents.
// Missing targets hash differently from empty ones.
func contentHash(targets []string, content map[string][]byte, exists map[string]bool) uint64 {
	d := xxhash.New()
	for _, t := range targets {
		d.WriteString(t)
		if exists[t] {
			d.Write([]byte{1})
			d.Write(content[t])
		} else {
			d.Write([]byte{0})
		}
		d.Write([]byte{0xff})
	}
	return d.Sum64()
}
