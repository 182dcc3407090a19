package cache

import (
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/1122414/AutoWeb/internal/logging"
)

// ParamDiff is one parameter rewrite derived from comparing the stored
// task against the current one: the cached code said Old, the new task
// wants New.
type ParamDiff struct {
	Old string
	New string
}

// DiffTaskParams token-diffs two task utterances and keeps the replace
// pairs that look like parameters. Only pairs where both sides are at
// least two characters survive; shorter diffs ("1" vs "2") rewrite far
// too much. Results come back longest-old-first so nested parameters
// ("top250" before "250") replace outside-in.
func DiffTaskParams(storedTask, currentTask string) []ParamDiff {
	if storedTask == currentTask {
		return nil
	}
	oldTokens := tokenizeTask(storedTask)
	newTokens := tokenizeTask(currentTask)
	diffs := make([]ParamDiff, 0, 4)
	seen := make(map[string]bool)
	for _, op := range diffOps(oldTokens, newTokens) {
		oldText := strings.Join(op.oldRun, "")
		newText := strings.Join(op.newRun, "")
		if oldText == newText {
			continue
		}
		if utf8.RuneCountInString(oldText) < 2 || utf8.RuneCountInString(newText) < 2 {
			continue
		}
		if seen[oldText] {
			continue
		}
		seen[oldText] = true
		diffs = append(diffs, ParamDiff{Old: oldText, New: newText})
	}
	sort.SliceStable(diffs, func(i, j int) bool {
		return len(diffs[i].Old) > len(diffs[j].Old)
	})
	return diffs
}

// ApplyParamDiffs rewrites the cached code for the new task parameters.
// Replacements happen only inside single- or double-quoted string
// literals; identifiers, comments and raw backtick literals stay
// byte-identical, so the program shape cannot change.
func ApplyParamDiffs(code string, diffs []ParamDiff) (string, int) {
	if len(diffs) == 0 || code == "" {
		return code, 0
	}
	var out strings.Builder
	out.Grow(len(code) + 64)
	total := 0

	i := 0
	for i < len(code) {
		c := code[i]
		switch {
		case c == '/' && i+1 < len(code) && code[i+1] == '/':
			end := strings.IndexByte(code[i:], '\n')
			if end < 0 {
				out.WriteString(code[i:])
				i = len(code)
			} else {
				out.WriteString(code[i : i+end])
				i += end
			}
		case c == '/' && i+1 < len(code) && code[i+1] == '*':
			end := strings.Index(code[i+2:], "*/")
			if end < 0 {
				out.WriteString(code[i:])
				i = len(code)
			} else {
				out.WriteString(code[i : i+end+4])
				i += end + 4
			}
		case c == '`':
			end := strings.IndexByte(code[i+1:], '`')
			if end < 0 {
				out.WriteString(code[i:])
				i = len(code)
			} else {
				out.WriteString(code[i : i+end+2])
				i += end + 2
			}
		case c == '"' || c == '\'':
			literal, width := scanQuoted(code[i:], c)
			if width == 0 {
				out.WriteByte(c)
				i++
				break
			}
			rewritten, n := substituteLiteral(literal, diffs)
			total += n
			out.WriteByte(c)
			out.WriteString(rewritten)
			out.WriteByte(c)
			i += width
		default:
			out.WriteByte(c)
			i++
		}
	}

	if total > 0 {
		logging.Cache("[CodeCache] parameter substitution applied: %s (%d replacements)", describeDiffs(diffs), total)
	}
	return out.String(), total
}

// scanQuoted returns the inner text of the literal starting at s[0]
// (the opening quote) and the total width consumed including both
// quotes. Width 0 means the literal never closes.
func scanQuoted(s string, quote byte) (string, int) {
	for i := 1; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case quote:
			return s[1:i], i + 1
		case '\n':
			return "", 0
		}
	}
	return "", 0
}

func substituteLiteral(literal string, diffs []ParamDiff) (string, int) {
	total := 0
	for _, d := range diffs {
		if n := strings.Count(literal, d.Old); n > 0 {
			literal = strings.ReplaceAll(literal, d.Old, d.New)
			total += n
		}
	}
	return literal, total
}

func describeDiffs(diffs []ParamDiff) string {
	parts := make([]string, 0, len(diffs))
	for _, d := range diffs {
		parts = append(parts, d.Old+" -> "+d.New)
	}
	return strings.Join(parts, ", ")
}

// tokenizeTask splits a task utterance into alphanumeric runs and single
// non-space characters. "top250 movies" -> [top250 movies]; CJK text
// falls apart into per-rune tokens, which is exactly the granularity the
// diff needs.
func tokenizeTask(s string) []string {
	tokens := make([]string, 0, len(s)/2)
	var run []rune
	flush := func() {
		if len(run) > 0 {
			tokens = append(tokens, string(run))
			run = run[:0]
		}
	}
	for _, r := range s {
		switch {
		case isASCIIAlphanum(r):
			run = append(run, r)
		case unicode.IsSpace(r):
			flush()
		default:
			flush()
			tokens = append(tokens, string(r))
		}
	}
	flush()
	return tokens
}

func isASCIIAlphanum(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

// diffOp is one maximal replaced region in a token diff.
type diffOp struct {
	oldRun []string
	newRun []string
}

// diffOps aligns two token sequences via longest common subsequence and
// yields the replace regions (segments present on both sides). Pure
// inserts and deletes carry no old->new mapping and are skipped.
func diffOps(a, b []string) []diffOp {
	n, m := len(a), len(b)
	lcs := make([][]int, n+1)
	for i := range lcs {
		lcs[i] = make([]int, m+1)
	}
	for i := n - 1; i >= 0; i-- {
		for j := m - 1; j >= 0; j-- {
			if a[i] == b[j] {
				lcs[i][j] = lcs[i+1][j+1] + 1
			} else if lcs[i+1][j] >= lcs[i][j+1] {
				lcs[i][j] = lcs[i+1][j]
			} else {
				lcs[i][j] = lcs[i][j+1]
			}
		}
	}

	var ops []diffOp
	var cur *diffOp
	closeOp := func() {
		if cur != nil && len(cur.oldRun) > 0 && len(cur.newRun) > 0 {
			ops = append(ops, *cur)
		}
		cur = nil
	}
	i, j := 0, 0
	for i < n && j < m {
		switch {
		case a[i] == b[j]:
			closeOp()
			i++
			j++
		case lcs[i+1][j] >= lcs[i][j+1]:
			if cur == nil {
				cur = &diffOp{}
			}
			cur.oldRun = append(cur.oldRun, a[i])
			i++
		default:
			if cur == nil {
				cur = &diffOp{}
			}
			cur.newRun = append(cur.newRun, b[j])
			j++
		}
	}
	for i < n {
		if cur == nil {
			cur = &diffOp{}
		}
		cur.oldRun = append(cur.oldRun, a[i])
		i++
	}
	for j < m {
		if cur == nil {
			cur = &diffOp{}
		}
		cur.newRun = append(cur.newRun, b[j])
		j++
	}
	closeOp()
	return ops
}
