// Package sanitize normalises code blocks returned by a model and judges
// whether the normalisation was cosmetic or a rewrite.
package sanitize

import (
	"strings"
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// DefaultMaxEditRatio is the largest share of the raw text that Clean may
// change for the result to still count as clean.
const DefaultMaxEditRatio = 0.35

// Sanitizer strips markdown fences, stray package/import lines and
// whitespace noise from a generated Java test method.
type Sanitizer struct {
	maxEditRatio float64
	dmp          *diffmatchpatch.DiffMatchPatch
}

// New returns a Sanitizer. A non-positive ratio selects
// DefaultMaxEditRatio.
func New(maxEditRatio float64) *Sanitizer {
	if maxEditRatio <= 0 {
		maxEditRatio = DefaultMaxEditRatio
	}
	return &Sanitizer{
		maxEditRatio: maxEditRatio,
		dmp:          diffmatchpatch.New(),
	}
}

// Clean normalises raw model code.
func (s *Sanitizer) Clean(raw string) string {
	code := strings.ReplaceAll(raw, "\r\n", "\n")
	code = stripFences(code)

	lines := strings.Split(code, "\n")
	kept := lines[:0]
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if isHeaderLine(trimmed) {
			continue
		}
		kept = append(kept, strings.TrimRight(line, " \t"))
	}

	return strings.TrimSpace(dedent(strings.Join(kept, "\n")))
}

// IsCleanEnough reports whether sanitized is a minor cleanup of raw. An
// empty result, unbalanced braces or an edit distance above the configured
// ratio mean the raw output was unusable.
func (s *Sanitizer) IsCleanEnough(raw, sanitized string) bool {
	if strings.TrimSpace(sanitized) == "" {
		return false
	}
	if !balanced(sanitized) {
		return false
	}

	return s.EditRatio(raw, sanitized) <= s.maxEditRatio
}

// EditRatio is the Levenshtein distance between the trimmed raw text and
// the sanitized text, relative to the raw length in runes.
func (s *Sanitizer) EditRatio(raw, sanitized string) float64 {
	raw = strings.TrimSpace(raw)
	n := utf8.RuneCountInString(raw)
	if n == 0 {
		return 1
	}

	diffs := s.dmp.DiffMain(raw, sanitized, false)
	return float64(s.dmp.DiffLevenshtein(diffs)) / float64(n)
}

// stripFences keeps only the content of markdown code fences when the
// text has any, otherwise returns it unchanged.
func stripFences(content string) string {
	if !strings.Contains(content, "```") {
		return content
	}

	var cleaned []string
	inBlock := false
	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			inBlock = !inBlock
			continue
		}
		if inBlock {
			cleaned = append(cleaned, line)
		}
	}
	return strings.Join(cleaned, "\n")
}

func isHeaderLine(trimmed string) bool {
	if !strings.HasSuffix(trimmed, ";") {
		return false
	}
	return strings.HasPrefix(trimmed, "package ") || strings.HasPrefix(trimmed, "import ")
}

// dedent removes the indentation shared by every non-blank line.
func dedent(code string) string {
	lines := strings.Split(code, "\n")

	prefix := ""
	first := true
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		indent := line[:len(line)-len(strings.TrimLeft(line, " \t"))]
		if first {
			prefix, first = indent, false
			continue
		}
		for !strings.HasPrefix(indent, prefix) {
			prefix = prefix[:len(prefix)-1]
		}
	}
	if prefix == "" {
		return code
	}

	for i, line := range lines {
		lines[i] = strings.TrimPrefix(line, prefix)
	}
	return strings.Join(lines, "\n")
}

// balanced checks that braces and parentheses pair up, ignoring string and
// character literals and comments.
func balanced(code string) bool {
	var braces, parens int
	inString, inChar, inLine, inBlock := false, false, false, false

	for i := 0; i < len(code); i++ {
		c := code[i]
		switch {
		case inLine:
			if c == '\n' {
				inLine = false
			}
		case inBlock:
			if c == '*' && i+1 < len(code) && code[i+1] == '/' {
				inBlock = false
				i++
			}
		case inString:
			if c == '\\' {
				i++
			} else if c == '"' {
				inString = false
			}
		case inChar:
			if c == '\\' {
				i++
			} else if c == '\'' {
				inChar = false
			}
		case c == '/' && i+1 < len(code) && code[i+1] == '/':
			inLine = true
		case c == '/' && i+1 < len(code) && code[i+1] == '*':
			inBlock = true
			i++
		case c == '"':
			inString = true
		case c == '\'':
			inChar = true
		case c == '{':
			braces++
		case c == '}':
			braces--
		case c == '(':
			parens++
		case c == ')':
			parens--
		}
		if braces < 0 || parens < 0 {
			return false
		}
	}

	return braces == 0 && parens == 0
}
