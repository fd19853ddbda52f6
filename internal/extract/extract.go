// Package extract pulls typed fields out of free-form model output.
//
// Models are asked to wrap every answer field in a pseudo-XML tag such as
// <Refactoring Reasoning>...</Refactoring Reasoning>, but they routinely
// change the casing, swap spaces for underscores or drop the spaces
// entirely. Every function in this package is total: malformed, truncated or
// missing markers produce empty values, never a panic or an error.
package extract

import "strings"

// Extract returns the trimmed text between <field> and </field>.
//
// Lookups are attempted in order and the first hit wins:
//  1. exact-case markers
//  2. case-insensitive markers
//  3. case-insensitive markers for the variants "a_b_c", "abc" and "a b c"
//
// If no complete marker pair is found the empty string is returned.
func Extract(text, field string) string {
	open, closing := "<"+field+">", "</"+field+">"

	if v, ok := between(text, text, open, closing); ok {
		return v
	}

	folded := foldASCII(text)
	if v, ok := between(text, folded, foldASCII(open), foldASCII(closing)); ok {
		return v
	}

	for _, variant := range fieldVariants(field) {
		open, closing := foldASCII("<"+variant+">"), foldASCII("</"+variant+">")
		if v, ok := between(text, folded, open, closing); ok {
			return v
		}
	}

	return ""
}

// fieldVariants lists the alternative spellings tried for a field name.
func fieldVariants(field string) []string {
	return []string{
		strings.ReplaceAll(field, " ", "_"),
		strings.ReplaceAll(field, " ", ""),
		strings.ReplaceAll(field, "_", " "),
	}
}

// between searches haystack for open...closing and returns the matching
// slice of text. haystack must have the same byte layout as text.
func between(text, haystack, open, closing string) (string, bool) {
	start := strings.Index(haystack, open)
	if start < 0 {
		return "", false
	}
	start += len(open)

	end := strings.Index(haystack[start:], closing)
	if end < 0 {
		return "", false
	}

	return strings.TrimSpace(text[start : start+end]), true
}

// foldASCII lower-cases ASCII letters only. Unlike strings.ToLower it never
// changes the byte length of s, so offsets found in the folded string are
// valid in the original.
func foldASCII(s string) string {
	b := []byte(s)
	changed := false
	for i, c := range b {
		if 'A' <= c && c <= 'Z' {
			b[i] = c + ('a' - 'A')
			changed = true
		}
	}
	if !changed {
		return s
	}
	return string(b)
}

var (
	trueWords  = map[string]bool{"true": true, "yes": true, "1": true, "exists": true, "present": true}
	falseWords = map[string]bool{"false": true, "no": true, "0": true, "absent": true, "none": true, "not exists": true}
)

// ParseBoolean interprets a verifier flag. Anything that is not explicitly
// negative counts as true, so an unreadable answer keeps the issue open.
func ParseBoolean(s string) bool {
	v := strings.ToLower(strings.TrimSpace(s))
	if trueWords[v] {
		return true
	}
	if falseWords[v] {
		return false
	}
	return true
}
