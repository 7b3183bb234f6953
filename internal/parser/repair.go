package parser

import (
	"regexp"
	"strings"
)

// repairFunc is one pure text-to-text repair. Repairs are applied in a
// fixed order and each must be idempotent: feeding an already-repaired,
// syntactically valid span back through the chain yields the same text.
type repairFunc func(string) string

// defaultRepairs returns the repair chain in application order.
func defaultRepairs() []repairFunc {
	return []repairFunc{
		normalizePunctuation,
		quoteBareKeys,
		rewriteSingleQuotedStrings,
		stripTrailingCommas,
	}
}

// punctuationReplacer maps curly/unicode quotation marks and full-width
// punctuation to their plain-text equivalents.
var punctuationReplacer = strings.NewReplacer(
	"“", `"`, // left double quotation mark
	"”", `"`, // right double quotation mark
	"„", `"`, // double low-9 quotation mark
	"‟", `"`, // double high-reversed-9 quotation mark
	"‘", "'", // left single quotation mark
	"’", "'", // right single quotation mark
	"‚", "'", // single low-9 quotation mark
	"‛", "'", // single high-reversed-9 quotation mark
	"＂", `"`, // fullwidth quotation mark
	"＇", "'", // fullwidth apostrophe
	"，", ",", // fullwidth comma
	"：", ":", // fullwidth colon
	"｛", "{", // fullwidth left curly bracket
	"｝", "}", // fullwidth right curly bracket
	"［", "[", // fullwidth left square bracket
	"］", "]", // fullwidth right square bracket
)

func normalizePunctuation(s string) string {
	return punctuationReplacer.Replace(s)
}

// bareKeyRe matches an unquoted object key immediately after an opening
// brace or a comma. Quoted keys do not match because the preceding
// character class excludes the quote.
var bareKeyRe = regexp.MustCompile(`([{,]\s*)([A-Za-z_][A-Za-z0-9_]*)\s*:`)

func quoteBareKeys(s string) string {
	return bareKeyRe.ReplaceAllString(s, `$1"$2":`)
}

// rewriteSingleQuotedStrings converts single-quoted string values to
// double-quoted ones, escaping any embedded double quotes. A single quote
// only opens a string when it appears in value position (after a colon,
// comma, bracket, or whitespace) outside of a double-quoted string, so
// apostrophes inside double-quoted values are left alone.
func rewriteSingleQuotedStrings(s string) string {
	var out strings.Builder
	out.Grow(len(s))

	inDouble := false
	inSingle := false
	escaped := false

	for i := 0; i < len(s); i++ {
		ch := s[i]

		if escaped {
			// An escaped single quote inside a converted string becomes a
			// plain apostrophe; everything else passes through untouched.
			if inSingle && ch == '\'' {
				out.WriteByte('\'')
			} else {
				out.WriteByte('\\')
				out.WriteByte(ch)
			}
			escaped = false
			continue
		}

		switch {
		case ch == '\\':
			escaped = true
		case inSingle:
			if ch == '\'' {
				out.WriteByte('"')
				inSingle = false
			} else if ch == '"' {
				out.WriteString(`\"`)
			} else {
				out.WriteByte(ch)
			}
		case inDouble:
			out.WriteByte(ch)
			if ch == '"' {
				inDouble = false
			}
		case ch == '"':
			out.WriteByte(ch)
			inDouble = true
		case ch == '\'' && atValueBoundary(s, i):
			out.WriteByte('"')
			inSingle = true
		default:
			out.WriteByte(ch)
		}
	}

	return out.String()
}

// atValueBoundary reports whether position i can start a string value.
func atValueBoundary(s string, i int) bool {
	if i == 0 {
		return true
	}
	switch s[i-1] {
	case ':', ',', '{', '[', ' ', '\t', '\n', '\r':
		return true
	}
	return false
}

var trailingCommaRe = regexp.MustCompile(`,(\s*[}\]])`)

func stripTrailingCommas(s string) string {
	return trailingCommaRe.ReplaceAllString(s, `$1`)
}
