// Package mailtext turns mail bodies and headers into plain text.
package mailtext

import (
	"mime"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var (
	blankRuns  = regexp.MustCompile(`\n{3,}`)
	spaceRuns  = regexp.MustCompile(`[ \t\f\v]+`)
	addressRE  = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)
	wordDecode = new(mime.WordDecoder)
)

// blockTags end a line when converting HTML to text.
var blockTags = "p, div, br, tr, li, h1, h2, h3, h4, h5, h6, table, section"

// HTMLToText renders an HTML body as readable text. Scripts, styles and
// comments are dropped and block elements become line breaks. Input that
// does not parse is returned unchanged.
func HTMLToText(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return html
	}
	doc.Find("script, style, head, noscript").Remove()
	doc.Find("td, th").AfterHtml(" ")
	doc.Find(blockTags).AfterHtml("\n")
	return Clean(doc.Text())
}

// Clean collapses horizontal whitespace and runs of blank lines.
func Clean(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\u00a0", " ")
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(spaceRuns.ReplaceAllString(l, " "))
	}
	s = strings.Join(lines, "\n")
	s = blankRuns.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// DecodeHeader decodes RFC 2047 encoded words ("=?UTF-8?B?...?="). The raw
// value is returned when decoding fails.
func DecodeHeader(v string) string {
	out, err := wordDecode.DecodeHeader(v)
	if err != nil {
		return v
	}
	return out
}

// Address extracts the bare address from a header like
// `"Bank Alerts" <alerts@bank.example>`. It returns "" when none is found.
func Address(v string) string {
	return strings.ToLower(addressRE.FindString(v))
}

// Snippet returns at most n runes of s on a single line.
func Snippet(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
