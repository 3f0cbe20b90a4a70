package fetch

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"unicode"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
)

// skippedTags are containers whose text is boilerplate, not content.
var skippedTags = map[string]struct{}{
	"script":   {},
	"style":    {},
	"noscript": {},
	"template": {},
	"head":     {},
	"nav":      {},
	"header":   {},
	"footer":   {},
	"aside":    {},
	"form":     {},
	"button":   {},
	"select":   {},
	"iframe":   {},
	"svg":      {},
}

// blockTags force a paragraph break around their text.
var blockTags = map[string]struct{}{
	"p": {}, "div": {}, "section": {}, "article": {}, "main": {},
	"li": {}, "ul": {}, "ol": {}, "dl": {}, "dd": {}, "dt": {},
	"table": {}, "tr": {}, "td": {}, "th": {},
	"h1": {}, "h2": {}, "h3": {}, "h4": {}, "h5": {}, "h6": {},
	"blockquote": {}, "pre": {}, "figcaption": {},
}

// extractHTML walks the token stream, dropping boilerplate containers
// and keeping paragraph structure. Malformed markup never fails the
// walk; the tokenizer recovers on its own.
func extractHTML(r io.Reader) (string, error) {
	z := html.NewTokenizer(r)
	var b strings.Builder
	skip := 0

	for {
		switch z.Next() {
		case html.ErrorToken:
			if err := z.Err(); err != io.EOF {
				return "", err
			}
			return b.String(), nil
		case html.StartTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if _, ok := skippedTags[tag]; ok {
				skip++
				continue
			}
			if _, ok := blockTags[tag]; ok {
				b.WriteByte('\n')
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if _, ok := skippedTags[tag]; ok {
				if skip > 0 {
					skip--
				}
				continue
			}
			if _, ok := blockTags[tag]; ok {
				b.WriteByte('\n')
			}
		case html.SelfClosingTagToken:
			name, _ := z.TagName()
			if tag := string(name); tag == "br" || tag == "hr" {
				b.WriteByte('\n')
			}
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
				b.WriteByte(' ')
			}
		}
	}
}

// extractPDF concatenates per-page text with form-feed separators.
// Pages that fail to decode are skipped; the library's panics on
// malformed files are converted to errors.
func extractPDF(data []byte) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pdf extraction: %v", r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("pdf open: %w", err)
	}

	var pages []string
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		content, err := page.GetPlainText(nil)
		if err != nil || content == "" {
			continue
		}
		pages = append(pages, content)
	}
	return strings.Join(pages, "\f"), nil
}

// Separator classes for the cleaning state machine, weakest first.
const (
	sepNone = iota
	sepSpace
	sepNewline
	sepParagraph
	sepPage
)

// CleanText normalizes whitespace and strips control characters while
// keeping paragraph breaks and form-feed page separators. Runs of
// blank lines collapse to one blank line.
func CleanText(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	sep := sepNone
	wrote := false
	newlines := 0

	for _, r := range s {
		switch {
		case r == '\f':
			sep = sepPage
			newlines = 0
		case r == '\n':
			newlines++
			if sep < sepParagraph && newlines > 1 {
				sep = sepParagraph
			} else if sep < sepNewline {
				sep = sepNewline
			}
		case r == '\t' || unicode.IsSpace(r):
			if sep < sepSpace {
				sep = sepSpace
			}
		case unicode.IsControl(r) || r == unicode.ReplacementChar:
			// dropped
		default:
			if wrote {
				switch sep {
				case sepSpace:
					b.WriteByte(' ')
				case sepNewline:
					b.WriteByte('\n')
				case sepParagraph:
					b.WriteString("\n\n")
				case sepPage:
					b.WriteByte('\f')
				}
			}
			b.WriteRune(r)
			wrote = true
			sep = sepNone
			newlines = 0
		}
	}
	return b.String()
}

// truncateRunes caps s to at most n runes without splitting a rune.
func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
