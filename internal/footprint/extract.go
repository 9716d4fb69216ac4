// Package footprint turns already-gathered material about a user (pasted
// text, saved web pages, PDF exports) into plain text for the coach prompt.
package footprint

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Document kinds.
const (
	KindText = "text"
	KindHTML = "html"
	KindPDF  = "pdf"
)

// MaxTextBytes caps extracted text per document.
const MaxTextBytes = 256 << 10

var ErrUnknownKind = errors.New("unknown footprint kind")

// ValidKind reports whether kind can be extracted.
func ValidKind(kind string) bool {
	switch kind {
	case KindText, KindHTML, KindPDF:
		return true
	}
	return false
}

// Extract returns the plain text of raw according to kind. PDF input is
// base64 encoded.
func Extract(kind, raw string) (string, error) {
	var (
		text string
		err  error
	)
	switch kind {
	case KindText:
		text = raw
	case KindHTML:
		text, err = HTMLText(strings.NewReader(raw))
	case KindPDF:
		var data []byte
		data, err = base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return "", fmt.Errorf("decoding pdf: %w", err)
		}
		text, err = PDFText(data)
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if err != nil {
		return "", err
	}
	return truncate(normalizeSpace(text), MaxTextBytes), nil
}

// HTMLText returns the visible text of an HTML document, one block per line.
// Script, style and similar elements are skipped.
func HTMLText(r io.Reader) (string, error) {
	z := html.NewTokenizer(r)
	var b strings.Builder
	skip := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			if err := z.Err(); err != io.EOF {
				return "", fmt.Errorf("parsing html: %w", err)
			}
			return b.String(), nil

		case html.StartTagToken:
			name, _ := z.TagName()
			a := atom.Lookup(name)
			if skipped(a) {
				skip++
			} else if block(a) {
				b.WriteByte('\n')
			}

		case html.EndTagToken:
			name, _ := z.TagName()
			a := atom.Lookup(name)
			if skipped(a) {
				if skip > 0 {
					skip--
				}
			} else if block(a) {
				b.WriteByte('\n')
			}

		case html.SelfClosingTagToken:
			name, _ := z.TagName()
			if atom.Lookup(name) == atom.Br {
				b.WriteByte('\n')
			}

		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
			}
		}
	}
}

func skipped(a atom.Atom) bool {
	switch a {
	case atom.Script, atom.Style, atom.Noscript, atom.Template, atom.Svg, atom.Head:
		return true
	}
	return false
}

func block(a atom.Atom) bool {
	switch a {
	case atom.P, atom.Div, atom.Br, atom.Li, atom.Tr, atom.Section, atom.Article,
		atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6, atom.Header, atom.Footer:
		return true
	}
	return false
}

// PDFText returns the plain text content of a PDF document.
func PDFText(data []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("opening pdf: %w", err)
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("reading pdf text: %w", err)
	}
	var b bytes.Buffer
	if _, err := io.Copy(&b, io.LimitReader(plain, MaxTextBytes*4)); err != nil {
		return "", fmt.Errorf("reading pdf text: %w", err)
	}
	return b.String(), nil
}

// normalizeSpace collapses runs of blanks within lines and drops empty lines.
func normalizeSpace(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, l := range lines {
		l = strings.Join(strings.Fields(l), " ")
		if l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
