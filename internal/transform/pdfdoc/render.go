// Package pdfdoc renders, assembles and watermarks PDF documents
package pdfdoc

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/go-pdf/fpdf"
	"golang.org/x/net/html"
)

// Renderer lays text out on A4 pages
type Renderer struct {
	fontFamily string
	fontSize   float64
}

func NewRenderer() *Renderer {
	return &Renderer{fontFamily: "Helvetica", fontSize: 12}
}

// RenderDocument writes a PDF with text followed by the visible text of
// markup. Either may be empty.
func (r *Renderer) RenderDocument(ctx context.Context, text, markup string, w io.Writer) error {
	var parts []string
	if strings.TrimSpace(text) != "" {
		parts = append(parts, text)
	}
	if strings.TrimSpace(markup) != "" {
		plain, err := HTMLToText(markup)
		if err != nil {
			return err
		}
		parts = append(parts, plain)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(20, 20, 20)
	pdf.SetAutoPageBreak(true, 20)
	pdf.AddPage()
	pdf.SetFont(r.fontFamily, "", r.fontSize)

	// core fonts are cp1252
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	for i, part := range parts {
		if i > 0 {
			pdf.Ln(6)
		}
		pdf.MultiCell(0, 6, tr(part), "", "L", false)
	}

	if pdf.Err() {
		return fmt.Errorf("failed to render document: %w", pdf.Error())
	}
	if err := pdf.Output(w); err != nil {
		return fmt.Errorf("failed to write document: %w", err)
	}
	return nil
}

var blockElements = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "tr": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"section": true, "article": true, "header": true, "footer": true, "pre": true,
}

// HTMLToText returns the visible text of markup, one line per block
func HTMLToText(markup string) (string, error) {
	doc, err := html.Parse(strings.NewReader(markup))
	if err != nil {
		return "", fmt.Errorf("failed to parse html: %w", err)
	}

	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			b.WriteString(n.Data)
			return
		case html.ElementNode:
			switch n.Data {
			case "script", "style", "head", "template":
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && blockElements[n.Data] {
			b.WriteByte('\n')
		}
	}
	walk(doc)

	lines := strings.Split(b.String(), "\n")
	out := lines[:0]
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n"), nil
}
