package view

import (
	"bytes"
	"html"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

// Markdown renders assistant text to HTML for the transcript. GFM tables
// and strikethrough match what the browser-side formatter produced.
type Markdown struct {
	md goldmark.Markdown
}

// NewMarkdown creates the transcript renderer.
func NewMarkdown() *Markdown {
	return &Markdown{
		md: goldmark.New(
			goldmark.WithExtensions(extension.GFM),
		),
	}
}

// Render converts markdown source to HTML. On renderer failure the text is
// escaped and wrapped in a pre block rather than dropped.
func (m *Markdown) Render(source string) string {
	var buf bytes.Buffer
	if err := m.md.Convert([]byte(source), &buf); err != nil {
		return "<pre>" + html.EscapeString(source) + "</pre>"
	}
	return buf.String()
}
