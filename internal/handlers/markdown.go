package handlers

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"

	"github.com/MegaGrindStone/jaychat/internal/models"
	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

func newMarkdown() goldmark.Markdown {
	return goldmark.New(
		goldmark.WithExtensions(
			extension.GFM,
			highlighting.NewHighlighting(
				highlighting.WithStyle("dracula"),
			),
		),
		goldmark.WithRendererOptions(
			html.WithHardWraps(),
			html.WithUnsafe(),
		),
	)
}

// renderText renders the text of msg to HTML. Assistant text is markdown; human text is escaped
// and keeps its line breaks.
func (m Main) renderText(msg models.Message) (template.HTML, error) {
	if msg.Role == models.RoleHuman {
		escaped := template.HTMLEscapeString(msg.Text)
		return template.HTML(strings.ReplaceAll(escaped, "\n", "<br>")), nil
	}

	var buf bytes.Buffer
	if err := m.markdown.Convert([]byte(msg.Text), &buf); err != nil {
		return "", fmt.Errorf("failed to convert markdown: %w", err)
	}
	return template.HTML(buf.String()), nil
}
