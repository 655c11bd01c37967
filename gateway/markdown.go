package gateway

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// renderMarkdown walks an agent's composed Markdown and re-emits it in
// Discord's flavor: **bold**, *italic*, `code`, and fenced code blocks carry
// straight through (Discord's subset matches CommonMark there); headings
// and thematic breaks, which Discord does not render specially, are
// flattened to bold text and a rule of dashes respectively.
func renderMarkdown(src string) string {
	md := goldmark.New()
	reader := text.NewReader([]byte(src))
	doc := md.Parser().Parse(reader)

	var b strings.Builder
	var walk func(n ast.Node)
	walk = func(n ast.Node) {
		switch node := n.(type) {
		case *ast.Heading:
			b.WriteString("**")
			writeChildren(&b, node, []byte(src))
			b.WriteString("**\n")
		case *ast.ThematicBreak:
			b.WriteString("---\n")
		case *ast.FencedCodeBlock:
			lang := string(node.Language([]byte(src)))
			b.WriteString("```")
			b.WriteString(lang)
			b.WriteString("\n")
			for i := 0; i < node.Lines().Len(); i++ {
				line := node.Lines().At(i)
				b.Write(line.Value([]byte(src)))
			}
			b.WriteString("```\n")
		case *ast.Paragraph:
			writeChildren(&b, node, []byte(src))
			b.WriteString("\n")
		case *ast.Emphasis:
			marker := "*"
			if node.Level == 2 {
				marker = "**"
			}
			b.WriteString(marker)
			writeChildren(&b, node, []byte(src))
			b.WriteString(marker)
		case *ast.CodeSpan:
			b.WriteString("`")
			writeChildren(&b, node, []byte(src))
			b.WriteString("`")
		case *ast.Text:
			b.Write(node.Segment.Value([]byte(src)))
			if node.HardLineBreak() || node.SoftLineBreak() {
				b.WriteString("\n")
			}
		default:
			for c := n.FirstChild(); c != nil; c = c.NextSibling() {
				walk(c)
			}
		}
	}
	for c := doc.FirstChild(); c != nil; c = c.NextSibling() {
		walk(c)
	}
	return strings.TrimRight(b.String(), "\n")
}

func writeChildren(b *strings.Builder, n ast.Node, src []byte) {
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		switch node := c.(type) {
		case *ast.Text:
			b.Write(node.Segment.Value(src))
			if node.HardLineBreak() || node.SoftLineBreak() {
				b.WriteString("\n")
			}
		case *ast.Emphasis:
			marker := "*"
			if node.Level == 2 {
				marker = "**"
			}
			b.WriteString(marker)
			writeChildren(b, node, src)
			b.WriteString(marker)
		case *ast.CodeSpan:
			b.WriteString("`")
			writeChildren(b, node, src)
			b.WriteString("`")
		default:
			writeChildren(b, node, src)
		}
	}
}
