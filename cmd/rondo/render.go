package main

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/renderer"
	"github.com/yuin/goldmark/util"
)

// ANSI style codes. Each style ends with a targeted reset so sibling
// styles survive (bold inside a quote, code inside a list item).
const (
	ansiBold      = "\x1b[1m"
	ansiBoldOff   = "\x1b[22m"
	ansiDim       = "\x1b[2m"
	ansiDimOff    = "\x1b[22m"
	ansiItalic    = "\x1b[3m"
	ansiItalicOff = "\x1b[23m"
	ansiUnder     = "\x1b[4m"
	ansiUnderOff  = "\x1b[24m"
	ansiStrike    = "\x1b[9m"
	ansiStrikeOff = "\x1b[29m"
	ansiCyan      = "\x1b[36m"
	ansiFgOff     = "\x1b[39m"
)

// RenderMarkdown converts Markdown to styled terminal text. Styling is
// dropped when stdout is not a terminal or NO_COLOR is set. On parse
// failure the input passes through unchanged.
func RenderMarkdown(md string) string {
	return renderMarkdown(md, colorEnabled())
}

func renderMarkdown(md string, color bool) string {
	r := renderer.NewRenderer(
		renderer.WithNodeRenderers(
			util.Prioritized(&termRenderer{color: color}, 1),
		),
	)

	gm := goldmark.New(
		goldmark.WithExtensions(extension.Strikethrough),
		goldmark.WithRenderer(r),
	)

	var buf bytes.Buffer
	if err := gm.Convert([]byte(md), &buf); err != nil {
		return strings.TrimSpace(md)
	}
	return strings.TrimSpace(buf.String())
}

// colorEnabled reports whether stdout wants ANSI styling.
func colorEnabled() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	fi, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

// termRenderer implements goldmark's renderer.NodeRenderer to produce
// ANSI-styled plain text for terminals.
type termRenderer struct {
	color       bool
	listCounter int
}

// style writes an ANSI code, or nothing when styling is off.
func (r *termRenderer) style(w util.BufWriter, code string) {
	if r.color {
		_, _ = w.WriteString(code)
	}
}

// RegisterFuncs registers render functions for each AST node kind.
func (r *termRenderer) RegisterFuncs(reg renderer.NodeRendererFuncRegisterer) {
	// Block nodes
	reg.Register(ast.KindDocument, r.renderDocument)
	reg.Register(ast.KindHeading, r.renderHeading)
	reg.Register(ast.KindParagraph, r.renderParagraph)
	reg.Register(ast.KindBlockquote, r.renderBlockquote)
	reg.Register(ast.KindFencedCodeBlock, r.renderFencedCodeBlock)
	reg.Register(ast.KindCodeBlock, r.renderCodeBlock)
	reg.Register(ast.KindList, r.renderList)
	reg.Register(ast.KindListItem, r.renderListItem)
	reg.Register(ast.KindTextBlock, r.renderTextBlock)
	reg.Register(ast.KindThematicBreak, r.renderThematicBreak)
	reg.Register(ast.KindHTMLBlock, r.renderHTMLBlock)

	// Inline nodes
	reg.Register(ast.KindText, r.renderText)
	reg.Register(ast.KindString, r.renderString)
	reg.Register(ast.KindCodeSpan, r.renderCodeSpan)
	reg.Register(ast.KindEmphasis, r.renderEmphasis)
	reg.Register(ast.KindLink, r.renderLink)
	reg.Register(ast.KindAutoLink, r.renderAutoLink)
	reg.Register(ast.KindImage, r.renderImage)
	reg.Register(ast.KindRawHTML, r.renderRawHTML)

	// Extension: strikethrough
	reg.Register(extast.KindStrikethrough, r.renderStrikethrough)
}

func (r *termRenderer) renderDocument(_ util.BufWriter, _ []byte, _ ast.Node, _ bool) (ast.WalkStatus, error) {
	return ast.WalkContinue, nil
}

func (r *termRenderer) renderHeading(w util.BufWriter, _ []byte, _ ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		_, _ = w.WriteString("\n")
		r.style(w, ansiBold)
	} else {
		r.style(w, ansiBoldOff)
		_, _ = w.WriteString("\n")
	}
	return ast.WalkContinue, nil
}

func (r *termRenderer) renderParagraph(w util.BufWriter, _ []byte, _ ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		_, _ = w.WriteString("\n")
	}
	return ast.WalkContinue, nil
}

func (r *termRenderer) renderBlockquote(w util.BufWriter, _ []byte, _ ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		r.style(w, ansiItalic)
	} else {
		r.style(w, ansiItalicOff)
	}
	return ast.WalkContinue, nil
}

func (r *termRenderer) renderFencedCodeBlock(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		r.writeCodeLines(w, source, node)
		return ast.WalkSkipChildren, nil
	}
	return ast.WalkContinue, nil
}

func (r *termRenderer) renderCodeBlock(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		r.writeCodeLines(w, source, node)
		return ast.WalkSkipChildren, nil
	}
	return ast.WalkContinue, nil
}

// writeCodeLines indents a code block four spaces per line.
func (r *termRenderer) writeCodeLines(w util.BufWriter, source []byte, node ast.Node) {
	lines := node.Lines()
	for i := 0; i < lines.Len(); i++ {
		line := lines.At(i)
		_, _ = w.WriteString("    ")
		r.style(w, ansiCyan)
		_, _ = w.WriteString(strings.TrimRight(string(line.Value(source)), "\n"))
		r.style(w, ansiFgOff)
		_, _ = w.WriteString("\n")
	}
}

func (r *termRenderer) renderList(w util.BufWriter, _ []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	n := node.(*ast.List)
	if entering {
		if n.IsOrdered() {
			r.listCounter = int(n.Start)
		} else {
			r.listCounter = 0
		}
	}
	return ast.WalkContinue, nil
}

func (r *termRenderer) renderListItem(w util.BufWriter, _ []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		parent := node.Parent().(*ast.List)
		if parent.IsOrdered() {
			_, _ = fmt.Fprintf(w, "%d. ", r.listCounter)
			r.listCounter++
		} else {
			_, _ = w.WriteString("• ")
		}
	} else {
		_, _ = w.WriteString("\n")
	}
	return ast.WalkContinue, nil
}

func (r *termRenderer) renderTextBlock(w util.BufWriter, _ []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		// List items handle their own newlines.
		if node.Parent() != nil && node.Parent().Kind() != ast.KindListItem {
			_, _ = w.WriteString("\n")
		}
	}
	return ast.WalkContinue, nil
}

func (r *termRenderer) renderThematicBreak(w util.BufWriter, _ []byte, _ ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		r.style(w, ansiDim)
		_, _ = w.WriteString("\n" + strings.Repeat("─", 40) + "\n")
		r.style(w, ansiDimOff)
	}
	return ast.WalkContinue, nil
}

func (r *termRenderer) renderHTMLBlock(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		lines := node.Lines()
		for i := 0; i < lines.Len(); i++ {
			line := lines.At(i)
			_, _ = w.Write(line.Value(source))
		}
	}
	return ast.WalkContinue, nil
}

// --- Inline renderers ---

func (r *termRenderer) renderText(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		return ast.WalkContinue, nil
	}
	n := node.(*ast.Text)
	_, _ = w.Write(n.Segment.Value(source))

	if n.SoftLineBreak() || n.HardLineBreak() {
		_, _ = w.WriteString("\n")
	}
	return ast.WalkContinue, nil
}

func (r *termRenderer) renderString(w util.BufWriter, _ []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		return ast.WalkContinue, nil
	}
	n := node.(*ast.String)
	_, _ = w.Write(n.Value)
	return ast.WalkContinue, nil
}

func (r *termRenderer) renderCodeSpan(w util.BufWriter, _ []byte, _ ast.Node, entering bool) (ast.WalkStatus, error) {
	if !r.color {
		// Without styling, keep the backticks so code stays visible.
		_, _ = w.WriteString("`")
		return ast.WalkContinue, nil
	}
	if entering {
		_, _ = w.WriteString(ansiCyan)
	} else {
		_, _ = w.WriteString(ansiFgOff)
	}
	return ast.WalkContinue, nil
}

func (r *termRenderer) renderEmphasis(w util.BufWriter, _ []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	n := node.(*ast.Emphasis)
	if n.Level == 2 {
		// **bold**
		if entering {
			r.style(w, ansiBold)
		} else {
			r.style(w, ansiBoldOff)
		}
	} else {
		// *italic*
		if entering {
			r.style(w, ansiItalic)
		} else {
			r.style(w, ansiItalicOff)
		}
	}
	return ast.WalkContinue, nil
}

func (r *termRenderer) renderLink(w util.BufWriter, _ []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	n := node.(*ast.Link)
	if !entering {
		r.style(w, ansiDim)
		_, _ = fmt.Fprintf(w, " (%s)", string(n.Destination))
		r.style(w, ansiDimOff)
	}
	return ast.WalkContinue, nil
}

func (r *termRenderer) renderAutoLink(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		n := node.(*ast.AutoLink)
		r.style(w, ansiUnder)
		_, _ = w.Write(n.URL(source))
		r.style(w, ansiUnderOff)
	}
	return ast.WalkContinue, nil
}

func (r *termRenderer) renderImage(w util.BufWriter, _ []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	// Terminals have no inline images; render the alt text as a link.
	n := node.(*ast.Image)
	if !entering {
		r.style(w, ansiDim)
		_, _ = fmt.Fprintf(w, " (%s)", string(n.Destination))
		r.style(w, ansiDimOff)
	}
	return ast.WalkContinue, nil
}

func (r *termRenderer) renderRawHTML(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		return ast.WalkContinue, nil
	}
	n := node.(*ast.RawHTML)
	for i := 0; i < n.Segments.Len(); i++ {
		seg := n.Segments.At(i)
		_, _ = w.Write(seg.Value(source))
	}
	return ast.WalkContinue, nil
}

func (r *termRenderer) renderStrikethrough(w util.BufWriter, _ []byte, _ ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		r.style(w, ansiStrike)
	} else {
		r.style(w, ansiStrikeOff)
	}
	return ast.WalkContinue, nil
}
