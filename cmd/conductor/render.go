// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/alecthomas/chroma/v2/quick"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"github.com/muesli/termenv"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"

	"github.com/bureau-foundation/conductor/lib/codec"
	"github.com/bureau-foundation/conductor/lib/runstore"
	"github.com/bureau-foundation/conductor/lib/thread"
)

const (
	// defaultRenderWidth is used when stdout is not a terminal or its
	// size cannot be read.
	defaultRenderWidth = 100

	// minRenderWidth is the floor below which wrapping degenerates.
	minRenderWidth = 40

	// wrapBreakpoints are the characters ansi.Wrap may break lines at,
	// beyond plain spaces.
	wrapBreakpoints = " ,.;-+|"

	// toolPreviewLimit caps the rendered tool-call argument preview.
	toolPreviewLimit = 96

	// resultPreviewLines caps how many lines of a tool result are
	// shown; the full content is always in the thread history.
	resultPreviewLines = 12
)

// palette is the transcript color scheme, ANSI 256-color codes for
// broad terminal compatibility. With the ASCII profile (plain output)
// every color degrades to unstyled text.
type palette struct {
	text    lipgloss.Color
	faint   lipgloss.Color
	heading lipgloss.Color
	border  lipgloss.Color
	tool    lipgloss.Color
	good    lipgloss.Color
	warn    lipgloss.Color
	bad     lipgloss.Color
}

var defaultPalette = palette{
	text:    lipgloss.Color("252"),
	faint:   lipgloss.Color("245"),
	heading: lipgloss.Color("255"),
	border:  lipgloss.Color("240"),
	tool:    lipgloss.Color("75"),  // blue
	good:    lipgloss.Color("114"), // green
	warn:    lipgloss.Color("220"), // amber
	bad:     lipgloss.Color("196"), // red
}

// markdownParser is shared across renders: the configuration never
// changes and goldmark parsers are safe to reuse, with per-call state
// created by Parse.
var (
	markdownParser goldmark.Markdown
	markdownOnce   sync.Once
)

func parser() goldmark.Markdown {
	markdownOnce.Do(func() {
		markdownParser = goldmark.New(goldmark.WithExtensions(extension.GFM))
	})
	return markdownParser
}

// transcriptRenderer turns stored transcript events into terminal
// output: assistant markdown styled and reflowed, tool traffic as
// compact annotated lines, lifecycle statuses colored by outcome.
type transcriptRenderer struct {
	out    io.Writer
	raw    bool
	styled bool
	width  int
	lip    *lipgloss.Renderer
	colors palette
}

// newTranscriptRenderer builds a renderer writing to out. styled
// selects ANSI 256-color output; plain output still reflows markdown
// but carries no escape sequences. raw bypasses rendering entirely and
// prints CBOR diagnostic notation per event.
func newTranscriptRenderer(out io.Writer, styled bool, width int, raw bool) *transcriptRenderer {
	// SetColorProfile in addition to the termenv option: the renderer
	// re-detects from the environment unless the profile is explicit,
	// which would strip color under tests and pipes.
	profile := termenv.Ascii
	if styled {
		profile = termenv.ANSI256
	}
	lip := lipgloss.NewRenderer(out, termenv.WithProfile(profile))
	lip.SetColorProfile(profile)

	if width < minRenderWidth {
		width = minRenderWidth
	}
	return &transcriptRenderer{
		out:    out,
		raw:    raw,
		styled: styled,
		width:  width,
		lip:    lip,
		colors: defaultPalette,
	}
}

// RenderPayload decodes one stored event payload and renders it. A
// payload that does not decode is reported in-line and skipped, so one
// bad row never aborts a tail.
func (renderer *transcriptRenderer) RenderPayload(data []byte) {
	if renderer.raw {
		diagnostic, err := codec.Diagnose(data)
		if err != nil {
			fmt.Fprintf(renderer.out, "(undecodable event: %v)\n", err)
			return
		}
		fmt.Fprintln(renderer.out, diagnostic)
		return
	}

	var event thread.ResponseEvent
	if err := codec.Unmarshal(data, &event); err != nil {
		fmt.Fprintln(renderer.out, renderer.faint(fmt.Sprintf("(undecodable event: %v)", err)))
		return
	}
	renderer.RenderEvent(event)
}

// RenderEvent renders one decoded transcript event.
func (renderer *transcriptRenderer) RenderEvent(event thread.ResponseEvent) {
	switch event.Kind {
	case thread.KindContent:
		fmt.Fprintf(renderer.out, "%s\n\n", renderer.markdown(event.Text))

	case thread.KindToolCall:
		if event.ToolCall == nil {
			return
		}
		line := renderer.style().Foreground(renderer.colors.tool).Render("→ "+event.ToolCall.Name) +
			" " + renderer.faint(compactJSON(event.ToolCall.Input, toolPreviewLimit))
		fmt.Fprintln(renderer.out, strings.TrimRight(line, " "))

	case thread.KindToolResult:
		if event.ToolResult == nil {
			return
		}
		label := renderer.style().Foreground(renderer.colors.tool).Render("← " + event.ToolResult.ToolName)
		if event.ToolResult.IsError {
			label = renderer.style().Foreground(renderer.colors.bad).Render("✗ " + event.ToolResult.ToolName)
		}
		fmt.Fprintln(renderer.out, label)
		for _, line := range previewLines(event.ToolResult.Content, resultPreviewLines, renderer.width-2) {
			fmt.Fprintln(renderer.out, "  "+renderer.faint(line))
		}

	case thread.KindStatus:
		color := renderer.colors.faint
		switch event.Status {
		case thread.StatusCompleted:
			color = renderer.colors.good
		case thread.StatusFailed:
			color = renderer.colors.bad
		case thread.StatusStopped:
			color = renderer.colors.warn
		}
		line := "● " + event.Status
		if event.Message != "" {
			line += ": " + event.Message
		}
		fmt.Fprintln(renderer.out, renderer.style().Foreground(color).Render(line))

	case thread.KindFinish:
		fmt.Fprintln(renderer.out, renderer.faint(fmt.Sprintf("(turn finished: %s)", event.Finish)))
	}
}

// RenderOutcome prints the closing line after a followed run settles.
func (renderer *transcriptRenderer) RenderOutcome(run *runstore.Run) {
	color := renderer.colors.faint
	switch run.Status {
	case runstore.StatusCompleted:
		color = renderer.colors.good
	case runstore.StatusFailed:
		color = renderer.colors.bad
	case runstore.StatusStopped:
		color = renderer.colors.warn
	}
	line := fmt.Sprintf("■ run %s %s", run.ID, run.Status)
	if !run.CompletedAt.IsZero() && !run.StartedAt.IsZero() {
		line += fmt.Sprintf(" (%s)", run.CompletedAt.Sub(run.StartedAt).Round(time.Millisecond))
	}
	if run.Error != "" {
		line += ": " + run.Error
	}
	fmt.Fprintln(renderer.out, renderer.style().Foreground(color).Render(line))
}

func (renderer *transcriptRenderer) style() lipgloss.Style {
	return renderer.lip.NewStyle()
}

func (renderer *transcriptRenderer) faint(content string) string {
	return renderer.style().Foreground(renderer.colors.faint).Render(content)
}

// compactJSON renders raw JSON on one line, truncated to limit visible
// characters. Non-JSON input is passed through as-is.
func compactJSON(raw json.RawMessage, limit int) string {
	if len(raw) == 0 {
		return ""
	}
	var compacted bytes.Buffer
	text := string(raw)
	if json.Compact(&compacted, raw) == nil {
		text = compacted.String()
	}
	text = strings.ReplaceAll(text, "\n", " ")
	return ansi.Truncate(text, limit, "…")
}

// previewLines bounds content to maxLines lines of at most width
// visible characters, noting how much was elided.
func previewLines(content string, maxLines, width int) []string {
	content = strings.TrimRight(content, "\n")
	if content == "" {
		return nil
	}
	lines := strings.Split(content, "\n")
	elided := 0
	if len(lines) > maxLines {
		elided = len(lines) - maxLines
		lines = lines[:maxLines]
	}
	for index, line := range lines {
		lines[index] = ansi.Truncate(line, width, "…")
	}
	if elided > 0 {
		lines = append(lines, fmt.Sprintf("… (%d more lines)", elided))
	}
	return lines
}

// markdown renders assistant markdown as styled terminal text. Soft
// line breaks inside paragraphs become spaces so hard-wrapped model
// output reflows to the terminal width; code blocks, lists, and
// blockquotes keep their structure.
//
// The walk accumulates inline content per block and word-wraps it when
// the block closes, which is why this is a direct ast.Walk rather than
// a goldmark renderer implementation.
func (renderer *transcriptRenderer) markdown(input string) string {
	if input == "" {
		return ""
	}
	source := []byte(input)
	document := parser().Parser().Parse(text.NewReader(source))

	// trailingNewlines starts at two: the document head counts as a
	// block boundary, so the first block's leading blankLine is a
	// no-op and output never opens with empty lines.
	walker := &markdownWalker{
		source:           source,
		width:            renderer.width,
		styled:           renderer.styled,
		lip:              renderer.lip,
		colors:           renderer.colors,
		trailingNewlines: 2,
	}
	ast.Walk(document, walker.visit)
	return strings.TrimRight(walker.done.String(), "\n")
}

// markdownWalker carries the state of one markdown render: the final
// output, the inline accumulator for the block being built, the
// indentation stack for nested containers, and the list bookkeeping.
type markdownWalker struct {
	source []byte
	width  int
	styled bool
	lip    *lipgloss.Renderer
	colors palette

	done strings.Builder // rendered output
	line strings.Builder // inline accumulator, flushed per block

	indents     []indentLevel
	indent      string // concatenation of indent texts
	indentWidth int
	bullet      string // replaces the indent on the next first line

	bold   int
	italic int
	strike int

	lists []listLevel

	trailingNewlines int
}

type indentLevel struct {
	text  string
	width int
}

type listLevel struct {
	ordered bool
	counter int
	tight   bool
}

func (walker *markdownWalker) style() lipgloss.Style {
	return walker.lip.NewStyle()
}

// textStyle is the style for plain inline text under the current
// emphasis state.
func (walker *markdownWalker) textStyle() lipgloss.Style {
	style := walker.style().Foreground(walker.colors.text)
	if walker.bold > 0 {
		style = style.Bold(true)
	}
	if walker.italic > 0 {
		style = style.Italic(true)
	}
	if walker.strike > 0 {
		style = style.Strikethrough(true)
	}
	return style
}

// contentWidth is the wrap width after indentation, floored so deep
// nesting cannot push it to zero.
func (walker *markdownWalker) contentWidth() int {
	width := walker.width - walker.indentWidth
	if width < 10 {
		width = 10
	}
	return width
}

func (walker *markdownWalker) pushIndent(text string, width int) {
	walker.indents = append(walker.indents, indentLevel{text, width})
	walker.indent += text
	walker.indentWidth += width
}

func (walker *markdownWalker) popIndent() {
	if len(walker.indents) == 0 {
		return
	}
	top := walker.indents[len(walker.indents)-1]
	walker.indents = walker.indents[:len(walker.indents)-1]
	walker.indent = walker.indent[:len(walker.indent)-len(top.text)]
	walker.indentWidth -= top.width
}

// write appends rendered text, tracking trailing newlines so blank
// lines between blocks never double up.
func (walker *markdownWalker) write(rendered string) {
	if rendered == "" {
		return
	}
	walker.done.WriteString(rendered)
	count := 0
	for index := len(rendered) - 1; index >= 0 && rendered[index] == '\n'; index-- {
		count++
	}
	if count == len(rendered) {
		walker.trailingNewlines += count
	} else {
		walker.trailingNewlines = count
	}
}

func (walker *markdownWalker) endLine() {
	if walker.trailingNewlines < 1 {
		walker.write("\n")
	}
}

func (walker *markdownWalker) blankLine() {
	for walker.trailingNewlines < 2 {
		walker.write("\n")
	}
}

// firstIndent returns the prefix for a block's first line: the pending
// list bullet when one is armed, the plain indent otherwise.
func (walker *markdownWalker) firstIndent() string {
	if walker.bullet != "" {
		bullet := walker.bullet
		walker.bullet = ""
		return bullet
	}
	return walker.indent
}

// indented prefixes every line of content, the first line possibly
// with a pending bullet.
func (walker *markdownWalker) indented(content string) string {
	lines := strings.Split(content, "\n")
	var out strings.Builder
	for index, line := range lines {
		if index == 0 {
			out.WriteString(walker.firstIndent())
		} else {
			out.WriteString("\n" + walker.indent)
		}
		out.WriteString(line)
	}
	return out.String()
}

// flushLine wraps the accumulated inline content to the current width
// and writes it out with indentation. No-op for an empty accumulator.
func (walker *markdownWalker) flushLine() bool {
	content := walker.line.String()
	walker.line.Reset()
	if content == "" {
		return false
	}
	walker.write(walker.indented(ansi.Wrap(content, walker.contentWidth(), wrapBreakpoints)))
	return true
}

func (walker *markdownWalker) inTightList() bool {
	return len(walker.lists) > 0 && walker.lists[len(walker.lists)-1].tight
}

// capture renders a node's inline children to a string, saving and
// restoring the walker's inline state. Used where inline content is
// needed out of stream: table cells and image alt text.
func (walker *markdownWalker) capture(node ast.Node) string {
	saved := walker.line.String()
	savedBold, savedItalic, savedStrike := walker.bold, walker.italic, walker.strike

	walker.line.Reset()
	for child := node.FirstChild(); child != nil; child = child.NextSibling() {
		ast.Walk(child, walker.visit)
	}
	content := walker.line.String()

	walker.line.Reset()
	walker.line.WriteString(saved)
	walker.bold, walker.italic, walker.strike = savedBold, savedItalic, savedStrike
	return content
}

// blockText collects the literal lines of a code or HTML block.
func (walker *markdownWalker) blockText(node ast.Node) string {
	var content strings.Builder
	lines := node.Lines()
	for index := 0; index < lines.Len(); index++ {
		segment := lines.At(index)
		content.Write(segment.Value(walker.source))
	}
	return content.String()
}

func (walker *markdownWalker) visit(node ast.Node, entering bool) (ast.WalkStatus, error) {
	switch node.Kind() {

	case ast.KindParagraph, ast.KindTextBlock:
		if entering {
			walker.line.Reset()
		} else if walker.flushLine() {
			walker.endLine()
			if !walker.inTightList() {
				walker.blankLine()
			}
		}

	case ast.KindHeading:
		if entering {
			walker.line.Reset()
		} else {
			walker.heading(node.(*ast.Heading))
		}

	case ast.KindFencedCodeBlock:
		if entering {
			walker.codeBlock(walker.blockText(node), string(node.(*ast.FencedCodeBlock).Language(walker.source)))
			return ast.WalkSkipChildren, nil
		}

	case ast.KindCodeBlock:
		if entering {
			walker.codeBlock(walker.blockText(node), "")
			return ast.WalkSkipChildren, nil
		}

	case ast.KindBlockquote:
		if entering {
			walker.pushIndent("│ ", 2)
		} else {
			walker.popIndent()
			walker.blankLine()
		}

	case ast.KindList:
		if entering {
			list := node.(*ast.List)
			start := 0
			if list.IsOrdered() {
				start = list.Start
			}
			walker.lists = append(walker.lists, listLevel{ordered: list.IsOrdered(), counter: start, tight: list.IsTight})
		} else {
			walker.lists = walker.lists[:len(walker.lists)-1]
			if !walker.inTightList() {
				walker.blankLine()
			}
		}

	case ast.KindListItem:
		if entering {
			walker.enterItem()
		} else {
			walker.popIndent()
			if walker.inTightList() {
				walker.endLine()
			} else {
				walker.blankLine()
			}
		}

	case ast.KindThematicBreak:
		if entering {
			rule := walker.style().Foreground(walker.colors.border).
				Render(strings.Repeat("─", walker.contentWidth()))
			walker.blankLine()
			walker.write(walker.indented(rule))
			walker.endLine()
			walker.blankLine()
		}

	case ast.KindHTMLBlock:
		if entering {
			if stripped := strings.TrimSpace(stripTags(walker.blockText(node))); stripped != "" {
				walker.write(walker.indented(walker.style().Foreground(walker.colors.faint).Render(stripped)))
				walker.endLine()
				walker.blankLine()
			}
			return ast.WalkSkipChildren, nil
		}

	case ast.KindText:
		if entering {
			textNode := node.(*ast.Text)
			walker.line.WriteString(walker.textStyle().Render(string(textNode.Segment.Value(walker.source))))
			if textNode.SoftLineBreak() {
				// Soft breaks become spaces so model output wrapped at
				// an arbitrary column reflows to the terminal width.
				walker.line.WriteString(" ")
			}
			if textNode.HardLineBreak() {
				walker.line.WriteString("\n")
			}
		}

	case ast.KindString:
		if entering {
			walker.line.WriteString(walker.textStyle().Render(string(node.(*ast.String).Value)))
		}

	case ast.KindEmphasis:
		if node.(*ast.Emphasis).Level >= 2 {
			walker.counter(&walker.bold, entering)
		} else {
			walker.counter(&walker.italic, entering)
		}

	case ast.KindCodeSpan:
		if entering {
			walker.codeSpan(node)
			return ast.WalkSkipChildren, nil
		}

	case ast.KindLink:
		// Children render in stream; the destination trails them.
		if !entering {
			if url := string(node.(*ast.Link).Destination); url != "" {
				walker.line.WriteString(" " + walker.style().Foreground(walker.colors.faint).Render("("+url+")"))
			}
		}

	case ast.KindAutoLink:
		if entering {
			url := string(node.(*ast.AutoLink).URL(walker.source))
			walker.line.WriteString(walker.style().Foreground(walker.colors.faint).Render(url))
		}

	case ast.KindImage:
		if entering {
			faint := walker.style().Foreground(walker.colors.faint)
			walker.line.WriteString(faint.Render("[" + ansi.Strip(walker.capture(node)) + "]"))
			if url := string(node.(*ast.Image).Destination); url != "" {
				walker.line.WriteString(" " + faint.Render("("+url+")"))
			}
			return ast.WalkSkipChildren, nil
		}

	case ast.KindRawHTML:
		if entering {
			raw := node.(*ast.RawHTML)
			var content strings.Builder
			for index := 0; index < raw.Segments.Len(); index++ {
				segment := raw.Segments.At(index)
				content.Write(segment.Value(walker.source))
			}
			if stripped := stripTags(content.String()); stripped != "" {
				walker.line.WriteString(walker.style().Foreground(walker.colors.faint).Render(stripped))
			}
		}

	case extast.KindStrikethrough:
		walker.counter(&walker.strike, entering)

	case extast.KindTaskCheckBox:
		if entering {
			if node.(*extast.TaskCheckBox).IsChecked {
				walker.line.WriteString(walker.style().Foreground(walker.colors.good).Render("[x]") + " ")
			} else {
				walker.line.WriteString(walker.textStyle().Render("[ ] "))
			}
		}

	case extast.KindTable:
		if entering {
			walker.table(node.(*extast.Table))
			return ast.WalkSkipChildren, nil
		}
	}

	return ast.WalkContinue, nil
}

func (walker *markdownWalker) counter(value *int, entering bool) {
	if entering {
		*value++
	} else {
		*value--
	}
}

func (walker *markdownWalker) heading(heading *ast.Heading) {
	// Headings carry their own style; drop the inline styling the
	// children accumulated.
	content := ansi.Strip(walker.line.String())
	walker.line.Reset()
	if content == "" {
		return
	}
	style := walker.style().Bold(true).Foreground(walker.colors.text)
	if heading.Level <= 2 {
		style = style.Foreground(walker.colors.heading)
	}
	walker.blankLine()
	walker.write(walker.indented(ansi.Wrap(style.Render(content), walker.contentWidth(), wrapBreakpoints)))
	walker.endLine()
	walker.blankLine()
}

// codeBlock writes a code block line by line, syntax highlighted when
// the fence names a language chroma knows. Code is never wrapped.
// Chroma writes escape sequences directly, so highlighting is skipped
// entirely for plain output.
func (walker *markdownWalker) codeBlock(code, language string) {
	rendered := ""
	if walker.styled && language != "" {
		var highlighted strings.Builder
		if quick.Highlight(&highlighted, code, language, "terminal256", "monokai") == nil {
			rendered = highlighted.String()
		}
	}
	if rendered == "" {
		rendered = walker.style().Foreground(walker.colors.faint).Render(code)
	}

	walker.blankLine()
	for _, line := range strings.Split(strings.TrimRight(rendered, "\n"), "\n") {
		// Blank code lines still produce a newline; endLine alone
		// would swallow them.
		walker.write(walker.firstIndent() + line)
		walker.write("\n")
	}
	walker.blankLine()
}

func (walker *markdownWalker) codeSpan(node ast.Node) {
	var code strings.Builder
	for child := node.FirstChild(); child != nil; child = child.NextSibling() {
		switch literal := child.(type) {
		case *ast.Text:
			code.Write(literal.Segment.Value(walker.source))
		case *ast.String:
			code.Write(literal.Value)
		}
	}
	walker.line.WriteString(walker.style().Foreground(walker.colors.faint).Render(code.String()))
}

func (walker *markdownWalker) enterItem() {
	if len(walker.lists) == 0 {
		return
	}
	top := &walker.lists[len(walker.lists)-1]

	bullet := "- "
	if top.ordered {
		bullet = fmt.Sprintf("%d. ", top.counter)
		top.counter++
	}

	// The pending bullet replaces the whole indent on the item's first
	// line; continuation lines get matching spaces.
	walker.bullet = walker.indent + bullet
	walker.pushIndent(strings.Repeat(" ", len(bullet)), len(bullet))
}

// table renders a GFM table with padded columns: bold header, rule,
// left/center/right alignment per the source. Cells are truncated
// rather than wrapped; transcript tables are summaries, not data
// dumps.
func (walker *markdownWalker) table(table *extast.Table) {
	var header []string
	var rows [][]string
	for child := table.FirstChild(); child != nil; child = child.NextSibling() {
		var cells []string
		for cell := child.FirstChild(); cell != nil; cell = cell.NextSibling() {
			if cell.Kind() == extast.KindTableCell {
				cells = append(cells, walker.capture(cell))
			}
		}
		if child.Kind() == extast.KindTableHeader {
			header = cells
		} else if child.Kind() == extast.KindTableRow {
			rows = append(rows, cells)
		}
	}

	columns := len(header)
	for _, row := range rows {
		if len(row) > columns {
			columns = len(row)
		}
	}
	if columns == 0 {
		return
	}

	// Column widths from visible content, clamped so the widest row
	// still fits the render width.
	widths := make([]int, columns)
	measure := func(cells []string) {
		for index, cell := range cells {
			if width := lipgloss.Width(cell); width > widths[index] {
				widths[index] = width
			}
		}
	}
	measure(header)
	for _, row := range rows {
		measure(row)
	}
	limit := (walker.contentWidth() - 2*(columns-1)) / columns
	if limit < 3 {
		limit = 3
	}
	for index := range widths {
		if widths[index] > limit {
			widths[index] = limit
		}
	}

	walker.blankLine()
	if len(header) > 0 {
		walker.write(walker.firstIndent() + walker.tableRow(header, widths, table.Alignments, walker.style().Bold(true).Foreground(walker.colors.text)))
		walker.endLine()
		var rule []string
		for _, width := range widths {
			rule = append(rule, strings.Repeat("─", width))
		}
		walker.write(walker.indent + walker.style().Foreground(walker.colors.border).Render(strings.Join(rule, "  ")))
		walker.endLine()
	}
	for _, row := range rows {
		walker.write(walker.indent + walker.tableRow(row, widths, table.Alignments, walker.style()))
		walker.endLine()
	}
	walker.blankLine()
}

func (walker *markdownWalker) tableRow(cells []string, widths []int, alignments []extast.Alignment, base lipgloss.Style) string {
	parts := make([]string, len(widths))
	for index, width := range widths {
		cell := ""
		if index < len(cells) {
			cell = cells[index]
		}
		if lipgloss.Width(cell) > width {
			cell = ansi.Truncate(cell, width, "…")
		}
		pad := width - lipgloss.Width(cell)

		var alignment extast.Alignment
		if index < len(alignments) {
			alignment = alignments[index]
		}
		switch alignment {
		case extast.AlignRight:
			cell = strings.Repeat(" ", pad) + cell
		case extast.AlignCenter:
			cell = strings.Repeat(" ", pad/2) + cell + strings.Repeat(" ", pad-pad/2)
		default:
			cell += strings.Repeat(" ", pad)
		}
		parts[index] = cell
	}
	return base.Render(strings.Join(parts, "  "))
}

// stripTags drops angle-bracketed tags, keeping only text content.
func stripTags(html string) string {
	var out strings.Builder
	inTag := false
	for _, r := range html {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			out.WriteRune(r)
		}
	}
	return out.String()
}
