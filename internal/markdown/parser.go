package markdown

import (
	"regexp"
	"strings"
)

// Parser converts raw Markdown text into a Document. It recognizes only the
// block categories the placement rules need; anything it cannot confidently
// classify degrades to a paragraph, so parsing never fails.
type Parser struct{}

var (
	headingPattern   = regexp.MustCompile(`^(#{1,6})\s+(.+)$`)
	codeFencePattern = regexp.MustCompile("^```(\\w*)\\s*$")
	listPattern      = regexp.MustCompile(`^(\s*)([-*+]|\d+\.)\s+`)
	quotePattern     = regexp.MustCompile(`^>\s*(.*)$`)
	emptyPattern     = regexp.MustCompile(`^\s*$`)
	tablePattern     = regexp.MustCompile(`^\|.*\|$`)
	hrPattern        = regexp.MustCompile(`^-{3,}$|^_{3,}$|^\*{3,}$`)
)

func NewParser() *Parser { return &Parser{} }

// Parse scans the text line by line, front to back. Classification precedence
// per line: empty > heading > code fence > quote > list > table > horizontal
// rule > paragraph.
func (p *Parser) Parse(text string) *Document {
	doc := &Document{}
	lines := strings.Split(text, "\n")

	for i := 0; i < len(lines); {
		element, consumed := p.parseAt(lines, i)
		if element != nil {
			doc.Add(*element)
		}
		i += consumed
	}

	doc.Title = extractTitle(doc)
	doc.DocType = "normal"
	return doc
}

func (p *Parser) parseAt(lines []string, index int) (*Element, int) {
	line := lines[index]

	if emptyPattern.MatchString(line) {
		return nil, 1
	}

	if m := headingPattern.FindStringSubmatch(line); m != nil {
		return &Element{
			Kind:    KindHeading,
			Content: m[2],
			Level:   len(m[1]),
			RawLine: line,
		}, 1
	}

	if codeFencePattern.MatchString(line) {
		return p.parseCodeBlock(lines, index)
	}

	if quotePattern.MatchString(line) {
		return p.parseRun(lines, index, KindQuote)
	}

	if listPattern.MatchString(line) {
		return p.parseRun(lines, index, KindList)
	}

	if tablePattern.MatchString(line) {
		return p.parseRun(lines, index, KindTable)
	}

	if hrPattern.MatchString(line) {
		return &Element{Kind: KindHorizontalRule, Content: line, RawLine: line}, 1
	}

	return p.parseParagraph(lines, index)
}

// parseCodeBlock consumes lines verbatim until the closing fence. An
// unterminated fence swallows the rest of the input without error.
func (p *Parser) parseCodeBlock(lines []string, index int) (*Element, int) {
	var content []string
	i := index + 1
	for i < len(lines) {
		if codeFencePattern.MatchString(lines[i]) {
			break
		}
		content = append(content, lines[i])
		i++
	}
	return &Element{
		Kind:    KindCodeBlock,
		Content: strings.Join(content, "\n"),
		RawLine: lines[index],
	}, i - index + 1
}

// parseParagraph collects a contiguous run of plain lines and joins them with
// single spaces. Collapsing line breaks is deliberate: downstream prompt
// generation wants flowing text, not line-wrapped source.
func (p *Parser) parseParagraph(lines []string, index int) (*Element, int) {
	var content []string
	i := index
	for i < len(lines) {
		line := lines[i]
		if emptyPattern.MatchString(line) ||
			headingPattern.MatchString(line) ||
			codeFencePattern.MatchString(line) ||
			hrPattern.MatchString(line) ||
			listPattern.MatchString(line) ||
			quotePattern.MatchString(line) {
			break
		}
		content = append(content, line)
		i++
	}
	return &Element{
		Kind:    KindParagraph,
		Content: strings.Join(content, " "),
		RawLine: lines[index],
	}, i - index
}

// parseRun collects a contiguous run of same-kind lines (quote, list, table).
func (p *Parser) parseRun(lines []string, index int, kind ElementKind) (*Element, int) {
	pattern := listPattern
	switch kind {
	case KindQuote:
		pattern = quotePattern
	case KindTable:
		pattern = tablePattern
	}

	var content []string
	i := index
	for i < len(lines) {
		m := pattern.FindStringSubmatch(lines[i])
		if m == nil {
			break
		}
		if kind == KindQuote {
			content = append(content, m[1])
		} else {
			content = append(content, lines[i])
		}
		i++
	}

	joined := strings.Join(content, "\n")
	if kind == KindQuote {
		joined = strings.Join(content, " ")
	}
	return &Element{Kind: kind, Content: joined, RawLine: lines[index]}, i - index
}

func extractTitle(doc *Document) string {
	if h1 := doc.Headings(1); len(h1) > 0 {
		return h1[0].Content
	}
	return "Untitled"
}

// Parse is the package-level convenience wrapper.
func Parse(text string) *Document {
	return NewParser().Parse(text)
}
