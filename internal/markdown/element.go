package markdown

import (
	"strings"
	"unicode"
)

// ElementKind classifies one structural unit of a document.
type ElementKind string

const (
	KindHeading        ElementKind = "heading"
	KindParagraph      ElementKind = "paragraph"
	KindCodeBlock      ElementKind = "code_block"
	KindList           ElementKind = "list"
	KindQuote          ElementKind = "quote"
	KindTable          ElementKind = "table"
	KindHorizontalRule ElementKind = "horizontal_rule"
	KindEmpty          ElementKind = "empty"
)

// ImageKind is the semantic category of a placed image. The vocabulary is
// shared by the placement engine, the assembler and the reconciler.
type ImageKind string

const (
	ImageCover       ImageKind = "cover"
	ImageSection     ImageKind = "section"
	ImageConcept     ImageKind = "concept"
	ImageAtmospheric ImageKind = "atmospheric"
	ImageDiagram     ImageKind = "diagram"
	ImageCodeConcept ImageKind = "code_concept"
)

// ImageKinds lists every recognized kind in a stable order.
var ImageKinds = []ImageKind{
	ImageCover, ImageSection, ImageConcept,
	ImageAtmospheric, ImageDiagram, ImageCodeConcept,
}

// TypeLabel returns the Chinese alt-text label emitted for a kind. These
// labels are the reconciler's only channel for reclaiming generated images,
// so they must stay byte-stable across versions.
func (k ImageKind) TypeLabel() string {
	switch k {
	case ImageCover:
		return "封面图"
	case ImageSection:
		return "章节配图"
	case ImageConcept:
		return "概念示意图"
	case ImageAtmospheric:
		return "氛围插图"
	case ImageDiagram:
		return "架构图"
	case ImageCodeConcept:
		return "代码结构图"
	}
	return "配图"
}

// Element is one structural unit. Elements are frozen after parsing; image
// placement results live in the Document's annotation map, not here.
type Element struct {
	Kind     ElementKind
	Content  string
	Level    int // heading depth 1-6, zero otherwise
	Position int // insertion order, stable for the document's lifetime
	RawLine  string
}

func (e Element) IsHeading() bool   { return e.Kind == KindHeading }
func (e Element) IsParagraph() bool { return e.Kind == KindParagraph }
func (e Element) IsCodeBlock() bool { return e.Kind == KindCodeBlock }

// WordCount counts non-whitespace runes. Counting runes rather than
// space-separated words keeps the measure meaningful for CJK prose.
func (e Element) WordCount() int {
	n := 0
	for _, r := range e.Content {
		if !unicode.IsSpace(r) {
			n++
		}
	}
	return n
}

// Annotation holds the placement engine's verdict for one element position.
type Annotation struct {
	NeedsImage  bool
	ImageKind   ImageKind
	ImagePrompt string
}

// Classification is the optional doc-type signal from the classifier.
type Classification struct {
	DocType    string // "technical" or "normal"
	Confidence float64
	Reason     string
}

// Document is an ordered element sequence plus derived metadata.
type Document struct {
	Elements []Element
	Title    string
	Theme    string
	Keywords []string

	DocType        string // defaults to "normal" until classified
	Classification *Classification

	annotations map[int]*Annotation
}

// Add appends an element, assigning its position.
func (d *Document) Add(e Element) {
	e.Position = len(d.Elements)
	d.Elements = append(d.Elements, e)
}

func (d *Document) Len() int { return len(d.Elements) }

// Headings returns all headings, optionally filtered by level (0 = any).
func (d *Document) Headings(level int) []Element {
	var out []Element
	for _, e := range d.Elements {
		if e.IsHeading() && (level == 0 || e.Level == level) {
			out = append(out, e)
		}
	}
	return out
}

// Paragraphs returns all paragraph elements.
func (d *Document) Paragraphs() []Element {
	var out []Element
	for _, e := range d.Elements {
		if e.IsParagraph() {
			out = append(out, e)
		}
	}
	return out
}

// Annotate records a placement decision against an element position.
func (d *Document) Annotate(position int, kind ImageKind, prompt string) {
	if d.annotations == nil {
		d.annotations = make(map[int]*Annotation)
	}
	d.annotations[position] = &Annotation{
		NeedsImage:  true,
		ImageKind:   kind,
		ImagePrompt: prompt,
	}
}

// AnnotationAt returns the annotation for a position, or nil.
func (d *Document) AnnotationAt(position int) *Annotation {
	if d.annotations == nil {
		return nil
	}
	return d.annotations[position]
}

// ContentText joins every element's content, used by the classifier.
func (d *Document) ContentText() string {
	parts := make([]string, 0, len(d.Elements))
	for _, e := range d.Elements {
		parts = append(parts, e.Content)
	}
	return strings.Join(parts, "\n")
}
