package analyzer

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"mdillust/internal/config"
	"mdillust/internal/markdown"
	"mdillust/internal/prompt"
)

// Heading vocabulary that promotes a section image to a concept diagram.
var conceptKeywords = []string{
	"原理", "机制", "概念", "流程", "工作原理", "是什么",
	"principle", "mechanism", "concept", "how it works",
}

// Title vocabulary that marks the document theme as technical.
var themeTechKeywords = []string{
	"代码", "编程", "函数", "算法", "数据结构", "架构", "API",
	"JavaScript", "Python", "Java", "React", "Vue", "数据库",
	"code", "function", "algorithm", "architecture", "programming",
}

var (
	wordSplitPattern = regexp.MustCompile(`[^\w\s\x{4e00}-\x{9fff}]`)

	stopwords = map[string]bool{
		"的": true, "是": true, "在": true, "和": true, "与": true,
		"或": true, "但": true, "而": true,
		"the": true, "a": true, "an": true, "is": true, "are": true,
		"in": true, "on": true, "at": true,
	}
)

// Variant is one A/B prompt variation attached to a decision.
type Variant struct {
	Name        string
	Description string
	Prompt      string
}

// Decision is the placement verdict for one slot. ElementIndex points into
// the parsed document; the slot ordinal is the decision's index in the
// returned list.
type Decision struct {
	ElementIndex int
	ImageKind    markdown.ImageKind
	Prompt       string
	SourceHint   string
	Reason       string
	Variants     []Variant
}

// PromptSource produces the final generation prompt for one slot.
// *prompt.Generator satisfies it; tests substitute a deterministic stub.
type PromptSource interface {
	Generate(ctx context.Context, elementContent string, kind markdown.ImageKind, docCtx prompt.DocContext, imageSource string) string
}

// Analyzer walks a parsed document and decides where images go.
type Analyzer struct {
	cfg         *config.Config
	prompts     PromptSource
	imageSource string
}

// New builds an analyzer. imageSource overrides the configured default when
// non-empty ("zhipu", "dalle", "doubao", "flux", "unsplash", "pexels",
// "mermaid").
func New(cfg *config.Config, prompts PromptSource, imageSource string) *Analyzer {
	if imageSource == "" {
		imageSource = cfg.ImageSource
	}
	return &Analyzer{cfg: cfg, prompts: prompts, imageSource: imageSource}
}

// Decide runs the single forward pass over the document and returns the slot
// list in document order. The document's theme, keywords and annotations are
// filled in as a side effect; elements themselves are never modified. An
// empty document yields an empty list, never an error.
func (a *Analyzer) Decide(ctx context.Context, doc *markdown.Document) []Decision {
	doc.Theme = deriveTheme(doc)
	doc.Keywords = extractKeywords(doc)

	docType := doc.DocType
	if doc.Classification != nil {
		docType = doc.Classification.DocType
	}
	if docType == "" {
		docType = "normal"
	}
	doc.DocType = docType

	var decisions []Decision

	minGap := a.cfg.Rules.MinGapBetweenImages
	maxImages := a.cfg.Rules.MaxImagesPerArticle
	lastImage := -minGap
	imageCount := 0

	// No H1 anywhere: synthesize a cover on the first non-empty element so
	// the article still opens with an image. This is the only decision whose
	// element index can precede the scan position that produced it.
	if len(doc.Headings(1)) == 0 && a.cfg.Rules.H1After {
		if idx, ok := firstNonEmpty(doc); ok {
			source := a.SelectSource(markdown.ImageCover, docType)
			decisions = append(decisions, Decision{
				ElementIndex: idx,
				ImageKind:    markdown.ImageCover,
				Prompt:       a.buildPrompt(ctx, doc, doc.Elements[idx].Content, markdown.ImageCover, source),
				SourceHint:   source,
				Reason:       "无H1标题，自动在开头配封面图",
			})
			doc.Annotate(idx, markdown.ImageCover, decisions[0].Prompt)
			imageCount++
		}
	}

	for i, element := range doc.Elements {
		if imageCount >= maxImages {
			break
		}
		if i-lastImage < minGap {
			continue
		}

		decision := a.analyzeElement(ctx, doc, element, i, docType)
		if decision == nil {
			continue
		}

		if a.cfg.ABTest.Enabled && len(a.cfg.ABTest.Variations) > 0 {
			decision.Variants = expandVariants(decision.Prompt, a.cfg.ABTest.Variations, a.cfg.ABTest.TestSize)
		}

		decisions = append(decisions, *decision)
		lastImage = i
		imageCount++
		doc.Annotate(i, decision.ImageKind, decision.Prompt)
	}

	return decisions
}

func (a *Analyzer) analyzeElement(ctx context.Context, doc *markdown.Document, element markdown.Element, index int, docType string) *Decision {
	if element.IsHeading() && element.Level == 1 && a.cfg.Rules.H1After {
		source := a.SelectSource(markdown.ImageCover, docType)
		return &Decision{
			ElementIndex: index,
			ImageKind:    markdown.ImageCover,
			Prompt:       a.buildPrompt(ctx, doc, element.Content, markdown.ImageCover, source),
			SourceHint:   source,
			Reason:       "H1 标题后配封面图",
		}
	}

	if element.IsHeading() && element.Level == 2 {
		switch a.cfg.Rules.H2After {
		case config.H2Always:
			return a.sectionDecision(ctx, doc, element, index, docType)
		case config.H2Smart:
			if sectionIsSubstantial(doc, index) {
				return a.sectionDecision(ctx, doc, element, index, docType)
			}
		}
		return nil
	}

	if element.IsParagraph() && element.WordCount() >= a.cfg.Rules.LongParagraphThreshold {
		source := a.SelectSource(markdown.ImageAtmospheric, docType)
		return &Decision{
			ElementIndex: index,
			ImageKind:    markdown.ImageAtmospheric,
			Prompt:       a.buildPrompt(ctx, doc, element.Content, markdown.ImageAtmospheric, source),
			SourceHint:   source,
			Reason:       fmt.Sprintf("长段落配图 (%d 字)", element.WordCount()),
		}
	}

	return nil
}

func (a *Analyzer) sectionDecision(ctx context.Context, doc *markdown.Document, element markdown.Element, index int, docType string) *Decision {
	kind := markdown.ImageSection
	for _, kw := range conceptKeywords {
		if strings.Contains(element.Content, kw) {
			kind = markdown.ImageConcept
			break
		}
	}

	source := a.SelectSource(kind, docType)
	return &Decision{
		ElementIndex: index,
		ImageKind:    kind,
		Prompt:       a.buildPrompt(ctx, doc, element.Content, kind, source),
		SourceHint:   source,
		Reason:       fmt.Sprintf("H2 标题后配图 (%s)", kind),
	}
}

// SelectSource maps an image kind and document type to a generation backend.
// The mapping is pure and total: identical inputs always pick the same
// backend, which reconciliation depends on.
func (a *Analyzer) SelectSource(kind markdown.ImageKind, docType string) string {
	if kind == markdown.ImageCover {
		return a.imageSource
	}
	if docType == "technical" {
		switch kind {
		case markdown.ImageSection, markdown.ImageConcept, markdown.ImageDiagram:
			return "mermaid"
		}
	}
	if docType == "normal" {
		return "unsplash"
	}
	return a.imageSource
}

func (a *Analyzer) buildPrompt(ctx context.Context, doc *markdown.Document, content string, kind markdown.ImageKind, source string) string {
	if a.prompts == nil {
		return content
	}
	return a.prompts.Generate(ctx, content, kind, prompt.DocContext{
		Title:    doc.Title,
		Theme:    doc.Theme,
		Keywords: doc.Keywords,
		DocType:  doc.DocType,
	}, source)
}

// sectionIsSubstantial reports whether the paragraphs between this heading
// and the next heading carry more than 100 words.
func sectionIsSubstantial(doc *markdown.Document, headingIndex int) bool {
	totalWords := 0
	for i := headingIndex + 1; i < doc.Len(); i++ {
		element := doc.Elements[i]
		if element.IsHeading() {
			break
		}
		if element.IsParagraph() {
			totalWords += element.WordCount()
		}
		if totalWords > 100 {
			return true
		}
	}
	return false
}

func firstNonEmpty(doc *markdown.Document) (int, bool) {
	for i, e := range doc.Elements {
		if strings.TrimSpace(e.Content) != "" {
			return i, true
		}
	}
	return 0, false
}

// expandVariants clones the base prompt with each configured suffix, bounded
// by the test size and by the number of defined variations.
func expandVariants(basePrompt string, variations []config.ABVariation, testSize int) []Variant {
	size := testSize
	if len(variations) < size {
		size = len(variations)
	}

	variants := make([]Variant, 0, size)
	for i := 0; i < size; i++ {
		v := variations[i]
		name := v.Name
		if name == "" {
			name = fmt.Sprintf("variant_%d", i)
		}
		description := v.Description
		if description == "" {
			description = name
		}
		variants = append(variants, Variant{
			Name:        name,
			Description: description,
			Prompt:      basePrompt + v.PromptSuffix,
		})
	}
	return variants
}

// deriveTheme summarizes the document for prompt generation. Titles that
// mention a technical term get a 技术文章 prefix.
func deriveTheme(doc *markdown.Document) string {
	if doc.Title != "" && doc.Title != "Untitled" {
		for _, kw := range themeTechKeywords {
			if strings.Contains(doc.Title, kw) {
				return "技术文章：" + doc.Title
			}
		}
		return doc.Title
	}

	for _, element := range doc.Paragraphs() {
		if element.WordCount() > 20 {
			runes := []rune(element.Content)
			if len(runes) > 50 {
				return string(runes[:50]) + "..."
			}
			return element.Content
		}
	}
	return "通用文章"
}

// extractKeywords collects words from headings plus code fence language
// hints. Order follows first appearance so repeated runs stay identical.
func extractKeywords(doc *markdown.Document) []string {
	seen := make(map[string]bool)
	var keywords []string
	add := func(w string) {
		if w != "" && !seen[w] {
			seen[w] = true
			keywords = append(keywords, w)
		}
	}

	for _, heading := range doc.Headings(0) {
		for _, w := range splitWords(heading.Content) {
			add(w)
		}
	}
	for _, element := range doc.Elements {
		if element.IsCodeBlock() {
			firstLine := strings.TrimSpace(strings.SplitN(element.Content, "\n", 2)[0])
			add(firstLine)
		}
	}

	if len(keywords) > 10 {
		keywords = keywords[:10]
	}
	return keywords
}

func splitWords(text string) []string {
	cleaned := wordSplitPattern.ReplaceAllString(text, " ")
	var words []string
	for _, w := range strings.Fields(cleaned) {
		if len([]rune(w)) > 1 && !stopwords[w] {
			words = append(words, w)
		}
	}
	return words
}
