package analyzer

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mdillust/internal/config"
	"mdillust/internal/markdown"
	"mdillust/internal/prompt"
)

// fixedPrompts is a deterministic PromptSource for placement tests.
type fixedPrompts struct{}

func (fixedPrompts) Generate(_ context.Context, content string, kind markdown.ImageKind, _ prompt.DocContext, _ string) string {
	return string(kind) + ":" + content
}

func newTestAnalyzer(mutate func(*config.Config)) *Analyzer {
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	return New(cfg, fixedPrompts{}, "")
}

func section(words int) string {
	return strings.Repeat("字", words)
}

func TestDecide_NoH1SynthesizesVirtualCover(t *testing.T) {
	doc := markdown.Parse("开头的一段文字\n\n## 小节\n")
	a := newTestAnalyzer(nil)

	decisions := a.Decide(context.Background(), doc)

	require.NotEmpty(t, decisions)
	first := decisions[0]
	assert.Equal(t, markdown.ImageCover, first.ImageKind)
	assert.Equal(t, 0, first.ElementIndex)
	assert.Equal(t, "无H1标题，自动在开头配封面图", first.Reason)

	covers := 0
	for _, d := range decisions {
		if d.ImageKind == markdown.ImageCover {
			covers++
		}
	}
	assert.Equal(t, 1, covers)
}

func TestDecide_H1GetsCover(t *testing.T) {
	doc := markdown.Parse("# 标题\n\n正文。\n")
	a := newTestAnalyzer(nil)

	decisions := a.Decide(context.Background(), doc)

	require.Len(t, decisions, 1)
	assert.Equal(t, markdown.ImageCover, decisions[0].ImageKind)
	assert.Equal(t, 0, decisions[0].ElementIndex)
	assert.Equal(t, "H1 标题后配封面图", decisions[0].Reason)
}

func TestDecide_SmartH2FiresOnSubstantialSections(t *testing.T) {
	// Each section body is two 60-word paragraphs, so headings sit exactly
	// min_gap elements apart and every one clears the 100-word lookahead.
	var b strings.Builder
	for i := 0; i < 3; i++ {
		b.WriteString("## 小节\n\n")
		b.WriteString(section(60) + "\n\n")
		b.WriteString(section(60) + "\n\n")
	}
	doc := markdown.Parse(b.String())
	a := newTestAnalyzer(func(cfg *config.Config) {
		cfg.Rules.H1After = false
	})

	decisions := a.Decide(context.Background(), doc)

	require.Len(t, decisions, 3)
	for i, d := range decisions {
		assert.Equal(t, markdown.ImageSection, d.ImageKind)
		assert.Equal(t, i*3, d.ElementIndex)
	}
}

func TestDecide_SmartH2SkipsThinSections(t *testing.T) {
	doc := markdown.Parse("## 小节\n\n短句。\n\n## 另一节\n\n也很短。\n")
	a := newTestAnalyzer(func(cfg *config.Config) {
		cfg.Rules.H1After = false
	})

	decisions := a.Decide(context.Background(), doc)
	assert.Empty(t, decisions)
}

func TestDecide_H2AlwaysIgnoresSectionLength(t *testing.T) {
	doc := markdown.Parse("## 小节\n\n短句。\n")
	a := newTestAnalyzer(func(cfg *config.Config) {
		cfg.Rules.H1After = false
		cfg.Rules.H2After = config.H2Always
	})

	decisions := a.Decide(context.Background(), doc)
	require.Len(t, decisions, 1)
	assert.Equal(t, markdown.ImageSection, decisions[0].ImageKind)
}

func TestDecide_ConceptKeywordPromotesSection(t *testing.T) {
	doc := markdown.Parse("## 事件循环的工作原理\n\n" + section(120) + "\n")
	a := newTestAnalyzer(func(cfg *config.Config) {
		cfg.Rules.H1After = false
	})

	decisions := a.Decide(context.Background(), doc)
	require.Len(t, decisions, 1)
	assert.Equal(t, markdown.ImageConcept, decisions[0].ImageKind)
	assert.Equal(t, "H2 标题后配图 (concept)", decisions[0].Reason)
}

func TestDecide_LongParagraphGetsAtmospheric(t *testing.T) {
	doc := markdown.Parse(section(200) + "\n")
	a := newTestAnalyzer(func(cfg *config.Config) {
		cfg.Rules.H1After = false
	})

	decisions := a.Decide(context.Background(), doc)
	require.Len(t, decisions, 1)
	assert.Equal(t, markdown.ImageAtmospheric, decisions[0].ImageKind)
	assert.Equal(t, "长段落配图 (200 字)", decisions[0].Reason)
}

func TestDecide_GapInvariant(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 8; i++ {
		b.WriteString(section(200) + "\n\n")
	}
	doc := markdown.Parse(b.String())
	a := newTestAnalyzer(func(cfg *config.Config) {
		cfg.Rules.H1After = false
		cfg.Rules.MinGapBetweenImages = 3
	})

	decisions := a.Decide(context.Background(), doc)
	require.NotEmpty(t, decisions)
	for i := 1; i < len(decisions); i++ {
		gap := decisions[i].ElementIndex - decisions[i-1].ElementIndex
		assert.GreaterOrEqual(t, gap, 3)
	}
}

func TestDecide_CapInvariant(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 30; i++ {
		b.WriteString("## 小节\n\n" + section(150) + "\n\n")
	}
	doc := markdown.Parse(b.String())
	a := newTestAnalyzer(func(cfg *config.Config) {
		cfg.Rules.MinGapBetweenImages = 1
		cfg.Rules.MaxImagesPerArticle = 5
	})

	decisions := a.Decide(context.Background(), doc)
	assert.LessOrEqual(t, len(decisions), 5)
}

func TestDecide_EmptyDocumentYieldsNoDecisions(t *testing.T) {
	doc := markdown.Parse("")
	a := newTestAnalyzer(nil)

	assert.Empty(t, a.Decide(context.Background(), doc))
}

func TestDecide_IsDeterministic(t *testing.T) {
	text := "# Go 并发模型\n\n## 调度器的原理\n\n" + section(150) + "\n\n## 内存模型\n\n" + section(150) + "\n"

	a := newTestAnalyzer(nil)
	first := a.Decide(context.Background(), markdown.Parse(text))
	second := a.Decide(context.Background(), markdown.Parse(text))

	assert.Equal(t, first, second)
}

func TestDecide_AnnotatesDocumentInPlace(t *testing.T) {
	doc := markdown.Parse("# 标题\n\n正文。\n")
	a := newTestAnalyzer(nil)

	decisions := a.Decide(context.Background(), doc)
	require.Len(t, decisions, 1)

	ann := doc.AnnotationAt(decisions[0].ElementIndex)
	require.NotNil(t, ann)
	assert.True(t, ann.NeedsImage)
	assert.Equal(t, markdown.ImageCover, ann.ImageKind)
	assert.Equal(t, decisions[0].Prompt, ann.ImagePrompt)
}

func TestSelectSource_PolicyTable(t *testing.T) {
	a := New(config.Default(), fixedPrompts{}, "zhipu")

	cases := []struct {
		kind    markdown.ImageKind
		docType string
		want    string
	}{
		{markdown.ImageCover, "technical", "zhipu"},
		{markdown.ImageCover, "normal", "zhipu"},
		{markdown.ImageSection, "technical", "mermaid"},
		{markdown.ImageConcept, "technical", "mermaid"},
		{markdown.ImageDiagram, "technical", "mermaid"},
		{markdown.ImageAtmospheric, "technical", "zhipu"},
		{markdown.ImageSection, "normal", "unsplash"},
		{markdown.ImageAtmospheric, "normal", "unsplash"},
		{markdown.ImageSection, "", "zhipu"},
	}
	for _, tc := range cases {
		got := a.SelectSource(tc.kind, tc.docType)
		assert.Equal(t, tc.want, got, "kind=%s docType=%q", tc.kind, tc.docType)
		// Idempotence: the policy is a pure function of its inputs.
		assert.Equal(t, got, a.SelectSource(tc.kind, tc.docType))
	}
}

func TestDecide_ABVariantsBoundedByDefinitions(t *testing.T) {
	doc := markdown.Parse("# 标题\n\n正文。\n")
	a := newTestAnalyzer(func(cfg *config.Config) {
		cfg.ABTest.Enabled = true
		cfg.ABTest.TestSize = 5
		cfg.ABTest.Variations = []config.ABVariation{
			{Name: "minimal", Description: "极简风格", PromptSuffix: "，极简风格"},
			{Name: "rich", Description: "丰富细节", PromptSuffix: "，丰富细节"},
		}
	})

	decisions := a.Decide(context.Background(), doc)
	require.Len(t, decisions, 1)
	require.Len(t, decisions[0].Variants, 2)
	assert.Equal(t, "minimal", decisions[0].Variants[0].Name)
	assert.True(t, strings.HasSuffix(decisions[0].Variants[0].Prompt, "，极简风格"))
}

func TestDeriveThemeAndKeywords(t *testing.T) {
	doc := markdown.Parse("# Python 算法入门\n\n## 排序\n\n```python\nprint()\n```\n")
	a := newTestAnalyzer(nil)
	a.Decide(context.Background(), doc)

	assert.Equal(t, "技术文章：Python 算法入门", doc.Theme)
	assert.Contains(t, doc.Keywords, "Python")
	assert.Contains(t, doc.Keywords, "排序")
	// First code line doubles as a language hint keyword.
	assert.Contains(t, doc.Keywords, "print()")
	assert.LessOrEqual(t, len(doc.Keywords), 10)
}
