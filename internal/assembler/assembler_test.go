package assembler

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mdillust/internal/config"
	"mdillust/internal/markdown"
)

func annotatedDoc(t *testing.T) *markdown.Document {
	t.Helper()
	doc := markdown.Parse("# 深入理解并发\n\n这是正文段落。\n")
	doc.Annotate(0, markdown.ImageCover, "封面提示词")
	return doc
}

func TestAssemble_InsertsImageAfterAnnotatedElement(t *testing.T) {
	doc := annotatedDoc(t)
	a := New(config.Default())

	out := a.Assemble(doc, []Artifact{{Path: "output/images/0_cover_20240101_120000.png"}}, "")

	assert.Contains(t, out, "# 深入理解并发")
	assert.Contains(t, out, "![封面图 - 深入理解并发](output/images/0_cover_20240101_120000.png)")
	assert.Contains(t, out, "*文章封面：深入理解并发*")

	// Image block sits between the heading and the paragraph.
	headingIdx := strings.Index(out, "# 深入理解并发")
	imageIdx := strings.Index(out, "![封面图")
	paraIdx := strings.Index(out, "这是正文段落。")
	assert.Less(t, headingIdx, imageIdx)
	assert.Less(t, imageIdx, paraIdx)
}

func TestAssemble_AtmosphericHasNoCaption(t *testing.T) {
	doc := markdown.Parse(strings.Repeat("字", 160) + "\n")
	doc.Annotate(0, markdown.ImageAtmospheric, "氛围提示词")
	a := New(config.Default())

	out := a.Assemble(doc, []Artifact{{Path: "img.png"}}, "")

	assert.Contains(t, out, "![氛围插图 - ")
	assert.NotContains(t, out, "*氛围")
}

func TestAssemble_MermaidMarkerBecomesFencedBlock(t *testing.T) {
	doc := markdown.Parse("## 状态机的原理\n\n说明文字。\n")
	doc.Annotate(0, markdown.ImageConcept, "概念提示词")
	a := New(config.Default())

	marker := "MERMAID_CODE:state:stateDiagram-v2\n    [*] --> 待处理"
	out := a.Assemble(doc, []Artifact{{Path: marker}}, "")

	assert.Contains(t, out, "```mermaid\nstateDiagram-v2\n    [*] --> 待处理\n```")
	assert.Contains(t, out, "*概念示意图：状态机的原理*")
	assert.NotContains(t, out, "MERMAID_CODE:")
}

func TestAssemble_BatchSelectsFirstSuccess(t *testing.T) {
	doc := annotatedDoc(t)
	a := New(config.Default())

	out := a.Assemble(doc, []Artifact{{Candidates: []string{"", "b.png", "c.png"}}}, "")

	assert.Contains(t, out, "<!-- 候选图：从2张中选择第2张 -->")
	assert.Contains(t, out, "![封面图 - 深入理解并发](b.png) ⭐")
	assert.Contains(t, out, "<!-- 候选3: ![封面图 - 深入理解并发](c.png) -->")
}

func TestAssemble_BatchAllFailedEmitsSentinel(t *testing.T) {
	doc := annotatedDoc(t)
	a := New(config.Default())

	out := a.Assemble(doc, []Artifact{{Candidates: []string{"", ""}}}, "")

	assert.Contains(t, out, "<!-- 所有候选图生成失败 -->")
	assert.NotContains(t, out, "⭐")
}

func TestAssemble_VariantsAnnotateSelection(t *testing.T) {
	doc := annotatedDoc(t)
	a := New(config.Default())

	out := a.Assemble(doc, []Artifact{{Variants: []VariantArtifact{
		{Name: "minimal", Description: "极简风格", Path: ""},
		{Name: "rich", Description: "丰富细节", Path: "rich.png"},
	}}}, "")

	assert.Contains(t, out, "<!-- A/B 测试：1 个风格变体，选择: rich (丰富细节) -->")
	assert.Contains(t, out, "![封面图 - 深入理解并发 - 丰富细节](rich.png) ⭐")
}

func TestAssemble_EmptyPathLeavesElementBare(t *testing.T) {
	doc := annotatedDoc(t)
	a := New(config.Default())

	out := a.Assemble(doc, []Artifact{{Path: ""}}, "")

	assert.NotContains(t, out, "![")
	assert.NotContains(t, out, "生成失败")
}

func TestAssemble_ReparseKeepsStructure(t *testing.T) {
	text := "# 标题\n\n段落内容。\n\n```go\nfunc main() {}\n```\n\n> 引用行\n\n---\n"
	doc := markdown.Parse(text)
	a := New(config.Default())

	out := a.Assemble(doc, nil, "")
	again := markdown.Parse(out)

	require.Equal(t, doc.Len(), again.Len())
	for i := range doc.Elements {
		assert.Equal(t, doc.Elements[i].Kind, again.Elements[i].Kind)
		assert.Equal(t, doc.Elements[i].Level, again.Elements[i].Level)
		assert.Equal(t, doc.Elements[i].Content, again.Elements[i].Content)
	}
}

func TestRelativePath(t *testing.T) {
	a := New(config.Default())

	base := t.TempDir()
	img := filepath.Join(base, "images", "0_cover.png")

	assert.Equal(t, "images/0_cover.png", a.relativePath(img, base))
	assert.Equal(t, "https://example.com/a.png", a.relativePath("https://example.com/a.png", base))
}

func TestSave_KeepsOriginalFile(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "article.md")
	require.NoError(t, os.WriteFile(target, []byte("old content"), 0o644))

	a := New(config.Default())
	require.NoError(t, a.Save("new content", target))

	newBytes, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "new content", string(newBytes))

	oldBytes, err := os.ReadFile(filepath.Join(dir, "article.original.md"))
	require.NoError(t, err)
	assert.Equal(t, "old content", string(oldBytes))
}
