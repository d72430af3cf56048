package mermaid

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mdillust/internal/config"
	"mdillust/internal/markdown"
)

func TestGenerate_KeywordSelectsGrammar(t *testing.T) {
	g := NewGenerator(config.Default())

	cases := []struct {
		prompt string
		want   string
	}{
		{"用户请求到响应的时序", "sequence"},
		{"订单状态转换", "state"},
		{"数据库表关系设计", "er"},
		{"知识结构梳理", "mindmap"},
		{"项目进度计划", "gantt"},
		{"Parser 类继承体系", "class"},
	}
	for _, tc := range cases {
		ref := g.Generate(tc.prompt, markdown.ImageDiagram)
		diagramType, _, ok := ParseMarker(ref)
		require.True(t, ok, "prompt %q", tc.prompt)
		assert.Equal(t, tc.want, diagramType, "prompt %q", tc.prompt)
	}
}

func TestGenerate_KindFallbackWhenNoKeyword(t *testing.T) {
	g := NewGenerator(config.Default())

	cases := []struct {
		kind markdown.ImageKind
		want string
	}{
		{markdown.ImageCover, "mindmap"},
		{markdown.ImageSection, "flowchart"},
		{markdown.ImageConcept, "flowchart"},
		{markdown.ImageCodeConcept, "flowchart"},
		{markdown.ImageAtmospheric, "flowchart"}, // configured default
	}
	for _, tc := range cases {
		ref := g.Generate("安装部署步骤说明", tc.kind)
		diagramType, _, ok := ParseMarker(ref)
		require.True(t, ok)
		assert.Equal(t, tc.want, diagramType, "kind %s", tc.kind)
	}
}

func TestMarker_RoundTripPreservesColons(t *testing.T) {
	g := NewGenerator(config.Default())

	ref := g.Generate("用户请求到响应的调用链", markdown.ImageSection)
	require.True(t, IsMarker(ref))

	diagramType, code, ok := ParseMarker(ref)
	require.True(t, ok)
	assert.Equal(t, "sequence", diagramType)
	// Sequence bodies contain colons; they must survive the split.
	assert.Contains(t, code, "User->>Client: 发起请求")
	assert.True(t, strings.HasPrefix(code, "sequenceDiagram"))
}

func TestParseMarker_RejectsPlainPaths(t *testing.T) {
	_, _, ok := ParseMarker("output/images/0_cover_20240101.png")
	assert.False(t, ok)
	assert.False(t, IsMarker("https://example.com/a.png"))
}

func TestFlowchart_DecisionBranches(t *testing.T) {
	code := flowchartStrategy{}.Generate("如果校验通过，则写入数据")
	assert.True(t, strings.HasPrefix(code, "flowchart TD"))
	assert.Contains(t, code, "-->|是|")
	assert.Contains(t, code, "-->|否|")
}

func TestFlowchart_StepExtractionCapsAtFive(t *testing.T) {
	code := flowchartStrategy{}.Generate("读取输入，解析内容，分析结构，生成图片，组装输出，写入文件，上报结果")
	// Nodes are labeled A.. sequentially; F would be the sixth.
	assert.Contains(t, code, `A["`)
	assert.Contains(t, code, `E["`)
	assert.NotContains(t, code, `F["`)
}

func TestGenerate_IsDeterministic(t *testing.T) {
	g := NewGenerator(config.Default())
	first := g.Generate("数据库实体关系", markdown.ImageConcept)
	second := g.Generate("数据库实体关系", markdown.ImageConcept)
	assert.Equal(t, first, second)
}
