package prompt

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"mdillust/internal/config"
	"mdillust/internal/markdown"
)

type fakeLLM struct {
	response string
	err      error
	calls    int
}

func (f *fakeLLM) Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	f.calls++
	return f.response, f.err
}

func TestGenerate_RuleFallbackWithoutClient(t *testing.T) {
	g := NewGenerator(config.Default(), nil)
	docCtx := DocContext{Title: "深入理解并发", DocType: "normal"}

	got := g.Generate(context.Background(), "深入理解并发", markdown.ImageCover, docCtx, "zhipu")

	// No templates configured: the rule base passes through as-is.
	assert.Equal(t, "深入理解并发", got)
}

func TestGenerate_RuleBasesPerKind(t *testing.T) {
	cfg := config.Default()
	// A fixed-text template appends the base as a prefix.
	cfg.Prompts = map[string]map[string]string{
		"default": {
			"section":     "扁平插画风格",
			"atmospheric": "柔和光线",
		},
	}
	g := NewGenerator(cfg, nil)
	docCtx := DocContext{Title: "标题"}

	got := g.Generate(context.Background(), "调度器", markdown.ImageSection, docCtx, "zhipu")
	assert.Equal(t, "调度器，示意图，扁平插画风格", got)

	got = g.Generate(context.Background(), "黄昏的街道", markdown.ImageAtmospheric, docCtx, "zhipu")
	assert.Equal(t, "黄昏的街道，氛围插图，柔和光线", got)
}

func TestGenerate_TitlePlaceholderUsesElementContent(t *testing.T) {
	cfg := config.Default()
	cfg.Prompts = map[string]map[string]string{
		"zhipu": {"cover": "为《{title}》设计封面"},
	}
	g := NewGenerator(cfg, nil)

	got := g.Generate(context.Background(), "深入理解并发", markdown.ImageCover, DocContext{Title: "深入理解并发"}, "zhipu")
	assert.Equal(t, "为《深入理解并发》设计封面", got)
}

func TestGenerate_TopicPlaceholderUsesBase(t *testing.T) {
	cfg := config.Default()
	cfg.Prompts = map[string]map[string]string{
		"default": {"section": "{topic}的插图"},
	}
	g := NewGenerator(cfg, nil)

	got := g.Generate(context.Background(), "调度器", markdown.ImageSection, DocContext{}, "zhipu")
	assert.Equal(t, "调度器，示意图的插图", got)
}

func TestGenerate_MermaidTemplatesForTechnicalDocs(t *testing.T) {
	g := NewGenerator(config.Default(), nil)
	docCtx := DocContext{Title: "架构", DocType: "technical"}

	got := g.Generate(context.Background(), "请求处理流程", markdown.ImageSection, docCtx, "mermaid")
	assert.Equal(t, "请求处理流程，示意图流程图", got)

	got = g.Generate(context.Background(), "状态机", markdown.ImageConcept, docCtx, "mermaid")
	assert.Equal(t, "状态机，原理图状态图", got)
}

func TestGenerate_LLMBaseWhenEnabled(t *testing.T) {
	cfg := config.Default()
	cfg.LLM.Enabled = true
	cfg.Prompts = map[string]map[string]string{
		"default": {"section": "{topic}"},
	}
	client := &fakeLLM{response: "  一幅展现并发调度的插画  "}
	g := NewGenerator(cfg, client)

	got := g.Generate(context.Background(), "调度器", markdown.ImageSection, DocContext{}, "zhipu")

	assert.Equal(t, 1, client.calls)
	assert.Equal(t, "一幅展现并发调度的插画", got)
}

func TestGenerate_LLMErrorDegradesToRules(t *testing.T) {
	cfg := config.Default()
	cfg.LLM.Enabled = true
	cfg.Prompts = map[string]map[string]string{
		"default": {"section": "{topic}"},
	}
	client := &fakeLLM{err: fmt.Errorf("quota exceeded")}
	g := NewGenerator(cfg, client)

	got := g.Generate(context.Background(), "调度器", markdown.ImageSection, DocContext{}, "zhipu")

	assert.Equal(t, 1, client.calls)
	assert.Equal(t, "调度器，示意图", got)
}

func TestGenerate_LLMDisabledSkipsClient(t *testing.T) {
	client := &fakeLLM{response: "unused"}
	g := NewGenerator(config.Default(), client)

	g.Generate(context.Background(), "调度器", markdown.ImageSection, DocContext{}, "zhipu")
	assert.Zero(t, client.calls)
}

func TestTruncate_CutsAtPunctuation(t *testing.T) {
	long := strings.Repeat("字", 100) + "，" + strings.Repeat("字", 300)
	got := truncate(long, 300)
	assert.Equal(t, strings.Repeat("字", 100)+"，", got)
}

func TestTruncate_HardCutWithoutPunctuation(t *testing.T) {
	long := strings.Repeat("字", 400)
	got := truncate(long, 300)
	assert.Len(t, []rune(got), 300)
}

func TestTruncate_ShortPromptUntouched(t *testing.T) {
	assert.Equal(t, "短提示词", truncate("短提示词", 300))
}
