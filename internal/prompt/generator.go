package prompt

import (
	"context"
	"fmt"
	"log"
	"strings"

	"mdillust/internal/config"
	"mdillust/internal/llm"
	"mdillust/internal/markdown"
)

// DocContext carries the document-level signals a prompt should reflect.
type DocContext struct {
	Title    string
	Theme    string
	Keywords []string
	DocType  string
}

// Generator produces image-generation prompts. With an LLM client it asks the
// model for a base prompt and folds it into the per-source template; without
// one it falls back to rule templates so generation always has a prompt.
type Generator struct {
	cfg    *config.Config
	client llm.Client
}

func NewGenerator(cfg *config.Config, client llm.Client) *Generator {
	return &Generator{cfg: cfg, client: client}
}

// Generate builds the final prompt for one element. Errors never propagate:
// every failure path degrades to the rule-based template.
func (g *Generator) Generate(ctx context.Context, elementContent string, kind markdown.ImageKind, docCtx DocContext, imageSource string) string {
	base := ""
	if g.client != nil && g.cfg.LLM.Enabled {
		generated, err := g.llmGenerate(ctx, elementContent, kind, docCtx)
		if err != nil {
			log.Printf("Warning: LLM prompt generation failed, using template: %v", err)
		} else {
			base = generated
		}
	}
	if base == "" {
		base = g.ruleGenerate(elementContent, kind, docCtx)
	}

	template := g.template(kind, imageSource, docCtx.DocType)
	final := combineWithTemplate(base, template, elementContent)
	return truncate(final, g.maxPromptRunes())
}

func (g *Generator) maxPromptRunes() int {
	if g.cfg.LLM.MaxTokens > 0 {
		return g.cfg.LLM.MaxTokens
	}
	return 300
}

func (g *Generator) llmGenerate(ctx context.Context, content string, kind markdown.ImageKind, docCtx DocContext) (string, error) {
	userPrompt := buildGenerationPrompt(content, kind, docCtx, g.maxPromptRunes())
	resp, err := g.client.Generate(ctx, "你是一个专业的AI图片提示词生成专家，擅长创作简洁准确的图片描述。", userPrompt)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(resp) == "" {
		return "", fmt.Errorf("empty prompt from LLM")
	}
	return strings.TrimSpace(resp), nil
}

func (g *Generator) ruleGenerate(content string, kind markdown.ImageKind, docCtx DocContext) string {
	switch kind {
	case markdown.ImageCover:
		title := docCtx.Title
		if title == "" {
			title = content
		}
		return title + "，专业封面设计"
	case markdown.ImageSection:
		return content + "，示意图"
	case markdown.ImageConcept:
		return content + "，原理图"
	case markdown.ImageAtmospheric:
		return content + "，氛围插图"
	}
	return content
}

// template picks the source-specific template for a kind, falling back to the
// "default" group. Technical documents routed to mermaid get the diagram
// templates regardless of config.
func (g *Generator) template(kind markdown.ImageKind, imageSource, docType string) string {
	if docType == "technical" && imageSource == "mermaid" {
		switch kind {
		case markdown.ImageCover:
			return "{title}思维导图"
		case markdown.ImageSection:
			return "{topic}流程图"
		case markdown.ImageConcept:
			return "{concept}状态图"
		case markdown.ImageDiagram:
			return "{concept}架构图"
		}
	}

	source := imageSource
	if source == "" {
		source = g.cfg.ImageSource
	}
	if group, ok := g.cfg.Prompts[source]; ok {
		if tmpl, ok := group[string(kind)]; ok {
			return tmpl
		}
	}
	if group, ok := g.cfg.Prompts["default"]; ok {
		if tmpl, ok := group[string(kind)]; ok {
			return tmpl
		}
	}
	return "{title}"
}

func combineWithTemplate(base, template, elementContent string) string {
	title := elementContent
	if title == "" {
		title = base
	}

	switch {
	case strings.Contains(template, "{title}"):
		return strings.ReplaceAll(template, "{title}", title)
	case strings.Contains(template, "{topic}"):
		return strings.ReplaceAll(template, "{topic}", base)
	case strings.Contains(template, "{concept}"):
		return strings.ReplaceAll(template, "{concept}", base)
	}
	// Fixed-text template: append as a style suffix.
	return base + "，" + template
}

func buildGenerationPrompt(content string, kind markdown.ImageKind, docCtx DocContext, maxRunes int) string {
	docTypeDesc := "普通文章"
	if docCtx.DocType == "technical" {
		docTypeDesc = "技术文档"
	}

	keywords := docCtx.Keywords
	if len(keywords) > 5 {
		keywords = keywords[:5]
	}

	contentRunes := []rune(content)
	if len(contentRunes) > 200 {
		content = string(contentRunes[:200])
	}

	return fmt.Sprintf(`请为以下内容生成简洁的图片提示词（%d字以内）：

文档类型: %s
图片类型: %s
文章标题: %s
关键词: %s
内容: %s

要求:
1. 简洁准确，%d字以内
2. 突出核心内容
3. 适合作为图片生成提示词

请直接输出提示词，不要解释。`,
		maxRunes, docTypeDesc, kind.TypeLabel(), docCtx.Title,
		strings.Join(keywords, ", "), content, maxRunes)
}

// truncate cuts an overlong prompt at the last punctuation mark inside the
// limit, or hard at the limit when no punctuation is found.
func truncate(prompt string, maxRunes int) string {
	runes := []rune(prompt)
	if len(runes) <= maxRunes {
		return prompt
	}
	truncated := runes[:maxRunes]
	for i := len(truncated) - 1; i >= 0; i-- {
		switch truncated[i] {
		case '，', '。', '、', ',', '.':
			return string(truncated[:i+1])
		}
	}
	return string(truncated)
}
