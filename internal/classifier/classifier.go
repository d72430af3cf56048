package classifier

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"strings"

	"mdillust/internal/llm"
	"mdillust/internal/markdown"
)

// Technical vocabulary used by the rule-based scorer. Chinese and English
// terms are matched case-insensitively against the whole document.
var techKeywords = []string{
	"代码", "编程", "函数", "算法", "数据结构", "架构", "API",
	"框架", "库", "模块", "类", "对象", "变量", "方法",
	"数据库", "服务器", "客户端", "前端", "后端", "全栈",
	"部署", "配置", "环境", "依赖", "安装",
	"code", "function", "algorithm", "data structure",
	"framework", "library", "module", "class", "object", "variable",
	"database", "server", "client", "frontend", "backend", "fullstack",
	"deploy", "config", "environment", "dependency", "install",
	"git", "commit", "push", "pull", "clone", "branch", "merge",
	"http", "https", "url", "endpoint", "request", "response",
	"json", "xml", "html", "css", "javascript", "python", "java",
	"react", "vue", "angular", "node", "express", "django", "flask",
	"docker", "kubernetes", "linux", "ubuntu", "windows", "mac",
}

var processKeywords = []string{
	"流程", "步骤", "阶段", "过程", "循环", "判断", "条件",
	"输入", "输出", "开始", "结束", "返回", "调用",
	"flow", "process", "step", "stage", "loop", "condition",
	"input", "output", "start", "end", "return", "call",
}

// Inline fenced snippets inside quoted prose still count as code evidence.
var codeBlockPattern = regexp.MustCompile("```[\\w]*\\n[\\s\\S]*?```")

// Classifier decides whether a document is technical or normal prose. The
// rule scorer runs first; when an LLM client is present and the rule verdict
// is low-confidence, the LLM gets the final word.
type Classifier struct {
	client llm.Client
}

func New(client llm.Client) *Classifier {
	return &Classifier{client: client}
}

// Classify scores the document and returns a doc-type verdict. It never
// fails: LLM errors fall back to the rule-based result.
func (c *Classifier) Classify(ctx context.Context, doc *markdown.Document) markdown.Classification {
	result := c.ruleClassify(doc)

	if c.client != nil && result.Confidence < 0.8 {
		if llmResult, err := c.llmClassify(ctx, doc); err == nil {
			return llmResult
		} else {
			log.Printf("Warning: LLM classification failed, keeping rule result: %v", err)
		}
	}
	return result
}

func (c *Classifier) ruleClassify(doc *markdown.Document) markdown.Classification {
	content := doc.ContentText()
	contentLower := strings.ToLower(content)

	techCount := 0
	for _, kw := range techKeywords {
		techCount += strings.Count(contentLower, strings.ToLower(kw))
	}
	processCount := 0
	for _, kw := range processKeywords {
		processCount += strings.Count(contentLower, strings.ToLower(kw))
	}

	codeBlocks := 0
	for _, e := range doc.Elements {
		if e.IsCodeBlock() {
			codeBlocks++
		}
	}
	codeBlocks += len(codeBlockPattern.FindAllString(content, -1))
	structureScore := len(doc.Headings(0))

	score := min(codeBlocks*20, 40) +
		min(techCount*2, 30) +
		min(processCount, 20) +
		min(structureScore*2, 10)

	switch {
	case score >= 30:
		conf := 0.5 + float64(score)/100
		if conf > 0.9 {
			conf = 0.9
		}
		return markdown.Classification{
			DocType:    "technical",
			Confidence: conf,
			Reason:     fmt.Sprintf("tech score %d >= 30", score),
		}
	case score >= 15:
		return markdown.Classification{
			DocType:    "normal",
			Confidence: 0.6,
			Reason:     fmt.Sprintf("tech score %d is borderline, defaulting to normal", score),
		}
	default:
		return markdown.Classification{
			DocType:    "normal",
			Confidence: 0.9,
			Reason:     fmt.Sprintf("tech score %d < 15", score),
		}
	}
}

func (c *Classifier) llmClassify(ctx context.Context, doc *markdown.Document) (markdown.Classification, error) {
	prompt := buildClassificationPrompt(doc)
	resp, err := c.client.Generate(ctx, "你是一个文档分类专家，擅长判断文档类型。", prompt)
	if err != nil {
		return markdown.Classification{}, err
	}

	answer := strings.ToLower(strings.TrimSpace(resp))
	docType := "normal"
	if strings.Contains(answer, "technical") || strings.Contains(answer, "技术") {
		docType = "technical"
	}
	return markdown.Classification{
		DocType:    docType,
		Confidence: 0.95,
		Reason:     "llm verdict: " + answer,
	}, nil
}

func buildClassificationPrompt(doc *markdown.Document) string {
	content := doc.ContentText()
	preview := strings.ReplaceAll(content, "\n", " ")
	if runes := []rune(preview); len(runes) > 500 {
		preview = string(runes[:500])
	}

	codeBlocks := 0
	for _, e := range doc.Elements {
		if e.IsCodeBlock() {
			codeBlocks++
		}
	}

	return fmt.Sprintf(`请判断以下文档是"技术文档"还是"普通文档"：

文档标题: %s
代码块数量: %d
内容预览: %s...

判断标准:
- 技术文档: 包含代码示例、API 文档、技术教程、架构设计、算法说明等
- 普通文档: 新闻、博客、文章、故事、生活内容等

请只回答: "technical" 或 "normal"`, doc.Title, codeBlocks, preview)
}
