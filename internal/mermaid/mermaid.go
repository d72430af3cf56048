package mermaid

import (
	"fmt"
	"regexp"
	"strings"

	"mdillust/internal/config"
	"mdillust/internal/markdown"
)

// markerPrefix tags a generated artifact as diagram source rather than an
// image path. The full marker format is MERMAID_CODE:<type>:<code> and must
// stay byte-stable: the assembler and reconciler both parse it.
const markerPrefix = "MERMAID_CODE:"

// Strategy builds diagram source for one grammar.
type Strategy interface {
	DiagramType() string
	Generate(prompt string) string
}

// diagramKeywords routes a prompt to a grammar by vocabulary; first matching
// entry wins in this fixed order.
var diagramKeywords = []struct {
	diagramType string
	keywords    []string
}{
	{"sequence", []string{"api", "接口", "请求", "响应", "调用", "request", "response", "时序", "序列"}},
	{"class", []string{"类", "继承", "接口", "实现", "class", "interface", "extends", "implements"}},
	{"state", []string{"状态", "转换", "state", "status", "机"}},
	{"er", []string{"数据库", "表", "关系", "database", "table", "relation", "实体"}},
	{"mindmap", []string{"结构", "知识", "概念", "思维", "structure", "knowledge", "concept"}},
	{"gantt", []string{"时间", "计划", "进度", "timeline", "schedule", "plan"}},
}

// kindFallback maps an image kind to a grammar when no keyword matched.
var kindFallback = map[markdown.ImageKind]string{
	markdown.ImageCodeConcept: "flowchart",
	markdown.ImageConcept:     "flowchart",
	markdown.ImageCover:       "mindmap",
	markdown.ImageSection:     "flowchart",
}

// Generator picks a grammar for a prompt and emits diagram source wrapped in
// the marker convention.
type Generator struct {
	strategies         map[string]Strategy
	defaultDiagramType string
}

func NewGenerator(cfg *config.Config) *Generator {
	defaultType := cfg.Mermaid.DefaultDiagramType
	if defaultType == "" {
		defaultType = "flowchart"
	}
	return &Generator{
		strategies: map[string]Strategy{
			"flowchart": flowchartStrategy{},
			"sequence":  sequenceStrategy{},
			"class":     classStrategy{},
			"state":     stateStrategy{},
			"er":        erStrategy{},
			"mindmap":   mindmapStrategy{},
			"gantt":     ganttStrategy{},
		},
		defaultDiagramType: defaultType,
	}
}

// Generate builds the diagram marker for a prompt. It never fails: unknown
// grammar names fall back to a flowchart.
func (g *Generator) Generate(prompt string, kind markdown.ImageKind) string {
	diagramType := g.determineDiagramType(prompt, kind)
	strategy, ok := g.strategies[diagramType]
	if !ok {
		strategy = flowchartStrategy{}
	}
	return markerPrefix + diagramType + ":" + strategy.Generate(prompt)
}

func (g *Generator) determineDiagramType(prompt string, kind markdown.ImageKind) string {
	promptLower := strings.ToLower(prompt)
	for _, entry := range diagramKeywords {
		for _, kw := range entry.keywords {
			if strings.Contains(promptLower, kw) {
				return entry.diagramType
			}
		}
	}
	if t, ok := kindFallback[kind]; ok {
		return t
	}
	return g.defaultDiagramType
}

// IsMarker reports whether an artifact reference is a diagram marker.
func IsMarker(ref string) bool {
	return strings.HasPrefix(ref, markerPrefix)
}

// ParseMarker splits a marker into grammar name and diagram source. The
// source text may itself contain colons, so only the first two separators
// are significant.
func ParseMarker(ref string) (diagramType, code string, ok bool) {
	if !IsMarker(ref) {
		return "", "", false
	}
	parts := strings.SplitN(ref, ":", 3)
	if len(parts) < 3 {
		return "", "", false
	}
	return parts[1], parts[2], true
}

type flowchartStrategy struct{}

func (flowchartStrategy) DiagramType() string { return "flowchart" }

func (flowchartStrategy) Generate(prompt string) string {
	promptLower := strings.ToLower(prompt)
	hasCondition := containsAny(promptLower, "如果", "否则", "判断", "验证", "检查", "当", "whether", "if", "check")
	hasLoop := containsAny(promptLower, "循环", "重复", "直到", "while", "loop", "repeat")

	switch {
	case hasCondition:
		return decisionFlowchart(prompt)
	case hasLoop:
		return loopFlowchart()
	default:
		return simpleFlowchart(prompt)
	}
}

func simpleFlowchart(prompt string) string {
	steps := extractSteps(prompt)
	if len(steps) == 0 {
		steps = []string{"开始", prompt, "结束"}
	}

	lines := []string{"flowchart TD"}
	for i, step := range steps {
		nodeID := string(rune('A' + i))
		lines = append(lines, fmt.Sprintf("    %s[\"%s\"]", nodeID, step))
		if i > 0 {
			prevID := string(rune('A' + i - 1))
			lines = append(lines, fmt.Sprintf("    %s --> %s", prevID, nodeID))
		}
	}
	return strings.Join(lines, "\n")
}

var (
	conditionPatterns = []*regexp.Regexp{
		regexp.MustCompile(`如果(.+?)[，,则]`),
		regexp.MustCompile(`验证(.+?)[，,则]`),
		regexp.MustCompile(`检查(.+?)[，,则]`),
		regexp.MustCompile(`判断(.+?)[，,则]`),
	}
	positivePatterns = []*regexp.Regexp{
		regexp.MustCompile(`成功.*?[:：](.+?)[。，,]`),
		regexp.MustCompile(`通过.*?[:：](.+?)[。，,]`),
		regexp.MustCompile(`则是(.+?)[。，,]`),
	}
	negativePatterns = []*regexp.Regexp{
		regexp.MustCompile(`失败.*?[:：](.+?)[。，,]`),
		regexp.MustCompile(`错误.*?[:：](.+?)[。，,]`),
		regexp.MustCompile(`否则(.+?)[。，,]`),
	}
)

func decisionFlowchart(prompt string) string {
	condition := firstMatch(conditionPatterns, prompt, "判断条件")
	positive := firstMatch(positivePatterns, prompt, "继续执行")
	negative := firstMatch(negativePatterns, prompt, "返回错误")

	lines := []string{
		"flowchart TD",
		`    A["开始"]`,
		fmt.Sprintf("    B{%s}", condition),
		fmt.Sprintf("    C[\"%s\"]", positive),
		fmt.Sprintf("    D[\"%s\"]", negative),
		`    E["结束"]`,
		"    A --> B",
		"    B -->|是| C",
		"    B -->|否| D",
		"    C --> E",
		"    D --> E",
	}
	return strings.Join(lines, "\n")
}

func loopFlowchart() string {
	lines := []string{
		"flowchart TD",
		`    A["开始"]`,
		`    B["执行操作"]`,
		`    C{"满足条件?"}`,
		`    D["结束"]`,
		"    A --> B",
		"    B --> C",
		"    C -->|是| D",
		"    C -->|否| B",
	}
	return strings.Join(lines, "\n")
}

// extractSteps splits a prompt into sequential step labels at common
// transition words and punctuation, capped at five nodes.
func extractSteps(prompt string) []string {
	separators := []string{"然后", "接着", "之后", "最后", "随后", "then", "next", "finally", "。", "，", ","}

	var steps []string
	current := ""
	for _, r := range prompt {
		current += string(r)
		if containsAny(current, separators...) {
			step := strings.TrimSpace(current)
			if len([]rune(step)) > 2 {
				steps = append(steps, strings.TrimRight(step, "。，, "))
			}
			current = ""
		}
	}
	if s := strings.TrimSpace(current); s != "" {
		steps = append(steps, s)
	}

	if len(steps) > 5 {
		steps = steps[:5]
	}
	return steps
}

type sequenceStrategy struct{}

func (sequenceStrategy) DiagramType() string { return "sequenceDiagram" }

func (sequenceStrategy) Generate(prompt string) string {
	if containsAny(strings.ToLower(prompt), "api", "接口", "请求", "响应", "调用", "request", "response") {
		return strings.Join([]string{
			"sequenceDiagram",
			"    participant User as 用户",
			"    participant Client as 客户端",
			"    participant Server as 服务器",
			"    participant DB as 数据库",
			"    User->>Client: 发起请求",
			"    Client->>Server: API 调用",
			"    Server->>DB: 查询数据",
			"    DB-->>Server: 返回结果",
			"    Server-->>Client: 响应数据",
			"    Client-->>User: 显示结果",
		}, "\n")
	}
	return genericSequence(prompt)
}

var entityPattern = regexp.MustCompile(`([A-Z][a-z]+|[\x{4e00}-\x{9fa5}]{2,4})`)

func genericSequence(prompt string) string {
	participants := entityPattern.FindAllString(prompt, 4)
	if len(participants) == 0 {
		participants = []string{"用户", "系统", "服务", "数据库"}
	}

	lines := []string{"sequenceDiagram"}
	for i, p := range participants {
		lines = append(lines, fmt.Sprintf("    participant P%d as %s", i+1, p))
	}
	if len(participants) >= 2 {
		lines = append(lines, "    P1->>P2: 发起操作", "    P2-->>P1: 返回结果")
	}
	return strings.Join(lines, "\n")
}

type classStrategy struct{}

func (classStrategy) DiagramType() string { return "classDiagram" }

var (
	classNamePattern   = regexp.MustCompile(`\b([A-Z][a-zA-Z0-9]*)\b`)
	parentClassPattern = regexp.MustCompile(`([A-Z][a-zA-Z0-9]*)\s*(?:继承|extends)`)
	childClassPattern  = regexp.MustCompile(`(?:继承|extends)\s*([A-Z][a-zA-Z0-9]*)`)
)

func (classStrategy) Generate(prompt string) string {
	promptLower := strings.ToLower(prompt)
	if containsAny(promptLower, "继承", "extends", "parent", "child") ||
		containsAny(promptLower, "接口", "interface", "implements") {
		parent := submatchOr(parentClassPattern, prompt, "BaseClass")
		child := submatchOr(childClassPattern, prompt, "DerivedClass")
		return strings.Join([]string{
			"classDiagram",
			fmt.Sprintf("    class %s {", parent),
			"        +父类方法()",
			"    }",
			fmt.Sprintf("    class %s {", child),
			"        +子类方法()",
			"    }",
			fmt.Sprintf("    %s --|> %s", child, parent),
		}, "\n")
	}

	className := submatchOr(classNamePattern, prompt, "ExampleClass")
	return strings.Join([]string{
		"classDiagram",
		fmt.Sprintf("    class %s {", className),
		"        +属性1",
		"        +属性2",
		"        +方法1()",
		"        +方法2()",
		"    }",
	}, "\n")
}

type stateStrategy struct{}

func (stateStrategy) DiagramType() string { return "stateDiagram-v2" }

func (stateStrategy) Generate(string) string {
	return strings.Join([]string{
		"stateDiagram-v2",
		"    [*] --> 待处理",
		"    待处理 --> 处理中",
		"    处理中 --> 已完成",
		"    处理中 --> 失败",
		"    失败 --> 待处理",
		"    已完成 --> [*]",
	}, "\n")
}

type erStrategy struct{}

func (erStrategy) DiagramType() string { return "erDiagram" }

func (erStrategy) Generate(string) string {
	return strings.Join([]string{
		"erDiagram",
		"    USER ||--o{ ORDER : places",
		"    ORDER ||--|{ ITEM : contains",
		"    USER {",
		"        int id PK",
		"        string name",
		"        string email",
		"    }",
		"    ORDER {",
		"        int id PK",
		"        date created",
		"        string status",
		"    }",
	}, "\n")
}

type mindmapStrategy struct{}

func (mindmapStrategy) DiagramType() string { return "mindmap" }

func (mindmapStrategy) Generate(prompt string) string {
	topic := prompt
	if runes := []rune(prompt); len(runes) > 10 {
		topic = string(runes[:10])
	}
	return strings.Join([]string{
		"mindmap",
		fmt.Sprintf("  root((%s))", topic),
		"    概念1",
		"      子概念A",
		"      子概念B",
		"    概念2",
		"      子概念C",
		"      子概念D",
	}, "\n")
}

type ganttStrategy struct{}

func (ganttStrategy) DiagramType() string { return "gantt" }

func (ganttStrategy) Generate(string) string {
	return strings.Join([]string{
		"gantt",
		"    title 项目时间线",
		"    dateFormat  YYYY-MM-DD",
		"    section 阶段1",
		"    任务1           :a1, 2024-01-01, 30d",
		"    任务2           :a2, after a1, 20d",
		"    section 阶段2",
		"    任务3           :b1, after a2, 25d",
	}, "\n")
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func firstMatch(patterns []*regexp.Regexp, s, fallback string) string {
	for _, p := range patterns {
		if m := p.FindStringSubmatch(s); m != nil {
			return strings.TrimSpace(m[1])
		}
	}
	return fallback
}

func submatchOr(pattern *regexp.Regexp, s, fallback string) string {
	if m := pattern.FindStringSubmatch(s); m != nil {
		return m[1]
	}
	return fallback
}
