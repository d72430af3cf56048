package pipeline

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"mdillust/internal/analyzer"
	"mdillust/internal/assembler"
	"mdillust/internal/classifier"
	"mdillust/internal/config"
	"mdillust/internal/imagegen"
	"mdillust/internal/llm"
	"mdillust/internal/markdown"
	"mdillust/internal/prompt"
	"mdillust/internal/regen"
)

// Options controls one illustration run.
type Options struct {
	InputPath   string
	OutputPath  string // empty: overwrite the input file
	ImageSource string // empty or "auto": per-slot smart selection
	Batch       int    // >1: generate N candidates per slot
	DryRun      bool
	Debug       bool

	// Incremental regeneration. RegenerateIndex below zero means unset;
	// at most one of the three should be active.
	RegenerateIndex  int
	RegenerateKind   string
	RegenerateFailed bool
}

// Result summarizes one run.
type Result struct {
	ImagesGenerated int
	OutputPath      string
	Decisions       []analyzer.Decision
	Plan            *regen.Plan
	Message         string
}

// Illustrator wires the parse, analyze, generate and assemble stages into
// one run. One instance serves many runs; backends are cached across them.
type Illustrator struct {
	cfg     *config.Config
	manager *imagegen.Manager
	client  llm.Client
}

func New(cfg *config.Config, client llm.Client) *Illustrator {
	return &Illustrator{
		cfg:     cfg,
		manager: imagegen.NewManager(cfg),
		client:  client,
	}
}

// Manager exposes the backend registry so callers can inject
// pre-configured or fake backends.
func (il *Illustrator) Manager() *imagegen.Manager { return il.manager }

// Illustrate runs the full pipeline for one Markdown file.
func (il *Illustrator) Illustrate(ctx context.Context, opts Options) (*Result, error) {
	if opts.Batch < 1 {
		opts.Batch = 1
	}
	if opts.OutputPath == "" {
		opts.OutputPath = opts.InputPath
	}

	raw, err := os.ReadFile(opts.InputPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read input file: %w", err)
	}

	doc := il.parseStage(string(raw))
	decisions := il.analyzeStage(ctx, doc, opts)

	if len(decisions) == 0 {
		fmt.Println("  根据当前规则，不需要配图")
		return &Result{OutputPath: opts.OutputPath, Message: "不需要配图"}, nil
	}

	plan := il.reconcileStage(string(raw), decisions, opts)
	if plan != nil && len(plan.Regenerate) == 0 && len(plan.Missing) == 0 {
		fmt.Println("  没有需要重新生成的图片")
		return &Result{
			OutputPath: opts.OutputPath,
			Decisions:  decisions,
			Plan:       plan,
			Message:    "没有需要重新生成的图片",
		}, nil
	}

	artifacts := il.generateStage(ctx, doc, decisions, plan, opts)

	if err := il.assembleStage(doc, artifacts, opts.OutputPath); err != nil {
		return nil, err
	}

	generated := countGenerated(artifacts)
	fmt.Printf("完成！共生成 %d 张图片\n", generated)

	return &Result{
		ImagesGenerated: generated,
		OutputPath:      opts.OutputPath,
		Decisions:       decisions,
		Plan:            plan,
	}, nil
}

func (il *Illustrator) parseStage(text string) *markdown.Document {
	fmt.Println("Step 1: 解析 Markdown...")
	doc := markdown.Parse(text)
	fmt.Printf("  标题: %s\n", doc.Title)
	fmt.Printf("  元素数量: %d\n", doc.Len())
	fmt.Printf("  段落数量: %d\n", len(doc.Paragraphs()))
	fmt.Printf("  标题数量: %d\n", len(doc.Headings(0)))
	return doc
}

func (il *Illustrator) analyzeStage(ctx context.Context, doc *markdown.Document, opts Options) []analyzer.Decision {
	fmt.Println("Step 2: 分析内容，决定配图位置...")

	c := classifier.New(il.client)
	classification := c.Classify(ctx, doc)
	doc.Classification = &classification
	fmt.Printf("  文档类型: %s (置信度 %.2f)\n", classification.DocType, classification.Confidence)

	gen := prompt.NewGenerator(il.cfg, il.client)
	a := analyzer.New(il.cfg, gen, opts.ImageSource)
	decisions := a.Decide(ctx, doc)
	fmt.Printf("  决定配图数量: %d\n", len(decisions))

	for i, d := range decisions {
		fmt.Printf("  #%d: [%s] %s\n", i+1, d.ImageKind, d.Reason)
		if opts.Debug {
			fmt.Printf("      Prompt: %s\n", d.Prompt)
		} else {
			fmt.Printf("      Prompt: %s\n", truncateRunes(d.Prompt, 80))
		}
	}
	return decisions
}

// reconcileStage returns nil when no regeneration selector is active; the
// run then generates every slot from scratch.
func (il *Illustrator) reconcileStage(previous string, decisions []analyzer.Decision, opts Options) *regen.Plan {
	sel, active := selectorOf(opts)
	if !active {
		return nil
	}

	fmt.Println("Step 2.5: 增量更新模式...")
	existing := regen.ParseExistingImages(previous)
	plan := regen.Reconcile(decisions, existing, sel)
	fmt.Printf("  保留: %d 张现有图片\n", len(plan.Keep))
	fmt.Printf("  重新生成: %d 张图片\n", len(plan.Regenerate))
	fmt.Printf("  新增: %d 张图片\n", len(plan.Missing))
	return &plan
}

func selectorOf(opts Options) (regen.Selector, bool) {
	switch {
	case opts.RegenerateIndex >= 0:
		return regen.ByOrdinal(opts.RegenerateIndex), true
	case opts.RegenerateKind != "":
		return regen.ByKind(markdown.ImageKind(opts.RegenerateKind)), true
	case opts.RegenerateFailed:
		return regen.OnlyFailed(), true
	}
	return regen.Selector{}, false
}

func (il *Illustrator) generateStage(ctx context.Context, doc *markdown.Document, decisions []analyzer.Decision, plan *regen.Plan, opts Options) []assembler.Artifact {
	artifacts := make([]assembler.Artifact, len(decisions))

	kept := make(map[int]string)
	skip := make(map[int]bool)
	if plan != nil {
		for _, entry := range plan.Keep {
			kept[entry.Index] = entry.Path
			skip[entry.Index] = true
		}
	}
	for i, path := range kept {
		if opts.Batch > 1 {
			artifacts[i] = assembler.Artifact{Candidates: []string{path}}
		} else {
			artifacts[i] = assembler.Artifact{Path: path}
		}
	}
	if len(kept) > 0 {
		fmt.Printf("  已保留 %d 张现有图片\n", len(kept))
	}

	if opts.DryRun {
		fmt.Println("Step 3: [DRY RUN] 跳过图片生成")
		return artifacts
	}

	fmt.Println("Step 3: 生成图片...")
	for i, d := range decisions {
		if skip[i] {
			continue
		}
		fmt.Printf("\n[%d/%d] %s: %s\n", i+1, len(decisions), d.ImageKind, truncateRunes(d.Reason, 50))

		switch {
		case len(d.Variants) > 0:
			artifacts[i] = assembler.Artifact{Variants: il.generateVariants(ctx, d, i, opts)}
		case opts.Batch > 1:
			artifacts[i] = assembler.Artifact{Candidates: il.generateCandidates(ctx, d, i, opts)}
		default:
			artifacts[i] = assembler.Artifact{Path: il.generateSingle(ctx, d, i, doc.DocType, opts)}
		}
	}
	fmt.Println()

	return artifacts
}

func (il *Illustrator) generateVariants(ctx context.Context, d analyzer.Decision, slot int, opts Options) []assembler.VariantArtifact {
	fmt.Printf("  A/B 测试模式：%d 个变体\n", len(d.Variants))

	out := make([]assembler.VariantArtifact, 0, len(d.Variants))
	succeeded := 0
	for v, variant := range d.Variants {
		fmt.Printf("    [%s] %s\n", variant.Name, variant.Description)

		path := ""
		backend, err := il.backendFor(d, opts)
		if err == nil {
			path, err = backend.Generate(ctx, variant.Prompt, slot, d.ImageKind, v)
		}
		if err != nil {
			log.Printf("变体 %s 生成失败: %v", variant.Name, err)
			path = ""
		} else {
			succeeded++
		}
		out = append(out, assembler.VariantArtifact{
			Name:        variant.Name,
			Description: variant.Description,
			Path:        path,
		})
	}
	fmt.Printf("  完成: %d/%d 个变体成功\n", succeeded, len(d.Variants))
	return out
}

func (il *Illustrator) generateCandidates(ctx context.Context, d analyzer.Decision, slot int, opts Options) []string {
	fmt.Printf("  批量生成 %d 张候选图...\n", opts.Batch)

	candidates := make([]string, opts.Batch)
	succeeded := 0
	for b := 0; b < opts.Batch; b++ {
		fmt.Printf("    生成候选图 %d/%d...\n", b+1, opts.Batch)

		backend, err := il.backendFor(d, opts)
		if err == nil {
			candidates[b], err = backend.Generate(ctx, d.Prompt, slot, d.ImageKind, b)
		}
		if err != nil {
			log.Printf("候选图 %d 生成失败: %v", b+1, err)
			candidates[b] = ""
		} else {
			succeeded++
		}
	}
	fmt.Printf("  完成: %d/%d 张成功\n", succeeded, opts.Batch)
	return candidates
}

func (il *Illustrator) generateSingle(ctx context.Context, d analyzer.Decision, slot int, docType string, opts Options) string {
	if opts.ImageSource == "" || opts.ImageSource == "auto" {
		result := il.manager.GenerateWithFallback(ctx, d.Prompt, slot, d.ImageKind, docType)
		if !result.Success {
			log.Printf("生成失败:\n%s", imagegen.ReportAttempts(result.Attempts))
			return ""
		}
		fmt.Printf("  来源: %s\n", result.Source)
		return result.Path
	}

	backend, err := il.manager.Backend(opts.ImageSource)
	if err != nil {
		log.Printf("生成失败: %v", err)
		return ""
	}
	fmt.Printf("  来源: %s\n", opts.ImageSource)
	path, err := backend.Generate(ctx, d.Prompt, slot, d.ImageKind, 0)
	if err != nil {
		log.Printf("生成失败: %v", err)
		return ""
	}
	return path
}

// backendFor resolves the backend for batch and A/B runs, where the whole
// slot must come from one source.
func (il *Illustrator) backendFor(d analyzer.Decision, opts Options) (imagegen.Backend, error) {
	source := opts.ImageSource
	if source == "" || source == "auto" {
		source = d.SourceHint
	}
	return il.manager.Backend(source)
}

func (il *Illustrator) assembleStage(doc *markdown.Document, artifacts []assembler.Artifact, outputPath string) error {
	fmt.Println("Step 4: 重组 Markdown，插入图片...")

	asm := assembler.New(il.cfg)
	content := asm.Assemble(doc, artifacts, filepath.Dir(outputPath))
	if err := asm.Save(content, outputPath); err != nil {
		return fmt.Errorf("failed to write output file: %w", err)
	}
	return nil
}

func countGenerated(artifacts []assembler.Artifact) int {
	count := 0
	for _, a := range artifacts {
		switch {
		case len(a.Variants) > 0:
			for _, v := range a.Variants {
				if v.Path != "" {
					count++
				}
			}
		case a.Candidates != nil:
			for _, c := range a.Candidates {
				if c != "" {
					count++
				}
			}
		case a.Path != "":
			count++
		}
	}
	return count
}

func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
