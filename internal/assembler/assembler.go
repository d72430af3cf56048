package assembler

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"mdillust/internal/config"
	"mdillust/internal/markdown"
	"mdillust/internal/mermaid"
)

// failedBatchComment marks a slot whose every candidate failed. The
// reconciler keys on this exact byte sequence, so it must never change.
const failedBatchComment = "<!-- 所有候选图生成失败 -->"

const failedVariantsComment = "<!-- 所有 A/B 测试变体生成失败 -->"

// VariantArtifact is one generated A/B variant. An empty Path marks a
// failed generation.
type VariantArtifact struct {
	Name        string
	Description string
	Path        string
}

// Artifact carries the generation outcome for one slot. Exactly one mode is
// active: Variants (A/B), Candidates (batch), or the single Path. Empty
// strings mark failed candidates.
type Artifact struct {
	Path       string
	Candidates []string
	Variants   []VariantArtifact
}

// Assembler re-emits a parsed document with generated images inserted after
// their annotated elements.
type Assembler struct {
	cfg *config.Config
}

func New(cfg *config.Config) *Assembler {
	return &Assembler{cfg: cfg}
}

// Assemble walks the elements in order and appends each slot's image block
// right after its element. Artifacts are consumed in annotation order; a
// slot with no usable artifact leaves the element bare (batch and A/B slots
// get an explicit failure comment instead). baseDir, when non-empty, is the
// directory image paths are made relative to.
func (a *Assembler) Assemble(doc *markdown.Document, artifacts []Artifact, baseDir string) string {
	var blocks []string
	artifactIndex := 0

	for _, element := range doc.Elements {
		blocks = append(blocks, formatElement(element))

		ann := doc.AnnotationAt(element.Position)
		if ann == nil || !ann.NeedsImage || artifactIndex >= len(artifacts) {
			continue
		}
		artifact := artifacts[artifactIndex]
		artifactIndex++

		blocks = append(blocks, a.formatArtifact(element, ann, artifact, baseDir)...)
	}

	return strings.Join(blocks, "\n\n")
}

func (a *Assembler) formatArtifact(element markdown.Element, ann *markdown.Annotation, artifact Artifact, baseDir string) []string {
	switch {
	case len(artifact.Variants) > 0:
		return a.formatVariants(element, ann, artifact.Variants, baseDir)
	case artifact.Candidates != nil:
		return a.formatCandidates(element, ann, artifact.Candidates, baseDir)
	case artifact.Path != "":
		return a.formatSingle(element, ann, artifact.Path, baseDir)
	}
	return nil
}

func (a *Assembler) formatSingle(element markdown.Element, ann *markdown.Annotation, path, baseDir string) []string {
	var lines []string

	if _, code, ok := mermaid.ParseMarker(path); ok && code != "" {
		lines = append(lines, "```mermaid\n"+code+"\n```")
	} else {
		lines = append(lines, fmt.Sprintf("![%s](%s)", altText(element, ann), a.relativePath(path, baseDir)))
	}

	if caption := a.caption(element, ann); caption != "" {
		lines = append(lines, caption)
	}
	return lines
}

func (a *Assembler) formatCandidates(element markdown.Element, ann *markdown.Annotation, candidates []string, baseDir string) []string {
	selected := -1
	succeeded := 0
	for i, c := range candidates {
		if c != "" {
			if selected == -1 {
				selected = i
			}
			succeeded++
		}
	}
	if selected == -1 {
		return []string{failedBatchComment}
	}

	var lines []string
	lines = append(lines, fmt.Sprintf("<!-- 候选图：从%d张中选择第%d张 -->", succeeded, selected+1))

	if _, code, ok := mermaid.ParseMarker(candidates[selected]); ok {
		lines = append(lines, "```mermaid\n"+code+"\n```")
	} else {
		lines = append(lines, fmt.Sprintf("![%s](%s) ⭐", altText(element, ann), a.relativePath(candidates[selected], baseDir)))
	}

	var commented []string
	for i, c := range candidates {
		if i == selected || c == "" {
			continue
		}
		if _, code, ok := mermaid.ParseMarker(c); ok {
			commented = append(commented, fmt.Sprintf("<!-- 候选%d:\n%s\n-->", i+1, code))
		} else {
			commented = append(commented, fmt.Sprintf("<!-- 候选%d: ![%s](%s) -->", i+1, altText(element, ann), a.relativePath(c, baseDir)))
		}
	}
	if len(commented) > 0 {
		lines = append(lines, "<!-- 其他候选图已注释\n"+strings.Join(commented, "\n")+"\n-->")
	}

	if caption := a.caption(element, ann); caption != "" {
		lines = append(lines, caption)
	}
	return lines
}

func (a *Assembler) formatVariants(element markdown.Element, ann *markdown.Annotation, variants []VariantArtifact, baseDir string) []string {
	selected := -1
	succeeded := 0
	for i, v := range variants {
		if v.Path != "" {
			if selected == -1 {
				selected = i
			}
			succeeded++
		}
	}
	if selected == -1 {
		return []string{failedVariantsComment}
	}

	chosen := variants[selected]
	var lines []string
	lines = append(lines, fmt.Sprintf("<!-- A/B 测试：%d 个风格变体，选择: %s (%s) -->", succeeded, chosen.Name, chosen.Description))

	if _, code, ok := mermaid.ParseMarker(chosen.Path); ok {
		lines = append(lines, "```mermaid\n"+code+"\n```")
	} else {
		lines = append(lines, fmt.Sprintf("![%s - %s](%s) ⭐", altText(element, ann), chosen.Description, a.relativePath(chosen.Path, baseDir)))
	}

	var commented []string
	for i, v := range variants {
		if i == selected || v.Path == "" {
			continue
		}
		commented = append(commented, fmt.Sprintf("<!-- 变体%d: ![%s - %s](%s) -->", i+1, altText(element, ann), v.Description, a.relativePath(v.Path, baseDir)))
	}
	if len(commented) > 0 {
		lines = append(lines, "<!-- 其他变体已注释\n"+strings.Join(commented, "\n")+"\n-->")
	}

	if caption := a.caption(element, ann); caption != "" {
		lines = append(lines, caption)
	}
	return lines
}

// formatElement serializes one element back to Markdown. The element
// contents were normalized at parse time, so this emits the normalized view
// rather than the original bytes.
func formatElement(element markdown.Element) string {
	switch element.Kind {
	case markdown.KindHeading:
		return strings.Repeat("#", element.Level) + " " + element.Content
	case markdown.KindCodeBlock:
		lang := strings.TrimSpace(strings.TrimPrefix(element.RawLine, "```"))
		return "```" + lang + "\n" + element.Content + "\n```"
	case markdown.KindQuote:
		var out []string
		for _, line := range strings.Split(element.Content, "\n") {
			out = append(out, "> "+line)
		}
		return strings.Join(out, "\n")
	case markdown.KindHorizontalRule:
		return "---"
	}
	return element.Content
}

// altText builds the image alt string. The type label is the reconciler's
// attribution key, so it always leads.
func altText(element markdown.Element, ann *markdown.Annotation) string {
	label := ann.ImageKind.TypeLabel()
	if element.Content == "" {
		return label
	}
	content := element.Content
	if runes := []rune(content); len(runes) > 30 {
		content = string(runes[:30])
	}
	return label + " - " + content
}

func (a *Assembler) caption(element markdown.Element, ann *markdown.Annotation) string {
	if !a.cfg.Output.AddImageCaption {
		return ""
	}

	var description string
	switch ann.ImageKind {
	case markdown.ImageCover:
		description = "文章封面：" + element.Content
	case markdown.ImageSection:
		description = "章节插图：" + element.Content
	case markdown.ImageConcept:
		description = "概念示意图：" + element.Content
	default:
		return ""
	}

	format := a.cfg.Output.CaptionFormat
	if format == "" {
		format = "*{description}*"
	}
	return strings.ReplaceAll(format, "{description}", description)
}

// relativePath rewrites an artifact path relative to the output directory
// when possible. URLs and diagram markers pass through untouched.
func (a *Assembler) relativePath(path, baseDir string) string {
	if baseDir == "" || strings.Contains(path, "://") {
		return filepath.ToSlash(path)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	base, err := filepath.Abs(baseDir)
	if err != nil {
		return filepath.ToSlash(path)
	}

	if rel, err := filepath.Rel(base, abs); err == nil && !strings.HasPrefix(rel, "..") {
		return filepath.ToSlash(rel)
	}

	// No common ancestor with the output dir; try the working directory
	// before giving up and keeping the absolute path.
	if cwd, err := os.Getwd(); err == nil {
		if rel, err := filepath.Rel(cwd, abs); err == nil && !strings.HasPrefix(rel, "..") {
			return filepath.ToSlash(rel)
		}
	}
	return filepath.ToSlash(abs)
}

// Save writes the assembled content, optionally renaming a pre-existing
// file to the original-suffix sibling first.
func (a *Assembler) Save(content, outputPath string) error {
	if a.cfg.Output.KeepOriginal {
		if _, err := os.Stat(outputPath); err == nil {
			suffix := a.cfg.Output.OriginalSuffix
			if suffix == "" {
				suffix = ".original.md"
			}
			originalPath := strings.TrimSuffix(outputPath, filepath.Ext(outputPath)) + suffix
			if err := os.Rename(outputPath, originalPath); err != nil {
				return fmt.Errorf("failed to preserve original file: %w", err)
			}
			fmt.Printf("原始文件已保存到: %s\n", originalPath)
		}
	}

	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(outputPath, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	fmt.Printf("已生成带配图的文档: %s\n", outputPath)
	return nil
}
