package imagegen

import (
	"context"
	"fmt"

	"mdillust/internal/config"
	"mdillust/internal/markdown"
	"mdillust/internal/mermaid"
)

// MermaidBackend adapts the diagram generator to the Backend contract. Its
// artifact reference is a diagram-source marker, not a file path; the
// assembler expands it into a fenced code block.
type MermaidBackend struct {
	gen *mermaid.Generator
}

func NewMermaid(cfg *config.Config) *MermaidBackend {
	return &MermaidBackend{gen: mermaid.NewGenerator(cfg)}
}

func (b *MermaidBackend) Generate(_ context.Context, prompt string, slot int, kind markdown.ImageKind, _ int) (string, error) {
	fmt.Printf("  正在生成 Mermaid 图表 #%d...\n", slot+1)
	return b.gen.Generate(prompt, kind), nil
}
