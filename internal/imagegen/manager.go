package imagegen

import (
	"context"
	"fmt"
	"os"

	"mdillust/internal/config"
	"mdillust/internal/markdown"
)

// Attempt records one backend try during fallback generation.
type Attempt struct {
	Source string
	Prompt string
	Err    error
}

// Result is the outcome of generating one slot, including every backend
// attempted along the way.
type Result struct {
	Success  bool
	Path     string
	Source   string
	Attempts []Attempt
}

// Manager owns the backend registry and the fallback policy. Backends are
// constructed lazily on first use and cached for the session.
type Manager struct {
	cfg           *config.Config
	defaultSource string
	backends      map[string]Backend
}

func NewManager(cfg *config.Config) *Manager {
	source := cfg.ImageSource
	if source == "" {
		source = "zhipu"
	}
	return &Manager{
		cfg:           cfg,
		defaultSource: source,
		backends:      make(map[string]Backend),
	}
}

// Register installs a backend under a source name, replacing the built-in
// construction. Tests and the web layer use this to inject fakes or
// pre-configured clients.
func (m *Manager) Register(source string, b Backend) {
	m.backends[source] = b
}

// Backend returns the backend for a source, constructing it on first use.
func (m *Manager) Backend(source string) (Backend, error) {
	if source == "auto" {
		source = m.defaultSource
	}
	if b, ok := m.backends[source]; ok {
		return b, nil
	}

	b, err := m.build(source)
	if err != nil {
		return nil, err
	}
	m.backends[source] = b
	return b, nil
}

func (m *Manager) build(source string) (Backend, error) {
	switch source {
	case "zhipu":
		return NewZhipu(m.cfg)
	case "dalle":
		return NewDALLE(m.cfg)
	case "doubao":
		return NewDoubao(m.cfg)
	case "flux":
		return NewFlux(m.cfg, os.Getenv("FLUX_API_KEY"))
	case "unsplash":
		return NewUnsplash(m.cfg), nil
	case "pexels":
		return NewPexels(m.cfg)
	case "mermaid":
		return NewMermaid(m.cfg), nil
	case "gemini":
		return NewGemini(m.cfg)
	}
	return nil, fmt.Errorf("unsupported image source: %s", source)
}

// GenerateWithFallback runs the slot through the degradation chain: covers
// go straight to the configured AI backend, technical documents try the
// diagram backend first, and everything else walks the stock libraries
// before falling back to AI.
func (m *Manager) GenerateWithFallback(ctx context.Context, prompt string, slot int, kind markdown.ImageKind, docType string) Result {
	var attempts []Attempt

	if kind == markdown.ImageCover {
		return m.try(ctx, prompt, slot, kind, m.defaultSource, attempts)
	}

	if docType == "technical" {
		result := m.try(ctx, prompt, slot, kind, "mermaid", attempts)
		if result.Success {
			return result
		}
		attempts = result.Attempts
	}

	result := m.try(ctx, prompt, slot, kind, "unsplash", attempts)
	if result.Success {
		return result
	}
	attempts = result.Attempts

	result = m.try(ctx, prompt, slot, kind, "pexels", attempts)
	if result.Success {
		return result
	}
	attempts = result.Attempts

	return m.try(ctx, prompt, slot, kind, m.defaultSource, attempts)
}

func (m *Manager) try(ctx context.Context, prompt string, slot int, kind markdown.ImageKind, source string, attempts []Attempt) Result {
	record := Attempt{Source: source, Prompt: truncateForLog(prompt, 100)}

	backend, err := m.Backend(source)
	if err == nil {
		var path string
		path, err = backend.Generate(ctx, prompt, slot, kind, 0)
		if err == nil {
			attempts = append(attempts, record)
			return Result{Success: true, Path: path, Source: source, Attempts: attempts}
		}
	}

	record.Err = err
	attempts = append(attempts, record)
	fmt.Printf("      尝试 %s... ✗ (%v)\n", source, err)
	return Result{Success: false, Source: source, Attempts: attempts}
}

// ReportAttempts formats the attempt trail for user-facing output.
func ReportAttempts(attempts []Attempt) string {
	if len(attempts) == 0 {
		return "无尝试记录"
	}
	report := "图片生成尝试记录:\n"
	for i, a := range attempts {
		status := "✓ 成功"
		if a.Err != nil {
			status = fmt.Sprintf("✗ 失败: %v", a.Err)
		}
		report += fmt.Sprintf("  %d. %s: %s\n     提示词: %s\n", i+1, a.Source, status, a.Prompt)
	}
	return report
}
