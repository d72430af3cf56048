package imagegen

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"google.golang.org/genai"

	"mdillust/internal/config"
	"mdillust/internal/markdown"
)

const defaultImagenModel = "imagen-3.0-generate-002"

// GeminiBackend generates images through the Imagen models behind the
// Gemini API, reusing the key the LLM features are configured with.
type GeminiBackend struct {
	client  *genai.Client
	model   string
	saveDir string
}

func NewGemini(cfg *config.Config) (*GeminiBackend, error) {
	if cfg.LLM.APIKey == "" {
		return nil, fmt.Errorf("gemini api key is not set, configure llm.api_key or MDILLUST_LLM_KEY")
	}
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  cfg.LLM.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return &GeminiBackend{
		client:  client,
		model:   defaultImagenModel,
		saveDir: cfg.Image.SaveDir,
	}, nil
}

func (b *GeminiBackend) Generate(ctx context.Context, prompt string, slot int, kind markdown.ImageKind, candidate int) (string, error) {
	fmt.Printf("  正在生成图片 #%d (Gemini)...\n", slot+1)
	prompt = cleanPrompt(prompt)

	resp, err := b.client.Models.GenerateImages(ctx, b.model, prompt, &genai.GenerateImagesConfig{
		NumberOfImages: 1,
	})
	if err != nil {
		return "", fmt.Errorf("gemini image generation failed: %w", err)
	}
	if len(resp.GeneratedImages) == 0 || resp.GeneratedImages[0].Image == nil {
		return "", fmt.Errorf("gemini response carries no image")
	}

	path := artifactFilename(b.saveDir, slot, kind, candidate, ".png")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, resp.GeneratedImages[0].Image.ImageBytes, 0o644); err != nil {
		return "", fmt.Errorf("failed to save image: %w", err)
	}
	return path, nil
}
