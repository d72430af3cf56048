package imagegen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"mdillust/internal/config"
	"mdillust/internal/markdown"
)

const defaultDalleURL = "https://api.openai.com/v1/images/generations"

// dallePromptLimit leaves headroom under the API's 4000 character cap.
const dallePromptLimit = 3800

// DALLEBackend calls the OpenAI image generation API.
type DALLEBackend struct {
	apiKey  string
	model   string
	baseURL string
	size    string
	quality string
	saveDir string
	client  *http.Client
}

func NewDALLE(cfg *config.Config) (*DALLEBackend, error) {
	if cfg.Dalle.APIKey == "" {
		return nil, fmt.Errorf("openai api key is not set, configure dalle.api_key or OPENAI_API_KEY")
	}
	model := cfg.Dalle.Model
	if model == "" {
		model = "dall-e-3"
	}
	baseURL := cfg.Dalle.BaseURL
	if baseURL == "" {
		baseURL = defaultDalleURL
	}
	return &DALLEBackend{
		apiKey:  cfg.Dalle.APIKey,
		model:   model,
		baseURL: baseURL,
		size:    cfg.Image.Size,
		quality: "standard",
		saveDir: cfg.Image.SaveDir,
		client:  newHTTPClient(cfg.Dalle.TimeoutSec),
	}, nil
}

type dalleRequest struct {
	Model   string `json:"model"`
	Prompt  string `json:"prompt"`
	N       int    `json:"n"`
	Size    string `json:"size"`
	Quality string `json:"quality"`
}

type dalleResponse struct {
	Data []struct {
		URL string `json:"url"`
	} `json:"data"`
}

func (b *DALLEBackend) Generate(ctx context.Context, prompt string, slot int, kind markdown.ImageKind, candidate int) (string, error) {
	fmt.Printf("  正在生成图片 #%d (DALL-E 3)...\n", slot+1)

	prompt = cleanPrompt(prompt)
	if len(prompt) > dallePromptLimit {
		prompt = prompt[:dallePromptLimit]
		fmt.Printf("  Prompt 过长，已截断到 %d 字符\n", dallePromptLimit)
	}

	body, err := json.Marshal(dalleRequest{
		Model: b.model, Prompt: prompt, N: 1, Size: b.size, Quality: b.quality,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+b.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("dalle api status %d: %s", resp.StatusCode, detail)
	}

	var result dalleResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode dalle response: %w", err)
	}
	if len(result.Data) == 0 || result.Data[0].URL == "" {
		return "", fmt.Errorf("dalle response carries no image url")
	}

	path := artifactFilename(b.saveDir, slot, kind, candidate, ".png")
	if err := download(ctx, b.client, result.Data[0].URL, path); err != nil {
		return result.Data[0].URL, nil
	}
	return path, nil
}
