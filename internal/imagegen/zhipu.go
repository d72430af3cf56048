package imagegen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"mdillust/internal/config"
	"mdillust/internal/markdown"
)

const defaultZhipuURL = "https://open.bigmodel.cn/api/paas/v4/images/generations"

// ZhipuBackend calls the CogView image generation API.
type ZhipuBackend struct {
	apiKey     string
	model      string
	baseURL    string
	size       string
	saveDir    string
	maxRetries int
	client     *http.Client
}

func NewZhipu(cfg *config.Config) (*ZhipuBackend, error) {
	if cfg.API.APIKey == "" {
		return nil, fmt.Errorf("zhipu api key is not set, configure api.api_key or MDILLUST_API_KEY")
	}
	baseURL := cfg.API.BaseURL
	if baseURL == "" {
		baseURL = defaultZhipuURL
	}
	maxRetries := cfg.API.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &ZhipuBackend{
		apiKey:     cfg.API.APIKey,
		model:      cfg.API.Model,
		baseURL:    baseURL,
		size:       cfg.Image.Size,
		saveDir:    cfg.Image.SaveDir,
		maxRetries: maxRetries,
		client:     newHTTPClient(cfg.API.TimeoutSec),
	}, nil
}

type zhipuRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Size   string `json:"size"`
}

type zhipuResponse struct {
	Data []struct {
		URL string `json:"url"`
	} `json:"data"`
}

// Generate calls the API with linear backoff retries and downloads the
// resulting image. If the download fails the remote URL is returned instead
// so the slot is still usable.
func (b *ZhipuBackend) Generate(ctx context.Context, prompt string, slot int, kind markdown.ImageKind, candidate int) (string, error) {
	var lastErr error
	for attempt := 0; attempt < b.maxRetries; attempt++ {
		fmt.Printf("  正在生成图片 #%d (尝试 %d/%d)...\n", slot+1, attempt+1, b.maxRetries)
		fmt.Printf("  Prompt: %s\n", truncateForLog(prompt, 100))

		url, err := b.requestImage(ctx, prompt)
		if err == nil {
			path := artifactFilename(b.saveDir, slot, kind, candidate, ".png")
			if dlErr := download(ctx, b.client, url, path); dlErr != nil {
				fmt.Printf("  保存图片失败: %v\n", dlErr)
				return url, nil
			}
			return path, nil
		}

		lastErr = err
		fmt.Printf("  请求失败: %v\n", err)
		if attempt < b.maxRetries-1 {
			wait := time.Duration(attempt+1) * 2 * time.Second
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
	}
	return "", fmt.Errorf("image generation failed after %d attempts: %w", b.maxRetries, lastErr)
}

func (b *ZhipuBackend) requestImage(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(zhipuRequest{Model: b.model, Prompt: prompt, Size: b.size})
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
		return "", fmt.Errorf("zhipu api status %d", resp.StatusCode)
	}

	var result zhipuResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode zhipu response: %w", err)
	}
	if len(result.Data) == 0 || result.Data[0].URL == "" {
		return "", fmt.Errorf("zhipu response carries no image url")
	}
	return result.Data[0].URL, nil
}
