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

const defaultDoubaoURL = "https://ark.cn-beijing.volces.com/api/v3/images/generations"

// DoubaoBackend calls the Volcengine Ark image API, which speaks the OpenAI
// images wire format.
type DoubaoBackend struct {
	apiKey  string
	model   string
	baseURL string
	size    string
	saveDir string
	client  *http.Client
}

func NewDoubao(cfg *config.Config) (*DoubaoBackend, error) {
	if cfg.Doubao.APIKey == "" {
		return nil, fmt.Errorf("doubao api key is not set, configure doubao.api_key or ARK_API_KEY")
	}
	baseURL := cfg.Doubao.BaseURL
	if baseURL == "" {
		baseURL = defaultDoubaoURL
	}
	return &DoubaoBackend{
		apiKey:  cfg.Doubao.APIKey,
		model:   cfg.Doubao.Model,
		baseURL: baseURL,
		size:    cfg.Image.Size,
		saveDir: cfg.Image.SaveDir,
		client:  newHTTPClient(cfg.Doubao.TimeoutSec),
	}, nil
}

type doubaoRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	Size           string `json:"size"`
	ResponseFormat string `json:"response_format"`
}

func (b *DoubaoBackend) Generate(ctx context.Context, prompt string, slot int, kind markdown.ImageKind, candidate int) (string, error) {
	fmt.Printf("  正在生成图片 #%d (豆包)...\n", slot+1)
	prompt = cleanPrompt(prompt)

	body, err := json.Marshal(doubaoRequest{
		Model: b.model, Prompt: prompt, Size: b.size, ResponseFormat: "url",
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
		return "", fmt.Errorf("doubao api status %d", resp.StatusCode)
	}

	var result dalleResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode doubao response: %w", err)
	}
	if len(result.Data) == 0 || result.Data[0].URL == "" {
		return "", fmt.Errorf("doubao response carries no image url")
	}

	path := artifactFilename(b.saveDir, slot, kind, candidate, ".png")
	if err := download(ctx, b.client, result.Data[0].URL, path); err != nil {
		return result.Data[0].URL, nil
	}
	return path, nil
}

const defaultFluxURL = "https://api.replicate.com/v1/predictions"

// FluxBackend submits a prediction to Replicate and polls for the result.
type FluxBackend struct {
	apiKey  string
	baseURL string
	saveDir string
	client  *http.Client
}

func NewFlux(cfg *config.Config, apiKey string) (*FluxBackend, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("flux api key is not set, configure FLUX_API_KEY")
	}
	return &FluxBackend{
		apiKey:  apiKey,
		baseURL: defaultFluxURL,
		saveDir: cfg.Image.SaveDir,
		client:  newHTTPClient(30),
	}, nil
}

type fluxPrediction struct {
	Status string   `json:"status"`
	Output []string `json:"output"`
	Error  string   `json:"error"`
	URLs   struct {
		Get string `json:"get"`
	} `json:"urls"`
}

func (b *FluxBackend) Generate(ctx context.Context, prompt string, slot int, kind markdown.ImageKind, candidate int) (string, error) {
	fmt.Printf("  正在生成图片 #%d (Flux.1)...\n", slot+1)
	prompt = cleanPrompt(prompt)

	payload := map[string]any{
		"version": "black-forest-labs/flux-1-pro",
		"input": map[string]any{
			"prompt": prompt,
			"width":  1024,
			"height": 768,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	pred, err := b.request(ctx, http.MethodPost, b.baseURL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	if pred.URLs.Get == "" {
		return "", fmt.Errorf("flux response carries no polling url")
	}

	imageURL, err := b.waitForResult(ctx, pred.URLs.Get)
	if err != nil {
		return "", err
	}

	path := artifactFilename(b.saveDir, slot, kind, candidate, ".png")
	if err := download(ctx, b.client, imageURL, path); err != nil {
		return imageURL, nil
	}
	return path, nil
}

func (b *FluxBackend) waitForResult(ctx context.Context, getURL string) (string, error) {
	deadline := time.Now().Add(2 * time.Minute)
	for time.Now().Before(deadline) {
		pred, err := b.request(ctx, http.MethodGet, getURL, nil)
		if err != nil {
			return "", err
		}
		switch pred.Status {
		case "succeeded":
			if len(pred.Output) == 0 {
				return "", fmt.Errorf("flux prediction succeeded without output")
			}
			return pred.Output[0], nil
		case "failed":
			return "", fmt.Errorf("flux prediction failed: %s", pred.Error)
		}

		select {
		case <-time.After(2 * time.Second):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return "", fmt.Errorf("flux prediction timed out")
}

func (b *FluxBackend) request(ctx context.Context, method, url string, body *bytes.Reader) (*fluxPrediction, error) {
	var req *http.Request
	var err error
	if body != nil {
		req, err = http.NewRequestWithContext(ctx, method, url, body)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, url, nil)
	}
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Token "+b.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("flux api status %d", resp.StatusCode)
	}

	var pred fluxPrediction
	if err := json.NewDecoder(resp.Body).Decode(&pred); err != nil {
		return nil, fmt.Errorf("failed to decode flux response: %w", err)
	}
	return &pred, nil
}
