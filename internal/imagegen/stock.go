package imagegen

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"mdillust/internal/config"
	"mdillust/internal/markdown"
)

// UnsplashBackend searches the Unsplash photo library. Without an access key
// it falls back to a free keyword-seeded photo service URL instead of
// failing outright.
type UnsplashBackend struct {
	accessKey string
	apiBase   string
	width     int
	height    int
	saveDir   string
	client    *http.Client
}

func NewUnsplash(cfg *config.Config) *UnsplashBackend {
	return &UnsplashBackend{
		accessKey: cfg.Unsplash.AccessKey,
		apiBase:   "https://api.unsplash.com",
		width:     1024,
		height:    768,
		saveDir:   cfg.Image.SaveDir,
		client:    newHTTPClient(30),
	}
}

func (b *UnsplashBackend) Generate(ctx context.Context, prompt string, slot int, kind markdown.ImageKind, candidate int) (string, error) {
	fmt.Printf("  正在搜索 Unsplash 图片 #%d...\n", slot+1)

	keywords := searchKeywords(prompt)
	fmt.Printf("  搜索关键词: %s\n", keywords)

	imageURL, err := b.searchImage(ctx, keywords)
	if err != nil {
		return "", err
	}

	path := artifactFilename(b.saveDir, slot, kind, candidate, ".jpg")
	if err := download(ctx, b.client, imageURL, path); err != nil {
		return "", fmt.Errorf("failed to download stock photo: %w", err)
	}
	return path, nil
}

func (b *UnsplashBackend) searchImage(ctx context.Context, keywords string) (string, error) {
	if b.accessKey != "" {
		return b.searchViaAPI(ctx, keywords)
	}
	// Keyword-seeded free photo URL, no key required.
	return fmt.Sprintf("https://loremflickr.com/%d/%d/%s", b.width, b.height, url.PathEscape(keywords)), nil
}

type unsplashSearchResponse struct {
	Results []struct {
		URLs struct {
			Raw string `json:"raw"`
		} `json:"urls"`
	} `json:"results"`
}

func (b *UnsplashBackend) searchViaAPI(ctx context.Context, keywords string) (string, error) {
	endpoint := fmt.Sprintf("%s/search/photos?query=%s&per_page=1&orientation=landscape",
		b.apiBase, url.QueryEscape(keywords))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Client-ID "+b.accessKey)

	var result unsplashSearchResponse
	if err := getJSON(b.client, req, &result); err != nil {
		return "", err
	}
	if len(result.Results) == 0 {
		return "", fmt.Errorf("no matching photo for %q", keywords)
	}
	return fmt.Sprintf("%s&w=%d&h=%d&fit=crop", result.Results[0].URLs.Raw, b.width, b.height), nil
}

// PexelsBackend searches the Pexels photo library. It requires an API key.
type PexelsBackend struct {
	apiKey  string
	apiBase string
	saveDir string
	client  *http.Client
}

func NewPexels(cfg *config.Config) (*PexelsBackend, error) {
	if cfg.Pexels.AccessKey == "" {
		return nil, fmt.Errorf("pexels api key is not set, configure pexels.access_key or PEXELS_API_KEY")
	}
	return &PexelsBackend{
		apiKey:  cfg.Pexels.AccessKey,
		apiBase: "https://api.pexels.com/v1",
		saveDir: cfg.Image.SaveDir,
		client:  newHTTPClient(30),
	}, nil
}

type pexelsSearchResponse struct {
	Photos []struct {
		Src struct {
			Large string `json:"large"`
		} `json:"src"`
	} `json:"photos"`
}

func (b *PexelsBackend) Generate(ctx context.Context, prompt string, slot int, kind markdown.ImageKind, candidate int) (string, error) {
	fmt.Printf("  正在搜索 Pexels 图片 #%d...\n", slot+1)

	keywords := searchKeywords(prompt)
	endpoint := fmt.Sprintf("%s/search?query=%s&per_page=1&orientation=landscape",
		b.apiBase, url.QueryEscape(keywords))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", b.apiKey)

	var result pexelsSearchResponse
	if err := getJSON(b.client, req, &result); err != nil {
		return "", err
	}
	if len(result.Photos) == 0 {
		return "", fmt.Errorf("no matching photo for %q", keywords)
	}

	path := artifactFilename(b.saveDir, slot, kind, candidate, ".jpg")
	if err := download(ctx, b.client, result.Photos[0].Src.Large, path); err != nil {
		return "", fmt.Errorf("failed to download stock photo: %w", err)
	}
	return path, nil
}
