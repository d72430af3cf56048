package imagegen

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mdillust/internal/config"
	"mdillust/internal/markdown"
	"mdillust/internal/mermaid"
)

func TestSearchKeywords(t *testing.T) {
	got := searchKeywords("Create a diagram showing the event loop for concurrency")
	assert.Equal(t, "event loop concurrency", got)
}

func TestCleanPrompt(t *testing.T) {
	got := cleanPrompt("  line one\n\n  \"quoted\" line  \n")
	assert.Equal(t, "line one quoted line", got)
}

func TestArtifactFilename(t *testing.T) {
	plain := artifactFilename("out", 3, markdown.ImageCover, 0, ".png")
	assert.Regexp(t, regexp.MustCompile(`^3_cover_\d{8}_\d{6}\.png$`), filepath.Base(plain))

	batch := artifactFilename("out", 3, markdown.ImageSection, 2, ".jpg")
	assert.Regexp(t, regexp.MustCompile(`^3_section_\d{8}_\d{6}_002\.jpg$`), filepath.Base(batch))
}

func TestZhipuBackend_GeneratesAndDownloads(t *testing.T) {
	var imageServer *httptest.Server
	imageServer = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("png-bytes"))
	}))
	defer imageServer.Close()

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		fmt.Fprintf(w, `{"data":[{"url":"%s/img.png"}]}`, imageServer.URL)
	}))
	defer api.Close()

	cfg := config.Default()
	cfg.API.APIKey = "test-key"
	cfg.API.BaseURL = api.URL
	cfg.Image.SaveDir = t.TempDir()

	backend, err := NewZhipu(cfg)
	require.NoError(t, err)

	path, err := backend.Generate(context.Background(), "测试提示词", 0, markdown.ImageCover, 0)
	require.NoError(t, err)
	assert.FileExists(t, path)
	assert.Regexp(t, `0_cover_\d{8}_\d{6}\.png$`, path)
}

func TestZhipuBackend_RetriesThenFails(t *testing.T) {
	calls := 0
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer api.Close()

	cfg := config.Default()
	cfg.API.APIKey = "test-key"
	cfg.API.BaseURL = api.URL
	cfg.API.MaxRetries = 2
	cfg.Image.SaveDir = t.TempDir()

	backend, err := NewZhipu(cfg)
	require.NoError(t, err)

	_, err = backend.Generate(context.Background(), "测试", 0, markdown.ImageCover, 0)
	require.Error(t, err)
	assert.Equal(t, 2, calls)
}

func TestNewZhipu_RequiresKey(t *testing.T) {
	cfg := config.Default()
	cfg.API.APIKey = ""
	_, err := NewZhipu(cfg)
	assert.Error(t, err)
}

func TestNewGemini_RequiresKey(t *testing.T) {
	cfg := config.Default()
	cfg.LLM.APIKey = ""
	_, err := NewGemini(cfg)
	assert.Error(t, err)
}

func TestManager_BuildsGeminiBackend(t *testing.T) {
	cfg := config.Default()
	cfg.LLM.APIKey = "gemini-key"
	m := NewManager(cfg)

	backend, err := m.Backend("gemini")
	require.NoError(t, err)
	assert.IsType(t, &GeminiBackend{}, backend)
}

func TestPexelsBackend_SearchAndDownload(t *testing.T) {
	imageServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("jpg-bytes"))
	}))
	defer imageServer.Close()

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "pexels-key", r.Header.Get("Authorization"))
		fmt.Fprintf(w, `{"photos":[{"src":{"large":"%s/photo.jpg"}}]}`, imageServer.URL)
	}))
	defer api.Close()

	cfg := config.Default()
	cfg.Pexels.AccessKey = "pexels-key"
	cfg.Image.SaveDir = t.TempDir()

	backend, err := NewPexels(cfg)
	require.NoError(t, err)
	backend.apiBase = api.URL

	path, err := backend.Generate(context.Background(), "sunset over mountains", 1, markdown.ImageAtmospheric, 0)
	require.NoError(t, err)
	assert.FileExists(t, path)
}

type stubBackend struct {
	path string
	err  error
}

func (s stubBackend) Generate(context.Context, string, int, markdown.ImageKind, int) (string, error) {
	return s.path, s.err
}

func TestManager_CoverGoesStraightToDefaultSource(t *testing.T) {
	m := NewManager(config.Default())
	m.Register("zhipu", stubBackend{path: "out/0_cover.png"})
	m.Register("unsplash", stubBackend{err: errors.New("should not be called")})

	result := m.GenerateWithFallback(context.Background(), "封面", 0, markdown.ImageCover, "normal")
	require.True(t, result.Success)
	assert.Equal(t, "zhipu", result.Source)
	assert.Len(t, result.Attempts, 1)
}

func TestManager_TechnicalPrefersMermaid(t *testing.T) {
	cfg := config.Default()
	m := NewManager(cfg)

	result := m.GenerateWithFallback(context.Background(), "数据库实体关系", 1, markdown.ImageConcept, "technical")
	require.True(t, result.Success)
	assert.Equal(t, "mermaid", result.Source)
	assert.True(t, mermaid.IsMarker(result.Path))
}

func TestManager_FallsBackThroughStockToAI(t *testing.T) {
	m := NewManager(config.Default())
	m.Register("unsplash", stubBackend{err: errors.New("unsplash down")})
	m.Register("pexels", stubBackend{err: errors.New("pexels down")})
	m.Register("zhipu", stubBackend{path: "out/2_section.png"})

	result := m.GenerateWithFallback(context.Background(), "一张风景照", 2, markdown.ImageSection, "normal")
	require.True(t, result.Success)
	assert.Equal(t, "zhipu", result.Source)
	require.Len(t, result.Attempts, 3)
	assert.Equal(t, "unsplash", result.Attempts[0].Source)
	assert.Error(t, result.Attempts[0].Err)
	assert.Equal(t, "pexels", result.Attempts[1].Source)
	assert.NoError(t, result.Attempts[2].Err)
}

func TestManager_AllBackendsFailing(t *testing.T) {
	m := NewManager(config.Default())
	down := stubBackend{err: errors.New("down")}
	m.Register("unsplash", down)
	m.Register("pexels", down)
	m.Register("zhipu", down)

	result := m.GenerateWithFallback(context.Background(), "风景", 0, markdown.ImageSection, "normal")
	assert.False(t, result.Success)
	assert.Len(t, result.Attempts, 3)
}

func TestManager_UnknownSource(t *testing.T) {
	m := NewManager(config.Default())
	_, err := m.Backend("midjourney")
	assert.Error(t, err)
}
