package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// H2Mode is the tri-state h2_after rule: headings at level 2 can always get
// an image, never get one, or be decided by the following content length.
type H2Mode string

const (
	H2Always H2Mode = "true"
	H2Never  H2Mode = "false"
	H2Smart  H2Mode = "smart"
)

// UnmarshalYAML accepts both booleans and the string "smart".
func (m *H2Mode) UnmarshalYAML(value *yaml.Node) error {
	var b bool
	if err := value.Decode(&b); err == nil {
		if b {
			*m = H2Always
		} else {
			*m = H2Never
		}
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	switch H2Mode(s) {
	case H2Always, H2Never, H2Smart:
		*m = H2Mode(s)
		return nil
	}
	return fmt.Errorf("invalid h2_after value: %q", s)
}

type Rules struct {
	H1After                bool   `yaml:"h1_after"`
	H2After                H2Mode `yaml:"h2_after"`
	LongParagraphThreshold int    `yaml:"long_paragraph_threshold"`
	MinGapBetweenImages    int    `yaml:"min_gap_between_images"`
	MaxImagesPerArticle    int    `yaml:"max_images_per_article"`
}

type ABVariation struct {
	Name         string `yaml:"name"`
	Description  string `yaml:"description"`
	PromptSuffix string `yaml:"prompt_suffix"`
}

type ABTest struct {
	Enabled    bool          `yaml:"enabled"`
	TestSize   int           `yaml:"test_size"`
	Variations []ABVariation `yaml:"variations"`
}

type API struct {
	APIKey     string `yaml:"api_key"`
	Model      string `yaml:"model"`
	BaseURL    string `yaml:"base_url"`
	TimeoutSec int    `yaml:"timeout"`
	MaxRetries int    `yaml:"max_retries"`
}

type LLM struct {
	Enabled   bool   `yaml:"enabled"`
	Provider  string `yaml:"provider"`
	Model     string `yaml:"model"`
	APIKey    string `yaml:"api_key"`
	MaxTokens int    `yaml:"max_tokens"`
}

type Image struct {
	Size    string `yaml:"size"`
	SaveDir string `yaml:"save_dir"`
}

type Output struct {
	AddImageCaption bool   `yaml:"add_image_caption"`
	CaptionFormat   string `yaml:"caption_format"`
	KeepOriginal    bool   `yaml:"keep_original"`
	OriginalSuffix  string `yaml:"original_suffix"`
}

type StockSource struct {
	AccessKey string `yaml:"access_key"`
}

type Web struct {
	Port       int    `yaml:"port"`
	DBPath     string `yaml:"db_path"`
	DailyQuota int    `yaml:"daily_quota"`
	SessionTTL int    `yaml:"session_ttl_hours"`
}

// Config is the full settings tree. Prompt templates are keyed first by image
// source ("zhipu", "mermaid", "default", ...) and then by image kind.
type Config struct {
	ImageSource string                       `yaml:"image_source"`
	Rules       Rules                        `yaml:"rules"`
	Prompts     map[string]map[string]string `yaml:"prompts"`
	ABTest      ABTest                       `yaml:"ab_test"`
	API         API                          `yaml:"api"`
	LLM         LLM                          `yaml:"llm"`
	Image       Image                        `yaml:"image"`
	Output      Output                       `yaml:"output"`
	Unsplash    StockSource                  `yaml:"unsplash"`
	Pexels      StockSource                  `yaml:"pexels"`
	Dalle       API                          `yaml:"dalle"`
	Doubao      API                          `yaml:"doubao"`
	Web         Web                          `yaml:"web"`
	Mermaid     struct {
		DefaultDiagramType string `yaml:"default_diagram_type"`
	} `yaml:"mermaid"`
}

// Default returns the configuration used when no config file is present.
// Every rule key has a documented default so a missing key is never an error.
func Default() *Config {
	cfg := &Config{
		ImageSource: "zhipu",
		Rules: Rules{
			H1After:                true,
			H2After:                H2Smart,
			LongParagraphThreshold: 150,
			MinGapBetweenImages:    3,
			MaxImagesPerArticle:    10,
		},
		API: API{
			Model:      "cogview-4",
			BaseURL:    "https://open.bigmodel.cn/api/paas/v4/images/generations",
			TimeoutSec: 60,
			MaxRetries: 3,
		},
		LLM: LLM{
			Enabled:   false,
			Provider:  "gemini",
			Model:     "gemini-2.0-flash",
			MaxTokens: 300,
		},
		Image: Image{
			Size:    "1024x1024",
			SaveDir: "output/images",
		},
		Output: Output{
			AddImageCaption: true,
			CaptionFormat:   "*{description}*",
			KeepOriginal:    true,
			OriginalSuffix:  ".original.md",
		},
		Web: Web{
			Port:       5000,
			DBPath:     "mdillust.db",
			DailyQuota: 20,
			SessionTTL: 24,
		},
	}
	cfg.Mermaid.DefaultDiagramType = "flowchart"
	return cfg
}

// LoadConfig reads the yaml settings file and applies environment overrides.
// A missing file yields the defaults rather than an error.
func LoadConfig(path string) (*Config, error) {
	// Pick up .env if present; ignored when absent.
	_ = godotenv.Load()

	cfg := Default()

	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	applyEnv(cfg)
	normalize(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("MDILLUST_API_KEY"); v != "" {
		cfg.API.APIKey = v
	}
	if v := os.Getenv("MDILLUST_LLM_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("MDILLUST_IMAGE_SOURCE"); v != "" {
		cfg.ImageSource = v
	}
	if v := os.Getenv("UNSPLASH_ACCESS_KEY"); v != "" {
		cfg.Unsplash.AccessKey = v
	}
	if v := os.Getenv("PEXELS_API_KEY"); v != "" {
		cfg.Pexels.AccessKey = v
	}
	if v := os.Getenv("ARK_API_KEY"); v != "" {
		cfg.Doubao.APIKey = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" && cfg.Dalle.APIKey == "" {
		cfg.Dalle.APIKey = v
	}
}

func normalize(cfg *Config) {
	if cfg.Rules.H2After == "" {
		cfg.Rules.H2After = H2Smart
	}
	if cfg.Rules.LongParagraphThreshold <= 0 {
		cfg.Rules.LongParagraphThreshold = 150
	}
	if cfg.Rules.MinGapBetweenImages <= 0 {
		cfg.Rules.MinGapBetweenImages = 3
	}
	if cfg.Rules.MaxImagesPerArticle <= 0 {
		cfg.Rules.MaxImagesPerArticle = 10
	}
	if cfg.ABTest.TestSize <= 0 {
		cfg.ABTest.TestSize = 2
	}
	if cfg.ImageSource == "" {
		cfg.ImageSource = "zhipu"
	}
}
