package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"

	"mdillust/internal/config"
	"mdillust/internal/llm"
	"mdillust/internal/pipeline"
	"mdillust/internal/regen"
	"mdillust/internal/storage"
	"mdillust/internal/web"

	"github.com/spf13/cobra"
)

var (
	rootCmd = &cobra.Command{
		Use:   "mdillust",
		Short: "Markdown 自动配图系统",
	}
	configPath string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config/settings.yaml", "Path to the yaml settings file")

	rootCmd.AddCommand(illustrateCmd)
	rootCmd.AddCommand(regenerateCmd)
	rootCmd.AddCommand(serveCmd)

	illustrateCmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output file path (default: overwrite the input)")
	illustrateCmd.Flags().StringVar(&imageSource, "source", "", "Image source (auto, zhipu, dalle, doubao, flux, gemini, unsplash, pexels, mermaid)")
	illustrateCmd.Flags().IntVar(&batchCount, "batch-count", 1, "Generate N candidate images per slot")
	illustrateCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Analyze only, skip image generation")
	illustrateCmd.Flags().BoolVar(&debugMode, "debug", false, "Print full prompts")
	illustrateCmd.Flags().IntVar(&regenIndex, "regenerate-index", -1, "Regenerate only the slot with this ordinal (0-based)")
	illustrateCmd.Flags().StringVar(&regenKind, "regenerate-type", "", "Regenerate all slots of this type (cover/section/concept/atmospheric)")
	illustrateCmd.Flags().BoolVar(&regenFailed, "regenerate-failed", false, "Regenerate only slots whose generation failed")

	regenerateCmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output file path (default: overwrite the input)")
	regenerateCmd.Flags().StringVar(&imageSource, "source", "", "Image source for the regenerated slots")
	regenerateCmd.Flags().IntVar(&regenIndex, "index", -1, "Regenerate only the slot with this ordinal (0-based)")
	regenerateCmd.Flags().StringVar(&regenKind, "type", "", "Regenerate all slots of this type (cover/section/concept/atmospheric)")
	regenerateCmd.Flags().BoolVar(&regenFailed, "failed", false, "Regenerate only slots whose generation failed")
	regenerateCmd.Flags().StringVar(&planOut, "plan", "", "Write the reconciliation plan as JSON to this path")
	regenerateCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Reconcile only, skip image generation")

	serveCmd.Flags().IntVar(&servePort, "port", 0, "Server port (default: from config)")
}

var (
	outputPath  string
	imageSource string
	batchCount  int
	dryRun      bool
	debugMode   bool
	regenIndex  int
	regenKind   string
	regenFailed bool
	planOut     string
	servePort   int
)

// initIllustrator loads the config and wires the pipeline, attaching the
// Gemini client when LLM support is configured.
func initIllustrator(ctx context.Context) (*config.Config, *pipeline.Illustrator, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	var client llm.Client
	if cfg.LLM.Enabled && cfg.LLM.APIKey != "" {
		gemini, err := llm.NewGeminiClient(ctx, cfg.LLM.APIKey, cfg.LLM.Model)
		if err != nil {
			log.Printf("Warning: LLM client unavailable, using rule-based prompts: %v", err)
		} else {
			client = gemini
		}
	}

	return cfg, pipeline.New(cfg, client), nil
}

var illustrateCmd = &cobra.Command{
	Use:   "illustrate <file>",
	Short: "Analyze a Markdown file and insert generated images",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()

		_, il, err := initIllustrator(ctx)
		if err != nil {
			log.Fatalf("%v", err)
		}

		result, err := il.Illustrate(ctx, pipeline.Options{
			InputPath:        args[0],
			OutputPath:       outputPath,
			ImageSource:      imageSource,
			Batch:            batchCount,
			DryRun:           dryRun,
			Debug:            debugMode,
			RegenerateIndex:  regenIndex,
			RegenerateKind:   regenKind,
			RegenerateFailed: regenFailed,
		})
		if err != nil {
			log.Fatalf("配图失败: %v", err)
		}

		fmt.Printf("✓ 成功！共生成 %d 张图片\n", result.ImagesGenerated)
		fmt.Printf("✓ 输出文件: %s\n", result.OutputPath)
	},
}

var regenerateCmd = &cobra.Command{
	Use:   "regenerate <file>",
	Short: "Recover existing images from a previously illustrated file and regenerate selected slots",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()

		if regenIndex < 0 && regenKind == "" && !regenFailed {
			log.Fatal("nothing selected: pass --index, --type or --failed")
		}

		_, il, err := initIllustrator(ctx)
		if err != nil {
			log.Fatalf("%v", err)
		}

		result, err := il.Illustrate(ctx, pipeline.Options{
			InputPath:        args[0],
			OutputPath:       outputPath,
			ImageSource:      imageSource,
			DryRun:           dryRun,
			RegenerateIndex:  regenIndex,
			RegenerateKind:   regenKind,
			RegenerateFailed: regenFailed,
		})
		if err != nil {
			log.Fatalf("配图失败: %v", err)
		}

		if planOut != "" && result.Plan != nil {
			data, err := regen.ExportJSON(*result.Plan)
			if err != nil {
				log.Fatalf("Failed to export plan: %v", err)
			}
			if err := os.WriteFile(planOut, data, 0o644); err != nil {
				log.Fatalf("Failed to write plan: %v", err)
			}
			fmt.Printf("✓ 增量计划已保存到: %s\n", planOut)
		}

		fmt.Printf("✓ 成功！共生成 %d 张图片\n", result.ImagesGenerated)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the multi-user web image selector",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()

		cfg, il, err := initIllustrator(ctx)
		if err != nil {
			log.Fatalf("%v", err)
		}

		store, err := storage.New(cfg.Web.DBPath)
		if err != nil {
			log.Fatalf("Failed to open database: %v", err)
		}
		defer store.Close()

		srv, err := web.NewServer(cfg, store, il)
		if err != nil {
			log.Fatalf("Failed to start server: %v", err)
		}
		srv.StartSweeper(ctx)

		port := servePort
		if port == 0 {
			port = cfg.Web.Port
		}

		fmt.Println("Markdown Illustrator - 多用户服务器")
		fmt.Printf("访问: http://localhost:%d\n", port)
		fmt.Println("默认账户: admin / admin123")
		fmt.Println("按 Ctrl+C 停止服务器")

		if err := http.ListenAndServe(fmt.Sprintf(":%d", port), srv); err != nil {
			log.Fatalf("Server error: %v", err)
		}
	},
}
