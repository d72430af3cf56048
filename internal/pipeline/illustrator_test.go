package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mdillust/internal/config"
	"mdillust/internal/markdown"
)

type stubBackend struct {
	calls int
	fail  bool
}

func (s *stubBackend) Generate(ctx context.Context, prompt string, slot int, kind markdown.ImageKind, candidate int) (string, error) {
	s.calls++
	if s.fail {
		return "", fmt.Errorf("backend down")
	}
	return fmt.Sprintf("output/images/%d_%s_%d.png", slot, kind, candidate), nil
}

func writeInput(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "article.md")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func newIllustrator(t *testing.T, stub *stubBackend) *Illustrator {
	t.Helper()
	cfg := config.Default()
	cfg.Output.KeepOriginal = false
	il := New(cfg, nil)
	for _, source := range []string{"zhipu", "unsplash", "pexels", "mermaid"} {
		il.Manager().Register(source, stub)
	}
	return il
}

func TestIllustrate_EndToEnd(t *testing.T) {
	stub := &stubBackend{}
	il := newIllustrator(t, stub)
	input := writeInput(t, "# 深入理解并发\n\n这是正文段落。\n")

	result, err := il.Illustrate(context.Background(), Options{
		InputPath:       input,
		ImageSource:     "zhipu",
		RegenerateIndex: -1,
	})
	require.NoError(t, err)

	assert.Equal(t, 1, result.ImagesGenerated)
	assert.Equal(t, input, result.OutputPath)
	require.Len(t, result.Decisions, 1)
	assert.Equal(t, markdown.ImageCover, result.Decisions[0].ImageKind)

	out, err := os.ReadFile(input)
	require.NoError(t, err)
	assert.Contains(t, string(out), "![封面图 - 深入理解并发](")
}

func TestIllustrate_OutputPathLeavesInputUntouched(t *testing.T) {
	stub := &stubBackend{}
	il := newIllustrator(t, stub)
	source := "# 标题\n\n正文。\n"
	input := writeInput(t, source)
	output := filepath.Join(filepath.Dir(input), "illustrated.md")

	_, err := il.Illustrate(context.Background(), Options{
		InputPath:       input,
		OutputPath:      output,
		ImageSource:     "zhipu",
		RegenerateIndex: -1,
	})
	require.NoError(t, err)

	in, err := os.ReadFile(input)
	require.NoError(t, err)
	assert.Equal(t, source, string(in))

	out, err := os.ReadFile(output)
	require.NoError(t, err)
	assert.Contains(t, string(out), "![封面图")
}

func TestIllustrate_DryRunGeneratesNothing(t *testing.T) {
	stub := &stubBackend{}
	il := newIllustrator(t, stub)
	input := writeInput(t, "# 标题\n\n正文。\n")

	result, err := il.Illustrate(context.Background(), Options{
		InputPath:       input,
		ImageSource:     "zhipu",
		DryRun:          true,
		RegenerateIndex: -1,
	})
	require.NoError(t, err)

	assert.Zero(t, result.ImagesGenerated)
	assert.Zero(t, stub.calls)

	out, err := os.ReadFile(input)
	require.NoError(t, err)
	assert.NotContains(t, string(out), "![")
}

func TestIllustrate_NoDecisions(t *testing.T) {
	stub := &stubBackend{}
	il := newIllustrator(t, stub)
	input := writeInput(t, "短。\n")

	// H1After off and nothing else qualifies.
	il.cfg.Rules.H1After = false

	result, err := il.Illustrate(context.Background(), Options{
		InputPath:       input,
		ImageSource:     "zhipu",
		RegenerateIndex: -1,
	})
	require.NoError(t, err)
	assert.Equal(t, "不需要配图", result.Message)
	assert.Zero(t, stub.calls)
}

func TestIllustrate_BatchEmitsCandidateBlock(t *testing.T) {
	stub := &stubBackend{}
	il := newIllustrator(t, stub)
	input := writeInput(t, "# 标题\n\n正文。\n")

	result, err := il.Illustrate(context.Background(), Options{
		InputPath:       input,
		ImageSource:     "zhipu",
		Batch:           3,
		RegenerateIndex: -1,
	})
	require.NoError(t, err)

	assert.Equal(t, 3, result.ImagesGenerated)
	assert.Equal(t, 3, stub.calls)

	out, err := os.ReadFile(input)
	require.NoError(t, err)
	assert.Contains(t, string(out), "<!-- 候选图：从3张中选择第1张 -->")
	assert.Contains(t, string(out), "⭐")
}

func TestIllustrate_FailedBackendEmitsSentinel(t *testing.T) {
	stub := &stubBackend{fail: true}
	il := newIllustrator(t, stub)
	input := writeInput(t, "# 标题\n\n正文。\n")

	result, err := il.Illustrate(context.Background(), Options{
		InputPath:       input,
		ImageSource:     "zhipu",
		Batch:           2,
		RegenerateIndex: -1,
	})
	require.NoError(t, err)

	assert.Zero(t, result.ImagesGenerated)

	out, err := os.ReadFile(input)
	require.NoError(t, err)
	assert.Contains(t, string(out), "<!-- 所有候选图生成失败 -->")
}

func TestIllustrate_RegenerateFailedOnlyTouchesFailedSlots(t *testing.T) {
	stub := &stubBackend{}
	il := newIllustrator(t, stub)

	previous := "# 深入理解并发\n\n" +
		"<!-- 候选1: ![封面图 - 深入理解并发](dead.png) -->\n" +
		"<!-- 所有候选图生成失败 -->\n\n" +
		strings.Repeat("字", 200) + "\n\n" +
		"![氛围插图 - 字字字](output/images/1_atmospheric_old.png)\n"
	input := writeInput(t, previous)

	result, err := il.Illustrate(context.Background(), Options{
		InputPath:        input,
		ImageSource:      "zhipu",
		RegenerateIndex:  -1,
		RegenerateFailed: true,
	})
	require.NoError(t, err)

	require.NotNil(t, result.Plan)
	assert.Len(t, result.Plan.Regenerate, 1)
	assert.Len(t, result.Plan.Keep, 1)
	assert.Equal(t, 1, stub.calls)

	// The kept slot's existing path is re-inserted, the failed slot gets a
	// fresh artifact from the stub.
	out, err := os.ReadFile(input)
	require.NoError(t, err)
	assert.Contains(t, string(out), "output/images/1_atmospheric_old.png")
	assert.Contains(t, string(out), "![封面图 - 深入理解并发](output/images/0_cover_0.png)")
}

func TestIllustrate_RegenerateNothingToDo(t *testing.T) {
	stub := &stubBackend{}
	il := newIllustrator(t, stub)

	previous := "# 深入理解并发\n\n" +
		"![封面图 - 深入理解并发](output/images/0_cover_old.png)\n\n" +
		"正文段落。\n"
	input := writeInput(t, previous)

	result, err := il.Illustrate(context.Background(), Options{
		InputPath:        input,
		ImageSource:      "zhipu",
		RegenerateIndex:  -1,
		RegenerateFailed: true,
	})
	require.NoError(t, err)

	assert.Equal(t, "没有需要重新生成的图片", result.Message)
	assert.Zero(t, stub.calls)

	// The input file is left as it was.
	out, err := os.ReadFile(input)
	require.NoError(t, err)
	assert.Equal(t, previous, string(out))
}

func TestIllustrate_MissingInputFile(t *testing.T) {
	il := newIllustrator(t, &stubBackend{})

	_, err := il.Illustrate(context.Background(), Options{
		InputPath:       filepath.Join(t.TempDir(), "missing.md"),
		RegenerateIndex: -1,
	})
	assert.Error(t, err)
}
