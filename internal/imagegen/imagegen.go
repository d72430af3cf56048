package imagegen

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"mdillust/internal/markdown"
)

// Backend produces one artifact reference for a slot. The reference is an
// opaque string: a local file path, a URL, or a diagram-source marker. The
// caller never inspects it beyond marker detection.
type Backend interface {
	Generate(ctx context.Context, prompt string, slot int, kind markdown.ImageKind, candidate int) (string, error)
}

var userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"

func newHTTPClient(timeoutSec int) *http.Client {
	if timeoutSec <= 0 {
		timeoutSec = 60
	}
	return &http.Client{Timeout: time.Duration(timeoutSec) * time.Second}
}

// artifactFilename names a downloaded artifact. Candidate ordinals above
// zero mark batch candidates with a fixed-width suffix.
func artifactFilename(saveDir string, slot int, kind markdown.ImageKind, candidate int, ext string) string {
	timestamp := time.Now().Format("20060102_150405")
	var name string
	if candidate > 0 {
		name = fmt.Sprintf("%d_%s_%s_%03d%s", slot, kind, timestamp, candidate, ext)
	} else {
		name = fmt.Sprintf("%d_%s_%s%s", slot, kind, timestamp, ext)
	}
	return filepath.Join(saveDir, name)
}

// download fetches an artifact URL to a local path. On download failure the
// remote URL itself is still a usable reference, so the caller decides
// whether to propagate the error.
func download(ctx context.Context, client *http.Client, url, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download %s: status %d", url, resp.StatusCode)
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.Copy(f, resp.Body)
	return err
}

// getJSON runs a request and decodes a JSON body, treating any non-200
// status as an error.
func getJSON(client *http.Client, req *http.Request, out any) error {
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: status %d", req.URL.Host, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", req.URL.Host, err)
	}
	return nil
}

// cleanPrompt flattens a multi-line prompt into one line and strips quote
// characters that upset generation APIs.
func cleanPrompt(prompt string) string {
	var parts []string
	for _, line := range strings.Split(strings.TrimSpace(prompt), "\n") {
		if l := strings.TrimSpace(line); l != "" {
			parts = append(parts, l)
		}
	}
	cleaned := strings.Join(parts, " ")
	cleaned = strings.ReplaceAll(cleaned, `"`, "")
	return strings.ReplaceAll(cleaned, "'", "")
}

// searchKeywords reduces a prompt to up to three search terms for the stock
// photo APIs.
func searchKeywords(prompt string) string {
	lowered := strings.ToLower(prompt)
	for _, prefix := range []string{"create a", "an illustration of", "diagram showing", "simple"} {
		lowered = strings.ReplaceAll(lowered, prefix, "")
	}

	stop := map[string]bool{
		"the": true, "a": true, "an": true, "for": true, "about": true,
		"with": true, "and": true, "or": true, "in": true, "on": true, "at": true,
	}

	var keywords []string
	for _, word := range strings.Fields(lowered) {
		word = strings.Trim(word, `.,;:!?"'`)
		if len([]rune(word)) > 2 && !stop[word] {
			keywords = append(keywords, word)
			if len(keywords) >= 3 {
				break
			}
		}
	}
	return strings.Join(keywords, " ")
}

func truncateForLog(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
