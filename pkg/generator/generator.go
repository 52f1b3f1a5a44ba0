// Package generator calls the external test-generation service and falls
// back to a deterministic artifact when the service is unconfigured or
// unavailable.
package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"
)

// Artifact providers.
const (
	ProviderModel    = "model"
	ProviderFallback = "fallback"
)

// Metadata describes the repo change a test should cover.
type Metadata struct {
	Repo         string   `json:"repo"`
	Branch       string   `json:"branch"`
	HeadCommit   string   `json:"headCommit"`
	ChangedFiles []string `json:"changedFiles"`
}

// Artifact is a generated test file. Content is opaque text to the core.
type Artifact struct {
	Title    string          `json:"title"`
	Content  string          `json:"content"`
	Provider string          `json:"provider"`
	Usage    json.RawMessage `json:"usage,omitempty"`
}

// Config holds the generation service endpoint.
type Config struct {
	// URL is the generation endpoint. Empty means unconfigured; Generate
	// then always produces the fallback artifact.
	URL    string
	APIKey string

	Timeout time.Duration
}

// DefaultConfig returns an unconfigured client with a 30s call timeout.
func DefaultConfig() Config {
	return Config{Timeout: 30 * time.Second}
}

// Client generates test artifacts.
type Client struct {
	cfg  Config
	http *http.Client
	log  *slog.Logger
}

// NewClient builds a generator client.
func NewClient(cfg Config, log *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  log.With("component", "generator"),
	}
}

// Generate produces a test artifact for the change described by meta. It
// never returns an error for service problems: any failure degrades to the
// deterministic fallback artifact with Provider set to "fallback".
func (c *Client) Generate(ctx context.Context, meta Metadata) Artifact {
	if c.cfg.URL == "" {
		return Fallback(meta)
	}

	artifact, err := c.callService(ctx, meta)
	if err != nil {
		c.log.Warn("generation service unavailable, using fallback",
			"repo", meta.Repo, "error", err)
		return Fallback(meta)
	}
	artifact.Provider = ProviderModel
	return artifact
}

func (c *Client) callService(ctx context.Context, meta Metadata) (Artifact, error) {
	body, err := json.Marshal(meta)
	if err != nil {
		return Artifact{}, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return Artifact{}, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Artifact{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Artifact{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var artifact Artifact
	if err := json.NewDecoder(resp.Body).Decode(&artifact); err != nil {
		return Artifact{}, fmt.Errorf("failed to decode response: %w", err)
	}
	if artifact.Content == "" {
		return Artifact{}, fmt.Errorf("empty artifact content")
	}
	return artifact, nil
}

// Fallback builds the deterministic artifact for meta. The same metadata
// always yields the same artifact, so retried generation requests are
// effect-idempotent.
func Fallback(meta Metadata) Artifact {
	title := fmt.Sprintf("smoke: %s@%s", meta.Repo, shortCommit(meta.HeadCommit))

	files := append([]string(nil), meta.ChangedFiles...)
	sort.Strings(files)

	var b strings.Builder
	fmt.Fprintf(&b, "import { test, expect } from '@playwright/test';\n\n")
	fmt.Fprintf(&b, "// Generated for %s (%s)\n", meta.Repo, shortCommit(meta.HeadCommit))
	for _, f := range files {
		fmt.Fprintf(&b, "// changed: %s\n", f)
	}
	fmt.Fprintf(&b, "\ntest('%s', async ({ page }) => {\n", title)
	fmt.Fprintf(&b, "  await page.goto('/');\n")
	fmt.Fprintf(&b, "  await expect(page.getByRole('banner')).toBeVisible();\n")
	fmt.Fprintf(&b, "});\n")

	return Artifact{
		Title:    title,
		Content:  b.String(),
		Provider: ProviderFallback,
	}
}

func shortCommit(commit string) string {
	if len(commit) > 8 {
		return commit[:8]
	}
	if commit == "" {
		return "unknown"
	}
	return commit
}
