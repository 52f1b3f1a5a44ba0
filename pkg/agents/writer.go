package agents

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/qa-toolchain/testflow/pkg/agent"
	"github.com/qa-toolchain/testflow/pkg/bus"
	"github.com/qa-toolchain/testflow/pkg/events"
	"github.com/qa-toolchain/testflow/pkg/generator"
	"github.com/qa-toolchain/testflow/pkg/store"
)

// Generator produces test artifacts. *generator.Client satisfies it.
type Generator interface {
	Generate(ctx context.Context, meta generator.Metadata) generator.Artifact
}

// Writer synthesizes test files from repository changes and kicks off a
// broad execution over the tests directory.
type Writer struct {
	identity  bus.AgentIdentity
	gen       Generator
	artifacts ArtifactRecorder
	bus       agent.Bus
	events    agent.EventPublisher
	testsDir  string
	log       *slog.Logger
}

// NewWriter builds the Writer agent.
func NewWriter(gen Generator, artifacts ArtifactRecorder, b agent.Bus, ev agent.EventPublisher, testsDir string, log *slog.Logger) *Writer {
	if log == nil {
		log = slog.Default()
	}
	return &Writer{
		identity:  bus.AgentIdentity{Type: TypeWriter},
		gen:       gen,
		artifacts: artifacts,
		bus:       b,
		events:    ev,
		testsDir:  testsDir,
		log:       log.With("agent", TypeWriter),
	}
}

func (w *Writer) Type() string { return TypeWriter }

func (w *Writer) OnInitialize(ctx context.Context) error {
	if err := os.MkdirAll(w.testsDir, 0o755); err != nil {
		return fmt.Errorf("failed to create tests directory: %w", err)
	}
	return nil
}

func (w *Writer) OnShutdown(ctx context.Context) error { return nil }

func (w *Writer) OnMessage(ctx context.Context, msg *bus.Message) error {
	if msg.Kind != bus.KindTestGenerationRequest {
		w.log.Warn("Ignoring unexpected message kind", "kind", msg.Kind)
		return nil
	}

	req, err := bus.DecodePayload[bus.GenerationRequest](msg)
	if err != nil {
		return err
	}

	artifact := w.gen.Generate(ctx, generator.Metadata{
		Repo:         req.Repo,
		Branch:       req.Branch,
		HeadCommit:   req.HeadCommit,
		ChangedFiles: req.ChangedFiles,
	})

	// Deterministic filename keyed on the commit, so a redelivered request
	// overwrites rather than duplicates.
	filePath := filepath.Join(w.testsDir, artifactFileName(req))
	if err := os.WriteFile(filePath, []byte(artifact.Content), 0o644); err != nil {
		return fmt.Errorf("failed to write test artifact: %w", err)
	}

	if err := w.artifacts.Create(ctx, &store.TestArtifact{
		ExecutionID: req.HeadCommit,
		Title:       artifact.Title,
		FilePath:    filepath.ToSlash(filePath),
		Content:     artifact.Content,
		Provider:    artifact.Provider,
	}); err != nil {
		return fmt.Errorf("failed to persist test artifact: %w", err)
	}

	w.events.Publish(ctx, events.TypeTestGenerated, TypeWriter, events.TestGeneratedPayload{
		Title:    artifact.Title,
		FilePath: filepath.ToSlash(filePath),
		Provider: artifact.Provider,
	})

	w.log.Info("Generated test artifact",
		"title", artifact.Title, "provider", artifact.Provider, "path", filePath)

	// Broad execution over the tests directory.
	next := bus.NewMessage(w.identity, TypeExecutor, bus.KindExecutionRequest, bus.ExecutionRequest{})
	if err := w.bus.Send(ctx, next); err != nil {
		return fmt.Errorf("failed to enqueue execution request: %w", err)
	}
	return nil
}

func artifactFileName(req bus.GenerationRequest) string {
	commit := req.HeadCommit
	if len(commit) > 8 {
		commit = commit[:8]
	}
	if commit == "" {
		commit = "manual"
	}
	repo := strings.ReplaceAll(req.Repo, "/", "-")
	if repo == "" {
		repo = "repo"
	}
	return fmt.Sprintf("generated-%s-%s.spec.ts", repo, commit)
}
