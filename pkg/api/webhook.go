package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/qa-toolchain/testflow/pkg/bus"
)

const signatureHeader = "X-Hub-Signature-256"

// uiExtensions is the heuristic for "this push touched the UI": only pushes
// changing at least one of these file types trigger test generation.
var uiExtensions = map[string]struct{}{
	".html": {}, ".css": {}, ".js": {}, ".jsx": {},
	".ts": {}, ".tsx": {}, ".vue": {}, ".svelte": {},
}

// pushPayload is the subset of the GitHub push event the webhook reads.
type pushPayload struct {
	Ref        string `json:"ref"`
	Compare    string `json:"compare"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
	HeadCommit struct {
		ID string `json:"id"`
	} `json:"head_commit"`
	Commits []struct {
		Added    []string `json:"added"`
		Modified []string `json:"modified"`
		Removed  []string `json:"removed"`
	} `json:"commits"`
}

// handleWebhook validates the HMAC signature, extracts changed files from
// the push payload, and enqueues a TEST_GENERATION_REQUEST when the change
// looks UI-related.
func (s *Server) handleWebhook(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}

	if !s.verifySignature(body, c.GetHeader(signatureHeader)) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}

	var push pushPayload
	if err := json.Unmarshal(body, &push); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	changed := changedFiles(push)
	if !uiChanged(changed) {
		c.JSON(http.StatusOK, gin.H{"status": "ignored", "reason": "no UI changes"})
		return
	}

	msg := bus.NewMessage(bus.AgentIdentity{Type: "api"}, "writer",
		bus.KindTestGenerationRequest, bus.GenerationRequest{
			Repo:         push.Repository.FullName,
			Branch:       strings.TrimPrefix(push.Ref, "refs/heads/"),
			HeadCommit:   push.HeadCommit.ID,
			ChangedFiles: changed,
			CompareURL:   push.Compare,
		}).WithIdempotencyKey("webhook:" + push.Repository.FullName + ":" + push.HeadCommit.ID)

	if err := s.bus.Send(c.Request.Context(), msg); err != nil {
		s.log.Error("Failed to enqueue generation request", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "bus unavailable"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"status":       "queued",
		"messageId":    msg.ID,
		"changedFiles": len(changed),
	})
}

// verifySignature checks the GitHub HMAC-SHA256 signature. An empty
// configured secret rejects everything.
func (s *Server) verifySignature(body []byte, header string) bool {
	if s.cfg.WebhookSecret == "" {
		return false
	}
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}

	mac := hmac.New(sha256.New, []byte(s.cfg.WebhookSecret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(sig), []byte(want))
}

// changedFiles flattens added/modified/removed across commits, deduped with
// order preserved.
func changedFiles(push pushPayload) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(files []string) {
		for _, f := range files {
			if _, dup := seen[f]; dup {
				continue
			}
			seen[f] = struct{}{}
			out = append(out, f)
		}
	}
	for _, commit := range push.Commits {
		add(commit.Added)
		add(commit.Modified)
		add(commit.Removed)
	}
	return out
}

func uiChanged(files []string) bool {
	for _, f := range files {
		if _, ok := uiExtensions[strings.ToLower(path.Ext(f))]; ok {
			return true
		}
	}
	return false
}
