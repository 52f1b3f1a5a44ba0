package agents

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qa-toolchain/testflow/pkg/bus"
	"github.com/qa-toolchain/testflow/pkg/events"
)

func logMessage(kind bus.Kind, payload any) *bus.Message {
	return bus.NewMessage(bus.AgentIdentity{Type: TypeExecutor, Instance: "exec-1", Node: "node-a"},
		TypeLogger, kind, payload)
}

func TestLoggerPersistsAndMirrors(t *testing.T) {
	syslog := filepath.Join(t.TempDir(), "logs", "agent-syslog.jsonl")
	repo := &logRepo{}
	l := NewLogKeeper(repo, &fakeEvents{}, syslog, nil)
	require.NoError(t, l.OnInitialize(context.Background()))

	require.NoError(t, l.OnMessage(context.Background(), logMessage(bus.KindLogEntry, bus.LogEntry{
		Level:         "error",
		Message:       "runner exited with code 1",
		Context:       json.RawMessage(`{"executionId":"E"}`),
		Tags:          []string{"executor", "failure"},
		CorrelationID: "E",
	})))

	require.Len(t, repo.rows, 1)
	row := repo.rows[0]
	assert.Equal(t, "error", row.Level)
	assert.Equal(t, TypeExecutor, row.SourceType)
	assert.Equal(t, "exec-1", row.SourceInstance)
	assert.Equal(t, "node-a", row.SourceNode)
	assert.Equal(t, "E", row.CorrelationID)

	f, err := os.Open(syslog)
	require.NoError(t, err)
	defer f.Close()

	scanner := bufio.NewScanner(f)
	require.True(t, scanner.Scan(), "one JSONL line expected")
	var mirrored map[string]any
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &mirrored))
	assert.Equal(t, "runner exited with code 1", mirrored["message"])
	assert.False(t, scanner.Scan())
}

func TestLoggerSyslogFailureStillPersists(t *testing.T) {
	repo := &logRepo{}
	// Point the mirror at an uncreatable path; persistence must not care.
	l := NewLogKeeper(repo, &fakeEvents{}, string([]byte{0}), nil)

	require.NoError(t, l.OnMessage(context.Background(), logMessage(bus.KindLogEntry, bus.LogEntry{
		Level: "info", Message: "hello",
	})))
	assert.Len(t, repo.rows, 1)
}

func TestLoggerQueryPublishesCompletion(t *testing.T) {
	repo := &logRepo{}
	fe := &fakeEvents{}
	l := NewLogKeeper(repo, fe, "", nil)
	ctx := context.Background()

	require.NoError(t, l.OnMessage(ctx, logMessage(bus.KindLogEntry, bus.LogEntry{Level: "error", Message: "boom in executor"})))
	require.NoError(t, l.OnMessage(ctx, logMessage(bus.KindLogEntry, bus.LogEntry{Level: "info", Message: "all quiet"})))

	require.NoError(t, l.OnMessage(ctx, logMessage(bus.KindQueryLogs, bus.LogQuery{
		Level: "error",
		Query: "boom",
	})))

	completed := fe.ofType(events.TypeLogQueryComplete)
	require.Len(t, completed, 1)
	payload, ok := completed[0].Payload.(events.LogQueryCompletedPayload)
	require.True(t, ok)
	assert.Equal(t, 1, payload.Matched)
}
