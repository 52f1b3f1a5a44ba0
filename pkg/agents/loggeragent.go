package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/qa-toolchain/testflow/pkg/agent"
	"github.com/qa-toolchain/testflow/pkg/bus"
	"github.com/qa-toolchain/testflow/pkg/events"
	"github.com/qa-toolchain/testflow/pkg/store"
)

// LogKeeper persists structured log rows and mirrors them to a JSONL
// syslog file. The file append is best-effort and never fails a message.
type LogKeeper struct {
	identity   bus.AgentIdentity
	logs       LogRepository
	events     agent.EventPublisher
	syslogPath string
	log        *slog.Logger
}

// NewLogKeeper builds the Logger agent. An empty syslogPath disables the
// file mirror.
func NewLogKeeper(logs LogRepository, ev agent.EventPublisher, syslogPath string, log *slog.Logger) *LogKeeper {
	if log == nil {
		log = slog.Default()
	}
	return &LogKeeper{
		identity:   bus.AgentIdentity{Type: TypeLogger},
		logs:       logs,
		events:     ev,
		syslogPath: syslogPath,
		log:        log.With("agent", TypeLogger),
	}
}

func (l *LogKeeper) Type() string { return TypeLogger }

func (l *LogKeeper) OnInitialize(ctx context.Context) error {
	if l.syslogPath == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(l.syslogPath), 0o755); err != nil {
		return fmt.Errorf("failed to create syslog directory: %w", err)
	}
	return nil
}

func (l *LogKeeper) OnShutdown(ctx context.Context) error { return nil }

func (l *LogKeeper) OnMessage(ctx context.Context, msg *bus.Message) error {
	switch msg.Kind {
	case bus.KindLogEntry:
		req, err := bus.DecodePayload[bus.LogEntry](msg)
		if err != nil {
			return err
		}
		return l.onEntry(ctx, msg, req)

	case bus.KindQueryLogs:
		req, err := bus.DecodePayload[bus.LogQuery](msg)
		if err != nil {
			return err
		}
		return l.onQuery(ctx, req)

	default:
		l.log.Warn("Ignoring unexpected message kind", "kind", msg.Kind)
		return nil
	}
}

func (l *LogKeeper) onEntry(ctx context.Context, msg *bus.Message, entry bus.LogEntry) error {
	record := &store.LogRecord{
		LoggedAt:       msg.Timestamp,
		Level:          entry.Level,
		Message:        entry.Message,
		Context:        entry.Context,
		SourceType:     msg.Source.Type,
		SourceInstance: msg.Source.Instance,
		SourceNode:     msg.Source.Node,
		Tags:           entry.Tags,
		CorrelationID:  entry.CorrelationID,
	}
	if record.LoggedAt.IsZero() {
		record.LoggedAt = time.Now().UTC()
	}
	if err := l.logs.Create(ctx, record); err != nil {
		return err
	}

	l.appendSyslog(record)
	return nil
}

// appendSyslog mirrors the record to the JSONL syslog file. Failures are
// logged and swallowed so the message is still acknowledged.
func (l *LogKeeper) appendSyslog(record *store.LogRecord) {
	if l.syslogPath == "" {
		return
	}
	line, err := json.Marshal(record)
	if err != nil {
		l.log.Warn("Failed to encode syslog line", "error", err)
		return
	}

	f, err := os.OpenFile(l.syslogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		l.log.Warn("Failed to open syslog file", "path", l.syslogPath, "error", err)
		return
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		l.log.Warn("Failed to append syslog line", "path", l.syslogPath, "error", err)
	}
}

func (l *LogKeeper) onQuery(ctx context.Context, q bus.LogQuery) error {
	rows, err := l.logs.Search(ctx, store.LogQuery{
		Level: q.Level,
		Query: q.Query,
		Limit: q.Limit,
	})
	if err != nil {
		return fmt.Errorf("failed to query logs: %w", err)
	}

	l.events.Publish(ctx, events.TypeLogQueryComplete, TypeLogger, events.LogQueryCompletedPayload{
		Matched: len(rows),
	})
	return nil
}
