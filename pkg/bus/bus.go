package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/qa-toolchain/testflow/pkg/metrics"
)

// ErrBusUnavailable indicates the backing store could not be reached.
// Callers should treat it as transient.
var ErrBusUnavailable = errors.New("bus unavailable")

const (
	processingPrefix = "processing:"
	attemptsPrefix   = "attempts:"
	idemPrefix       = "idem:"
	auditKey         = "audit:agent-comm"

	leaseTTL      = 10 * time.Minute
	attemptsTTL   = time.Hour
	idempotentTTL = time.Hour
	auditMaxLen   = 1000
)

// Config controls queue naming and retry policy.
type Config struct {
	QueueDefault  string
	QueueHigh     string
	QueueCritical string
	QueueDead     string

	// MaxRetries is the number of redeliveries before dead-lettering.
	MaxRetries int
}

// DefaultConfig returns the built-in bus defaults.
func DefaultConfig() Config {
	return Config{
		QueueDefault:  "queue:messages",
		QueueHigh:     "queue:messages:high",
		QueueCritical: "queue:messages:critical",
		QueueDead:     "queue:messages:dead",
		MaxRetries:    3,
	}
}

// Bus is the Redis-backed priority message bus.
//
// Delivery semantics are at-least-once: a popped message is covered by a
// processing lease (10 min TTL) until acknowledged; failed messages are
// requeued until MaxRetries, then dead-lettered.
type Bus struct {
	rdb     *redis.Client
	cfg     Config
	metrics *metrics.Metrics
	log     *slog.Logger
}

// New creates a bus on top of an existing Redis client.
func New(rdb *redis.Client, cfg Config, m *metrics.Metrics) *Bus {
	return &Bus{
		rdb:     rdb,
		cfg:     cfg,
		metrics: m,
		log:     slog.With("component", "bus"),
	}
}

// Stats reports the current queue depths.
type Stats struct {
	Default  int64 `json:"default"`
	High     int64 `json:"high"`
	Critical int64 `json:"critical"`
	Dead     int64 `json:"dead"`
}

// AuditEntry is one record in the bounded audit log.
type AuditEntry struct {
	Type      string `json:"type"` // send, consume, ack, retry, dlq
	TS        int64  `json:"ts"`   // ms since epoch
	MessageID string `json:"messageId"`
	Queue     string `json:"queue,omitempty"`
	Attempts  int64  `json:"attempts,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// lease is the opaque claim blob stored under processing:<id>.
type lease struct {
	MessageID string `json:"messageId"`
	Queue     string `json:"queue"`
	ClaimedAt int64  `json:"claimedAt"`
}

// deadLetter wraps an undecodable payload routed straight to the DLQ.
type deadLetter struct {
	Reason   string `json:"reason"`
	Raw      string `json:"raw"`
	FailedAt int64  `json:"failedAt"`
}

// queueFor maps a priority to its backing queue key. Unknown priorities
// fall through to the default queue.
func (b *Bus) queueFor(p Priority) string {
	switch p {
	case PriorityCritical:
		return b.cfg.QueueCritical
	case PriorityHigh:
		return b.cfg.QueueHigh
	default:
		return b.cfg.QueueDefault
	}
}

// Send enqueues a message onto the queue matching its priority.
//
// When the message carries an idempotency key and a marker for that key is
// already present, the message is dropped silently (nil error).
func (b *Bus) Send(ctx context.Context, msg *Message) error {
	if msg.Priority == "" {
		msg.Priority = PriorityNormal
	}
	if msg.IdempotencyKey != "" {
		ok, err := b.rdb.SetNX(ctx, idemPrefix+msg.IdempotencyKey, msg.ID, idempotentTTL).Result()
		if err != nil {
			return fmt.Errorf("%w: idempotency marker: %v", ErrBusUnavailable, err)
		}
		if !ok {
			b.metrics.IncDeduped()
			b.log.Debug("Dropping duplicate send",
				"message_id", msg.ID, "idempotency_key", msg.IdempotencyKey)
			return nil
		}
	}

	queue := b.queueFor(msg.Priority)
	msg.EnqueuedAt = time.Now().UnixMilli()

	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling message %s: %w", msg.ID, err)
	}
	if err := b.rdb.RPush(ctx, queue, raw).Err(); err != nil {
		return fmt.Errorf("%w: push to %s: %v", ErrBusUnavailable, queue, err)
	}

	b.audit(ctx, AuditEntry{Type: "send", MessageID: msg.ID, Queue: queue})
	b.metrics.IncEnqueued(queue)
	return nil
}

// ConsumeNext pops the next message in strict priority order
// [critical, high, default], blocking up to timeout. A nil message with a
// nil error means the timeout elapsed with nothing to deliver.
//
// On delivery the bus creates the processing lease, increments the attempt
// counter, and stamps Queue and Attempt on the returned message.
func (b *Bus) ConsumeNext(ctx context.Context, timeout time.Duration) (*Message, error) {
	deadline := time.Now().Add(timeout)
	keys := []string{b.cfg.QueueCritical, b.cfg.QueueHigh, b.cfg.QueueDefault}

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}

		res, err := b.rdb.BLPop(ctx, remaining, keys...).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return nil, nil
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: pop: %v", ErrBusUnavailable, err)
		}
		queue, raw := res[0], res[1]

		var msg Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			// Undecodable payloads cannot be retried; dead-letter and keep
			// polling within the original timeout.
			b.log.Warn("Dead-lettering malformed payload", "queue", queue, "error", err)
			b.deadLetterRaw(ctx, raw, "parse-error")
			continue
		}

		claim, _ := json.Marshal(lease{MessageID: msg.ID, Queue: queue, ClaimedAt: time.Now().UnixMilli()})
		if err := b.rdb.Set(ctx, processingPrefix+msg.ID, claim, leaseTTL).Err(); err != nil {
			b.requeueRaw(ctx, queue, raw, msg.ID)
			return nil, fmt.Errorf("%w: lease: %v", ErrBusUnavailable, err)
		}

		attempts, err := b.rdb.Incr(ctx, attemptsPrefix+msg.ID).Result()
		if err != nil {
			b.rdb.Del(ctx, processingPrefix+msg.ID)
			b.requeueRaw(ctx, queue, raw, msg.ID)
			return nil, fmt.Errorf("%w: attempts: %v", ErrBusUnavailable, err)
		}
		// Ceiling, not sliding: the counter dies 1h after first delivery.
		if attempts == 1 {
			b.rdb.Expire(ctx, attemptsPrefix+msg.ID, attemptsTTL)
		}

		if msg.EnqueuedAt > 0 {
			b.metrics.ObserveQueueWait(time.Duration(time.Now().UnixMilli()-msg.EnqueuedAt) * time.Millisecond)
		}
		b.audit(ctx, AuditEntry{Type: "consume", MessageID: msg.ID, Queue: queue, Attempts: attempts})
		b.metrics.IncConsumed(queue)

		msg.Queue = queue
		msg.Attempt = attempts
		return &msg, nil
	}
}

// Acknowledge releases the processing lease and attempt counter for a
// delivered message. Acknowledging twice, or acknowledging an unknown id,
// is a no-op.
func (b *Bus) Acknowledge(ctx context.Context, id string) error {
	if err := b.rdb.Del(ctx, processingPrefix+id, attemptsPrefix+id).Err(); err != nil {
		return fmt.Errorf("%w: ack %s: %v", ErrBusUnavailable, id, err)
	}
	b.audit(ctx, AuditEntry{Type: "ack", MessageID: id})
	b.metrics.IncAcked()
	return nil
}

// Fail records a handler failure. The message is requeued onto its original
// priority queue until the attempt counter reaches MaxRetries, after which it
// is dead-lettered and the delivery acknowledged.
func (b *Bus) Fail(ctx context.Context, id string, msg *Message) error {
	attempts, err := b.rdb.Get(ctx, attemptsPrefix+id).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: read attempts %s: %v", ErrBusUnavailable, id, err)
	}

	// attempts counts deliveries; total deliveries are capped at MaxRetries+1.
	if attempts > int64(b.cfg.MaxRetries) {
		msg.Attempt = attempts
		return b.DeadLetter(ctx, id, msg, "max-retries")
	}

	msg.RetriedAt = time.Now().UnixMilli()
	msg.Attempt = attempts
	raw, merr := json.Marshal(msg)
	if merr != nil {
		return fmt.Errorf("marshaling retry %s: %w", id, merr)
	}
	queue := b.queueFor(msg.Priority)
	if err := b.rdb.RPush(ctx, queue, raw).Err(); err != nil {
		return fmt.Errorf("%w: requeue %s: %v", ErrBusUnavailable, id, err)
	}
	// The lease is released so the retry can be claimed; the attempt counter
	// is retained to bound total deliveries.
	if err := b.rdb.Del(ctx, processingPrefix+id).Err(); err != nil {
		return fmt.Errorf("%w: release lease %s: %v", ErrBusUnavailable, id, err)
	}
	b.audit(ctx, AuditEntry{Type: "retry", MessageID: id, Queue: queue, Attempts: attempts})
	b.metrics.IncRetried()
	return nil
}

// DeadLetter routes a message straight to the dead queue with a reason and
// acknowledges the delivery. Used for messages that retrying cannot fix:
// exhausted retries, undecodable payloads, and unroutable targets.
func (b *Bus) DeadLetter(ctx context.Context, id string, msg *Message, reason string) error {
	msg.FailedAt = time.Now().UnixMilli()
	raw, merr := json.Marshal(msg)
	if merr != nil {
		return fmt.Errorf("marshaling dead letter %s: %w", id, merr)
	}
	if err := b.rdb.RPush(ctx, b.cfg.QueueDead, raw).Err(); err != nil {
		return fmt.Errorf("%w: dead-letter %s: %v", ErrBusUnavailable, id, err)
	}
	b.audit(ctx, AuditEntry{Type: "dlq", MessageID: id, Attempts: msg.Attempt, Reason: reason})
	b.metrics.IncDLQ()
	b.log.Warn("Message dead-lettered", "message_id", id, "reason", reason, "attempts", msg.Attempt)
	return b.Acknowledge(ctx, id)
}

// Stats returns the current queue depths.
func (b *Bus) Stats(ctx context.Context) (*Stats, error) {
	pipe := b.rdb.Pipeline()
	def := pipe.LLen(ctx, b.cfg.QueueDefault)
	high := pipe.LLen(ctx, b.cfg.QueueHigh)
	crit := pipe.LLen(ctx, b.cfg.QueueCritical)
	dead := pipe.LLen(ctx, b.cfg.QueueDead)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("%w: stats: %v", ErrBusUnavailable, err)
	}
	return &Stats{
		Default:  def.Val(),
		High:     high.Val(),
		Critical: crit.Val(),
		Dead:     dead.Val(),
	}, nil
}

// ResetCounts summarizes an administrative reset.
type ResetCounts struct {
	Before  int64 `json:"before"`
	Deleted int64 `json:"deleted"`
	After   int64 `json:"after"`
}

// ResetAll clears queues, dead letters, leases, attempt counters,
// idempotency markers, and the audit log.
func (b *Bus) ResetAll(ctx context.Context) (*ResetCounts, error) {
	keys := []string{
		b.cfg.QueueDefault, b.cfg.QueueHigh, b.cfg.QueueCritical, b.cfg.QueueDead,
		auditKey,
	}
	for _, pattern := range []string{processingPrefix + "*", attemptsPrefix + "*", idemPrefix + "*"} {
		found, err := b.rdb.Keys(ctx, pattern).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: scan %s: %v", ErrBusUnavailable, pattern, err)
		}
		keys = append(keys, found...)
	}

	before := int64(len(keys))
	deleted, err := b.rdb.Del(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: reset: %v", ErrBusUnavailable, err)
	}
	b.log.Info("Bus reset", "keys_considered", before, "keys_deleted", deleted)
	return &ResetCounts{Before: before, Deleted: deleted, After: before - deleted}, nil
}

// Audit returns up to limit most recent audit entries, newest last.
func (b *Bus) Audit(ctx context.Context, limit int64) ([]AuditEntry, error) {
	if limit <= 0 || limit > auditMaxLen {
		limit = auditMaxLen
	}
	raws, err := b.rdb.LRange(ctx, auditKey, -limit, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: audit read: %v", ErrBusUnavailable, err)
	}
	entries := make([]AuditEntry, 0, len(raws))
	for _, raw := range raws {
		var e AuditEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Ping verifies the backing store is reachable.
func (b *Bus) Ping(ctx context.Context) error {
	if err := b.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrBusUnavailable, err)
	}
	return nil
}

// audit appends an entry to the ring. Best-effort: audit failures are logged
// and never fail the calling operation.
func (b *Bus) audit(ctx context.Context, e AuditEntry) {
	e.TS = time.Now().UnixMilli()
	raw, err := json.Marshal(e)
	if err != nil {
		return
	}
	pipe := b.rdb.Pipeline()
	pipe.RPush(ctx, auditKey, raw)
	pipe.LTrim(ctx, auditKey, -auditMaxLen, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		b.log.Warn("Audit append failed", "type", e.Type, "message_id", e.MessageID, "error", err)
	}
}

// requeueRaw puts a popped payload back at the front of its queue after a
// mid-consume store failure, so the delivery is not lost. Best-effort.
func (b *Bus) requeueRaw(ctx context.Context, queue, raw, id string) {
	if err := b.rdb.LPush(ctx, queue, raw).Err(); err != nil {
		b.log.Error("Requeue after consume failure lost a message",
			"message_id", id, "queue", queue, "error", err)
	}
}

// deadLetterRaw pushes an undecodable raw payload to the DLQ.
func (b *Bus) deadLetterRaw(ctx context.Context, raw, reason string) {
	entry, err := json.Marshal(deadLetter{Reason: reason, Raw: raw, FailedAt: time.Now().UnixMilli()})
	if err != nil {
		return
	}
	if err := b.rdb.RPush(ctx, b.cfg.QueueDead, entry).Err(); err != nil {
		b.log.Error("Failed to dead-letter malformed payload", "error", err)
		return
	}
	b.audit(ctx, AuditEntry{Type: "dlq", Reason: reason})
	b.metrics.IncDLQ()
}
