package bus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T) (*Bus, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, DefaultConfig(), nil), mr
}

func testMessage(target string, kind Kind, payload any) *Message {
	return NewMessage(AgentIdentity{Type: "test", Instance: "t-0"}, target, kind, payload)
}

func TestSendConsumeRoundTrip(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	sent := testMessage("executor", KindExecutionRequest, ExecutionRequest{ExecutionID: "e-1"})
	require.NoError(t, b.Send(ctx, sent))

	got, err := b.ConsumeNext(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, sent.ID, got.ID)
	assert.Equal(t, KindExecutionRequest, got.Kind)
	assert.Equal(t, b.cfg.QueueDefault, got.Queue)
	assert.EqualValues(t, 1, got.Attempt)
	assert.Greater(t, got.EnqueuedAt, int64(0))

	payload, err := DecodePayload[ExecutionRequest](got)
	require.NoError(t, err)
	assert.Equal(t, "e-1", payload.ExecutionID)
}

func TestPriorityOrdering(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	normal := testMessage("executor", KindExecutionRequest, nil)
	high := testMessage("executor", KindExecutionRequest, nil).WithPriority(PriorityHigh)
	critical := testMessage("executor", KindExecutionRequest, nil).WithPriority(PriorityCritical)

	require.NoError(t, b.Send(ctx, normal))
	require.NoError(t, b.Send(ctx, high))
	require.NoError(t, b.Send(ctx, critical))

	var order []string
	for i := 0; i < 3; i++ {
		msg, err := b.ConsumeNext(ctx, time.Second)
		require.NoError(t, err)
		require.NotNil(t, msg)
		order = append(order, msg.ID)
	}
	assert.Equal(t, []string{critical.ID, high.ID, normal.ID}, order)
}

func TestUnknownPriorityDefaultsToDefaultQueue(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	msg := testMessage("executor", KindExecutionRequest, nil)
	msg.Priority = Priority("urgent-ish")
	require.NoError(t, b.Send(ctx, msg))

	stats, err := b.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Default)
	assert.EqualValues(t, 0, stats.High)
	assert.EqualValues(t, 0, stats.Critical)
}

func TestConsumeNextEmptyReturnsNil(t *testing.T) {
	b, _ := newTestBus(t)

	start := time.Now()
	msg, err := b.ConsumeNext(context.Background(), 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, msg)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestAcknowledgeReleasesLeaseAndAttempts(t *testing.T) {
	b, mr := newTestBus(t)
	ctx := context.Background()

	msg := testMessage("executor", KindExecutionRequest, nil)
	require.NoError(t, b.Send(ctx, msg))

	got, err := b.ConsumeNext(ctx, time.Second)
	require.NoError(t, err)
	assert.True(t, mr.Exists(processingPrefix+got.ID))
	assert.True(t, mr.Exists(attemptsPrefix+got.ID))

	require.NoError(t, b.Acknowledge(ctx, got.ID))
	assert.False(t, mr.Exists(processingPrefix+got.ID))
	assert.False(t, mr.Exists(attemptsPrefix+got.ID))

	// Idempotent: acknowledging again is a no-op.
	require.NoError(t, b.Acknowledge(ctx, got.ID))
}

func TestFailRequeuesThenDeadLetters(t *testing.T) {
	b, _ := newTestBus(t)
	b.cfg.MaxRetries = 1
	ctx := context.Background()

	msg := testMessage("executor", KindExecutionRequest, nil)
	require.NoError(t, b.Send(ctx, msg))

	// First delivery fails: requeued.
	got, err := b.ConsumeNext(ctx, time.Second)
	require.NoError(t, err)
	require.NoError(t, b.Fail(ctx, got.ID, got))

	stats, err := b.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Default)
	assert.EqualValues(t, 0, stats.Dead)

	// Second delivery fails: dead-lettered.
	got, err = b.ConsumeNext(ctx, time.Second)
	require.NoError(t, err)
	assert.EqualValues(t, 2, got.Attempt)
	assert.Greater(t, got.RetriedAt, int64(0))
	require.NoError(t, b.Fail(ctx, got.ID, got))

	stats, err = b.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, stats.Default)
	assert.EqualValues(t, 1, stats.Dead)

	// Nothing left to deliver.
	next, err := b.ConsumeNext(ctx, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestFailRequeuePreservesPriorityQueue(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	msg := testMessage("executor", KindExecutionRequest, nil).WithPriority(PriorityCritical)
	require.NoError(t, b.Send(ctx, msg))

	got, err := b.ConsumeNext(ctx, time.Second)
	require.NoError(t, err)
	require.NoError(t, b.Fail(ctx, got.ID, got))

	stats, err := b.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Critical)
}

func TestIdempotentSendDropsDuplicate(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	first := testMessage("executor", KindExecutionRequest, nil).WithIdempotencyKey("K")
	second := testMessage("executor", KindExecutionRequest, nil).WithIdempotencyKey("K")
	require.NoError(t, b.Send(ctx, first))
	require.NoError(t, b.Send(ctx, second))

	got, err := b.ConsumeNext(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, first.ID, got.ID)

	next, err := b.ConsumeNext(ctx, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, next)

	// Exactly one send audit entry for the pair.
	entries, err := b.Audit(ctx, 0)
	require.NoError(t, err)
	var sends int
	for _, e := range entries {
		if e.Type == "send" {
			sends++
		}
	}
	assert.Equal(t, 1, sends)
}

func TestIdempotencyMarkerExpires(t *testing.T) {
	b, mr := newTestBus(t)
	ctx := context.Background()

	require.NoError(t, b.Send(ctx, testMessage("executor", KindExecutionRequest, nil).WithIdempotencyKey("K")))
	mr.FastForward(time.Hour + time.Minute)
	require.NoError(t, b.Send(ctx, testMessage("executor", KindExecutionRequest, nil).WithIdempotencyKey("K")))

	stats, err := b.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats.Default)
}

func TestFailDeadLetterRecordsReason(t *testing.T) {
	b, mr := newTestBus(t)
	b.cfg.MaxRetries = 0
	ctx := context.Background()

	msg := testMessage("executor", KindExecutionRequest, nil)
	require.NoError(t, b.Send(ctx, msg))

	got, err := b.ConsumeNext(ctx, time.Second)
	require.NoError(t, err)
	require.NoError(t, b.Fail(ctx, got.ID, got))

	raw, err := mr.Lpop(b.cfg.QueueDead)
	require.NoError(t, err)
	var dead Message
	require.NoError(t, json.Unmarshal([]byte(raw), &dead))
	assert.Equal(t, msg.ID, dead.ID)
	assert.Greater(t, dead.FailedAt, int64(0))

	entries, err := b.Audit(ctx, 0)
	require.NoError(t, err)
	var reasons []string
	for _, e := range entries {
		if e.Type == "dlq" {
			reasons = append(reasons, e.Reason)
		}
	}
	assert.Equal(t, []string{"max-retries"}, reasons)
}

func TestDeadLetterBypassesRetries(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	msg := testMessage("executor", KindExecutionRequest, nil)
	require.NoError(t, b.Send(ctx, msg))

	got, err := b.ConsumeNext(ctx, time.Second)
	require.NoError(t, err)
	require.NoError(t, b.DeadLetter(ctx, got.ID, got, "no-agent"))

	stats, err := b.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, stats.Default)
	assert.EqualValues(t, 1, stats.Dead)

	entries, err := b.Audit(ctx, 0)
	require.NoError(t, err)
	found := false
	for _, e := range entries {
		if e.Type == "dlq" && e.MessageID == got.ID {
			found = true
			assert.Equal(t, "no-agent", e.Reason)
		}
	}
	assert.True(t, found)
}

// A store failure between the pop and the attempt bookkeeping must not
// drop the delivery: the raw payload goes back to the front of its queue.
func TestConsumeRequeuesWhenAttemptCounterBroken(t *testing.T) {
	b, mr := newTestBus(t)
	ctx := context.Background()

	msg := testMessage("executor", KindExecutionRequest, nil)
	require.NoError(t, b.Send(ctx, msg))

	// A non-integer attempts value makes the INCR fail mid-consume.
	require.NoError(t, mr.Set(attemptsPrefix+msg.ID, "not-a-number"))

	got, err := b.ConsumeNext(ctx, 50*time.Millisecond)
	require.Error(t, err)
	assert.Nil(t, got)
	assert.False(t, mr.Exists(processingPrefix+msg.ID), "lease released on failure")

	stats, err := b.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Default, "message back on its queue")

	// Once the counter is usable again the same message is delivered.
	mr.Del(attemptsPrefix + msg.ID)
	got, err = b.ConsumeNext(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, msg.ID, got.ID)
}

func TestMalformedPayloadGoesToDeadLetterQueue(t *testing.T) {
	b, mr := newTestBus(t)
	ctx := context.Background()

	_, err := mr.Push(b.cfg.QueueDefault, "{not-json")
	require.NoError(t, err)

	msg, err := b.ConsumeNext(ctx, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, msg)

	stats, err := b.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Dead)

	raw, err := mr.Lpop(b.cfg.QueueDead)
	require.NoError(t, err)
	var dl deadLetter
	require.NoError(t, json.Unmarshal([]byte(raw), &dl))
	assert.Equal(t, "parse-error", dl.Reason)
	assert.Equal(t, "{not-json", dl.Raw)
}

func TestAuditLogIsBounded(t *testing.T) {
	b, mr := newTestBus(t)
	ctx := context.Background()

	// Each send appends one audit entry.
	for i := 0; i < auditMaxLen+50; i++ {
		require.NoError(t, b.Send(ctx, testMessage("logger", KindLogEntry, LogEntry{Level: "info", Message: "x"})))
	}
	entries, err := b.Audit(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, entries, auditMaxLen)
	assert.True(t, mr.Exists(auditKey))
}

func TestResetAllClearsEverything(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	require.NoError(t, b.Send(ctx, testMessage("executor", KindExecutionRequest, nil)))
	require.NoError(t, b.Send(ctx, testMessage("executor", KindExecutionRequest, nil).WithPriority(PriorityHigh)))
	got, err := b.ConsumeNext(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)

	counts, err := b.ResetAll(ctx)
	require.NoError(t, err)
	assert.Greater(t, counts.Deleted, int64(0))

	stats, err := b.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, stats.Default)
	assert.EqualValues(t, 0, stats.High)
	assert.EqualValues(t, 0, stats.Critical)
	assert.EqualValues(t, 0, stats.Dead)
}

func TestAckAfterConsumeLeavesQueuesUntouched(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	before, err := b.Stats(ctx)
	require.NoError(t, err)

	msg := testMessage("executor", KindExecutionRequest, nil)
	require.NoError(t, b.Send(ctx, msg))
	got, err := b.ConsumeNext(ctx, time.Second)
	require.NoError(t, err)
	require.NoError(t, b.Acknowledge(ctx, got.ID))

	after, err := b.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}
