package events

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPubSub(t *testing.T) (*Publisher, *Listener) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	pub := NewPublisher(rdb, DefaultConfig())
	lis, err := NewListener(context.Background(), rdb, DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = lis.Close() })
	return pub, lis
}

func waitEvent(t *testing.T, lis *Listener) *Event {
	t.Helper()
	select {
	case e := <-lis.Events():
		require.NotNil(t, e)
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestPublishDeliversToListener(t *testing.T) {
	pub, lis := newPubSub(t)

	pub.Publish(context.Background(), TypeExecutionComplete, "executor",
		ExecutionCompletedPayload{ExecutionID: "e-1", Status: "passed", Progress: 1})

	e := waitEvent(t, lis)
	assert.Equal(t, TypeExecutionComplete, e.Type)
	assert.Equal(t, "executor", e.Source)

	var payload ExecutionCompletedPayload
	require.NoError(t, e.Decode(&payload))
	assert.Equal(t, "e-1", payload.ExecutionID)
	assert.Equal(t, "passed", payload.Status)
}

func TestPublishSurvivesClosedStore(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	pub := NewPublisher(rdb, DefaultConfig())
	mr.Close()

	// Fire-and-forget: a dead store must not panic or block.
	assert.NotPanics(t, func() {
		pub.Publish(context.Background(), TypeAgentError, "writer",
			AgentLifecyclePayload{AgentType: "writer", Error: "boom"})
	})
}

func TestListenerPreservesOrder(t *testing.T) {
	pub, lis := newPubSub(t)
	ctx := context.Background()

	pub.Publish(ctx, TypeAgentStarted, "writer", AgentLifecyclePayload{AgentType: "writer"})
	pub.Publish(ctx, TypeTestGenerated, "writer", TestGeneratedPayload{Title: "t", FilePath: "f", Provider: "fallback"})

	assert.Equal(t, TypeAgentStarted, waitEvent(t, lis).Type)
	assert.Equal(t, TypeTestGenerated, waitEvent(t, lis).Type)
}
