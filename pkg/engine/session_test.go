package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/loom/pkg/contracts"
)

func TestInMemoryService_CreateAndGet(t *testing.T) {
	svc := InMemoryService()
	ctx := context.Background()

	sess, err := svc.Create(ctx, &CreateRequest{
		AppName:   "loom",
		UserID:    "u1",
		SessionID: "s1",
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.EngineSessionID("s1"), sess.ID())
	assert.Equal(t, "u1", sess.UserID())

	got, err := svc.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, sess.ID(), got.ID())
	assert.Equal(t, 1, svc.Count())
}

func TestInMemoryService_GeneratesID(t *testing.T) {
	svc := InMemoryService()
	sess, err := svc.Create(context.Background(), &CreateRequest{AppName: "loom", UserID: "u1"})
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID())
}

func TestInMemoryService_GetMissing(t *testing.T) {
	svc := InMemoryService()
	_, err := svc.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestInMemoryService_AppendAndDelete(t *testing.T) {
	svc := InMemoryService()
	ctx := context.Background()

	_, err := svc.Create(ctx, &CreateRequest{AppName: "loom", UserID: "u1", SessionID: "s1"})
	require.NoError(t, err)

	require.NoError(t, svc.AppendEvent(ctx, "s1", NewTextEvent("inv1", AuthorUser, "hello")))
	sess, err := svc.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, sess.Events().Len())

	require.NoError(t, svc.Delete(ctx, "s1"))
	_, err = svc.Get(ctx, "s1")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.ErrorIs(t, svc.Delete(ctx, "s1"), ErrSessionNotFound)
}

func TestHistorySeeding(t *testing.T) {
	svc := InMemoryService()
	ctx := context.Background()

	history := []contracts.Message{
		{Role: "user", Content: "m1"},
		{Role: "assistant", Content: "m2"},
		{Role: "user", Content: "m3"},
	}
	sess, err := svc.Create(ctx, &CreateRequest{
		AppName: "loom", UserID: "u1", SessionID: "seeded", History: history,
	})
	require.NoError(t, err)
	require.Equal(t, 3, sess.Events().Len())

	extracted := ExtractHistory(sess)
	require.Len(t, extracted, 3)
	assert.Equal(t, "user", extracted[0].Role)
	assert.Equal(t, "m1", extracted[0].Content)
	assert.Equal(t, "assistant", extracted[1].Role)
	assert.Equal(t, "m2", extracted[1].Content)
}

func TestExtractHistory_IncludesToolEntries(t *testing.T) {
	svc := InMemoryService()
	ctx := context.Background()

	_, err := svc.Create(ctx, &CreateRequest{AppName: "loom", UserID: "u1", SessionID: "s1"})
	require.NoError(t, err)

	call := NewEvent("inv1", AuthorModel)
	call.Parts = []Part{{FunctionCall: &contracts.FunctionCall{ID: "call-1", Name: "lookup", Args: map[string]any{"x": 1}}}}
	require.NoError(t, svc.AppendEvent(ctx, "s1", call))

	result := NewEvent("inv1", AuthorSystem)
	result.Parts = []Part{{FunctionResponse: &FunctionResponse{ID: "call-1", Name: "lookup", Result: map[string]any{"ok": true}}}}
	require.NoError(t, svc.AppendEvent(ctx, "s1", result))

	sess, err := svc.Get(ctx, "s1")
	require.NoError(t, err)
	extracted := ExtractHistory(sess)
	require.Len(t, extracted, 2)
	require.NotNil(t, extracted[0].Parts)
	assert.Equal(t, "lookup", extracted[0].Parts[0].FunctionCall.Name)
	assert.Equal(t, "tool", extracted[1].Role)
	assert.Equal(t, "call-1", extracted[1].ToolCallID)
}

func TestEventMergedMetadata(t *testing.T) {
	ev := NewEvent("inv1", AuthorModel)
	ev.Metadata = map[string]any{"stage": "plan", "plan_text": "original"}
	ev.CustomMetadata = map[string]any{"plan_text": "custom wins", "source": "reasoning"}

	merged := ev.MergedMetadata()
	assert.Equal(t, "plan", merged["stage"])
	assert.Equal(t, "custom wins", merged["plan_text"])
	assert.Equal(t, "reasoning", merged["source"])
}

func TestLiveQueue(t *testing.T) {
	q := NewLiveQueue()
	require.NoError(t, q.SendEvent(NewTextEvent("inv1", AuthorUser, "hi")))
	require.NoError(t, q.SendCancel("user_cancelled"))

	first := <-q.Recv()
	assert.Equal(t, "hi", first.Event.Text())
	second := <-q.Recv()
	assert.True(t, second.Cancel)
	assert.Equal(t, "user_cancelled", second.Reason)

	q.Close()
	q.Close() // idempotent
	assert.ErrorIs(t, q.SendEvent(NewTextEvent("inv1", AuthorUser, "late")), ErrQueueClosed)

	select {
	case <-q.Done():
	default:
		t.Fatal("Done should be closed after Close")
	}
}
