package streaming

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/loom/pkg/contracts"
	"github.com/kadirpekel/loom/pkg/engine"
	"github.com/kadirpekel/loom/pkg/live"
)

func newStreamFixture(t *testing.T, chunks ...*contracts.StreamChunk) (*StreamSession, *engine.LiveQueue, *live.Broker) {
	t.Helper()

	queue := engine.NewLiveQueue()
	base := live.NewQueueCommunicator(queue, nil)
	broker := live.NewBroker(live.BrokerConfig{Communicator: base})
	communicator := live.NewApprovalAwareCommunicator(base, broker)

	out := make(chan *contracts.StreamChunk, len(chunks))
	for _, chunk := range chunks {
		broker.Observe(context.Background(), chunk)
		out <- chunk
	}
	close(out)

	return New(Config{
		TaskID:        "live-1",
		ChatSessionID: "C1",
		AgentID:       "a1",
		Chunks:        out,
		Communicator:  communicator,
		Broker:        broker,
	}), queue, broker
}

func toolProposal() *contracts.StreamChunk {
	return &contracts.StreamChunk{
		TaskID:     "live-1",
		SequenceID: 0,
		ChunkType:  contracts.ChunkToolProposal,
		Content: &contracts.ToolProposalContent{
			ToolName:  "demo.search",
			Arguments: map[string]any{"query": "latest updates"},
		},
		Metadata:      map[string]any{contracts.MetaRequiresApproval: true},
		InteractionID: "call-1",
		ChunkKind:     contracts.KindToolProposal,
	}
}

func TestStreamSession_Iteration(t *testing.T) {
	session, _, _ := newStreamFixture(t, toolProposal())
	defer session.Close()

	assert.Equal(t, "live-1", session.TaskID())
	assert.Equal(t, contracts.ChatSessionID("C1"), session.ChatSessionID())
	assert.Equal(t, contracts.AgentID("a1"), session.AgentID())

	var collected []*contracts.StreamChunk
	for chunk := range session.Chunks(context.Background()) {
		collected = append(collected, chunk)
	}
	require.Len(t, collected, 1)
	assert.Equal(t, contracts.ChunkToolProposal, collected[0].ChunkType)
	assert.Equal(t, "call-1", collected[0].InteractionID)
}

func TestStreamSession_ApproveTool(t *testing.T) {
	session, queue, broker := newStreamFixture(t, toolProposal())
	defer session.Close()

	require.Len(t, session.ListPendingInteractions(), 1)
	assert.Equal(t, "call-1", session.ListPendingInteractions()[0].InteractionID)

	go func() { <-queue.Recv() }()
	require.NoError(t, session.ApproveTool(context.Background(), "call-1", true, "Looks good"))

	// The decision reached the running turn and resolved the broker entry.
	assert.Empty(t, broker.ListPending())
}

func TestStreamSession_SendAndCancel(t *testing.T) {
	session, queue, broker := newStreamFixture(t, toolProposal())
	defer session.Close()

	go func() {
		for range queue.Recv() {
		}
	}()

	require.NoError(t, session.SendUserMessage(context.Background(), "more input"))
	require.NoError(t, session.Cancel(context.Background(), "changed my mind"))

	// Cancellation denies every pending approval on the user's behalf.
	assert.Empty(t, broker.ListPending())
}

func TestStreamSession_CloseIdempotent(t *testing.T) {
	session, _, _ := newStreamFixture(t)
	session.Close()
	session.Close()

	err := session.SendUserMessage(context.Background(), "after close")
	assert.ErrorIs(t, err, live.ErrCommunicatorClosed)
}

func TestStreamSession_Next(t *testing.T) {
	session, _, _ := newStreamFixture(t, toolProposal())
	defer session.Close()

	chunk, ok := session.Next(context.Background())
	require.True(t, ok)
	assert.Equal(t, "call-1", chunk.InteractionID)

	_, ok = session.Next(context.Background())
	assert.False(t, ok, "stream exhausted")
}
