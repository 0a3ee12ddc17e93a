package live

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/loom/pkg/contracts"
	"github.com/kadirpekel/loom/pkg/engine"
)

func TestQueueCommunicator_SendUserMessage(t *testing.T) {
	queue := engine.NewLiveQueue()
	comm := NewQueueCommunicator(queue, nil)

	require.NoError(t, comm.SendUserMessage(context.Background(), "hello"))
	req := <-queue.Recv()
	assert.Equal(t, "hello", req.Event.Text())
	assert.Equal(t, engine.AuthorUser, req.Event.Author)
}

func TestQueueCommunicator_SendUserResponse(t *testing.T) {
	queue := engine.NewLiveQueue()
	comm := NewQueueCommunicator(queue, nil)

	require.NoError(t, comm.SendUserResponse(context.Background(), &contracts.InteractionResponse{
		InteractionID:   "i1",
		InteractionType: contracts.InteractionToolApproval,
		Approved:        true,
		UserMessage:     "go ahead",
	}))

	req := <-queue.Recv()
	assert.Contains(t, req.Event.Text(), "i1")
	assert.Contains(t, req.Event.Text(), "Approved")
	assert.Contains(t, req.Event.Text(), "go ahead")
	assert.Equal(t, "i1", req.Event.CustomMetadata["interaction_id"])
	assert.Equal(t, true, req.Event.CustomMetadata["approved"])
}

func TestQueueCommunicator_Cancellation(t *testing.T) {
	queue := engine.NewLiveQueue()
	comm := NewQueueCommunicator(queue, nil)

	require.NoError(t, comm.SendCancellation(context.Background(), ""))
	req := <-queue.Recv()
	assert.True(t, req.Cancel)
	assert.Equal(t, "user_cancelled", req.Reason)
}

func TestQueueCommunicator_ClosedErrors(t *testing.T) {
	queue := engine.NewLiveQueue()
	comm := NewQueueCommunicator(queue, nil)
	ctx := context.Background()

	comm.Close()
	comm.Close() // idempotent

	assert.ErrorIs(t, comm.SendUserMessage(ctx, "x"), ErrCommunicatorClosed)
	assert.ErrorIs(t, comm.SendCancellation(ctx, "x"), ErrCommunicatorClosed)
	assert.ErrorIs(t, comm.SendUserResponse(ctx, &contracts.InteractionResponse{InteractionID: "i"}), ErrCommunicatorClosed)
}

func TestQueueCommunicator_RecorderMirrorsText(t *testing.T) {
	sessions := engine.InMemoryService()
	ctx := context.Background()
	_, err := sessions.Create(ctx, &engine.CreateRequest{AppName: "loom", UserID: "u1", SessionID: "s1"})
	require.NoError(t, err)

	queue := engine.NewLiveQueue()
	comm := NewQueueCommunicator(queue, NewSessionHistoryRecorder(sessions, "s1"))
	require.NoError(t, comm.SendUserMessage(ctx, "mirrored"))
	<-queue.Recv()

	sess, err := sessions.Get(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, 1, sess.Events().Len())
	assert.Equal(t, "mirrored", sess.Events().At(0).Text())
}

func TestQueueCommunicator_RecorderFailureDoesNotPropagate(t *testing.T) {
	// Recorder points at a missing session; the send must still succeed.
	queue := engine.NewLiveQueue()
	comm := NewQueueCommunicator(queue, NewSessionHistoryRecorder(engine.InMemoryService(), "missing"))
	assert.NoError(t, comm.SendUserMessage(context.Background(), "still works"))
}

func TestApprovalAwareCommunicator_ResolvesBroker(t *testing.T) {
	queue := engine.NewLiveQueue()
	base := NewQueueCommunicator(queue, nil)
	broker := NewBroker(BrokerConfig{Communicator: base})
	wrapper := NewApprovalAwareCommunicator(base, broker)
	ctx := context.Background()

	broker.Observe(ctx, proposalChunk("i1", true))
	require.Len(t, broker.ListPending(), 1)

	go func() { <-queue.Recv() }()
	require.NoError(t, wrapper.SendUserResponse(ctx, &contracts.InteractionResponse{
		InteractionID: "i1", Approved: false,
	}))
	assert.Empty(t, broker.ListPending())
}

func TestApprovalAwareCommunicator_CloseClosesBoth(t *testing.T) {
	queue := engine.NewLiveQueue()
	base := NewQueueCommunicator(queue, nil)
	broker := NewBroker(BrokerConfig{Communicator: base})
	wrapper := NewApprovalAwareCommunicator(base, broker)

	wrapper.Close()
	assert.ErrorIs(t, base.SendUserMessage(context.Background(), "x"), ErrCommunicatorClosed)
}
