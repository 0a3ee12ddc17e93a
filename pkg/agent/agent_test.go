package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/loom/pkg/contracts"
	"github.com/kadirpekel/loom/pkg/engine"
	"github.com/kadirpekel/loom/pkg/engine/enginetest"
	"github.com/kadirpekel/loom/pkg/live"
	"github.com/kadirpekel/loom/pkg/tool"
	"github.com/kadirpekel/loom/pkg/tool/builtin"
)

func newSessionStore(t *testing.T) engine.Service {
	t.Helper()
	svc := engine.InMemoryService()
	_, err := svc.Create(context.Background(), &engine.CreateRequest{
		AppName: "loom-test", UserID: "u1", SessionID: "s1",
	})
	require.NoError(t, err)
	return svc
}

func TestExecute_StaticReply(t *testing.T) {
	sessions := newSessionStore(t)
	a := New("a1", &contracts.AgentConfig{AgentType: "asst", SystemPrompt: "P"},
		engine.NewStaticGenerator(), nil)

	result, err := a.Execute(context.Background(), &Invocation{
		TaskID:    "t1",
		Sessions:  sessions,
		SessionID: "s1",
		Messages:  []contracts.Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.TaskStatusSuccess, result.Status)
	require.Len(t, result.Messages, 1)
	assert.Equal(t, "assistant", result.Messages[0].Role)
	assert.NotEmpty(t, result.Messages[0].Content)

	// User input and model reply were persisted.
	sess, err := sessions.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, sess.Events().Len(), 2)
}

func TestExecute_SessionNotFound(t *testing.T) {
	a := New("a1", &contracts.AgentConfig{AgentType: "asst"}, engine.NewStaticGenerator(), nil)
	_, err := a.Execute(context.Background(), &Invocation{
		TaskID:    "t1",
		Sessions:  engine.InMemoryService(),
		SessionID: "missing",
	})
	require.Error(t, err)
	cerr, ok := err.(*contracts.Error)
	require.True(t, ok)
	assert.Equal(t, contracts.ErrCodeSessionNotFound, cerr.Code)
}

func TestExecuteLive_StreamsChunks(t *testing.T) {
	sessions := newSessionStore(t)
	a := New("a1", &contracts.AgentConfig{AgentType: "asst"}, engine.NewStaticGenerator(), nil)

	handle, err := a.ExecuteLive(context.Background(), &Invocation{
		TaskID:    "t1",
		Sessions:  sessions,
		SessionID: "s1",
		Messages:  []contracts.Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	defer handle.Communicator.Close()

	var chunks []*contracts.StreamChunk
	for chunk := range handle.Chunks {
		chunks = append(chunks, chunk)
	}
	require.GreaterOrEqual(t, len(chunks), 2)
	assert.Equal(t, contracts.ChunkResponse, chunks[0].ChunkType)
	assert.Equal(t, contracts.ChunkComplete, chunks[len(chunks)-1].ChunkType)

	for i := 1; i < len(chunks); i++ {
		assert.Greater(t, chunks[i].SequenceID, chunks[i-1].SequenceID)
	}
}

func TestExecuteLive_ToolExecutionFlow(t *testing.T) {
	sessions := newSessionStore(t)

	tools := tool.NewService()
	echo, err := builtin.NewEchoTool()
	require.NoError(t, err)
	require.NoError(t, tools.Register(echo))

	// Generator proposes an ungated tool call, then completes the turn.
	call := engine.NewEvent("inv", engine.AuthorModel)
	call.Parts = []engine.Part{{FunctionCall: &contracts.FunctionCall{
		ID: "call-1", Name: "echo", Args: map[string]any{"message": "ping"},
	}}}
	done := engine.NewEvent("inv", engine.AuthorModel)
	done.TurnComplete = true
	gen := enginetest.NewScripted(call, done)

	a := New("a1", &contracts.AgentConfig{AgentType: "asst"}, gen, tools)
	handle, err := a.ExecuteLive(context.Background(), &Invocation{
		TaskID:          "t1",
		Sessions:        sessions,
		SessionID:       "s1",
		ApprovalTimeout: time.Second,
		ApprovalPolicy:  live.PolicyAutoApprove,
	})
	require.NoError(t, err)
	defer handle.Communicator.Close()

	var types []contracts.ChunkType
	var resultChunk *contracts.StreamChunk
	for chunk := range handle.Chunks {
		types = append(types, chunk.ChunkType)
		if chunk.ChunkType == contracts.ChunkToolResult {
			resultChunk = chunk
		}
	}

	assert.Equal(t, []contracts.ChunkType{
		contracts.ChunkToolProposal,
		contracts.ChunkToolResult,
		contracts.ChunkComplete,
	}, types)
	require.NotNil(t, resultChunk)
	assert.Equal(t, "call-1", resultChunk.InteractionID)
	assert.Equal(t, map[string]any{"message": "ping"}, resultChunk.Content)
}

func TestExecuteLive_GatedToolDeniedOnTimeout(t *testing.T) {
	sessions := newSessionStore(t)

	tools := tool.NewService()
	chatLog, err := builtin.NewChatLogTool(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, tools.Register(chatLog))

	call := engine.NewEvent("inv", engine.AuthorModel)
	call.RequiresApproval = true
	call.Parts = []engine.Part{{FunctionCall: &contracts.FunctionCall{
		ID: "call-1", Name: "chat_log",
		Args: map[string]any{"session_id": "c1", "role": "user", "content": "m"},
	}}}
	gen := enginetest.NewScripted(call)

	a := New("a1", &contracts.AgentConfig{AgentType: "asst"}, gen, tools)
	handle, err := a.ExecuteLive(context.Background(), &Invocation{
		TaskID:          "t1",
		Sessions:        sessions,
		SessionID:       "s1",
		ApprovalTimeout: 30 * time.Millisecond,
		ApprovalPolicy:  live.PolicyAutoCancel,
	})
	require.NoError(t, err)
	defer handle.Communicator.Close()

	var resultChunk *contracts.StreamChunk
	for chunk := range handle.Chunks {
		if chunk.ChunkType == contracts.ChunkToolResult {
			resultChunk = chunk
		}
	}
	require.NotNil(t, resultChunk)
	content, ok := resultChunk.Content.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "cancelled", content["status"])
	assert.Empty(t, handle.Broker.ListPending())
}

func TestAgentTouch(t *testing.T) {
	a := New("a1", &contracts.AgentConfig{AgentType: "asst"}, engine.NewStaticGenerator(), nil)
	before := a.LastActivity()
	time.Sleep(5 * time.Millisecond)
	a.Touch()
	assert.True(t, a.LastActivity().After(before))
	assert.Equal(t, a.Config().Hash(), a.ConfigHash())
}
