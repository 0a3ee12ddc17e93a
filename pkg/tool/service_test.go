package tool

import (
	"context"
	"fmt"
	"iter"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/loom/pkg/live"
)

// fakeTool is a minimal CallableTool.
type fakeTool struct {
	name     string
	approval bool
	fn       func(args map[string]any) (map[string]any, error)
}

func (t *fakeTool) Name() string           { return t.name }
func (t *fakeTool) Description() string    { return "fake tool" }
func (t *fakeTool) IsLongRunning() bool    { return false }
func (t *fakeTool) RequiresApproval() bool { return t.approval }
func (t *fakeTool) Schema() map[string]any { return nil }
func (t *fakeTool) Call(ctx context.Context, args map[string]any) (map[string]any, error) {
	return t.fn(args)
}

// fakeStreamingTool yields two chunks then a final result.
type fakeStreamingTool struct{}

func (t *fakeStreamingTool) Name() string           { return "streamer" }
func (t *fakeStreamingTool) Description() string    { return "streams" }
func (t *fakeStreamingTool) IsLongRunning() bool    { return false }
func (t *fakeStreamingTool) RequiresApproval() bool { return false }
func (t *fakeStreamingTool) Schema() map[string]any { return nil }
func (t *fakeStreamingTool) CallStreaming(ctx context.Context, args map[string]any) iter.Seq2[*Result, error] {
	return func(yield func(*Result, error) bool) {
		if !yield(&Result{Content: "part1", Streaming: true}, nil) {
			return
		}
		if !yield(&Result{Content: "part2", Streaming: true}, nil) {
			return
		}
		yield(&Result{Content: "done"}, nil)
	}
}

// staticApprover returns a fixed decision.
type staticApprover struct {
	approved bool
	id       string
}

func (a *staticApprover) WaitForToolApproval(ctx context.Context, toolName string, args map[string]any) (*live.Decision, error) {
	d := &live.Decision{Approved: a.approved, InteractionID: a.id}
	if !a.approved {
		d.Err = "tool invocation cancelled by user"
	}
	return d, nil
}

func TestService_ExecuteCallable(t *testing.T) {
	svc := NewService()
	require.NoError(t, svc.Register(&fakeTool{name: "add", fn: func(args map[string]any) (map[string]any, error) {
		a, _ := args["a"].(float64)
		b, _ := args["b"].(float64)
		return map[string]any{"sum": a + b}, nil
	}}))

	exec := svc.Execute(context.Background(), "add", map[string]any{"a": 1.0, "b": 2.0}, nil)
	require.NoError(t, exec.Err)
	assert.Equal(t, map[string]any{"sum": 3.0}, exec.Result)
	assert.False(t, exec.Denied)
}

func TestService_ExecuteMissingTool(t *testing.T) {
	svc := NewService()
	exec := svc.Execute(context.Background(), "nope", nil, nil)
	assert.Error(t, exec.Err)
}

func TestService_ExecuteToolError(t *testing.T) {
	svc := NewService()
	require.NoError(t, svc.Register(&fakeTool{name: "boom", fn: func(map[string]any) (map[string]any, error) {
		return nil, fmt.Errorf("exploded")
	}}))

	exec := svc.Execute(context.Background(), "boom", nil, nil)
	assert.EqualError(t, exec.Err, "exploded")
}

func TestService_ApprovedExecution(t *testing.T) {
	svc := NewService()
	called := false
	require.NoError(t, svc.Register(&fakeTool{name: "gated", approval: true, fn: func(map[string]any) (map[string]any, error) {
		called = true
		return map[string]any{"ok": true}, nil
	}}))

	exec := svc.Execute(context.Background(), "gated", nil, &staticApprover{approved: true, id: "i1"})
	require.NoError(t, exec.Err)
	assert.True(t, called)
	assert.Equal(t, "i1", exec.InteractionID)
}

func TestService_DeniedExecutionSkipsTool(t *testing.T) {
	svc := NewService()
	called := false
	require.NoError(t, svc.Register(&fakeTool{name: "gated", approval: true, fn: func(map[string]any) (map[string]any, error) {
		called = true
		return nil, nil
	}}))

	exec := svc.Execute(context.Background(), "gated", nil, &staticApprover{approved: false, id: "i1"})
	require.NoError(t, exec.Err)
	assert.False(t, called, "denied tools must not execute")
	assert.True(t, exec.Denied)
	assert.Equal(t, "cancelled", exec.Result["status"])
}

func TestService_StreamingDrain(t *testing.T) {
	svc := NewService()
	require.NoError(t, svc.Register(&fakeStreamingTool{}))

	exec := svc.Execute(context.Background(), "streamer", nil, nil)
	require.NoError(t, exec.Err)
	assert.Equal(t, "done", exec.Result["result"])
	assert.Equal(t, []any{"part1", "part2"}, exec.Result["chunks"])
}

func TestService_ApprovalRequirements(t *testing.T) {
	svc := NewService()
	require.NoError(t, svc.Register(&fakeTool{name: "open"}))
	require.NoError(t, svc.Register(&fakeTool{name: "gated", approval: true}))

	reqs := svc.ApprovalRequirements()
	assert.Equal(t, map[string]bool{"open": false, "gated": true}, reqs)
	assert.ElementsMatch(t, []string{"open", "gated"}, svc.Names())
}
