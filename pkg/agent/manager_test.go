package agent

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/loom/pkg/contracts"
	"github.com/kadirpekel/loom/pkg/engine"
)

func testAgent(id contracts.AgentID, prompt string) *DomainAgent {
	return New(id, &contracts.AgentConfig{AgentType: "asst", SystemPrompt: prompt},
		engine.NewStaticGenerator(), nil)
}

func TestManager_GenerateID(t *testing.T) {
	m := NewManager("agent")
	id := m.GenerateID()
	assert.True(t, strings.HasPrefix(string(id), "agent_"))
	assert.NotEqual(t, id, m.GenerateID())
}

func TestManager_RegisterAndGet(t *testing.T) {
	m := NewManager("")
	a := testAgent("a1", "P")
	require.NoError(t, m.Register(a))
	assert.Error(t, m.Register(a), "duplicate registration must fail")

	got, ok := m.Get("a1")
	require.True(t, ok)
	assert.Equal(t, a, got)
	assert.Equal(t, 1, m.Count())
}

func TestManager_ConfigBuckets(t *testing.T) {
	m := NewManager("")
	a1 := testAgent("a1", "P")
	a2 := testAgent("a2", "P")
	other := testAgent("a3", "different")
	require.NoError(t, m.Register(a1))
	require.NoError(t, m.Register(a2))
	require.NoError(t, m.Register(other))

	hash := a1.ConfigHash()
	assert.Equal(t, []contracts.AgentID{"a1", "a2"}, m.CandidatesForHash(hash))
	assert.Equal(t, []contracts.AgentID{"a3"}, m.CandidatesForHash(other.ConfigHash()))
}

func TestManager_ReplaceBucket(t *testing.T) {
	m := NewManager("")
	a := testAgent("a1", "P")
	require.NoError(t, m.Register(a))

	m.ReplaceBucket(a.ConfigHash(), nil)
	assert.Empty(t, m.CandidatesForHash(a.ConfigHash()))

	m.ReplaceBucket(a.ConfigHash(), []contracts.AgentID{"a1"})
	assert.Equal(t, []contracts.AgentID{"a1"}, m.CandidatesForHash(a.ConfigHash()))
}

func TestManager_Cleanup(t *testing.T) {
	m := NewManager("")
	ctx := context.Background()
	a1 := testAgent("a1", "P")
	a2 := testAgent("a2", "P")
	require.NoError(t, m.Register(a1))
	require.NoError(t, m.Register(a2))

	require.NoError(t, m.Cleanup(ctx, "a1"))
	_, ok := m.Get("a1")
	assert.False(t, ok)
	assert.Equal(t, []contracts.AgentID{"a2"}, m.CandidatesForHash(a1.ConfigHash()))

	// Unknown id is a no-op: cleanup cascades may race with sweeps.
	assert.NoError(t, m.Cleanup(ctx, "a1"))

	require.NoError(t, m.Cleanup(ctx, "a2"))
	assert.Empty(t, m.CandidatesForHash(a1.ConfigHash()))
	assert.Zero(t, m.Count())
}
