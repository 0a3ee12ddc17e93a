package builtin

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/loom/pkg/tool"
	"github.com/kadirpekel/loom/pkg/tool/functiontool"
)

func TestEchoTool(t *testing.T) {
	echo, err := NewEchoTool()
	require.NoError(t, err)
	assert.Equal(t, "echo", echo.Name())
	assert.False(t, echo.RequiresApproval())

	result, err := echo.Call(context.Background(), map[string]any{"message": "hello"})
	require.NoError(t, err)
	assert.Equal(t, "hello", result["message"])

	schema := echo.Schema()
	require.NotNil(t, schema)
	assert.Equal(t, "object", schema["type"])
}

func TestTimestampTool(t *testing.T) {
	ts, err := NewTimestampTool()
	require.NoError(t, err)

	result, err := ts.Call(context.Background(), map[string]any{})
	require.NoError(t, err)
	assert.NotEmpty(t, result["timestamp"])
	assert.NotZero(t, result["unix"])
}

func TestChatLogTool_AppendsJSONL(t *testing.T) {
	dir := t.TempDir()
	chatLog, err := NewChatLogTool(dir)
	require.NoError(t, err)
	assert.True(t, chatLog.RequiresApproval(), "filesystem writes are gated")
	assert.Equal(t, true, chatLog.Schema()[functiontool.SchemaExtRequiresApproval])

	ctx := context.Background()
	for _, content := range []string{"first", "second"} {
		_, err := chatLog.Call(ctx, map[string]any{
			"session_id": "c1",
			"role":       "user",
			"content":    content,
		})
		require.NoError(t, err)
	}

	f, err := os.Open(filepath.Join(dir, "c1.jsonl"))
	require.NoError(t, err)
	defer f.Close()

	var lines []map[string]any
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var entry map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &entry))
		lines = append(lines, entry)
	}
	require.Len(t, lines, 2)
	assert.Equal(t, "first", lines[0]["content"])
	assert.Equal(t, "second", lines[1]["content"])
	assert.Equal(t, "c1", lines[0]["session_id"])
	assert.NotEmpty(t, lines[0]["timestamp"])
}

func TestRegisterAll(t *testing.T) {
	svc := tool.NewService()
	require.NoError(t, RegisterAll(svc, t.TempDir()))
	assert.ElementsMatch(t, []string{"echo", "timestamp", "chat_log"}, svc.Names())
}
