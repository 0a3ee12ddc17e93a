package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kadirpekel/loom/pkg/tool"
	"github.com/kadirpekel/loom/pkg/tool/functiontool"
)

// ChatLogArgs are the parameters of the chat_log tool.
type ChatLogArgs struct {
	SessionID string `json:"session_id" jsonschema:"required,description=Chat session to log under"`
	Role      string `json:"role" jsonschema:"required,description=Author role,enum=user,enum=assistant,enum=system,enum=tool"`
	Content   string `json:"content" jsonschema:"required,description=Message content"`
}

// chatLogEntry is one JSONL record in a session's log file.
type chatLogEntry struct {
	Timestamp string `json:"timestamp"`
	SessionID string `json:"session_id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
}

// NewChatLogTool returns a tool that appends conversation records to
// per-session JSONL files under dir. The tool requires approval: it writes
// to the local filesystem.
func NewChatLogTool(dir string) (tool.CallableTool, error) {
	if dir == "" {
		dir = "chat_logs"
	}

	var mu sync.Mutex

	return functiontool.New(
		functiontool.Config{
			Name:             "chat_log",
			Description:      "Append a conversation record to the session's chat log file",
			RequiresApproval: true,
		},
		func(ctx context.Context, args ChatLogArgs) (map[string]any, error) {
			mu.Lock()
			defer mu.Unlock()

			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("create chat log dir: %w", err)
			}

			entry := chatLogEntry{
				Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
				SessionID: args.SessionID,
				Role:      args.Role,
				Content:   args.Content,
			}
			line, err := json.Marshal(entry)
			if err != nil {
				return nil, fmt.Errorf("encode chat log entry: %w", err)
			}

			path := filepath.Join(dir, args.SessionID+".jsonl")
			f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
			if err != nil {
				return nil, fmt.Errorf("open chat log: %w", err)
			}
			defer f.Close()

			if _, err := f.Write(append(line, '\n')); err != nil {
				return nil, fmt.Errorf("append chat log: %w", err)
			}

			return map[string]any{"logged": true, "path": path}, nil
		},
	)
}
