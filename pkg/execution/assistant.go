package execution

import (
	"context"
	"log/slog"

	"github.com/kadirpekel/loom/pkg/contracts"
	"github.com/kadirpekel/loom/pkg/streaming"
)

// Assistant is the main entry point: it validates task requests and routes
// them through the execution engine. ProcessRequest turns a panic into an
// error result; StartLiveSession and HealthCheck do not recover panics.
type Assistant struct {
	engine *Engine
}

// NewAssistant creates an assistant over an initialized engine.
func NewAssistant(engine *Engine) *Assistant {
	return &Assistant{engine: engine}
}

// ProcessRequest executes a non-live task.
func (a *Assistant) ProcessRequest(ctx context.Context, req *contracts.TaskRequest) (result *contracts.TaskResult) {
	defer func() {
		if r := recover(); r != nil {
			result = contracts.ErrorResult(req.TaskID,
				contracts.NewError(contracts.ErrCodeInternal, "assistant.process_request",
					"processing failed: %v", r),
				req.SessionID, req.AgentID)
		}
	}()

	slog.Info("Processing request", "task_id", req.TaskID, "task_type", req.TaskType)

	if errs := validateRequest(req); len(errs) > 0 {
		cerr := contracts.NewError(contracts.ErrCodeRequestValidation,
			"assistant.validate_request", "invalid task request: missing %v", errs).
			WithDetail("validation_errors", errs)
		slog.Error("Request validation failed", "task_id", req.TaskID, "errors", errs)
		return contracts.ErrorResult(req.TaskID, cerr, req.SessionID, req.AgentID)
	}

	result = a.engine.ExecuteTask(ctx, req)
	slog.Info("Processing completed",
		"task_id", result.TaskID,
		"status", result.Status,
		"has_response", len(result.Messages) > 0)
	return result
}

// StartLiveSession starts a live interactive session for a task.
func (a *Assistant) StartLiveSession(ctx context.Context, req *contracts.TaskRequest) (*streaming.StreamSession, error) {
	if errs := validateRequest(req); len(errs) > 0 {
		return nil, contracts.NewError(contracts.ErrCodeRequestValidation,
			"assistant.start_live_session", "invalid task request: missing %v", errs).
			WithDetail("validation_errors", errs)
	}
	return a.engine.ExecuteTaskLiveSession(ctx, req)
}

// HealthCheck reports system health across registered adapters.
func (a *Assistant) HealthCheck(ctx context.Context) map[string]any {
	frameworks := make([]map[string]any, 0)
	for _, adapter := range a.engine.Registry().List() {
		frameworks = append(frameworks, adapter.HealthCheck(ctx))
	}
	return map[string]any{
		"status":     "healthy",
		"frameworks": frameworks,
	}
}

func validateRequest(req *contracts.TaskRequest) []string {
	var errs []string
	if req.TaskID == "" {
		errs = append(errs, "task_id")
	}
	if req.TaskType == "" {
		errs = append(errs, "task_type")
	}
	if req.Description == "" {
		errs = append(errs, "description")
	}
	return errs
}
