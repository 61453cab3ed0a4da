package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/opal-net/opal/internal/model"
	"github.com/opal-net/opal/internal/planner"
	"github.com/opal-net/opal/internal/service/chat"
)

// NewChatExecutor adapts the chat service to the job runtime. The
// result snapshot is the immutable ChatJobResult of the turn.
func NewChatExecutor(svc *chat.Service) Executor {
	return ExecutorFunc(func(ctx context.Context, job model.Job, progress ProgressFunc) (json.RawMessage, error) {
		var in model.ChatJobInput
		if err := json.Unmarshal(job.Input, &in); err != nil {
			return nil, fmt.Errorf("jobs: chat input: %w", err)
		}

		result, err := svc.Respond(ctx, in, func(percent int, message string) {
			progress(ctx, percent, message)
		})
		if err != nil {
			return nil, err
		}

		payload, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("jobs: marshal chat result: %w", err)
		}
		return payload, nil
	})
}

// NewPlanExecutor adapts the direct planner to the job runtime. The
// result snapshot is the generated plan.
func NewPlanExecutor(svc *planner.Service) Executor {
	return ExecutorFunc(func(ctx context.Context, job model.Job, progress ProgressFunc) (json.RawMessage, error) {
		var in model.PlanJobInput
		if err := json.Unmarshal(job.Input, &in); err != nil {
			return nil, fmt.Errorf("jobs: plan input: %w", err)
		}

		progress(ctx, 20, "retrieving capabilities")
		projectContext := make(map[string]any, len(in.Context))
		for k, v := range in.Context {
			projectContext[k] = v
		}

		plan, err := svc.Generate(ctx, in.Goal, projectContext, in.Constraints)
		if err != nil {
			return nil, err
		}

		progress(ctx, 90, "finalizing plan")
		payload, err := json.Marshal(plan)
		if err != nil {
			return nil, fmt.Errorf("jobs: marshal plan: %w", err)
		}
		return payload, nil
	})
}
