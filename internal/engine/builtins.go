package engine

import (
	"context"

	"go.uber.org/zap"

	"github.com/ronappleton/flowengine/internal/workflow"
)

// NewRegistry returns a task registry preloaded with the handlers every
// deployment gets: "noop" does nothing and "log" writes the activity input
// and current variables to the process log.
func NewRegistry(logger *zap.Logger) *workflow.Registry {
	r := workflow.NewRegistry()
	r.Register("noop", func(context.Context, workflow.ActivityContext) (workflow.ActivityResult, error) {
		return workflow.ActivityResult{}, nil
	})
	r.Register("log", func(_ context.Context, ac workflow.ActivityContext) (workflow.ActivityResult, error) {
		logger.Info("workflow log activity",
			zap.String("instance_id", ac.InstanceID),
			zap.String("workflow_id", ac.WorkflowID),
			zap.String("activity_id", ac.Activity.ID),
			zap.Any("input", ac.Input.Map()),
			zap.Any("variables", ac.Variables.Map()),
		)
		return workflow.ActivityResult{}, nil
	})
	return r
}
