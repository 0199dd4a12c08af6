package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"invoice-import/internal/service"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
)

// CommitRunner runs the Batch Committer for a session in Committing.
type CommitRunner interface {
	RunCommit(ctx context.Context, sessionCode string) error
}

type CommitTaskHandler struct {
	runner CommitRunner
	logger *logrus.Logger
}

func NewCommitTaskHandler(runner CommitRunner, logger *logrus.Logger) *CommitTaskHandler {
	return &CommitTaskHandler{
		runner: runner,
		logger: logger,
	}
}

// Handle processes service.TypeImportCommit tasks. A malformed payload is
// never retried.
func (h *CommitTaskHandler) Handle(ctx context.Context, task *asynq.Task) error {
	var payload service.CommitTaskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.SessionCode == "" {
		return fmt.Errorf("payload without session code: %w", asynq.SkipRetry)
	}

	h.logger.WithField("session_code", payload.SessionCode).Info("Starting commit task")

	if err := h.runner.RunCommit(ctx, payload.SessionCode); err != nil {
		return fmt.Errorf("commit %s: %w", payload.SessionCode, err)
	}
	return nil
}
