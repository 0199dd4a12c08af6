package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
)

// TypeImportCommit is the asynq task type that runs a commit.
const TypeImportCommit = "import:commit"

// CommitTaskPayload is the payload of TypeImportCommit tasks.
type CommitTaskPayload struct {
	SessionCode string `json:"session_code"`
}

// CommitDispatcher hands a session that entered Committing to whatever runs
// the Batch Committer.
type CommitDispatcher interface {
	Dispatch(ctx context.Context, sessionCode string) error
}

// DispatcherFunc adapts a function to CommitDispatcher.
type DispatcherFunc func(ctx context.Context, sessionCode string) error

func (f DispatcherFunc) Dispatch(ctx context.Context, sessionCode string) error {
	return f(ctx, sessionCode)
}

// AsynqDispatcher enqueues commits for the worker process.
type AsynqDispatcher struct {
	client *asynq.Client
	queue  string
}

func NewAsynqDispatcher(client *asynq.Client) *AsynqDispatcher {
	return &AsynqDispatcher{client: client, queue: "critical"}
}

func NewCommitTask(sessionCode string) (*asynq.Task, error) {
	payload, err := json.Marshal(CommitTaskPayload{SessionCode: sessionCode})
	if err != nil {
		return nil, err
	}
	// Upserts are keyed by the natural key, so a retried commit is safe.
	return asynq.NewTask(TypeImportCommit, payload, asynq.MaxRetry(3), asynq.Timeout(30*time.Minute)), nil
}

func (d *AsynqDispatcher) Dispatch(ctx context.Context, sessionCode string) error {
	task, err := NewCommitTask(sessionCode)
	if err != nil {
		return err
	}
	if _, err := d.client.EnqueueContext(ctx, task, asynq.Queue(d.queue)); err != nil {
		return fmt.Errorf("enqueue commit for %s: %w", sessionCode, err)
	}
	return nil
}

// InlineDispatcher runs commits in background goroutines of the web process.
// It is used when no task queue is configured.
type InlineDispatcher struct {
	run    func(ctx context.Context, sessionCode string) error
	logger *logrus.Logger
	wg     sync.WaitGroup
}

func NewInlineDispatcher(run func(ctx context.Context, sessionCode string) error, logger *logrus.Logger) *InlineDispatcher {
	return &InlineDispatcher{run: run, logger: logger}
}

func (d *InlineDispatcher) Dispatch(ctx context.Context, sessionCode string) error {
	runCtx := context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.run(runCtx, sessionCode); err != nil {
			d.logger.WithError(err).WithField("session_code", sessionCode).Error("Inline commit failed")
		}
	}()
	return nil
}

// Wait blocks until all dispatched commits have returned.
func (d *InlineDispatcher) Wait() {
	d.wg.Wait()
}
