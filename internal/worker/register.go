package worker

import (
	"invoice-import/internal/service"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
)

func RegisterHandlers(mux *asynq.ServeMux, runner CommitRunner, logger *logrus.Logger) {
	commitHandler := NewCommitTaskHandler(runner, logger)

	mux.HandleFunc(service.TypeImportCommit, commitHandler.Handle)
}
