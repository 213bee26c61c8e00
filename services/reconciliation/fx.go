package reconciliation

import (
	"dropproof/services/submission"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/fx"
)

var Module = fx.Module("reconciliation.service",
	fx.Provide(
		NewVerifiers,
		NewService,
	),
)

// WorkerModule wires the queue handler and the periodic sweep into the worker.
var WorkerModule = fx.Module("task.reconciliation",
	fx.Provide(
		func(s *submission.Service) SubmissionRequeuer { return s },
		NewScheduler,
	),
	fx.Invoke(registerTaskHandlers),
	fx.Invoke(func(gocron.Scheduler) {}),
)
