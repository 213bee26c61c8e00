package reconciliation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"dropproof/pkg/errutil"
	"dropproof/pkg/task"
	"dropproof/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// EnqueueReconcile schedules a single cashout for reconciliation on the worker.
func (s *Service) EnqueueReconcile(ctx context.Context, cashoutID string) error {
	if s.queue == nil {
		return errutil.Internal("task queue not configured", nil)
	}

	payload, err := json.Marshal(reconcilePayload{
		CashoutID: cashoutID,
		TraceID:   trace.SpanContextFromContext(ctx).TraceID().String(),
	})
	if err != nil {
		return err
	}

	_, err = s.queue.Enqueue(ctx, asynq.NewTask(taskname.PayoutReconcile, payload),
		asynq.MaxRetry(5),
		asynq.Queue(taskname.QueueLow),
		asynq.TaskID(taskname.PayoutReconcile+":"+cashoutID),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	return err
}

func (s *Service) HandleReconcileTask(ctx context.Context, t *asynq.Task) error {
	var p reconcilePayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil || p.CashoutID == "" {
		return fmt.Errorf("invalid payload: %w", asynq.SkipRetry)
	}

	zap.L().Info("start payout reconcile task", zap.String("cashout_id", p.CashoutID), zap.String("trace_id", p.TraceID))
	_, err := s.Reconcile(ctx, p.CashoutID)
	if errutil.Is(err, errutil.StatusNotFound) {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	return err
}

func (s *Service) deadLetter(_ context.Context, t *asynq.Task, cause error) {
	zap.L().Error("payout reconciliation exhausted retries",
		zap.ByteString("payload", t.Payload()),
		zap.Bool("alert", true),
		zap.Error(cause),
	)
}

func registerTaskHandlers(mux *asynq.ServeMux, dl *task.DeadLetters, s *Service) {
	mux.HandleFunc(taskname.PayoutReconcile, s.HandleReconcileTask)
	dl.Register(taskname.PayoutReconcile, s.deadLetter)
}
