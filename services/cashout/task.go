package cashout

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

type taskPayload struct {
	CashoutID string `json:"cashout_id"`
	TraceID   string `json:"trace_id,omitempty"`
}

func scheduleSubmit(ctx context.Context, queue task.Enqueuer, cashoutID string) error {
	payload, err := json.Marshal(taskPayload{
		CashoutID: cashoutID,
		TraceID:   trace.SpanContextFromContext(ctx).TraceID().String(),
	})
	if err != nil {
		return err
	}

	_, err = queue.Enqueue(ctx, asynq.NewTask(taskname.CashoutSubmit, payload),
		asynq.MaxRetry(5),
		asynq.Queue(taskname.QueueCritical),
		asynq.TaskID(taskname.CashoutSubmit+":"+cashoutID),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	return err
}

func decodePayload(t *asynq.Task) (*taskPayload, error) {
	var p taskPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}
	if p.CashoutID == "" {
		return nil, fmt.Errorf("invalid payload: cashout_id is empty")
	}
	return &p, nil
}

func (s *Service) HandleSubmitTask(ctx context.Context, t *asynq.Task) error {
	p, err := decodePayload(t)
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	zap.L().Info("start cashout submit task", zap.String("cashout_id", p.CashoutID), zap.String("trace_id", p.TraceID))
	_, err = s.SubmitToGateway(ctx, p.CashoutID)
	switch {
	case err == nil:
		return nil
	case errutil.Is(err, errutil.StatusNotFound), errutil.Is(err, errutil.StatusInvalidStateTransition):
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	return err
}

// deadLetter leaves the cashout where it is; the reconciliation sweep owns it from here.
func (s *Service) deadLetter(ctx context.Context, t *asynq.Task, cause error) {
	p, err := decodePayload(t)
	if err != nil {
		zap.L().Error("dead letter with unreadable payload", zap.String("task_type", t.Type()), zap.Error(err))
		return
	}

	if errutil.Is(cause, errutil.StatusInvalidStateTransition) {
		return
	}
	zap.L().Error("cashout submission exhausted retries",
		zap.String("cashout_id", p.CashoutID),
		zap.Bool("alert", true),
		zap.Error(cause),
	)
}

func registerTaskHandlers(mux *asynq.ServeMux, dl *task.DeadLetters, s *Service) {
	mux.HandleFunc(taskname.CashoutSubmit, s.HandleSubmitTask)
	dl.Register(taskname.CashoutSubmit, s.deadLetter)
}
