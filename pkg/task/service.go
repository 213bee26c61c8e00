package task

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

type Enqueuer interface {
	Enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

type enqueuerImpl struct {
	client *asynq.Client
}

// NewEnqueuer creates a new Enqueuer instance using asynq.Client.
func NewEnqueuer(client *asynq.Client) Enqueuer {
	return &enqueuerImpl{client: client}
}

func (e *enqueuerImpl) Enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	info, err := e.client.EnqueueContext(ctx, task, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue task: %w", err)
	}
	return info, nil
}

const (
	retryBase = 2 * time.Second
	retryCap  = 5 * time.Minute
)

// ExponentialBackoff doubles the delay for every retry: 2s, 4s, 8s ... capped at 5m.
func ExponentialBackoff(n int, _ error, _ *asynq.Task) time.Duration {
	if n < 0 {
		n = 0
	}
	d := time.Duration(float64(retryBase) * math.Pow(2, float64(n)))
	if d <= 0 || d > retryCap {
		return retryCap
	}
	return d
}

// DeadLetterFunc runs once a task has exhausted its retries or was marked SkipRetry.
type DeadLetterFunc func(ctx context.Context, task *asynq.Task, err error)

type DeadLetters struct {
	mu       sync.RWMutex
	handlers map[string]DeadLetterFunc
}

func NewDeadLetters() *DeadLetters {
	return &DeadLetters{handlers: map[string]DeadLetterFunc{}}
}

func (d *DeadLetters) Register(taskType string, fn DeadLetterFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[taskType] = fn
}

func (d *DeadLetters) lookup(taskType string) (DeadLetterFunc, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	fn, ok := d.handlers[taskType]
	return fn, ok
}

func isSkipRetry(err error) bool {
	return errors.Is(err, asynq.SkipRetry)
}

// Final reports whether the failure was the task's last attempt.
func Final(ctx context.Context, err error) bool {
	if isSkipRetry(err) {
		return true
	}
	retried, ok := asynq.GetRetryCount(ctx)
	if !ok {
		return false
	}
	maxRetry, ok := asynq.GetMaxRetry(ctx)
	if !ok {
		return false
	}
	return retried >= maxRetry
}

// HandleError is the asynq ErrorHandler: logs every failure and routes final
// failures to the registered dead-letter handler.
func (d *DeadLetters) HandleError(ctx context.Context, task *asynq.Task, err error) {
	if !Final(ctx, err) {
		zap.L().Warn("asynq task failed, will retry", zap.String("task_type", task.Type()), zap.Error(err))
		return
	}

	zap.L().Error("asynq task permanently failed", zap.String("task_type", task.Type()), zap.Error(err))
	if fn, ok := d.lookup(task.Type()); ok {
		fn(ctx, task, err)
	}
}
