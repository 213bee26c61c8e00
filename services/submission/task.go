package submission

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"dropproof/pkg/db/option"
	"dropproof/pkg/errutil"
	"dropproof/pkg/ffmpeg"
	"dropproof/pkg/logger"
	"dropproof/pkg/task"
	"dropproof/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func decodePayload(t *asynq.Task) (*taskPayload, error) {
	var p taskPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}
	if p.SubmissionID == "" {
		return nil, fmt.Errorf("invalid payload: submission_id is empty")
	}
	return &p, nil
}

// permanent marks errors retrying cannot fix.
func permanent(err error) error {
	if err == nil {
		return nil
	}
	if errutil.Is(err, errutil.StatusNotFound) || errutil.Is(err, errutil.StatusValidationFailed) {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	return err
}

func (s *Service) HandleScoreTask(ctx context.Context, t *asynq.Task) error {
	p, err := decodePayload(t)
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	zap.L().Info("start score task", zap.String("submission_id", p.SubmissionID), zap.String("trace_id", p.TraceID))
	_, err = s.Score(ctx, p.SubmissionID)
	return permanent(err)
}

func (s *Service) HandleProbeTask(ctx context.Context, t *asynq.Task) error {
	p, err := decodePayload(t)
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	zap.L().Info("start probe task", zap.String("submission_id", p.SubmissionID), zap.String("trace_id", p.TraceID))
	return permanent(s.Probe(ctx, p.SubmissionID))
}

func (s *Service) deadLetter(ctx context.Context, t *asynq.Task, cause error) {
	p, err := decodePayload(t)
	if err != nil {
		zap.L().Error("dead letter with unreadable payload", zap.String("task_type", t.Type()), zap.Error(err))
		return
	}

	if _, err := s.MarkProcessingFailed(context.WithoutCancel(ctx), p.SubmissionID, cause.Error()); err != nil {
		zap.L().Error("failed to dead-letter submission", zap.String("submission_id", p.SubmissionID), zap.Error(err))
	}
}

// Probe reads the uploaded video's real duration and stores a thumbnail, then schedules scoring.
func (s *Service) Probe(ctx context.Context, id string) error {
	log := logger.FromContext(ctx, zap.String("submission_id", id))

	sub, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if sub.Status != StatusQueued {
		return nil
	}

	if sub.ThumbnailKey == "" {
		if s.prober == nil {
			return errutil.Internal("media prober not configured", nil)
		}

		url, err := s.blob.PresignDownload(ctx, sub.VideoKey, 15*time.Minute)
		if err != nil {
			return err
		}

		probe, err := s.prober.Probe(ctx, url)
		if err != nil {
			log.Warn("ffprobe failed", zap.Error(err))
			return err
		}

		at := time.Second
		if probe.Duration < 2*time.Second {
			at = probe.Duration / 2
		}
		frame, err := s.prober.Frame(ctx, url, at)
		if err != nil {
			log.Warn("frame extraction failed", zap.Error(err))
			return err
		}

		thumb, err := ffmpeg.Thumbnail(frame, s.cfg.Media.ThumbnailWidth)
		if err != nil {
			return err
		}

		key := fmt.Sprintf("thumbnails/%s/%s.jpg", sub.UserID, sub.ID)
		if err := s.blob.Put(ctx, key, "image/jpeg", bytes.NewReader(thumb), int64(len(thumb))); err != nil {
			return err
		}

		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			updates := map[string]any{
				"duration_seconds": probe.Duration.Seconds(),
				"thumbnail_key":    key,
				"updated_at":       s.now().UTC(),
			}
			if probe.Size > 0 {
				updates["byte_size"] = probe.Size
			}

			affected, err := s.submission.WithTrx(tx).UpdateWhere(ctx, updates,
				option.WithIDs(id),
				option.ApplyOperator(option.Condition{Field: "status", Operator: option.EQ, Value: StatusQueued}),
				option.ApplyOperator(option.Condition{Field: "thumbnail_key", Operator: option.EQ, Value: ""}),
			)
			if err != nil || affected == 0 {
				return err
			}

			return s.appendEvent(ctx, tx, id, ActorSystem, EventProbed, map[string]any{
				"duration_seconds":        probe.Duration.Seconds(),
				"client_duration_seconds": sub.DurationSeconds,
				"width":                   probe.Width,
				"height":                  probe.Height,
				"thumbnail_key":           key,
			})
		})
		if err != nil {
			return err
		}
	}

	return s.schedule(ctx, taskname.SubmissionScore, id)
}

func registerTaskHandlers(mux *asynq.ServeMux, dl *task.DeadLetters, s *Service) {
	mux.HandleFunc(taskname.SubmissionScore, s.HandleScoreTask)
	mux.HandleFunc(taskname.SubmissionProbe, s.HandleProbeTask)

	dl.Register(taskname.SubmissionScore, s.deadLetter)
	dl.Register(taskname.SubmissionProbe, s.deadLetter)
}
