package submission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"dropproof/pkg/blobstore"
	"dropproof/pkg/config"
	"dropproof/pkg/db/option"
	"dropproof/pkg/errutil"
	"dropproof/pkg/featureflags"
	"dropproof/pkg/ffmpeg"
	"dropproof/pkg/logger"
	"dropproof/pkg/repository"
	"dropproof/pkg/sequence"
	"dropproof/pkg/task"
	"dropproof/pkg/taskname"
	"dropproof/services/geo"
	"dropproof/services/ledger"
	"dropproof/services/scoring"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var uploadContentTypes = map[string]string{
	"video/mp4":       "mp4",
	"video/quicktime": "mov",
	"video/webm":      "webm",
}

// DropPointFinder resolves the nearest active drop point for a coordinate.
type DropPointFinder interface {
	Nearest(ctx context.Context, c geo.Coordinate) (*geo.Match, bool, error)
}

type Service struct {
	db     *gorm.DB
	node   *snowflake.Node
	cfg    *config.Config
	blob   blobstore.BlobStore
	queue  task.Enqueuer
	geo    DropPointFinder
	engine *scoring.Engine
	ledger *ledger.Service
	flags  featureflags.FeatureFlag
	seq    sequence.Generator
	prober ffmpeg.Prober
	now    func() time.Time

	submission repository.Repository[Submission]
	event      repository.Repository[Event]
}

type ServiceParams struct {
	fx.In

	DB     *gorm.DB
	Node   *snowflake.Node
	Config *config.Config
	Blob   blobstore.BlobStore
	Queue  task.Enqueuer
	Geo    DropPointFinder
	Engine *scoring.Engine
	Ledger *ledger.Service

	Flags    featureflags.FeatureFlag `optional:"true"`
	Sequence sequence.Generator       `optional:"true"`
	Prober   ffmpeg.Prober            `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:     p.DB,
		node:   p.Node,
		cfg:    p.Config,
		blob:   p.Blob,
		queue:  p.Queue,
		geo:    p.Geo,
		engine: p.Engine,
		ledger: p.Ledger,
		flags:  p.Flags,
		seq:    p.Sequence,
		prober: p.Prober,
		now:    time.Now,

		submission: repository.ProvideStore[Submission](p.DB),
		event:      repository.ProvideStore[Event](p.DB),
	}
}

func creditReference(submissionID string) string {
	return "submission:" + submissionID
}

func (s *Service) RequestUpload(ctx context.Context, userID, contentType string, byteSize int64) (*UploadTicket, error) {
	ext, ok := uploadContentTypes[strings.ToLower(strings.TrimSpace(contentType))]
	if !ok {
		return nil, errutil.UnsupportedMediaType("unsupported video content type", nil,
			errutil.WithDetails(errutil.Detail{Field: "content_type", Message: contentType}))
	}
	if byteSize <= 0 || (s.cfg.Media.MaxBytes > 0 && byteSize > s.cfg.Media.MaxBytes) {
		return nil, errutil.ValidationFailed("invalid video size", nil,
			errutil.WithDetails(errutil.Detail{Field: "byte_size", Message: fmt.Sprintf("must be between 1 and %d", s.cfg.Media.MaxBytes)}))
	}

	ttl := s.cfg.Media.UploadTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}

	key := fmt.Sprintf("videos/%s/%s.%s", userID, s.node.Generate().String(), ext)
	url, err := s.blob.PresignUpload(ctx, key, contentType, ttl)
	if err != nil {
		logger.FromContext(ctx).Error("failed to presign upload", zap.String("key", key), zap.Error(err))
		return nil, errutil.Internal("failed to presign upload", err)
	}

	return &UploadTicket{Key: key, URL: url, ExpiresAt: s.now().UTC().Add(ttl)}, nil
}

// Enqueue persists a new QUEUED submission and schedules processing. It never waits for scoring.
func (s *Service) Enqueue(ctx context.Context, req EnqueueRequest) (*Submission, error) {
	log := logger.FromContext(ctx, zap.String("user_id", req.UserID))

	if req.UserID == "" {
		return nil, errutil.ValidationFailed("user is required", nil)
	}
	if !strings.HasPrefix(req.VideoKey, "videos/"+req.UserID+"/") {
		return nil, errutil.ValidationFailed("video key does not belong to caller", nil,
			errutil.WithDetails(errutil.Detail{Field: "video_key", Message: req.VideoKey}))
	}
	if req.DurationSeconds < 0 || req.ByteSize < 0 {
		return nil, errutil.ValidationFailed("duration and size must be non-negative", nil)
	}
	if s.cfg.Media.MaxBytes > 0 && req.ByteSize > s.cfg.Media.MaxBytes {
		return nil, errutil.ValidationFailed("video exceeds maximum size", nil)
	}

	exists, err := s.blob.Exists(ctx, req.VideoKey)
	if err != nil {
		log.Error("failed to check video object", zap.Error(err))
		return nil, errutil.Internal("failed to check video upload", err)
	}
	if !exists {
		return nil, errutil.ValidationFailed("video has not been uploaded", nil,
			errutil.WithDetails(errutil.Detail{Field: "video_key", Message: req.VideoKey}))
	}

	now := s.now().UTC()
	sub := &Submission{
		ID:                s.node.Generate().String(),
		UserID:            req.UserID,
		VideoKey:          req.VideoKey,
		DurationSeconds:   req.DurationSeconds,
		ByteSize:          req.ByteSize,
		DeviceFingerprint: strings.TrimSpace(req.DeviceFingerprint),
		Latitude:          req.Latitude,
		Longitude:         req.Longitude,
		Status:            StatusQueued,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if req.RecordedAt != nil {
		sub.RecordedAt = req.RecordedAt.UTC()
	}
	if s.seq != nil {
		if code, err := s.seq.NextSubmissionCode(ctx); err != nil {
			log.Warn("failed to allocate submission code", zap.Error(err))
		} else {
			sub.Code = code
		}
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.submission.WithTrx(tx).Create(ctx, sub); err != nil {
			return err
		}
		return s.appendEvent(ctx, tx, sub.ID, req.UserID, EventCreated, map[string]any{
			"video_key":          sub.VideoKey,
			"device_fingerprint": sub.DeviceFingerprint,
		})
	})
	if err != nil {
		log.Error("failed to persist submission", zap.Error(err))
		return nil, err
	}

	next := taskname.SubmissionScore
	if s.cfg.Media.ProbeEnabled && s.prober != nil {
		next = taskname.SubmissionProbe
	}
	if err := s.schedule(ctx, next, sub.ID); err != nil {
		// RequeueStale picks it up later.
		log.Error("failed to schedule submission processing", zap.String("submission_id", sub.ID), zap.Error(err))
	}

	log.Info("submission queued", zap.String("submission_id", sub.ID))
	return sub, nil
}

func (s *Service) schedule(ctx context.Context, taskType, submissionID string) error {
	payload, err := json.Marshal(taskPayload{
		SubmissionID: submissionID,
		TraceID:      trace.SpanContextFromContext(ctx).TraceID().String(),
	})
	if err != nil {
		return err
	}

	_, err = s.queue.Enqueue(ctx, asynq.NewTask(taskType, payload),
		asynq.MaxRetry(2),
		asynq.Queue(taskname.QueueDefault),
		asynq.TaskID(taskType+":"+submissionID),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	return err
}

// RequeueStale re-schedules scoring for submissions stuck in QUEUED.
func (s *Service) RequeueStale(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	rows, err := s.submission.Find(ctx, &Submission{Status: StatusQueued},
		option.ApplyOperator(option.Condition{Field: "created_at", Operator: option.LT, Value: s.now().UTC().Add(-olderThan)}),
		option.WithSortBy(option.QuerySortBy{OrderBy: "asc"}),
		option.WithLimit(limit),
	)
	if err != nil {
		return 0, err
	}

	scheduled := 0
	for _, sub := range rows {
		next := taskname.SubmissionScore
		if s.cfg.Media.ProbeEnabled && s.prober != nil && sub.ThumbnailKey == "" {
			next = taskname.SubmissionProbe
		}
		if err := s.schedule(ctx, next, sub.ID); err != nil {
			logger.FromContext(ctx).Warn("failed to requeue submission", zap.String("submission_id", sub.ID), zap.Error(err))
			continue
		}
		scheduled++
	}
	return scheduled, nil
}

func (s *Service) facts(ctx context.Context, sub *Submission) (scoring.Facts, error) {
	f := scoring.Facts{
		RecordedAt:        sub.RecordedAt,
		DurationSeconds:   sub.DurationSeconds,
		DeviceFingerprint: sub.DeviceFingerprint,
		SubmittedAt:       sub.CreatedAt,
		Now:               s.now().UTC(),
	}

	if sub.Latitude != nil && sub.Longitude != nil {
		c := geo.Coordinate{Lat: *sub.Latitude, Lon: *sub.Longitude}
		f.Coordinate = &c
		if c.Valid() {
			m, ok, err := s.geo.Nearest(ctx, c)
			if err != nil {
				return f, err
			}
			if ok {
				f.Nearest = m
			}
		}
	}

	notSelf := option.ApplyOperator(option.Condition{Field: "id", Operator: option.NEQ, Value: sub.ID})
	upTo := option.ApplyOperator(option.Condition{Field: "created_at", Operator: option.LTE, Value: sub.CreatedAt})

	if sub.DeviceFingerprint != "" {
		prev, err := s.submission.FindOne(ctx, &Submission{DeviceFingerprint: sub.DeviceFingerprint},
			notSelf, upTo, option.WithSortBy(option.QuerySortBy{OrderBy: "desc"}))
		if err != nil {
			return f, err
		}
		if prev != nil {
			at := prev.CreatedAt
			f.PreviousDeviceAt = &at
		}
	}

	dayStart := sub.CreatedAt.UTC().Truncate(24 * time.Hour)
	count, err := s.submission.Count(ctx, &Submission{UserID: sub.UserID},
		notSelf, upTo,
		option.ApplyOperator(option.Condition{Field: "created_at", Operator: option.GTE, Value: dayStart}),
	)
	if err != nil {
		return f, err
	}
	f.SubmissionsToday = count

	return f, nil
}

func statusFor(o scoring.Outcome) Status {
	switch o {
	case scoring.OutcomeAutoVerify:
		return StatusAutoVerified
	case scoring.OutcomeReject:
		return StatusRejected
	default:
		return StatusNeedsReview
	}
}

// Score computes and stores the trust score. Already scored submissions are
// returned unchanged, so duplicate job deliveries are harmless.
func (s *Service) Score(ctx context.Context, id string) (*Submission, error) {
	log := logger.FromContext(ctx, zap.String("submission_id", id))

	sub, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub.Status != StatusQueued {
		log.Info("submission already scored", zap.String("status", string(sub.Status)))
		return sub, nil
	}

	facts, err := s.facts(ctx, sub)
	if err != nil {
		log.Error("failed to collect scoring facts", zap.Error(err))
		return nil, err
	}

	res := s.engine.Score(facts)
	next := statusFor(res.Outcome)

	meta := map[string]any{
		"from":      StatusQueued,
		"to":        next,
		"score":     res.Score,
		"breakdown": res.Breakdown,
	}
	if len(res.Violations) > 0 {
		meta["violations"] = res.Violations
	}
	if res.DropPointID != "" {
		meta["drop_point_id"] = res.DropPointID
		meta["distance_m"] = res.DistanceM
	}
	if next == StatusAutoVerified && s.flags != nil &&
		!s.flags.IsEnabled(ctx, sub.UserID, s.cfg.Scoring.AutoVerifyFeatureKey, true) {
		next = StatusNeedsReview
		meta["to"] = next
		meta["auto_verify_disabled"] = true
	}

	breakdown, err := json.Marshal(res)
	if err != nil {
		return nil, err
	}

	var out *Submission
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		subTx := s.submission.WithTrx(tx)

		current, err := subTx.FindOne(ctx, &Submission{ID: id}, option.WithLockingUpdate())
		if err != nil {
			return err
		}
		if current == nil {
			return errutil.NotFound("submission not found", nil)
		}
		if current.Status != StatusQueued {
			out = current
			return nil
		}

		now := s.now().UTC()
		updates := map[string]any{
			"status":          next,
			"trust_score":     res.Score,
			"score_breakdown": datatypes.JSON(breakdown),
			"scored_at":       now,
			"updated_at":      now,
		}
		if res.DropPointID != "" {
			updates["drop_point_id"] = res.DropPointID
		}
		if next == StatusRejected {
			updates["rejection_reason"] = rejectionReason(res)
			meta["reason"] = updates["rejection_reason"]
		}

		var points int64
		if next == StatusAutoVerified {
			points = s.cfg.Scoring.PointsPerSubmission
			updates["points_awarded"] = points
			meta["points_awarded"] = points
		}

		affected, err := subTx.UpdateWhere(ctx, updates, option.WithIDs(id),
			option.ApplyOperator(option.Condition{Field: "status", Operator: option.EQ, Value: StatusQueued}))
		if err != nil {
			return err
		}
		if affected == 0 {
			return errutil.Conflict("submission changed while scoring", nil)
		}

		if err := s.appendEvent(ctx, tx, id, ActorSystem, EventScored, meta); err != nil {
			return err
		}

		if points > 0 {
			if _, err := s.ledger.WithTrx(tx).CreditPoints(ctx, current.UserID, points, creditReference(id), map[string]any{
				"submission_id": id,
				"source":        string(StatusAutoVerified),
			}); err != nil {
				return err
			}
		}

		out, err = subTx.FindOne(ctx, &Submission{ID: id})
		return err
	})
	if err != nil {
		log.Error("failed to store score", zap.Error(err))
		return nil, err
	}

	log.Info("submission scored", zap.Float64("score", res.Score), zap.String("status", string(out.Status)))
	return out, nil
}

func rejectionReason(res scoring.Result) string {
	if len(res.Violations) > 0 {
		return "invalid_submission: " + strings.Join(res.Violations, ",")
	}
	return "low_trust_score"
}

// Decide records a moderator decision on a NEEDS_REVIEW submission.
func (s *Service) Decide(ctx context.Context, id, moderatorID string, approve bool, reason string) (*Submission, error) {
	log := logger.FromContext(ctx, zap.String("submission_id", id), zap.String("moderator_id", moderatorID))
	reason = strings.TrimSpace(reason)

	next := StatusRejected
	if approve {
		next = StatusApproved
	}

	var out *Submission
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		subTx := s.submission.WithTrx(tx)

		current, err := subTx.FindOne(ctx, &Submission{ID: id}, option.WithLockingUpdate())
		if err != nil {
			return err
		}
		if current == nil {
			return errutil.NotFound("submission not found", nil)
		}
		if current.Status != StatusNeedsReview {
			return errutil.InvalidStateTransition(string(current.Status), string(next))
		}
		if !approve && reason == "" {
			return errutil.ValidationFailed("reason is required to reject", nil,
				errutil.WithDetails(errutil.Detail{Field: "reason", Message: "required"}))
		}

		now := s.now().UTC()
		updates := map[string]any{"status": next, "updated_at": now}
		meta := map[string]any{"from": current.Status, "to": next, "decision": "reject", "reason": reason}

		var points int64
		if approve {
			meta["decision"] = "approve"
			points = s.cfg.Scoring.PointsPerSubmission
			updates["points_awarded"] = points
			meta["points_awarded"] = points
		} else {
			updates["rejection_reason"] = reason
		}

		affected, err := subTx.UpdateWhere(ctx, updates, option.WithIDs(id),
			option.ApplyOperator(option.Condition{Field: "status", Operator: option.EQ, Value: StatusNeedsReview}))
		if err != nil {
			return err
		}
		if affected == 0 {
			return errutil.InvalidStateTransition(string(current.Status), string(next))
		}

		if err := s.appendEvent(ctx, tx, id, moderatorID, EventModerated, meta); err != nil {
			return err
		}

		if points > 0 {
			if _, err := s.ledger.WithTrx(tx).CreditPoints(ctx, current.UserID, points, creditReference(id), map[string]any{
				"submission_id": id,
				"source":        string(StatusApproved),
				"moderator_id":  moderatorID,
			}); err != nil {
				return err
			}
		}

		out, err = subTx.FindOne(ctx, &Submission{ID: id})
		return err
	})
	if err != nil {
		log.Warn("moderation failed", zap.Error(err))
		return nil, err
	}

	log.Info("submission moderated", zap.String("status", string(out.Status)))
	return out, nil
}

// MarkProcessingFailed rejects a submission whose processing exhausted its retries.
func (s *Service) MarkProcessingFailed(ctx context.Context, id, reason string) (*Submission, error) {
	var out *Submission
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		subTx := s.submission.WithTrx(tx)

		current, err := subTx.FindOne(ctx, &Submission{ID: id}, option.WithLockingUpdate())
		if err != nil {
			return err
		}
		if current == nil {
			return errutil.NotFound("submission not found", nil)
		}
		if current.Status != StatusQueued {
			out = current
			return nil
		}

		rejection := "processing_failed: " + reason
		now := s.now().UTC()
		if _, err := subTx.UpdateWhere(ctx, map[string]any{
			"status":           StatusRejected,
			"rejection_reason": rejection,
			"updated_at":       now,
		}, option.WithIDs(id)); err != nil {
			return err
		}

		if err := s.appendEvent(ctx, tx, id, ActorSystem, EventDeadLettered, map[string]any{
			"from":   StatusQueued,
			"to":     StatusRejected,
			"reason": rejection,
		}); err != nil {
			return err
		}

		out, err = subTx.FindOne(ctx, &Submission{ID: id})
		return err
	})
	if err != nil {
		return nil, err
	}

	logger.FromContext(ctx).Warn("submission dead-lettered", zap.String("submission_id", id), zap.String("reason", reason))
	return out, nil
}

func (s *Service) appendEvent(ctx context.Context, tx *gorm.DB, submissionID, actor string, kind EventKind, meta map[string]any) error {
	return s.event.WithTrx(tx).Create(ctx, &Event{
		ID:           s.node.Generate().String(),
		SubmissionID: submissionID,
		Actor:        actor,
		Kind:         kind,
		Metadata:     marshalMeta(meta),
		CreatedAt:    s.now().UTC(),
	})
}

func (s *Service) Get(ctx context.Context, id string) (*Submission, error) {
	sub, err := s.submission.FindOne(ctx, &Submission{ID: id})
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, errutil.NotFound("submission not found", nil)
	}
	return sub, nil
}

func (s *Service) ListEvents(ctx context.Context, id string) ([]*Event, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.event.Find(ctx, &Event{SubmissionID: id},
		option.WithSortBy(option.QuerySortBy{SortBy: "id", OrderBy: "asc", Allow: map[string]bool{"id": true}}))
}

// ListForReview returns the moderation queue, oldest first.
func (s *Service) ListForReview(ctx context.Context, limit, offset int) ([]*Submission, error) {
	return s.submission.Find(ctx, &Submission{Status: StatusNeedsReview},
		option.WithSortBy(option.QuerySortBy{OrderBy: "asc"}),
		option.WithLimit(limit),
		option.WithOffset(offset),
	)
}

func (s *Service) ListByUser(ctx context.Context, userID string, limit, offset int) ([]*Submission, error) {
	return s.submission.Find(ctx, &Submission{UserID: userID},
		option.WithSortBy(option.QuerySortBy{OrderBy: "desc"}),
		option.WithLimit(limit),
		option.WithOffset(offset),
	)
}
