package reconciliation

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"dropproof/pkg/config"
	"dropproof/pkg/db/option"
	"dropproof/pkg/errutil"
	"dropproof/pkg/gateway"
	"dropproof/pkg/logger"
	"dropproof/pkg/repository"
	"dropproof/pkg/task"
	"dropproof/services/cashout"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	webhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payout_webhook_events_total",
		Help: "Verified gateway webhooks by gateway and inbox status.",
	}, []string{"gateway", "status"})
	webhookRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payout_webhook_rejected_total",
		Help: "Gateway webhooks refused before processing.",
	}, []string{"gateway", "reason"})
	sweepReconciled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payout_reconciliation_sweep_cashouts_total",
	})
)

// SubmissionRequeuer re-schedules submissions stuck before scoring.
type SubmissionRequeuer interface {
	RequeueStale(ctx context.Context, olderThan time.Duration, limit int) (int, error)
}

type Service struct {
	db        *gorm.DB
	cashouts  *cashout.Service
	gateways  *gateway.Registry
	verifiers map[string]Verifier
	queue     task.Enqueuer
	requeuer  SubmissionRequeuer
	now       func() time.Time

	staleAfter time.Duration
	batchSize  int
	poolSize   int

	inbox repository.Repository[WebhookEvent]
}

type ServiceParams struct {
	fx.In

	DB        *gorm.DB
	Config    *config.Config
	Cashouts  *cashout.Service
	Gateways  *gateway.Registry
	Verifiers map[string]Verifier

	Queue    task.Enqueuer      `optional:"true"`
	Requeuer SubmissionRequeuer `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	rc := p.Config.Reconciliation
	return &Service{
		db:        p.DB,
		cashouts:  p.Cashouts,
		gateways:  p.Gateways,
		verifiers: p.Verifiers,
		queue:     p.Queue,
		requeuer:  p.Requeuer,
		now:       time.Now,

		staleAfter: rc.StaleAfter,
		batchSize:  rc.BatchSize,
		poolSize:   rc.PoolSize,

		inbox: repository.ProvideStore[WebhookEvent](p.DB),
	}
}

// HandleWebhook verifies and applies one gateway notification. Unknown
// transactions are kept in the inbox as UNMATCHED rather than failing the delivery.
func (s *Service) HandleWebhook(ctx context.Context, gatewayName string, body []byte, signature string) (*WebhookEvent, error) {
	gatewayName = strings.ToLower(strings.TrimSpace(gatewayName))
	log := logger.FromContext(ctx, zap.String("gateway", gatewayName))

	if _, ok := s.gateways.ByName(gatewayName); !ok {
		webhookRejected.WithLabelValues(gatewayName, "unknown_gateway").Inc()
		return nil, errutil.NotFound("unknown gateway", nil)
	}

	verifier, ok := s.verifiers[gatewayName]
	if !ok {
		webhookRejected.WithLabelValues(gatewayName, "no_verifier").Inc()
		log.Warn("webhook refused, no signature verifier configured")
		return nil, errutil.Unauthorized("webhook signature cannot be verified", nil)
	}
	if err := verifier.Verify(body, signature); err != nil {
		webhookRejected.WithLabelValues(gatewayName, "bad_signature").Inc()
		log.Warn("webhook signature rejected", zap.Int("body_bytes", len(body)))
		return nil, errutil.Unauthorized("invalid webhook signature", err)
	}

	var n notification
	if err := json.Unmarshal(body, &n); err != nil {
		webhookRejected.WithLabelValues(gatewayName, "malformed").Inc()
		return nil, errutil.ValidationFailed("malformed webhook body", err)
	}
	if n.EventID == "" {
		n.EventID = uuid.NewSHA1(uuid.NameSpaceOID, body).String()
	}
	if n.Status == "" {
		if v, ok := n.Payload["status"].(string); ok {
			n.Status = v
		}
	}

	log = log.With(zap.String("event_id", n.EventID), zap.String("external_txn_id", n.ExternalTxnID))

	existing, err := s.inbox.FindOne(ctx, &WebhookEvent{Gateway: gatewayName, EventID: n.EventID})
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.Status != WebhookUnmatched {
		if _, err := s.inbox.UpdateWhere(ctx, map[string]any{"deliveries": gorm.Expr("deliveries + 1")}, option.WithIDs(existing.ID)); err != nil {
			return nil, err
		}
		log.Info("duplicate webhook delivery", zap.String("status", string(existing.Status)))
		return existing, nil
	}

	now := s.now().UTC()
	ev := &WebhookEvent{
		ID:            uuid.NewString(),
		Gateway:       gatewayName,
		EventID:       n.EventID,
		EventType:     n.EventType,
		ExternalTxnID: n.ExternalTxnID,
		Reference:     n.Reference,
		RawBody:       datatypes.JSON(body),
		ReceivedAt:    now,
		Deliveries:    1,
	}
	if existing != nil {
		ev.ID = existing.ID
		ev.ReceivedAt = existing.ReceivedAt
		ev.Deliveries = existing.Deliveries + 1
	}

	if err := s.process(ctx, ev, n); err != nil {
		return nil, err
	}
	ev.ProcessedAt = &now

	if existing == nil {
		err = s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(ev).Error
	} else {
		err = s.inbox.Update(ctx, ev.ID, map[string]any{
			"status":          ev.Status,
			"reported_status": ev.ReportedStatus,
			"cashout_id":      ev.CashoutID,
			"error":           ev.Error,
			"deliveries":      ev.Deliveries,
			"processed_at":    ev.ProcessedAt,
		})
	}
	if err != nil {
		return nil, err
	}

	webhookEvents.WithLabelValues(gatewayName, string(ev.Status)).Inc()
	return ev, nil
}

func (s *Service) process(ctx context.Context, ev *WebhookEvent, n notification) error {
	log := logger.FromContext(ctx, zap.String("gateway", ev.Gateway), zap.String("event_id", ev.EventID))

	if n.Status == "" || (n.ExternalTxnID == "" && n.Reference == "") {
		ev.Status = WebhookIgnored
		log.Info("webhook carries no payout outcome", zap.String("event_type", n.EventType))
		return nil
	}
	ev.ReportedStatus = gateway.NormalizeStatus(n.Status)

	res, err := s.cashouts.ApplyGatewayOutcome(ctx, cashout.Outcome{
		Gateway:       ev.Gateway,
		ExternalTxnID: n.ExternalTxnID,
		Reference:     n.Reference,
		Status:        ev.ReportedStatus,
		FailureReason: n.FailureReason,
		RawPayload:    ev.RawBody,
	})
	switch {
	case errutil.Is(err, errutil.StatusUnmatched):
		msg := err.Error()
		ev.Status = WebhookUnmatched
		ev.Error = &msg
		log.Error("webhook matches no payout transaction", zap.Bool("alert", true))
		return nil
	case err != nil:
		return err
	}

	ev.CashoutID = &res.Cashout.ID
	ev.Status = WebhookProcessed
	if res.NeedsManualReview {
		ev.Status = WebhookNeedsManualReview
	}
	return nil
}

func (s *Service) ListUnmatched(ctx context.Context, limit, offset int) ([]*WebhookEvent, error) {
	return s.inbox.Find(ctx, nil,
		option.ApplyOperator(option.Condition{Field: "status", Operator: option.IN, Value: []string{
			string(WebhookUnmatched), string(WebhookNeedsManualReview),
		}}),
		option.WithSortBy(option.QuerySortBy{SortBy: "received_at", OrderBy: "asc", Allow: map[string]bool{"received_at": true}}),
		option.WithLimit(limit),
		option.WithOffset(offset),
	)
}

// Reconcile asks the gateway for the payout behind a non-terminal cashout and
// applies its answer.
func (s *Service) Reconcile(ctx context.Context, cashoutID string) (*cashout.CashoutRequest, error) {
	log := logger.FromContext(ctx, zap.String("cashout_id", cashoutID))

	co, err := s.cashouts.Get(ctx, cashoutID)
	if err != nil {
		return nil, err
	}

	switch {
	case co.Status.Terminal():
		return co, nil
	case co.Status == cashout.StatusPending:
		return s.cashouts.SubmitToGateway(ctx, co.ID)
	}

	gw, err := s.gateways.ForMethod(co.Method)
	if err != nil {
		return nil, err
	}

	res, err := gw.FetchPayout(ctx, co.ID)
	if errors.Is(err, gateway.ErrNotFound) {
		if co.Status != cashout.StatusInitiated {
			return co, nil
		}
		log.Warn("gateway has no record of payout, resubmitting")
		return s.cashouts.Resubmit(ctx, co.ID)
	}
	if err != nil {
		log.Warn("payout status poll failed", zap.Error(err))
		return nil, err
	}

	out, err := s.cashouts.ApplyGatewayOutcome(ctx, cashout.Outcome{
		Gateway:       gw.Name(),
		ExternalTxnID: res.ExternalTxnID,
		Reference:     co.ID,
		Status:        res.Status,
		FailureReason: res.FailureReason,
		RawPayload:    res.RawPayload,
	})
	if err != nil {
		return nil, err
	}
	return out.Cashout, nil
}

// Sweep reconciles stale cashouts on a bounded pool and requeues stale submissions.
func (s *Service) Sweep(ctx context.Context) (*SweepResult, error) {
	log := logger.FromContext(ctx)
	result := &SweepResult{}

	if s.requeuer != nil {
		n, err := s.requeuer.RequeueStale(ctx, s.staleAfter, s.batchSize)
		if err != nil {
			log.Error("failed to requeue stale submissions", zap.Error(err))
		}
		result.Submissions = n
	}

	stale, err := s.cashouts.ListStale(ctx, s.staleAfter, s.batchSize)
	if err != nil {
		return result, err
	}
	if len(stale) == 0 {
		return result, nil
	}

	size := s.poolSize
	if size <= 0 || size > len(stale) {
		size = len(stale)
	}
	pool, err := ants.NewPool(size)
	if err != nil {
		return result, err
	}
	defer pool.Release()

	var (
		wg     sync.WaitGroup
		done   atomic.Int64
		failed atomic.Int64
	)
	for _, co := range stale {
		id := co.ID
		wg.Add(1)
		err := pool.Submit(func() {
			defer wg.Done()
			if _, err := s.Reconcile(ctx, id); err != nil {
				failed.Add(1)
				log.Warn("reconcile failed", zap.String("cashout_id", id), zap.Error(err))
				return
			}
			done.Add(1)
		})
		if err != nil {
			wg.Done()
			failed.Add(1)
			log.Error("failed to submit reconcile job", zap.String("cashout_id", id), zap.Error(err))
		}
	}
	wg.Wait()

	result.Cashouts = int(done.Load())
	result.Failed = int(failed.Load())
	sweepReconciled.Add(float64(result.Cashouts))

	log.Info("reconciliation sweep finished",
		zap.Int("cashouts", result.Cashouts),
		zap.Int("failed", result.Failed),
		zap.Int("submissions_requeued", result.Submissions),
	)
	return result, nil
}
