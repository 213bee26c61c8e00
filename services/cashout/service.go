package cashout

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"dropproof/pkg/celengine"
	"dropproof/pkg/config"
	"dropproof/pkg/db/option"
	"dropproof/pkg/errutil"
	"dropproof/pkg/gateway"
	"dropproof/pkg/logger"
	"dropproof/pkg/repository"
	"dropproof/pkg/sequence"
	"dropproof/pkg/task"
	"dropproof/services/ledger"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Service struct {
	db       *gorm.DB
	node     *snowflake.Node
	ledger   *ledger.Service
	gateways *gateway.Registry
	rules    *DestinationValidator
	queue    task.Enqueuer
	seq      sequence.Generator
	now      func() time.Time

	policy Policy

	cashout     repository.Repository[CashoutRequest]
	transaction repository.Repository[PayoutTransaction]
	event       repository.Repository[Event]
}

type ServiceParams struct {
	fx.In

	DB       *gorm.DB
	Node     *snowflake.Node
	Config   *config.Config
	Ledger   *ledger.Service
	Gateways *gateway.Registry
	CEL      *celengine.Engine

	Queue    task.Enqueuer      `optional:"true"`
	Sequence sequence.Generator `optional:"true"`
}

func NewService(p ServiceParams) (*Service, error) {
	policy, err := PolicyFromConfig(p.Config)
	if err != nil {
		return nil, err
	}

	rules, err := NewDestinationValidator(p.CEL, p.Config.Cashout.DestinationRules)
	if err != nil {
		return nil, err
	}

	return &Service{
		db:       p.DB,
		node:     p.Node,
		ledger:   p.Ledger,
		gateways: p.Gateways,
		rules:    rules,
		queue:    p.Queue,
		seq:      p.Sequence,
		now:      time.Now,

		policy: policy,

		cashout:     repository.ProvideStore[CashoutRequest](p.DB),
		transaction: repository.ProvideStore[PayoutTransaction](p.DB),
		event:       repository.ProvideStore[Event](p.DB),
	}, nil
}

func ledgerReference(cashoutID string) string {
	return "cashout:" + cashoutID
}

// CashFor converts points to cash at the configured rate, rounded to 2 places.
func (s *Service) CashFor(points int64) decimal.Decimal {
	return decimal.NewFromInt(points).Mul(s.policy.ConversionRate).Round(2)
}

// Create locks the points and cash for a new PENDING cashout in one transaction.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*CashoutRequest, error) {
	log := logger.FromContext(ctx, zap.String("user_id", req.UserID))

	method, ok := gateway.ParseMethod(req.Method)
	if !ok {
		return nil, errutil.ValidationFailed("unsupported payout method", nil,
			errutil.WithDetails(errutil.Detail{Field: "method", Message: req.Method}))
	}
	if req.Points <= 0 || req.Points < s.policy.MinPoints {
		return nil, errutil.ValidationFailed("points below minimum cashout", nil,
			errutil.WithDetails(errutil.Detail{Field: "points", Message: "minimum is " + strconv.FormatInt(s.policy.MinPoints, 10)}))
	}
	destination := strings.TrimSpace(req.DestinationRef)
	if err := s.rules.Validate(method, destination, req.Points); err != nil {
		return nil, err
	}

	cash := s.CashFor(req.Points)
	if !cash.IsPositive() {
		return nil, errutil.ValidationFailed("cash amount rounds to zero", nil)
	}

	now := s.now().UTC()
	co := &CashoutRequest{
		ID:             s.node.Generate().String(),
		UserID:         req.UserID,
		Points:         req.Points,
		CashAmount:     cash,
		Currency:       s.policy.Currency,
		Method:         method,
		DestinationRef: destination,
		Status:         StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if s.seq != nil {
		if code, err := s.seq.NextCashoutCode(ctx); err != nil {
			log.Warn("failed to allocate cashout code", zap.Error(err))
		} else {
			co.Code = code
		}
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.ledger.WithTrx(tx).LockForCashout(ctx, req.UserID, req.Points, cash, ledgerReference(co.ID)); err != nil {
			return err
		}
		if err := s.cashout.WithTrx(tx).Create(ctx, co); err != nil {
			return err
		}
		return s.appendEvent(ctx, tx, co.ID, req.UserID, EventCreated, map[string]any{
			"points":      co.Points,
			"cash_amount": co.CashAmount.StringFixed(2),
			"method":      co.Method,
		})
	})
	if err != nil {
		return nil, err
	}

	if s.queue != nil {
		if err := scheduleSubmit(ctx, s.queue, co.ID); err != nil {
			// The reconciliation sweep resubmits stale PENDING cashouts.
			log.Error("failed to schedule cashout submission", zap.String("cashout_id", co.ID), zap.Error(err))
		}
	}

	log.Info("cashout created", zap.String("cashout_id", co.ID), zap.String("cash_amount", cash.StringFixed(2)))
	return co, nil
}

// Reject cancels a PENDING cashout and refunds it.
func (s *Service) Reject(ctx context.Context, id, actor, reason string) (*CashoutRequest, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, errutil.ValidationFailed("reason is required", nil,
			errutil.WithDetails(errutil.Detail{Field: "reason", Message: "required"}))
	}

	var out *CashoutRequest
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		co, err := s.lock(ctx, tx, id)
		if err != nil {
			return err
		}
		if co.Status != StatusPending {
			return errutil.InvalidStateTransition(string(co.Status), string(StatusCanceled))
		}

		if _, err := s.ledger.WithTrx(tx).RefundPoints(ctx, co.UserID, co.Points, co.CashAmount, ledgerReference(co.ID)); err != nil {
			return err
		}

		out, err = s.setStatus(ctx, tx, co, StatusCanceled, reason, actor, EventRejected, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SubmitToGateway sends a PENDING cashout to its gateway. An INITIATED cashout
// with no recorded attempt is sent again with the same idempotency key.
func (s *Service) SubmitToGateway(ctx context.Context, id string) (*CashoutRequest, error) {
	return s.submit(ctx, id, false)
}

// Resubmit re-sends an INITIATED cashout the gateway reports no record of.
// The idempotency key is unchanged, so a payout the gateway did create is not duplicated.
func (s *Service) Resubmit(ctx context.Context, id string) (*CashoutRequest, error) {
	return s.submit(ctx, id, true)
}

func (s *Service) submit(ctx context.Context, id string, force bool) (*CashoutRequest, error) {
	log := logger.FromContext(ctx, zap.String("cashout_id", id))

	var (
		co      *CashoutRequest
		already bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.lock(ctx, tx, id)
		if err != nil {
			return err
		}

		switch current.Status {
		case StatusPending:
			now := s.now().UTC()
			current, err = s.setStatus(ctx, tx, current, StatusInitiated, "", ActorSystem, EventSubmitted, map[string]any{"submitted_at": now})
			if err != nil {
				return err
			}
			if err := s.cashout.WithTrx(tx).Update(ctx, id, map[string]any{"submitted_at": now}); err != nil {
				return err
			}
			current.SubmittedAt = &now
		case StatusInitiated:
			attempts, err := s.transaction.WithTrx(tx).Count(ctx, &PayoutTransaction{CashoutID: id})
			if err != nil {
				return err
			}
			already = attempts > 0 && !force
		default:
			return errutil.InvalidStateTransition(string(current.Status), string(StatusInitiated))
		}

		co = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	if already {
		log.Info("cashout already submitted, awaiting reconciliation")
		return co, nil
	}

	gw, err := s.gateways.ForMethod(co.Method)
	if err != nil {
		return s.recordFailure(ctx, co, "", err)
	}

	callCtx := ctx
	if s.policy.GatewayTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, s.policy.GatewayTimeout)
		defer cancel()
	}

	res, err := gw.CreatePayout(callCtx, gateway.PayoutRequest{
		Amount:         co.CashAmount,
		Currency:       co.Currency,
		Method:         co.Method,
		DestinationRef: co.DestinationRef,
		IdempotencyKey: co.ID,
	})
	switch {
	case err != nil && (errors.Is(err, gateway.ErrIndeterminate) || errors.Is(err, context.DeadlineExceeded)):
		return s.recordIndeterminate(ctx, co, gw.Name(), err)
	case err != nil:
		return s.recordFailure(ctx, co, gw.Name(), err)
	}

	status := res.Status
	if !res.Success {
		status = gateway.StatusFailed
	}

	out, err := s.ApplyGatewayOutcome(ctx, Outcome{
		Gateway:       gw.Name(),
		ExternalTxnID: res.ExternalTxnID,
		Reference:     co.ID,
		Status:        status,
		FailureReason: res.FailureReason,
		RawPayload:    res.RawPayload,
	})
	if err != nil {
		return nil, err
	}
	return out.Cashout, nil
}

// recordIndeterminate keeps the cashout INITIATED with a PROCESSING attempt; only
// reconciliation may settle or refund it.
func (s *Service) recordIndeterminate(ctx context.Context, co *CashoutRequest, gatewayName string, cause error) (*CashoutRequest, error) {
	logger.FromContext(ctx, zap.String("cashout_id", co.ID)).Warn("gateway outcome indeterminate, leaving for reconciliation", zap.Error(cause))

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.transaction.WithTrx(tx).Create(ctx, s.newAttempt(co.ID, gatewayName, "", gateway.StatusProcessing, "", errorPayload(cause))); err != nil {
			return err
		}
		return s.appendEvent(ctx, tx, co.ID, ActorSystem, EventIndeterminate, map[string]any{"error": cause.Error()})
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, co.ID)
}

// recordFailure refunds a cashout whose gateway call failed outright.
func (s *Service) recordFailure(ctx context.Context, co *CashoutRequest, gatewayName string, cause error) (*CashoutRequest, error) {
	logger.FromContext(ctx, zap.String("cashout_id", co.ID)).Warn("gateway call failed, refunding", zap.Error(cause))

	if gatewayName == "" {
		gatewayName = s.gatewayName(co.Method)
	}
	out, err := s.ApplyGatewayOutcome(ctx, Outcome{
		Gateway:       gatewayName,
		Reference:     co.ID,
		Status:        gateway.StatusFailed,
		FailureReason: cause.Error(),
		RawPayload:    errorPayload(cause),
	})
	if err != nil {
		return nil, err
	}
	return out.Cashout, nil
}

func (s *Service) gatewayName(method gateway.Method) string {
	if gw, err := s.gateways.ForMethod(method); err == nil {
		return gw.Name()
	}
	return strings.ToLower(string(method))
}

func errorPayload(err error) []byte {
	raw, _ := json.Marshal(map[string]string{"error": err.Error()})
	return raw
}

func (s *Service) newAttempt(cashoutID, gatewayName, externalID string, status gateway.Status, reason string, raw []byte) *PayoutTransaction {
	now := s.now().UTC()
	txn := &PayoutTransaction{
		ID:         s.node.Generate().String(),
		CashoutID:  cashoutID,
		Gateway:    gatewayName,
		Status:     status,
		RawPayload: datatypes.JSON(raw),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if externalID != "" {
		txn.ExternalTxnID = &externalID
	}
	if reason != "" {
		txn.FailureReason = &reason
	}
	return txn
}

// resolveTransaction finds the attempt an outcome refers to: by external id, else
// by cashout reference, creating the row when the outcome arrives first.
func (s *Service) resolveTransaction(ctx context.Context, tx *gorm.DB, o Outcome) (*PayoutTransaction, error) {
	txnTx := s.transaction.WithTrx(tx)

	if o.ExternalTxnID != "" {
		ext := o.ExternalTxnID
		txn, err := txnTx.FindOne(ctx, &PayoutTransaction{Gateway: o.Gateway, ExternalTxnID: &ext})
		if err != nil || txn != nil {
			return txn, err
		}
	}

	if o.Reference == "" {
		return nil, nil
	}

	co, err := s.cashout.WithTrx(tx).FindOne(ctx, &CashoutRequest{ID: o.Reference})
	if err != nil || co == nil {
		return nil, err
	}

	// only the gateway serving the cashout's method may settle it
	if name := s.gatewayName(co.Method); name != o.Gateway {
		logger.FromContext(ctx, zap.String("cashout_id", co.ID)).Warn("gateway outcome for another rail",
			zap.String("gateway", o.Gateway), zap.String("expected_gateway", name))
		return nil, nil
	}

	// an attempt recorded before the gateway assigned an id
	pending, err := txnTx.FindOne(ctx, &PayoutTransaction{CashoutID: co.ID, Gateway: o.Gateway},
		option.ApplyOperator(option.Condition{Field: "external_txn_id", Operator: option.IsNull}),
		option.WithSortBy(option.QuerySortBy{OrderBy: "desc"}),
	)
	if err != nil || pending != nil {
		return pending, err
	}

	txn := s.newAttempt(co.ID, o.Gateway, o.ExternalTxnID, o.Status, o.FailureReason, o.RawPayload)
	if err := txnTx.Create(ctx, txn); err != nil {
		return nil, err
	}
	return txn, nil
}

// ApplyGatewayOutcome maps a gateway status onto the cashout and the wallet.
// Outcomes for terminal cashouts never touch the ledger again; contradicting
// ones are flagged for manual review instead.
func (s *Service) ApplyGatewayOutcome(ctx context.Context, o Outcome) (*OutcomeResult, error) {
	log := logger.FromContext(ctx,
		zap.String("gateway", o.Gateway),
		zap.String("external_txn_id", o.ExternalTxnID),
		zap.String("reference", o.Reference),
		zap.String("status", string(o.Status)),
	)

	result := &OutcomeResult{}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txn, err := s.resolveTransaction(ctx, tx, o)
		if err != nil {
			return err
		}
		if txn == nil {
			return errutil.Unmatched("no payout transaction for gateway outcome", nil)
		}

		co, err := s.lock(ctx, tx, txn.CashoutID)
		if err != nil {
			return err
		}

		manual := conflicting(co.Status, o.Status) || co.Status == StatusPending

		updates := map[string]any{"updated_at": s.now().UTC()}
		assigned := o.ExternalTxnID != "" && txn.ExternalTxnID == nil
		if assigned {
			updates["external_txn_id"] = o.ExternalTxnID
		}
		if manual {
			updates["needs_manual_review"] = true
		}

		// terminal cashouts keep their attempt's final status unless flagged
		changed := assigned
		if !co.Status.Terminal() || manual {
			updates["status"] = o.Status
			changed = changed || txn.Status != o.Status
		}

		// the first payload of a state is kept for audit; replays never overwrite it
		if len(o.RawPayload) > 0 && (len(txn.RawPayload) == 0 || changed) {
			updates["raw_payload"] = datatypes.JSON(o.RawPayload)
		}
		if o.FailureReason != "" && (txn.FailureReason == nil || changed) {
			updates["failure_reason"] = o.FailureReason
		}

		if err := s.transaction.WithTrx(tx).Update(ctx, txn.ID, updates); err != nil {
			return err
		}

		if manual {
			log.Error("gateway outcome contradicts cashout state", zap.Bool("alert", true), zap.String("cashout_status", string(co.Status)))
			if err := s.appendEvent(ctx, tx, co.ID, ActorSystem, EventManualReview, map[string]any{
				"cashout_status": co.Status,
				"gateway_status": o.Status,
				"transaction_id": txn.ID,
			}); err != nil {
				return err
			}
			result.NeedsManualReview = true
		} else if !co.Status.Terminal() {
			co, result.Applied, err = s.transition(ctx, tx, co, o)
			if err != nil {
				return err
			}
		}

		result.Cashout = co
		result.Transaction, err = s.transaction.WithTrx(tx).FindOne(ctx, &PayoutTransaction{ID: txn.ID})
		return err
	})
	if err != nil {
		if !errutil.Is(err, errutil.StatusUnmatched) {
			log.Error("failed to apply gateway outcome", zap.Error(err))
		}
		return nil, err
	}

	if !result.Applied && !result.NeedsManualReview {
		log.Info("gateway outcome recorded without state change")
	}
	return result, nil
}

// conflicting reports outcomes that contradict an already terminal cashout.
func conflicting(current Status, reported gateway.Status) bool {
	switch current {
	case StatusSucceeded:
		return reported == gateway.StatusFailed || reported == gateway.StatusReversed
	case StatusFailed, StatusCanceled:
		return reported == gateway.StatusSucceeded
	}
	return false
}

// transition applies a gateway status to an INITIATED or NEEDS_INFO cashout.
func (s *Service) transition(ctx context.Context, tx *gorm.DB, co *CashoutRequest, o Outcome) (*CashoutRequest, bool, error) {
	led := s.ledger.WithTrx(tx)
	meta := map[string]any{"gateway": o.Gateway, "external_txn_id": o.ExternalTxnID, "gateway_status": o.Status}

	switch o.Status {
	case gateway.StatusSucceeded:
		if _, err := led.ReleaseLock(ctx, co.UserID, co.CashAmount, ledgerReference(co.ID)); err != nil {
			return nil, false, err
		}
		next, err := s.setStatus(ctx, tx, co, StatusSucceeded, "", ActorSystem, EventStatusChanged, meta)
		return next, err == nil, err

	case gateway.StatusFailed, gateway.StatusReversed:
		if _, err := led.RefundPoints(ctx, co.UserID, co.Points, co.CashAmount, ledgerReference(co.ID)); err != nil {
			return nil, false, err
		}
		reason := o.FailureReason
		if reason == "" {
			reason = "gateway reported " + strings.ToLower(string(o.Status))
		}
		next, err := s.setStatus(ctx, tx, co, StatusFailed, reason, ActorSystem, EventStatusChanged, meta)
		return next, err == nil, err

	case gateway.StatusNeedsInfo:
		if co.Status != StatusInitiated {
			return co, false, nil
		}
		next, err := s.setStatus(ctx, tx, co, StatusNeedsInfo, o.FailureReason, ActorSystem, EventStatusChanged, meta)
		return next, err == nil, err
	}

	return co, false, nil
}

// setStatus moves co to next with a compare-and-set on the current status.
func (s *Service) setStatus(ctx context.Context, tx *gorm.DB, co *CashoutRequest, next Status, reason, actor string, kind EventKind, meta map[string]any) (*CashoutRequest, error) {
	now := s.now().UTC()
	updates := map[string]any{"status": next, "updated_at": now}
	if reason != "" {
		updates["failure_reason"] = reason
	}
	if next.Terminal() {
		updates["completed_at"] = now
	}

	affected, err := s.cashout.WithTrx(tx).UpdateWhere(ctx, updates,
		option.WithIDs(co.ID),
		option.ApplyOperator(option.Condition{Field: "status", Operator: option.EQ, Value: co.Status}),
	)
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, errutil.InvalidStateTransition(string(co.Status), string(next))
	}

	if meta == nil {
		meta = map[string]any{}
	}
	meta["from"] = co.Status
	meta["to"] = next
	if reason != "" {
		meta["reason"] = reason
	}
	if err := s.appendEvent(ctx, tx, co.ID, actor, kind, meta); err != nil {
		return nil, err
	}

	return s.cashout.WithTrx(tx).FindOne(ctx, &CashoutRequest{ID: co.ID})
}

func (s *Service) lock(ctx context.Context, tx *gorm.DB, id string) (*CashoutRequest, error) {
	co, err := s.cashout.WithTrx(tx).FindOne(ctx, &CashoutRequest{ID: id}, option.WithLockingUpdate())
	if err != nil {
		return nil, err
	}
	if co == nil {
		return nil, errutil.NotFound("cashout not found", nil)
	}
	return co, nil
}

func (s *Service) appendEvent(ctx context.Context, tx *gorm.DB, cashoutID, actor string, kind EventKind, meta map[string]any) error {
	var raw datatypes.JSON
	if len(meta) > 0 {
		b, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		raw = datatypes.JSON(b)
	}

	return s.event.WithTrx(tx).Create(ctx, &Event{
		ID:        s.node.Generate().String(),
		CashoutID: cashoutID,
		Actor:     actor,
		Kind:      kind,
		Metadata:  raw,
		CreatedAt: s.now().UTC(),
	})
}

func (s *Service) Get(ctx context.Context, id string) (*CashoutRequest, error) {
	co, err := s.cashout.FindOne(ctx, &CashoutRequest{ID: id})
	if err != nil {
		return nil, err
	}
	if co == nil {
		return nil, errutil.NotFound("cashout not found", nil)
	}
	return co, nil
}

func (s *Service) ListByUser(ctx context.Context, userID string, limit, offset int) ([]*CashoutRequest, error) {
	return s.cashout.Find(ctx, &CashoutRequest{UserID: userID},
		option.WithSortBy(option.QuerySortBy{OrderBy: "desc"}),
		option.WithLimit(limit),
		option.WithOffset(offset),
	)
}

func (s *Service) ListTransactions(ctx context.Context, cashoutID string) ([]*PayoutTransaction, error) {
	return s.transaction.Find(ctx, &PayoutTransaction{CashoutID: cashoutID},
		option.WithSortBy(option.QuerySortBy{SortBy: "id", OrderBy: "asc", Allow: map[string]bool{"id": true}}))
}

func (s *Service) ListEvents(ctx context.Context, cashoutID string) ([]*Event, error) {
	return s.event.Find(ctx, &Event{CashoutID: cashoutID},
		option.WithSortBy(option.QuerySortBy{SortBy: "id", OrderBy: "asc", Allow: map[string]bool{"id": true}}))
}

// ListStale returns non-terminal cashouts untouched for longer than olderThan.
func (s *Service) ListStale(ctx context.Context, olderThan time.Duration, limit int) ([]*CashoutRequest, error) {
	return s.cashout.Find(ctx, nil,
		option.ApplyOperator(option.Condition{Field: "status", Operator: option.IN, Value: []string{
			string(StatusPending), string(StatusInitiated), string(StatusNeedsInfo),
		}}),
		option.ApplyOperator(option.Condition{Field: "updated_at", Operator: option.LT, Value: s.now().UTC().Add(-olderThan)}),
		option.WithSortBy(option.QuerySortBy{SortBy: "updated_at", OrderBy: "asc", Allow: map[string]bool{"updated_at": true}}),
		option.WithLimit(limit),
	)
}
