package ledger

import (
	"context"
	"encoding/json"
	"time"

	"dropproof/pkg/config"
	"dropproof/pkg/db/option"
	"dropproof/pkg/errutil"
	"dropproof/pkg/logger"
	"dropproof/pkg/repository"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var invariantViolations = promauto.NewCounter(prometheus.CounterOpts{
	Name: "ledger_invariant_violations_total",
	Help: "Wallet mutations refused because a balance would go negative or the chain is broken.",
})

// Service is the wallet ledger. Every exported mutation runs as one
// transaction; WithTrx joins the caller's transaction instead.
type Service struct {
	db       *gorm.DB
	node     *snowflake.Node
	currency string

	wallet repository.Repository[Wallet]
	entry  repository.Repository[LedgerEntry]
}

type ServiceParams struct {
	fx.In
	DB     *gorm.DB
	Node   *snowflake.Node
	Config *config.Config `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	currency := "INR"
	if p.Config != nil && p.Config.Cashout.Currency != "" {
		currency = p.Config.Cashout.Currency
	}

	return &Service{
		db:       p.DB,
		node:     p.Node,
		currency: currency,
		wallet:   repository.ProvideStore[Wallet](p.DB),
		entry:    repository.ProvideStore[LedgerEntry](p.DB),
	}
}

func (s *Service) WithTrx(tx *gorm.DB) *Service {
	if tx == nil {
		return s
	}
	clone := *s
	clone.db = tx
	clone.wallet = s.wallet.WithTrx(tx)
	clone.entry = s.entry.WithTrx(tx)
	return &clone
}

type mutation struct {
	kind        Kind
	userID      string
	referenceID string
	points      int64
	cash        decimal.Decimal
	locked      decimal.Decimal
	description string
	metadata    map[string]any
	// precheck runs against the locked wallet before anything is written.
	precheck func(w *Wallet) error
}

// CreditPoints adds points for an approved submission. Crediting the same
// reference twice is a no-op.
func (s *Service) CreditPoints(ctx context.Context, userID string, points int64, referenceID string, metadata map[string]any) (*Wallet, error) {
	if points <= 0 {
		return nil, errutil.ValidationFailed("points must be > 0", nil)
	}

	return s.apply(ctx, mutation{
		kind:        KindCredit,
		userID:      userID,
		referenceID: referenceID,
		points:      points,
		description: "submission approved",
		metadata:    metadata,
	})
}

// LockForCashout deducts points and earmarks cash for an in-flight cashout.
// The balance check and the write happen under the same row lock.
func (s *Service) LockForCashout(ctx context.Context, userID string, points int64, cash decimal.Decimal, referenceID string) (*Wallet, error) {
	if points <= 0 || !cash.IsPositive() {
		return nil, errutil.ValidationFailed("points and cash amount must be > 0", nil)
	}

	return s.apply(ctx, mutation{
		kind:        KindLock,
		userID:      userID,
		referenceID: referenceID,
		points:      -points,
		locked:      cash,
		description: "cashout requested",
		precheck: func(w *Wallet) error {
			if points > w.AvailablePoints() {
				return errutil.InsufficientBalance("insufficient points balance", nil,
					errutil.WithDetails(errutil.Detail{Field: "points", Message: "exceeds available points"}))
			}
			return nil
		},
	})
}

// ReleaseLock moves locked cash into the settled cash balance once a payout succeeded.
func (s *Service) ReleaseLock(ctx context.Context, userID string, cash decimal.Decimal, referenceID string) (*Wallet, error) {
	return s.apply(ctx, mutation{
		kind:        KindSettle,
		userID:      userID,
		referenceID: referenceID,
		locked:      cash.Neg(),
		cash:        cash,
		description: "cashout settled",
	})
}

// RefundPoints restores points and drops the lock for a failed or canceled cashout.
func (s *Service) RefundPoints(ctx context.Context, userID string, points int64, cash decimal.Decimal, referenceID string) (*Wallet, error) {
	return s.apply(ctx, mutation{
		kind:        KindRefund,
		userID:      userID,
		referenceID: referenceID,
		points:      points,
		locked:      cash.Neg(),
		description: "cashout refunded",
	})
}

func (s *Service) apply(ctx context.Context, m mutation) (*Wallet, error) {
	log := logger.FromContext(ctx,
		zap.String("user_id", m.userID),
		zap.String("kind", string(m.kind)),
		zap.String("reference_id", m.referenceID),
	)

	var out *Wallet
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		walletTx := s.wallet.WithTrx(tx)
		entryTx := s.entry.WithTrx(tx)

		w, err := s.lockWallet(ctx, tx, m.userID)
		if err != nil {
			return err
		}

		replay, err := entryTx.FindOne(ctx, &LedgerEntry{UserID: m.userID, ReferenceID: m.referenceID, Kind: m.kind})
		if err != nil {
			return err
		}
		if replay != nil {
			log.Info("ledger mutation already applied", zap.String("entry_id", replay.ID))
			out = w
			return nil
		}

		if m.precheck != nil {
			if err := m.precheck(w); err != nil {
				return err
			}
		}

		next := *w
		next.PointsBalance = w.PointsBalance + m.points
		next.CashBalance = w.CashBalance.Add(m.cash)
		next.LockedAmount = w.LockedAmount.Add(m.locked)
		next.Version = w.Version + 1
		next.UpdatedAt = time.Now().UTC()

		if next.PointsBalance < 0 || next.CashBalance.IsNegative() || next.LockedAmount.IsNegative() {
			invariantViolations.Inc()
			log.Error("ledger invariant violation",
				zap.Bool("alert", true),
				zap.Int64("points_after", next.PointsBalance),
				zap.String("cash_after", next.CashBalance.String()),
				zap.String("locked_after", next.LockedAmount.String()),
			)
			return errutil.LedgerInvariantViolation("wallet balance would become negative", nil)
		}

		affected, err := walletTx.UpdateWhere(ctx, map[string]any{
			"points_balance": next.PointsBalance,
			"cash_balance":   next.CashBalance,
			"locked_amount":  next.LockedAmount,
			"version":        next.Version,
			"updated_at":     next.UpdatedAt,
		}, option.WithIDs(w.ID), option.ApplyOperator(option.Condition{Field: "version", Operator: option.EQ, Value: w.Version}))
		if err != nil {
			return err
		}
		if affected == 0 {
			return errutil.Conflict("wallet changed concurrently", nil)
		}

		previousHash := genesisHash
		last, err := entryTx.FindOne(ctx, &LedgerEntry{UserID: m.userID}, option.WithSortBy(option.QuerySortBy{
			SortBy:  "seq",
			OrderBy: "desc",
			Allow:   map[string]bool{"seq": true},
		}))
		if err != nil {
			return err
		}
		if last != nil {
			previousHash = last.Hash
		}

		var meta datatypes.JSON
		if len(m.metadata) > 0 {
			raw, err := json.Marshal(m.metadata)
			if err != nil {
				return err
			}
			meta = datatypes.JSON(raw)
		}

		entry := &LedgerEntry{
			ID:           s.node.Generate().String(),
			UserID:       m.userID,
			Seq:          next.Version,
			Kind:         m.kind,
			ReferenceID:  m.referenceID,
			PointsDelta:  m.points,
			CashDelta:    m.cash,
			LockedDelta:  m.locked,
			PointsAfter:  next.PointsBalance,
			CashAfter:    next.CashBalance,
			LockedAfter:  next.LockedAmount,
			Description:  m.description,
			PreviousHash: previousHash,
			Metadata:     meta,
			CreatedAt:    time.Now().UTC().Truncate(time.Microsecond),
		}
		entry.Hash = entry.GenerateHash()

		if err := entryTx.Create(ctx, entry); err != nil {
			return err
		}

		out = &next
		return nil
	})
	if err != nil {
		if !errutil.Is(err, errutil.StatusInsufficientBalance) {
			log.Warn("ledger mutation failed", zap.Error(err))
		}
		return nil, err
	}

	return out, nil
}

// lockWallet returns the user's wallet row under FOR UPDATE, creating it on first use.
func (s *Service) lockWallet(ctx context.Context, tx *gorm.DB, userID string) (*Wallet, error) {
	walletTx := s.wallet.WithTrx(tx)

	w, err := walletTx.FindOne(ctx, &Wallet{UserID: userID}, option.WithLockingUpdate())
	if err != nil {
		return nil, err
	}
	if w != nil {
		return w, nil
	}

	now := time.Now().UTC()
	fresh := &Wallet{
		ID:           s.node.Generate().String(),
		UserID:       userID,
		CashBalance:  decimal.Zero,
		LockedAmount: decimal.Zero,
		Currency:     s.currency,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := tx.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(fresh).Error; err != nil {
		return nil, err
	}

	w, err = walletTx.FindOne(ctx, &Wallet{UserID: userID}, option.WithLockingUpdate())
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, errutil.Internal("wallet not created", nil)
	}
	return w, nil
}

// GetWallet returns the user's wallet, or an empty one if the user never earned points.
func (s *Service) GetWallet(ctx context.Context, userID string) (*Wallet, error) {
	w, err := s.wallet.FindOne(ctx, &Wallet{UserID: userID})
	if err != nil {
		return nil, err
	}
	if w == nil {
		return &Wallet{UserID: userID, CashBalance: decimal.Zero, LockedAmount: decimal.Zero, Currency: s.currency}, nil
	}
	return w, nil
}

func (s *Service) ListEntries(ctx context.Context, userID string, limit, offset int) ([]*LedgerEntry, error) {
	return s.entry.Find(ctx, &LedgerEntry{UserID: userID},
		option.WithSortBy(option.QuerySortBy{SortBy: "seq", OrderBy: "desc", Allow: map[string]bool{"seq": true}}),
		option.WithLimit(limit),
		option.WithOffset(offset),
	)
}

// VerifyChain recomputes every hash for the user and checks the final entry
// against the wallet row.
func (s *Service) VerifyChain(ctx context.Context, userID string) error {
	entries, err := s.entry.Find(ctx, &LedgerEntry{UserID: userID},
		option.WithSortBy(option.QuerySortBy{SortBy: "seq", OrderBy: "asc", Allow: map[string]bool{"seq": true}}),
	)
	if err != nil {
		return err
	}

	log := logger.FromContext(ctx, zap.String("user_id", userID))
	broken := func(entry *LedgerEntry, msg string) error {
		invariantViolations.Inc()
		log.Error("ledger chain broken", zap.Bool("alert", true), zap.String("entry_id", entry.ID), zap.String("reason", msg))
		return errutil.LedgerInvariantViolation(msg, nil, errutil.WithDetails(errutil.Detail{Field: "entry_id", Message: entry.ID}))
	}

	previous := genesisHash
	for _, e := range entries {
		if e.PreviousHash != previous {
			return broken(e, "previous hash mismatch")
		}
		if e.GenerateHash() != e.Hash {
			return broken(e, "entry hash mismatch")
		}
		previous = e.Hash
	}

	w, err := s.wallet.FindOne(ctx, &Wallet{UserID: userID})
	if err != nil {
		return err
	}
	if len(entries) == 0 || w == nil {
		return nil
	}

	last := entries[len(entries)-1]
	if last.Seq != w.Version || last.PointsAfter != w.PointsBalance ||
		!last.CashAfter.Equal(w.CashBalance) || !last.LockedAfter.Equal(w.LockedAmount) {
		return broken(last, "wallet does not match last entry")
	}
	return nil
}
