package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

const genesisHash = "GENESIS"

type Kind string

const (
	KindCredit Kind = "CREDIT_POINTS"
	KindLock   Kind = "LOCK_CASHOUT"
	KindSettle Kind = "SETTLE_CASHOUT"
	KindRefund Kind = "REFUND_CASHOUT"
)

// Wallet is the per-user balance row. It is only mutated under a row lock
// and every mutation bumps Version.
type Wallet struct {
	ID            string          `gorm:"column:id;primaryKey" json:"id"`
	UserID        string          `gorm:"column:user_id;uniqueIndex" json:"user_id"`
	PointsBalance int64           `gorm:"column:points_balance" json:"points_balance"`
	CashBalance   decimal.Decimal `gorm:"column:cash_balance;type:numeric(18,2)" json:"cash_balance"`
	LockedAmount  decimal.Decimal `gorm:"column:locked_amount;type:numeric(18,2)" json:"locked_amount"`
	Currency      string          `gorm:"column:currency" json:"currency"`
	Version       int64           `gorm:"column:version" json:"version"`
	CreatedAt     time.Time       `gorm:"column:created_at" json:"created_at"`
	UpdatedAt     time.Time       `gorm:"column:updated_at" json:"updated_at"`
}

func (Wallet) TableName() string { return "wallets" }

// AvailablePoints is what a new cashout may consume. Points locked by open
// cashouts were already deducted from PointsBalance when the lock was taken.
func (w *Wallet) AvailablePoints() int64 { return w.PointsBalance }

// LedgerEntry records one wallet mutation. Entries form a hash chain per user
// ordered by Seq, and (user_id, reference_id, kind) makes replays detectable.
type LedgerEntry struct {
	ID           string          `gorm:"column:id;primaryKey" json:"id"`
	UserID       string          `gorm:"column:user_id;uniqueIndex:uq_ledger_ref,priority:1;uniqueIndex:uq_ledger_seq,priority:1" json:"user_id"`
	Seq          int64           `gorm:"column:seq;uniqueIndex:uq_ledger_seq,priority:2" json:"seq"`
	Kind         Kind            `gorm:"column:kind;uniqueIndex:uq_ledger_ref,priority:3" json:"kind"`
	ReferenceID  string          `gorm:"column:reference_id;uniqueIndex:uq_ledger_ref,priority:2" json:"reference_id"`
	PointsDelta  int64           `gorm:"column:points_delta" json:"points_delta"`
	CashDelta    decimal.Decimal `gorm:"column:cash_delta;type:numeric(18,2)" json:"cash_delta"`
	LockedDelta  decimal.Decimal `gorm:"column:locked_delta;type:numeric(18,2)" json:"locked_delta"`
	PointsAfter  int64           `gorm:"column:points_after" json:"points_after"`
	CashAfter    decimal.Decimal `gorm:"column:cash_after;type:numeric(18,2)" json:"cash_after"`
	LockedAfter  decimal.Decimal `gorm:"column:locked_after;type:numeric(18,2)" json:"locked_after"`
	Description  string          `gorm:"column:description" json:"description"`
	PreviousHash string          `gorm:"column:previous_hash" json:"previous_hash"`
	Hash         string          `gorm:"column:hash" json:"hash"`
	Metadata     datatypes.JSON  `gorm:"column:metadata" json:"metadata,omitempty"`
	CreatedAt    time.Time       `gorm:"column:created_at" json:"created_at"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

func (e *LedgerEntry) HashFields() map[string]string {
	return map[string]string{
		"id":            e.ID,
		"user_id":       e.UserID,
		"seq":           fmt.Sprintf("%d", e.Seq),
		"kind":          string(e.Kind),
		"reference_id":  e.ReferenceID,
		"points_delta":  fmt.Sprintf("%d", e.PointsDelta),
		"cash_delta":    e.CashDelta.StringFixed(2),
		"locked_delta":  e.LockedDelta.StringFixed(2),
		"points_after":  fmt.Sprintf("%d", e.PointsAfter),
		"cash_after":    e.CashAfter.StringFixed(2),
		"locked_after":  e.LockedAfter.StringFixed(2),
		"description":   e.Description,
		"created_at":    e.CreatedAt.UTC().Format(time.RFC3339Nano),
		"previous_hash": e.PreviousHash,
	}
}

func (e *LedgerEntry) GenerateHash() string {
	fields := e.HashFields()
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, fields[k]))
	}

	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}
