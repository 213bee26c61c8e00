package cashout

import (
	"time"

	"dropproof/pkg/gateway"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusInitiated Status = "INITIATED"
	StatusNeedsInfo Status = "NEEDS_INFO"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	StatusCanceled  Status = "CANCELED"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

type CashoutRequest struct {
	ID             string          `gorm:"column:id;primaryKey" json:"id"`
	Code           string          `gorm:"column:code;index" json:"code,omitempty"`
	UserID         string          `gorm:"column:user_id;index" json:"user_id"`
	Points         int64           `gorm:"column:points" json:"points"`
	CashAmount     decimal.Decimal `gorm:"column:cash_amount;type:numeric(18,2)" json:"cash_amount"`
	Currency       string          `gorm:"column:currency" json:"currency"`
	Method         gateway.Method  `gorm:"column:method" json:"method"`
	DestinationRef string          `gorm:"column:destination_ref" json:"destination_ref"`
	Status         Status          `gorm:"column:status;index" json:"status"`
	FailureReason  *string         `gorm:"column:failure_reason" json:"failure_reason,omitempty"`
	SubmittedAt    *time.Time      `gorm:"column:submitted_at" json:"submitted_at,omitempty"`
	CompletedAt    *time.Time      `gorm:"column:completed_at" json:"completed_at,omitempty"`
	CreatedAt      time.Time       `gorm:"column:created_at" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"column:updated_at;index" json:"updated_at"`
}

func (CashoutRequest) TableName() string { return "cashout_requests" }

// PayoutTransaction is one gateway attempt for a cashout. The unique index on
// (gateway, external_txn_id) keeps at most one row per gateway payout; rows
// without an external id yet are exempt.
type PayoutTransaction struct {
	ID                string         `gorm:"column:id;primaryKey" json:"id"`
	CashoutID         string         `gorm:"column:cashout_id;index" json:"cashout_id"`
	Gateway           string         `gorm:"column:gateway;uniqueIndex:uq_payout_external,priority:1" json:"gateway"`
	ExternalTxnID     *string        `gorm:"column:external_txn_id;uniqueIndex:uq_payout_external,priority:2" json:"external_txn_id,omitempty"`
	Status            gateway.Status `gorm:"column:status" json:"status"`
	FailureReason     *string        `gorm:"column:failure_reason" json:"failure_reason,omitempty"`
	RawPayload        datatypes.JSON `gorm:"column:raw_payload" json:"raw_payload,omitempty"`
	NeedsManualReview bool           `gorm:"column:needs_manual_review" json:"needs_manual_review"`
	CreatedAt         time.Time      `gorm:"column:created_at" json:"created_at"`
	UpdatedAt         time.Time      `gorm:"column:updated_at" json:"updated_at"`
}

func (PayoutTransaction) TableName() string { return "payout_transactions" }

type EventKind string

const (
	EventCreated       EventKind = "CREATED"
	EventSubmitted     EventKind = "SUBMITTED"
	EventStatusChanged EventKind = "STATUS_CHANGED"
	EventIndeterminate EventKind = "GATEWAY_INDETERMINATE"
	EventManualReview  EventKind = "MANUAL_REVIEW"
	EventRejected      EventKind = "REJECTED"
)

const ActorSystem = "system"

// Event is the cashout audit trail.
type Event struct {
	ID        string         `gorm:"column:id;primaryKey" json:"id"`
	CashoutID string         `gorm:"column:cashout_id;index" json:"cashout_id"`
	Actor     string         `gorm:"column:actor" json:"actor"`
	Kind      EventKind      `gorm:"column:kind" json:"kind"`
	Metadata  datatypes.JSON `gorm:"column:metadata" json:"metadata,omitempty"`
	CreatedAt time.Time      `gorm:"column:created_at" json:"created_at"`
}

func (Event) TableName() string { return "cashout_events" }

type CreateRequest struct {
	UserID         string `json:"-"`
	Points         int64  `json:"points" binding:"required"`
	Method         string `json:"method" binding:"required"`
	DestinationRef string `json:"destination_ref" binding:"required"`
}

// Outcome is a gateway-reported result, from a webhook or a poll.
type Outcome struct {
	Gateway       string
	ExternalTxnID string
	// Reference is the idempotency key sent with the payout, i.e. the cashout id.
	Reference     string
	Status        gateway.Status
	FailureReason string
	RawPayload    []byte
}

type OutcomeResult struct {
	Cashout     *CashoutRequest
	Transaction *PayoutTransaction
	// Applied is false when the outcome changed nothing, e.g. a redelivery.
	Applied           bool
	NeedsManualReview bool
}
