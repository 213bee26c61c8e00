package reconciliation

import (
	"time"

	"dropproof/pkg/gateway"

	"gorm.io/datatypes"
)

type WebhookStatus string

const (
	WebhookProcessed         WebhookStatus = "PROCESSED"
	WebhookUnmatched         WebhookStatus = "UNMATCHED"
	WebhookIgnored           WebhookStatus = "IGNORED"
	WebhookNeedsManualReview WebhookStatus = "NEEDS_MANUAL_REVIEW"
)

// WebhookEvent is the inbox row for one verified gateway notification.
// Redeliveries of the same (gateway, event_id) collapse onto it.
type WebhookEvent struct {
	ID             string         `gorm:"column:id;primaryKey" json:"id"`
	Gateway        string         `gorm:"column:gateway;uniqueIndex:uq_webhook_event,priority:1" json:"gateway"`
	EventID        string         `gorm:"column:event_id;uniqueIndex:uq_webhook_event,priority:2" json:"event_id"`
	EventType      string         `gorm:"column:event_type" json:"event_type"`
	ExternalTxnID  string         `gorm:"column:external_txn_id;index" json:"external_txn_id,omitempty"`
	Reference      string         `gorm:"column:reference" json:"reference,omitempty"`
	ReportedStatus gateway.Status `gorm:"column:reported_status" json:"reported_status,omitempty"`
	Status         WebhookStatus  `gorm:"column:status;index" json:"status"`
	CashoutID      *string        `gorm:"column:cashout_id;index" json:"cashout_id,omitempty"`
	Error          *string        `gorm:"column:error" json:"error,omitempty"`
	Deliveries     int            `gorm:"column:deliveries;default:1" json:"deliveries"`
	RawBody        datatypes.JSON `gorm:"column:raw_body" json:"raw_body,omitempty"`
	ReceivedAt     time.Time      `gorm:"column:received_at" json:"received_at"`
	ProcessedAt    *time.Time     `gorm:"column:processed_at" json:"processed_at,omitempty"`
}

func (WebhookEvent) TableName() string { return "webhook_events" }

// notification is the provider-agnostic webhook body.
type notification struct {
	EventType     string         `json:"eventType"`
	EventID       string         `json:"eventId"`
	ExternalTxnID string         `json:"externalTxnId"`
	Reference     string         `json:"reference"`
	Status        string         `json:"status"`
	FailureReason string         `json:"failureReason"`
	Payload       map[string]any `json:"payload"`
}

type reconcilePayload struct {
	CashoutID string `json:"cashout_id"`
	TraceID   string `json:"trace_id,omitempty"`
}

// SweepResult summarises one reconciliation pass.
type SweepResult struct {
	Cashouts    int
	Failed      int
	Submissions int
}
