package gateway

//go:generate mockgen -destination=mock_gateway.go -package=gateway . PayoutGateway

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

type Method string

const (
	MethodBank Method = "BANK"
	MethodUPI  Method = "UPI"
	MethodCard Method = "CARD"
)

func ParseMethod(s string) (Method, bool) {
	m := Method(strings.ToUpper(strings.TrimSpace(s)))
	switch m {
	case MethodBank, MethodUPI, MethodCard:
		return m, true
	}
	return "", false
}

// Status mirrors the provider's view of a payout.
type Status string

const (
	StatusSucceeded  Status = "SUCCEEDED"
	StatusProcessing Status = "PROCESSING"
	StatusNeedsInfo  Status = "NEEDS_INFO"
	StatusFailed     Status = "FAILED"
	StatusReversed   Status = "REVERSED"
)

// NormalizeStatus maps provider vocabularies onto Status. Unknown values become PROCESSING.
func NormalizeStatus(s string) Status {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "SUCCEEDED", "SUCCESS", "COMPLETED", "PAID", "SETTLED":
		return StatusSucceeded
	case "FAILED", "FAILURE", "REJECTED", "DECLINED", "CANCELLED", "CANCELED":
		return StatusFailed
	case "REVERSED", "RETURNED", "REFUNDED":
		return StatusReversed
	case "NEEDS_INFO", "ACTION_REQUIRED", "ON_HOLD":
		return StatusNeedsInfo
	default:
		return StatusProcessing
	}
}

type PayoutRequest struct {
	Amount         decimal.Decimal
	Currency       string
	Method         Method
	DestinationRef string
	IdempotencyKey string
}

type PayoutResult struct {
	Success       bool
	ExternalTxnID string
	Status        Status
	FailureReason string
	RawPayload    json.RawMessage
}

// ErrIndeterminate marks a call whose outcome is unknown (timeout, dropped connection,
// 5xx). Callers must not refund; the payout is resolved by reconciliation.
var ErrIndeterminate = errors.New("gateway: outcome indeterminate")

// ErrNotFound is returned by FetchPayout when the provider has no payout for the key.
var ErrNotFound = errors.New("gateway: payout not found")

type PayoutGateway interface {
	Name() string
	CreatePayout(ctx context.Context, req PayoutRequest) (*PayoutResult, error)
	FetchPayout(ctx context.Context, idempotencyKey string) (*PayoutResult, error)
}
