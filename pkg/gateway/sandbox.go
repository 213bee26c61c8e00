package gateway

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
)

// Sandbox settles payouts in-process. Destinations ending in "fail" are declined,
// "pending" stay PROCESSING and "timeout" return ErrIndeterminate.
type Sandbox struct {
	name string

	mu      sync.Mutex
	payouts map[string]*PayoutResult
}

func NewSandbox(name string) *Sandbox {
	return &Sandbox{name: name, payouts: map[string]*PayoutResult{}}
}

func (s *Sandbox) Name() string { return s.name }

func (s *Sandbox) CreatePayout(_ context.Context, req PayoutRequest) (*PayoutResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.payouts[req.IdempotencyKey]; ok {
		return existing, nil
	}

	dest := strings.ToLower(req.DestinationRef)
	if strings.HasSuffix(dest, "timeout") {
		return nil, ErrIndeterminate
	}

	res := &PayoutResult{
		Success:       true,
		ExternalTxnID: "sbx_" + req.IdempotencyKey,
		Status:        StatusSucceeded,
	}
	switch {
	case strings.HasSuffix(dest, "fail"):
		res.Success = false
		res.Status = StatusFailed
		res.FailureReason = "sandbox: destination declined"
	case strings.HasSuffix(dest, "pending"):
		res.Status = StatusProcessing
	}

	res.RawPayload, _ = json.Marshal(map[string]any{
		"id":        res.ExternalTxnID,
		"status":    res.Status,
		"amount":    req.Amount.StringFixed(2),
		"currency":  req.Currency,
		"reference": req.IdempotencyKey,
	})

	s.payouts[req.IdempotencyKey] = res
	return res, nil
}

func (s *Sandbox) FetchPayout(_ context.Context, idempotencyKey string) (*PayoutResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, ok := s.payouts[idempotencyKey]
	if !ok {
		return nil, ErrNotFound
	}
	return res, nil
}

// Settle moves a sandbox payout to status, as the provider would before sending a webhook.
func (s *Sandbox) Settle(idempotencyKey string, status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if res, ok := s.payouts[idempotencyKey]; ok {
		res.Status = status
		res.Success = status != StatusFailed && status != StatusReversed
	}
}
