package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

type payoutBody struct {
	Amount         string `json:"amount"`
	Currency       string `json:"currency"`
	Method         string `json:"method"`
	Destination    string `json:"destination"`
	IdempotencyKey string `json:"reference"`
}

type payoutResponse struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	FailureReason string `json:"failure_reason"`
	Reference     string `json:"reference"`
}

// HTTPGateway talks to a REST payout provider. One instance per rail.
type HTTPGateway struct {
	name   string
	client *resty.Client
}

func NewHTTPGateway(name, baseURL, apiKey string, timeout time.Duration) *HTTPGateway {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetAuthToken(apiKey).
		SetHeader("Accept", "application/json").
		SetHeader("Content-Type", "application/json")

	return &HTTPGateway{name: name, client: client}
}

func (g *HTTPGateway) Name() string { return g.name }

func (g *HTTPGateway) CreatePayout(ctx context.Context, req PayoutRequest) (*PayoutResult, error) {
	resp, err := g.client.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", req.IdempotencyKey).
		SetBody(payoutBody{
			Amount:         req.Amount.StringFixed(2),
			Currency:       req.Currency,
			Method:         string(req.Method),
			Destination:    req.DestinationRef,
			IdempotencyKey: req.IdempotencyKey,
		}).
		Post("/payouts")

	return g.result(resp, err, "create")
}

func (g *HTTPGateway) FetchPayout(ctx context.Context, idempotencyKey string) (*PayoutResult, error) {
	resp, err := g.client.R().
		SetContext(ctx).
		SetPathParam("reference", idempotencyKey).
		Get("/payouts/by-reference/{reference}")

	if err == nil && resp.StatusCode() == http.StatusNotFound {
		return nil, ErrNotFound
	}
	return g.result(resp, err, "fetch")
}

func (g *HTTPGateway) result(resp *resty.Response, err error, op string) (*PayoutResult, error) {
	log := zap.L().With(zap.String("gateway", g.name), zap.String("op", op))

	if err != nil {
		if isIndeterminate(err) {
			log.Warn("payout call indeterminate", zap.Error(err))
			return nil, fmt.Errorf("%s %s: %w: %v", g.name, op, ErrIndeterminate, err)
		}
		return nil, fmt.Errorf("%s %s: %w", g.name, op, err)
	}

	raw := json.RawMessage(resp.Body())
	code := resp.StatusCode()
	if code >= 500 || retryableStatus(code) {
		log.Warn("payout provider answered without a decision", zap.Int("status", code))
		return nil, fmt.Errorf("%s %s: %w: http %d", g.name, op, ErrIndeterminate, code)
	}

	if code >= 400 && op == "fetch" {
		return nil, fmt.Errorf("%s %s: http %d", g.name, op, code)
	}

	var body payoutResponse
	decodeErr := json.Unmarshal(raw, &body)

	if code >= 400 {
		reason := body.FailureReason
		if decodeErr != nil {
			raw, _ = json.Marshal(map[string]any{"http_status": code, "body": string(resp.Body())})
		}
		if reason == "" {
			reason = fmt.Sprintf("http %d", code)
		}
		return &PayoutResult{
			Success:       false,
			ExternalTxnID: body.ID,
			Status:        StatusFailed,
			FailureReason: reason,
			RawPayload:    raw,
		}, nil
	}

	// accepted, but the outcome cannot be read back
	if decodeErr != nil {
		log.Warn("payout response unreadable", zap.Int("status", code), zap.Error(decodeErr))
		return nil, fmt.Errorf("%s %s: %w: decode response: %v", g.name, op, ErrIndeterminate, decodeErr)
	}

	status := NormalizeStatus(body.Status)
	return &PayoutResult{
		Success:       status != StatusFailed && status != StatusReversed,
		ExternalTxnID: body.ID,
		Status:        status,
		FailureReason: body.FailureReason,
		RawPayload:    raw,
	}, nil
}

// retryableStatus reports 4xx answers that say nothing about whether the payout was sent.
func retryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusConflict, http.StatusTooEarly, http.StatusTooManyRequests:
		return true
	}
	return false
}

func isIndeterminate(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}
