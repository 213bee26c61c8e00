package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"dropproof/pkg/config"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func request(dest string) PayoutRequest {
	return PayoutRequest{
		Amount:         decimal.RequireFromString("12.50"),
		Currency:       "INR",
		Method:         MethodUPI,
		DestinationRef: dest,
		IdempotencyKey: "cashout-1",
	}
}

func TestHTTPGatewaySuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/payouts", r.URL.Path)
		require.Equal(t, "cashout-1", r.Header.Get("Idempotency-Key"))
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var body payoutBody
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "12.50", body.Amount)
		require.Equal(t, "UPI", body.Method)

		_, _ = w.Write([]byte(`{"id":"po_123","status":"processing","reference":"cashout-1"}`))
	}))
	defer srv.Close()

	g := NewHTTPGateway("upi", srv.URL, "secret", time.Second)
	res, err := g.CreatePayout(context.Background(), request("alice@bank"))
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, "po_123", res.ExternalTxnID)
	require.Equal(t, StatusProcessing, res.Status)
	require.JSONEq(t, `{"id":"po_123","status":"processing","reference":"cashout-1"}`, string(res.RawPayload))
}

func TestHTTPGatewayDeclined(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"failure_reason":"invalid vpa"}`))
	}))
	defer srv.Close()

	res, err := NewHTTPGateway("upi", srv.URL, "", time.Second).CreatePayout(context.Background(), request("bad"))
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Equal(t, StatusFailed, res.Status)
	require.Equal(t, "invalid vpa", res.FailureReason)
}

func TestHTTPGatewayDefiniteDeclines(t *testing.T) {
	for _, code := range []int{http.StatusBadRequest, http.StatusPaymentRequired, http.StatusUnprocessableEntity} {
		t.Run(fmt.Sprintf("http %d", code), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(code)
				_, _ = w.Write([]byte("declined"))
			}))
			defer srv.Close()

			res, err := NewHTTPGateway("upi", srv.URL, "", time.Second).CreatePayout(context.Background(), request("bad"))
			require.NoError(t, err)
			require.False(t, res.Success)
			require.Equal(t, StatusFailed, res.Status)
			require.Equal(t, fmt.Sprintf("http %d", code), res.FailureReason)
			require.True(t, json.Valid(res.RawPayload))
		})
	}
}

func TestHTTPGatewayAmbiguousAnswersAreIndeterminate(t *testing.T) {
	cases := []struct {
		code int
		body string
	}{
		{code: http.StatusOK, body: "<html>payout accepted</html>"},
		{code: http.StatusAccepted},
		{code: http.StatusRequestTimeout},
		{code: http.StatusConflict, body: `{"failure_reason":"idempotency key in use"}`},
		{code: http.StatusTooEarly},
		{code: http.StatusTooManyRequests, body: `{"failure_reason":"slow down"}`},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("http %d", tc.code), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.code)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			res, err := NewHTTPGateway("upi", srv.URL, "", time.Second).CreatePayout(context.Background(), request("alice@bank"))
			require.ErrorIs(t, err, ErrIndeterminate)
			require.Nil(t, res)
		})
	}
}

func TestHTTPGatewayFetchClientErrorIsNotAnOutcome(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"failure_reason":"bad reference"}`))
	}))
	defer srv.Close()

	res, err := NewHTTPGateway("card", srv.URL, "", time.Second).FetchPayout(context.Background(), "cashout-9")
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrIndeterminate))
	require.False(t, errors.Is(err, ErrNotFound))
	require.Nil(t, res)
}

func TestHTTPGatewayServerErrorIsIndeterminate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewHTTPGateway("bank", srv.URL, "", time.Second).CreatePayout(context.Background(), request("123456789"))
	require.ErrorIs(t, err, ErrIndeterminate)
}

func TestHTTPGatewayTimeoutIsIndeterminate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer srv.Close()

	_, err := NewHTTPGateway("bank", srv.URL, "", 50*time.Millisecond).CreatePayout(context.Background(), request("123456789"))
	require.ErrorIs(t, err, ErrIndeterminate)
}

func TestHTTPGatewayFetchNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/payouts/by-reference/cashout-9", r.URL.Path)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewHTTPGateway("card", srv.URL, "", time.Second).FetchPayout(context.Background(), "cashout-9")
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestSandboxOutcomes(t *testing.T) {
	sb := NewSandbox("upi")
	ctx := context.Background()

	res, err := sb.CreatePayout(ctx, request("alice@bank"))
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, StatusSucceeded, res.Status)

	again, err := sb.CreatePayout(ctx, request("alice@bank"))
	require.NoError(t, err)
	require.Same(t, res, again)

	req := request("bob@fail")
	req.IdempotencyKey = "cashout-2"
	res, err = sb.CreatePayout(ctx, req)
	require.NoError(t, err)
	require.False(t, res.Success)

	req = request("carol@timeout")
	req.IdempotencyKey = "cashout-3"
	_, err = sb.CreatePayout(ctx, req)
	require.ErrorIs(t, err, ErrIndeterminate)

	_, err = sb.FetchPayout(ctx, "cashout-3")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRegistryFromConfig(t *testing.T) {
	cfg := &config.Config{AppEnv: "development", Gateways: map[string]config.Gateway{
		"upi": {Provider: "http", BaseURL: "https://upi.example.com"},
	}}

	reg, err := NewRegistryFromConfig(cfg)
	require.NoError(t, err)

	g, err := reg.ForMethod(MethodUPI)
	require.NoError(t, err)
	require.IsType(t, &HTTPGateway{}, g)

	g, err = reg.ForMethod(MethodBank)
	require.NoError(t, err)
	require.IsType(t, &Sandbox{}, g)
	require.Equal(t, []string{"bank", "card", "upi"}, reg.Names())
}

func TestRegistryFromConfigRejectsUnknownMethod(t *testing.T) {
	_, err := NewRegistryFromConfig(&config.Config{Gateways: map[string]config.Gateway{"crypto": {Provider: "sandbox"}}})
	require.Error(t, err)
}

func TestNormalizeStatus(t *testing.T) {
	require.Equal(t, StatusSucceeded, NormalizeStatus("paid"))
	require.Equal(t, StatusFailed, NormalizeStatus("declined"))
	require.Equal(t, StatusReversed, NormalizeStatus("returned"))
	require.Equal(t, StatusNeedsInfo, NormalizeStatus("action_required"))
	require.Equal(t, StatusProcessing, NormalizeStatus("queued"))
}
