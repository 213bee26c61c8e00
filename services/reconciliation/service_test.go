package reconciliation

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"testing"
	"time"

	"dropproof/pkg/celengine"
	"dropproof/pkg/config"
	"dropproof/pkg/errutil"
	"dropproof/pkg/gateway"
	"dropproof/services/cashout"
	"dropproof/services/ledger"
	"dropproof/services/testutil"

	"github.com/bwmarrin/snowflake"
	"github.com/go-jose/go-jose/v4"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

const secret = "whsec_test"

type fakeRequeuer struct{ calls int }

func (f *fakeRequeuer) RequeueStale(context.Context, time.Duration, int) (int, error) {
	f.calls++
	return 3, nil
}

type env struct {
	db       *gorm.DB
	svc      *Service
	cashouts *cashout.Service
	ledger   *ledger.Service
	sandbox  *gateway.Sandbox
	signer   *HMACVerifier
	requeuer *fakeRequeuer
}

func newEnv(t *testing.T, upi gateway.PayoutGateway) *env {
	t.Helper()

	db := testutil.NewTestDB(t,
		&cashout.CashoutRequest{}, &cashout.PayoutTransaction{}, &cashout.Event{},
		&ledger.Wallet{}, &ledger.LedgerEntry{}, &WebhookEvent{},
	)

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	cfg, err := config.Load(viper.New())
	require.NoError(t, err)

	sandbox := gateway.NewSandbox("upi")
	if upi == nil {
		upi = sandbox
	}
	reg := gateway.NewRegistry()
	reg.Register(gateway.MethodUPI, upi)
	reg.Register(gateway.MethodBank, gateway.NewSandbox("bank"))

	led := ledger.NewService(ledger.ServiceParams{DB: db, Node: node, Config: cfg})
	cs, err := cashout.NewService(cashout.ServiceParams{
		DB:       db,
		Node:     node,
		Config:   cfg,
		Ledger:   led,
		Gateways: reg,
		CEL:      celengine.NewEngine(),
	})
	require.NoError(t, err)

	signer := NewHMACVerifier(secret)
	requeuer := &fakeRequeuer{}
	svc := NewService(ServiceParams{
		DB:        db,
		Config:    cfg,
		Cashouts:  cs,
		Gateways:  reg,
		Verifiers: map[string]Verifier{upi.Name(): signer},
		Requeuer:  requeuer,
	})

	return &env{db: db, svc: svc, cashouts: cs, ledger: led, sandbox: sandbox, signer: signer, requeuer: requeuer}
}

func (e *env) cashout(t *testing.T, user, destination string) *cashout.CashoutRequest {
	t.Helper()
	ctx := context.Background()
	_, err := e.ledger.CreditPoints(ctx, user, 1000, "seed:"+user+destination, nil)
	require.NoError(t, err)
	co, err := e.cashouts.Create(ctx, cashout.CreateRequest{UserID: user, Points: 500, Method: "UPI", DestinationRef: destination})
	require.NoError(t, err)
	return co
}

func (e *env) deliver(t *testing.T, body string) (*WebhookEvent, error) {
	t.Helper()
	return e.svc.HandleWebhook(context.Background(), "upi", []byte(body), e.signer.Sign([]byte(body)))
}

func (e *env) requireWallet(t *testing.T, user string, points int64, cash, locked string) {
	t.Helper()
	w, err := e.ledger.GetWallet(context.Background(), user)
	require.NoError(t, err)
	require.Equal(t, points, w.PointsBalance)
	require.True(t, w.CashBalance.Equal(decimal.RequireFromString(cash)), "cash balance %s", w.CashBalance)
	require.True(t, w.LockedAmount.Equal(decimal.RequireFromString(locked)), "locked amount %s", w.LockedAmount)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	e := newEnv(t, nil)
	co := e.cashout(t, "u1", "carol@timeout")
	_, err := e.cashouts.SubmitToGateway(context.Background(), co.ID)
	require.NoError(t, err)

	body := fmt.Sprintf(`{"eventId":"e1","reference":%q,"status":"paid"}`, co.ID)
	_, err = e.svc.HandleWebhook(context.Background(), "upi", []byte(body), "sha256=deadbeef")
	require.True(t, errutil.Is(err, errutil.StatusUnauthorized))

	var count int64
	require.NoError(t, e.db.Model(&WebhookEvent{}).Count(&count).Error)
	require.Zero(t, count)
	e.requireWallet(t, "u1", 500, "0", "5.00")
}

func TestWebhookUnknownGatewayOrVerifier(t *testing.T) {
	e := newEnv(t, nil)

	_, err := e.svc.HandleWebhook(context.Background(), "crypto", []byte(`{}`), "")
	require.True(t, errutil.Is(err, errutil.StatusNotFound))

	_, err = e.svc.HandleWebhook(context.Background(), "bank", []byte(`{}`), "")
	require.True(t, errutil.Is(err, errutil.StatusUnauthorized))
}

func TestWebhookMalformedBody(t *testing.T) {
	e := newEnv(t, nil)
	_, err := e.deliver(t, `{"eventId":`)
	require.True(t, errutil.Is(err, errutil.StatusValidationFailed))
}

func TestWebhookBeforeTransactionRecorded(t *testing.T) {
	e := newEnv(t, nil)
	co := e.cashout(t, "u1", "carol@timeout")
	out, err := e.cashouts.SubmitToGateway(context.Background(), co.ID)
	require.NoError(t, err)
	require.Equal(t, cashout.StatusInitiated, out.Status)

	ev, err := e.deliver(t, fmt.Sprintf(`{"eventType":"payout.updated","eventId":"e1","externalTxnId":"gw-77","reference":%q,"status":"paid"}`, co.ID))
	require.NoError(t, err)
	require.Equal(t, WebhookProcessed, ev.Status)
	require.Equal(t, gateway.StatusSucceeded, ev.ReportedStatus)
	require.Equal(t, co.ID, *ev.CashoutID)

	got, err := e.cashouts.Get(context.Background(), co.ID)
	require.NoError(t, err)
	require.Equal(t, cashout.StatusSucceeded, got.Status)
	e.requireWallet(t, "u1", 500, "5.00", "0")

	txns, err := e.cashouts.ListTransactions(context.Background(), co.ID)
	require.NoError(t, err)
	require.Len(t, txns, 1)
	require.Equal(t, "gw-77", *txns[0].ExternalTxnID)
}

func TestWebhookDuplicateDelivery(t *testing.T) {
	e := newEnv(t, nil)
	co := e.cashout(t, "u1", "dave@pending")
	_, err := e.cashouts.SubmitToGateway(context.Background(), co.ID)
	require.NoError(t, err)

	body := fmt.Sprintf(`{"eventId":"e-dup","externalTxnId":"sbx_%s","status":"failed","failureReason":"account closed"}`, co.ID)
	first, err := e.deliver(t, body)
	require.NoError(t, err)
	require.Equal(t, WebhookProcessed, first.Status)
	e.requireWallet(t, "u1", 1000, "0", "0")

	entries, err := e.ledger.ListEntries(context.Background(), "u1", 0, 0)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		again, err := e.deliver(t, body)
		require.NoError(t, err)
		require.Equal(t, first.ID, again.ID)
	}

	var stored WebhookEvent
	require.NoError(t, e.db.First(&stored, "id = ?", first.ID).Error)
	require.Equal(t, 3, stored.Deliveries)

	after, err := e.ledger.ListEntries(context.Background(), "u1", 0, 0)
	require.NoError(t, err)
	require.Len(t, after, len(entries))

	got, err := e.cashouts.Get(context.Background(), co.ID)
	require.NoError(t, err)
	require.Equal(t, cashout.StatusFailed, got.Status)
	require.Equal(t, "account closed", *got.FailureReason)
}

func TestWebhookWithoutEventIDDedupesOnBody(t *testing.T) {
	e := newEnv(t, nil)
	co := e.cashout(t, "u1", "dave@pending")
	_, err := e.cashouts.SubmitToGateway(context.Background(), co.ID)
	require.NoError(t, err)

	body := fmt.Sprintf(`{"externalTxnId":"sbx_%s","payload":{"status":"settled"}}`, co.ID)
	first, err := e.deliver(t, body)
	require.NoError(t, err)
	require.Equal(t, WebhookProcessed, first.Status)

	again, err := e.deliver(t, body)
	require.NoError(t, err)
	require.Equal(t, first.EventID, again.EventID)
	e.requireWallet(t, "u1", 500, "5.00", "0")
}

func TestWebhookUnmatched(t *testing.T) {
	e := newEnv(t, nil)

	ev, err := e.deliver(t, `{"eventId":"e-ghost","externalTxnId":"ghost-1","status":"paid"}`)
	require.NoError(t, err)
	require.Equal(t, WebhookUnmatched, ev.Status)
	require.NotNil(t, ev.Error)

	unmatched, err := e.svc.ListUnmatched(context.Background(), 10, 0)
	require.NoError(t, err)
	require.Len(t, unmatched, 1)
	require.Equal(t, "e-ghost", unmatched[0].EventID)
}

func TestWebhookIgnoredWithoutOutcome(t *testing.T) {
	e := newEnv(t, nil)

	ev, err := e.deliver(t, `{"eventType":"account.updated","eventId":"e-acct"}`)
	require.NoError(t, err)
	require.Equal(t, WebhookIgnored, ev.Status)
}

func TestWebhookReversalAfterSuccessNeedsReview(t *testing.T) {
	e := newEnv(t, nil)
	co := e.cashout(t, "u1", "alice@okbank")
	out, err := e.cashouts.SubmitToGateway(context.Background(), co.ID)
	require.NoError(t, err)
	require.Equal(t, cashout.StatusSucceeded, out.Status)

	ev, err := e.deliver(t, fmt.Sprintf(`{"eventId":"e-rev","externalTxnId":"sbx_%s","status":"returned"}`, co.ID))
	require.NoError(t, err)
	require.Equal(t, WebhookNeedsManualReview, ev.Status)
	e.requireWallet(t, "u1", 500, "5.00", "0")

	flagged, err := e.svc.ListUnmatched(context.Background(), 10, 0)
	require.NoError(t, err)
	require.Len(t, flagged, 1)
}

func TestReconcilePollsGateway(t *testing.T) {
	e := newEnv(t, nil)
	co := e.cashout(t, "u1", "dave@pending")
	_, err := e.cashouts.SubmitToGateway(context.Background(), co.ID)
	require.NoError(t, err)

	out, err := e.svc.Reconcile(context.Background(), co.ID)
	require.NoError(t, err)
	require.Equal(t, cashout.StatusInitiated, out.Status)

	e.sandbox.Settle(co.ID, gateway.StatusSucceeded)
	out, err = e.svc.Reconcile(context.Background(), co.ID)
	require.NoError(t, err)
	require.Equal(t, cashout.StatusSucceeded, out.Status)
	e.requireWallet(t, "u1", 500, "5.00", "0")

	// terminal cashouts are left alone
	out, err = e.svc.Reconcile(context.Background(), co.ID)
	require.NoError(t, err)
	require.Equal(t, cashout.StatusSucceeded, out.Status)
}

func TestReconcileResubmitsWhenGatewayHasNoRecord(t *testing.T) {
	ctrl := gomock.NewController(t)
	mock := gateway.NewMockPayoutGateway(ctrl)
	mock.EXPECT().Name().Return("mockpay").AnyTimes()

	e := newEnv(t, mock)
	co := e.cashout(t, "u1", "alice@okbank")

	gomock.InOrder(
		mock.EXPECT().CreatePayout(gomock.Any(), gomock.Any()).Return(nil, gateway.ErrIndeterminate),
		mock.EXPECT().FetchPayout(gomock.Any(), co.ID).Return(nil, gateway.ErrNotFound),
		mock.EXPECT().CreatePayout(gomock.Any(), gomock.Any()).Return(&gateway.PayoutResult{
			Success: true, ExternalTxnID: "m-1", Status: gateway.StatusSucceeded,
		}, nil),
	)

	out, err := e.cashouts.SubmitToGateway(context.Background(), co.ID)
	require.NoError(t, err)
	require.Equal(t, cashout.StatusInitiated, out.Status)

	out, err = e.svc.Reconcile(context.Background(), co.ID)
	require.NoError(t, err)
	require.Equal(t, cashout.StatusSucceeded, out.Status)
	e.requireWallet(t, "u1", 500, "5.00", "0")

	txns, err := e.cashouts.ListTransactions(context.Background(), co.ID)
	require.NoError(t, err)
	require.Len(t, txns, 1)
	require.Equal(t, "m-1", *txns[0].ExternalTxnID)
}

func TestSweep(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	pending := e.cashout(t, "u1", "alice@okbank")
	inflight := e.cashout(t, "u2", "dave@pending")
	_, err := e.cashouts.SubmitToGateway(ctx, inflight.ID)
	require.NoError(t, err)
	e.sandbox.Settle(inflight.ID, gateway.StatusFailed)

	// everything counts as stale
	e.svc.staleAfter = -time.Minute

	res, err := e.svc.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, res.Cashouts)
	require.Zero(t, res.Failed)
	require.Equal(t, 3, res.Submissions)
	require.Equal(t, 1, e.requeuer.calls)

	got, err := e.cashouts.Get(ctx, pending.ID)
	require.NoError(t, err)
	require.Equal(t, cashout.StatusSucceeded, got.Status)

	got, err = e.cashouts.Get(ctx, inflight.ID)
	require.NoError(t, err)
	require.Equal(t, cashout.StatusFailed, got.Status)
	e.requireWallet(t, "u2", 1000, "0", "0")

	res, err = e.svc.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, res.Cashouts)
}

func TestHMACVerifier(t *testing.T) {
	v := NewHMACVerifier("k")
	body := []byte(`{"a":1}`)

	require.NoError(t, v.Verify(body, v.Sign(body)))
	require.NoError(t, v.Verify(body, "sha256="+v.Sign(body)))
	require.ErrorIs(t, v.Verify([]byte(`{"a":2}`), v.Sign(body)), ErrInvalidSignature)
	require.ErrorIs(t, v.Verify(body, "not-hex"), ErrInvalidSignature)
	require.ErrorIs(t, v.Verify(body, ""), ErrInvalidSignature)
}

func TestJWSVerifierDetachedPayload(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	pubPEM := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))

	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.ES256, Key: key}, nil)
	require.NoError(t, err)

	body := []byte(`{"eventId":"e1","status":"paid"}`)
	obj, err := signer.Sign(body)
	require.NoError(t, err)
	sig, err := obj.DetachedCompactSerialize()
	require.NoError(t, err)

	v, err := NewJWSVerifier(pubPEM)
	require.NoError(t, err)
	require.NoError(t, v.Verify(body, sig))
	require.ErrorIs(t, v.Verify([]byte(`{"eventId":"e1","status":"failed"}`), sig), ErrInvalidSignature)
	require.ErrorIs(t, v.Verify(body, "garbage"), ErrInvalidSignature)

	_, err = NewJWSVerifier("not pem")
	require.Error(t, err)
}

func TestNewVerifiersFromConfig(t *testing.T) {
	cfg := &config.Config{Gateways: map[string]config.Gateway{
		"UPI":  {WebhookSecret: "s"},
		"BANK": {SignatureScheme: "hmac"},
	}}
	vs, err := NewVerifiers(cfg)
	require.NoError(t, err)
	require.Contains(t, vs, "upi")
	require.NotContains(t, vs, "bank")

	_, err = NewVerifiers(&config.Config{Gateways: map[string]config.Gateway{"upi": {SignatureScheme: "rot13"}}})
	require.Error(t, err)
}
