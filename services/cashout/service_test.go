package cashout

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"dropproof/pkg/celengine"
	"dropproof/pkg/config"
	"dropproof/pkg/errutil"
	"dropproof/pkg/gateway"
	"dropproof/pkg/taskname"
	"dropproof/services/ledger"
	"dropproof/services/testutil"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
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

var now = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type recordingQueue struct {
	mu    sync.Mutex
	tasks []*asynq.Task
}

func (q *recordingQueue) Enqueue(_ context.Context, t *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, t)
	return &asynq.TaskInfo{ID: t.Type(), Type: t.Type()}, nil
}

type env struct {
	db      *gorm.DB
	svc     *Service
	ledger  *ledger.Service
	sandbox *gateway.Sandbox
	queue   *recordingQueue
}

func newEnv(t *testing.T, reg *gateway.Registry) *env {
	t.Helper()

	db := testutil.NewTestDB(t, &CashoutRequest{}, &PayoutTransaction{}, &Event{}, &ledger.Wallet{}, &ledger.LedgerEntry{})

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	cfg, err := config.Load(viper.New())
	require.NoError(t, err)

	sandbox := gateway.NewSandbox("upi")
	if reg == nil {
		reg = gateway.NewRegistry()
		reg.Register(gateway.MethodUPI, sandbox)
		reg.Register(gateway.MethodBank, gateway.NewSandbox("bank"))
	}

	led := ledger.NewService(ledger.ServiceParams{DB: db, Node: node, Config: cfg})
	queue := &recordingQueue{}

	svc, err := NewService(ServiceParams{
		DB:       db,
		Node:     node,
		Config:   cfg,
		Ledger:   led,
		Gateways: reg,
		CEL:      celengine.NewEngine(),
		Queue:    queue,
	})
	require.NoError(t, err)
	svc.now = func() time.Time { return now }

	return &env{db: db, svc: svc, ledger: led, sandbox: sandbox, queue: queue}
}

func (e *env) credit(t *testing.T, user string, points int64) {
	t.Helper()
	_, err := e.ledger.CreditPoints(context.Background(), user, points, "seed:"+user, nil)
	require.NoError(t, err)
}

func (e *env) create(t *testing.T, user, destination string, points int64) *CashoutRequest {
	t.Helper()
	co, err := e.svc.Create(context.Background(), CreateRequest{UserID: user, Points: points, Method: "UPI", DestinationRef: destination})
	require.NoError(t, err)
	return co
}

func (e *env) requireWallet(t *testing.T, user string, points int64, cash, locked string) {
	t.Helper()
	w, err := e.ledger.GetWallet(context.Background(), user)
	require.NoError(t, err)
	require.Equal(t, points, w.PointsBalance)
	require.True(t, w.CashBalance.Equal(decimal.RequireFromString(cash)), "cash balance %s", w.CashBalance)
	require.True(t, w.LockedAmount.Equal(decimal.RequireFromString(locked)), "locked amount %s", w.LockedAmount)
	require.NoError(t, e.ledger.VerifyChain(context.Background(), user))
}

func (e *env) entryCount(t *testing.T, user string) int {
	t.Helper()
	entries, err := e.ledger.ListEntries(context.Background(), user, 0, 0)
	require.NoError(t, err)
	return len(entries)
}

func TestCreateLocksPointsAndSchedulesSubmit(t *testing.T) {
	e := newEnv(t, nil)
	e.credit(t, "u1", 1000)

	co := e.create(t, "u1", "alice@okbank", 500)
	require.Equal(t, StatusPending, co.Status)
	require.True(t, co.CashAmount.Equal(decimal.RequireFromString("5.00")))
	require.Equal(t, "INR", co.Currency)

	e.requireWallet(t, "u1", 500, "0", "5.00")

	require.Len(t, e.queue.tasks, 1)
	require.Equal(t, taskname.CashoutSubmit, e.queue.tasks[0].Type())

	events, err := e.svc.ListEvents(context.Background(), co.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, EventCreated, events[0].Kind)
}

func TestCreateValidation(t *testing.T) {
	e := newEnv(t, nil)
	e.credit(t, "u1", 1000)
	ctx := context.Background()

	cases := []struct {
		name string
		req  CreateRequest
	}{
		{"unknown method", CreateRequest{UserID: "u1", Points: 500, Method: "CRYPTO", DestinationRef: "alice@okbank"}},
		{"below minimum", CreateRequest{UserID: "u1", Points: 100, Method: "UPI", DestinationRef: "alice@okbank"}},
		{"bad upi handle", CreateRequest{UserID: "u1", Points: 500, Method: "UPI", DestinationRef: "not-a-handle"}},
		{"bad account number", CreateRequest{UserID: "u1", Points: 500, Method: "BANK", DestinationRef: "12ab"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.svc.Create(ctx, tc.req)
			require.True(t, errutil.Is(err, errutil.StatusValidationFailed), "got %v", err)
		})
	}

	e.requireWallet(t, "u1", 1000, "0", "0")
}

func TestCreateInsufficientBalanceLeavesNoCashout(t *testing.T) {
	e := newEnv(t, nil)
	e.credit(t, "u1", 600)

	_, err := e.svc.Create(context.Background(), CreateRequest{UserID: "u1", Points: 700, Method: "UPI", DestinationRef: "alice@okbank"})
	require.True(t, errutil.Is(err, errutil.StatusInsufficientBalance))

	var count int64
	require.NoError(t, e.db.Model(&CashoutRequest{}).Count(&count).Error)
	require.Zero(t, count)
	require.Empty(t, e.queue.tasks)
	e.requireWallet(t, "u1", 600, "0", "0")
}

func TestConcurrentCreatesNeverOverdraw(t *testing.T) {
	e := newEnv(t, nil)
	e.credit(t, "u1", 1000)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ok      int
		refused int
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.svc.Create(context.Background(), CreateRequest{UserID: "u1", Points: 500, Method: "UPI", DestinationRef: "alice@okbank"})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				ok++
			} else if errutil.Is(err, errutil.StatusInsufficientBalance) {
				refused++
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 2, ok)
	require.Equal(t, 3, refused)
	e.requireWallet(t, "u1", 0, "0", "10.00")
}

func TestRejectRefundsExactly(t *testing.T) {
	e := newEnv(t, nil)
	e.credit(t, "u1", 1234)
	ctx := context.Background()

	co := e.create(t, "u1", "alice@okbank", 777)
	e.requireWallet(t, "u1", 457, "0", "7.77")

	_, err := e.svc.Reject(ctx, co.ID, "admin-1", "  ")
	require.True(t, errutil.Is(err, errutil.StatusValidationFailed))

	out, err := e.svc.Reject(ctx, co.ID, "admin-1", "suspected fraud")
	require.NoError(t, err)
	require.Equal(t, StatusCanceled, out.Status)
	require.Equal(t, "suspected fraud", *out.FailureReason)
	require.NotNil(t, out.CompletedAt)
	e.requireWallet(t, "u1", 1234, "0", "0")

	_, err = e.svc.Reject(ctx, co.ID, "admin-1", "again")
	require.True(t, errutil.Is(err, errutil.StatusInvalidStateTransition))

	_, err = e.svc.SubmitToGateway(ctx, co.ID)
	require.True(t, errutil.Is(err, errutil.StatusInvalidStateTransition))
}

func TestRejectUnknownCashout(t *testing.T) {
	e := newEnv(t, nil)
	_, err := e.svc.Reject(context.Background(), "missing", "admin-1", "reason")
	require.True(t, errutil.Is(err, errutil.StatusNotFound))
}

func TestSubmitSucceeds(t *testing.T) {
	e := newEnv(t, nil)
	e.credit(t, "u1", 1000)
	ctx := context.Background()

	co := e.create(t, "u1", "alice@okbank", 500)
	out, err := e.svc.SubmitToGateway(ctx, co.ID)
	require.NoError(t, err)
	require.Equal(t, StatusSucceeded, out.Status)
	require.NotNil(t, out.SubmittedAt)
	require.NotNil(t, out.CompletedAt)
	e.requireWallet(t, "u1", 500, "5.00", "0")

	txns, err := e.svc.ListTransactions(ctx, co.ID)
	require.NoError(t, err)
	require.Len(t, txns, 1)
	require.Equal(t, gateway.StatusSucceeded, txns[0].Status)
	require.Equal(t, "sbx_"+co.ID, *txns[0].ExternalTxnID)
	require.False(t, txns[0].NeedsManualReview)

	// a second delivery of the task
	again, err := e.svc.SubmitToGateway(ctx, co.ID)
	require.True(t, errutil.Is(err, errutil.StatusInvalidStateTransition))
	require.Nil(t, again)
	e.requireWallet(t, "u1", 500, "5.00", "0")
}

func TestSubmitDeclinedRefunds(t *testing.T) {
	e := newEnv(t, nil)
	e.credit(t, "u1", 1000)

	co := e.create(t, "u1", "bob@fail", 500)
	out, err := e.svc.SubmitToGateway(context.Background(), co.ID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, out.Status)
	require.Equal(t, "sandbox: destination declined", *out.FailureReason)
	e.requireWallet(t, "u1", 1000, "0", "0")
}

func TestSubmitIndeterminateLeavesInitiated(t *testing.T) {
	e := newEnv(t, nil)
	e.credit(t, "u1", 1000)
	ctx := context.Background()

	co := e.create(t, "u1", "carol@timeout", 500)
	out, err := e.svc.SubmitToGateway(ctx, co.ID)
	require.NoError(t, err)
	require.Equal(t, StatusInitiated, out.Status)
	e.requireWallet(t, "u1", 500, "0", "5.00")

	txns, err := e.svc.ListTransactions(ctx, co.ID)
	require.NoError(t, err)
	require.Len(t, txns, 1)
	require.Equal(t, gateway.StatusProcessing, txns[0].Status)
	require.Nil(t, txns[0].ExternalTxnID)

	// resubmitting does not call the gateway twice
	out, err = e.svc.SubmitToGateway(ctx, co.ID)
	require.NoError(t, err)
	require.Equal(t, StatusInitiated, out.Status)
	txns, err = e.svc.ListTransactions(ctx, co.ID)
	require.NoError(t, err)
	require.Len(t, txns, 1)

	// the late outcome lands on the attempt recorded without an external id
	res, err := e.svc.ApplyGatewayOutcome(ctx, Outcome{Gateway: "upi", ExternalTxnID: "late-1", Reference: co.ID, Status: gateway.StatusFailed})
	require.NoError(t, err)
	require.True(t, res.Applied)
	require.Equal(t, StatusFailed, res.Cashout.Status)
	require.Equal(t, txns[0].ID, res.Transaction.ID)
	require.Equal(t, "late-1", *res.Transaction.ExternalTxnID)
	e.requireWallet(t, "u1", 1000, "0", "0")
}

func TestSubmitAmbiguousGatewayAnswerKeepsLock(t *testing.T) {
	cases := []struct {
		code int
		body string
	}{
		{code: http.StatusOK, body: "<html>payout accepted</html>"},
		{code: http.StatusRequestTimeout},
		{code: http.StatusConflict, body: `{"failure_reason":"request in flight"}`},
		{code: http.StatusTooManyRequests},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("http %d", tc.code), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.code)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			reg := gateway.NewRegistry()
			reg.Register(gateway.MethodUPI, gateway.NewHTTPGateway("upi", srv.URL, "", time.Second))

			e := newEnv(t, reg)
			e.credit(t, "u1", 1000)
			ctx := context.Background()

			co := e.create(t, "u1", "alice@okbank", 500)
			out, err := e.svc.SubmitToGateway(ctx, co.ID)
			require.NoError(t, err)
			require.Equal(t, StatusInitiated, out.Status)
			require.Nil(t, out.FailureReason)
			e.requireWallet(t, "u1", 500, "0", "5.00")

			txns, err := e.svc.ListTransactions(ctx, co.ID)
			require.NoError(t, err)
			require.Len(t, txns, 1)
			require.Equal(t, gateway.StatusProcessing, txns[0].Status)
		})
	}
}

func TestSubmitGatewayErrorRestoresBalances(t *testing.T) {
	ctrl := gomock.NewController(t)
	mock := gateway.NewMockPayoutGateway(ctrl)
	mock.EXPECT().Name().Return("mockpay").AnyTimes()
	mock.EXPECT().CreatePayout(gomock.Any(), gomock.Any()).Return(nil, errors.New("connection refused by policy"))

	reg := gateway.NewRegistry()
	reg.Register(gateway.MethodUPI, mock)

	e := newEnv(t, reg)
	e.credit(t, "u1", 1000)

	co := e.create(t, "u1", "alice@okbank", 500)
	out, err := e.svc.SubmitToGateway(context.Background(), co.ID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, out.Status)
	require.Contains(t, *out.FailureReason, "connection refused")
	e.requireWallet(t, "u1", 1000, "0", "0")
}

func TestSubmitSendsIdempotencyKey(t *testing.T) {
	ctrl := gomock.NewController(t)
	mock := gateway.NewMockPayoutGateway(ctrl)
	mock.EXPECT().Name().Return("mockpay").AnyTimes()

	reg := gateway.NewRegistry()
	reg.Register(gateway.MethodUPI, mock)

	e := newEnv(t, reg)
	e.credit(t, "u1", 1000)
	co := e.create(t, "u1", "alice@okbank", 500)

	mock.EXPECT().CreatePayout(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, req gateway.PayoutRequest) (*gateway.PayoutResult, error) {
		require.Equal(t, co.ID, req.IdempotencyKey)
		require.True(t, req.Amount.Equal(decimal.RequireFromString("5.00")))
		require.Equal(t, "alice@okbank", req.DestinationRef)
		return &gateway.PayoutResult{Success: true, ExternalTxnID: "mp_1", Status: gateway.StatusNeedsInfo}, nil
	})

	out, err := e.svc.SubmitToGateway(context.Background(), co.ID)
	require.NoError(t, err)
	require.Equal(t, StatusNeedsInfo, out.Status)
	e.requireWallet(t, "u1", 500, "0", "5.00")
}

func TestWebhookBeforeSyncResponse(t *testing.T) {
	ctrl := gomock.NewController(t)
	mock := gateway.NewMockPayoutGateway(ctrl)
	mock.EXPECT().Name().Return("mockpay").AnyTimes()

	reg := gateway.NewRegistry()
	reg.Register(gateway.MethodUPI, mock)

	e := newEnv(t, reg)
	e.credit(t, "u1", 1000)
	co := e.create(t, "u1", "alice@okbank", 500)

	mock.EXPECT().CreatePayout(gomock.Any(), gomock.Any()).DoAndReturn(func(ctx context.Context, req gateway.PayoutRequest) (*gateway.PayoutResult, error) {
		// the provider's webhook lands while the create call is still open
		res, err := e.svc.ApplyGatewayOutcome(ctx, Outcome{Gateway: "mockpay", ExternalTxnID: "mp_9", Reference: req.IdempotencyKey, Status: gateway.StatusSucceeded})
		require.NoError(t, err)
		require.True(t, res.Applied)
		return &gateway.PayoutResult{Success: true, ExternalTxnID: "mp_9", Status: gateway.StatusSucceeded}, nil
	})

	out, err := e.svc.SubmitToGateway(context.Background(), co.ID)
	require.NoError(t, err)
	require.Equal(t, StatusSucceeded, out.Status)
	e.requireWallet(t, "u1", 500, "5.00", "0")

	txns, err := e.svc.ListTransactions(context.Background(), co.ID)
	require.NoError(t, err)
	require.Len(t, txns, 1)
	require.False(t, txns[0].NeedsManualReview)
}

func TestOutcomeReplayIsIdempotent(t *testing.T) {
	e := newEnv(t, nil)
	e.credit(t, "u1", 1000)
	ctx := context.Background()

	co := e.create(t, "u1", "dave@pending", 500)
	out, err := e.svc.SubmitToGateway(ctx, co.ID)
	require.NoError(t, err)
	require.Equal(t, StatusInitiated, out.Status)

	outcome := Outcome{Gateway: "upi", ExternalTxnID: "sbx_" + co.ID, Status: gateway.StatusSucceeded, RawPayload: []byte(`{"status":"paid"}`)}
	first, err := e.svc.ApplyGatewayOutcome(ctx, outcome)
	require.NoError(t, err)
	require.True(t, first.Applied)
	require.Equal(t, StatusSucceeded, first.Cashout.Status)
	entries := e.entryCount(t, "u1")

	for i := 0; i < 3; i++ {
		again, err := e.svc.ApplyGatewayOutcome(ctx, outcome)
		require.NoError(t, err)
		require.False(t, again.Applied)
		require.False(t, again.NeedsManualReview)
		require.Equal(t, StatusSucceeded, again.Cashout.Status)
	}

	require.Equal(t, entries, e.entryCount(t, "u1"))
	e.requireWallet(t, "u1", 500, "5.00", "0")
}

func TestReversalAfterSuccessIsFlagged(t *testing.T) {
	e := newEnv(t, nil)
	e.credit(t, "u1", 1000)
	ctx := context.Background()

	co := e.create(t, "u1", "alice@okbank", 500)
	_, err := e.svc.SubmitToGateway(ctx, co.ID)
	require.NoError(t, err)

	res, err := e.svc.ApplyGatewayOutcome(ctx, Outcome{Gateway: "upi", ExternalTxnID: "sbx_" + co.ID, Status: gateway.StatusReversed})
	require.NoError(t, err)
	require.True(t, res.NeedsManualReview)
	require.False(t, res.Applied)
	require.Equal(t, StatusSucceeded, res.Cashout.Status)
	require.True(t, res.Transaction.NeedsManualReview)
	require.Equal(t, gateway.StatusReversed, res.Transaction.Status)
	e.requireWallet(t, "u1", 500, "5.00", "0")

	events, err := e.svc.ListEvents(ctx, co.ID)
	require.NoError(t, err)
	require.Equal(t, EventManualReview, events[len(events)-1].Kind)
}

func TestSuccessAfterFailureIsFlagged(t *testing.T) {
	e := newEnv(t, nil)
	e.credit(t, "u1", 1000)
	ctx := context.Background()

	co := e.create(t, "u1", "bob@fail", 500)
	_, err := e.svc.SubmitToGateway(ctx, co.ID)
	require.NoError(t, err)

	res, err := e.svc.ApplyGatewayOutcome(ctx, Outcome{Gateway: "upi", ExternalTxnID: "sbx_" + co.ID, Status: gateway.StatusSucceeded})
	require.NoError(t, err)
	require.True(t, res.NeedsManualReview)
	require.Equal(t, StatusFailed, res.Cashout.Status)
	e.requireWallet(t, "u1", 1000, "0", "0")
}

func TestUnmatchedOutcome(t *testing.T) {
	e := newEnv(t, nil)

	_, err := e.svc.ApplyGatewayOutcome(context.Background(), Outcome{Gateway: "upi", ExternalTxnID: "ghost", Status: gateway.StatusSucceeded})
	require.True(t, errutil.Is(err, errutil.StatusUnmatched))

	_, err = e.svc.ApplyGatewayOutcome(context.Background(), Outcome{Gateway: "upi", Reference: "missing", Status: gateway.StatusSucceeded})
	require.True(t, errutil.Is(err, errutil.StatusUnmatched))
}

func TestOutcomeFromAnotherRailIsUnmatched(t *testing.T) {
	e := newEnv(t, nil)
	e.credit(t, "u1", 1000)
	ctx := context.Background()

	co := e.create(t, "u1", "carol@timeout", 500)
	_, err := e.svc.SubmitToGateway(ctx, co.ID)
	require.NoError(t, err)

	_, err = e.svc.ApplyGatewayOutcome(ctx, Outcome{Gateway: "bank", Reference: co.ID, Status: gateway.StatusSucceeded})
	require.True(t, errutil.Is(err, errutil.StatusUnmatched))

	got, err := e.svc.Get(ctx, co.ID)
	require.NoError(t, err)
	require.Equal(t, StatusInitiated, got.Status)
	e.requireWallet(t, "u1", 500, "0", "5.00")

	txns, err := e.svc.ListTransactions(ctx, co.ID)
	require.NoError(t, err)
	require.Len(t, txns, 1)
	require.Equal(t, "upi", txns[0].Gateway)
	require.Equal(t, gateway.StatusProcessing, txns[0].Status)
}

func TestOutcomeReplayKeepsFirstPayload(t *testing.T) {
	e := newEnv(t, nil)
	e.credit(t, "u1", 1000)
	ctx := context.Background()

	co := e.create(t, "u1", "dave@pending", 500)
	_, err := e.svc.SubmitToGateway(ctx, co.ID)
	require.NoError(t, err)

	first, err := e.svc.ApplyGatewayOutcome(ctx, Outcome{Gateway: "upi", ExternalTxnID: "sbx_" + co.ID, Status: gateway.StatusSucceeded, RawPayload: []byte(`{"status":"paid","seq":1}`)})
	require.NoError(t, err)
	require.True(t, first.Applied)

	again, err := e.svc.ApplyGatewayOutcome(ctx, Outcome{
		Gateway:       "upi",
		ExternalTxnID: "sbx_" + co.ID,
		Status:        gateway.StatusSucceeded,
		FailureReason: "late noise",
		RawPayload:    []byte(`{"status":"paid","seq":2}`),
	})
	require.NoError(t, err)
	require.False(t, again.Applied)
	require.JSONEq(t, `{"status":"paid","seq":1}`, string(again.Transaction.RawPayload))
	require.Nil(t, again.Transaction.FailureReason)
	require.Equal(t, gateway.StatusSucceeded, again.Transaction.Status)
}

func TestListStale(t *testing.T) {
	e := newEnv(t, nil)
	e.credit(t, "u1", 2000)
	ctx := context.Background()

	pending := e.create(t, "u1", "alice@okbank", 500)
	done := e.create(t, "u1", "erin@okbank", 500)
	_, err := e.svc.SubmitToGateway(ctx, done.ID)
	require.NoError(t, err)

	e.svc.now = func() time.Time { return now.Add(time.Hour) }
	stale, err := e.svc.ListStale(ctx, 10*time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	require.Equal(t, pending.ID, stale[0].ID)

	fresh, err := e.svc.ListStale(ctx, 2*time.Hour, 10)
	require.NoError(t, err)
	require.Empty(t, fresh)
}

func TestHandleSubmitTask(t *testing.T) {
	e := newEnv(t, nil)
	e.credit(t, "u1", 1000)
	co := e.create(t, "u1", "alice@okbank", 500)

	require.NoError(t, e.svc.HandleSubmitTask(context.Background(), e.queue.tasks[0]))
	got, err := e.svc.Get(context.Background(), co.ID)
	require.NoError(t, err)
	require.Equal(t, StatusSucceeded, got.Status)

	err = e.svc.HandleSubmitTask(context.Background(), asynq.NewTask(taskname.CashoutSubmit, []byte(`{}`)))
	require.ErrorIs(t, err, asynq.SkipRetry)

	err = e.svc.HandleSubmitTask(context.Background(), e.queue.tasks[0])
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestDestinationRuleOverride(t *testing.T) {
	v, err := NewDestinationValidator(celengine.NewEngine(), map[string]string{
		"upi": `destination.endsWith('@okbank') && points <= 5000`,
	})
	require.NoError(t, err)

	require.NoError(t, v.Validate(gateway.MethodUPI, "alice@okbank", 500))
	require.Error(t, v.Validate(gateway.MethodUPI, "alice@other", 500))
	require.Error(t, v.Validate(gateway.MethodUPI, "alice@okbank", 6000))
	require.NoError(t, v.Validate(gateway.MethodBank, "123456789012", 500))

	_, err = NewDestinationValidator(celengine.NewEngine(), map[string]string{"upi": `destination +`})
	require.Error(t, err)

	_, err = NewDestinationValidator(celengine.NewEngine(), map[string]string{"crypto": `true`})
	require.Error(t, err)
}

func TestPolicyFromConfig(t *testing.T) {
	cfg, err := config.Load(viper.New())
	require.NoError(t, err)

	p, err := PolicyFromConfig(cfg)
	require.NoError(t, err)
	require.True(t, p.ConversionRate.Equal(decimal.RequireFromString("0.01")))
	require.Equal(t, "INR", p.Currency)
	require.EqualValues(t, 500, p.MinPoints)

	cfg.Cashout.ConversionRate = "-1"
	_, err = PolicyFromConfig(cfg)
	require.True(t, errutil.Is(err, errutil.StatusValidationFailed))

	cfg.Cashout.ConversionRate = "abc"
	_, err = PolicyFromConfig(cfg)
	require.Error(t, err)
}
