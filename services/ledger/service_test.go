package ledger

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"dropproof/pkg/errutil"
	"dropproof/services/testutil"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	db := testutil.NewTestDB(t, &Wallet{}, &LedgerEntry{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return NewService(ServiceParams{DB: db, Node: node})
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestCreditPointsIsIdempotentPerReference(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	w, err := s.CreditPoints(ctx, "u1", 100, "sub-1", map[string]any{"submission_id": "sub-1"})
	require.NoError(t, err)
	require.EqualValues(t, 100, w.PointsBalance)

	w, err = s.CreditPoints(ctx, "u1", 100, "sub-1", nil)
	require.NoError(t, err)
	require.EqualValues(t, 100, w.PointsBalance)

	entries, err := s.ListEntries(ctx, "u1", 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, genesisHash, entries[0].PreviousHash)
}

func TestCreditPointsRejectsNonPositive(t *testing.T) {
	s := newTestService(t)
	_, err := s.CreditPoints(context.Background(), "u1", 0, "sub-1", nil)
	require.True(t, errutil.Is(err, errutil.StatusValidationFailed))
}

func TestLockForCashoutInsufficientLeavesWalletUntouched(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	_, err := s.CreditPoints(ctx, "u1", 300, "sub-1", nil)
	require.NoError(t, err)

	_, err = s.LockForCashout(ctx, "u1", 301, dec("3.01"), "co-1")
	require.True(t, errutil.Is(err, errutil.StatusInsufficientBalance))

	w, err := s.GetWallet(ctx, "u1")
	require.NoError(t, err)
	require.EqualValues(t, 300, w.PointsBalance)
	require.True(t, w.LockedAmount.IsZero())
	require.EqualValues(t, 1, w.Version)
}

func TestLockThenRefundRestoresExactly(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	_, err := s.CreditPoints(ctx, "u1", 1000, "sub-1", nil)
	require.NoError(t, err)

	w, err := s.LockForCashout(ctx, "u1", 600, dec("6.00"), "co-1")
	require.NoError(t, err)
	require.EqualValues(t, 400, w.PointsBalance)
	require.True(t, w.LockedAmount.Equal(dec("6")))

	w, err = s.RefundPoints(ctx, "u1", 600, dec("6.00"), "co-1")
	require.NoError(t, err)
	require.EqualValues(t, 1000, w.PointsBalance)
	require.True(t, w.LockedAmount.IsZero())

	// replayed refund must not double-credit
	w, err = s.RefundPoints(ctx, "u1", 600, dec("6.00"), "co-1")
	require.NoError(t, err)
	require.EqualValues(t, 1000, w.PointsBalance)

	require.NoError(t, s.VerifyChain(ctx, "u1"))
}

func TestReleaseLockSettlesCash(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	_, err := s.CreditPoints(ctx, "u1", 1000, "sub-1", nil)
	require.NoError(t, err)
	_, err = s.LockForCashout(ctx, "u1", 1000, dec("10.00"), "co-1")
	require.NoError(t, err)

	w, err := s.ReleaseLock(ctx, "u1", dec("10.00"), "co-1")
	require.NoError(t, err)
	require.Zero(t, w.PointsBalance)
	require.True(t, w.LockedAmount.IsZero())
	require.True(t, w.CashBalance.Equal(dec("10")))

	w, err = s.ReleaseLock(ctx, "u1", dec("10.00"), "co-1")
	require.NoError(t, err)
	require.True(t, w.CashBalance.Equal(dec("10")))
}

func TestNegativeLockIsInvariantViolation(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	_, err := s.CreditPoints(ctx, "u1", 100, "sub-1", nil)
	require.NoError(t, err)

	_, err = s.ReleaseLock(ctx, "u1", dec("1.00"), "co-x")
	require.True(t, errutil.Is(err, errutil.StatusLedgerInvariantViolation))

	w, err := s.GetWallet(ctx, "u1")
	require.NoError(t, err)
	require.True(t, w.CashBalance.IsZero())
	require.True(t, w.LockedAmount.IsZero())
}

func TestGetWalletForUnknownUser(t *testing.T) {
	s := newTestService(t)
	w, err := s.GetWallet(context.Background(), "nobody")
	require.NoError(t, err)
	require.Zero(t, w.PointsBalance)
	require.Equal(t, "INR", w.Currency)
}

func TestVerifyChainDetectsTampering(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	_, err := s.CreditPoints(ctx, "u1", 100, "sub-1", nil)
	require.NoError(t, err)
	_, err = s.CreditPoints(ctx, "u1", 50, "sub-2", nil)
	require.NoError(t, err)
	require.NoError(t, s.VerifyChain(ctx, "u1"))

	require.NoError(t, s.db.Model(&LedgerEntry{}).Where("reference_id = ?", "sub-1").Update("points_delta", 1000).Error)

	err = s.VerifyChain(ctx, "u1")
	require.True(t, errutil.Is(err, errutil.StatusLedgerInvariantViolation))
}

func TestWithTrxRollsBackWithCaller(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	err := s.db.Transaction(func(tx *gorm.DB) error {
		if _, err := s.WithTrx(tx).CreditPoints(ctx, "u1", 100, "sub-1", nil); err != nil {
			return err
		}
		return fmt.Errorf("status write failed")
	})
	require.Error(t, err)

	w, err := s.GetWallet(ctx, "u1")
	require.NoError(t, err)
	require.Zero(t, w.PointsBalance)
}

func TestRandomOperationsKeepBalancesNonNegative(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))
	rate := dec("0.01")

	type open struct {
		ref    string
		points int64
		cash   decimal.Decimal
	}
	var pending []open

	for i := 0; i < 200; i++ {
		switch op := rng.Intn(4); {
		case op == 0:
			_, err := s.CreditPoints(ctx, "u1", int64(rng.Intn(500)+1), fmt.Sprintf("sub-%d", i), nil)
			require.NoError(t, err)
		case op == 1:
			points := int64(rng.Intn(800) + 1)
			cash := decimal.NewFromInt(points).Mul(rate).Round(2)
			ref := fmt.Sprintf("co-%d", i)
			_, err := s.LockForCashout(ctx, "u1", points, cash, ref)
			if err != nil {
				require.True(t, errutil.Is(err, errutil.StatusInsufficientBalance), err)
				continue
			}
			pending = append(pending, open{ref: ref, points: points, cash: cash})
		case len(pending) > 0:
			idx := rng.Intn(len(pending))
			o := pending[idx]
			pending = append(pending[:idx], pending[idx+1:]...)
			var err error
			if op == 2 {
				_, err = s.ReleaseLock(ctx, "u1", o.cash, o.ref)
			} else {
				_, err = s.RefundPoints(ctx, "u1", o.points, o.cash, o.ref)
			}
			require.NoError(t, err)
		}

		w, err := s.GetWallet(ctx, "u1")
		require.NoError(t, err)
		require.GreaterOrEqual(t, w.PointsBalance, int64(0))
		require.False(t, w.LockedAmount.IsNegative())
		require.False(t, w.CashBalance.IsNegative())
	}

	expectedLocked := decimal.Zero
	for _, o := range pending {
		expectedLocked = expectedLocked.Add(o.cash)
	}
	w, err := s.GetWallet(ctx, "u1")
	require.NoError(t, err)
	require.True(t, expectedLocked.Equal(w.LockedAmount), "locked %s want %s", w.LockedAmount, expectedLocked)
	require.NoError(t, s.VerifyChain(ctx, "u1"))
}

func TestConcurrentLocksNeverOverdraw(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	_, err := s.CreditPoints(ctx, "u1", 250, "sub-1", nil)
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		refused   int
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.LockForCashout(ctx, "u1", 100, dec("1.00"), fmt.Sprintf("co-%d", i))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				succeeded++
			} else if errutil.Is(err, errutil.StatusInsufficientBalance) {
				refused++
			}
		}(i)
	}
	wg.Wait()

	require.Equal(t, 2, succeeded)
	require.Equal(t, 3, refused)

	w, err := s.GetWallet(ctx, "u1")
	require.NoError(t, err)
	require.EqualValues(t, 50, w.PointsBalance)
	require.True(t, w.LockedAmount.Equal(dec("2")))
}
