package biz

import (
	"context"
	"fmt"
	"testing"
	"time"

	"xinyuan_tech/iap-reconcile-service/internal/constants"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sweepFixture struct {
	uc      *SweepUsecase
	subs    *fakeSubscriptionUserRepo
	billing *fakeBillingClient
	now     time.Time
}

func newSweepFixture(t *testing.T) *sweepFixture {
	t.Helper()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	subs := &fakeSubscriptionUserRepo{subs: map[uint64]*SubscriptionUser{}}
	billing := &fakeBillingClient{errByTok: map[string]error{}}
	txns := &fakeTransactionRepo{byToken: map[string]*Transaction{}}
	cache := &fakeEventCache{seen: map[string]bool{}}

	recon := NewReconcileUsecase(txns, subs, billing, cache, fakeLockFactory{}, testBootstrap(), log.DefaultLogger)
	recon.now = func() time.Time { return now }

	return &sweepFixture{
		uc:      NewSweepUsecase(subs, billing, recon, fakeLockFactory{}, testBootstrap(), log.DefaultLogger),
		subs:    subs,
		billing: billing,
		now:     now,
	}
}

// addTarget 添加一条临近到期的巡检目标
func (f *sweepFixture) addTarget(id uint64, token string, expiry time.Time) {
	sub := &SubscriptionUser{
		ID:        id,
		UserID:    id,
		ProductID: "premium_monthly",
		Status:    constants.StatusActive,
		ExpiryAt:  expiry,
	}
	txn := &Transaction{
		ID:                 id,
		PurchaseToken:      token,
		ProductID:          "premium_monthly",
		PackageName:        "com.example.app",
		Status:             constants.TxnStatusSuccess,
		SubscriptionUserID: id,
	}
	f.subs.subs[id] = sub
	f.subs.targets = append(f.subs.targets, &SweepTarget{Sub: sub, Txn: txn})
}

func TestRunSweep_SingleFailureDoesNotAbortRun(t *testing.T) {
	f := newSweepFixture(t)
	newExpiry := f.now.AddDate(0, 0, 30)
	f.billing.snap = &BillingSnapshot{ExpiryAt: newExpiry, AutoRenewing: true}

	for i := 1; i <= 100; i++ {
		f.addTarget(uint64(i), fmt.Sprintf("tok-%03d", i), f.now.AddDate(0, 0, 3))
	}
	// 第 42 条的账单查询失败，其余照常处理
	f.billing.errByTok["tok-042"] = fmt.Errorf("%w: upstream 503", ErrBillingUnavailable)

	report, err := f.uc.RunSweep(context.Background(), 7)
	require.NoError(t, err)

	assert.Equal(t, 100, report.Checked)
	assert.Equal(t, 99, report.Updated)
	assert.Equal(t, 1, report.Failed)
	assert.NotEmpty(t, report.RunID)

	// 失败的订阅保持原状，等下一轮补齐
	assert.True(t, f.subs.subs[42].ExpiryAt.Equal(f.now.AddDate(0, 0, 3)))
	assert.Empty(t, f.subs.subs[42].LastAppliedEventID)
	// 其余订阅已收敛到后台到期时间
	assert.True(t, f.subs.subs[1].ExpiryAt.Equal(newExpiry))
	assert.True(t, f.subs.subs[100].ExpiryAt.Equal(newExpiry))
}

func TestRunSweep_SameExpiryIsNoop(t *testing.T) {
	f := newSweepFixture(t)
	expiry := f.now.AddDate(0, 0, 3)
	f.addTarget(1, "tok-001", expiry)
	f.billing.snap = &BillingSnapshot{ExpiryAt: expiry}

	report, err := f.uc.RunSweep(context.Background(), 7)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Checked)
	assert.Zero(t, report.Updated)
	assert.Zero(t, report.Failed)
	assert.Zero(t, f.subs.casCalls)
}

func TestRunSweep_ExpiredInBackendClampsToNow(t *testing.T) {
	f := newSweepFixture(t)
	f.addTarget(1, "tok-001", f.now.AddDate(0, 0, 3))
	f.billing.snap = &BillingSnapshot{ExpiryAt: f.now.AddDate(0, 0, -1), Canceled: true}

	report, err := f.uc.RunSweep(context.Background(), 7)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Updated)
	assert.Equal(t, constants.StatusExpired, f.subs.subs[1].Status)
	assert.True(t, f.subs.subs[1].ExpiryAt.Equal(f.now))
}

func TestRunSweep_ConflictRetriedOnce(t *testing.T) {
	f := newSweepFixture(t)
	f.addTarget(1, "tok-001", f.now.AddDate(0, 0, 3))
	f.billing.snap = &BillingSnapshot{ExpiryAt: f.now.AddDate(0, 0, 30)}
	f.subs.failNextCAS = true

	report, err := f.uc.RunSweep(context.Background(), 7)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Updated)
	assert.Zero(t, report.Failed)
	assert.Equal(t, 2, f.subs.casCalls)
}

func TestRunSweep_LockBusySkipsWithoutFailure(t *testing.T) {
	f := newSweepFixture(t)
	f.addTarget(1, "tok-001", f.now.AddDate(0, 0, 3))
	f.uc.locks = busyLockFactory{}

	report, err := f.uc.RunSweep(context.Background(), 7)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Checked)
	assert.Zero(t, report.Updated)
	assert.Zero(t, report.Failed)
	assert.Zero(t, f.billing.calls)
}

func TestRunSweep_HorizonClampedToDefault(t *testing.T) {
	f := newSweepFixture(t)
	capture := &horizonCapturingRepo{fakeSubscriptionUserRepo: f.subs}
	f.uc.subRepo = capture

	for _, days := range []int{0, -3, constants.MaxSweepHorizonDays + 1} {
		_, err := f.uc.RunSweep(context.Background(), days)
		require.NoError(t, err)
		assert.Equal(t, constants.DefaultSweepHorizonDays, capture.lastDays, "input %d", days)
	}

	_, err := f.uc.RunSweep(context.Background(), 14)
	require.NoError(t, err)
	assert.Equal(t, 14, capture.lastDays)
}

type horizonCapturingRepo struct {
	*fakeSubscriptionUserRepo
	lastDays int
}

func (r *horizonCapturingRepo) FindExpiringWithin(ctx context.Context, days int) ([]*SweepTarget, error) {
	r.lastDays = days
	return r.fakeSubscriptionUserRepo.FindExpiringWithin(ctx, days)
}
