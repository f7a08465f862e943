package biz

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"xinyuan_tech/iap-reconcile-service/internal/conf"
	"xinyuan_tech/iap-reconcile-service/internal/constants"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransactionRepo 内存交易仓库
type fakeTransactionRepo struct {
	byToken map[string]*Transaction
	calls   int
}

func (f *fakeTransactionRepo) FindActiveByToken(ctx context.Context, token string) (*Transaction, error) {
	f.calls++
	return f.byToken[token], nil
}

// fakeSubscriptionUserRepo 内存订阅仓库，CASUpdate 语义与 SQL 实现一致
type fakeSubscriptionUserRepo struct {
	subs     map[uint64]*SubscriptionUser
	targets  []*SweepTarget
	casCalls int
	// failNextCAS 模拟并发修改：下一次 CASUpdate 直接判竞争失败
	failNextCAS bool
}

func (f *fakeSubscriptionUserRepo) GetSubscriptionUser(ctx context.Context, id uint64) (*SubscriptionUser, error) {
	sub, ok := f.subs[id]
	if !ok {
		return nil, nil
	}
	cp := *sub
	return &cp, nil
}

func (f *fakeSubscriptionUserRepo) FindExpiringWithin(ctx context.Context, days int) ([]*SweepTarget, error) {
	return f.targets, nil
}

func (f *fakeSubscriptionUserRepo) CASUpdate(ctx context.Context, upd *SubscriptionUpdate) (bool, error) {
	f.casCalls++
	if f.failNextCAS {
		f.failNextCAS = false
		return false, nil
	}
	sub, ok := f.subs[upd.SubscriptionUserID]
	if !ok {
		return false, nil
	}
	if sub.Status != upd.ExpectedStatus ||
		!sub.ExpiryAt.Equal(upd.ExpectedExpiryAt) ||
		sub.LastAppliedEventID != upd.ExpectedEventID {
		return false, nil
	}
	sub.Status = upd.NewStatus
	sub.ExpiryAt = upd.NewExpiryAt
	sub.LastAppliedEventID = upd.EventID
	sub.LastAppliedAt = upd.AppliedAt
	return true, nil
}

// fakeBillingClient 固定快照或按令牌返回错误
type fakeBillingClient struct {
	snap     *BillingSnapshot
	err      error
	errByTok map[string]error
	calls    int
}

func (f *fakeBillingClient) QuerySubscription(ctx context.Context, packageName, productID, token string) (*BillingSnapshot, error) {
	f.calls++
	if err, ok := f.errByTok[token]; ok {
		return nil, err
	}
	if f.err != nil {
		return nil, f.err
	}
	cp := *f.snap
	return &cp, nil
}

type fakeEventCache struct {
	seen map[string]bool
}

func (f *fakeEventCache) Seen(ctx context.Context, eventID string) (bool, error) {
	return f.seen[eventID], nil
}

func (f *fakeEventCache) Mark(ctx context.Context, eventID string, ttl time.Duration) error {
	f.seen[eventID] = true
	return nil
}

type fakeMutex struct{}

func (fakeMutex) LockContext(ctx context.Context) error           { return nil }
func (fakeMutex) UnlockContext(ctx context.Context) (bool, error) { return true, nil }

type fakeLockFactory struct{}

func (fakeLockFactory) NewMutex(name string) Mutex { return fakeMutex{} }

func testBootstrap() *conf.Bootstrap {
	return &conf.Bootstrap{
		Client: &conf.Client{
			GooglePlay: &conf.GooglePlay{PackageName: "com.example.app", Timeout: "5s"},
		},
	}
}

type fixture struct {
	uc      *ReconcileUsecase
	txns    *fakeTransactionRepo
	subs    *fakeSubscriptionUserRepo
	billing *fakeBillingClient
	cache   *fakeEventCache
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	f := &fixture{
		txns:    &fakeTransactionRepo{byToken: map[string]*Transaction{}},
		subs:    &fakeSubscriptionUserRepo{subs: map[uint64]*SubscriptionUser{}},
		billing: &fakeBillingClient{},
		cache:   &fakeEventCache{seen: map[string]bool{}},
		now:     now,
	}
	f.uc = NewReconcileUsecase(f.txns, f.subs, f.billing, f.cache, fakeLockFactory{}, testBootstrap(), log.DefaultLogger)
	f.uc.now = func() time.Time { return now }
	return f
}

// seed 建立一条已支付交易和关联订阅
func (f *fixture) seed(token, status string, expiry time.Time) (*Transaction, *SubscriptionUser) {
	txn := &Transaction{
		ID:                 1,
		PurchaseToken:      token,
		ProductID:          "premium_monthly",
		PackageName:        "com.example.app",
		AgentType:          constants.AgentTypeGooglePlay,
		Status:             constants.TxnStatusSuccess,
		SubscriptionUserID: 100,
	}
	sub := &SubscriptionUser{
		ID:        100,
		UserID:    7,
		ProductID: "premium_monthly",
		Status:    status,
		ExpiryAt:  expiry,
	}
	f.txns.byToken[token] = txn
	f.subs.subs[sub.ID] = sub
	return txn, sub
}

func renewalEvent(token string, typ EventType) *RenewalEvent {
	return &RenewalEvent{
		EventID:       "evt-" + string(typ) + "-" + token,
		Type:          typ,
		PurchaseToken: token,
		ProductID:     "premium_monthly",
		PackageName:   "com.example.app",
	}
}

func TestProcessEvent_RenewalExtendsExpiry(t *testing.T) {
	f := newFixture(t)
	_, sub := f.seed("tok-1", constants.StatusActive, f.now.AddDate(0, 0, 5))
	newExpiry := f.now.AddDate(0, 0, 35)
	f.billing.snap = &BillingSnapshot{ExpiryAt: newExpiry, AutoRenewing: true}

	res, err := f.uc.ProcessEvent(context.Background(), renewalEvent("tok-1", EventRenewed))
	require.NoError(t, err)

	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, constants.StatusActive, sub.Status)
	assert.True(t, sub.ExpiryAt.Equal(newExpiry))
}

func TestProcessEvent_StaleRenewalIsNoop(t *testing.T) {
	f := newFixture(t)
	expiry := f.now.AddDate(0, 0, 30)
	_, sub := f.seed("tok-1", constants.StatusActive, expiry)
	// 后台返回的到期时间不晚于本库，属于乱序或重复的旧事件
	f.billing.snap = &BillingSnapshot{ExpiryAt: f.now.AddDate(0, 0, 5)}

	res, err := f.uc.ProcessEvent(context.Background(), renewalEvent("tok-1", EventRenewed))
	require.NoError(t, err)

	assert.Equal(t, OutcomeStale, res.Outcome)
	assert.True(t, sub.ExpiryAt.Equal(expiry))
	assert.Equal(t, constants.StatusActive, sub.Status)
	assert.Zero(t, f.subs.casCalls)
}

func TestProcessEvent_ReplaySameEventID(t *testing.T) {
	f := newFixture(t)
	f.seed("tok-1", constants.StatusActive, f.now.AddDate(0, 0, 5))
	f.billing.snap = &BillingSnapshot{ExpiryAt: f.now.AddDate(0, 0, 35)}

	ev := renewalEvent("tok-1", EventRenewed)
	first, err := f.uc.ProcessEvent(context.Background(), ev)
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, first.Outcome)

	stateAfterFirst := *f.subs.subs[100]

	second, err := f.uc.ProcessEvent(context.Background(), ev)
	require.NoError(t, err)

	assert.Equal(t, OutcomeDuplicate, second.Outcome)
	assert.Equal(t, stateAfterFirst, *f.subs.subs[100])
}

func TestProcessEvent_ReplayDetectedByStoreWithoutCache(t *testing.T) {
	f := newFixture(t)
	f.seed("tok-1", constants.StatusActive, f.now.AddDate(0, 0, 5))
	f.billing.snap = &BillingSnapshot{ExpiryAt: f.now.AddDate(0, 0, 35)}

	ev := renewalEvent("tok-1", EventRenewed)
	_, err := f.uc.ProcessEvent(context.Background(), ev)
	require.NoError(t, err)

	// 缓存清空后重放，权威判定回落到 last_applied_event_id
	f.cache.seen = map[string]bool{}
	casBefore := f.subs.casCalls

	res, err := f.uc.ProcessEvent(context.Background(), ev)
	require.NoError(t, err)

	assert.Equal(t, OutcomeDuplicate, res.Outcome)
	assert.Equal(t, casBefore, f.subs.casCalls)
}

func TestProcessEvent_RevokedClampsExpiryToNow(t *testing.T) {
	f := newFixture(t)
	_, sub := f.seed("tok-1", constants.StatusActive, f.now.AddDate(0, 0, 5))

	res, err := f.uc.ProcessEvent(context.Background(), renewalEvent("tok-1", EventRevoked))
	require.NoError(t, err)

	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, constants.StatusExpired, sub.Status)
	assert.True(t, sub.ExpiryAt.Equal(f.now))
	// 取消类事件不触发账单后台查询
	assert.Zero(t, f.billing.calls)
}

func TestProcessEvent_CancelOnPastExpiryKeepsExpiry(t *testing.T) {
	f := newFixture(t)
	pastExpiry := f.now.AddDate(0, 0, -10)
	_, sub := f.seed("tok-1", constants.StatusActive, pastExpiry)

	res, err := f.uc.ProcessEvent(context.Background(), renewalEvent("tok-1", EventExpired))
	require.NoError(t, err)

	// 到期时间已在过去，只收不放
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, constants.StatusExpired, sub.Status)
	assert.True(t, sub.ExpiryAt.Equal(pastExpiry))
}

func TestProcessEvent_CancelNeverExtendsExpiry(t *testing.T) {
	f := newFixture(t)
	expiry := f.now.AddDate(0, 0, 3)
	_, sub := f.seed("tok-1", constants.StatusActive, expiry)

	_, err := f.uc.ProcessEvent(context.Background(), renewalEvent("tok-1", EventCanceled))
	require.NoError(t, err)

	assert.False(t, sub.ExpiryAt.After(expiry))
}

func TestProcessEvent_RenewalFromOnHoldReestablishesActive(t *testing.T) {
	f := newFixture(t)
	_, sub := f.seed("tok-1", constants.StatusOnHold, f.now.AddDate(0, 0, -1))
	newExpiry := f.now.AddDate(0, 1, 0)
	f.billing.snap = &BillingSnapshot{ExpiryAt: newExpiry, AutoRenewing: true}

	res, err := f.uc.ProcessEvent(context.Background(), renewalEvent("tok-1", EventRecovered))
	require.NoError(t, err)

	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, constants.StatusActive, sub.Status)
	assert.True(t, sub.ExpiryAt.Equal(newExpiry))
}

func TestProcessEvent_AnomalousRenewalRejected(t *testing.T) {
	f := newFixture(t)
	_, sub := f.seed("tok-1", constants.StatusOnHold, f.now.AddDate(0, 0, -1))
	// 事件说续费成功，后台却说早已过期：方向异常，不应用
	f.billing.snap = &BillingSnapshot{ExpiryAt: f.now.AddDate(0, 0, -30)}

	res, err := f.uc.ProcessEvent(context.Background(), renewalEvent("tok-1", EventRenewed))
	require.NoError(t, err)

	assert.Equal(t, OutcomeAnomaly, res.Outcome)
	assert.Equal(t, constants.StatusOnHold, sub.Status)
	assert.Zero(t, f.subs.casCalls)
}

func TestProcessEvent_QueryFailureLeavesStateUntouched(t *testing.T) {
	f := newFixture(t)
	expiry := f.now.AddDate(0, 0, 5)
	_, sub := f.seed("tok-1", constants.StatusActive, expiry)
	f.billing.err = fmt.Errorf("%w: connection refused", ErrBillingUnavailable)

	_, err := f.uc.ProcessEvent(context.Background(), renewalEvent("tok-1", EventRenewed))

	var queryFailed *QueryFailedError
	require.ErrorAs(t, err, &queryFailed)
	assert.ErrorIs(t, queryFailed.Err, ErrBillingUnavailable)

	// 状态与幂等标记都不落库，商店重投递或巡检可以补齐
	assert.True(t, sub.ExpiryAt.Equal(expiry))
	assert.Empty(t, sub.LastAppliedEventID)
	assert.False(t, f.cache.seen["evt-renewed-tok-1"])
}

func TestProcessEvent_UnmatchedTokenAcknowledged(t *testing.T) {
	f := newFixture(t)

	res, err := f.uc.ProcessEvent(context.Background(), renewalEvent("tok-unknown", EventRenewed))
	require.NoError(t, err)

	assert.Equal(t, OutcomeUnmatched, res.Outcome)
	assert.Zero(t, f.billing.calls)
}

func TestProcessEvent_CASConflictRetriesOnce(t *testing.T) {
	f := newFixture(t)
	_, sub := f.seed("tok-1", constants.StatusActive, f.now.AddDate(0, 0, 5))
	newExpiry := f.now.AddDate(0, 0, 35)
	f.billing.snap = &BillingSnapshot{ExpiryAt: newExpiry}
	f.subs.failNextCAS = true

	res, err := f.uc.ProcessEvent(context.Background(), renewalEvent("tok-1", EventRenewed))
	require.NoError(t, err)

	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, 2, f.subs.casCalls)
	assert.True(t, sub.ExpiryAt.Equal(newExpiry))
}

func TestProcessEvent_OnHoldKeepsExpiry(t *testing.T) {
	f := newFixture(t)
	expiry := f.now.AddDate(0, 0, 2)
	_, sub := f.seed("tok-1", constants.StatusActive, expiry)

	res, err := f.uc.ProcessEvent(context.Background(), renewalEvent("tok-1", EventOnHold))
	require.NoError(t, err)

	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, constants.StatusOnHold, sub.Status)
	assert.True(t, sub.ExpiryAt.Equal(expiry))
}

func TestProcessEvent_GracePeriodDoesNotMutateStore(t *testing.T) {
	f := newFixture(t)
	expiry := f.now.AddDate(0, 0, 2)
	_, sub := f.seed("tok-1", constants.StatusActive, expiry)

	res, err := f.uc.ProcessEvent(context.Background(), renewalEvent("tok-1", EventGracePeriod))
	require.NoError(t, err)

	assert.Equal(t, OutcomeIgnored, res.Outcome)
	assert.Equal(t, constants.StatusActive, sub.Status)
	assert.Zero(t, f.subs.casCalls)
}

func TestProcessEvent_InformationalTypesIgnored(t *testing.T) {
	f := newFixture(t)
	f.seed("tok-1", constants.StatusActive, f.now.AddDate(0, 0, 5))

	for _, typ := range []EventType{EventPriceChange, EventDeferred, EventPauseScheduleChange, EventUnknown} {
		res, err := f.uc.ProcessEvent(context.Background(), renewalEvent("tok-1", typ))
		require.NoError(t, err)
		assert.Equal(t, OutcomeIgnored, res.Outcome, "type %s", typ)
	}
	assert.Zero(t, f.subs.casCalls)
	assert.Zero(t, f.billing.calls)
}

func TestProcessSnapshot_SameExpiryIsNoop(t *testing.T) {
	f := newFixture(t)
	expiry := f.now.AddDate(0, 0, 5)
	_, sub := f.seed("tok-1", constants.StatusActive, expiry)

	res, err := f.uc.ProcessSnapshot(context.Background(), sub, &BillingSnapshot{ExpiryAt: expiry})
	require.NoError(t, err)

	assert.Equal(t, OutcomeStale, res.Outcome)
	assert.Zero(t, f.subs.casCalls)
}

func TestProcessSnapshot_ForwardExpiryApplied(t *testing.T) {
	f := newFixture(t)
	_, sub := f.seed("tok-1", constants.StatusActive, f.now.AddDate(0, 0, 5))
	newExpiry := f.now.AddDate(0, 0, 35)

	res, err := f.uc.ProcessSnapshot(context.Background(), sub, &BillingSnapshot{ExpiryAt: newExpiry})
	require.NoError(t, err)

	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.True(t, f.subs.subs[100].ExpiryAt.Equal(newExpiry))
}

func TestProcessSnapshot_PastExpiryClampsToNow(t *testing.T) {
	f := newFixture(t)
	_, sub := f.seed("tok-1", constants.StatusActive, f.now.AddDate(0, 0, 5))

	res, err := f.uc.ProcessSnapshot(context.Background(), sub, &BillingSnapshot{ExpiryAt: f.now.AddDate(0, 0, -1), Canceled: true})
	require.NoError(t, err)

	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, constants.StatusExpired, f.subs.subs[100].Status)
	assert.True(t, f.subs.subs[100].ExpiryAt.Equal(f.now))
}

func TestProcessSnapshot_BackwardExpiryIsAnomaly(t *testing.T) {
	f := newFixture(t)
	_, sub := f.seed("tok-1", constants.StatusActive, f.now.AddDate(0, 0, 10))

	// 后台到期时间比本库早却仍在未来
	res, err := f.uc.ProcessSnapshot(context.Background(), sub, &BillingSnapshot{ExpiryAt: f.now.AddDate(0, 0, 3)})
	require.NoError(t, err)

	assert.Equal(t, OutcomeAnomaly, res.Outcome)
	assert.Zero(t, f.subs.casCalls)
}

func TestProcessSnapshot_RepollIdempotentByExpiryValue(t *testing.T) {
	f := newFixture(t)
	_, sub := f.seed("tok-1", constants.StatusOnHold, f.now.AddDate(0, 0, 1))
	newExpiry := f.now.AddDate(0, 0, 20)

	first, err := f.uc.ProcessSnapshot(context.Background(), sub, &BillingSnapshot{ExpiryAt: newExpiry})
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, first.Outcome)

	// 同一快照重查：轮询路径的幂等键是到期时间本身
	second, err := f.uc.ProcessSnapshot(context.Background(), f.subs.subs[100], &BillingSnapshot{ExpiryAt: newExpiry})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, second.Outcome)
}

func TestProcessEvent_LockBusyReportsConflict(t *testing.T) {
	f := newFixture(t)
	f.seed("tok-1", constants.StatusActive, f.now.AddDate(0, 0, 5))
	f.uc.locks = busyLockFactory{}

	_, err := f.uc.ProcessEvent(context.Background(), renewalEvent("tok-1", EventRenewed))

	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.EqualValues(t, 100, conflict.SubscriptionUserID)
}

type busyMutex struct{}

func (busyMutex) LockContext(ctx context.Context) error {
	return errors.New("lock already taken")
}
func (busyMutex) UnlockContext(ctx context.Context) (bool, error) { return false, nil }

type busyLockFactory struct{}

func (busyLockFactory) NewMutex(name string) Mutex { return busyMutex{} }
