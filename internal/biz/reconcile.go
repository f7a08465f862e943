package biz

import (
	"context"
	"errors"
	"fmt"
	"time"

	"xinyuan_tech/iap-reconcile-service/internal/conf"
	"xinyuan_tech/iap-reconcile-service/internal/constants"

	"github.com/go-kratos/kratos/v2/log"
)

// Transaction 购买交易记录(下单时创建，除状态外不可变)
type Transaction struct {
	ID                 uint64
	PurchaseToken      string
	ProductID          string
	PackageName        string
	AgentType          string
	Status             string // pending, success, failed
	SubscriptionUserID uint64 // 0 表示尚未关联订阅
	CreatedAt          time.Time
}

// SubscriptionUser 用户订阅记录(对账目标)
type SubscriptionUser struct {
	ID                 uint64
	UserID             uint64
	ProductID          string
	Status             string // active, grace, on_hold, paused, expired
	ExpiryAt           time.Time
	LastAppliedEventID string
	LastAppliedAt      time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// SubscriptionUpdate 一次条件更新：读到的旧值作为匹配条件，
// 只有旧值未被并发修改时才会写入新值
type SubscriptionUpdate struct {
	SubscriptionUserID uint64
	ExpectedStatus     string
	ExpectedExpiryAt   time.Time
	ExpectedEventID    string
	NewStatus          string
	NewExpiryAt        time.Time
	EventID            string
	AppliedAt          time.Time
}

// TransactionRepo 交易仓库接口
type TransactionRepo interface {
	// FindActiveByToken 按购买令牌查找已支付且已关联订阅的交易，未找到返回 (nil, nil)
	FindActiveByToken(ctx context.Context, purchaseToken string) (*Transaction, error)
}

// SweepTarget 巡检目标：即将过期的订阅及其关联交易
type SweepTarget struct {
	Sub *SubscriptionUser
	Txn *Transaction
}

// SubscriptionUserRepo 用户订阅仓库接口
type SubscriptionUserRepo interface {
	GetSubscriptionUser(ctx context.Context, id uint64) (*SubscriptionUser, error)
	// FindExpiringWithin 枚举 (now, now+days] 内到期且有已支付关联交易的订阅
	FindExpiringWithin(ctx context.Context, days int) ([]*SweepTarget, error)
	// CASUpdate 条件更新，旧值不匹配时返回 (false, nil)
	CASUpdate(ctx context.Context, upd *SubscriptionUpdate) (bool, error)
}

// BillingSnapshot 账单后台返回的权威订阅状态
type BillingSnapshot struct {
	ExpiryAt     time.Time
	AutoRenewing bool
	Canceled     bool
	CancelReason int64
	PaymentState *int64
}

// BillingClient 账单后台查询客户端接口 (防腐层)
type BillingClient interface {
	QuerySubscription(ctx context.Context, packageName, productID, purchaseToken string) (*BillingSnapshot, error)
}

// EventCache 已处理事件指纹缓存(快速去重，权威判定仍以 last_applied_event_id 为准)
type EventCache interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	Mark(ctx context.Context, eventID string, ttl time.Duration) error
}

// Mutex 分布式互斥锁
type Mutex interface {
	LockContext(ctx context.Context) error
	UnlockContext(ctx context.Context) (bool, error)
}

// LockFactory 分布式锁工厂接口 (防腐层)
type LockFactory interface {
	NewMutex(name string) Mutex
}

// 账单查询失败的典型原因
var (
	ErrPurchaseNotFound   = errors.New("purchase not found in billing backend")
	ErrBillingAuth        = errors.New("billing backend authentication failed")
	ErrBillingUnavailable = errors.New("billing backend unavailable")
)

// QueryFailedError 账单后台查询失败。
// 订阅状态保持不变，幂等标记不落库，等待商店重投递或下一轮巡检补齐。
type QueryFailedError struct {
	Err error
}

func (e *QueryFailedError) Error() string {
	return fmt.Sprintf("billing query failed: %v", e.Err)
}

func (e *QueryFailedError) Unwrap() error { return e.Err }

// ConflictError 条件更新竞争失败(已重试一次)
type ConflictError struct {
	SubscriptionUserID uint64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("concurrent update conflict on subscription %d", e.SubscriptionUserID)
}

// Outcome 一次对账的处理结论
type Outcome string

const (
	// OutcomeApplied 状态迁移已落库
	OutcomeApplied Outcome = "applied"
	// OutcomeDuplicate 重复投递，幂等丢弃
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeStale 过期/乱序事件，不产生迁移
	OutcomeStale Outcome = "stale"
	// OutcomeUnmatched 本库没有对应交易，正常应答
	OutcomeUnmatched Outcome = "unmatched"
	// OutcomeIgnored 仅记录类事件
	OutcomeIgnored Outcome = "ignored"
	// OutcomeAnomaly 迁移方向违反单调性约束，拒绝应用
	OutcomeAnomaly Outcome = "anomaly"
)

// Result 对账处理结果
type Result struct {
	Outcome            Outcome
	SubscriptionUserID uint64
	NewStatus          string
	NewExpiryAt        time.Time
}

// ReconcileUsecase 对账业务逻辑：根据推送事件或巡检快照，
// 在幂等与单调性约束下收敛订阅的到期时间与状态
type ReconcileUsecase struct {
	txnRepo TransactionRepo
	subRepo SubscriptionUserRepo
	billing BillingClient
	events  EventCache
	locks   LockFactory
	config  *conf.Bootstrap
	log     *log.Helper
	now     func() time.Time
}

// NewReconcileUsecase 创建对账业务用例
func NewReconcileUsecase(
	txnRepo TransactionRepo,
	subRepo SubscriptionUserRepo,
	billing BillingClient,
	events EventCache,
	locks LockFactory,
	config *conf.Bootstrap,
	logger log.Logger,
) *ReconcileUsecase {
	return &ReconcileUsecase{
		txnRepo: txnRepo,
		subRepo: subRepo,
		billing: billing,
		events:  events,
		locks:   locks,
		config:  config,
		log:     log.NewHelper(logger),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// ProcessEvent 处理一条推送事件(推送路径)
func (uc *ReconcileUsecase) ProcessEvent(ctx context.Context, ev *RenewalEvent) (*Result, error) {
	if ev.Type.IsInformational() {
		uc.log.Infof("Informational event %s for token %s, no transition", ev.Type, shortToken(ev.PurchaseToken))
		return &Result{Outcome: OutcomeIgnored}, nil
	}

	txn, err := uc.txnRepo.FindActiveByToken(ctx, ev.PurchaseToken)
	if err != nil {
		return nil, err
	}
	if txn == nil {
		// 本部署不跟踪该订阅，属于正常情况
		uc.log.Infof("No matching transaction for token %s, event %s acknowledged", shortToken(ev.PurchaseToken), ev.EventID)
		return &Result{Outcome: OutcomeUnmatched}, nil
	}

	// 快速去重(尽力而为，缓存不可用时继续走权威路径)
	if seen, err := uc.events.Seen(ctx, ev.EventID); err == nil && seen {
		uc.log.Infof("Event %s already processed (cache hit)", ev.EventID)
		return &Result{Outcome: OutcomeDuplicate, SubscriptionUserID: txn.SubscriptionUserID}, nil
	}

	// 同一购买令牌上的并发投递串行化
	mutex := uc.locks.NewMutex("reconcile_lock:token:" + ev.PurchaseToken)
	if err := mutex.LockContext(ctx); err != nil {
		uc.log.Warnf("Lock busy for token %s, event %s deferred", shortToken(ev.PurchaseToken), ev.EventID)
		return nil, &ConflictError{SubscriptionUserID: txn.SubscriptionUserID}
	}
	defer func() {
		if _, err := mutex.UnlockContext(ctx); err != nil {
			uc.log.Warnf("Failed to unlock token %s: %v", shortToken(ev.PurchaseToken), err)
		}
	}()

	// 条件更新竞争失败时整体重试一次
	var res *Result
	for attempt := 0; attempt < 2; attempt++ {
		res, err = uc.reconcileOnce(ctx, txn, ev)
		var conflict *ConflictError
		if errors.As(err, &conflict) && attempt == 0 {
			uc.log.Warnf("CAS conflict on subscription %d, retrying event %s", conflict.SubscriptionUserID, ev.EventID)
			continue
		}
		break
	}
	if err != nil {
		return nil, err
	}

	uc.markProcessed(ctx, ev.EventID)
	return res, nil
}

// reconcileOnce 读取当前订阅状态并尝试应用一次事件驱动的迁移
func (uc *ReconcileUsecase) reconcileOnce(ctx context.Context, txn *Transaction, ev *RenewalEvent) (*Result, error) {
	sub, err := uc.subRepo.GetSubscriptionUser(ctx, txn.SubscriptionUserID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		uc.log.Warnf("Transaction %d references missing subscription %d", txn.ID, txn.SubscriptionUserID)
		return &Result{Outcome: OutcomeUnmatched}, nil
	}

	// 幂等：同一事件重复投递是空操作
	if sub.LastAppliedEventID == ev.EventID {
		uc.log.Infof("Event %s already applied to subscription %d", ev.EventID, sub.ID)
		return &Result{Outcome: OutcomeDuplicate, SubscriptionUserID: sub.ID}, nil
	}

	now := uc.now()

	switch {
	case ev.Type.IsRenewalClass():
		// 续费类事件以账单后台为准，查询失败时不落任何标记
		queryCtx, cancel := context.WithTimeout(ctx, uc.config.Client.GooglePlay.QueryTimeout())
		snap, err := uc.billing.QuerySubscription(queryCtx, txn.PackageName, txn.ProductID, txn.PurchaseToken)
		cancel()
		if err != nil {
			return nil, &QueryFailedError{Err: err}
		}
		return uc.applyRenewal(ctx, sub, ev.EventID, snap.ExpiryAt, now)

	case ev.Type.IsCancellationClass():
		return uc.applyExpiry(ctx, sub, ev.EventID, now)

	case ev.Type == EventOnHold:
		return uc.applyStatus(ctx, sub, ev.EventID, constants.StatusOnHold, now)

	case ev.Type == EventPaused:
		return uc.applyStatus(ctx, sub, ev.EventID, constants.StatusPaused, now)

	case ev.Type == EventGracePeriod:
		// 宽限期只是计时继续，不落库；到期时间不变，巡检会继续跟踪
		uc.log.Infof("Subscription %d entered grace period, expiry %s unchanged", sub.ID, sub.ExpiryAt.Format(time.RFC3339))
		return &Result{Outcome: OutcomeIgnored, SubscriptionUserID: sub.ID}, nil

	default:
		uc.log.Infof("Event type %s for subscription %d ignored", ev.Type, sub.ID)
		return &Result{Outcome: OutcomeIgnored, SubscriptionUserID: sub.ID}, nil
	}
}

// ProcessSnapshot 处理一份巡检快照(轮询路径)。
// 幂等键是快照本身的到期时间：同值重查是空操作。
func (uc *ReconcileUsecase) ProcessSnapshot(ctx context.Context, sub *SubscriptionUser, snap *BillingSnapshot) (*Result, error) {
	now := uc.now()
	eventID := fmt.Sprintf("poll-%d", snap.ExpiryAt.UnixMilli())

	if sub.LastAppliedEventID == eventID {
		return &Result{Outcome: OutcomeDuplicate, SubscriptionUserID: sub.ID}, nil
	}

	switch {
	case snap.ExpiryAt.Equal(sub.ExpiryAt) && sub.Status == constants.StatusActive:
		// 后台与本库一致，重查是空操作
		return &Result{Outcome: OutcomeStale, SubscriptionUserID: sub.ID}, nil

	case !snap.ExpiryAt.After(now):
		// 后台已判定过期(含已取消后到期)，把到期时间收缩到 now
		return uc.applyExpiry(ctx, sub, eventID, now)

	case snap.ExpiryAt.After(sub.ExpiryAt):
		return uc.applyRenewal(ctx, sub, eventID, snap.ExpiryAt, now)

	case sub.Status != constants.StatusActive:
		// 非激活状态下以后台快照重建激活状态
		return uc.applyRenewal(ctx, sub, eventID, snap.ExpiryAt, now)

	default:
		// 后台到期时间比本库早却仍在未来：方向违反单调性，拒绝并告警
		uc.log.Errorf("Anomalous snapshot for subscription %d: backend expiry %s earlier than local %s, manual review required",
			sub.ID, snap.ExpiryAt.Format(time.RFC3339), sub.ExpiryAt.Format(time.RFC3339))
		return &Result{Outcome: OutcomeAnomaly, SubscriptionUserID: sub.ID}, nil
	}
}

// applyRenewal 应用续费类迁移：只允许把到期时间向后推，
// 或从非激活状态重建激活状态
func (uc *ReconcileUsecase) applyRenewal(ctx context.Context, sub *SubscriptionUser, eventID string, newExpiry time.Time, now time.Time) (*Result, error) {
	if sub.Status == constants.StatusActive && !newExpiry.After(sub.ExpiryAt) {
		// 乱序或重复投递的旧续费事件
		uc.log.Infof("Stale renewal for subscription %d: backend expiry %s <= local %s",
			sub.ID, newExpiry.Format(time.RFC3339), sub.ExpiryAt.Format(time.RFC3339))
		return &Result{Outcome: OutcomeStale, SubscriptionUserID: sub.ID}, nil
	}

	if sub.Status != constants.StatusActive && !newExpiry.After(now) {
		// 事件说续费成功，后台却说已过期：迁移方向异常，留待人工核查
		uc.log.Errorf("Anomalous renewal for subscription %d: backend expiry %s already past, manual review required",
			sub.ID, newExpiry.Format(time.RFC3339))
		return &Result{Outcome: OutcomeAnomaly, SubscriptionUserID: sub.ID}, nil
	}

	return uc.commit(ctx, sub, eventID, constants.StatusActive, newExpiry, now)
}

// applyExpiry 应用取消类迁移：到期时间只收缩不延长
// (未来的到期时间收缩到 now，过去的到期时间保持不变)
func (uc *ReconcileUsecase) applyExpiry(ctx context.Context, sub *SubscriptionUser, eventID string, now time.Time) (*Result, error) {
	newExpiry := sub.ExpiryAt
	if newExpiry.After(now) {
		newExpiry = now
	}

	if sub.Status == constants.StatusExpired && newExpiry.Equal(sub.ExpiryAt) {
		return &Result{Outcome: OutcomeStale, SubscriptionUserID: sub.ID}, nil
	}

	return uc.commit(ctx, sub, eventID, constants.StatusExpired, newExpiry, now)
}

// applyStatus 应用仅状态迁移(on_hold/paused)，到期时间不变
func (uc *ReconcileUsecase) applyStatus(ctx context.Context, sub *SubscriptionUser, eventID, newStatus string, now time.Time) (*Result, error) {
	if sub.Status == newStatus {
		return &Result{Outcome: OutcomeStale, SubscriptionUserID: sub.ID}, nil
	}
	return uc.commit(ctx, sub, eventID, newStatus, sub.ExpiryAt, now)
}

// commit 以条件更新落库。读到的旧状态作为匹配条件，
// 并发修改导致旧值失配时返回 ConflictError 由上层整体重试。
func (uc *ReconcileUsecase) commit(ctx context.Context, sub *SubscriptionUser, eventID, newStatus string, newExpiry, now time.Time) (*Result, error) {
	ok, err := uc.subRepo.CASUpdate(ctx, &SubscriptionUpdate{
		SubscriptionUserID: sub.ID,
		ExpectedStatus:     sub.Status,
		ExpectedExpiryAt:   sub.ExpiryAt,
		ExpectedEventID:    sub.LastAppliedEventID,
		NewStatus:          newStatus,
		NewExpiryAt:        newExpiry,
		EventID:            eventID,
		AppliedAt:          now,
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &ConflictError{SubscriptionUserID: sub.ID}
	}

	uc.log.Infof("Subscription %d: %s(%s) -> %s(%s), event %s",
		sub.ID, sub.Status, sub.ExpiryAt.Format(time.RFC3339),
		newStatus, newExpiry.Format(time.RFC3339), eventID)

	return &Result{
		Outcome:            OutcomeApplied,
		SubscriptionUserID: sub.ID,
		NewStatus:          newStatus,
		NewExpiryAt:        newExpiry,
	}, nil
}

// markProcessed 写入事件指纹缓存(尽力而为)
func (uc *ReconcileUsecase) markProcessed(ctx context.Context, eventID string) {
	if err := uc.events.Mark(ctx, eventID, constants.EventCacheTTL); err != nil {
		uc.log.Warnf("Failed to mark event %s in cache: %v", eventID, err)
	}
}

// shortToken 日志里只保留令牌前缀
func shortToken(token string) string {
	if len(token) > 12 {
		return token[:12] + "..."
	}
	return token
}
