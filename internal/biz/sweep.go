package biz

import (
	"context"
	"errors"
	"time"

	"xinyuan_tech/iap-reconcile-service/internal/conf"
	"xinyuan_tech/iap-reconcile-service/internal/constants"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"
)

// SweepReport 一轮巡检的统计结果
type SweepReport struct {
	RunID   string
	Checked int
	Updated int
	Failed  int
}

// SweepUsecase 巡检业务逻辑：对临近到期的订阅主动向账单后台核对，
// 用轮询快照走与推送路径相同的对账规则
type SweepUsecase struct {
	subRepo SubscriptionUserRepo
	billing BillingClient
	recon   *ReconcileUsecase
	locks   LockFactory
	config  *conf.Bootstrap
	log     *log.Helper
}

// NewSweepUsecase 创建巡检业务用例
func NewSweepUsecase(
	subRepo SubscriptionUserRepo,
	billing BillingClient,
	recon *ReconcileUsecase,
	locks LockFactory,
	config *conf.Bootstrap,
	logger log.Logger,
) *SweepUsecase {
	return &SweepUsecase{
		subRepo: subRepo,
		billing: billing,
		recon:   recon,
		locks:   locks,
		config:  config,
		log:     log.NewHelper(logger),
	}
}

// RunSweep 执行一轮巡检。单条订阅的失败只计数不中断，
// 整轮只有在枚举订阅本身失败时才返回错误。
func (uc *SweepUsecase) RunSweep(ctx context.Context, horizonDays int) (*SweepReport, error) {
	if horizonDays < 1 || horizonDays > constants.MaxSweepHorizonDays {
		horizonDays = constants.DefaultSweepHorizonDays
	}

	report := &SweepReport{RunID: uuid.New().String()}
	uc.log.Infof("Sweep %s started: horizon=%dd", report.RunID, horizonDays)

	targets, err := uc.subRepo.FindExpiringWithin(ctx, horizonDays)
	if err != nil {
		uc.log.Errorf("Sweep %s failed to enumerate subscriptions: %v", report.RunID, err)
		return nil, err
	}

	queryTimeout := uc.config.Client.GooglePlay.QueryTimeout()

	for _, target := range targets {
		report.Checked++

		if err := uc.sweepOne(ctx, target, queryTimeout, report); err != nil {
			report.Failed++
			uc.log.Errorf("Sweep %s: subscription %d failed: %v", report.RunID, target.Sub.ID, err)
		}
	}

	uc.log.Infof("Sweep %s completed: checked=%d, updated=%d, failed=%d",
		report.RunID, report.Checked, report.Updated, report.Failed)
	return report, nil
}

// sweepOne 核对单条订阅
func (uc *SweepUsecase) sweepOne(ctx context.Context, target *SweepTarget, queryTimeout time.Duration, report *SweepReport) error {
	sub, txn := target.Sub, target.Txn

	// 与推送路径共用同一把令牌锁，拿不到说明有在途的推送处理，跳过本轮
	mutex := uc.locks.NewMutex("reconcile_lock:token:" + txn.PurchaseToken)
	if err := mutex.LockContext(ctx); err != nil {
		uc.log.Infof("Skipping subscription %d: token lock busy", sub.ID)
		return nil
	}
	defer func() {
		if _, err := mutex.UnlockContext(ctx); err != nil {
			uc.log.Warnf("Failed to unlock token for subscription %d: %v", sub.ID, err)
		}
	}()

	// 查询有界超时，且不在持库级资源的情况下等待网络
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	snap, err := uc.billing.QuerySubscription(queryCtx, txn.PackageName, txn.ProductID, txn.PurchaseToken)
	cancel()
	if err != nil {
		return &QueryFailedError{Err: err}
	}

	res, err := uc.recon.ProcessSnapshot(ctx, sub, snap)
	var conflict *ConflictError
	if errors.As(err, &conflict) {
		// 竞争失败时重读订阅整体重试一次
		fresh, rerr := uc.subRepo.GetSubscriptionUser(ctx, sub.ID)
		if rerr != nil || fresh == nil {
			return err
		}
		res, err = uc.recon.ProcessSnapshot(ctx, fresh, snap)
	}
	if err != nil {
		return err
	}
	if res.Outcome == OutcomeApplied {
		report.Updated++
	}
	return nil
}
