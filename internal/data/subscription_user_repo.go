package data

import (
	"context"
	"errors"
	"time"

	"xinyuan_tech/iap-reconcile-service/internal/biz"
	"xinyuan_tech/iap-reconcile-service/internal/constants"
	"xinyuan_tech/iap-reconcile-service/internal/data/model"

	"github.com/go-kratos/kratos/v2/log"
	"gorm.io/gorm"
)

// subscriptionUserRepo 用户订阅仓库实现
type subscriptionUserRepo struct {
	data *Data
	log  *log.Helper
}

// NewSubscriptionUserRepo 创建用户订阅仓库
func NewSubscriptionUserRepo(data *Data, logger log.Logger) biz.SubscriptionUserRepo {
	return &subscriptionUserRepo{
		data: data,
		log:  log.NewHelper(logger),
	}
}

// GetSubscriptionUser 获取订阅记录
func (r *subscriptionUserRepo) GetSubscriptionUser(ctx context.Context, id uint64) (*biz.SubscriptionUser, error) {
	var m model.SubscriptionUser
	err := r.data.db.WithContext(ctx).Where("subscription_user_id = ?", id).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		r.log.Errorf("Failed to get subscription %d: %v", id, err)
		return nil, err
	}
	return toBizSubscriptionUser(&m), nil
}

// FindExpiringWithin 枚举 (now, now+days] 内到期且有已支付关联交易的订阅
func (r *subscriptionUserRepo) FindExpiringWithin(ctx context.Context, days int) ([]*biz.SweepTarget, error) {
	now := time.Now().UTC()
	horizon := now.AddDate(0, 0, days)

	var subs []model.SubscriptionUser
	if err := r.data.db.WithContext(ctx).
		Where("expiry_at > ? AND expiry_at <= ? AND status <> ?",
			now, horizon, constants.StatusExpired).
		Order("expiry_at ASC").
		Find(&subs).Error; err != nil {
		r.log.Errorf("Failed to query expiring subscriptions: %v", err)
		return nil, err
	}

	if len(subs) == 0 {
		return []*biz.SweepTarget{}, nil
	}

	ids := make([]uint64, len(subs))
	for i, s := range subs {
		ids[i] = s.ID
	}

	var txns []model.Transaction
	if err := r.data.db.WithContext(ctx).
		Where("subscription_user_id IN ? AND status = ?", ids, constants.TxnStatusSuccess).
		Find(&txns).Error; err != nil {
		r.log.Errorf("Failed to query linked transactions: %v", err)
		return nil, err
	}

	txnBySub := make(map[uint64]*model.Transaction, len(txns))
	for i := range txns {
		txnBySub[txns[i].SubscriptionUserID] = &txns[i]
	}

	// 没有已支付交易的订阅不是对账目标
	targets := make([]*biz.SweepTarget, 0, len(subs))
	for i := range subs {
		txn, ok := txnBySub[subs[i].ID]
		if !ok {
			continue
		}
		targets = append(targets, &biz.SweepTarget{
			Sub: toBizSubscriptionUser(&subs[i]),
			Txn: toBizTransaction(txn),
		})
	}
	return targets, nil
}

// CASUpdate 条件更新：读到的旧状态、旧到期时间、旧幂等键作为匹配条件，
// 任何一个被并发修改都会导致零行更新，由 RowsAffected 判定
func (r *subscriptionUserRepo) CASUpdate(ctx context.Context, upd *biz.SubscriptionUpdate) (bool, error) {
	result := r.data.db.WithContext(ctx).Model(&model.SubscriptionUser{}).
		Where("subscription_user_id = ? AND status = ? AND expiry_at = ? AND last_applied_event_id = ?",
			upd.SubscriptionUserID, upd.ExpectedStatus, upd.ExpectedExpiryAt, upd.ExpectedEventID).
		Updates(map[string]interface{}{
			"status":                upd.NewStatus,
			"expiry_at":             upd.NewExpiryAt,
			"last_applied_event_id": upd.EventID,
			"last_applied_at":       upd.AppliedAt,
			"updated_at":            upd.AppliedAt,
		})
	if result.Error != nil {
		r.log.Errorf("Failed to update subscription %d: %v", upd.SubscriptionUserID, result.Error)
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func toBizSubscriptionUser(m *model.SubscriptionUser) *biz.SubscriptionUser {
	return &biz.SubscriptionUser{
		ID:                 m.ID,
		UserID:             m.UserID,
		ProductID:          m.ProductID,
		Status:             m.Status,
		ExpiryAt:           m.ExpiryAt,
		LastAppliedEventID: m.LastAppliedEventID,
		LastAppliedAt:      m.LastAppliedAt,
		CreatedAt:          m.CreatedAt,
		UpdatedAt:          m.UpdatedAt,
	}
}
