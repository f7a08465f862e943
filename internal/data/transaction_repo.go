package data

import (
	"context"
	"errors"

	"xinyuan_tech/iap-reconcile-service/internal/biz"
	"xinyuan_tech/iap-reconcile-service/internal/constants"
	"xinyuan_tech/iap-reconcile-service/internal/data/model"

	"github.com/go-kratos/kratos/v2/log"
	"gorm.io/gorm"
)

// transactionRepo 交易仓库实现
type transactionRepo struct {
	data *Data
	log  *log.Helper
}

// NewTransactionRepo 创建交易仓库
func NewTransactionRepo(data *Data, logger log.Logger) biz.TransactionRepo {
	return &transactionRepo{
		data: data,
		log:  log.NewHelper(logger),
	}
}

// FindActiveByToken 按购买令牌查找已支付且已关联订阅的交易
func (r *transactionRepo) FindActiveByToken(ctx context.Context, purchaseToken string) (*biz.Transaction, error) {
	var m model.Transaction
	err := r.data.db.WithContext(ctx).
		Where("purchase_token = ? AND status = ? AND subscription_user_id > 0",
			purchaseToken, constants.TxnStatusSuccess).
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		r.log.Errorf("Failed to find transaction by token: %v", err)
		return nil, err
	}
	return toBizTransaction(&m), nil
}

func toBizTransaction(m *model.Transaction) *biz.Transaction {
	return &biz.Transaction{
		ID:                 m.ID,
		PurchaseToken:      m.PurchaseToken,
		ProductID:          m.ProductID,
		PackageName:        m.PackageName,
		AgentType:          m.AgentType,
		Status:             m.Status,
		SubscriptionUserID: m.SubscriptionUserID,
		CreatedAt:          m.CreatedAt,
	}
}
