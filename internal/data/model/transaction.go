package model

import "time"

// Transaction 购买交易模型
type Transaction struct {
	ID            uint64 `gorm:"primaryKey;column:transaction_id"`
	PurchaseToken string `gorm:"column:purchase_token;uniqueIndex"`
	ProductID     string `gorm:"column:product_id"`
	PackageName   string `gorm:"column:package_name"`
	AgentType     string `gorm:"column:agent_type"` // google_play, app_store
	Status        string `gorm:"column:status"`     // pending, success, failed
	// SubscriptionUserID 关联的订阅记录，0 表示未关联
	SubscriptionUserID uint64    `gorm:"column:subscription_user_id;index"`
	CreatedAt          time.Time `gorm:"column:created_at"`
}

func (Transaction) TableName() string { return "transaction" }
