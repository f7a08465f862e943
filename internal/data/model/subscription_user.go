package model

import "time"

// SubscriptionUser 用户订阅模型
type SubscriptionUser struct {
	ID        uint64    `gorm:"primaryKey;column:subscription_user_id"`
	UserID    uint64    `gorm:"column:user_id;index"`
	ProductID string    `gorm:"column:product_id"`
	Status    string    `gorm:"column:status"` // active, grace, on_hold, paused, expired
	ExpiryAt  time.Time `gorm:"column:expiry_at;index"`
	// LastAppliedEventID 最近一次落库事件的幂等键
	LastAppliedEventID string    `gorm:"column:last_applied_event_id"`
	LastAppliedAt      time.Time `gorm:"column:last_applied_at"`
	CreatedAt          time.Time `gorm:"column:created_at"`
	UpdatedAt          time.Time `gorm:"column:updated_at"`
}

func (SubscriptionUser) TableName() string { return "subscription_user" }
