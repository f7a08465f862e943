package constants

import "time"

// 订阅状态
const (
	StatusActive  = "active"
	StatusGrace   = "grace"
	StatusOnHold  = "on_hold"
	StatusPaused  = "paused"
	StatusExpired = "expired"
)

// 交易状态
const (
	TxnStatusPending = "pending"
	TxnStatusSuccess = "success"
	TxnStatusFailed  = "failed"
)

// 商店渠道
const (
	AgentTypeGooglePlay = "google_play"
	AgentTypeAppStore   = "app_store"
)

// 对账相关常量
const (
	// DefaultSweepHorizonDays 默认巡检窗口天数
	DefaultSweepHorizonDays = 7
	// MaxSweepHorizonDays 最大巡检窗口天数
	MaxSweepHorizonDays = 30
	// MaxEnvelopeBytes 推送通知包体大小上限
	MaxEnvelopeBytes = 64 * 1024
	// EventCacheTTL 事件指纹缓存过期时间(覆盖商店的重投递窗口)
	EventCacheTTL = 48 * time.Hour
)

// 分布式锁相关常量
const (
	// ReconcileLockExpiration 对账锁过期时间
	ReconcileLockExpiration = 30 * time.Second
	// ReconcileLockRetries 对账锁重试次数
	ReconcileLockRetries = 1
)
