package data

import (
	"xinyuan_tech/iap-reconcile-service/internal/biz"
	"xinyuan_tech/iap-reconcile-service/internal/constants"

	"github.com/go-redsync/redsync/v4"
)

// lockFactory 基于 redsync 的分布式锁工厂实现
type lockFactory struct {
	rs *redsync.Redsync
}

// NewLockFactory 创建分布式锁工厂
func NewLockFactory(rs *redsync.Redsync) biz.LockFactory {
	return &lockFactory{rs: rs}
}

// NewMutex 创建互斥锁。只尝试一次,拿不到说明同一令牌正在处理中
func (f *lockFactory) NewMutex(name string) biz.Mutex {
	return f.rs.NewMutex(
		name,
		redsync.WithExpiry(constants.ReconcileLockExpiration),
		redsync.WithTries(constants.ReconcileLockRetries),
	)
}
