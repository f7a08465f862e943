package data

import (
	"context"
	"errors"
	"time"

	"xinyuan_tech/iap-reconcile-service/internal/biz"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/redis/go-redis/v9"
)

const eventCacheKeyPrefix = "reconcile:event:"

// eventCache 已处理事件指纹缓存实现(Redis)
type eventCache struct {
	data *Data
	log  *log.Helper
}

// NewEventCache 创建事件指纹缓存
func NewEventCache(data *Data, logger log.Logger) biz.EventCache {
	return &eventCache{
		data: data,
		log:  log.NewHelper(logger),
	}
}

// Seen 查询事件指纹是否已存在
func (c *eventCache) Seen(ctx context.Context, eventID string) (bool, error) {
	err := c.data.rdb.Get(ctx, eventCacheKeyPrefix+eventID).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Mark 写入事件指纹
func (c *eventCache) Mark(ctx context.Context, eventID string, ttl time.Duration) error {
	return c.data.rdb.Set(ctx, eventCacheKeyPrefix+eventID, "1", ttl).Err()
}
