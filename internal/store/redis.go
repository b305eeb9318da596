// Package store 实现引擎的外部存储访问。
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/oriys/hogflow/internal/config"
	"github.com/oriys/hogflow/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// seenKeyPrefix 是幂等去重键的命名空间前缀。
const seenKeyPrefix = "hogflow:seen:"

// RedisStore 封装调用级幂等去重。
// 延续队列是至少一次投递，同一条延续消息可能被重复消费；
// 以 (invocation_id, attempt) 为键的 SetNX 保证重复投递被丢弃。
type RedisStore struct {
	client *redis.Client
	logger *logrus.Logger
}

// NewRedisStore 建立 Redis 连接并验证可达性。
func NewRedisStore(cfg config.RedisConfig, logger *logrus.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %v", domain.ErrStorageConnection, err)
	}

	return &RedisStore{client: client, logger: logger}, nil
}

// Close 关闭 Redis 连接。
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping 检查 Redis 可达性（就绪探针使用）。
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Seen 判断去重键是否已存在。
// 键只在对应消息处理完成后写入，因此存在即表示该投递已被完整处理，
// 重复投递可以安全丢弃；不存在则可能是首次投递，也可能是上一次
// 处理中途崩溃后的重投，两种情况都必须重新处理。
func (s *RedisStore) Seen(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, seenKeyPrefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check seen key: %w", err)
	}
	return n > 0, nil
}

// MarkSeen 标记一个去重键，仅在消息处理完成后调用。
// 键按 TTL 自然过期，无需显式清理。
func (s *RedisStore) MarkSeen(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.client.SetNX(ctx, seenKeyPrefix+key, 1, ttl).Err(); err != nil {
		return fmt.Errorf("failed to mark seen key: %w", err)
	}
	return nil
}

// CountSeen 统计当前存活的去重键数量（维护任务上报用）。
func (s *RedisStore) CountSeen(ctx context.Context) (int64, error) {
	var (
		cursor uint64
		total  int64
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, seenKeyPrefix+"*", 1000).Result()
		if err != nil {
			return 0, fmt.Errorf("failed to scan seen keys: %w", err)
		}
		total += int64(len(keys))
		cursor = next
		if cursor == 0 {
			return total, nil
		}
	}
}
