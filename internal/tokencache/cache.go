// Package tokencache 按身份缓存后端签发的会话令牌。
package tokencache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"commsdash/dashboard/internal/cache"
	"commsdash/dashboard/internal/monitoring"
	"commsdash/dashboard/internal/storage/redis"
)

// 单次签发的超时
const fetchTimeout = 30 * time.Second

// ErrEmptyToken 签发端返回空令牌
var ErrEmptyToken = errors.New("empty session token")

// Store 令牌存储后端
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, token string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Fetcher 向签发端请求新令牌
type Fetcher func(ctx context.Context, identity string) (string, error)

// Cache 会话令牌缓存
//
// 同一身份的并发未命中只触发一次签发请求。
type Cache struct {
	store   Store
	fetch   Fetcher
	ttl     time.Duration
	group   singleflight.Group
	log     *zap.Logger
	metrics *monitoring.Metrics
}

// New 创建令牌缓存
func New(store Store, fetch Fetcher, ttl time.Duration, log *zap.Logger, metrics *monitoring.Metrics) *Cache {
	if log == nil {
		log = zap.NewNop()
	}
	return &Cache{
		store:   store,
		fetch:   fetch,
		ttl:     ttl,
		log:     log,
		metrics: metrics,
	}
}

func key(identity string) string {
	return "token:" + identity
}

// Token 返回身份对应的令牌，缓存未命中或已过期时重新签发
func (c *Cache) Token(ctx context.Context, identity string) (string, error) {
	token, found, err := c.store.Get(ctx, key(identity))
	if err != nil {
		c.log.Warn("token cache read failed, fetching fresh token",
			zap.String("identity", identity), zap.Error(err))
	}
	if found && token != "" {
		c.metrics.RecordTokenCache(true)
		return token, nil
	}
	c.metrics.RecordTokenCache(false)

	v, err, _ := c.group.Do(identity, func() (any, error) {
		// 同一身份的等待者共享这次签发，不随首个调用方取消
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fetchTimeout)
		defer cancel()

		token, err := c.fetch(ctx, identity)
		if err != nil {
			return "", fmt.Errorf("fetch session token: %w", err)
		}
		if token == "" {
			return "", ErrEmptyToken
		}
		if err := c.store.Set(ctx, key(identity), token, c.ttl); err != nil {
			c.log.Warn("token cache write failed", zap.String("identity", identity), zap.Error(err))
		}
		return token, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate 丢弃身份对应的缓存令牌
func (c *Cache) Invalidate(ctx context.Context, identity string) error {
	return c.store.Delete(ctx, key(identity))
}

// LocalStore 进程内存储
type LocalStore struct {
	cache *cache.LocalCache
}

// NewLocalStore 基于本地缓存创建存储
func NewLocalStore(c *cache.LocalCache) *LocalStore {
	return &LocalStore{cache: c}
}

func (s *LocalStore) Get(_ context.Context, key string) (string, bool, error) {
	v, ok := s.cache.Get(key)
	if !ok {
		return "", false, nil
	}
	token, ok := v.(string)
	return token, ok, nil
}

func (s *LocalStore) Set(_ context.Context, key, token string, ttl time.Duration) error {
	s.cache.Set(key, token, ttl)
	return nil
}

func (s *LocalStore) Delete(_ context.Context, key string) error {
	s.cache.Delete(key)
	return nil
}

// RedisStore Redis 存储，多实例共享令牌
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore 创建 Redis 存储
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "commsdash:"}
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	return s.client.Get(ctx, s.prefix+key)
}

func (s *RedisStore) Set(ctx context.Context, key, token string, ttl time.Duration) error {
	return s.client.Set(ctx, s.prefix+key, token, ttl)
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.prefix+key)
}
