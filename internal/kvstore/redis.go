package kvstore

import (
	"context"
	"errors"
	"strings"

	"github.com/redis/go-redis/v9"

	xerrors "OpenWallet-Core/internal/errors"
)

// RedisConfig 描述 Redis 后端的连接参数。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Prefix   string `json:"prefix"`
}

// RedisStore 使用 Redis 字符串保存键值，所有键带统一前缀。
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore 创建 Redis 存储并检查连通性。
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "walletd"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 Redis 失败")
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

func (s *RedisStore) key(key string) string {
	return Key(s.prefix, key)
}

// Get 读取键值。
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "Redis 读取失败")
	}
	return value, true, nil
}

// Set 写入键值，不设置过期时间。
func (s *RedisStore) Set(ctx context.Context, key string, value []byte) error {
	if err := s.client.Set(ctx, s.key(key), value, 0).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "Redis 写入失败")
	}
	return nil
}

// Remove 删除键。
func (s *RedisStore) Remove(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "Redis 删除失败")
	}
	return nil
}

// Close 关闭 Redis 连接。
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
