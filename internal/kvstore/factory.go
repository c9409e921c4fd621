package kvstore

import (
	"context"
	"strings"

	xerrors "OpenWallet-Core/internal/errors"
)

// Config 选择并配置键值存储后端。
type Config struct {
	Driver string      `json:"driver"`
	DSN    string      `json:"dsn"`
	Redis  RedisConfig `json:"redis"`
}

// Open 根据驱动名称创建存储实例。
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "memory":
		return NewMemoryStore(), nil
	case "redis":
		return NewRedisStore(ctx, cfg.Redis)
	case "mysql", "sqlite", "postgres":
		return NewSQLStore(ctx, SQLConfig{Driver: driver, DSN: cfg.DSN})
	default:
		return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "未知的存储驱动: %s", cfg.Driver)
	}
}
