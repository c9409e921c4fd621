package kvstore

import (
	"context"
	"encoding/json"
	"strings"

	xerrors "OpenWallet-Core/internal/errors"
)

// Store 抽象了后台使用的键值持久化能力，键按命名空间拼接，值为 JSON 字节。
// 实现必须可以被并发调用。
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
	Close() error
}

// Key 使用 ":" 拼接命名空间与键名。
func Key(parts ...string) string {
	return strings.Join(parts, ":")
}

// GetJSON 读取并解码 JSON 值，键不存在时返回 false。
func GetJSON[T any](ctx context.Context, s Store, key string, out *T) (bool, error) {
	raw, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解码存储值失败: "+key)
	}
	return true, nil
}

// SetJSON 编码并写入 JSON 值。
func SetJSON(ctx context.Context, s Store, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码存储值失败: "+key)
	}
	return s.Set(ctx, key, raw)
}
