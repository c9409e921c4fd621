package kvstore

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	xerrors "OpenWallet-Core/internal/errors"
)

// SQLConfig 描述关系型数据库后端。Driver 取值 mysql、sqlite 或 postgres。
type SQLConfig struct {
	Driver          string        `json:"driver"`
	DSN             string        `json:"dsn"`
	MaxOpenConns    int           `json:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"-"`
}

type dialect struct {
	driver string
	schema string
	get    string
	upsert string
	remove string
}

var dialects = map[string]dialect{
	"mysql": {
		driver: "mysql",
		schema: `CREATE TABLE IF NOT EXISTS kv_entries (
        k VARCHAR(255) NOT NULL PRIMARY KEY,
        v LONGBLOB NOT NULL,
        updated_at BIGINT NOT NULL
)`,
		get:    `SELECT v FROM kv_entries WHERE k = ?`,
		upsert: `INSERT INTO kv_entries (k, v, updated_at) VALUES (?, ?, ?) ON DUPLICATE KEY UPDATE v = VALUES(v), updated_at = VALUES(updated_at)`,
		remove: `DELETE FROM kv_entries WHERE k = ?`,
	},
	"sqlite": {
		driver: "sqlite",
		schema: `CREATE TABLE IF NOT EXISTS kv_entries (
        k TEXT NOT NULL PRIMARY KEY,
        v BLOB NOT NULL,
        updated_at INTEGER NOT NULL
)`,
		get:    `SELECT v FROM kv_entries WHERE k = ?`,
		upsert: `INSERT INTO kv_entries (k, v, updated_at) VALUES (?, ?, ?) ON CONFLICT(k) DO UPDATE SET v = excluded.v, updated_at = excluded.updated_at`,
		remove: `DELETE FROM kv_entries WHERE k = ?`,
	},
	"postgres": {
		driver: "postgres",
		schema: `CREATE TABLE IF NOT EXISTS kv_entries (
        k TEXT NOT NULL PRIMARY KEY,
        v BYTEA NOT NULL,
        updated_at BIGINT NOT NULL
)`,
		get:    `SELECT v FROM kv_entries WHERE k = $1`,
		upsert: `INSERT INTO kv_entries (k, v, updated_at) VALUES ($1, $2, $3) ON CONFLICT (k) DO UPDATE SET v = EXCLUDED.v, updated_at = EXCLUDED.updated_at`,
		remove: `DELETE FROM kv_entries WHERE k = $1`,
	},
}

// SQLStore 使用单表 kv_entries 保存键值。
type SQLStore struct {
	db      *sql.DB
	dialect dialect
}

// NewSQLStore 打开数据库连接、设置连接池并初始化表结构。
func NewSQLStore(ctx context.Context, cfg SQLConfig) (*SQLStore, error) {
	d, ok := dialects[strings.ToLower(strings.TrimSpace(cfg.Driver))]
	if !ok {
		return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "不支持的 SQL 驱动: %s", cfg.Driver)
	}
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "SQL DSN 不能为空")
	}

	db, err := sql.Open(d.driver, cfg.DSN)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("连接 %s 失败", d.driver))
	}
	configurePool(db, d, cfg)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("无法连接到 %s", d.driver))
	}

	store := &SQLStore{db: db, dialect: d}
	if _, err := db.ExecContext(ctx, d.schema); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 kv_entries 表失败")
	}
	return store, nil
}

func configurePool(db *sql.DB, d dialect, cfg SQLConfig) {
	if d.driver == "sqlite" {
		// sqlite 只允许单写连接。
		db.SetMaxOpenConns(1)
		return
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(10)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(5)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}
}

// Get 读取键值。
func (s *SQLStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, s.dialect.get, key).Scan(&value)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询 kv_entries 失败")
	}
	return value, true, nil
}

// Set 以 upsert 方式写入键值。
func (s *SQLStore) Set(ctx context.Context, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	if _, err := s.db.ExecContext(ctx, s.dialect.upsert, key, value, time.Now().Unix()); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入 kv_entries 失败")
	}
	return nil
}

// Remove 删除键。
func (s *SQLStore) Remove(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.remove, key); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除 kv_entries 失败")
	}
	return nil
}

// Close 关闭数据库连接。
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
