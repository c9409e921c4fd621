package logger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	backupLayout = "20060102T150405.000"
	dayLayout    = "2006-01-02"
)

// auditFile 是审计日志的落盘 writer。当前文件超过大小上限或跨过自然日时切分，
// 旧文件以切分时刻命名，例如 audit-20261015T093000.000.log。
// 审计记录包含来源和账户地址，文件只对当前用户可读。
type auditFile struct {
	mu sync.Mutex

	path       string
	prefix     string
	ext        string
	maxSize    int64
	maxBackups int
	maxAge     time.Duration
	now        func() time.Time

	file *os.File
	size int64
	day  string
}

func newAuditFile(cfg AuditConfig) (*auditFile, error) {
	if cfg.Path == "" {
		return nil, errors.New("audit log path is required")
	}
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = 100
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = 7
	}
	if cfg.MaxAgeDays <= 0 {
		cfg.MaxAgeDays = 30
	}
	ext := filepath.Ext(cfg.Path)
	return &auditFile{
		path:       cfg.Path,
		prefix:     strings.TrimSuffix(cfg.Path, ext),
		ext:        ext,
		maxSize:    int64(cfg.MaxSizeMB) * 1024 * 1024,
		maxBackups: cfg.MaxBackups,
		maxAge:     time.Duration(cfg.MaxAgeDays) * 24 * time.Hour,
		now:        time.Now,
	}, nil
}

func (w *auditFile) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	if err := w.open(now); err != nil {
		return 0, err
	}
	if w.size > 0 && (w.size+int64(len(p)) > w.maxSize || now.Format(dayLayout) != w.day) {
		if err := w.rotate(now); err != nil {
			return 0, err
		}
		if err := w.open(now); err != nil {
			return 0, err
		}
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *auditFile) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	w.size = 0
	return err
}

func (w *auditFile) open(now time.Time) error {
	if w.file != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(w.path), 0o700); err != nil {
		return fmt.Errorf("create audit log directory: %w", err)
	}
	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}
	w.file = file
	w.size = info.Size()
	// 沿用上次进程留下的文件时，按它最后写入的日期判断是否跨天。
	w.day = now.Format(dayLayout)
	if w.size > 0 {
		w.day = info.ModTime().In(now.Location()).Format(dayLayout)
	}
	return nil
}

func (w *auditFile) rotate(now time.Time) error {
	if w.file != nil {
		_ = w.file.Close()
		w.file = nil
	}
	w.size = 0

	name := w.backupName(now)
	for {
		if _, err := os.Stat(name); errors.Is(err, os.ErrNotExist) {
			break
		}
		now = now.Add(time.Millisecond)
		name = w.backupName(now)
	}
	if err := os.Rename(w.path, name); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("rotate audit log: %w", err)
	}
	w.prune(now)
	return nil
}

type auditBackup struct {
	path string
	at   time.Time
}

// prune 保留最新的 maxBackups 个备份，并删除早于 maxAge 的备份。
// 备份时间取自文件名，不依赖 mtime。
func (w *auditFile) prune(now time.Time) {
	backups := w.backups(now.Location())
	sort.Slice(backups, func(i, j int) bool { return backups[i].at.After(backups[j].at) })
	for i, b := range backups {
		if i >= w.maxBackups || now.Sub(b.at) > w.maxAge {
			_ = os.Remove(b.path)
		}
	}
}

func (w *auditFile) backups(loc *time.Location) []auditBackup {
	matches, err := filepath.Glob(w.prefix + "-*" + w.ext)
	if err != nil {
		return nil
	}
	out := make([]auditBackup, 0, len(matches))
	for _, m := range matches {
		stamp := strings.TrimSuffix(strings.TrimPrefix(m, w.prefix+"-"), w.ext)
		at, err := time.ParseInLocation(backupLayout, stamp, loc)
		if err != nil {
			continue
		}
		out = append(out, auditBackup{path: m, at: at})
	}
	return out
}

func (w *auditFile) backupName(at time.Time) string {
	return w.prefix + "-" + at.Format(backupLayout) + w.ext
}
