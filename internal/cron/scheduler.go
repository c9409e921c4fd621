// Package cron 管理按名称注册的周期任务。同名任务重新注册时先取消旧任务。
package cron

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	xerrors "OpenWallet-Core/internal/errors"
	"OpenWallet-Core/internal/observability/metrics"
	"OpenWallet-Core/pkg/logger"
)

// JobFunc 是一次任务执行。返回的错误只会被记录。
type JobFunc func(ctx context.Context) error

type job struct {
	id       cronlib.EntryID
	interval time.Duration
	// run 是经过 Recover/SkipIfStillRunning 包装后的任务，定时执行与 Trigger 共用。
	run cronlib.Job
}

// Scheduler 封装 robfig/cron，按名称维护任务。
type Scheduler struct {
	c     *cronlib.Cron
	chain cronlib.Chain
	log   *slog.Logger

	mu     sync.Mutex
	jobs   map[string]job
	ctx    context.Context
	cancel context.CancelFunc
}

// New 创建调度器。任务发生 panic 时会被恢复，同一任务上一轮未结束时跳过本轮。
func New() *Scheduler {
	log := logger.Named("cron")
	adapter := cronLogger{log: log}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		c:      cronlib.New(cronlib.WithLogger(adapter)),
		chain:  cronlib.NewChain(cronlib.Recover(adapter), cronlib.SkipIfStillRunning(adapter)),
		log:    log,
		jobs:   make(map[string]job),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start 启动调度。ctx 结束时所有任务的 ctx 一并取消。
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.cancel()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()
	s.c.Start()
}

// Stop 停止调度并等待正在运行的任务结束。
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.cancel()
	s.mu.Unlock()
	<-s.c.Stop().Done()
}

// Register 以固定间隔注册任务。同名任务会先被取消。间隔按秒取整，最小 1 秒。
func (s *Scheduler) Register(name string, every time.Duration, fn JobFunc) error {
	if name == "" || fn == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "cron job requires a name and a function")
	}
	if every <= 0 {
		return xerrors.Newf(xerrors.CodeInvalidArgument, "cron job %s requires a positive interval", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.jobs[name]; ok {
		s.c.Remove(existing.id)
		delete(s.jobs, name)
	}
	run := s.chain.Then(cronlib.FuncJob(func() { s.execute(name, fn) }))
	id := s.c.Schedule(cronlib.Every(every), run)
	s.jobs[name] = job{id: id, interval: every, run: run}
	metrics.SetGauge("cron_jobs", float64(len(s.jobs)))
	return nil
}

// Trigger 立即执行一次已注册的任务，与定时执行走同一条包装链：
// panic 被恢复，上一轮未结束时本次直接跳过。
func (s *Scheduler) Trigger(name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return xerrors.Newf(xerrors.CodeNotFound, "cron job %s not registered", name)
	}
	j.run.Run()
	return nil
}

// Cancel 取消任务，返回任务是否存在。
func (s *Scheduler) Cancel(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[name]
	if !ok {
		return false
	}
	s.c.Remove(j.id)
	delete(s.jobs, name)
	metrics.SetGauge("cron_jobs", float64(len(s.jobs)))
	return true
}

// CancelAll 取消全部任务并返回数量。
func (s *Scheduler) CancelAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.jobs)
	for name, j := range s.jobs {
		s.c.Remove(j.id)
		delete(s.jobs, name)
	}
	metrics.SetGauge("cron_jobs", 0)
	return n
}

// Names 返回已注册任务名，按字母排序。
func (s *Scheduler) Names() []string {
	s.mu.Lock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	s.mu.Unlock()
	sort.Strings(names)
	return names
}

// Interval 返回任务的间隔。
func (s *Scheduler) Interval(name string) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[name]
	return j.interval, ok
}

// Entries 返回底层调度器中的活动条目数。
func (s *Scheduler) Entries() int {
	return len(s.c.Entries())
}

func (s *Scheduler) execute(name string, fn JobFunc) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	start := time.Now()
	if err := fn(ctx); err != nil {
		s.log.Warn("cron job failed", slog.String("job", name), slog.Any("error", err))
		return
	}
	s.log.Debug("cron job finished", slog.String("job", name), slog.Duration("took", time.Since(start)))
}

// cronLogger 将 robfig/cron 的日志转到 slog。
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error(msg, append(keysAndValues, "error", err)...)
}
