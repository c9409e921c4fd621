// Package notify 负责通知 UI 协作方打开或关闭审批窗口。
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"OpenWallet-Core/pkg/logger"
)

// Channel 表示通知渠道。
type Channel string

const (
	ChannelLog  Channel = "log"
	ChannelAMQP Channel = "amqp"
)

// Action 表示窗口动作。
type Action string

const (
	ActionOpen  Action = "open"
	ActionClose Action = "close"
)

// Event 描述一次窗口通知。
type Event struct {
	Action     Action    `json:"action"`
	Reason     string    `json:"reason,omitempty"`
	RequestID  string    `json:"requestId,omitempty"`
	Pending    int       `json:"pending"`
	OccurredAt time.Time `json:"occurredAt"`
}

// Notifier 将事件发送到一个渠道。
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher 是审批状态机依赖的通知端口。
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// Fanout 将事件广播给全部已注册渠道。
type Fanout struct {
	notifiers map[Channel]Notifier
}

// NewFanout 创建 Fanout，同一渠道后注册者覆盖先注册者。
func NewFanout(notifiers ...Notifier) *Fanout {
	set := make(map[Channel]Notifier, len(notifiers))
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		set[n.Channel()] = n
	}
	return &Fanout{notifiers: set}
}

// Notify 广播事件，返回各渠道错误的合并结果。
func (f *Fanout) Notify(ctx context.Context, event Event) error {
	if f == nil {
		return nil
	}
	var errs []error
	for _, n := range f.notifiers {
		if err := n.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", n.Channel(), err))
		}
	}
	return errors.Join(errs...)
}

// LogNotifier 仅把事件写入日志，适用于本地开发。
type LogNotifier struct {
	Logger *slog.Logger
}

func (n *LogNotifier) Channel() Channel { return ChannelLog }

func (n *LogNotifier) Notify(_ context.Context, event Event) error {
	l := n.Logger
	if l == nil {
		l = logger.Named("notify")
	}
	l.Info("approval window",
		slog.String("action", string(event.Action)),
		slog.String("reason", event.Reason),
		slog.String("request_id", event.RequestID),
		slog.Int("pending", event.Pending))
	return nil
}

// Recorder 在内存中记录事件。
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Channel() Channel { return "recorder" }

func (r *Recorder) Notify(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

// Events 返回已记录事件的副本。
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Actions 返回已记录的动作序列。
func (r *Recorder) Actions() []Action {
	events := r.Events()
	out := make([]Action, len(events))
	for i, e := range events {
		out[i] = e.Action
	}
	return out
}
