// Package router 负责将端口收到的消息分发到对应的处理函数，并把结果写回来源端口。
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "OpenWallet-Core/internal/errors"
	"OpenWallet-Core/internal/message"
	"OpenWallet-Core/internal/observability/metrics"
	"OpenWallet-Core/internal/port"
	"OpenWallet-Core/pkg/logger"
)

// Request 是交给处理函数的一条入站消息。
type Request struct {
	ID      string
	Kind    message.Kind
	Payload json.RawMessage
	Port    port.Port
}

// Decode 将负载解析到 v。空负载视为零值。
func (r Request) Decode(v any) error {
	if len(r.Payload) == 0 || string(r.Payload) == "null" {
		return nil
	}
	if err := json.Unmarshal(r.Payload, v); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("invalid payload for %s", r.Kind))
	}
	return nil
}

// Handler 处理一种消息并返回响应值。
type Handler func(ctx context.Context, req Request) (any, error)

// Table 是 kind 到处理函数的完整映射。
type Table map[message.Kind]Handler

// Authorizer 判断来源页面是否已被授权。
type Authorizer interface {
	EnsureAuthorized(ctx context.Context, url string) error
}

// Option 配置 Router。
type Option func(*Router)

// WithLogger 替换默认日志。
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.log = l
		}
	}
}

// Router 按 kind 分发消息。
type Router struct {
	table Table
	auth  Authorizer
	log   *slog.Logger
	wg    sync.WaitGroup
}

// New 创建 Router。table 必须覆盖全部消息类型。
func New(table Table, auth Authorizer, opts ...Option) (*Router, error) {
	if auth == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "router requires an authorizer")
	}
	var missing []string
	for _, kind := range message.AllKinds {
		if table[kind] == nil {
			missing = append(missing, string(kind))
		}
	}
	var unknown []string
	for kind := range table {
		if !kind.Known() {
			unknown = append(unknown, string(kind))
		}
	}
	if len(missing) > 0 || len(unknown) > 0 {
		sort.Strings(missing)
		sort.Strings(unknown)
		return nil, xerrors.Newf(xerrors.CodeInvalidArgument,
			"dispatch table incomplete: missing [%s] unknown [%s]",
			strings.Join(missing, ", "), strings.Join(unknown, ", "))
	}
	r := &Router{table: table, auth: auth, log: logger.Named("router")}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

// Dispatch 处理一条入站消息。处理函数在独立 goroutine 中运行，
// 以免等待用户审批时阻塞端口的读循环。
func (r *Router) Dispatch(ctx context.Context, env message.Envelope, p port.Port) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.handle(ctx, env, p)
	}()
}

// Wait 阻塞直到所有已分发的处理函数返回。
func (r *Router) Wait() {
	r.wg.Wait()
}

func (r *Router) handle(parent context.Context, env message.Envelope, p port.Port) {
	start := time.Now()
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	stop := context.AfterFunc(p.Context(), cancel)
	defer stop()

	resp, err := r.invoke(ctx, env, p)
	outcome := metrics.OutcomeOK
	if err != nil {
		outcome = metrics.OutcomeError
		if xerrors.HasCode(err, xerrors.CodeAuthorization) {
			outcome = metrics.OutcomeDenied
		}
	}

	if !p.Connected() {
		r.log.Debug("port disconnected, dropping reply",
			slog.String("port", p.ID()), slog.String("id", env.ID), slog.String("kind", string(env.Kind)))
		metrics.ObserveDispatch(string(env.Kind), metrics.OutcomeDropped, time.Since(start))
		return
	}
	metrics.ObserveDispatch(string(env.Kind), outcome, time.Since(start))

	var frame any
	if err != nil {
		r.logFailure(env, p, err)
		frame = message.Failure{ID: env.ID, Error: xerrors.Public(err)}
	} else {
		frame = message.Response{ID: env.ID, Response: resp}
	}
	if sendErr := p.Send(frame); sendErr != nil {
		r.log.Warn("reply not delivered",
			slog.String("port", p.ID()), slog.String("id", env.ID), slog.Any("error", sendErr))
	}
}

func (r *Router) invoke(ctx context.Context, env message.Envelope, p port.Port) (resp any, err error) {
	kind := env.Kind
	handler, ok := r.table[kind]
	if !ok || !kind.Known() {
		return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "Unknown message kind %s", kind)
	}

	switch p.Name() {
	case port.Extension:
		if !kind.Privileged() {
			return nil, xerrors.Newf(xerrors.CodeAuthorization, "%s must be sent from a content port", kind)
		}
	default:
		if kind.Privileged() {
			logger.Audit().Warn("privileged message from public port",
				slog.String("kind", string(kind)), slog.String("origin", p.Origin()))
			return nil, xerrors.Newf(xerrors.CodeAuthorization, "%s is privileged and cannot be sent from a page", kind)
		}
		if kind.RequiresAuthorization() {
			if err := r.auth.EnsureAuthorized(ctx, p.Origin()); err != nil {
				return nil, err
			}
		}
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("handler panicked", slog.String("kind", string(kind)), slog.Any("panic", rec))
			err = xerrors.Newf(xerrors.CodeUnknown, "handler for %s failed", kind)
		}
	}()
	return handler(ctx, Request{ID: env.ID, Kind: kind, Payload: env.Payload, Port: p})
}

func (r *Router) logFailure(env message.Envelope, p port.Port, err error) {
	attrs := []any{
		slog.String("id", env.ID),
		slog.String("kind", string(env.Kind)),
		slog.String("port", p.ID()),
		slog.String("code", string(xerrors.CodeOf(err))),
		slog.Any("error", err),
	}
	switch xerrors.SeverityOf(err) {
	case xerrors.SeverityCritical:
		r.log.Error("message failed", attrs...)
	case xerrors.SeverityWarning:
		r.log.Warn("message failed", attrs...)
	default:
		r.log.Debug("message failed", attrs...)
	}
}
