// Package approval 实现待人工审批请求的状态机：授权、签名与元数据注入。
//
// 每个请求经历 Created → Pending → {Resolved | Rejected} → Removed。
// 三个待审批队列与授权记录都由 State 持有，并在同一把锁内完成读改写；
// 锁内不做任何 I/O。
package approval

import (
	"context"
	"log/slog"
	"sync"
	"time"

	xerrors "OpenWallet-Core/internal/errors"
	"OpenWallet-Core/internal/kvstore"
	"OpenWallet-Core/internal/message"
	"OpenWallet-Core/internal/notify"
	"OpenWallet-Core/internal/observability/metrics"
	"OpenWallet-Core/internal/port"
	"OpenWallet-Core/internal/pubsub"
	"OpenWallet-Core/pkg/logger"
)

const (
	authUrlsKey      = "authUrls"
	metadataIndexKey = "metadata:index"
)

func metadataKey(genesisHash string) string {
	return kvstore.Key("metadata", genesisHash)
}

// Signer 是签名审批依赖的密钥能力。
// 密码只用于本次签名，不会改变账户的解锁状态。
type Signer interface {
	SignWithPassphrase(address, password string, data []byte) ([]byte, error)
}

// Option 配置 State。
type Option func(*State)

// WithNotifier 设置审批窗口通知端口。
func WithNotifier(n notify.Dispatcher) Option {
	return func(s *State) {
		if n != nil {
			s.notifier = n
		}
	}
}

// WithIDGenerator 设置请求 id 生成器。
func WithIDGenerator(g *message.IDGenerator) Option {
	return func(s *State) {
		if g != nil {
			s.ids = g
		}
	}
}

// WithLogger 替换默认日志。
func WithLogger(l *slog.Logger) Option {
	return func(s *State) {
		if l != nil {
			s.log = l
		}
	}
}

// WithClock 替换时间来源，主要用于测试。
func WithClock(now func() time.Time) Option {
	return func(s *State) {
		if now != nil {
			s.now = now
		}
	}
}

// State 持有全部待审批请求与授权记录。
type State struct {
	store    kvstore.Store
	signer   Signer
	notifier notify.Dispatcher
	ids      *message.IDGenerator
	log      *slog.Logger
	now      func() time.Time

	mu         sync.Mutex
	seq        uint64
	authorize  *queue[AuthorizeRequest]
	signing    *queue[SigningRequest]
	metadata   *queue[MetadataRequest]
	authUrls   map[string]AuthorizationRecord
	known      map[string]uint32
	watched    map[string]bool
	windowOpen bool

	// persistMu 保证快照按修改顺序落盘。
	persistMu sync.Mutex
	// emitMu 保证推送的列表总是最新快照。
	emitMu sync.Mutex
	// notifyMu 串行化窗口开关信号。
	notifyMu sync.Mutex

	AuthorizeRequests *pubsub.Topic[[]AuthorizeRequest]
	SigningRequests   *pubsub.Topic[[]SigningRequest]
	MetadataRequests  *pubsub.Topic[[]MetadataRequest]
}

// New 创建 State 并从存储加载授权记录与元数据索引。
func New(ctx context.Context, store kvstore.Store, signer Signer, opts ...Option) (*State, error) {
	if store == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "approval state requires a store")
	}
	if signer == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "approval state requires a signer")
	}
	s := &State{
		store:     store,
		signer:    signer,
		notifier:  notify.NewFanout(&notify.LogNotifier{}),
		ids:       message.NewIDGenerator(),
		log:       logger.Named("approval"),
		now:       time.Now,
		authorize: newQueue[AuthorizeRequest](),
		signing:   newQueue[SigningRequest](),
		metadata:  newQueue[MetadataRequest](),
		authUrls:  make(map[string]AuthorizationRecord),
		known:     make(map[string]uint32),
		watched:   make(map[string]bool),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	topicLog := pubsub.WithLogger(s.log)
	s.AuthorizeRequests = pubsub.NewTopic[[]AuthorizeRequest]("authorize.requests", topicLog)
	s.SigningRequests = pubsub.NewTopic[[]SigningRequest]("signing.requests", topicLog)
	s.MetadataRequests = pubsub.NewTopic[[]MetadataRequest]("metadata.requests", topicLog)

	if _, err := kvstore.GetJSON(ctx, store, authUrlsKey, &s.authUrls); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "加载授权记录失败")
	}
	if s.authUrls == nil {
		s.authUrls = make(map[string]AuthorizationRecord)
	}
	if _, err := kvstore.GetJSON(ctx, store, metadataIndexKey, &s.known); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "加载元数据索引失败")
	}
	if s.known == nil {
		s.known = make(map[string]uint32)
	}

	s.AuthorizeRequests.Publish([]AuthorizeRequest{})
	s.SigningRequests.Publish([]SigningRequest{})
	s.MetadataRequests.Publish([]MetadataRequest{})
	return s, nil
}

// Pending 返回三类待审批请求的总数。
func (s *State) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingLocked()
}

func (s *State) pendingLocked() int {
	return s.authorize.len() + s.signing.len() + s.metadata.len()
}

// nextSeqLocked 返回递增序号并登记端口断开清理。调用方持有 s.mu。
func (s *State) nextSeqLocked(p port.Port) (uint64, bool) {
	s.seq++
	if s.watched[p.ID()] {
		return s.seq, false
	}
	s.watched[p.ID()] = true
	return s.seq, true
}

func (s *State) watchPort(p port.Port) {
	p.OnDisconnect(func() { s.abandonPort(p.ID()) })
}

// abandonPort 丢弃断开端口的全部待审批请求。请求既不 resolve 也不 reject。
func (s *State) abandonPort(portID string) {
	s.mu.Lock()
	delete(s.watched, portID)
	auths := s.authorize.dropPort(portID)
	signs := s.signing.dropPort(portID)
	metas := s.metadata.dropPort(portID)
	s.mu.Unlock()

	for _, e := range auths {
		e.abandon()
	}
	for _, e := range signs {
		e.abandon()
	}
	for _, e := range metas {
		e.abandon()
	}
	total := len(auths) + len(signs) + len(metas)
	if total == 0 {
		return
	}
	s.log.Info("port disconnected, abandoned pending requests",
		slog.String("port", portID), slog.Int("count", total))
	if len(auths) > 0 {
		s.emit(KindAuthorize)
	}
	if len(signs) > 0 {
		s.emit(KindSigning)
	}
	if len(metas) > 0 {
		s.emit(KindMetadata)
	}
	s.signalClose(context.Background(), "abandoned")
}

// emit 推送某类请求的最新列表。
func (s *State) emit(kind Kind) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	total := s.pendingLocked()
	var (
		auths []AuthorizeRequest
		signs []SigningRequest
		metas []MetadataRequest
	)
	switch kind {
	case KindAuthorize:
		auths = s.authorize.list()
	case KindSigning:
		signs = s.signing.list()
	case KindMetadata:
		metas = s.metadata.list()
	}
	s.mu.Unlock()

	metrics.SetGauge("pending_requests", float64(total))
	switch kind {
	case KindAuthorize:
		s.AuthorizeRequests.Publish(auths)
	case KindSigning:
		s.SigningRequests.Publish(signs)
	case KindMetadata:
		s.MetadataRequests.Publish(metas)
	}
}

func (s *State) signalOpen(ctx context.Context, kind Kind, id string) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	s.mu.Lock()
	if !s.containsLocked(kind, id) {
		// 请求已被处理或丢弃。
		s.mu.Unlock()
		return
	}
	s.windowOpen = true
	total := s.pendingLocked()
	s.mu.Unlock()
	s.send(ctx, notify.Event{Action: notify.ActionOpen, Reason: string(kind), RequestID: id, Pending: total})
}

func (s *State) containsLocked(kind Kind, id string) bool {
	var ok bool
	switch kind {
	case KindAuthorize:
		_, ok = s.authorize.get(id)
	case KindSigning:
		_, ok = s.signing.get(id)
	case KindMetadata:
		_, ok = s.metadata.get(id)
	}
	return ok
}

// signalClose 在待审批总数归零时通知 UI 关闭窗口。
func (s *State) signalClose(ctx context.Context, reason string) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	s.mu.Lock()
	total := s.pendingLocked()
	shouldClose := s.windowOpen && total == 0
	if shouldClose {
		s.windowOpen = false
	}
	s.mu.Unlock()
	if shouldClose {
		s.send(ctx, notify.Event{Action: notify.ActionClose, Reason: reason})
	}
}

func (s *State) send(ctx context.Context, event notify.Event) {
	event.OccurredAt = s.now()
	if err := s.notifier.Notify(context.WithoutCancel(ctx), event); err != nil {
		s.log.Warn("approval window notification failed",
			slog.String("action", string(event.Action)), slog.Any("error", err))
	}
}

// wait 阻塞直到请求被处理、被丢弃或 ctx 结束。
func wait[T any](ctx context.Context, s *State, kind Kind, q *queue[T], e *entry[T]) (any, error) {
	select {
	case out := <-e.result:
		return out.value, out.err
	case <-e.abandoned:
		return nil, xerrors.New(xerrors.CodeState, "request abandoned: port disconnected")
	case <-ctx.Done():
	}

	s.mu.Lock()
	_, removed := q.take(e.id)
	s.mu.Unlock()
	if removed {
		s.emit(kind)
		s.signalClose(ctx, "abandoned")
		return nil, xerrors.Wrap(xerrors.CodeState, ctx.Err(), "request abandoned")
	}
	// 条目已被其他路径取走，对方随后一定会给出结果或丢弃信号。
	select {
	case out := <-e.result:
		return out.value, out.err
	case <-e.abandoned:
		return nil, xerrors.New(xerrors.CodeState, "request abandoned: port disconnected")
	}
}

// persistAuthUrls 将授权记录快照写入存储。
func (s *State) persistAuthUrls(ctx context.Context) error {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.mu.Lock()
	snapshot := make(map[string]AuthorizationRecord, len(s.authUrls))
	for k, v := range s.authUrls {
		snapshot[k] = v
	}
	s.mu.Unlock()
	return kvstore.SetJSON(context.WithoutCancel(ctx), s.store, authUrlsKey, snapshot)
}

func (s *State) persistOrLog(ctx context.Context) {
	if err := s.persistAuthUrls(ctx); err != nil {
		s.log.Error("persist authorization records failed", slog.Any("error", err))
	}
}
