package approval

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	xerrors "OpenWallet-Core/internal/errors"
	"OpenWallet-Core/internal/message"
	"OpenWallet-Core/internal/port"
	"OpenWallet-Core/pkg/logger"
)

func notAllowed(url string) error {
	return xerrors.Newf(xerrors.CodeAuthorization, "The source %s is not allowed to interact with this extension", url)
}

func notEnabled(url string) error {
	return xerrors.Newf(xerrors.CodeAuthorization, "The source %s has not been enabled yet", url)
}

func requestNotFound(id string) error {
	return xerrors.Newf(xerrors.CodeNotFound, "Unable to find request with id %s", id)
}

// AuthorizeURL 处理页面的授权请求。已有记录时直接返回结果；
// 同一来源已有待处理请求时立即失败；否则进入 Pending 并等待用户决定。
func (s *State) AuthorizeURL(ctx context.Context, p port.Port, url string, req message.RequestAuthorizeTab) (bool, error) {
	key := port.OriginKey(url)
	if key == "" {
		return false, xerrors.Newf(xerrors.CodeValidation, "invalid origin url %q", url)
	}

	s.mu.Lock()
	if rec, ok := s.authUrls[key]; ok {
		rec.LastSeen = s.now()
		s.authUrls[key] = rec
		s.mu.Unlock()
		if !rec.IsAllowed {
			return false, notAllowed(url)
		}
		return true, nil
	}
	if s.authorize.hasOrigin(key) {
		s.mu.Unlock()
		return false, xerrors.Newf(xerrors.CodeAuthorization, "The source %s has a pending authorization request", url)
	}
	id := s.ids.Next()
	seq, watch := s.nextSeqLocked(p)
	origin := strings.TrimSpace(req.Origin)
	if origin == "" {
		origin = key
	}
	e := newEntry(id, AuthorizeRequest{
		ID:        id,
		Origin:    origin,
		OriginKey: key,
		URL:       url,
		CreatedAt: s.now(),
	}, p.ID(), key, seq)
	s.authorize.add(e)
	s.mu.Unlock()

	if watch {
		s.watchPort(p)
	}
	s.emit(KindAuthorize)
	s.signalOpen(ctx, KindAuthorize, id)
	logger.Audit().Info("authorization requested", slog.String("id", id), slog.String("origin", key))

	v, err := wait(ctx, s, KindAuthorize, s.authorize, e)
	if err != nil {
		return false, err
	}
	allowed, _ := v.(bool)
	return allowed, nil
}

// ApproveAuthorize 允许来源访问。accounts 非空时仅暴露这些地址。
func (s *State) ApproveAuthorize(ctx context.Context, id string, accounts []string) error {
	var allowance map[string]bool
	if len(accounts) > 0 {
		allowance = make(map[string]bool, len(accounts))
		for _, a := range accounts {
			allowance[a] = true
		}
	}
	e, err := s.settleAuthorize(id, func(e *entry[AuthorizeRequest]) *AuthorizationRecord {
		return &AuthorizationRecord{
			OriginKey:       e.originKey,
			URL:             e.view.URL,
			IsAllowed:       true,
			AllowedAccounts: allowance,
			LastSeen:        s.now(),
		}
	})
	if err != nil {
		return err
	}
	s.persistOrLog(ctx)
	e.resolve(true)
	s.finish(ctx, KindAuthorize)
	logger.Audit().Info("authorization approved", slog.String("id", id), slog.String("origin", e.originKey),
		slog.Int("accounts", len(accounts)))
	return nil
}

// RejectAuthorize 拒绝来源，并记住该决定。
func (s *State) RejectAuthorize(ctx context.Context, id string) error {
	e, err := s.settleAuthorize(id, func(e *entry[AuthorizeRequest]) *AuthorizationRecord {
		return &AuthorizationRecord{
			OriginKey: e.originKey,
			URL:       e.view.URL,
			IsAllowed: false,
			LastSeen:  s.now(),
		}
	})
	if err != nil {
		return err
	}
	s.persistOrLog(ctx)
	e.reject(xerrors.New(xerrors.CodeRejected, ""))
	s.finish(ctx, KindAuthorize)
	logger.Audit().Info("authorization rejected", slog.String("id", id), slog.String("origin", e.originKey))
	return nil
}

// CancelAuthorize 关闭请求但不留下授权记录，页面之后可以再次请求。
func (s *State) CancelAuthorize(ctx context.Context, id string) error {
	e, err := s.settleAuthorize(id, func(*entry[AuthorizeRequest]) *AuthorizationRecord { return nil })
	if err != nil {
		return err
	}
	e.reject(xerrors.New(xerrors.CodeCancelled, ""))
	s.finish(ctx, KindAuthorize)
	logger.Audit().Info("authorization cancelled", slog.String("id", id), slog.String("origin", e.originKey))
	return nil
}

// settleAuthorize 在同一临界区内取出请求并写入记录。
func (s *State) settleAuthorize(id string, record func(*entry[AuthorizeRequest]) *AuthorizationRecord) (*entry[AuthorizeRequest], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.authorize.take(id)
	if !ok {
		return nil, requestNotFound(id)
	}
	if rec := record(e); rec != nil {
		s.authUrls[e.originKey] = *rec
	}
	return e, nil
}

func (s *State) finish(ctx context.Context, kind Kind) {
	s.emit(kind)
	s.signalClose(ctx, string(kind))
}

// EnsureAuthorized 判断来源是否已被允许。
func (s *State) EnsureAuthorized(_ context.Context, url string) error {
	key := port.OriginKey(url)
	s.mu.Lock()
	rec, ok := s.authUrls[key]
	s.mu.Unlock()
	switch {
	case !ok:
		return notEnabled(url)
	case !rec.IsAllowed:
		return notAllowed(url)
	}
	return nil
}

// IsAuthorized 是 EnsureAuthorized 的布尔形式。
func (s *State) IsAuthorized(ctx context.Context, url string) bool {
	return s.EnsureAuthorized(ctx, url) == nil
}

// Authorization 返回来源的授权记录。
func (s *State) Authorization(url string) (AuthorizationRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.authUrls[port.OriginKey(url)]
	return rec, ok
}

// AuthorizationList 返回全部授权记录，按来源排序。
func (s *State) AuthorizationList() []AuthorizationRecord {
	s.mu.Lock()
	out := make([]AuthorizationRecord, 0, len(s.authUrls))
	for _, rec := range s.authUrls {
		out = append(out, rec)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].OriginKey < out[j].OriginKey })
	return out
}

// ToggleAuthorization 翻转来源的允许状态。
func (s *State) ToggleAuthorization(ctx context.Context, origin string) (AuthorizationRecord, error) {
	key := port.OriginKey(origin)
	s.mu.Lock()
	rec, ok := s.authUrls[key]
	if !ok {
		s.mu.Unlock()
		return AuthorizationRecord{}, xerrors.Newf(xerrors.CodeNotFound, "no authorization record for %s", origin)
	}
	rec.IsAllowed = !rec.IsAllowed
	s.authUrls[key] = rec
	s.mu.Unlock()

	if err := s.persistAuthUrls(ctx); err != nil {
		return rec, err
	}
	logger.Audit().Info("authorization toggled", slog.String("origin", key), slog.Bool("allowed", rec.IsAllowed))
	return rec, nil
}

// ForgetAuthorization 删除来源的授权记录，返回记录是否存在。
func (s *State) ForgetAuthorization(ctx context.Context, origin string) (bool, error) {
	key := port.OriginKey(origin)
	s.mu.Lock()
	_, ok := s.authUrls[key]
	delete(s.authUrls, key)
	s.mu.Unlock()
	if !ok {
		return false, nil
	}
	if err := s.persistAuthUrls(ctx); err != nil {
		return true, err
	}
	logger.Audit().Info("authorization forgotten", slog.String("origin", key))
	return true, nil
}
