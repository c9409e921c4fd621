package api

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	xerrors "OpenWallet-Core/internal/errors"
	"OpenWallet-Core/internal/message"
	"OpenWallet-Core/internal/observability/metrics"
	"OpenWallet-Core/internal/port"
	"OpenWallet-Core/pkg/logger"
)

// TokenHeader carries the shared secret of the extension port.
const TokenHeader = "X-Wallet-Token"

// Dispatcher routes one inbound envelope.
type Dispatcher interface {
	Dispatch(ctx context.Context, env message.Envelope, p port.Port)
}

// Config 描述 HTTP 服务。
type Config struct {
	Addr string
	// Token 是特权端口必须携带的 X-Wallet-Token。为空时特权端口拒绝所有连接。
	Token string
	// ExtensionOrigins 是允许打开特权端口的浏览器 Origin，例如
	// chrome-extension://<id>。不带 Origin 的本地客户端仍需令牌。
	ExtensionOrigins []string
	PingInterval     time.Duration
	WriteTimeout     time.Duration
	ShutdownTimeout  time.Duration
}

// Server 负责暴露端口与运维接口。
type Server struct {
	cfg        Config
	dispatcher Dispatcher
	log        *slog.Logger
	extension  websocket.Upgrader
	content    websocket.Upgrader

	mu    sync.Mutex
	ports map[string]*wsPort
	ctx   context.Context
}

// NewServer 构造 API 服务实例。
func NewServer(cfg Config, dispatcher Dispatcher) *Server {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	s := &Server{
		cfg:        cfg,
		dispatcher: dispatcher,
		log:        logger.Named("api"),
		ports:      make(map[string]*wsPort),
		ctx:        context.Background(),
	}
	s.extension = websocket.Upgrader{CheckOrigin: s.extensionOrigin}
	// 内容端口对任何页面开放，页面身份取自已校验的 Origin 头。
	s.content = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	return s
}

// Handler 返回完整的路由。
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(observe)
	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Get("/ports/extension", s.handleExtension)
	r.Get("/ports/content", s.handleContent)
	return r
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	if s.cfg.Token == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "api server requires a wallet token")
	}
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	server := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("api listening", slog.String("addr", s.cfg.Addr))

	select {
	case <-ctx.Done():
		s.closePorts()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		s.closePorts()
		return err
	}
}

// Ports 返回当前连接的端口数量。
func (s *Server) Ports() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ports)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "ports": s.Ports()})
}

func (s *Server) handleExtension(w http.ResponseWriter, r *http.Request) {
	if !s.extensionOrigin(r) {
		logger.Audit().Warn("extension port rejected",
			slog.String("remote", r.RemoteAddr),
			slog.String("origin", r.Header.Get("Origin")),
			slog.String("reason", "origin"))
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}
	if !s.validToken(r) {
		logger.Audit().Warn("extension port rejected",
			slog.String("remote", r.RemoteAddr),
			slog.String("reason", "token"))
		http.Error(w, "invalid wallet token", http.StatusUnauthorized)
		return
	}
	s.serve(w, r, &s.extension, port.Extension, "")
}

// handleContent 打开页面端口。页面身份来自浏览器的 Origin 头；只有持有令牌的
// 中继（扩展代页面转发）才可以通过 ?origin= 指定来源。
func (s *Server) handleContent(w http.ResponseWriter, r *http.Request) {
	origin, ok := s.contentOrigin(r)
	if !ok {
		http.Error(w, "page origin is required", http.StatusBadRequest)
		return
	}
	s.serve(w, r, &s.content, port.Content, origin)
}

func (s *Server) validToken(r *http.Request) bool {
	if s.cfg.Token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(r.Header.Get(TokenHeader)), []byte(s.cfg.Token)) == 1
}

// extensionOrigin 只接受配置中的扩展 Origin。没有 Origin 头的请求不是来自网页。
func (s *Server) extensionOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.ExtensionOrigins {
		if strings.EqualFold(strings.TrimRight(allowed, "/"), strings.TrimRight(origin, "/")) {
			return true
		}
	}
	return false
}

func (s *Server) contentOrigin(r *http.Request) (string, bool) {
	if relayed := r.URL.Query().Get("origin"); relayed != "" && s.validToken(r) && s.extensionOrigin(r) {
		return relayed, port.OriginKey(relayed) != ""
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	u, err := url.Parse(origin)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || port.OriginKey(origin) == "" {
		return "", false
	}
	return origin, true
}

// serve 升级连接并运行读循环。读循环是串行的，保证同一端口的消息按到达顺序分发。
func (s *Server) serve(w http.ResponseWriter, r *http.Request, upgrader *websocket.Upgrader, name port.Name, origin string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", slog.Any("error", err))
		return
	}

	s.mu.Lock()
	parent := s.ctx
	s.mu.Unlock()

	p := newWSPort(parent, uuid.NewString(), name, origin, conn, s.cfg.WriteTimeout)
	s.track(p)
	log := s.log.With(slog.String("port", p.ID()), slog.String("name", string(name)))
	log.Info("port connected", slog.String("origin", origin))
	metrics.SetGauge("ports", float64(s.Ports()))

	defer func() {
		p.Disconnect()
		_ = conn.Close()
		s.untrack(p)
		metrics.SetGauge("ports", float64(s.Ports()))
		log.Info("port disconnected")
	}()

	p.armDeadline(s.cfg.PingInterval)
	go p.keepAlive(s.cfg.PingInterval)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("port read failed", slog.Any("error", err))
			}
			return
		}
		var env message.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.ID == "" || env.Kind == "" {
			_ = p.Send(message.Failure{ID: env.ID, Error: "malformed envelope"})
			continue
		}
		s.dispatcher.Dispatch(parent, env, p)
	}
}

func (s *Server) track(p *wsPort) {
	s.mu.Lock()
	s.ports[p.ID()] = p
	s.mu.Unlock()
}

func (s *Server) untrack(p *wsPort) {
	s.mu.Lock()
	delete(s.ports, p.ID())
	s.mu.Unlock()
}

func (s *Server) closePorts() {
	s.mu.Lock()
	ports := make([]*wsPort, 0, len(s.ports))
	for _, p := range s.ports {
		ports = append(ports, p)
	}
	s.mu.Unlock()
	for _, p := range ports {
		p.close()
	}
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack 让 websocket 升级穿过记录器。
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.ObserveHTTPRequest(r.URL.Path, r.Method, rec.status)
	})
}
