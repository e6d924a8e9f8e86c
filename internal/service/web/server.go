package web

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/netutil"

	"liuproxy_checker/internal/shared/logger"
	"liuproxy_checker/internal/shared/metrics"
	"liuproxy_checker/internal/shared/types"
)

//go:embed all:static
var staticFiles embed.FS

// basicAuthMiddleware 检查 user 和 password 是否已配置。
// 如果配置了，它将强制执行 HTTP Basic Authentication。
func basicAuthMiddleware(next http.Handler, user, pass string) http.Handler {
	// 如果用户名或密码未设置，则不启用认证，直接返回原始处理器
	if user == "" || pass == "" {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || u != user || p != pass {
			w.Header().Set("WWW-Authenticate", `Basic realm="Restricted"`)
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte("Unauthorized.\n"))
			return
		}
		// 认证成功，继续处理请求
		next.ServeHTTP(w, r)
	})
}

// Server 是 Web UI / API 服务。
type Server struct {
	cfg    types.WebConf
	srv    *http.Server
	ln     net.Listener
	served chan struct{}
}

// NewRouter 构建所有路由。页面与 /api/* 受 basic auth 保护，/ws 与 /metrics 公开。
func NewRouter(cfg types.WebConf, handler *Handler, hub *Hub) (http.Handler, error) {
	mux := http.NewServeMux()
	user, pass := cfg.User, cfg.Password

	mux.Handle("/api/proxies", basicAuthMiddleware(http.HandlerFunc(handler.HandleProxies), user, pass))
	mux.Handle("/api/status", basicAuthMiddleware(http.HandlerFunc(handler.HandleStatus), user, pass))

	// --- WebSocket Endpoint (公开，无需认证) ---
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r)
	})
	mux.Handle("/metrics", metrics.Handler())

	// --- 静态文件和页面 ---
	staticFS, err := fs.Sub(staticFiles, "static")
	if err != nil {
		return nil, fmt.Errorf("failed to create sub filesystem for static assets: %w", err)
	}
	mux.Handle("/static/", http.StripPrefix("/static/", http.FileServer(http.FS(staticFS))))

	pageHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var page string
		switch r.URL.Path {
		case "/":
			page = "index.html"
		case "/stat":
			page = "stat.html"
		default:
			http.NotFound(w, r)
			return
		}
		content, err := fs.ReadFile(staticFS, page)
		if err != nil {
			http.Error(w, "Could not load "+page, http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write(content)
	})
	mux.Handle("/", basicAuthMiddleware(pageHandler, user, pass))

	return mux, nil
}

// NewServer 绑定监听端口。连接数受 cfg.MaxConnections 限制。
func NewServer(cfg types.WebConf, handler *Handler, hub *Hub) (*Server, error) {
	router, err := NewRouter(cfg, handler, hub)
	if err != nil {
		return nil, err
	}

	addr := fmt.Sprintf("0.0.0.0:%d", cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to start Web UI on %s: %w", addr, err)
	}
	if cfg.MaxConnections > 0 {
		listener = netutil.LimitListener(listener, cfg.MaxConnections)
	}

	return &Server{
		cfg: cfg,
		ln:  listener,
		srv: &http.Server{
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
		served: make(chan struct{}),
	}, nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Start 在后台开始服务。
func (s *Server) Start() {
	logger.Info().Msgf("SUCCESS: Web UI is listening on http://%s", s.ln.Addr())
	go func() {
		defer close(s.served)
		if err := s.srv.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Web server error")
		}
		logger.Info().Msg("Web server stopped.")
	}()
}

// Shutdown 优雅地关闭服务并等待 Serve 返回。
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.srv.Shutdown(ctx)
	select {
	case <-s.served:
	case <-ctx.Done():
	}
	return err
}
