package web

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"maskbrowser/internal/shared/logger"
	"maskbrowser/internal/shared/types"
)

// --- DIAGNOSTIC HELPER: A listener that logs accepted connections ---
type loggingListener struct {
	net.Listener
}

func (l loggingListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err == nil {
		logger.Debug().Msgf(" [WebServer DIAGNOSTIC] Connection accepted from: %s ", conn.RemoteAddr())
	}
	return conn, err
}

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
		next.ServeHTTP(w, r)
	})
}

// NewRouter 注册所有控制 API 路由。/api/status 与 /ws 不需要认证。
func NewRouter(cfg types.WebConf, controller Controller, hub *Hub) *mux.Router {
	h := NewHandler(controller, hub)
	router := mux.NewRouter()

	router.HandleFunc("/api/status", h.HandleStatus).Methods("GET")
	if hub != nil {
		router.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
			ServeWs(hub, w, r)
		})
	}

	api := router.PathPrefix("/api").Subrouter()
	api.Use(func(next http.Handler) http.Handler {
		return basicAuthMiddleware(next, cfg.User, cfg.Password)
	})

	api.HandleFunc("/profiles", h.HandleListProfiles).Methods("GET")
	api.HandleFunc("/profiles", h.HandleSaveProfile).Methods("POST")
	api.HandleFunc("/profiles/{id}", h.HandleGetProfile).Methods("GET")
	api.HandleFunc("/profiles/{id}", h.HandleDeleteProfile).Methods("DELETE")
	api.HandleFunc("/profiles/{id}/launch", h.HandleLaunchProfile).Methods("POST")
	api.HandleFunc("/profiles/{id}/close", h.HandleCloseProfile).Methods("POST")
	api.HandleFunc("/profiles/{id}/identity", h.HandleGetIdentity).Methods("GET")

	api.HandleFunc("/proxy/parse", h.HandleParseProxy).Methods("POST")
	api.HandleFunc("/proxy/test", h.HandleTestProxy).Methods("POST")

	api.HandleFunc("/tasks", h.HandleListTasks).Methods("GET")
	api.HandleFunc("/tasks", h.HandleSaveTask).Methods("POST")
	api.HandleFunc("/tasks/import", h.HandleImportTask).Methods("POST")
	api.HandleFunc("/tasks/{id}", h.HandleGetTask).Methods("GET")
	api.HandleFunc("/tasks/{id}", h.HandleDeleteTask).Methods("DELETE")
	api.HandleFunc("/tasks/{id}/export", h.HandleExportTask).Methods("GET")

	api.HandleFunc("/jobs", h.HandleSubmitJob).Methods("POST")
	api.HandleFunc("/jobs", h.HandleListJobs).Methods("GET")
	api.HandleFunc("/jobs", h.HandlePurgeJobs).Methods("DELETE")
	api.HandleFunc("/jobs/{id}", h.HandleGetJob).Methods("GET")
	api.HandleFunc("/jobs/{id}/cancel", h.HandleCancelJob).Methods("POST")

	api.HandleFunc("/settings", h.HandleGetSettings).Methods("GET")
	api.HandleFunc("/settings/{module}", h.HandleGetModuleSettings).Methods("GET")
	api.HandleFunc("/settings/{module}", h.HandleUpdateSettings).Methods("POST")

	return router
}

// Server 是控制 API 的 HTTP 服务。
type Server struct {
	cfg    types.WebConf
	hub    *Hub
	http   *http.Server
	logger zerolog.Logger
}

func NewServer(cfg types.WebConf, controller Controller, hub *Hub) *Server {
	return &Server{
		cfg: cfg,
		hub: hub,
		http: &http.Server{
			Handler:           NewRouter(cfg, controller, hub),
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger.WithComponent("WebServer"),
	}
}

// Start 监听配置的端口并在后台提供服务。Port 为 0 时不启动。
func (s *Server) Start(wg *sync.WaitGroup) error {
	if s.cfg.Port <= 0 {
		s.logger.Info().Msg("Control API is disabled (port is 0 or not set).")
		return nil
	}
	addr := fmt.Sprintf("%s:%d", s.listenHost(), s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start control API on %s: %w", addr, err)
	}
	s.logger.Info().Msgf("SUCCESS: Control API is listening on http://%s", addr)

	if s.hub != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.hub.Run()
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.http.Serve(loggingListener{Listener: listener}); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Web server error")
		}
		s.logger.Info().Msg("Web server stopped.")
	}()
	return nil
}

// 没有设置密码时只监听本机。
func (s *Server) listenHost() string {
	if s.cfg.User == "" || s.cfg.Password == "" {
		return "127.0.0.1"
	}
	return "0.0.0.0"
}

// Shutdown 停止接受新请求并等待进行中的请求结束。
func (s *Server) Shutdown(ctx context.Context) error {
	if s.hub != nil {
		s.hub.Stop()
	}
	return s.http.Shutdown(ctx)
}
