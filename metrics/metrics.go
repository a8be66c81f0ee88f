// Package metrics serves the engine's Prometheus registry and health probe over HTTP.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// HealthFunc 返回 nil 表示健康。
type HealthFunc func() error

// Server 暴露 /metrics 与 /healthz。
type Server struct {
	addr    string
	handler http.Handler
	health  HealthFunc
	logger  *zap.Logger

	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener
	serveErr error
}

// NewServer handler 一般为 monitor.Handler()；health 可为 nil。
func NewServer(addr string, handler http.Handler, health HealthFunc, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{addr: addr, handler: handler, health: health, logger: logger.Named("metrics")}
}

// StartMetricsServer 启动Prometheus指标服务器
func StartMetricsServer(ctx context.Context, addr string, handler http.Handler, health HealthFunc, logger *zap.Logger) (*Server, error) {
	s := NewServer(addr, handler, health, logger)
	if err := s.Start(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Start 监听端口并在后台提供服务；端口被占用等错误同步返回。
func (s *Server) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("metrics listen %s: %w", s.addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", s.handler)
	mux.HandleFunc("/healthz", s.serveHealth)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	s.srv = srv
	s.listener = ln
	s.serveErr = nil

	go func() {
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server failed", zap.Error(err))
			s.mu.Lock()
			s.serveErr = err
			s.mu.Unlock()
		}
	}()
	s.logger.Info("metrics server listening", zap.String("addr", ln.Addr().String()))
	return nil
}

func (s *Server) serveHealth(w http.ResponseWriter, _ *http.Request) {
	if s.health != nil {
		if err := s.health(); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Addr 实际监听地址（addr 使用 :0 时有用）。
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop 优雅关闭，最多等待 5 秒。
func (s *Server) Stop() error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.listener = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("metrics shutdown failed: %w", err)
	}
	s.logger.Info("metrics server stopped")
	return nil
}

// Health 未启动或服务异常退出时返回错误。
func (s *Server) Health() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv == nil {
		return errors.New("metrics server not started")
	}
	return s.serveErr
}
