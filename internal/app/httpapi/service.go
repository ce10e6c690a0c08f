package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/jsegovia1984/KipuBankV2/internal/app/system"
	"github.com/jsegovia1984/KipuBankV2/pkg/logger"
)

// Service runs the HTTP server under the system manager.
type Service struct {
	server *http.Server
	log    *logger.Logger

	mu       sync.Mutex
	listener net.Listener
	done     chan struct{}
}

var _ system.Service = (*Service)(nil)

// ServerConfig holds listener settings.
type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewService wraps handler in an http.Server.
func NewService(cfg ServerConfig, handler http.Handler, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("http")
	}
	return &Service{
		server: &http.Server{
			Addr:              cfg.Addr,
			Handler:           handler,
			ReadHeaderTimeout: cfg.ReadTimeout,
			ReadTimeout:       cfg.ReadTimeout,
			WriteTimeout:      cfg.WriteTimeout,
		},
		log: log,
	}
}

func (s *Service) Name() string { return "http" }

// Start binds the listener synchronously and serves in the background.
func (s *Service) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go func() {
		defer close(done)
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("http server stopped")
		}
	}()
	s.log.WithField("addr", ln.Addr().String()).Info("http server listening")
	return nil
}

// Stop shuts the server down gracefully within ctx.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	err := s.server.Shutdown(ctx)
	select {
	case <-done:
	case <-ctx.Done():
	}
	return err
}

// Addr reports the bound address once started.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.server.Addr
	}
	return s.listener.Addr().String()
}
