// Package server assembles the credential broker's HTTP surface: route
// table, middleware chain, and the tuned upstream HTTP client.
package server

import (
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/vango-go/parley/pkg/gateway/config"
	"github.com/vango-go/parley/pkg/gateway/handlers"
	"github.com/vango-go/parley/pkg/gateway/lifecycle"
	"github.com/vango-go/parley/pkg/gateway/mw"
)

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	httpClient *http.Client
	lifecycle  *lifecycle.Lifecycle
}

func New(cfg config.Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout: cfg.UpstreamConnectTimeout,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			ResponseHeaderTimeout: cfg.UpstreamResponseHeaderTimeout,
		},
	}

	s := &Server{
		cfg:        cfg,
		logger:     logger,
		mux:        http.NewServeMux(),
		httpClient: httpClient,
		lifecycle:  &lifecycle.Lifecycle{},
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{Config: s.cfg, Lifecycle: s.lifecycle})

	s.mux.Handle("/v1/realtime/client-secret", handlers.ClientSecretHandler{
		Config: s.cfg,
		Client: s.httpClient,
		Logger: s.logger,
	})
	s.mux.Handle("/v1/auth-config", handlers.AuthConfigHandler{Config: s.cfg})

	s.mux.Handle("/", handlers.NotFoundHandler{})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.CORS(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// Lifecycle exposes the draining flag so main can flip readiness before
// the listener stops accepting.
func (s *Server) Lifecycle() *lifecycle.Lifecycle {
	return s.lifecycle
}
