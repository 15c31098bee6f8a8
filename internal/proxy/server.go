package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/net/http2"

	"github.com/porticoproxy/portico/internal/cert"
	"github.com/porticoproxy/portico/internal/config"
)

// Server runs the plain HTTP and TLS listeners. The HTTP listener answers
// ACME HTTP-01 challenges before anything else so validation works even
// while routes are in flux; everything else on both listeners goes through
// the proxy handler.
type Server struct {
	cfg         *config.ServerConfig
	handler     *Handler
	certs       *cert.Manager
	solver      *cert.Solver
	httpServer  *http.Server
	httpsServer *http.Server
	logger      *zap.Logger
}

// NewServer assembles the listeners. The HTTPS listener is only created
// when an address is configured.
func NewServer(cfg *config.ServerConfig, handler *Handler, certs *cert.Manager, solver *cert.Solver, logger *zap.Logger) (*Server, error) {
	s := &Server{
		cfg:     cfg,
		handler: handler,
		certs:   certs,
		solver:  solver,
		logger:  logger.Named("server"),
	}

	s.httpServer = &http.Server{
		Addr:           cfg.HTTPAddress,
		Handler:        s.httpMux(),
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		IdleTimeout:    cfg.IdleTimeout,
		MaxHeaderBytes: cfg.MaxHeaderBytes,
	}

	if cfg.HTTPSAddress != "" {
		s.httpsServer = &http.Server{
			Addr:           cfg.HTTPSAddress,
			Handler:        handler,
			ReadTimeout:    cfg.ReadTimeout,
			WriteTimeout:   cfg.WriteTimeout,
			IdleTimeout:    cfg.IdleTimeout,
			MaxHeaderBytes: cfg.MaxHeaderBytes,
			TLSConfig: &tls.Config{
				GetCertificate: certs.GetCertificate,
				MinVersion:     tls.VersionTLS12,
			},
		}
		if err := http2.ConfigureServer(s.httpsServer, &http2.Server{}); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// httpMux intercepts the ACME well-known path and forwards the rest to the
// proxy handler.
func (s *Server) httpMux() http.Handler {
	challenge := s.solver.Handler()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, cert.ChallengePathPrefix) {
			challenge.ServeHTTP(w, r)
			return
		}
		s.handler.ServeHTTP(w, r)
	})
}

// Start runs the listeners until Shutdown. It returns the first listener
// error that is not a graceful close.
func (s *Server) Start() error {
	errCh := make(chan error, 2)

	go func() {
		s.logger.Info("http listener starting", zap.String("address", s.httpServer.Addr))
		errCh <- s.httpServer.ListenAndServe()
	}()

	if s.httpsServer != nil {
		go func() {
			s.logger.Info("https listener starting", zap.String("address", s.httpsServer.Addr))
			errCh <- s.httpsServer.ListenAndServeTLS("", "")
		}()
	}

	err := <-errCh
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains both listeners.
func (s *Server) Shutdown(ctx context.Context) error {
	var firstErr error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		firstErr = err
	}
	if s.httpsServer != nil {
		if err := s.httpsServer.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.handler.CloseIdleConnections()
	return firstErr
}
