package server

import (
	"context"
	"net"
	"net/http"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/acme-corp/racing-pipeline/internal/config"
)

// Server serves a handler until its context is cancelled.
type Server struct {
	cfg config.ServerConfig
	srv *http.Server
	log zerolog.Logger
}

func New(cfg config.ServerConfig, handler http.Handler, log zerolog.Logger) *Server {
	return &Server{
		cfg: cfg,
		srv: &http.Server{
			Addr:         cfg.Addr,
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		log: log,
	}
}

// Run listens on the configured address and blocks until ctx is done, then
// waits up to the shutdown timeout for in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return errors.Wrapf(err, "listening on %s", s.cfg.Addr)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errc := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", ln.Addr().String()).Msg("serving")
		errc <- s.srv.Serve(ln)
	}()

	select {
	case err := <-errc:
		return errors.Wrap(err, "serving")
	case <-ctx.Done():
	}

	s.log.Info().Dur("timeout", s.cfg.ShutdownTimeout).Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "shutting down")
	}
	if err := <-errc; err != nil && err != http.ErrServerClosed {
		return errors.Wrap(err, "serving")
	}
	return nil
}
