package webchat

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/oneline-chat/pkg/agents"
	"github.com/go-go-golems/oneline-chat/pkg/share"
)

const DefaultShutdownTimeout = 30 * time.Second

// ServerConfig holds the background workers that live as long as the
// HTTP server. Prober and Janitor are optional.
type ServerConfig struct {
	Addr            string
	ShutdownTimeout time.Duration
	Prober          *agents.Prober
	Janitor         *share.Janitor
}

// Server drives the HTTP server, the stream hub and the background workers.
type Server struct {
	router  *Router
	httpSrv *http.Server
	cfg     ServerConfig
}

func NewServer(r *Router, cfg ServerConfig) (*Server, error) {
	if r == nil {
		return nil, errors.New("webchat: router is nil")
	}
	if cfg.Addr == "" {
		return nil, errors.New("webchat: listen address is empty")
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return &Server{router: r, httpSrv: httpSrv, cfg: cfg}, nil
}

func (s *Server) Router() *Router { return s.router }

func (s *Server) HTTPServer() *http.Server { return s.httpSrv }

// Run serves until ctx is cancelled or the process receives SIGINT/SIGTERM,
// then drains in-flight requests for up to ShutdownTimeout.
func (s *Server) Run(ctx context.Context) error {
	if ctx == nil {
		return errors.New("ctx is nil")
	}
	srvCtx, srvCancel := context.WithCancel(ctx)
	defer srvCancel()
	eg, egCtx := errgroup.WithContext(srvCtx)

	if s.cfg.Prober != nil {
		s.cfg.Prober.Start(egCtx)
	}
	if s.cfg.Janitor != nil {
		eg.Go(func() error { return s.cfg.Janitor.Run(egCtx) })
	}
	if hub := s.router.hub; hub != nil {
		eg.Go(func() error { return hub.Run(egCtx) })
	}

	eg.Go(func() error {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigChan)
		select {
		case <-sigChan:
			log.Info().Msg("received interrupt signal, shutting down gracefully...")
		case <-egCtx.Done():
		}
		srvCancel()
		// In-flight relays still commit their turns while we drain.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server shutdown error")
			return err
		}
		log.Info().Msg("server shutdown complete")
		return nil
	})

	eg.Go(func() error {
		log.Info().Str("addr", s.httpSrv.Addr).Msg("starting oneline-chat server")
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server listen error")
			return err
		}
		return nil
	})

	return eg.Wait()
}
