package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ethpandaops/runwatch/pkg/config"
	"github.com/ethpandaops/runwatch/pkg/notify"
	"github.com/ethpandaops/runwatch/pkg/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 10 * time.Second

// Server exposes the ops HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
	Addr() string
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log        logrus.FieldLogger
	cfg        *config.APIConfig
	store      store.Store
	hub        *notify.Hub
	gatherer   prometheus.Gatherer
	httpServer *http.Server
	addr       string
	wg         sync.WaitGroup
	done       chan struct{}
	stopOnce   sync.Once
}

// NewServer creates a new ops API server. hub may be nil, in which case
// the event stream endpoint is not mounted.
func NewServer(
	log logrus.FieldLogger,
	cfg *config.APIConfig,
	st store.Store,
	hub *notify.Hub,
	gatherer prometheus.Gatherer,
) Server {
	return &server{
		log:      log.WithField("component", "api"),
		cfg:      cfg,
		store:    st,
		hub:      hub,
		gatherer: gatherer,
		done:     make(chan struct{}),
	}
}

// Start binds the listener and serves requests in the background.
func (s *server) Start(_ context.Context) error {
	s.httpServer = &http.Server{
		Handler:           s.buildRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Bind the listener synchronously so we fail fast on port conflicts.
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Listen, err)
	}

	s.addr = ln.Addr().String()

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithField("listen", s.addr).Info("API server starting")

		if err := s.httpServer.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	return nil
}

// Addr returns the bound listen address once started.
func (s *server) Addr() string {
	return s.addr
}

// Stop gracefully shuts down the HTTP server. Open event streams are
// closed first so Shutdown does not wait on them.
func (s *server) Stop() error {
	s.stopOnce.Do(func() {
		close(s.done)
	})

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("HTTP server shutdown error")
		}
	}

	s.wg.Wait()

	s.log.Info("API server stopped")

	return nil
}
