package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/nooterra/settld/internal/app"
	"github.com/nooterra/settld/internal/app/metrics"
	"github.com/nooterra/settld/internal/logging"
)

// Service runs the coordinator's HTTP API as a system.Service, so
// cmd/appserver can start and stop it alongside the background ops workers
// through the same lifecycle interface.
type Service struct {
	addr   string
	tokens []string
	log    *logging.Logger

	server *http.Server
}

// NewService builds the HTTP service bound to addr. tokens is the set of
// bearer tokens accepted by the API; an empty set disables auth entirely,
// which is only appropriate for local development.
func NewService(application *app.Application, addr string, tokens []string) *Service {
	handler := metrics.InstrumentHandler(NewHandler(application, tokens))
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/", handler)

	return &Service{
		addr:   addr,
		tokens: tokens,
		log:    application.Log,
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

func (s *Service) Name() string { return "httpapi" }

func (s *Service) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.log.WithFields(map[string]any{"addr": s.addr}).Info("httpapi: listening")
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("httpapi: server exited")
		}
	}()
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
