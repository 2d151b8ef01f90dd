package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mindgoner/propagator/internal/auth"
	"github.com/mindgoner/propagator/internal/config"
	"github.com/mindgoner/propagator/internal/logger"
	"github.com/mindgoner/propagator/internal/printer"
	"github.com/mindgoner/propagator/internal/pull"
	"github.com/mindgoner/propagator/internal/push"
	"github.com/mindgoner/propagator/internal/recorder"
	"github.com/mindgoner/propagator/internal/storage"
)

// Deps are the collaborators the server routes requests to.
type Deps struct {
	Store     storage.Store
	Recorder  *recorder.Recorder
	Printer   printer.Printer
	Forwarder Forwarder
	// Hub serves websocket subscribers. Nil leaves the push path unrouted.
	Hub *push.Hub
}

// Server HTTP server
type Server struct {
	config  *config.Config
	logger  logger.Logger
	deps    Deps
	handler *Handler
	httpSrv *http.Server
	procWG  sync.WaitGroup
	baseCtx context.Context
	cancel  context.CancelFunc
}

// New creates a new server instance
func New(cfg *config.Config, deps Deps, log logger.Logger) *Server {
	baseCtx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:  cfg,
		logger:  log.With("component", "server"),
		deps:    deps,
		baseCtx: baseCtx,
		cancel:  cancel,
	}

	serverConfig := &ServerConfig{
		Path:           cfg.Server.Path,
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
		ForwardURLs:    cfg.Forward.URLs,
		ForwardTimeout: time.Duration(cfg.Forward.Timeout) * time.Second,
		Responses:      toResponseRules(cfg.Server.Responses),
	}
	s.handler = NewHandler(deps.Recorder, deps.Printer, deps.Forwarder, s.logger, serverConfig, baseCtx, &s.procWG)

	s.httpSrv = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Router builds the route table: pull endpoint, push hub, health, metrics
// and the capture catch-all.
func (s *Server) Router() http.Handler {
	router := mux.NewRouter()

	creds := auth.Credentials{Key: s.config.Auth.Key, Secret: s.config.Auth.Secret}
	pullHandler := pull.NewHandler(s.deps.Store, creds, s.config.Auth.SharedSecret, s.logger)
	router.Handle(s.config.Pull.Path, pullHandler).Methods(http.MethodGet)

	if s.deps.Hub != nil {
		router.Handle(s.config.Push.Path, s.deps.Hub).Methods(http.MethodGet)
	}

	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	if s.config.Metrics.Enable {
		router.Handle(s.config.Metrics.Path, promhttp.Handler()).Methods(http.MethodGet)
	}

	router.PathPrefix("/").Handler(s.handler)
	return router
}

// Start listens on the configured port and serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpSrv.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.httpSrv.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done, then shuts down
// gracefully and waits for in-flight capture processing.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.Info("Starting HTTP server",
		"addr", ln.Addr().String(),
		"path", s.config.Server.Path,
		"pull_path", s.config.Pull.Path,
		"push_hub", s.deps.Hub != nil,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			s.cancel()
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down server...")
	return s.Stop()
}

// Stop shuts the server down and waits for background processing.
func (s *Server) Stop() error {
	timeout := s.config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if s.deps.Hub != nil {
		s.deps.Hub.Close()
	}
	err := s.httpSrv.Shutdown(ctx)
	if err != nil {
		s.logger.Error("Server forced to shutdown", "error", err)
	}

	done := make(chan struct{})
	go func() {
		s.procWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("Timed out waiting for request processing")
	}
	s.cancel()

	s.logger.Info("Server exited")
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	}
	if s.deps.Hub != nil {
		status["push_subscribers"] = s.deps.Hub.Subscribers()
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

func toResponseRules(responses []config.ImmediateResponseConfig) []ImmediateResponseRule {
	rules := make([]ImmediateResponseRule, 0, len(responses))
	for _, resp := range responses {
		rules = append(rules, ImmediateResponseRule{
			Name:       resp.Name,
			Methods:    resp.Methods,
			Path:       resp.Path,
			PathPrefix: resp.PathPrefix,
			Status:     resp.Status,
			Body:       resp.Body,
			Headers:    resp.Headers,
		})
	}
	return rules
}
