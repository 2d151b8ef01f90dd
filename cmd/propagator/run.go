package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mindgoner/propagator/internal/auth"
	"github.com/mindgoner/propagator/internal/config"
	"github.com/mindgoner/propagator/internal/forwarder"
	"github.com/mindgoner/propagator/internal/listener"
	"github.com/mindgoner/propagator/internal/logger"
	"github.com/mindgoner/propagator/internal/printer"
	"github.com/mindgoner/propagator/internal/push"
	"github.com/mindgoner/propagator/internal/recorder"
	"github.com/mindgoner/propagator/internal/server"
	"github.com/mindgoner/propagator/internal/storage"
)

// app holds the components shared by the server and the listeners.
type app struct {
	cfg       *config.Config
	log       logger.Logger
	store     storage.Store
	recorder  *recorder.Recorder
	forwarder *forwarder.Forwarder
	replayer  *forwarder.Forwarder
	hub       *push.Hub
	closers   []func()
}

func newApp(ctx context.Context, cfg *config.Config, log logger.Logger, announce bool) (*app, error) {
	store, err := storage.New(ctx, &cfg.Storage, log)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	a := &app{cfg: cfg, log: log, store: store}
	a.closers = append(a.closers, func() {
		if err := store.Close(); err != nil {
			log.Warn("Failed to close storage", "error", err)
		}
	})

	var broadcaster push.Broadcaster = push.Nop{}
	if announce && cfg.Push.Enable {
		broadcaster, err = a.buildBroadcaster()
		if err != nil {
			a.Close()
			return nil, err
		}
	}

	a.recorder = recorder.New(store, broadcaster, recorder.Options{
		Channel:      cfg.Push.Channel,
		Event:        cfg.Push.Event,
		SharedSecret: cfg.Auth.SharedSecret,
	}, log.With("component", "recorder"))

	fwd := cfg.Forward
	transport := forwarder.Options{
		MaxConcurrent:         fwd.MaxConcurrent,
		MaxIdleConns:          fwd.MaxIdleConns,
		MaxIdleConnsPerHost:   fwd.MaxIdleConnsPerHost,
		MaxConnsPerHost:       fwd.MaxConnsPerHost,
		IdleConnTimeout:       time.Duration(fwd.IdleConnTimeout) * time.Second,
		ResponseHeaderTimeout: time.Duration(fwd.ResponseHeaderTimeout) * time.Second,
		TLSHandshakeTimeout:   time.Duration(fwd.TLSHandshakeTimeout) * time.Second,
		TLSInsecureSkipVerify: fwd.TLSInsecureSkipVerify,
		HeaderBlacklist:       fwd.HeaderBlacklist,
	}

	forwardOpts := transport
	forwardOpts.Timeout = time.Duration(fwd.Timeout) * time.Second
	forwardOpts.Retries = fwd.MaxRetries
	a.forwarder = forwarder.NewForwarder(log.With("component", "forwarder"), forwardOpts)

	replayOpts := transport
	replayOpts.Timeout = cfg.Replication.Timeout
	replayOpts.Retries = cfg.Replication.Retries
	a.replayer = forwarder.NewForwarder(log.With("component", "replay"), replayOpts)

	a.closers = append(a.closers, a.forwarder.Close, a.replayer.Close)
	return a, nil
}

func (a *app) buildBroadcaster() (push.Broadcaster, error) {
	switch a.cfg.Push.Driver {
	case "redis":
		client, err := push.NewRedisClient(a.cfg.Push.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("push redis: %w", err)
		}
		a.closers = append(a.closers, func() { client.Close() })
		return &push.RedisBroadcaster{Client: client}, nil
	default:
		a.hub = push.NewHub(push.HubOptions{
			Credentials:  auth.Credentials{Key: a.cfg.Auth.Key, Secret: a.cfg.Auth.Secret},
			PingInterval: a.cfg.Push.PingInterval,
		}, a.log.With("component", "hub"))
		return a.hub, nil
	}
}

func (a *app) listeners() ([]*listener.Listener, error) {
	out := make([]*listener.Listener, 0, len(a.cfg.Replication.Peers))
	for _, peer := range a.cfg.Replication.Peers {
		l, err := listener.NewForPeer(a.cfg, peer, a.store, a.recorder, a.replayer, a.log)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, nil
}

// Close releases resources in reverse order of creation.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	return run(cmd, true)
}

func runListen(cmd *cobra.Command, args []string) error {
	return run(cmd, false)
}

func run(cmd *cobra.Command, serve bool) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if !serve && len(cfg.Replication.Peers) == 0 {
		return fmt.Errorf("no peers configured")
	}

	log := logger.NewLogger(&cfg.Log, cfg.Log.Format)
	printStartupBanner(os.Stdout, cfg, serve)
	log.Info("Propagator starting",
		"version", version,
		"serve", serve,
		"port", cfg.Server.Port,
		"storage", cfg.Storage.Driver,
		"mode", cfg.Replication.Mode,
		"peers", len(cfg.Replication.Peers),
		"push", cfg.Push.Enable,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, log, serve)
	if err != nil {
		return err
	}
	defer a.Close()

	listeners, err := a.listeners()
	if err != nil {
		return err
	}

	group, groupCtx := errgroup.WithContext(ctx)

	if serve {
		srv := server.New(cfg, server.Deps{
			Store:     a.store,
			Recorder:  a.recorder,
			Printer:   printer.New(log, &cfg.Output),
			Forwarder: a.forwarder,
			Hub:       a.hub,
		}, log)
		group.Go(func() error {
			return srv.Start(groupCtx)
		})
	}

	for _, l := range listeners {
		group.Go(func() error {
			if err := l.Run(groupCtx); err != nil {
				log.Error("Listener stopped", "error", err)
			}
			return nil
		})
	}

	err = group.Wait()
	log.Info("Propagator stopped")
	return err
}

// validateRouteConflicts rejects configurations where the fixed routes
// shadow each other.
func validateRouteConflicts(cfg *config.Config) error {
	routes := map[string]string{
		normalizeConfigPath(cfg.Pull.Path): "pull.path",
		"/healthz":                         "healthz",
	}
	check := func(path, name string) error {
		p := normalizeConfigPath(path)
		if other, ok := routes[p]; ok {
			return fmt.Errorf("%s (%s) conflicts with %s; please configure different values", name, path, other)
		}
		routes[p] = name
		return nil
	}
	if cfg.Push.Enable && cfg.Push.Driver == "websocket" {
		if err := check(cfg.Push.Path, "push.path"); err != nil {
			return err
		}
	}
	if cfg.Metrics.Enable {
		if err := check(cfg.Metrics.Path, "metrics.path"); err != nil {
			return err
		}
	}
	return nil
}

func normalizeConfigPath(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
