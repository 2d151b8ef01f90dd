package listener

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/mindgoner/propagator/internal/auth"
	"github.com/mindgoner/propagator/internal/config"
	"github.com/mindgoner/propagator/internal/logger"
	"github.com/mindgoner/propagator/internal/pull"
	"github.com/mindgoner/propagator/internal/push"
	"github.com/mindgoner/propagator/internal/recorder"
	"github.com/mindgoner/propagator/internal/storage"
)

// ErrInvalidPeer is returned when a peer's endpoints cannot be derived.
var ErrInvalidPeer = errors.New("invalid peer")

// NewForPeer wires a listener for a configured peer: a pull client against
// the peer's pull path and, in push mode, a subscriber for the configured
// push driver.
func NewForPeer(cfg *config.Config, peer config.PeerConfig, store storage.Store, rec *recorder.Recorder, replayer Replayer, log logger.Logger) (*Listener, error) {
	base, err := peerBaseURL(peer.URL)
	if err != nil {
		return nil, err
	}
	creds := auth.Credentials{Key: peer.Key, Secret: peer.Secret}

	client, err := pull.NewClient(
		joinPath(base, cfg.Pull.Path),
		creds,
		cfg.Auth.SharedSecret,
		&http.Client{Timeout: cfg.Replication.Timeout},
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPeer, err)
	}
	client.SetMaxResponseBytes(cfg.Replication.MaxResponseBytes)

	name := peer.Name
	if name == "" {
		name = base.Host
	}
	channel := peer.Channel
	if channel == "" {
		channel = cfg.Push.Channel
	}

	var (
		subscriber push.Subscriber
		onClose    func()
	)
	if cfg.Replication.Mode == ModePush {
		switch cfg.Push.Driver {
		case "redis":
			redisURL := peer.PushURL
			if redisURL == "" {
				redisURL = cfg.Push.Redis.URL
			}
			rdb, err := push.NewRedisClient(redisURL)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPeer, name, err)
			}
			subscriber = &push.RedisSubscriber{
				Client:           rdb,
				HandshakeTimeout: cfg.Push.HandshakeTimeout,
				PingInterval:     cfg.Push.PingInterval,
				Logger:           log,
			}
			onClose = func() { rdb.Close() }
		default:
			wsURL, err := websocketURL(base, peer.PushURL, cfg.Push.Path)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPeer, name, err)
			}
			subscriber = &push.WebsocketSubscriber{
				URL:              wsURL,
				Credentials:      creds,
				HandshakeTimeout: cfg.Push.HandshakeTimeout,
				PingInterval:     cfg.Push.PingInterval,
				Logger:           log,
			}
		}
	}

	l := New(Options{
		Peer:              name,
		Mode:              cfg.Replication.Mode,
		PollInterval:      cfg.Replication.PollInterval,
		ReconcileInterval: cfg.Replication.ReconcileInterval,
		SkewMargin:        cfg.Replication.SkewMargin,
		LocalBaseURL:      cfg.Replication.LocalBaseURL,
		Channel:           channel,
		Event:             cfg.Push.Event,
		SharedSecret:      cfg.Auth.SharedSecret,
	}, store, rec, client, subscriber, replayer, log)
	l.onClose = onClose
	return l, nil
}

func peerBaseURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPeer, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q must be an absolute http(s) url", ErrInvalidPeer, raw)
	}
	return u, nil
}

func joinPath(base *url.URL, path string) string {
	u := *base
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.TrimPrefix(path, "/")
	u.RawQuery = ""
	return u.String()
}

// websocketURL returns override when set, otherwise the peer url with a ws
// scheme and the push path.
func websocketURL(base *url.URL, override, path string) (string, error) {
	if override != "" {
		u, err := url.Parse(override)
		if err != nil {
			return "", err
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return "", fmt.Errorf("push url %q must use ws or wss", override)
		}
		return u.String(), nil
	}
	u, err := url.Parse(joinPath(base, path))
	if err != nil {
		return "", err
	}
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	return u.String(), nil
}
