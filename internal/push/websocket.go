package push

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mindgoner/propagator/internal/auth"
	"github.com/mindgoner/propagator/internal/logger"
)

// WebsocketSubscriber subscribes to a peer's Hub.
type WebsocketSubscriber struct {
	URL              string
	Credentials      auth.Credentials
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	Dialer           *websocket.Dialer
	Logger           logger.Logger
}

func (s *WebsocketSubscriber) Subscribe(ctx context.Context, channel string, h EventHandler) error {
	handshake := s.HandshakeTimeout
	if handshake <= 0 {
		handshake = 10 * time.Second
	}
	ping := s.PingInterval
	if ping <= 0 {
		ping = 30 * time.Second
	}
	dialer := s.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: handshake, Proxy: http.ProxyFromEnvironment}
	}
	log := s.Logger
	if log == nil {
		log = logger.Nop()
	}

	header := http.Header{}
	s.Credentials.Apply(header)

	dialCtx, cancel := context.WithTimeout(ctx, handshake)
	conn, resp, err := dialer.DialContext(dialCtx, s.URL, header)
	cancel()
	if err != nil {
		if resp != nil {
			return fmt.Errorf("%w: dial %s: %s", ErrUnavailable, s.URL, resp.Status)
		}
		return fmt.Errorf("%w: dial %s: %v", ErrUnavailable, s.URL, err)
	}
	defer conn.Close()

	if err := s.handshake(conn, channel, handshake); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	log.Info("Subscribed to push channel", "url", s.URL, "channel", channel)

	var writeMu sync.Mutex
	write := func(payload []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(hubWriteTimeout))
		return conn.WriteMessage(websocket.TextMessage, payload)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(ping)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(hubWriteTimeout))
				conn.Close()
				return
			case <-done:
				return
			case <-ticker.C:
				if err := write(pingFrame()); err != nil {
					conn.Close()
					return
				}
			}
		}
	}()

	deadline := 2 * ping
	conn.SetReadDeadline(time.Now().Add(deadline))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(deadline))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(hubWriteTimeout))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("push connection lost: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(deadline))

		f, ok := parseFrame(raw)
		if !ok {
			continue
		}
		switch f.Event {
		case EventPing:
			if err := write(pongFrame()); err != nil {
				return fmt.Errorf("push connection lost: %w", err)
			}
		case EventPong, EventSubscriptionSucceeded, EventConnectionEstablished:
		default:
			if f.Channel == channel {
				h(ctx, Event{Channel: f.Channel, Name: f.Event, Data: f.Data})
			}
		}
	}
}

// handshake waits for connection_established, subscribes and waits for the
// subscription acknowledgement.
func (s *WebsocketSubscriber) handshake(conn *websocket.Conn, channel string, timeout time.Duration) error {
	conn.SetReadDeadline(time.Now().Add(timeout))
	defer conn.SetReadDeadline(time.Time{})

	f, err := readFrame(conn)
	if err != nil {
		return err
	}
	if f.Event != EventConnectionEstablished {
		return fmt.Errorf("unexpected first frame %q", f.Event)
	}

	conn.SetWriteDeadline(time.Now().Add(timeout))
	if err := conn.WriteMessage(websocket.TextMessage, subscribeFrame(channel)); err != nil {
		return err
	}

	for {
		f, err := readFrame(conn)
		if err != nil {
			return err
		}
		switch f.Event {
		case EventSubscriptionSucceeded:
			if f.Channel == channel {
				return nil
			}
		case EventError:
			return fmt.Errorf("subscription rejected: %s", f.Data)
		}
	}
}

func readFrame(conn *websocket.Conn) (frame, error) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return frame{}, err
		}
		if f, ok := parseFrame(raw); ok {
			return f, nil
		}
	}
}
