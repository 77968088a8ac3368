package pareto

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
)

// engine.io packet types used by the transport.
const (
	packetOpen      = "0"
	packetClose     = "1"
	packetPing      = "2"
	packetPong      = "3"
	packetConnect   = "40"
	packetNamespace = "41"

	defaultPingInterval = 25 * time.Second
	writeTimeout        = 10 * time.Second
)

// SocketURL builds the socket.io websocket URL for endpoint, passing token
// as the query parameter the feed authenticates with.
func SocketURL(endpoint, token string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", errors.Wrap(err, "invalid PARETO_URL")
	}

	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", errors.Errorf("unsupported PARETO_URL scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", errors.New("PARETO_URL has no host")
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/socket.io/"
	}

	q := u.Query()
	q.Set("EIO", "3")
	q.Set("transport", "websocket")
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// WebsocketDialer speaks the socket.io websocket transport.
type WebsocketDialer struct {
	dialer *websocket.Dialer
	logger *slog.Logger
}

// NewWebsocketDialer creates a dialer with a bounded handshake.
func NewWebsocketDialer(logger *slog.Logger) *WebsocketDialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebsocketDialer{
		dialer: &websocket.Dialer{
			HandshakeTimeout: 30 * time.Second,
			ReadBufferSize:   64 * 1024,
			WriteBufferSize:  4 * 1024,
		},
		logger: logger,
	}
}

// Dial opens the websocket and starts the read and ping loops. Handlers are
// invoked from the read loop in frame order.
func (d *WebsocketDialer) Dial(ctx context.Context, endpoint, token string, handlers Handlers) (Conn, error) {
	target, err := SocketURL(endpoint, token)
	if err != nil {
		return nil, err
	}

	ws, resp, err := d.dialer.DialContext(ctx, target, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", redact(target))
	}

	c := &socketConn{
		ws:       ws,
		handlers: handlers,
		logger:   d.logger,
		done:     make(chan struct{}),
	}
	c.pingInterval.Store(int64(defaultPingInterval))

	go c.readLoop()
	go c.pingLoop()
	return c, nil
}

type socketConn struct {
	ws       *websocket.Conn
	handlers Handlers
	logger   *slog.Logger

	writeMu      sync.Mutex
	pingInterval atomic.Int64

	done       chan struct{}
	closeOnce  sync.Once
	disconnect sync.Once
}

func (c *socketConn) readLoop() {
	defer c.fireDisconnect()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Debug("Socket read ended", "error", err)
			}
			return
		}

		frame := string(data)
		switch {
		case strings.HasPrefix(frame, packetConnect):
			if c.handlers.OnConnect != nil {
				c.handlers.OnConnect()
			}
		case frame == packetPing:
			// Servers speaking engine.io v4 ping the client.
			if err := c.write(packetPong); err != nil {
				c.logger.Debug("Pong failed", "error", err)
			}
		case strings.HasPrefix(frame, packetOpen):
			if ms := gjson.Get(frame[1:], "pingInterval").Int(); ms > 0 {
				c.pingInterval.Store(int64(time.Duration(ms) * time.Millisecond))
			}
		}

		if c.handlers.OnMessage != nil {
			c.handlers.OnMessage(frame)
		}

		if frame == packetClose || strings.HasPrefix(frame, packetNamespace) {
			return
		}
	}
}

func (c *socketConn) pingLoop() {
	timer := time.NewTimer(time.Duration(c.pingInterval.Load()))
	defer timer.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-timer.C:
			if err := c.write(packetPing); err != nil {
				c.logger.Debug("Ping failed", "error", err)
				return
			}
			timer.Reset(time.Duration(c.pingInterval.Load()))
		}
	}
}

func (c *socketConn) write(packet string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, []byte(packet))
}

func (c *socketConn) fireDisconnect() {
	c.disconnect.Do(func() {
		if c.handlers.OnDisconnect != nil {
			c.handlers.OnDisconnect()
		}
	})
}

// Close stops both loops. It does not wait for the read loop, so it is safe
// to call from a handler.
func (c *socketConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		c.ws.SetWriteDeadline(time.Now().Add(time.Second))
		_ = c.ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}

func redact(target string) string {
	u, err := url.Parse(target)
	if err != nil {
		return "<invalid url>"
	}
	q := u.Query()
	if q.Has("token") {
		q.Set("token", "REDACTED")
		u.RawQuery = q.Encode()
	}
	return u.String()
}
