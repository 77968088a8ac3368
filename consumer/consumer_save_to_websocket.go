package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/withObsrvr/pareto-event-router/pkg/common/types"
)

const (
	wsSendBuffer   = 256
	wsWriteTimeout = 10 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingPeriod   = (wsPongWait * 9) / 10
)

type WebSocketConfig struct {
	Addr string
	Path string
}

// Hub tracks connected websocket clients and broadcasts to them. A client
// whose send buffer is full is dropped rather than slowing the broadcast.
type Hub struct {
	mu      sync.RWMutex
	clients map[*wsClient]struct{}
	logger  *slog.Logger
}

type wsClient struct {
	conn   *websocket.Conn
	send   chan []byte
	tenant string
	once   sync.Once
}

func (c *wsClient) close() {
	c.once.Do(func() { close(c.send) })
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{clients: make(map[*wsClient]struct{}), logger: loggerOrDefault(logger)}
}

func (h *Hub) register(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("Client connected", "tenant", c.tenant, "clients", n)
}

func (h *Hub) unregister(c *wsClient) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	if ok {
		c.close()
		h.logger.Info("Client disconnected", "clients", n)
	}
}

// Broadcast queues message for every client subscribed to tenantID, or to
// all tenants.
func (h *Hub) Broadcast(tenantID string, message []byte) {
	var slow []*wsClient

	h.mu.RLock()
	for c := range h.clients {
		if c.tenant != "" && c.tenant != tenantID {
			continue
		}
		select {
		case c.send <- message:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn("Dropping slow client", "tenant", c.tenant)
		h.unregister(c)
	}
}

// Clients reports the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*wsClient]struct{})
	h.mu.Unlock()
	for c := range clients {
		c.close()
	}
}

// SaveToWebSocket rebroadcasts events to websocket clients. Clients may pass
// ?tenant= to receive a single tenant's events.
type SaveToWebSocket struct {
	config   WebSocketConfig
	logger   *slog.Logger
	hub      *Hub
	upgrader websocket.Upgrader

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

func NewSaveToWebSocket(config WebSocketConfig, logger *slog.Logger) (*SaveToWebSocket, error) {
	if config.Addr == "" {
		return nil, fmt.Errorf("missing environment WEBSOCKET_ADDR")
	}
	if config.Path == "" {
		config.Path = "/ws"
	}
	logger = loggerOrDefault(logger)
	return &SaveToWebSocket{
		config: config,
		logger: logger,
		hub:    NewHub(logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}, nil
}

func (w *SaveToWebSocket) Name() string { return NameWebSocket }

// Hub exposes the client registry.
func (w *SaveToWebSocket) Hub() *Hub { return w.hub }

// Handler serves websocket upgrades on the configured path.
func (w *SaveToWebSocket) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(w.config.Path, w.handleWebSocket)
	return mux
}

// Addr is the bound listen address once the server has started.
func (w *SaveToWebSocket) Addr() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.listener == nil {
		return ""
	}
	return w.listener.Addr().String()
}

func (w *SaveToWebSocket) Process(_ context.Context, events []types.Event) error {
	if err := w.ensureServer(); err != nil {
		return err
	}
	for _, event := range events {
		payload, err := encodeEvent(event)
		if err != nil {
			return err
		}
		w.hub.Broadcast(event.String("tenantId"), payload)
	}
	return nil
}

// Start binds the listener. Process starts it lazily when not called.
func (w *SaveToWebSocket) Start() error {
	return w.ensureServer()
}

func (w *SaveToWebSocket) ensureServer() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.server != nil {
		return nil
	}

	ln, err := net.Listen("tcp", w.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", w.config.Addr, err)
	}
	srv := &http.Server{Handler: w.Handler(), ReadHeaderTimeout: 10 * time.Second}
	w.server = srv
	w.listener = ln

	go func() {
		w.logger.Info("Starting WebSocket server", "addr", ln.Addr().String(), "path", w.config.Path)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			w.logger.Error("WebSocket server error", "error", err)
		}
	}()
	return nil
}

func (w *SaveToWebSocket) handleWebSocket(rw http.ResponseWriter, req *http.Request) {
	conn, err := w.upgrader.Upgrade(rw, req, nil)
	if err != nil {
		w.logger.Error("WebSocket upgrade error", "error", err)
		return
	}

	client := &wsClient{
		conn:   conn,
		send:   make(chan []byte, wsSendBuffer),
		tenant: req.URL.Query().Get("tenant"),
	}
	w.hub.register(client)

	go w.writePump(client)
	go w.readPump(client)
}

// readPump discards client input and detects closed connections.
func (w *SaveToWebSocket) readPump(c *wsClient) {
	defer func() {
		w.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (w *SaveToWebSocket) writePump(c *wsClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Reset is a no-op: the server has no upstream connection to recreate.
func (w *SaveToWebSocket) Reset() {}

func (w *SaveToWebSocket) Close() error {
	w.mu.Lock()
	srv := w.server
	w.server = nil
	w.listener = nil
	w.mu.Unlock()

	w.hub.closeAll()
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}
