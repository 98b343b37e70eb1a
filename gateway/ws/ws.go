// Package ws exposes the dashboard's WebSocket endpoint. Each accepted
// connection is registered for broadcast fan-out, receives the current
// entity snapshot plus a connection acknowledgment, and is removed as
// soon as its read loop observes an error.
package ws

import (
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c360/threatdeck/entity"
	"github.com/c360/threatdeck/registry"
)

const (
	writeTimeout = 10 * time.Second
	readTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
)

// Client wraps a single WebSocket connection. It satisfies
// registry.Conn so the broadcast registry can fan out to it.
type Client struct {
	conn   *websocket.Conn
	closed atomic.Bool
	// The gorilla/websocket library panics on concurrent writes
	writeMu   sync.Mutex
	closeOnce sync.Once
}

// Open reports whether the connection is still usable.
func (c *Client) Open() bool {
	return !c.closed.Load()
}

// Send writes data as a single text frame. Safe for concurrent use.
func (c *Client) Send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		_ = c.conn.Close()
	})
}

// Endpoint upgrades HTTP requests to WebSocket connections and manages
// client lifecycle against the manager and broadcast registry.
type Endpoint struct {
	manager  *entity.Manager
	registry *registry.Registry
	upgrader websocket.Upgrader
	logger   *slog.Logger

	shutdown  chan struct{}
	wg        sync.WaitGroup
	once      sync.Once
	closeOnce sync.Once
}

// Option configures an Endpoint.
type Option func(*Endpoint)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Endpoint) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithAllowedOrigins restricts the origins accepted during upgrade.
// An empty list or a "*" entry allows any origin.
func WithAllowedOrigins(origins []string) Option {
	return func(e *Endpoint) {
		if len(origins) == 0 {
			return
		}
		allowed := make(map[string]struct{}, len(origins))
		any := false
		for _, o := range origins {
			if o == "*" {
				any = true
			}
			allowed[o] = struct{}{}
		}
		if any {
			return
		}
		e.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			_, ok := allowed[origin]
			return ok
		}
	}
}

// NewEndpoint creates a WebSocket endpoint bound to the given manager
// and broadcast registry.
func NewEndpoint(manager *entity.Manager, reg *registry.Registry, options ...Option) *Endpoint {
	e := &Endpoint{
		manager:  manager,
		registry: reg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(_ *http.Request) bool {
				return true
			},
		},
		logger:   slog.Default(),
		shutdown: make(chan struct{}),
	}

	for _, opt := range options {
		opt(e)
	}

	return e
}

// ServeHTTP upgrades the request and runs the connection lifecycle:
// register, send snapshot, acknowledge, then read until error.
func (e *Endpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote an HTTP error response
		e.logger.Warn("websocket upgrade failed",
			"remote", r.RemoteAddr,
			"error", err)
		return
	}

	client := &Client{conn: conn}
	e.registry.Add(client)

	if err := e.manager.SendSnapshot(client); err != nil {
		e.logger.Warn("snapshot send failed",
			"remote", r.RemoteAddr,
			"error", err)
		e.removeClient(client)
		return
	}
	if err := e.manager.SendConnectionAck(client); err != nil {
		e.logger.Warn("connection ack failed",
			"remote", r.RemoteAddr,
			"error", err)
		e.removeClient(client)
		return
	}

	e.logger.Info("websocket client connected",
		"remote", r.RemoteAddr,
		"clients", e.registry.Count())

	e.wg.Add(1)
	go e.readLoop(client, r.RemoteAddr)

	e.once.Do(func() {
		e.wg.Add(1)
		go e.maintainClients()
	})
}

// readLoop drains inbound frames so control messages are processed and
// connection loss is detected promptly. Payloads are ignored.
func (e *Endpoint) readLoop(client *Client, remote string) {
	defer e.wg.Done()
	defer e.removeClient(client)

	client.conn.SetPongHandler(func(string) error {
		_ = client.conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		select {
		case <-e.shutdown:
			return
		default:
		}

		_ = client.conn.SetReadDeadline(time.Now().Add(readTimeout))
		if _, _, err := client.conn.ReadMessage(); err != nil {
			e.logger.Info("websocket client disconnected",
				"remote", remote,
				"error", err)
			return
		}
	}
}

// maintainClients pings registered clients so dead connections get
// reaped even when no broadcasts are flowing.
func (e *Endpoint) maintainClients() {
	defer e.wg.Done()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.shutdown:
			return
		case <-ticker.C:
			e.pingClients()
		}
	}
}

func (e *Endpoint) pingClients() {
	for _, conn := range e.registry.List() {
		client, ok := conn.(*Client)
		if !ok || !client.Open() {
			continue
		}

		client.writeMu.Lock()
		_ = client.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		err := client.conn.WriteMessage(websocket.PingMessage, nil)
		client.writeMu.Unlock()

		if err != nil {
			e.removeClient(client)
		}
	}
}

func (e *Endpoint) removeClient(client *Client) {
	client.close()
	e.registry.Remove(client)
}

// Close stops the maintenance loop and closes every registered
// connection.
func (e *Endpoint) Close() {
	e.closeOnce.Do(func() {
		close(e.shutdown)
	})

	for _, conn := range e.registry.List() {
		if client, ok := conn.(*Client); ok {
			e.removeClient(client)
		}
	}

	e.wg.Wait()
}
