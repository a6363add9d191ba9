// Package overlay serves the avatar and text overlays over WebSocket.
//
// Avatar clients connect to /ws and identify with {"type":"vrm_client"};
// they receive cue, status, speech and text events as JSON. Text overlay
// clients connect to /text and receive the current answer as plain text.
// Publishing never blocks: each client has a bounded queue and messages
// for a full queue are dropped.
package overlay

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hession/companion/internal/logger"
)

// Inbound message types
const (
	msgPing          = "ping"
	msgPong          = "pong"
	msgAvatarClient  = "vrm_client"
	msgClientAck     = "client_ack"
	msgPoseControl   = "pose_control"
	msgCameraControl = "camera_control"
	msgLightControl  = "light_control"
)

// Config configures the hub
type Config struct {
	QueueSize       int
	WriteTimeout    time.Duration
	PingInterval    time.Duration
	MaxMessageBytes int64
}

// DefaultConfig returns the default hub configuration
func DefaultConfig() Config {
	return Config{
		QueueSize:       64,
		WriteTimeout:    5 * time.Second,
		PingInterval:    20 * time.Second,
		MaxMessageBytes: 64 * 1024,
	}
}

type clientKind int

const (
	kindAvatar clientKind = iota
	kindText
)

type client struct {
	conn      *websocket.Conn
	kind      clientKind
	avatar    atomic.Bool
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// close signals the writer, which sends a close frame and closes the conn
func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// enqueue never blocks; it reports whether the message was queued
func (c *client) enqueue(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Hub fans events out to connected overlay clients
type Hub struct {
	cfg      Config
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool

	wg      sync.WaitGroup
	dropped atomic.Int64
}

// NewHub creates a hub
func NewHub(cfg Config) *Hub {
	def := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = def.MaxMessageBytes
	}
	return &Hub{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			// Overlays are loaded from local files and OBS browser sources
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// Handler returns the HTTP handler serving /ws and /text
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		h.serve(w, r, kindAvatar)
	})
	mux.HandleFunc("/text", func(w http.ResponseWriter, r *http.Request) {
		h.serve(w, r, kindText)
	})
	return mux
}

// Run listens on addr until ctx is done, then closes every client
func (h *Hub) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return h.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done
func (h *Hub) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           h.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	logger.Info("overlay: listening on %s", ln.Addr())

	select {
	case <-ctx.Done():
	case err := <-errCh:
		h.Close()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), h.cfg.WriteTimeout)
	defer cancel()
	// Hijacked WebSocket connections are not tracked by Shutdown
	h.Close()
	err := srv.Shutdown(shutdownCtx)
	if serveErr := <-errCh; !errors.Is(serveErr, http.ErrServerClosed) && err == nil {
		err = serveErr
	}
	return err
}

func (h *Hub) serve(w http.ResponseWriter, r *http.Request, kind clientKind) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("overlay: upgrade failed: %v", err)
		return
	}

	c := &client{
		conn: conn,
		kind: kind,
		send: make(chan []byte, h.cfg.QueueSize),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.wg.Add(2)
	h.mu.Unlock()

	logger.Info("overlay: client connected (%s, %s)", r.URL.Path, r.RemoteAddr)

	go h.writeLoop(c)
	go h.readLoop(c)
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.close()
}

func (h *Hub) writeLoop(c *client) {
	defer h.wg.Done()
	defer c.conn.Close()
	defer h.remove(c)

	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(h.cfg.WriteTimeout))
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				logger.Debug("overlay: write failed: %v", err)
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.cfg.WriteTimeout)); err != nil {
				logger.Debug("overlay: ping failed: %v", err)
				return
			}
		}
	}
}

type inbound struct {
	Type      string          `json:"type"`
	Client    json.RawMessage `json:"client,omitempty"`
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
}

type pong struct {
	Type      string          `json:"type"`
	Timestamp json.RawMessage `json:"timestamp"`
}

type clientAck struct {
	Type    string          `json:"type"`
	Client  json.RawMessage `json:"client"`
	Message string          `json:"message"`
}

func (h *Hub) readLoop(c *client) {
	defer h.wg.Done()
	defer h.remove(c)

	pongWait := 2 * h.cfg.PingInterval
	c.conn.SetReadLimit(h.cfg.MaxMessageBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("overlay: read failed: %v", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if c.kind == kindText {
			continue
		}
		h.handleMessage(c, data)
	}
}

func (h *Hub) handleMessage(c *client, data []byte) {
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		logger.Debug("overlay: invalid message: %v", err)
		return
	}

	switch msg.Type {
	case msgPing:
		h.reply(c, pong{Type: msgPong, Timestamp: msg.Timestamp})
	case msgAvatarClient:
		c.avatar.Store(true)
		id := msg.Client
		if id == nil {
			id = json.RawMessage("null")
		}
		h.reply(c, clientAck{Type: msgClientAck, Client: id, Message: "avatar client acknowledged"})
		logger.Info("overlay: avatar client registered")
	case msgPoseControl, msgCameraControl, msgLightControl:
		h.broadcast(data, func(c *client) bool { return c.avatar.Load() })
	default:
		logger.Debug("overlay: unknown message type %q", msg.Type)
	}
}

func (h *Hub) reply(c *client, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		logger.Error("overlay: failed to encode reply: %v", err)
		return
	}
	if !c.enqueue(data) {
		h.drop()
	}
}

// Publish sends an event to every avatar client
func (h *Hub) Publish(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		logger.Error("overlay: failed to encode event: %v", err)
		return
	}
	h.broadcast(data, func(c *client) bool { return c.avatar.Load() })
}

// PublishText sends the answer text to every text overlay client
func (h *Hub) PublishText(text string) {
	h.broadcast([]byte(text), func(c *client) bool { return c.kind == kindText })
}

func (h *Hub) broadcast(data []byte, match func(*client) bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if match(c) && !c.enqueue(data) {
			h.drop()
		}
	}
}

func (h *Hub) drop() {
	if n := h.dropped.Add(1); n == 1 || n%100 == 0 {
		logger.Warn("overlay: client queue full, %d messages dropped", n)
	}
}

// Dropped returns how many messages were dropped on full queues
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Clients returns the number of avatar and text clients
func (h *Hub) Clients() (avatars, texts int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		switch {
		case c.kind == kindText:
			texts++
		case c.avatar.Load():
			avatars++
		}
	}
	return avatars, texts
}

// Close disconnects every client and waits for their goroutines
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		h.wg.Wait()
		return
	}
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
	h.wg.Wait()
}
