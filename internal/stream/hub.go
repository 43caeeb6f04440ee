package stream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"swap-engine/internal/trade"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

const (
	TypeState        = "state"
	TypeNotification = "notification"

	defaultBuffer       = 64
	defaultWriteTimeout = 5 * time.Second
)

// Message is the envelope written to every connected client.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type Options struct {
	PingInterval time.Duration
	WriteTimeout time.Duration
	Buffer       int
	// OriginPatterns is passed to websocket.Accept. Empty allows same-origin only.
	OriginPatterns []string
}

// Hub fans session events out to websocket clients. A client that falls
// behind by more than the buffer is disconnected.
type Hub struct {
	opts Options
	log  *zap.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
	latest  map[string][]byte
	order   []string
}

type client struct {
	send chan []byte
	once sync.Once
	done chan struct{}
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

func New(opts Options, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Buffer <= 0 {
		opts.Buffer = defaultBuffer
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	return &Hub{
		opts:    opts,
		log:     log,
		clients: make(map[*client]struct{}),
		latest:  make(map[string][]byte),
	}
}

func (h *Hub) OnWidgetStateChange(s trade.Snapshot) {
	msg, err := encode(TypeState, s)
	if err != nil {
		h.log.Warn("stream encode failed", zap.Error(err))
		return
	}
	h.mu.Lock()
	if _, ok := h.latest[s.SessionID]; !ok {
		h.order = append(h.order, s.SessionID)
	}
	h.latest[s.SessionID] = msg
	h.mu.Unlock()
	h.broadcast(msg)
}

func (h *Hub) OnNotification(n trade.Notification) {
	msg, err := encode(TypeNotification, n)
	if err != nil {
		h.log.Warn("stream encode failed", zap.Error(err))
		return
	}
	h.broadcast(msg)
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) broadcast(msg []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.log.Warn("stream client too slow, disconnecting")
			delete(h.clients, c)
			c.close()
		}
	}
}

// register adds a client and queues the latest state of every session.
func (h *Hub) register() *client {
	h.mu.Lock()
	defer h.mu.Unlock()
	c := &client{send: make(chan []byte, h.opts.Buffer+len(h.order)), done: make(chan struct{})}
	for _, id := range h.order {
		c.send <- h.latest[id]
	}
	h.clients[c] = struct{}{}
	return c
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.close()
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.opts.OriginPatterns})
	if err != nil {
		h.log.Debug("stream accept failed", zap.Error(err))
		return
	}
	c := h.register()
	defer h.unregister(c)

	// Clients only listen; CloseRead handles control frames and cancels
	// ctx once the peer goes away.
	ctx := conn.CloseRead(r.Context())
	err = h.writeLoop(ctx, conn, c)
	switch {
	case err == nil:
		_ = conn.Close(websocket.StatusNormalClosure, "")
	case errors.Is(err, errSlowClient):
		_ = conn.Close(websocket.StatusPolicyViolation, "client too slow")
	default:
		h.logWriteError(err)
		_ = conn.Close(websocket.StatusInternalError, "")
	}
}

var errSlowClient = errors.New("stream client too slow")

func (h *Hub) writeLoop(ctx context.Context, conn *websocket.Conn, c *client) error {
	var ping <-chan time.Time
	if h.opts.PingInterval > 0 {
		ticker := time.NewTicker(h.opts.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.done:
			return errSlowClient
		case msg := <-c.send:
			if err := h.write(ctx, conn, msg); err != nil {
				return err
			}
		case <-ping:
			pingCtx, cancel := context.WithTimeout(ctx, h.opts.WriteTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}

func (h *Hub) write(ctx context.Context, conn *websocket.Conn, msg []byte) error {
	ctx, cancel := context.WithTimeout(ctx, h.opts.WriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, msg)
}

func (h *Hub) logWriteError(err error) {
	if errors.Is(err, context.Canceled) || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		h.log.Debug("stream client closed", zap.Error(err))
		return
	}
	h.log.Warn("stream write failed", zap.Error(err))
}

func encode(kind string, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Message{Type: kind, Data: data})
}
