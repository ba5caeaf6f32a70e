package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dmitrijs2005/fieldcap/internal/logging"
	"github.com/dmitrijs2005/fieldcap/internal/server/metrics"
)

const (
	defaultBuffer       = 64
	defaultPingInterval = 30 * time.Second
	writeWait           = 10 * time.Second
)

var ErrHubClosed = errors.New("notification hub closed")

type subscriber struct {
	deviceID string
	send     chan []byte
	done     chan struct{}
	once     sync.Once
}

func (s *subscriber) stop() { s.once.Do(func() { close(s.done) }) }

// Hub fans notifications out to websocket subscribers. A subscriber with an
// empty device id receives every notification. Sends never block: a
// subscriber whose buffer is full misses the message.
type Hub struct {
	mu     sync.RWMutex
	subs   map[*subscriber]struct{}
	closed bool

	upgrader     websocket.Upgrader
	buffer       int
	pingInterval time.Duration
	logger       logging.Logger
	metrics      *metrics.Metrics
}

func NewHub(l logging.Logger, m *metrics.Metrics) *Hub {
	if l == nil {
		l = logging.Nop{}
	}
	return &Hub{
		subs: make(map[*subscriber]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Origins are already filtered by the CORS middleware.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		buffer:       defaultBuffer,
		pingInterval: defaultPingInterval,
		logger:       l.With("module", "notify"),
		metrics:      m,
	}
}

// WithBuffer sets the per-subscriber queue length.
func (h *Hub) WithBuffer(n int) *Hub {
	if n > 0 {
		h.buffer = n
	}
	return h
}

// WithPingInterval sets the keepalive period.
func (h *Hub) WithPingInterval(d time.Duration) *Hub {
	if d > 0 {
		h.pingInterval = d
	}
	return h
}

// Notify implements Notifier.
func (h *Hub) Notify(_ context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return ErrHubClosed
	}
	for s := range h.subs {
		if s.deviceID != "" && s.deviceID != n.DeviceID {
			continue
		}
		select {
		case s.send <- body:
		default:
			h.metrics.NotificationDropped()
		}
	}
	return nil
}

// Subscribe registers a listener and returns its queue plus a cancel func.
func (h *Hub) Subscribe(deviceID string) (<-chan []byte, func(), error) {
	s, err := h.add(deviceID)
	if err != nil {
		return nil, nil, err
	}
	return s.send, func() { h.remove(s) }, nil
}

// Subscribers returns the number of live subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close disconnects every subscriber and rejects further notifications.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for s := range h.subs {
		s.stop()
		delete(h.subs, s)
	}
}

// ServeWS upgrades the request and streams notifications for deviceID until
// the peer goes away, ctx ends or the hub closes.
func (h *Hub) ServeWS(ctx context.Context, w http.ResponseWriter, r *http.Request, deviceID string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("websocket upgrade: %w", err)
	}
	defer conn.Close()

	s, err := h.add(deviceID)
	if err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeWait))
		return err
	}
	defer h.remove(s)

	h.logger.Debug(ctx, "subscriber connected", "device_id", deviceID)
	go h.readPump(conn, s)
	h.writePump(ctx, conn, s)
	h.logger.Debug(ctx, "subscriber disconnected", "device_id", deviceID)
	return nil
}

// readPump drains client frames so control messages are processed and
// stops the subscriber once the connection fails.
func (h *Hub) readPump(conn *websocket.Conn, s *subscriber) {
	defer s.stop()
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(2 * h.pingInterval))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(2 * h.pingInterval))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug(context.Background(), "subscriber read failed", "device_id", s.deviceID, "error", err)
			}
			return
		}
	}
}

func (h *Hub) writePump(ctx context.Context, conn *websocket.Conn, s *subscriber) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeConn(conn)
			return
		case <-s.done:
			h.closeConn(conn)
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case body := <-s.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, body); err != nil {
				h.logger.Debug(ctx, "subscriber write failed", "device_id", s.deviceID, "error", err)
				return
			}
		}
	}
}

func (h *Hub) closeConn(conn *websocket.Conn) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
}

func (h *Hub) add(deviceID string) (*subscriber, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}
	s := &subscriber{
		deviceID: deviceID,
		send:     make(chan []byte, h.buffer),
		done:     make(chan struct{}),
	}
	h.subs[s] = struct{}{}
	return s, nil
}

func (h *Hub) remove(s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s.stop()
	delete(h.subs, s)
}
