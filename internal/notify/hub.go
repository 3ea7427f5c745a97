// Package notify pushes settlement events to connected users.
package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 64
)

// Event types.
const (
	EventPaymentVerified = "payment_verified"
	EventItemSold        = "item_sold"
	EventClaimCompleted  = "claim_completed"
)

type Event struct {
	Type       string         `json:"type"`
	PaymentID  string         `json:"paymentId,omitempty"`
	ClaimID    string         `json:"claimId,omitempty"`
	SubjectRef string         `json:"subjectRef,omitempty"`
	Currency   string         `json:"currency,omitempty"`
	Amount     string         `json:"amount,omitempty"`
	TxHash     string         `json:"txHash,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	At         time.Time      `json:"at"`
}

// Sink receives events for a user. Implementations must not block.
type Sink interface {
	Notify(ctx context.Context, userID string, ev Event)
}

// Noop drops every event.
type Noop struct{}

func (Noop) Notify(context.Context, string, Event) {}

type client struct {
	userID string
	send   chan []byte
	once   sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// Hub tracks websocket connections per user and fans events out to them.
// A slow client drops events rather than blocking the sender.
type Hub struct {
	Log *zap.Logger

	mu     sync.RWMutex
	byUser map[string]map[*client]struct{}

	upgrader websocket.Upgrader
}

var _ Sink = (*Hub)(nil)

func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		Log:    log,
		byUser: map[string]map[*client]struct{}{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (h *Hub) Notify(_ context.Context, userID string, ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		h.Log.Error("encode event", zap.String("type", ev.Type), zap.Error(err))
		return
	}
	// The read lock stays held across the sends: unregister closes a
	// client's channel under the write lock, so no send can race the close.
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.byUser[userID] {
		select {
		case c.send <- data:
		default:
			h.Log.Warn("drop event for slow client", zap.String("user", userID), zap.String("type", ev.Type))
		}
	}
}

// Connections returns the number of open connections for userID.
func (h *Hub) Connections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byUser[userID])
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.byUser[c.userID] == nil {
		h.byUser[c.userID] = map[*client]struct{}{}
	}
	h.byUser[c.userID][c] = struct{}{}
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if m := h.byUser[c.userID]; m != nil {
		delete(m, c)
		if len(m) == 0 {
			delete(h.byUser, c.userID)
		}
	}
	c.close()
}

// Serve upgrades the request and streams events for userID until the peer
// goes away.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, userID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &client{userID: userID, send: make(chan []byte, sendBuffer)}
	h.register(c)

	go h.writePump(c, conn)
	h.readPump(c, conn)
}

func (h *Hub) readPump(c *client, conn *websocket.Conn) {
	defer func() {
		h.unregister(c)
		conn.Close()
	}()
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
