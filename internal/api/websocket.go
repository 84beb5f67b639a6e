package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/mowaka/brokerd/internal/daemon"
)

const (
	// Time allowed to write an event to a subscriber.
	writeWait = 10 * time.Second

	// Per-subscriber buffered events; slow subscribers are dropped.
	sendBuffer = 256
)

// Event is one entry of the /events feed.
type Event struct {
	Type string `json:"type"`

	// For name_owner_changed.
	Name     string `json:"name,omitempty"`
	OldOwner string `json:"old_owner,omitempty"`
	NewOwner string `json:"new_owner,omitempty"`

	// For peer_connected / peer_disconnected.
	Peer *daemon.PeerInfo `json:"peer,omitempty"`
}

// wsHandler fans daemon events out to websocket subscribers. It implements
// daemon.Observer.
type wsHandler struct {
	mu    sync.Mutex
	conns map[*wsConn]struct{}
}

type wsConn struct {
	conn   *websocket.Conn
	send   chan []byte
	cancel context.CancelFunc
}

func newWSHandler() *wsHandler {
	return &wsHandler{conns: make(map[*wsConn]struct{})}
}

func (h *wsHandler) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Error("websocket accept failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &wsConn{
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		cancel: cancel,
	}

	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.conns, c)
		h.mu.Unlock()
		cancel()
		conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case data := <-c.send:
			wctx, wcancel := context.WithTimeout(ctx, writeWait)
			err := conn.Write(wctx, websocket.MessageText, data)
			wcancel()
			if err != nil {
				return
			}
		}
	}
}

func (h *wsHandler) broadcast(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.conns {
		select {
		case c.send <- data:
		default:
			// Subscriber cannot keep up; close the feed instead of
			// blocking the broker.
			c.cancel()
		}
	}
}

func (h *wsHandler) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.conns {
		c.cancel()
	}
}

func (h *wsHandler) OnPeerConnected(peer daemon.PeerInfo) {
	h.broadcast(Event{Type: "peer_connected", Peer: &peer})
}

func (h *wsHandler) OnPeerDisconnected(peer daemon.PeerInfo) {
	h.broadcast(Event{Type: "peer_disconnected", Peer: &peer})
}

func (h *wsHandler) OnNameOwnerChanged(name, oldOwner, newOwner string) {
	h.broadcast(Event{
		Type:     "name_owner_changed",
		Name:     name,
		OldOwner: oldOwner,
		NewOwner: newOwner,
	})
}
