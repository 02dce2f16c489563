// Package live pushes freshly stored snapshots to websocket subscribers.
package live

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vesaa/talonscope/internal/ingest"
	"github.com/vesaa/talonscope/internal/models"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 16
)

// Message is the frame sent to subscribers.
type Message struct {
	Type     string                 `json:"type"`
	Server   string                 `json:"server"`
	Snapshot *models.MetricSnapshot `json:"snapshot"`
}

type subscriber struct {
	conn   *websocket.Conn
	filter string
	send   chan []byte
}

// Hub fans snapshots out to connected websocket clients. A client may
// subscribe to one server slug or, with no filter, to all of them. Slow
// clients drop frames instead of stalling ingest.
type Hub struct {
	upgrader websocket.Upgrader
	log      *slog.Logger

	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

// NewHub returns an empty hub.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log:  log.With("component", "live"),
		subs: make(map[*subscriber]struct{}),
	}
}

// Observe implements ingest.Observer.
func (h *Hub) Observe(o ingest.Outcome) {
	if o.Snapshot == nil || o.Server == nil {
		return
	}
	h.Publish(o.Server.Slug, o.Snapshot)
}

// Publish sends snap to every subscriber whose filter matches slug.
func (h *Hub) Publish(slug string, snap *models.MetricSnapshot) {
	data, err := json.Marshal(Message{Type: "snapshot", Server: slug, Snapshot: snap})
	if err != nil {
		h.log.Warn("encode snapshot frame", "err", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		if s.filter != "" && s.filter != slug {
			continue
		}
		select {
		case s.send <- data:
		default:
			h.log.Debug("dropping frame for slow subscriber", "server", slug)
		}
	}
}

// Subscribers reports the number of connected clients.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// ServeHTTP upgrades the request and streams until the client goes away.
// The optional "server" query parameter restricts frames to one slug.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("ws upgrade", "err", err)
		return
	}
	s := &subscriber{conn: conn, filter: r.URL.Query().Get("server"), send: make(chan []byte, sendBuffer)}
	h.add(s)

	done := make(chan struct{})
	go h.writeLoop(s, done)
	h.readLoop(s)
	close(done)
	h.remove(s)
}

// readLoop discards client frames and returns when the connection fails.
func (h *Hub) readLoop(s *subscriber) {
	s.conn.SetReadLimit(4096)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(s *subscriber, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()
	for {
		select {
		case data := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (h *Hub) add(s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs[s] = struct{}{}
}

func (h *Hub) remove(s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, s)
}
