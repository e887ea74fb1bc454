package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zde37/chordht/internal/chord"
	"github.com/zde37/chordht/pkg"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512

	// Size of the send buffer per client
	sendBufferSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

var _ chord.RingUpdateBroadcaster = (*WebSocketHub)(nil)

// subscriber is one websocket connection receiving ring events.
type subscriber struct {
	hub  *WebSocketHub
	conn *websocket.Conn
	send chan []byte
}

// WebSocketHub fans ring update events out to websocket subscribers.
type WebSocketHub struct {
	subscribers map[*subscriber]struct{}
	mu          sync.RWMutex

	events     chan []byte
	register   chan *subscriber
	unregister chan *subscriber
	shutdown   chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup

	logger *pkg.Logger
}

// NewWebSocketHub creates a hub. Call Start before serving connections.
func NewWebSocketHub(logger *pkg.Logger) *WebSocketHub {
	return &WebSocketHub{
		subscribers: make(map[*subscriber]struct{}),
		events:      make(chan []byte, 256),
		register:    make(chan *subscriber),
		unregister:  make(chan *subscriber),
		shutdown:    make(chan struct{}),
		logger:      logger.WithFields(pkg.Fields{"component": "ws_hub"}),
	}
}

// Start runs the hub loop in the background.
func (h *WebSocketHub) Start() {
	h.startOnce.Do(func() {
		h.wg.Add(1)
		go h.run()
	})
}

// Stop disconnects every subscriber and waits for their goroutines.
func (h *WebSocketHub) Stop() {
	h.stopOnce.Do(func() {
		close(h.shutdown)
	})
	h.wg.Wait()
}

// Subscribers returns the number of connected subscribers.
func (h *WebSocketHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

func (h *WebSocketHub) run() {
	defer h.wg.Done()

	for {
		select {
		case s := <-h.register:
			h.mu.Lock()
			h.subscribers[s] = struct{}{}
			total := len(h.subscribers)
			h.mu.Unlock()
			h.logger.Info().Int("total_clients", total).Msg("Client connected")

		case s := <-h.unregister:
			h.remove(s)

		case message := <-h.events:
			h.mu.RLock()
			var slow []*subscriber
			for s := range h.subscribers {
				select {
				case s.send <- message:
				default:
					slow = append(slow, s)
				}
			}
			h.mu.RUnlock()

			for _, s := range slow {
				h.logger.Warn().Msg("Client send buffer full, disconnecting slow client")
				h.remove(s)
			}

		case <-h.shutdown:
			h.mu.Lock()
			for s := range h.subscribers {
				close(s.send)
				delete(h.subscribers, s)
			}
			h.mu.Unlock()
			h.logger.Info().Msg("WebSocket hub stopped")
			return
		}
	}
}

// remove drops s and closes its send channel, which ends its write pump.
// Only the hub loop calls it.
func (h *WebSocketHub) remove(s *subscriber) {
	h.mu.Lock()
	if _, ok := h.subscribers[s]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.subscribers, s)
	close(s.send)
	total := len(h.subscribers)
	h.mu.Unlock()

	h.logger.Info().Int("total_clients", total).Msg("Client disconnected")
}

// HandleWebSocket upgrades the request and streams ring events to it.
func (h *WebSocketHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade to websocket")
		return
	}

	s := &subscriber{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
	}

	h.wg.Add(2)
	select {
	case h.register <- s:
	case <-h.shutdown:
		h.wg.Add(-2)
		conn.Close()
		return
	}

	go s.writePump()
	go s.readPump()
}

// BroadcastRingUpdate queues update for every subscriber, dropping it when
// the hub is backed up.
func (h *WebSocketHub) BroadcastRingUpdate(update any) error {
	data, err := json.Marshal(update)
	if err != nil {
		return err
	}

	select {
	case h.events <- data:
	default:
		h.logger.Warn().Msg("Broadcast channel full, dropping message")
	}
	return nil
}

// readPump discards client input and watches for the connection closing.
func (s *subscriber) readPump() {
	defer s.hub.wg.Done()
	defer func() {
		select {
		case s.hub.unregister <- s:
		case <-s.hub.shutdown:
		}
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.hub.logger.Debug().Err(err).Msg("WebSocket closed unexpectedly")
			}
			return
		}
	}
}

// writePump is the only writer on the connection.
func (s *subscriber) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
		s.hub.wg.Done()
	}()

	for {
		select {
		case message, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
