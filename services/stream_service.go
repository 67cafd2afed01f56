package services

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"market_data_service/logging"
)

// WebSocket hub configuration
const (
	MaxWebSocketClients   = 100
	WebSocketWriteTimeout = 10 * time.Second
	WebSocketPongTimeout  = 60 * time.Second
	WebSocketPingInterval = 30 * time.Second
)

// PriceUpdate is the message broadcast for every observed price.
type PriceUpdate struct {
	Type      string  `json:"type"`
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	Timestamp string  `json:"timestamp"`
}

// streamMessage pairs an encoded frame with the symbol it concerns so the
// hub can apply per-client subscriptions.
type streamMessage struct {
	symbol string
	data   []byte
}

// StreamClient represents one WebSocket subscriber.
type StreamClient struct {
	conn       *websocket.Conn
	send       chan []byte
	subscribed map[string]bool
	mu         sync.RWMutex
}

// wants reports whether the client should receive updates for the symbol.
// A client with no subscriptions receives everything.
func (c *StreamClient) wants(symbol string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.subscribed) == 0 {
		return true
	}
	return c.subscribed[symbol]
}

// StreamService is the WebSocket hub streaming price updates to connected
// clients.
type StreamService struct {
	clients    map[*StreamClient]bool
	broadcast  chan streamMessage
	register   chan *StreamClient
	unregister chan *StreamClient
	shutdown   chan struct{}
	once       sync.Once
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
	log        zerolog.Logger
}

// NewStreamService creates the hub and starts its dispatch loop.
func NewStreamService() *StreamService {
	s := &StreamService{
		clients:    make(map[*StreamClient]bool),
		broadcast:  make(chan streamMessage, 256),
		register:   make(chan *StreamClient),
		unregister: make(chan *StreamClient),
		shutdown:   make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		log: logging.Component("stream"),
	}
	go s.run()
	return s
}

// Shutdown stops the hub and closes every client connection. Safe to call
// more than once.
func (s *StreamService) Shutdown() {
	s.once.Do(func() {
		close(s.shutdown)

		s.mu.Lock()
		for client := range s.clients {
			close(client.send)
			client.conn.Close()
		}
		s.clients = make(map[*StreamClient]bool)
		s.mu.Unlock()

		s.log.Info().Msg("Price stream hub shut down")
	})
}

// run dispatches register/unregister/broadcast events.
func (s *StreamService) run() {
	for {
		select {
		case <-s.shutdown:
			return

		case client := <-s.register:
			s.mu.Lock()
			if len(s.clients) >= MaxWebSocketClients {
				s.mu.Unlock()
				client.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "Server at capacity"))
				client.conn.Close()
				s.log.Warn().Int("max_clients", MaxWebSocketClients).Msg("WebSocket client rejected: max clients reached")
				continue
			}
			s.clients[client] = true
			clientCount := len(s.clients)
			s.mu.Unlock()
			s.log.Info().Int("clients", clientCount).Msg("WebSocket client connected")

		case client := <-s.unregister:
			s.mu.Lock()
			if _, ok := s.clients[client]; ok {
				delete(s.clients, client)
				close(client.send)
			}
			clientCount := len(s.clients)
			s.mu.Unlock()
			s.log.Info().Int("clients", clientCount).Msg("WebSocket client disconnected")

		case message := <-s.broadcast:
			s.mu.Lock()
			deadClients := make([]*StreamClient, 0)
			for client := range s.clients {
				if !client.wants(message.symbol) {
					continue
				}
				select {
				case client.send <- message.data:
				default:
					// Client buffer full, mark for removal
					deadClients = append(deadClients, client)
				}
			}
			for _, client := range deadClients {
				delete(s.clients, client)
				close(client.send)
			}
			s.mu.Unlock()
		}
	}
}

// BroadcastPrice sends a price update to every subscribed client.
func (s *StreamService) BroadcastPrice(symbol string, price float64, ts time.Time) {
	data, err := json.Marshal(PriceUpdate{
		Type:      "price_update",
		Symbol:    symbol,
		Price:     price,
		Timestamp: ts.Format(time.RFC3339),
	})
	if err != nil {
		return
	}

	select {
	case <-s.shutdown:
	case s.broadcast <- streamMessage{symbol: symbol, data: data}:
	}
}

// HandleWebSocket upgrades the request and registers the client with the hub.
func (s *StreamService) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	atCapacity := len(s.clients) >= MaxWebSocketClients
	s.mu.RUnlock()

	if atCapacity {
		http.Error(w, "Server at capacity", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("WebSocket upgrade error")
		return
	}

	client := &StreamClient{
		conn:       conn,
		send:       make(chan []byte, 256),
		subscribed: make(map[string]bool),
	}

	select {
	case s.register <- client:
	case <-s.shutdown:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump(s)
}

// GetClientCount returns the number of connected clients.
func (s *StreamService) GetClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// writePump writes messages to the WebSocket connection
func (c *StreamClient) writePump() {
	ticker := time.NewTicker(WebSocketPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(WebSocketWriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(WebSocketWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump reads subscribe/unsubscribe commands from the connection
func (c *StreamClient) readPump(s *StreamService) {
	defer func() {
		select {
		case s.unregister <- c:
		case <-s.shutdown:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(WebSocketPongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(WebSocketPongTimeout))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.log.Warn().Err(err).Msg("WebSocket read error")
			}
			break
		}

		var cmd struct {
			Action  string   `json:"action"`
			Symbols []string `json:"symbols"`
		}
		if err := json.Unmarshal(message, &cmd); err != nil {
			continue
		}

		switch cmd.Action {
		case "subscribe":
			c.mu.Lock()
			for _, symbol := range cmd.Symbols {
				c.subscribed[symbol] = true
			}
			c.mu.Unlock()
		case "unsubscribe":
			c.mu.Lock()
			for _, symbol := range cmd.Symbols {
				delete(c.subscribed, symbol)
			}
			c.mu.Unlock()
		}
	}
}
