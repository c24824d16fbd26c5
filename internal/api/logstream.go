package api

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ernie/bloodmoon/internal/collector"
)

// initialLogLines is how much history a new log subscriber receives
const initialLogLines = 500

// LogMessage is the message format for log streaming
type LogMessage struct {
	Type    string   `json:"type"` // "initial", "lines", "error"
	Lines   []string `json:"lines,omitempty"`
	Message string   `json:"message,omitempty"`
}

// LogStreamClient represents a client subscribed to log streaming
type LogStreamClient struct {
	conn    *websocket.Conn
	send    chan []byte
	manager *LogStreamManager
}

// LogStreamManager streams the current run's main log to WebSocket clients.
// One follower runs while at least one client is subscribed.
type LogStreamManager struct {
	mu       sync.Mutex
	current  func() string
	follower *collector.LogFollower
	clients  map[*LogStreamClient]bool
}

// NewLogStreamManager creates a log stream manager over the file current returns
func NewLogStreamManager(current func() string) *LogStreamManager {
	return &LogStreamManager{
		current: current,
		clients: make(map[*LogStreamClient]bool),
	}
}

// Subscribe adds a client and returns the tail of the current log
func (m *LogStreamManager) Subscribe(client *LogStreamClient) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	lines, err := collector.ReadLastLines(m.current(), initialLogLines)
	if err != nil {
		log.Printf("Error reading initial log lines: %v", err)
		lines = []string{}
	}

	m.clients[client] = true
	if m.follower == nil {
		m.follower = collector.NewLogFollower(m.current)
		m.follower.Start()
		go m.forwardLines(m.follower)
	}

	log.Printf("Log stream client subscribed (%d total)", len(m.clients))
	return lines
}

// Unsubscribe removes a client, stopping the follower after the last one
func (m *LogStreamManager) Unsubscribe(client *LogStreamClient) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.clients[client] {
		return
	}
	delete(m.clients, client)
	log.Printf("Log stream client unsubscribed (%d remaining)", len(m.clients))

	if len(m.clients) == 0 && m.follower != nil {
		m.follower.Stop()
		m.follower = nil
	}
}

// Close stops the follower
func (m *LogStreamManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.follower != nil {
		m.follower.Stop()
		m.follower = nil
	}
}

// forwardLines forwards new log lines to all subscribed clients until the
// follower is replaced or stopped
func (m *LogStreamManager) forwardLines(f *collector.LogFollower) {
	for {
		select {
		case line := <-f.Lines:
			data, _ := json.Marshal(LogMessage{Type: "lines", Lines: []string{line}})

			m.mu.Lock()
			if m.follower != f {
				m.mu.Unlock()
				return
			}
			for client := range m.clients {
				select {
				case client.send <- data:
				default:
				}
			}
			m.mu.Unlock()

		case err := <-f.Errors:
			log.Printf("Log follower error: %v", err)

		case <-f.Done():
			return
		}
	}
}

// handleLogWebSocket streams the main log. Admin only; the token comes in
// the query since browsers can't set headers on the upgrade.
func (r *Router) handleLogWebSocket(w http.ResponseWriter, req *http.Request) {
	token := req.URL.Query().Get("token")
	if token == "" {
		writeError(w, http.StatusUnauthorized, "token required")
		return
	}

	claims, err := r.auth.ValidateToken(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}
	if !claims.IsAdmin {
		writeError(w, http.StatusForbidden, "admin access required")
		return
	}

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Printf("Log WebSocket upgrade error: %v", err)
		return
	}

	client := &LogStreamClient{
		conn:    conn,
		send:    make(chan []byte, 256),
		manager: r.logStream,
	}

	initial := r.logStream.Subscribe(client)
	data, _ := json.Marshal(LogMessage{Type: "initial", Lines: initial})
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		r.logStream.Unsubscribe(client)
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump reads messages from the WebSocket (handles close)
func (c *LogStreamClient) readPump() {
	defer func() {
		c.manager.Unsubscribe(c)
		close(c.send)
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNoStatusReceived) {
				log.Printf("Log WebSocket error: %v", err)
			}
			return
		}
	}
}

// writePump sends messages to the WebSocket
func (c *LogStreamClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
