// Package gateway bridges WebSocket clients onto room channels. The
// gateway does not referee anything. It forwards channel events to the
// browser and publishes the browser's envelopes back, so a web client and
// a headless client see the exact same room traffic.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/anzanlive/duel/internal/duel"
	"github.com/anzanlive/duel/internal/duel/channel"
)

// ConnectionConfig holds configuration for WebSocket connections
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

// DefaultConnectionConfig returns default WebSocket configuration
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  4096,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			// Allow all origins in development - restrict in production
			return true
		},
	}
}

// Manager owns every live WebSocket connection, pooled by room code.
type Manager struct {
	channel channel.Channel

	roomConnections map[string]map[*Connection]bool
	mu              sync.RWMutex

	upgrader websocket.Upgrader
	config   ConnectionConfig
}

// Connection represents a WebSocket connection to a client
type Connection struct {
	ID            string
	ParticipantID string
	RoomCode      string
	Conn          *websocket.Conn
	Send          chan []byte
	Manager       *Manager

	session   channel.Session
	leaveOnce sync.Once

	ConnectedAt time.Time
	LastPing    time.Time
}

// ServerFrame is one event pushed down the WebSocket.
type ServerFrame struct {
	Presence *channel.PresenceEvent `json:"presence,omitempty"`
	Message  *duel.Message          `json:"message,omitempty"`
}

// ClientFrame is one command read from the WebSocket. Publish carries a
// room envelope; Presence updates the member's own presence payload.
type ClientFrame struct {
	Publish  *duel.Message   `json:"publish,omitempty"`
	Presence *channel.Member `json:"presence,omitempty"`
}

// NewManager creates a WebSocket connection manager on top of a room
// channel.
func NewManager(ch channel.Channel, config ConnectionConfig) *Manager {
	return &Manager{
		channel:         ch,
		roomConnections: make(map[string]map[*Connection]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config: config,
	}
}

// UpgradeConnection joins the room channel as the given member, then
// upgrades the HTTP connection to WebSocket and starts its pumps. Join
// happens first so a full room or duplicate participant stays an HTTP
// error instead of an immediate close frame.
func (m *Manager) UpgradeConnection(w http.ResponseWriter, r *http.Request, roomCode string, self channel.Member) error {
	session, err := m.channel.Join(r.Context(), roomCode, self)
	if err != nil {
		return fmt.Errorf("failed to join room %s: %w", roomCode, err)
	}

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		session.Leave(context.Background())
		log.Error().Err(err).Msg("failed to upgrade WebSocket connection")
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}

	connection := &Connection{
		ID:            uuid.New().String(),
		ParticipantID: self.ParticipantID,
		RoomCode:      roomCode,
		Conn:          conn,
		Send:          make(chan []byte, 256),
		Manager:       m,
		session:       session,
		ConnectedAt:   time.Now(),
		LastPing:      time.Now(),
	}

	m.registerConnection(connection)

	go connection.writePump()
	go connection.readPump()
	go connection.forwardEvents()

	log.Info().
		Str("connection_id", connection.ID).
		Str("participant_id", self.ParticipantID).
		Str("room_code", roomCode).
		Msg("WebSocket connection established")

	return nil
}

// registerConnection adds a connection to the manager
func (m *Manager) registerConnection(conn *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.roomConnections[conn.RoomCode] == nil {
		m.roomConnections[conn.RoomCode] = make(map[*Connection]bool)
	}
	m.roomConnections[conn.RoomCode][conn] = true

	log.Debug().
		Str("connection_id", conn.ID).
		Str("room_code", conn.RoomCode).
		Int("total_connections", len(m.roomConnections[conn.RoomCode])).
		Msg("connection registered")
}

// unregisterConnection removes a connection from the manager and leaves
// the room channel.
func (m *Manager) unregisterConnection(conn *Connection) {
	m.mu.Lock()
	if connections, exists := m.roomConnections[conn.RoomCode]; exists {
		if _, exists := connections[conn]; exists {
			delete(connections, conn)
			close(conn.Send)

			if len(connections) == 0 {
				delete(m.roomConnections, conn.RoomCode)
			}

			log.Info().
				Str("connection_id", conn.ID).
				Str("participant_id", conn.ParticipantID).
				Str("room_code", conn.RoomCode).
				Msg("connection unregistered")
		}
	}
	m.mu.Unlock()

	conn.leaveOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := conn.session.Leave(ctx); err != nil {
			log.Warn().Err(err).Str("connection_id", conn.ID).Msg("failed to leave room channel")
		}
	})
}

// GetConnectionStats returns statistics about active connections
func (m *Manager) GetConnectionStats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	totalConnections := 0
	roomCounts := make(map[string]int)

	for roomCode, connections := range m.roomConnections {
		count := len(connections)
		totalConnections += count
		roomCounts[roomCode] = count
	}

	return map[string]interface{}{
		"total_connections": totalConnections,
		"active_rooms":      len(m.roomConnections),
		"room_connections":  roomCounts,
	}
}

// forwardEvents pumps room channel events down the WebSocket. It ends
// when the session's event channel closes, which also tears the
// connection down.
func (c *Connection) forwardEvents() {
	defer func() {
		c.Manager.unregisterConnection(c)
		c.Conn.Close()
	}()

	for ev := range c.session.Events() {
		frame := ServerFrame{Presence: ev.Presence, Message: ev.Message}
		data, err := json.Marshal(frame)
		if err != nil {
			log.Error().Err(err).Str("connection_id", c.ID).Msg("failed to marshal server frame")
			continue
		}

		select {
		case c.Send <- data:
		default:
			// Connection is slow/dead, close it
			log.Warn().
				Str("connection_id", c.ID).
				Str("participant_id", c.ParticipantID).
				Msg("connection send buffer full, closing connection")
			return
		}
	}
}

// writePump handles sending messages to the WebSocket connection
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.Manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
		c.Manager.unregisterConnection(c)
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if !ok {
				// Channel was closed
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to write message to WebSocket")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to send ping")
				return
			}
			c.LastPing = time.Now()
		}
	}
}

// readPump handles reading messages from the WebSocket connection
func (c *Connection) readPump() {
	defer func() {
		c.Manager.unregisterConnection(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.Manager.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
		c.LastPing = time.Now()
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("unexpected WebSocket close error")
			}
			break
		}

		c.handleClientFrame(message)
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	}
}

// handleClientFrame processes one command received from the client. The
// room code and sender identity are always overwritten with the values
// the connection authenticated with, so a client cannot publish into
// another room or as another participant.
func (c *Connection) handleClientFrame(data []byte) {
	var frame ClientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		log.Warn().
			Err(err).
			Str("connection_id", c.ID).
			Msg("undecodable client frame, dropping")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	switch {
	case frame.Publish != nil:
		msg := *frame.Publish
		msg.RoomCode = c.RoomCode
		msg.SenderID = c.ParticipantID
		if msg.ID == "" {
			msg.ID = uuid.New().String()
		}
		if err := c.session.Publish(ctx, msg); err != nil {
			log.Error().
				Err(err).
				Str("connection_id", c.ID).
				Str("type", string(msg.Type)).
				Msg("failed to publish client envelope")
		}

	case frame.Presence != nil:
		member := *frame.Presence
		member.ParticipantID = c.ParticipantID
		if err := c.session.UpdatePresence(ctx, member); err != nil {
			log.Error().
				Err(err).
				Str("connection_id", c.ID).
				Msg("failed to update presence")
		}

	default:
		log.Debug().
			Str("connection_id", c.ID).
			RawJSON("frame", data).
			Msg("client frame with no command")
	}
}
