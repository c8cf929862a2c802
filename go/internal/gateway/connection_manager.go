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
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// ConnectionManager fans room events out to the viewers watching each room
type ConnectionManager struct {
	mu    sync.RWMutex
	rooms map[uuid.UUID]*roomViewers

	upgrader websocket.Upgrader
	config   ConnectionConfig

	broadcastCh chan BroadcastMessage
}

// roomViewers holds the open sockets of one room and the newest anchor
// version broadcast to it. Late joiners get that version on connect so they
// can tell whether the snapshot they fetched is already stale.
type roomViewers struct {
	viewers map[*viewer]struct{}
	version int64
}

// viewer is one open room WebSocket
type viewer struct {
	id          string
	userID      string
	roomID      uuid.UUID
	conn        *websocket.Conn
	send        chan []byte
	manager     *ConnectionManager
	connectedAt time.Time
}

// ConnectionConfig holds configuration for WebSocket connections
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	SendBufferSize  int
	CheckOrigin     func(r *http.Request) bool
	Clock           clockwork.Clock
}

// BroadcastMessage is an event for one room, or for every room when
// RoomID is uuid.Nil.
type BroadcastMessage struct {
	RoomID uuid.UUID
	Event  *RoomEvent
}

// ClientMessageType names a request a viewer may send over its socket.
type ClientMessageType string

const (
	// ClientRefresh asks for a Resync event on this socket only, for example
	// after a browser tab wakes up and may have missed events.
	ClientRefresh ClientMessageType = "refresh"
	// ClientTime asks for the server time so the viewer can estimate its
	// clock offset before computing turns locally.
	ClientTime ClientMessageType = "time"
)

// ClientMessage is what viewers send. Anything else is ignored.
type ClientMessage struct {
	Type ClientMessageType `json:"type"`
}

// DefaultConnectionConfig returns default WebSocket configuration
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  512,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		SendBufferSize:  64,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

// NewConnectionManager creates a new WebSocket connection manager
func NewConnectionManager(config ConnectionConfig) *ConnectionManager {
	if config.Clock == nil {
		config.Clock = clockwork.NewRealClock()
	}
	if config.SendBufferSize <= 0 {
		config.SendBufferSize = 64
	}
	return &ConnectionManager{
		rooms: make(map[uuid.UUID]*roomViewers),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		broadcastCh: make(chan BroadcastMessage, 1000),
	}
}

// Start delivers broadcast events until ctx is done, then closes every socket
func (cm *ConnectionManager) Start(ctx context.Context) {
	log.Info().Msg("connection manager started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("connection manager shutting down")
			cm.closeAll()
			return
		case message := <-cm.broadcastCh:
			cm.deliver(message)
		}
	}
}

// Serve upgrades the request and serves the viewer until the socket closes.
// The viewer first receives a Connected event with the server time and the
// newest anchor version known for the room.
func (cm *ConnectionManager) Serve(w http.ResponseWriter, r *http.Request, userID string, roomID uuid.UUID) error {
	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}

	v := &viewer{
		id:          uuid.New().String(),
		userID:      userID,
		roomID:      roomID,
		conn:        conn,
		send:        make(chan []byte, cm.config.SendBufferSize),
		manager:     cm,
		connectedAt: cm.config.Clock.Now(),
	}
	viewers := cm.join(v)

	log.Info().
		Str("connection_id", v.id).
		Str("user_id", userID).
		Str("room_id", roomID.String()).
		Int("viewers", viewers).
		Msg("viewer connected")

	go v.writeLoop()
	v.readLoop()
	return nil
}

// join registers v and queues its Connected event ahead of any broadcast.
func (cm *ConnectionManager) join(v *viewer) int {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	room := cm.rooms[v.roomID]
	if room == nil {
		room = &roomViewers{viewers: make(map[*viewer]struct{})}
		cm.rooms[v.roomID] = room
	}
	room.viewers[v] = struct{}{}

	welcome, err := json.Marshal(newConnectedEvent(v, room.version, len(room.viewers)))
	if err != nil {
		log.Error().Err(err).Str("connection_id", v.id).Msg("failed to marshal connected event")
	} else {
		v.send <- welcome
	}
	return len(room.viewers)
}

// leave unregisters v and closes its send channel. It is safe to call more
// than once.
func (cm *ConnectionManager) leave(v *viewer) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.removeLocked(v)
}

func (cm *ConnectionManager) removeLocked(v *viewer) {
	room := cm.rooms[v.roomID]
	if room == nil {
		return
	}
	if _, ok := room.viewers[v]; !ok {
		return
	}
	delete(room.viewers, v)
	close(v.send)
	if len(room.viewers) == 0 {
		delete(cm.rooms, v.roomID)
	}

	log.Info().
		Str("connection_id", v.id).
		Str("user_id", v.userID).
		Str("room_id", v.roomID.String()).
		Dur("connected_for", cm.config.Clock.Since(v.connectedAt)).
		Msg("viewer disconnected")
}

func (cm *ConnectionManager) closeAll() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	for _, room := range cm.rooms {
		for v := range room.viewers {
			cm.removeLocked(v)
		}
	}
}

// BroadcastToRoom queues an event for every viewer of a room
func (cm *ConnectionManager) BroadcastToRoom(roomID uuid.UUID, event *RoomEvent) {
	select {
	case cm.broadcastCh <- BroadcastMessage{RoomID: roomID, Event: event}:
	default:
		log.Warn().Str("room_id", roomID.String()).Msg("broadcast channel full, dropping message")
	}
}

// BroadcastToAll queues an event for every viewer of every room
func (cm *ConnectionManager) BroadcastToAll(event *RoomEvent) {
	cm.BroadcastToRoom(uuid.Nil, event)
}

// deliver hands an event to the targeted viewers without blocking. Viewers
// whose buffer is full have fallen behind and are disconnected; the client
// reconnects and refetches.
func (cm *ConnectionManager) deliver(message BroadcastMessage) {
	data, err := json.Marshal(message.Event)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal event for broadcast")
		return
	}
	version, isRound := message.Event.roundVersion()

	var delivered int
	var slow []*viewer
	cm.mu.Lock()
	for roomID, room := range cm.rooms {
		if message.RoomID != uuid.Nil && roomID != message.RoomID {
			continue
		}
		if isRound && version > room.version {
			room.version = version
		}
		for v := range room.viewers {
			select {
			case v.send <- data:
				delivered++
			default:
				slow = append(slow, v)
			}
		}
	}
	for _, v := range slow {
		cm.removeLocked(v)
	}
	cm.mu.Unlock()

	for _, v := range slow {
		log.Warn().
			Str("connection_id", v.id).
			Str("user_id", v.userID).
			Msg("viewer send buffer full, closing connection")
		v.conn.Close()
	}

	log.Debug().
		Str("event_type", string(message.Event.Type)).
		Str("room_id", message.RoomID.String()).
		Int("viewers", delivered).
		Msg("event broadcasted")
}

// reply queues an event for a single viewer if it is still connected.
func (cm *ConnectionManager) reply(v *viewer, event *RoomEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("connection_id", v.id).Msg("failed to marshal reply")
		return
	}
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	room := cm.rooms[v.roomID]
	if room == nil {
		return
	}
	if _, ok := room.viewers[v]; !ok {
		return
	}
	select {
	case v.send <- data:
	default:
		log.Warn().Str("connection_id", v.id).Msg("viewer send buffer full, dropping reply")
	}
}

// RoomStats describes the viewers of one room.
type RoomStats struct {
	Viewers int   `json:"viewers"`
	Users   int   `json:"users"`
	Version int64 `json:"version"`
}

// ConnectionStats summarizes open viewer sockets.
type ConnectionStats struct {
	TotalConnections int                  `json:"total_connections"`
	ActiveRooms      int                  `json:"active_rooms"`
	Rooms            map[string]RoomStats `json:"rooms"`
}

func (cm *ConnectionManager) GetConnectionStats() ConnectionStats {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	stats := ConnectionStats{
		ActiveRooms: len(cm.rooms),
		Rooms:       make(map[string]RoomStats, len(cm.rooms)),
	}
	for roomID, room := range cm.rooms {
		users := make(map[string]struct{}, len(room.viewers))
		for v := range room.viewers {
			users[v.userID] = struct{}{}
		}
		stats.TotalConnections += len(room.viewers)
		stats.Rooms[roomID.String()] = RoomStats{
			Viewers: len(room.viewers),
			Users:   len(users),
			Version: room.version,
		}
	}
	return stats
}

// writeLoop owns all writes to the socket: queued events and pings.
func (v *viewer) writeLoop() {
	cfg := v.manager.config
	ping := cfg.Clock.NewTicker(cfg.PingInterval)
	defer func() {
		ping.Stop()
		v.conn.Close()
		v.manager.leave(v)
	}()

	for {
		select {
		case data, ok := <-v.send:
			v.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if !ok {
				v.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "room connection closed"))
				return
			}
			if err := v.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Debug().Err(err).Str("connection_id", v.id).Msg("failed to write event")
				return
			}

		case <-ping.Chan():
			v.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := v.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debug().Err(err).Str("connection_id", v.id).Msg("failed to send ping")
				return
			}
		}
	}
}

// readLoop handles viewer requests until the socket fails or closes.
func (v *viewer) readLoop() {
	cfg := v.manager.config
	defer func() {
		v.manager.leave(v)
		v.conn.Close()
	}()

	extend := func() { v.conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout)) }
	v.conn.SetReadLimit(cfg.MaxMessageSize)
	extend()
	v.conn.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	for {
		_, data, err := v.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Str("connection_id", v.id).Msg("unexpected WebSocket close")
			}
			return
		}
		extend()

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Debug().Err(err).Str("connection_id", v.id).Msg("ignored malformed client message")
			continue
		}
		now := cfg.Clock.Now()
		switch msg.Type {
		case ClientRefresh:
			v.manager.reply(v, newRefreshEvent(v, now))
		case ClientTime:
			v.manager.reply(v, newServerTimeEvent(v, now))
		default:
			log.Debug().
				Str("connection_id", v.id).
				Str("type", string(msg.Type)).
				Msg("ignored client message")
		}
	}
}
