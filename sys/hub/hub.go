package hub

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"homecare-api/res/booking"
	"homecare-api/res/realtime"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cast"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096

	defaultSendBuffer = 32
)

// EventError is sent back to a connection whose request was refused.
const EventError = "error"

const AdminRoom = "admin"

func ProviderRoom(id string) string { return "provider:" + id }
func UserRoom(id string) string     { return "user:" + id }

// Principal is the authenticated actor behind a connection.
type Principal struct {
	ID      string
	IsAdmin bool
	// IsProvider allows joining the provider room of ID.
	IsProvider bool
}

type Config struct {
	Logger      logrus.FieldLogger
	CheckOrigin func(r *http.Request) bool
	SendBuffer  int
}

// Hub holds the open realtime connections grouped by room. A connection is
// in no room until it sends a join message.
type Hub struct {
	logger   logrus.FieldLogger
	upgrader websocket.Upgrader
	buffer   int

	mu     sync.RWMutex
	rooms  map[string]map[*conn]struct{}
	conns  map[*conn]struct{}
	closed bool
}

type conn struct {
	id        string
	ws        *websocket.Conn
	principal Principal
	send      chan []byte
	rooms     map[string]struct{}
}

func New(cfg Config) *Hub {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}
	return &Hub{
		logger: cfg.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     cfg.CheckOrigin,
		},
		buffer: cfg.SendBuffer,
		rooms:  make(map[string]map[*conn]struct{}),
		conns:  make(map[*conn]struct{}),
	}
}

// ServeWS upgrades the request and serves the connection until it drops.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, p Principal) error {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	c := &conn{
		id:        uuid.NewString(),
		ws:        ws,
		principal: p,
		send:      make(chan []byte, h.buffer),
		rooms:     make(map[string]struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		ws.Close()
		return errors.New("hub: closed")
	}
	h.conns[c] = struct{}{}
	h.mu.Unlock()

	h.logger.WithFields(logrus.Fields{"conn_id": c.id, "actor": p.ID}).Debug("Realtime connection opened")

	go h.writePump(c)
	h.readPump(c)
	return nil
}

// Broadcast delivers msg to every connection in room. Connections whose
// buffer is full are dropped rather than blocking the caller.
func (h *Hub) Broadcast(room string, msg realtime.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.WithError(err).WithField("event", msg.Event).Error("Could not encode realtime message")
		return
	}

	var slow []*conn
	h.mu.RLock()
	for c := range h.rooms[room] {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.WithFields(logrus.Fields{"conn_id": c.id, "room": room}).Warn("Dropping slow realtime connection")
		h.unregister(c)
	}
}

// Emit encodes data under event and broadcasts it to each room once.
func (h *Hub) Emit(event string, data interface{}, rooms ...string) error {
	msg, err := realtime.NewMessage(event, data)
	if err != nil {
		return err
	}
	seen := make(map[string]bool, len(rooms))
	for _, room := range rooms {
		if room == "" || seen[room] {
			continue
		}
		seen[room] = true
		h.Broadcast(room, msg)
	}
	return nil
}

// ConnectionCount reports how many connections joined room.
func (h *Hub) ConnectionCount(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Close disconnects every client. Further upgrades are refused.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	conns := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		h.unregister(c)
	}
}

func (h *Hub) unregister(c *conn) {
	h.mu.Lock()
	if _, ok := h.conns[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.conns, c)
	for room := range c.rooms {
		members := h.rooms[room]
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	close(c.send)
	h.mu.Unlock()

	h.logger.WithField("conn_id", c.id).Debug("Realtime connection closed")
}

func (h *Hub) join(c *conn, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c]; !ok {
		return
	}
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*conn]struct{})
		h.rooms[room] = members
	}
	members[c] = struct{}{}
	c.rooms[room] = struct{}{}
}

func (h *Hub) readPump(c *conn) {
	defer func() {
		h.unregister(c)
		c.ws.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg realtime.Message
		if err := c.ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.WithError(err).WithField("conn_id", c.id).Debug("Realtime read failed")
			}
			return
		}
		h.handle(c, msg)
	}
}

func (h *Hub) handle(c *conn, msg realtime.Message) {
	logger := h.logger.WithFields(logrus.Fields{"conn_id": c.id, "event": msg.Event, "actor": c.principal.ID})

	room, err := roomFor(c.principal, msg)
	if err != nil {
		logger.WithError(err).Warn("Realtime join refused")
		h.reply(c, EventError, map[string]string{"error": err.Error(), "code": booking.CodeUnauthorized})
		return
	}
	if room == "" {
		logger.Debug("Ignoring realtime message")
		return
	}

	h.join(c, room)
	logger.WithField("room", room).Info("Realtime connection joined room")
}

var errJoinNotAllowed = errors.New("not allowed to join this room")

// roomFor resolves a join message to a room the principal may join. Other
// messages resolve to the empty room.
func roomFor(p Principal, msg realtime.Message) (string, error) {
	var id string
	if len(msg.Data) > 0 {
		var raw interface{}
		if err := json.Unmarshal(msg.Data, &raw); err == nil {
			if m, ok := raw.(map[string]interface{}); ok {
				raw = m["id"]
			}
			id = cast.ToString(raw)
		}
	}

	switch msg.Event {
	case realtime.EventJoinProvider:
		if p.IsAdmin || (p.IsProvider && id == p.ID) {
			return ProviderRoom(id), nil
		}
	case realtime.EventJoinUser:
		if p.IsAdmin || id == p.ID {
			return UserRoom(id), nil
		}
	case realtime.EventJoinAdmin:
		if p.IsAdmin {
			return AdminRoom, nil
		}
	default:
		return "", nil
	}
	return "", errJoinNotAllowed
}

func (h *Hub) reply(c *conn, event string, data interface{}) {
	msg, err := realtime.NewMessage(event, data)
	if err != nil {
		return
	}
	encoded, err := json.Marshal(msg)
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.conns[c]; !ok {
		return
	}
	select {
	case c.send <- encoded:
	default:
	}
}

func (h *Hub) writePump(c *conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
