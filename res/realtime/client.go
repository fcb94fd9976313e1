package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"homecare-api/res/booking"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	DefaultMinBackoff = 500 * time.Millisecond
	DefaultMaxBackoff = 30 * time.Second
)

var ErrNotConnected = errors.New("realtime: not connected")

type Role string

const (
	RoleProvider Role = "provider"
	RoleUser     Role = "user"
	RoleAdmin    Role = "admin"
)

// Identity selects the room a connection joins.
type Identity struct {
	ID   string
	Role Role
}

// Room is the room name the server uses for this identity.
func (i Identity) Room() string {
	if i.Role == RoleAdmin {
		return string(RoleAdmin)
	}
	return string(i.Role) + ":" + i.ID
}

func (i Identity) joinMessage() (Message, error) {
	switch i.Role {
	case RoleProvider:
		return NewMessage(EventJoinProvider, i.ID)
	case RoleUser:
		return NewMessage(EventJoinUser, i.ID)
	case RoleAdmin:
		return Message{Event: EventJoinAdmin}, nil
	}
	return Message{}, fmt.Errorf("realtime: unknown role %q", i.Role)
}

type Handler func(msg Message)

type ClientConfig struct {
	URL        string
	Header     http.Header
	Dialer     *websocket.Dialer
	MinBackoff time.Duration
	MaxBackoff time.Duration
	Logger     logrus.FieldLogger
}

// Client is a persistent, auto-reconnecting subscription to the push channel.
// Handlers registered with On survive reconnects.
type Client struct {
	cfg ClientConfig

	mu       sync.Mutex
	identity Identity
	cancel   context.CancelFunc
	done     chan struct{}

	connMu sync.Mutex
	conn   *websocket.Conn

	hmu      sync.RWMutex
	nextID   uint64
	handlers map[string]map[uint64]Handler
	rejoined map[uint64]func()
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = DefaultMinBackoff
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &Client{
		cfg:      cfg,
		handlers: make(map[string]map[uint64]Handler),
		rejoined: make(map[uint64]func()),
	}
}

// Connect opens the connection and joins the identity's room. Calling it again
// with the same identity is a no-op; a different identity replaces the
// previous connection. Only the first dial is synchronous, later drops are
// retried in the background.
func (c *Client) Connect(ctx context.Context, id Identity) error {
	join, err := id.joinMessage()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel != nil && c.identity == id {
		return nil
	}
	if c.cancel != nil {
		c.teardownLocked()
	}

	conn, err := c.dial(ctx, join)
	if err != nil {
		return fmt.Errorf("%w: realtime connect: %v", booking.ErrNetwork, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	c.identity = id
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(loopCtx, join, conn, c.done)

	c.cfg.Logger.WithField("room", id.Room()).Info("Realtime channel connected")
	return nil
}

// On registers handler for event and returns a function that removes it.
// The returned function may be called more than once.
func (c *Client) On(event string, handler Handler) func() {
	c.hmu.Lock()
	defer c.hmu.Unlock()

	c.nextID++
	key := c.nextID
	if c.handlers[event] == nil {
		c.handlers[event] = make(map[uint64]Handler)
	}
	c.handlers[event][key] = handler

	return func() {
		c.hmu.Lock()
		defer c.hmu.Unlock()
		delete(c.handlers[event], key)
	}
}

// OnReconnect registers fn to run after every successful re-dial. Events
// missed while disconnected are not replayed, so this is where callers
// re-fetch state.
func (c *Client) OnReconnect(fn func()) func() {
	c.hmu.Lock()
	defer c.hmu.Unlock()

	c.nextID++
	key := c.nextID
	c.rejoined[key] = fn

	return func() {
		c.hmu.Lock()
		defer c.hmu.Unlock()
		delete(c.rejoined, key)
	}
}

// Connected reports whether a socket is currently open.
func (c *Client) Connected() bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn != nil
}

// Close disconnects and stops reconnecting. Handlers stay registered.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.teardownLocked()
		c.cfg.Logger.Info("Realtime channel closed")
	}
}

func (c *Client) teardownLocked() {
	c.connMu.Lock()
	if c.conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	}
	c.connMu.Unlock()

	c.cancel()
	<-c.done
	c.cancel = nil
	c.done = nil
	c.identity = Identity{}
}

func (c *Client) dial(ctx context.Context, join Message) (*websocket.Conn, error) {
	conn, _, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, c.cfg.Header)
	if err != nil {
		return nil, err
	}

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(join); err != nil {
		conn.Close()
		return nil, err
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	return conn, nil
}

func (c *Client) run(ctx context.Context, join Message, conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	for attempt := 0; ; {
		err := c.readLoop(ctx, conn)

		c.connMu.Lock()
		c.conn = nil
		c.connMu.Unlock()
		conn.Close()

		if ctx.Err() != nil {
			return
		}
		c.cfg.Logger.WithError(err).Warn("Realtime channel dropped, reconnecting")

		for {
			timer := time.NewTimer(c.backoff(attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			attempt++

			conn, err = c.dial(ctx, join)
			if err == nil {
				attempt = 0
				break
			}
			if ctx.Err() != nil {
				return
			}
			c.cfg.Logger.WithError(err).WithField("attempt", attempt).Debug("Realtime reconnect failed")
		}

		c.cfg.Logger.Info("Realtime channel reconnected")
		c.fireReconnect()
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	quit := make(chan struct{})
	defer close(quit)
	go c.ping(conn, quit)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.cfg.Logger.WithError(err).Warn("Dropping malformed realtime message")
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Client) ping(conn *websocket.Conn, quit <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-quit:
			return
		case <-ticker.C:
			c.connMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.connMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *Client) dispatch(msg Message) {
	c.hmu.RLock()
	handlers := make([]Handler, 0, len(c.handlers[msg.Event]))
	for _, h := range c.handlers[msg.Event] {
		handlers = append(handlers, h)
	}
	c.hmu.RUnlock()

	for _, h := range handlers {
		c.safely(msg.Event, func() { h(msg) })
	}
}

func (c *Client) fireReconnect() {
	c.hmu.RLock()
	hooks := make([]func(), 0, len(c.rejoined))
	for _, fn := range c.rejoined {
		hooks = append(hooks, fn)
	}
	c.hmu.RUnlock()

	for _, fn := range hooks {
		c.safely("reconnect", fn)
	}
}

func (c *Client) safely(event string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.cfg.Logger.WithField("event", event).Errorf("Realtime handler panicked: %v", r)
		}
	}()
	fn()
}

// backoff is exponential in attempt, capped at MaxBackoff, with jitter in the
// upper half of the window.
func (c *Client) backoff(attempt int) time.Duration {
	d := c.cfg.MinBackoff
	for i := 0; i < attempt && d < c.cfg.MaxBackoff; i++ {
		d *= 2
	}
	if d > c.cfg.MaxBackoff {
		d = c.cfg.MaxBackoff
	}
	half := int64(d / 2)
	return time.Duration(half + rand.Int63n(half+1))
}
