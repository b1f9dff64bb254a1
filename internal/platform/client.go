package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024
	sendBufSize    = 256
	eventBufSize   = 256
)

// ErrSessionClosed is returned when publishing on a session that has left.
var ErrSessionClosed = errors.New("session closed")

// frame is the JSON wire envelope exchanged with the reflector.
type frame struct {
	Type    string          `json:"type"`
	Room    string          `json:"room,omitempty"`
	App     string          `json:"app,omitempty"`
	APIKey  string          `json:"apiKey,omitempty"`
	Nonce   string          `json:"nonce,omitempty"`
	ViewID  string          `json:"viewId,omitempty"`
	Scope   string          `json:"scope,omitempty"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

const (
	frameJoin    = "join"
	frameWelcome = "welcome"
	frameEvent   = "event"
	frameLeave   = "leave"
)

// ClientConfig wires credentials and cadence for reflector sessions.
type ClientConfig struct {
	Log         *zap.Logger
	URL         string
	APIKey      string
	AppID       string
	DialTimeout time.Duration
}

// Client dials the reflector and opens room sessions.
type Client struct {
	log         *zap.Logger
	url         string
	apiKey      string
	appID       string
	dialTimeout time.Duration
	dialer      *websocket.Dialer
}

// NewClient builds a reflector client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("reflector url is required")
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	return &Client{
		log:         cfg.Log,
		url:         cfg.URL,
		apiKey:      cfg.APIKey,
		appID:       cfg.AppID,
		dialTimeout: cfg.DialTimeout,
		dialer:      websocket.DefaultDialer,
	}, nil
}

// Join dials the reflector and performs the join handshake for one room.
// The returned Connection delivers events on a single dispatch goroutine.
func (c *Client) Join(ctx context.Context, roomID string) (Connection, error) {
	if roomID == "" {
		return nil, errors.New("room id is required")
	}

	dialCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, c.dialTimeout)
		defer cancel()
	}

	ws, _, err := c.dialer.DialContext(dialCtx, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial reflector %s: %w", c.url, err)
	}

	join := frame{
		Type:   frameJoin,
		Room:   "chat-" + roomID,
		App:    c.appID,
		APIKey: c.apiKey,
		Nonce:  uuid.NewString(),
	}
	deadline := time.Now().Add(c.dialTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = ws.SetWriteDeadline(deadline)
	if err := ws.WriteJSON(join); err != nil {
		ws.Close()
		return nil, fmt.Errorf("send join: %w", err)
	}

	_ = ws.SetReadDeadline(deadline)
	var welcome frame
	if err := ws.ReadJSON(&welcome); err != nil {
		ws.Close()
		return nil, fmt.Errorf("await welcome: %w", err)
	}
	if welcome.Type != frameWelcome {
		ws.Close()
		return nil, fmt.Errorf("join rejected: unexpected frame %q", welcome.Type)
	}

	viewID := welcome.ViewID
	if viewID == "" {
		viewID = uuid.NewString()
	}

	s := &session{
		log:      c.log.With(zap.String("room", roomID), zap.String("view_id", viewID)),
		conn:     ws,
		room:     roomID,
		viewID:   viewID,
		send:     make(chan []byte, sendBufSize),
		dispatch: make(chan func(), eventBufSize),
		subs:     make(map[subKey]map[int64]Handler),
		models:   make(map[string]any),
		closed:   make(chan struct{}),
	}
	go s.readPump()
	go s.writePump()
	go s.runLoop()

	s.log.Info("joined room session")
	return s, nil
}

type subKey struct {
	scope, event string
}

// session is a live websocket-backed Connection. All event handlers and
// Execute functions run on the single runLoop goroutine, which provides the
// serialized-application guarantee the room model relies on.
type session struct {
	log    *zap.Logger
	conn   *websocket.Conn
	room   string
	viewID string

	send     chan []byte
	dispatch chan func()

	mu     sync.Mutex
	nextID int64
	subs   map[subKey]map[int64]Handler
	models map[string]any

	closeOnce sync.Once
	closed    chan struct{}
}

func (s *session) ViewID() string { return s.viewID }

func (s *session) Publish(scope, event string, payload any) error {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s/%s payload: %w", scope, event, err)
		}
		raw = data
	}
	data, err := json.Marshal(frame{Type: frameEvent, Scope: scope, Event: event, Payload: raw})
	if err != nil {
		return fmt.Errorf("marshal %s/%s frame: %w", scope, event, err)
	}
	// The send buffer stays writable after close, so check closed first.
	select {
	case <-s.closed:
		return ErrSessionClosed
	default:
	}
	select {
	case s.send <- data:
		return nil
	case <-s.closed:
		return ErrSessionClosed
	}
}

func (s *session) Subscribe(scope, event string, h Handler) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	key := subKey{scope, event}
	if s.subs[key] == nil {
		s.subs[key] = make(map[int64]Handler)
	}
	s.subs[key][s.nextID] = h
	return s.nextID
}

func (s *session) Unsubscribe(scope, event string, id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := subKey{scope, event}
	delete(s.subs[key], id)
	if len(s.subs[key]) == 0 {
		delete(s.subs, key)
	}
}

func (s *session) Execute(fn func()) {
	select {
	case s.dispatch <- fn:
	case <-s.closed:
	}
}

func (s *session) BindModel(name string, model any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.models[name] = model
}

func (s *session) Model(name string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.models[name]
	return m, ok
}

func (s *session) DetachView() {
	s.mu.Lock()
	s.subs = make(map[subKey]map[int64]Handler)
	s.mu.Unlock()
	s.log.Debug("view detached from session")
}

func (s *session) Leave() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, frameLeave)
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = s.conn.Close()
		s.log.Info("left room session")
	})
	return nil
}

func (s *session) readPump() {
	defer s.Leave()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Warn("reflector read failed", zap.Error(err))
			}
			return
		}

		var f frame
		if err := json.Unmarshal(message, &f); err != nil {
			s.log.Warn("drop malformed frame", zap.Error(err))
			continue
		}
		if f.Type != frameEvent {
			continue
		}
		s.Execute(func() { s.deliver(f.Scope, f.Event, f.Payload) })
	}
}

func (s *session) deliver(scope, event string, payload json.RawMessage) {
	s.mu.Lock()
	handlers := make([]Handler, 0, len(s.subs[subKey{scope, event}]))
	for _, h := range s.subs[subKey{scope, event}] {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()

	for _, h := range handlers {
		h(payload)
	}
}

func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case message := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.log.Warn("reflector write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.closed:
			return
		}
	}
}

func (s *session) runLoop() {
	for {
		select {
		case fn := <-s.dispatch:
			fn()
		case <-s.closed:
			return
		}
	}
}
