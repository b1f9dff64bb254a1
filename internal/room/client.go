package room

import (
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"

	"github.com/0xDorin/multisynq-chat/internal/platform"
	"go.uber.org/zap"
)

// nicknameDisplayLength caps the nickname shown in the header.
const nicknameDisplayLength = 6

// ResolveModel fetches the room model bound to a connection.
func ResolveModel(conn platform.Connection) (*Model, bool) {
	v, ok := conn.Model(platform.WellKnownModel)
	if !ok {
		return nil, false
	}
	m, ok := v.(*Model)
	return m, ok
}

// ClientConfig wires a Client to a session and its replicated model.
type ClientConfig struct {
	Log   *zap.Logger
	Conn  platform.Connection
	Model *Model

	// OnHistory receives the full entry list on a history replace.
	OnHistory func([]Entry)
	// OnMessage receives a single appended entry.
	OnMessage func(Entry)
	// OnViewInfo receives this participant's nickname and the room count.
	OnViewInfo func(nickname string, participants int)
}

// Client is the consumer-side surface of a room: a plain notification
// wrapper around a platform handle, exposing only the subscribe/publish
// surface the presentation layer needs. It holds no replicated state of its
// own; full-replace and append notifications are kept distinct so consumers
// can discard or extend their incremental buffers correctly.
type Client struct {
	log        *zap.Logger
	conn       platform.Connection
	model      *Model
	onHistory  func([]Entry)
	onMessage  func(Entry)
	onViewInfo func(string, int)

	closed atomic.Bool
	subs   []subscription
}

type subscription struct {
	scope, event string
	id           int64
}

// NewClient subscribes to the room's notifications, seeds the callbacks with
// current state, and resets the room when this is the first participant.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Conn == nil {
		return nil, errors.New("connection is required")
	}
	if cfg.Model == nil {
		return nil, errors.New("model is required")
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}

	c := &Client{
		log:        cfg.Log,
		conn:       cfg.Conn,
		model:      cfg.Model,
		onHistory:  cfg.OnHistory,
		onMessage:  cfg.OnMessage,
		onViewInfo: cfg.OnViewInfo,
	}

	c.subscribe(platform.ScopeHistory, EventRefresh, func(json.RawMessage) {
		c.handleHistoryRefresh()
	})
	c.subscribe(platform.ScopeHistory, EventNewMessage, func(p json.RawMessage) {
		var e Entry
		if err := json.Unmarshal(p, &e); err != nil {
			c.log.Warn("drop malformed newMessage notification", zap.Error(err))
			return
		}
		c.handleNewMessage(e)
	})
	c.subscribe(platform.ScopeViewInfo, EventRefresh, func(json.RawMessage) {
		c.handleViewInfoRefresh()
	})

	// Seed callbacks with the state replicated before we subscribed.
	c.handleHistoryRefresh()
	c.handleViewInfoRefresh()

	if c.model.Participants() == 1 && !c.hasOwnEntry() {
		if err := c.Reset("for new participants"); err != nil {
			c.log.Warn("initial reset failed", zap.Error(err))
		}
	}
	return c, nil
}

func (c *Client) subscribe(scope, event string, h platform.Handler) {
	id := c.conn.Subscribe(scope, event, h)
	c.subs = append(c.subs, subscription{scope: scope, event: event, id: id})
}

func (c *Client) hasOwnEntry() bool {
	for _, e := range c.model.History() {
		if e.ViewID == c.conn.ViewID() {
			return true
		}
	}
	return false
}

func (c *Client) handleHistoryRefresh() {
	if c.closed.Load() || c.onHistory == nil {
		return
	}
	c.onHistory(c.model.History())
}

func (c *Client) handleNewMessage(e Entry) {
	if c.closed.Load() || c.onMessage == nil {
		return
	}
	c.onMessage(e)
}

func (c *Client) handleViewInfoRefresh() {
	if c.closed.Load() || c.onViewInfo == nil {
		return
	}
	c.onViewInfo(c.model.Nickname(c.conn.ViewID()), c.model.Participants())
}

// ViewID is this participant's identity in the room.
func (c *Client) ViewID() string {
	return c.conn.ViewID()
}

// SendMessage publishes a post intent. Blank input is ignored.
func (c *Client) SendMessage(text string) error {
	if c.closed.Load() {
		return errors.New("client closed")
	}
	if strings.TrimSpace(text) == "" {
		return nil
	}
	return c.conn.Publish(platform.ScopeInput, EventNewPost, map[string]any{
		"viewId": c.conn.ViewID(),
		"text":   text,
	})
}

// SetNickname publishes a nickname intent for this participant.
func (c *Client) SetNickname(nickname string) error {
	if c.closed.Load() {
		return errors.New("client closed")
	}
	return c.conn.Publish(platform.ScopeViewInfo, EventSetNickname, map[string]any{
		"viewId":   c.conn.ViewID(),
		"nickname": strings.TrimSpace(nickname),
	})
}

// Reset publishes a history reset intent.
func (c *Client) Reset(reason string) error {
	if c.closed.Load() {
		return errors.New("client closed")
	}
	return c.conn.Publish(platform.ScopeInput, EventReset, reason)
}

// CanSendMessage reports whether this participant may post yet.
func (c *Client) CanSendMessage() bool {
	return c.model.CanSendMessage(c.conn.ViewID())
}

// DisplayNickname returns this participant's nickname shortened for the
// header, or a loading placeholder before the join has replicated.
func (c *Client) DisplayNickname() string {
	nick := c.model.Nickname(c.conn.ViewID())
	if nick == "" {
		return "Loading..."
	}
	runes := []rune(nick)
	if len(runes) > nicknameDisplayLength {
		return string(runes[:nicknameDisplayLength]) + "..."
	}
	return nick
}

// Close unsubscribes all handlers and silences callbacks. Idempotent. It
// does not release the shared connection; that is the broker's job.
func (c *Client) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	for _, s := range c.subs {
		c.conn.Unsubscribe(s.scope, s.event, s.id)
	}
	c.subs = nil
}
