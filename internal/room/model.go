// Package room implements the replicated chat room state machine. One Model
// instance runs on every participant; the reflector applies the same event
// sequence in the same order everywhere, so handler effects are deterministic
// functions of current state and event payload.
package room

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/0xDorin/multisynq-chat/internal/platform"
	"go.uber.org/zap"
)

// DefaultNickname is the placeholder assigned on join until a participant
// picks a name. While it is in place the participant cannot post (when the
// RequireNickname policy is on).
const DefaultNickname = "Guest"

// Room-scoped event names layered over platform scopes.
const (
	EventRefresh     = "refresh"
	EventNewMessage  = "newMessage"
	EventNewPost     = "newPost"
	EventReset       = "reset"
	EventSetNickname = "setNickname"
)

// Entry is one immutable history line. Entries are only ever appended and
// trimmed from the head, never mutated.
type Entry struct {
	ViewID string `json:"viewId"`
	Line   string `json:"html"`
}

// Limits bounds the room model. Zero fields take defaults.
type Limits struct {
	HistoryMax        int
	MaxPostLength     int
	InactivityTimeout time.Duration
	CleanupInterval   time.Duration
	RequireNickname   bool
}

func (l Limits) withDefaults() Limits {
	if l.HistoryMax <= 0 {
		l.HistoryMax = 100
	}
	if l.MaxPostLength <= 0 {
		l.MaxPostLength = 1000
	}
	if l.InactivityTimeout <= 0 {
		l.InactivityTimeout = 30 * time.Minute
	}
	if l.CleanupInterval <= 0 {
		l.CleanupInterval = 5 * time.Minute
	}
	return l
}

// Config wires dependencies for a Model.
type Config struct {
	Log       *zap.Logger
	Limits    Limits
	PickColor PickColorFunc
	Now       func() time.Time
}

// Model owns participants, nicknames, colors, chat history, and time-based
// decay for one room. Event handlers run one at a time on the session's
// dispatch loop; the lock below only makes snapshot reads safe from other
// goroutines, the invariants come from serialized application.
type Model struct {
	log       *zap.Logger
	limits    Limits
	pickColor PickColorFunc
	now       func() time.Time

	conn     platform.Connection
	schedule *Schedule

	mu           sync.RWMutex
	views        map[string]string
	colors       map[string]string
	participants int
	history      []Entry
	lastPost     time.Time
	attachedAt   time.Time
}

// NewModel builds a detached Model; call Attach to bind it to a session.
func NewModel(cfg Config) *Model {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.PickColor == nil {
		cfg.PickColor = DefaultPickColor
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Model{
		log:       cfg.Log,
		limits:    cfg.Limits.withDefaults(),
		pickColor: cfg.PickColor,
		now:       cfg.Now,
		views:     make(map[string]string),
		colors:    make(map[string]string),
	}
}

// Attach subscribes the model to the session's replicated events and starts
// the maintenance schedule.
func (m *Model) Attach(conn platform.Connection) error {
	if conn == nil {
		return errors.New("connection is required")
	}
	m.mu.Lock()
	if m.conn != nil {
		m.mu.Unlock()
		return errors.New("model already attached")
	}
	m.conn = conn
	m.attachedAt = m.now()
	m.mu.Unlock()

	conn.Subscribe(platform.ScopeSession, platform.EventViewJoin, func(p json.RawMessage) {
		if id, ok := decodeViewID(p); ok {
			m.ViewJoin(id)
		} else {
			m.log.Warn("drop malformed view-join event")
		}
	})
	conn.Subscribe(platform.ScopeSession, platform.EventViewExit, func(p json.RawMessage) {
		if id, ok := decodeViewID(p); ok {
			m.ViewExit(id)
		} else {
			m.log.Warn("drop malformed view-exit event")
		}
	})
	conn.Subscribe(platform.ScopeViewInfo, EventSetNickname, func(p json.RawMessage) {
		var ev struct {
			ViewID   string `json:"viewId"`
			Nickname string `json:"nickname"`
		}
		if err := json.Unmarshal(p, &ev); err != nil || ev.ViewID == "" {
			m.log.Warn("drop malformed setNickname event", zap.Error(err))
			return
		}
		m.SetNickname(ev.ViewID, ev.Nickname)
	})
	conn.Subscribe(platform.ScopeInput, EventNewPost, func(p json.RawMessage) {
		var ev struct {
			ViewID string `json:"viewId"`
			Text   any    `json:"text"`
		}
		if err := json.Unmarshal(p, &ev); err != nil {
			m.log.Warn("drop malformed newPost event", zap.Error(err))
			return
		}
		m.NewPost(ev.ViewID, ev.Text)
	})
	conn.Subscribe(platform.ScopeInput, EventReset, func(p json.RawMessage) {
		var reason string
		_ = json.Unmarshal(p, &reason)
		m.ResetHistory(reason)
	})

	m.schedule = NewSchedule(m.limits.CleanupInterval, conn.Execute, m.cleanupOldData)
	m.schedule.Start()
	return nil
}

// decodeViewID accepts both {"viewId": "..."} objects and bare JSON strings,
// which is how the reflector encodes session membership events.
func decodeViewID(payload json.RawMessage) (string, bool) {
	var ev struct {
		ViewID string `json:"viewId"`
	}
	if err := json.Unmarshal(payload, &ev); err == nil && ev.ViewID != "" {
		return ev.ViewID, true
	}
	var s string
	if err := json.Unmarshal(payload, &s); err == nil && s != "" {
		return s, true
	}
	return "", false
}

// ViewJoin creates or refreshes a participant record with the placeholder
// nickname and a stable color, then announces the change.
func (m *Model) ViewJoin(viewID string) {
	if viewID == "" {
		m.log.Warn("drop view-join without view id")
		return
	}

	m.mu.Lock()
	if _, known := m.views[viewID]; !known {
		m.participants++
	}
	m.views[viewID] = DefaultNickname
	if _, ok := m.colors[viewID]; !ok {
		m.colors[viewID] = m.pickColor(m.usedColorsLocked())
	}
	m.mu.Unlock()

	m.publishViewInfo()
}

// ViewExit removes the participant record. Exits for unknown views are
// ignored so the count always matches the live records.
func (m *Model) ViewExit(viewID string) {
	m.mu.Lock()
	if _, known := m.views[viewID]; !known {
		m.mu.Unlock()
		return
	}
	m.participants--
	delete(m.views, viewID)
	delete(m.colors, viewID)
	m.mu.Unlock()

	m.publishViewInfo()
}

// SetNickname updates a participant's nickname. Empty or whitespace-only
// input maps back to the placeholder; a color is assigned if none exists.
func (m *Model) SetNickname(viewID, nickname string) {
	if viewID == "" {
		m.log.Warn("drop setNickname without view id")
		return
	}
	trimmed := trimOrDefault(nickname)

	m.mu.Lock()
	m.views[viewID] = trimmed
	if _, ok := m.colors[viewID]; !ok {
		m.colors[viewID] = m.pickColor(m.usedColorsLocked())
	}
	m.mu.Unlock()

	m.publishViewInfo()
}

// NewPost validates, sanitizes, and appends one chat line. Malformed posts
// are dropped with a warning and never partially applied.
func (m *Model) NewPost(viewID string, text any) {
	str, ok := text.(string)
	if viewID == "" || !ok {
		m.log.Warn("drop invalid post", zap.String("view_id", viewID))
		return
	}
	if m.limits.RequireNickname && !m.CanSendMessage(viewID) {
		m.log.Warn("drop post from guest without nickname", zap.String("view_id", viewID))
		return
	}

	sanitized := sanitizeText(truncateRunes(str, m.limits.MaxPostLength))

	m.mu.Lock()
	nickname := m.views[viewID]
	if nickname == "" {
		nickname = DefaultNickname
	}
	entry := Entry{ViewID: viewID, Line: renderLine(nickname, sanitized)}
	m.history = append(m.history, entry)
	evicted := false
	if len(m.history) > m.limits.HistoryMax {
		drop := m.limits.HistoryMax / 10
		if drop < 1 {
			drop = 1
		}
		m.history = append([]Entry(nil), m.history[drop:]...)
		evicted = true
	}
	m.lastPost = m.now()
	m.mu.Unlock()

	if evicted {
		// Positions shifted; consumers must replace, not append.
		m.publishHistoryRefresh()
		return
	}
	m.publishNewMessage(entry)
}

// ResetHistory clears the history and last-post time. Idempotent.
func (m *Model) ResetHistory(reason string) {
	m.mu.Lock()
	m.history = nil
	m.lastPost = time.Time{}
	m.mu.Unlock()

	m.log.Info("history reset", zap.String("reason", reason))
	m.publishHistoryRefresh()
}

// cleanupOldData is the periodic maintenance step: it evicts participants
// from rooms idle past the inactivity threshold and proactively trims the
// history before the hard cap forces a batch eviction.
func (m *Model) cleanupOldData() {
	now := m.now()

	m.mu.Lock()
	last := m.lastPost
	if last.IsZero() {
		last = m.attachedAt
	}
	evictedViews := 0
	if len(m.views) > 0 && now.Sub(last) > m.limits.InactivityTimeout {
		evictedViews = len(m.views)
		m.views = make(map[string]string)
		m.colors = make(map[string]string)
		m.participants = 0
	}
	trimmed := false
	if threshold := m.limits.HistoryMax * 8 / 10; len(m.history) > threshold {
		if drop := len(m.history) / 5; drop > 0 {
			m.history = append([]Entry(nil), m.history[drop:]...)
			trimmed = true
		}
	}
	m.mu.Unlock()

	if evictedViews > 0 {
		m.log.Info("evicted inactive participants", zap.Int("count", evictedViews))
		m.publishViewInfo()
	}
	if trimmed {
		m.publishHistoryRefresh()
	}
}

// Dispose stops the maintenance schedule and clears all state. It refuses
// while participants remain unless force is set, and reports whether the
// model was torn down.
func (m *Model) Dispose(force bool) bool {
	m.mu.Lock()
	if !force && m.participants > 0 {
		m.mu.Unlock()
		return false
	}
	m.views = make(map[string]string)
	m.colors = make(map[string]string)
	m.participants = 0
	m.history = nil
	m.lastPost = time.Time{}
	m.mu.Unlock()

	if m.schedule != nil {
		m.schedule.Stop()
	}
	return true
}

// Participants reports the number of live participant records.
func (m *Model) Participants() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.participants
}

// History returns a copy of the history log in display order.
func (m *Model) History() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Entry(nil), m.history...)
}

// Nickname reports a participant's current nickname, empty when unknown.
func (m *Model) Nickname(viewID string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.views[viewID]
}

// Color reports a participant's assigned color. The system identity and
// unknown views map to the system color.
func (m *Model) Color(viewID string) string {
	if viewID == SystemViewID {
		return SystemColor
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.colors[viewID]; ok {
		return c
	}
	return SystemColor
}

// LastPostTime reports when the room last saw a post, zero when it has not.
func (m *Model) LastPostTime() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastPost
}

// CanSendMessage reports whether a participant may post: known, and past the
// placeholder nickname.
func (m *Model) CanSendMessage(viewID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	nick, ok := m.views[viewID]
	return ok && nick != DefaultNickname
}

func (m *Model) usedColorsLocked() map[string]bool {
	used := make(map[string]bool, len(m.colors))
	for _, c := range m.colors {
		used[c] = true
	}
	return used
}

func trimOrDefault(nickname string) string {
	trimmed := strings.TrimSpace(nickname)
	if trimmed == "" {
		return DefaultNickname
	}
	return trimmed
}

// publishViewInfo announces a participant-info change. The notification is
// payload-free; consumers re-read the replicated model.
func (m *Model) publishViewInfo() {
	m.publish(platform.ScopeViewInfo, EventRefresh, nil)
}

// publishHistoryRefresh announces a full history replace.
func (m *Model) publishHistoryRefresh() {
	m.publish(platform.ScopeHistory, EventRefresh, nil)
}

// publishNewMessage announces a single appended entry.
func (m *Model) publishNewMessage(e Entry) {
	m.publish(platform.ScopeHistory, EventNewMessage, e)
}

func (m *Model) publish(scope, event string, payload any) {
	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()
	if conn == nil {
		return
	}
	if err := conn.Publish(scope, event, payload); err != nil {
		m.log.Warn("publish notification failed",
			zap.String("scope", scope), zap.String("event", event), zap.Error(err))
	}
}
