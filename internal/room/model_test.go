package room

import (
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/0xDorin/multisynq-chat/internal/platform"
	"go.uber.org/zap/zaptest"
)

// fakeConn records publishes and, when echo is set, loops them back to local
// subscribers the way the reflector would.
type fakeConn struct {
	id   string
	echo bool

	mu        sync.Mutex
	nextID    int64
	subs      map[subKey]map[int64]platform.Handler
	models    map[string]any
	published []publishedEvent
	execCalls int
	left      bool
}

type subKey struct{ scope, event string }

type publishedEvent struct {
	Scope, Event string
	Payload      any
}

func newTestConn(id string, echo bool) *fakeConn {
	return &fakeConn{
		id:     id,
		echo:   echo,
		subs:   make(map[subKey]map[int64]platform.Handler),
		models: make(map[string]any),
	}
}

func (f *fakeConn) ViewID() string { return f.id }

func (f *fakeConn) Publish(scope, event string, payload any) error {
	f.mu.Lock()
	f.published = append(f.published, publishedEvent{Scope: scope, Event: event, Payload: payload})
	f.mu.Unlock()
	if f.echo {
		f.emit(scope, event, payload)
	}
	return nil
}

// emit delivers an event to local subscribers, simulating reflector delivery.
func (f *fakeConn) emit(scope, event string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	f.mu.Lock()
	handlers := make([]platform.Handler, 0, len(f.subs[subKey{scope, event}]))
	for _, h := range f.subs[subKey{scope, event}] {
		handlers = append(handlers, h)
	}
	f.mu.Unlock()
	for _, h := range handlers {
		h(raw)
	}
}

func (f *fakeConn) Subscribe(scope, event string, h platform.Handler) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	key := subKey{scope, event}
	if f.subs[key] == nil {
		f.subs[key] = make(map[int64]platform.Handler)
	}
	f.subs[key][f.nextID] = h
	return f.nextID
}

func (f *fakeConn) Unsubscribe(scope, event string, id int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs[subKey{scope, event}], id)
}

// Execute mirrors the live session: submissions after Leave are dropped.
func (f *fakeConn) Execute(fn func()) {
	f.mu.Lock()
	f.execCalls++
	left := f.left
	f.mu.Unlock()
	if !left {
		fn()
	}
}

func (f *fakeConn) executeCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.execCalls
}

func (f *fakeConn) BindModel(name string, m any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.models[name] = m
}

func (f *fakeConn) Model(name string) (any, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.models[name]
	return m, ok
}

func (f *fakeConn) DetachView() {}

func (f *fakeConn) Leave() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.left = true
	return nil
}

func (f *fakeConn) events() []publishedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]publishedEvent(nil), f.published...)
}

func (f *fakeConn) lastEvent(t *testing.T) publishedEvent {
	t.Helper()
	evs := f.events()
	if len(evs) == 0 {
		t.Fatal("expected at least one published event")
	}
	return evs[len(evs)-1]
}

// fixedColors returns a deterministic color source and a call counter.
func fixedColors(colors ...string) (PickColorFunc, *int) {
	calls := new(int)
	return func(map[string]bool) string {
		c := colors[*calls%len(colors)]
		*calls++
		return c
	}, calls
}

func newTestModel(t *testing.T, limits Limits) *Model {
	t.Helper()
	return NewModel(Config{Log: zaptest.NewLogger(t), Limits: limits})
}

func TestViewJoinAndExit(t *testing.T) {
	m := newTestModel(t, Limits{})

	m.ViewJoin("v1")
	m.ViewJoin("v2")
	if got := m.Participants(); got != 2 {
		t.Fatalf("expected 2 participants, got %d", got)
	}
	if nick := m.Nickname("v1"); nick != DefaultNickname {
		t.Fatalf("expected placeholder nickname, got %q", nick)
	}

	// A rejoin resets the nickname but never double-counts.
	m.SetNickname("v1", "Ann")
	m.ViewJoin("v1")
	if got := m.Participants(); got != 2 {
		t.Fatalf("expected rejoin to keep count at 2, got %d", got)
	}
	if nick := m.Nickname("v1"); nick != DefaultNickname {
		t.Fatalf("expected rejoin to reset nickname, got %q", nick)
	}

	m.ViewExit("v1")
	if got := m.Participants(); got != 1 {
		t.Fatalf("expected 1 participant after exit, got %d", got)
	}
	if nick := m.Nickname("v1"); nick != "" {
		t.Fatalf("expected record removed, got %q", nick)
	}

	// Exits for unknown views never push the count below the live records.
	m.ViewExit("v1")
	m.ViewExit("ghost")
	if got := m.Participants(); got != 1 {
		t.Fatalf("expected count to stay at 1, got %d", got)
	}
}

func TestColorAssignmentIsStable(t *testing.T) {
	pick, calls := fixedColors("#111111", "#222222")
	m := NewModel(Config{Log: zaptest.NewLogger(t), PickColor: pick})

	m.ViewJoin("v1")
	if got := m.Color("v1"); got != "#111111" {
		t.Fatalf("expected assigned color, got %s", got)
	}

	// Nickname changes and rejoins keep the color.
	m.SetNickname("v1", "Ann")
	m.ViewJoin("v1")
	if got := m.Color("v1"); got != "#111111" {
		t.Fatalf("expected stable color, got %s", got)
	}
	if *calls != 1 {
		t.Fatalf("expected a single color assignment, got %d", *calls)
	}

	if got := m.Color(SystemViewID); got != SystemColor {
		t.Fatalf("expected system color, got %s", got)
	}
	if got := m.Color("unknown"); got != SystemColor {
		t.Fatalf("expected system color for unknown view, got %s", got)
	}
}

func TestGuestPostingGate(t *testing.T) {
	m := newTestModel(t, Limits{RequireNickname: true})
	m.ViewJoin("v1")

	if m.CanSendMessage("v1") {
		t.Fatal("placeholder nickname must not allow posting")
	}
	m.NewPost("v1", "hi")
	if got := len(m.History()); got != 0 {
		t.Fatalf("expected gated post to be dropped, got %d entries", got)
	}

	m.SetNickname("v1", "Ann")
	if !m.CanSendMessage("v1") {
		t.Fatal("named participant must be allowed to post")
	}
	m.NewPost("v1", "hi")
	history := m.History()
	if len(history) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(history))
	}
	if want := `<b><span class="nickname">Ann</span></b> hi`; history[0].Line != want {
		t.Fatalf("expected line %q, got %q", want, history[0].Line)
	}

	// Clearing the nickname maps back to the placeholder and closes the gate.
	m.SetNickname("v1", "   ")
	if m.CanSendMessage("v1") {
		t.Fatal("whitespace nickname must map back to the placeholder")
	}
}

func TestNewPostSanitizesAndEscapes(t *testing.T) {
	m := newTestModel(t, Limits{})
	m.ViewJoin("v1")
	m.SetNickname("v1", "<b>Ann</b>")

	m.NewPost("v1", `<script>alert(1)</script>`)
	m.NewPost("v1", "javascript:alert(1)")
	m.NewPost("v1", "  padded  ")
	m.NewPost("v1", "javascjavascript:ript:alert(1)")

	history := m.History()
	if len(history) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(history))
	}
	if !strings.Contains(history[0].Line, "&lt;script&gt;alert(1)&lt;/script&gt;") {
		t.Fatalf("expected escaped markup, got %q", history[0].Line)
	}
	if !strings.Contains(history[0].Line, `<span class="nickname">&lt;b&gt;Ann&lt;/b&gt;</span>`) {
		t.Fatalf("expected escaped nickname, got %q", history[0].Line)
	}
	if strings.Contains(history[1].Line, "javascript:") {
		t.Fatalf("expected script scheme stripped, got %q", history[1].Line)
	}
	if !strings.HasSuffix(history[2].Line, "> padded") {
		t.Fatalf("expected surrounding whitespace trimmed, got %q", history[2].Line)
	}
	// A scheme split around another occurrence must not survive stripping.
	if strings.Contains(history[3].Line, "javascript:") || !strings.HasSuffix(history[3].Line, "> alert(1)") {
		t.Fatalf("expected reassembled scheme stripped, got %q", history[3].Line)
	}
}

func TestNewPostTruncatesLongInput(t *testing.T) {
	m := newTestModel(t, Limits{MaxPostLength: 5})
	m.ViewJoin("v1")
	m.SetNickname("v1", "Ann")

	m.NewPost("v1", "abcdefgh")
	history := m.History()
	if len(history) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(history))
	}
	if !strings.HasSuffix(history[0].Line, "> abcde") {
		t.Fatalf("expected post capped at 5 runes, got %q", history[0].Line)
	}
}

func TestNewPostDropsMalformedInput(t *testing.T) {
	m := newTestModel(t, Limits{})
	m.ViewJoin("v1")
	m.SetNickname("v1", "Ann")

	m.NewPost("", "hi")
	m.NewPost("v1", 42)
	m.NewPost("v1", map[string]any{"nested": true})
	if got := len(m.History()); got != 0 {
		t.Fatalf("expected malformed posts dropped, got %d entries", got)
	}
}

func TestHistoryHardCapEvictsBatch(t *testing.T) {
	conn := newTestConn("v1", false)
	m := newTestModel(t, Limits{HistoryMax: 10})
	if err := m.Attach(conn); err != nil {
		t.Fatalf("attach: %v", err)
	}
	defer m.Dispose(true)

	m.ViewJoin("v1")
	m.SetNickname("v1", "Ann")
	for i := 0; i < 10; i++ {
		m.NewPost("v1", "line")
	}
	if got := len(m.History()); got != 10 {
		t.Fatalf("expected 10 entries at the cap, got %d", got)
	}
	if ev := conn.lastEvent(t); ev.Scope != platform.ScopeHistory || ev.Event != EventNewMessage {
		t.Fatalf("expected append notification below the cap, got %s/%s", ev.Scope, ev.Event)
	}

	// Crossing the cap drops a head batch and forces a full replace, because
	// every consumer's positions shifted.
	m.NewPost("v1", "overflow")
	if got := len(m.History()); got != 10 {
		t.Fatalf("expected batch eviction back to 10, got %d", got)
	}
	if ev := conn.lastEvent(t); ev.Scope != platform.ScopeHistory || ev.Event != EventRefresh {
		t.Fatalf("expected refresh notification after eviction, got %s/%s", ev.Scope, ev.Event)
	}
	last := m.History()[len(m.History())-1]
	if !strings.HasSuffix(last.Line, "> overflow") {
		t.Fatalf("expected newest entry kept, got %q", last.Line)
	}
}

func TestResetHistoryIsIdempotent(t *testing.T) {
	m := newTestModel(t, Limits{})
	m.ViewJoin("v1")
	m.SetNickname("v1", "Ann")
	m.NewPost("v1", "hi")

	m.ResetHistory("for new participants")
	if got := len(m.History()); got != 0 {
		t.Fatalf("expected empty history, got %d entries", got)
	}
	if !m.LastPostTime().IsZero() {
		t.Fatal("expected last-post time cleared")
	}
	m.ResetHistory("again")
	if got := len(m.History()); got != 0 {
		t.Fatalf("expected reset to stay empty, got %d entries", got)
	}
	if got := m.Participants(); got != 1 {
		t.Fatalf("expected participants untouched by reset, got %d", got)
	}
}

func TestCleanupEvictsInactiveParticipants(t *testing.T) {
	now := time.Unix(1000, 0)
	conn := newTestConn("v1", false)
	m := NewModel(Config{
		Log:    zaptest.NewLogger(t),
		Limits: Limits{InactivityTimeout: 10 * time.Minute},
		Now:    func() time.Time { return now },
	})
	if err := m.Attach(conn); err != nil {
		t.Fatalf("attach: %v", err)
	}
	defer m.Dispose(true)

	m.ViewJoin("v1")
	m.SetNickname("v1", "Ann")
	m.NewPost("v1", "hi")

	// Active rooms are left alone.
	now = now.Add(5 * time.Minute)
	m.cleanupOldData()
	if got := m.Participants(); got != 1 {
		t.Fatalf("expected active room untouched, got %d participants", got)
	}

	now = now.Add(10*time.Minute + time.Second)
	m.cleanupOldData()
	if got := m.Participants(); got != 0 {
		t.Fatalf("expected inactive participants evicted, got %d", got)
	}
	if nick := m.Nickname("v1"); nick != "" {
		t.Fatalf("expected participant record removed, got %q", nick)
	}
	if ev := conn.lastEvent(t); ev.Scope != platform.ScopeViewInfo || ev.Event != EventRefresh {
		t.Fatalf("expected view-info refresh after eviction, got %s/%s", ev.Scope, ev.Event)
	}
}

func TestCleanupQuietRoomUsesAttachTime(t *testing.T) {
	now := time.Unix(1000, 0)
	m := NewModel(Config{
		Log:    zaptest.NewLogger(t),
		Limits: Limits{InactivityTimeout: 10 * time.Minute},
		Now:    func() time.Time { return now },
	})
	if err := m.Attach(newTestConn("v1", false)); err != nil {
		t.Fatalf("attach: %v", err)
	}
	defer m.Dispose(true)

	m.ViewJoin("v1")

	// No post ever happened; idle time counts from attach.
	now = now.Add(10*time.Minute + time.Second)
	m.cleanupOldData()
	if got := m.Participants(); got != 0 {
		t.Fatalf("expected quiet room evicted from attach time, got %d", got)
	}
}

func TestCleanupSoftTrimsHistory(t *testing.T) {
	conn := newTestConn("v1", false)
	m := newTestModel(t, Limits{HistoryMax: 10})
	if err := m.Attach(conn); err != nil {
		t.Fatalf("attach: %v", err)
	}
	defer m.Dispose(true)

	m.ViewJoin("v1")
	m.SetNickname("v1", "Ann")
	for i := 0; i < 9; i++ {
		m.NewPost("v1", "line")
	}

	m.cleanupOldData()
	if got := len(m.History()); got != 8 {
		t.Fatalf("expected soft trim to 8 entries, got %d", got)
	}
	if ev := conn.lastEvent(t); ev.Scope != platform.ScopeHistory || ev.Event != EventRefresh {
		t.Fatalf("expected refresh after trim, got %s/%s", ev.Scope, ev.Event)
	}
}

func TestMaintenanceStopsAfterSessionTeardown(t *testing.T) {
	conn := newTestConn("v1", false)
	m := NewModel(Config{
		Log:    zaptest.NewLogger(t),
		Limits: Limits{CleanupInterval: 5 * time.Millisecond},
	})
	if err := m.Attach(conn); err != nil {
		t.Fatalf("attach: %v", err)
	}

	// The maintenance task runs on the live session.
	deadline := time.After(time.Second)
	for conn.executeCalls() < 2 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for maintenance to run")
		case <-time.After(time.Millisecond):
		}
	}

	// After the session leaves, the dispatch loop drops submissions and the
	// timer chain must die with it instead of re-arming forever.
	if err := conn.Leave(); err != nil {
		t.Fatalf("leave: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	base := conn.executeCalls()
	time.Sleep(50 * time.Millisecond)
	if got := conn.executeCalls(); got != base {
		t.Fatalf("maintenance kept rescheduling after teardown: %d new submissions", got-base)
	}
}

func TestDisposeRefusesWhileOccupied(t *testing.T) {
	m := newTestModel(t, Limits{})
	m.ViewJoin("v1")

	if m.Dispose(false) {
		t.Fatal("dispose must refuse while participants remain")
	}
	if got := m.Participants(); got != 1 {
		t.Fatalf("expected refused dispose to keep state, got %d participants", got)
	}

	if !m.Dispose(true) {
		t.Fatal("forced dispose must succeed")
	}
	if got := m.Participants(); got != 0 {
		t.Fatalf("expected cleared state, got %d participants", got)
	}
	if got := len(m.History()); got != 0 {
		t.Fatalf("expected cleared history, got %d entries", got)
	}
}

func TestAttachDispatchesReplicatedEvents(t *testing.T) {
	conn := newTestConn("v1", false)
	m := newTestModel(t, Limits{})
	if err := m.Attach(conn); err != nil {
		t.Fatalf("attach: %v", err)
	}
	defer m.Dispose(true)

	if err := m.Attach(conn); err == nil {
		t.Fatal("expected second attach to fail")
	}

	// Membership events arrive as bare strings, intents as objects.
	conn.emit(platform.ScopeSession, platform.EventViewJoin, "v2")
	conn.emit(platform.ScopeViewInfo, EventSetNickname, map[string]any{"viewId": "v2", "nickname": "Bob"})
	conn.emit(platform.ScopeInput, EventNewPost, map[string]any{"viewId": "v2", "text": "hello"})
	conn.emit(platform.ScopeSession, platform.EventViewExit, map[string]any{"viewId": "v2"})

	if got := m.Participants(); got != 0 {
		t.Fatalf("expected join+exit to cancel out, got %d", got)
	}
	history := m.History()
	if len(history) != 1 || !strings.Contains(history[0].Line, "Bob") {
		t.Fatalf("expected Bob's post applied, got %+v", history)
	}

	conn.emit(platform.ScopeInput, EventReset, "cleanup")
	if got := len(m.History()); got != 0 {
		t.Fatalf("expected reset applied, got %d entries", got)
	}
}

func TestDecodeViewID(t *testing.T) {
	if id, ok := decodeViewID(json.RawMessage(`{"viewId":"v1"}`)); !ok || id != "v1" {
		t.Fatalf("expected object form decoded, got %q ok=%v", id, ok)
	}
	if id, ok := decodeViewID(json.RawMessage(`"v1"`)); !ok || id != "v1" {
		t.Fatalf("expected bare string decoded, got %q ok=%v", id, ok)
	}
	if _, ok := decodeViewID(json.RawMessage(`{}`)); ok {
		t.Fatal("expected empty object rejected")
	}
	if _, ok := decodeViewID(json.RawMessage(`42`)); ok {
		t.Fatal("expected number rejected")
	}
}
