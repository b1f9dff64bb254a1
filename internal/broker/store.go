package broker

import (
	"sync"

	"github.com/0xDorin/multisynq-chat/internal/connector"
	"github.com/0xDorin/multisynq-chat/internal/platform"
)

// Entry is one cached room connection and its holder count.
type Entry struct {
	Conn platform.Connection
	Refs int
}

// Store holds the connection cache and per-room status records behind a
// single lock, so ref-count and cache mutations are one atomic step. It is
// constructor-injected into the Broker rather than ambient package state.
type Store struct {
	mu      sync.Mutex
	entries map[string]Entry
	status  map[string]connector.Status
}

// NewStore builds an empty store.
func NewStore() *Store {
	return &Store{
		entries: make(map[string]Entry),
		status:  make(map[string]connector.Status),
	}
}

// Get returns the entry for a room, if any.
func (s *Store) Get(roomID string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[roomID]
	return e, ok
}

// AddRef increments the holder count of an existing entry. Reports whether
// the entry existed.
func (s *Store) AddRef(roomID string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[roomID]
	if !ok {
		return Entry{}, false
	}
	e.Refs++
	s.entries[roomID] = e
	return e, true
}

// Insert records a fresh connection with an initial holder count.
func (s *Store) Insert(roomID string, conn platform.Connection, refs int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[roomID] = Entry{Conn: conn, Refs: refs}
}

// Release decrements the holder count. When it reaches zero the entry and
// its status record are removed and the caller owns the teardown of the
// returned connection. The count never goes negative.
func (s *Store) Release(roomID string) (Entry, int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[roomID]
	if !ok {
		return Entry{}, 0, false
	}
	if e.Refs > 0 {
		e.Refs--
	}
	if e.Refs == 0 {
		delete(s.entries, roomID)
		delete(s.status, roomID)
		return e, 0, true
	}
	s.entries[roomID] = e
	return e, e.Refs, true
}

// Delete drops an entry and its status record unconditionally.
func (s *Store) Delete(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, roomID)
	delete(s.status, roomID)
}

// SetStatus records the connection status for a room.
func (s *Store) SetStatus(roomID string, st connector.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status[roomID] = st
}

// Status reads the status for a room, defaulting to idle.
func (s *Store) Status(roomID string) connector.Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.status[roomID]
	if !ok {
		return connector.StatusIdle
	}
	return st
}

// Len reports the number of cached connections.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
