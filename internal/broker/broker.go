// Package broker provides ref-counted, shared access to room connections,
// hiding retry and coalescing complexity from consumers.
package broker

import (
	"context"
	"errors"
	"sync"

	"github.com/0xDorin/multisynq-chat/internal/connector"
	"github.com/0xDorin/multisynq-chat/internal/platform"
	"go.uber.org/zap"
)

// Config wires dependencies for the Broker.
type Config struct {
	Log       *zap.Logger
	Connector *connector.Connector
	Store     *Store
	Metrics   *Metrics
	Retry     connector.RetryOptions
}

// Broker caches one shared connection per room. Concurrent Acquire calls for
// the same room coalesce onto a single in-flight attempt; Release tears the
// connection down exactly when the last holder lets go.
type Broker struct {
	log       *zap.Logger
	connector *connector.Connector
	store     *Store
	metrics   *Metrics
	retry     connector.RetryOptions

	mu       sync.Mutex
	inflight map[string]*attempt
}

// attempt is one coalesced acquisition. done is closed after conn/err and the
// cache entry are settled; waiters counts callers still waiting on it.
type attempt struct {
	done    chan struct{}
	conn    platform.Connection
	err     error
	waiters int
}

// New builds a Broker.
func New(cfg Config) (*Broker, error) {
	if cfg.Connector == nil {
		return nil, errors.New("connector is required")
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.Store == nil {
		cfg.Store = NewStore()
	}
	return &Broker{
		log:       cfg.Log,
		connector: cfg.Connector,
		store:     cfg.Store,
		metrics:   cfg.Metrics,
		retry:     cfg.Retry,
		inflight:  make(map[string]*attempt),
	}, nil
}

// Acquire returns the shared connection for a room, starting a retried join
// when none exists. All concurrent callers for one room share a single
// underlying join; a caller whose context ends abandons the wait without
// cancelling the attempt for the others.
func (b *Broker) Acquire(ctx context.Context, roomID string) (platform.Connection, error) {
	if roomID == "" {
		return nil, connector.ErrRoomRequired
	}

	b.mu.Lock()
	if e, ok := b.store.AddRef(roomID); ok {
		b.mu.Unlock()
		b.metrics.RecordAcquire()
		return e.Conn, nil
	}
	if att, ok := b.inflight[roomID]; ok {
		att.waiters++
		b.mu.Unlock()
		b.metrics.RecordCoalesced()
		return b.wait(ctx, roomID, att)
	}

	att := &attempt{done: make(chan struct{}), waiters: 1}
	b.inflight[roomID] = att
	b.mu.Unlock()
	b.metrics.RecordAcquire()

	go b.connect(roomID, att)
	return b.wait(ctx, roomID, att)
}

// connect runs the retried join on a detached context and settles the
// attempt. A success nobody is waiting for anymore is reaped on the spot so
// the refs>0 <=> entry-exists invariant holds.
func (b *Broker) connect(roomID string, att *attempt) {
	conn, err := b.connector.ConnectWithRetry(context.Background(), roomID,
		func(st connector.Status) { b.store.SetStatus(roomID, st) }, b.retry)

	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.inflight, roomID)
	att.conn, att.err = conn, err

	switch {
	case err != nil:
		// Terminal failure: no residual entry. The failed status stays
		// readable until a later acquire or release clears it.
	case att.waiters == 0:
		_ = conn.Leave()
		att.conn, att.err = nil, context.Canceled
		b.store.Delete(roomID)
		b.log.Info("reaped join with no remaining waiters", zap.String("room", roomID))
	default:
		b.store.Insert(roomID, conn, att.waiters)
		b.metrics.SetActiveSessions(b.store.Len())
	}
	close(att.done)
}

func (b *Broker) wait(ctx context.Context, roomID string, att *attempt) (platform.Connection, error) {
	select {
	case <-att.done:
		return att.conn, att.err
	case <-ctx.Done():
	}

	b.mu.Lock()
	select {
	case <-att.done:
		// Settled while we were cancelling: our ref was counted into the
		// entry, so give it back before reporting cancellation.
		b.mu.Unlock()
		if att.err == nil {
			b.Release(roomID)
		}
		return nil, ctx.Err()
	default:
		att.waiters--
		b.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Release detaches one holder. The last holder's release tears the
// connection down exactly once and removes the cache and status records;
// earlier releases only detach the local view. Releasing a room with no live
// entry drops any terminal failure record, so failing room IDs do not
// accumulate status state.
func (b *Broker) Release(roomID string) {
	entry, remaining, ok := b.store.Release(roomID)
	if !ok {
		b.mu.Lock()
		if _, inflight := b.inflight[roomID]; !inflight {
			b.store.Delete(roomID)
		}
		b.mu.Unlock()
		return
	}
	b.metrics.RecordRelease()

	if remaining > 0 {
		entry.Conn.DetachView()
		return
	}
	if err := entry.Conn.Leave(); err != nil {
		b.log.Warn("session teardown failed", zap.String("room", roomID), zap.Error(err))
	}
	b.metrics.SetActiveSessions(b.store.Len())
	b.log.Info("room session closed", zap.String("room", roomID))
}

// ConnectionStatus reads the current status for a room, idle by default.
func (b *Broker) ConnectionStatus(roomID string) connector.Status {
	return b.store.Status(roomID)
}
