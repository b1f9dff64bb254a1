// Package connector turns the reflector's unreliable join operation into a
// retried, timeout-bounded, stale-proof acquisition primitive.
package connector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/0xDorin/multisynq-chat/internal/platform"
	"go.uber.org/zap"
)

// Status describes the connection lifecycle for one room.
type Status string

const (
	StatusIdle         Status = "idle"
	StatusConnecting   Status = "connecting"
	StatusReconnecting Status = "reconnecting"
	StatusConnected    Status = "connected"
	StatusFailed       Status = "failed"
)

var (
	// ErrJoinTimeout reports an attempt that outlived its per-attempt window.
	ErrJoinTimeout = errors.New("join timed out")
	// ErrStaleAttempt reports a success superseded by a newer acquisition
	// for the same room. The connection is already torn down.
	ErrStaleAttempt = errors.New("stale attempt discarded")
	// ErrMaxAttempts reports exhaustion of the retry budget.
	ErrMaxAttempts = errors.New("max join attempts exhausted")
	// ErrRoomRequired reports an empty room identifier.
	ErrRoomRequired = errors.New("room id is required")
)

const (
	defaultMaxAttempts    = 3
	defaultInitialTimeout = 4 * time.Second
	defaultMaxTimeout     = 8 * time.Second
	defaultBackoff        = time.Second
	defaultBackoffCap     = 2 * time.Second
)

// RetryOptions bound a ConnectWithRetry sequence. Zero fields take defaults.
type RetryOptions struct {
	MaxAttempts    int
	InitialTimeout time.Duration
	MaxTimeout     time.Duration
	Backoff        time.Duration
	BackoffCap     time.Duration
}

func (o RetryOptions) withDefaults() RetryOptions {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = defaultMaxAttempts
	}
	if o.InitialTimeout <= 0 {
		o.InitialTimeout = defaultInitialTimeout
	}
	if o.MaxTimeout <= 0 {
		o.MaxTimeout = defaultMaxTimeout
	}
	if o.Backoff <= 0 {
		o.Backoff = defaultBackoff
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = defaultBackoffCap
	}
	return o
}

// Config wires dependencies for the Connector.
type Config struct {
	Log     *zap.Logger
	Join    platform.Joiner
	Metrics *Metrics
}

// Connector produces live room connections with per-attempt timeouts,
// capped backoff between attempts, and attempt-generation bookkeeping so a
// slow, late-arriving retry can never shadow a newer acquisition.
type Connector struct {
	log     *zap.Logger
	join    platform.Joiner
	metrics *Metrics

	mu          sync.Mutex
	generations map[string]uint64
}

// New builds a Connector.
func New(cfg Config) (*Connector, error) {
	if cfg.Join == nil {
		return nil, errors.New("join function is required")
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	return &Connector{
		log:         cfg.Log,
		join:        cfg.Join,
		metrics:     cfg.Metrics,
		generations: make(map[string]uint64),
	}, nil
}

// Attempt starts exactly one underlying join for the room.
func (c *Connector) Attempt(ctx context.Context, roomID string) (platform.Connection, error) {
	if roomID == "" {
		return nil, ErrRoomRequired
	}
	return c.join(ctx, roomID)
}

type joinResult struct {
	conn platform.Connection
	err  error
}

// AttemptWithTimeout races one join against a timer. When the timer or the
// caller's context wins, the abandoned join keeps running on a detached
// context and its eventual connection is reaped, never surfaced.
func (c *Connector) AttemptWithTimeout(ctx context.Context, roomID string, timeout time.Duration) (platform.Connection, error) {
	if roomID == "" {
		return nil, ErrRoomRequired
	}

	resCh := make(chan joinResult, 1)
	joinCtx := context.WithoutCancel(ctx)
	go func() {
		conn, err := c.join(joinCtx, roomID)
		resCh <- joinResult{conn: conn, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-resCh:
		return r.conn, r.err
	case <-ctx.Done():
		go c.reap(roomID, resCh)
		return nil, ctx.Err()
	case <-timer.C:
		c.metrics.RecordTimeout()
		go c.reap(roomID, resCh)
		return nil, fmt.Errorf("%w after %s", ErrJoinTimeout, timeout)
	}
}

// reap waits for an abandoned join to settle and closes any connection it
// produced so lost races cannot leak sessions.
func (c *Connector) reap(roomID string, resCh <-chan joinResult) {
	r := <-resCh
	if r.conn == nil {
		return
	}
	_ = r.conn.Leave()
	c.log.Debug("reaped abandoned join", zap.String("room", roomID))
}

// ConnectWithRetry orchestrates up to MaxAttempts sequential joins. The
// per-attempt timeout grows linearly with the attempt number, capped at
// MaxTimeout; the wait between failed attempts doubles up to BackoffCap.
// onStatus observes connecting/reconnecting/connected/failed.
func (c *Connector) ConnectWithRetry(ctx context.Context, roomID string, onStatus func(Status), opts RetryOptions) (platform.Connection, error) {
	if roomID == "" {
		return nil, ErrRoomRequired
	}
	if onStatus == nil {
		onStatus = func(Status) {}
	}
	opts = opts.withDefaults()

	gen := c.nextGeneration(roomID)

	var lastErr error
	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		if attempt == 1 {
			onStatus(StatusConnecting)
		} else {
			onStatus(StatusReconnecting)
			c.metrics.RecordRetry()
		}

		timeout := min(opts.InitialTimeout*time.Duration(attempt), opts.MaxTimeout)
		conn, err := c.AttemptWithTimeout(ctx, roomID, timeout)
		if err == nil {
			if c.stale(roomID, gen) {
				_ = conn.Leave()
				c.metrics.RecordStaleDiscard()
				c.log.Warn("discarded superseded connection",
					zap.String("room", roomID), zap.Uint64("generation", gen))
				return nil, ErrStaleAttempt
			}
			onStatus(StatusConnected)
			c.metrics.RecordJoinSuccess()
			c.log.Info("room connected",
				zap.String("room", roomID), zap.Int("attempt", attempt))
			return conn, nil
		}
		lastErr = err

		// A superseded sequence stops retrying but leaves status alone;
		// the newer sequence owns it now.
		if c.stale(roomID, gen) {
			return nil, fmt.Errorf("%w: %w", ErrStaleAttempt, err)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt == opts.MaxAttempts {
			break
		}

		c.log.Warn("join attempt failed, backing off",
			zap.String("room", roomID), zap.Int("attempt", attempt), zap.Error(err))
		backoff := min(opts.Backoff<<(attempt-1), opts.BackoffCap)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}

	onStatus(StatusFailed)
	c.metrics.RecordJoinFailure()
	c.log.Warn("room connection failed",
		zap.String("room", roomID), zap.Int("attempts", opts.MaxAttempts), zap.Error(lastErr))
	return nil, fmt.Errorf("%w (%d attempts): %w", ErrMaxAttempts, opts.MaxAttempts, lastErr)
}

// nextGeneration registers a fresh acquisition sequence for the room and
// invalidates all earlier ones.
func (c *Connector) nextGeneration(roomID string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generations[roomID]++
	return c.generations[roomID]
}

func (c *Connector) stale(roomID string, gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generations[roomID] != gen
}
