package legacy

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/rs/zerolog/log"
)

// PoolConfig controls pool capacity, expiry and retry policy.
type PoolConfig struct {
	MaxConnections int
	IdleTimeout    time.Duration
	RetryAttempts  int
	RetryDelay     time.Duration
	SweepInterval  time.Duration
}

// DefaultPoolConfig returns the production defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxConnections: 10,
		IdleTimeout:    5 * time.Minute,
		RetryAttempts:  3,
		RetryDelay:     time.Second,
		SweepInterval:  time.Minute,
	}
}

// Handle is a pooled connection. It is shared by every caller acquiring the
// same path and must be returned with Release, never closed directly. A
// handle evicted while in use is closed by its last Release.
type Handle struct {
	Path      string
	CreatedAt time.Time

	key        string
	conn       Conn
	lastUsedAt time.Time

	// guarded by Pool.mu
	refs    int
	evicted bool
	closed  bool
}

// QueryContext runs a query on the pooled connection.
func (h *Handle) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return h.conn.QueryContext(ctx, query, args...)
}

// Dialect reports the SQL dialect of the underlying connection.
func (h *Handle) Dialect() Dialect { return h.conn.Dialect() }

// Conn exposes the underlying connection for helpers such as CountRows.
func (h *Handle) Conn() Conn { return h.conn }

// ConnStats describes one pooled connection.
type ConnStats struct {
	Path       string        `json:"path"`
	CreatedAt  time.Time     `json:"created_at"`
	LastUsedAt time.Time     `json:"last_used_at"`
	Idle       time.Duration `json:"idle_ns"`
	InUse      int           `json:"in_use"`
}

// PoolStats is a snapshot of the pool.
type PoolStats struct {
	Total          int           `json:"total_connections"`
	MaxConnections int           `json:"max_connections"`
	IdleTimeout    time.Duration `json:"idle_timeout_ns"`
	Connections    []ConnStats   `json:"connections"`
}

// Pool keeps at most MaxConnections open legacy connections keyed by file
// path. Handles are health-checked before reuse, created with retries, evicted
// least-recently-used first when full, and closed after IdleTimeout.
type Pool struct {
	opener Opener
	cfg    PoolConfig
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	lru     *simplelru.LRU[string, *Handle]
	closing bool
}

// PoolOption customizes a Pool.
type PoolOption func(*Pool)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) PoolOption {
	return func(p *Pool) { p.now = now }
}

// WithSleep replaces the retry backoff sleep.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) PoolOption {
	return func(p *Pool) { p.sleep = sleep }
}

// NewPool creates a pool over opener.
func NewPool(opener Opener, cfg PoolConfig, opts ...PoolOption) *Pool {
	def := DefaultPoolConfig()
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = def.MaxConnections
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = def.RetryAttempts
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}

	p := &Pool{
		opener: opener,
		cfg:    cfg,
		now:    time.Now,
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		opt(p)
	}

	// NewLRU only fails on a non-positive size.
	p.lru, _ = simplelru.NewLRU[string, *Handle](cfg.MaxConnections, func(key string, h *Handle) {
		h.evicted = true
		if h.refs == 0 || p.closing {
			p.closeLocked(h)
		}
	})
	return p
}

func (p *Pool) closeLocked(h *Handle) {
	if h.closed {
		return
	}
	h.closed = true
	log.Debug().Str("path", h.Path).Msg("Closing legacy connection")
	if err := h.conn.Close(); err != nil {
		log.Warn().Err(err).Str("path", h.Path).Msg("Failed to close legacy connection")
	}
}

func (p *Pool) releaseLocked(h *Handle) {
	if h.refs > 0 {
		h.refs--
	}
	if h.evicted && h.refs == 0 {
		p.closeLocked(h)
	}
}

// Key returns the pool key for path.
func Key(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	sum := sha256.Sum256([]byte(filepath.Clean(path)))
	return hex.EncodeToString(sum[:])
}

// Acquire returns a healthy handle for path, creating one when needed.
func (p *Pool) Acquire(ctx context.Context, path string) (*Handle, error) {
	return p.acquire(ctx, path, true)
}

// AcquireFast is Acquire without the health check on a cached handle.
func (p *Pool) AcquireFast(ctx context.Context, path string) (*Handle, error) {
	return p.acquire(ctx, path, false)
}

func (p *Pool) acquire(ctx context.Context, path string, healthCheck bool) (*Handle, error) {
	if path == "" {
		return nil, &ConnectionError{Path: path, Err: errors.New("empty path")}
	}
	key := Key(path)

	p.mu.Lock()
	p.sweepLocked()
	h, ok := p.lru.Get(key)
	if ok {
		h.refs++
		if !healthCheck {
			h.lastUsedAt = p.now()
			p.mu.Unlock()
			return h, nil
		}
	}
	p.mu.Unlock()

	if ok {
		err := h.conn.PingContext(ctx)
		if err == nil {
			p.mu.Lock()
			h.lastUsedAt = p.now()
			p.mu.Unlock()
			return h, nil
		}
		log.Warn().Err(err).Str("path", path).Msg("Legacy connection failed health check, reconnecting")
		p.mu.Lock()
		if cur, found := p.lru.Peek(key); found && cur == h {
			p.lru.Remove(key)
		}
		p.releaseLocked(h)
		p.mu.Unlock()
	}

	conn, err := p.openWithRetry(ctx, path)
	if err != nil {
		return nil, err
	}

	// Connections are opened outside the lock, so concurrent creators of
	// different paths may briefly hold more than MaxConnections open; the
	// LRU brings the pooled count back under the limit on Add.
	now := p.now()
	h = &Handle{Path: path, CreatedAt: now, key: key, conn: conn, lastUsedAt: now, refs: 1}

	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, found := p.lru.Get(key); found {
		// Another caller created the handle meanwhile.
		conn.Close()
		cur.lastUsedAt = now
		cur.refs++
		return cur, nil
	}
	if p.lru.Len() >= p.cfg.MaxConnections {
		if _, oldest, ok := p.lru.GetOldest(); ok {
			log.Info().Str("path", oldest.Path).Msg("Connection pool full, evicting least recently used")
		}
	}
	p.lru.Add(key, h)
	log.Debug().Str("path", path).Int("pool_size", p.lru.Len()).Msg("Legacy connection created")
	return h, nil
}

func (p *Pool) openWithRetry(ctx context.Context, path string) (Conn, error) {
	var lastErr error
	for attempt := 1; attempt <= p.cfg.RetryAttempts; attempt++ {
		conn, err := p.opener.Open(ctx, path)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		log.Warn().Err(err).Str("path", path).Int("attempt", attempt).Msg("Legacy connection attempt failed")

		if attempt < p.cfg.RetryAttempts {
			if err := p.sleep(ctx, time.Duration(attempt)*p.cfg.RetryDelay); err != nil {
				return nil, &ConnectionError{Path: path, Attempts: attempt, Err: err}
			}
		}
	}
	return nil, &ConnectionError{Path: path, Attempts: p.cfg.RetryAttempts, Err: lastErr}
}

// Release marks h as used now. The connection stays pooled unless it was
// evicted while in use, in which case the last Release closes it.
func (p *Pool) Release(h *Handle) {
	if h == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	h.lastUsedAt = p.now()
	if cur, ok := p.lru.Peek(h.key); ok && cur == h {
		p.lru.Get(h.key)
	}
	p.releaseLocked(h)
}

// Sweep closes every handle idle for longer than IdleTimeout and returns how
// many were closed. Handles in use are never idle.
func (p *Pool) Sweep() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sweepLocked()
}

func (p *Pool) sweepLocked() int {
	now := p.now()
	expired := make([]string, 0)
	for _, key := range p.lru.Keys() {
		h, _ := p.lru.Peek(key)
		if h.refs == 0 && now.Sub(h.lastUsedAt) > p.cfg.IdleTimeout {
			expired = append(expired, key)
		}
	}
	for _, key := range expired {
		if h, ok := p.lru.Peek(key); ok {
			log.Debug().Str("path", h.Path).Msg("Legacy connection expired")
		}
		p.lru.Remove(key)
	}
	return len(expired)
}

// Run sweeps on SweepInterval until ctx is done.
func (p *Pool) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := p.Sweep(); n > 0 {
				log.Info().Int("closed", n).Msg("Closed idle legacy connections")
			}
		}
	}
}

// CloseAll closes every pooled connection, including handles still in use.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.lru.Len()
	p.closing = true
	p.lru.Purge()
	p.closing = false
	if n > 0 {
		log.Info().Int("closed", n).Msg("All legacy connections closed")
	}
}

// Len returns the number of pooled connections.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lru.Len()
}

// Stats returns a snapshot, most recently used first.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	stats := PoolStats{
		Total:          p.lru.Len(),
		MaxConnections: p.cfg.MaxConnections,
		IdleTimeout:    p.cfg.IdleTimeout,
		Connections:    make([]ConnStats, 0, p.lru.Len()),
	}
	keys := p.lru.Keys()
	for i := len(keys) - 1; i >= 0; i-- {
		h, _ := p.lru.Peek(keys[i])
		stats.Connections = append(stats.Connections, ConnStats{
			Path:       h.Path,
			CreatedAt:  h.CreatedAt,
			LastUsedAt: h.lastUsedAt,
			Idle:       now.Sub(h.lastUsedAt),
			InUse:      h.refs,
		})
	}
	return stats
}

// Test opens a throwaway connection and counts Article rows. The connection
// is not pooled.
func (p *Pool) Test(ctx context.Context, path string) (int, error) {
	conn, err := p.openWithRetry(ctx, path)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	n, err := CountRows(ctx, conn, TableArticle)
	if err != nil {
		return 0, fmt.Errorf("failed to count articles in %s: %w", path, err)
	}
	return n, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
