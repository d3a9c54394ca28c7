package dispatch

import (
	"context"
	"sync"
	"time"
)

// PooledConn is anything the pool can hand out and take back: a live
// connection that knows whether it is still usable.
type PooledConn interface {
	Usable() bool
	Close() error
}

// PoolConfig configures a Pool, adapted from the generic per-key connection
// pool shape in foxcpp-maddy/internal/smtpconn/pool: New dials a fresh
// connection when the pool has nothing free for key.
type PoolConfig struct {
	New                 func(ctx context.Context, key string) (PooledConn, error)
	MaxKeys             int
	MaxConnsPerKey      int
	MaxConnLifetimeSec  int64
	StaleKeyLifetimeSec int64
}

type bucket struct {
	c       chan PooledConn
	lastUse int64
}

// Pool is a per-site-name ("key") pool of dispatcher connections, per
// spec.md §4.5 ("Per site-name pool of TCP connections").
type Pool struct {
	cfg  PoolConfig
	mu   sync.Mutex
	keys map[string]bucket
}

func NewPool(cfg PoolConfig) *Pool {
	if cfg.New == nil {
		cfg.New = func(context.Context, string) (PooledConn, error) { return nil, nil }
	}
	return &Pool{cfg: cfg, keys: make(map[string]bucket, cfg.MaxKeys)}
}

// Get returns a usable idle connection for key, or dials a new one.
func (p *Pool) Get(ctx context.Context, key string) (PooledConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	b, ok := p.keys[key]
	if !ok {
		return p.cfg.New(ctx, key)
	}

	if time.Now().Unix()-b.lastUse > p.cfg.MaxConnLifetimeSec {
		p.drain(b)
		delete(p.keys, key)
		return p.cfg.New(ctx, key)
	}

	for {
		var conn PooledConn
		select {
		case conn, ok = <-b.c:
			if !ok {
				return p.cfg.New(ctx, key)
			}
		default:
			return p.cfg.New(ctx, key)
		}
		if !conn.Usable() {
			conn.Close()
			continue
		}
		return conn, nil
	}
}

// Return gives a connection back to the idle pool for key, or closes it if
// the pool for that key is full.
func (p *Pool) Return(key string, c PooledConn) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.keys == nil {
		c.Close()
		return
	}

	b, ok := p.keys[key]
	if !ok {
		if len(p.keys) == p.cfg.MaxKeys {
			p.evictStale()
		}
		b = bucket{c: make(chan PooledConn, p.cfg.MaxConnsPerKey), lastUse: time.Now().Unix()}
		p.keys[key] = b
	}

	select {
	case b.c <- c:
		b.lastUse = time.Now().Unix()
		p.keys[key] = b
	default:
		c.Close()
	}
}

func (p *Pool) evictStale() {
	now := time.Now().Unix()
	for k, v := range p.keys {
		if v.lastUse+p.cfg.StaleKeyLifetimeSec > now {
			continue
		}
		p.drain(v)
		delete(p.keys, k)
	}
}

func (p *Pool) drain(b bucket) {
	close(b.c)
	for conn := range b.c {
		conn.Close()
	}
}

// Close drains and closes every pooled connection.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, v := range p.keys {
		p.drain(v)
		delete(p.keys, k)
	}
	p.keys = nil
}
