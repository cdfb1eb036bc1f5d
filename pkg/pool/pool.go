// Package pool manages reusable HTTP sessions for outbound agent RPC
// calls, keyed by target authority and timeout profile.
package pool

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// TimeoutProfile layers the deadlines applied to a session: total request
// deadline, connection establishment, and response header read.
type TimeoutProfile struct {
	Total   time.Duration `json:"total"`
	Connect time.Duration `json:"connect"`
	Read    time.Duration `json:"read"`
}

// DefaultTimeouts provides the standard outbound deadline profile.
//
//nolint:gochecknoglobals // Sensible default config pattern
var DefaultTimeouts = TimeoutProfile{
	Total:   60 * time.Second,
	Connect: 10 * time.Second,
	Read:    30 * time.Second,
}

// Config defines connection pool behavior.
type Config struct {
	MaxIdleTime     time.Duration `json:"max_idle_time"`      // Idle sessions beyond this are purged
	MaxConns        int           `json:"max_conns"`          // Bound on idle connections per session
	MaxConnsPerHost int           `json:"max_conns_per_host"` // High per-host cap for parallel outbound calls
	KeepAlive       time.Duration `json:"keep_alive"`
}

// DefaultPoolConfig provides reasonable pool defaults. The per-host cap
// stays at or above 20 so parallel outbound calls to one peer do not queue
// on connection establishment.
//
//nolint:gochecknoglobals // Sensible default config pattern
var DefaultPoolConfig = Config{
	MaxIdleTime:     5 * time.Minute,
	MaxConns:        100,
	MaxConnsPerHost: 32,
	KeepAlive:       30 * time.Second,
}

// Authority extracts the host[:port] portion of an endpoint URL. It is the
// pure key-derivation half of the pool and breaker keying.
func Authority(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint %q: %w", endpoint, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("endpoint %q has no authority", endpoint)
	}
	return u.Host, nil
}

// EventSink receives pool session lifecycle events. May be nil.
type EventSink interface {
	Event(name string, fields map[string]any)
}

type poolKey struct {
	authority string
	timeouts  TimeoutProfile
}

// entry owns one session. Its mutex guards creation and close so the pool
// map lock is never held across transport construction or teardown.
type entry struct {
	mu        sync.Mutex
	client    *http.Client
	transport *http.Transport
	lastUsed  time.Time
}

// Pool caches at most one live HTTP session per (authority, timeout
// profile) key. It does not self-schedule cleanup; an external ticker calls
// CleanupIdle.
type Pool struct {
	config Config
	sink   EventSink

	mu      sync.Mutex
	entries map[poolKey]*entry
	closed  bool
}

// New creates an empty pool. The sink may be nil.
func New(config Config, sink EventSink) *Pool {
	if config.MaxIdleTime <= 0 {
		config.MaxIdleTime = DefaultPoolConfig.MaxIdleTime
	}
	if config.MaxConns <= 0 {
		config.MaxConns = DefaultPoolConfig.MaxConns
	}
	if config.MaxConnsPerHost < 20 {
		config.MaxConnsPerHost = DefaultPoolConfig.MaxConnsPerHost
	}
	if config.KeepAlive <= 0 {
		config.KeepAlive = DefaultPoolConfig.KeepAlive
	}
	return &Pool{
		config:  config,
		sink:    sink,
		entries: make(map[poolKey]*entry),
	}
}

// GetSession returns the live session for (endpoint authority, timeouts),
// creating it on first use. Reuse updates the last-used timestamp.
func (p *Pool) GetSession(endpoint string, timeouts TimeoutProfile) (*http.Client, error) {
	authority, err := Authority(endpoint)
	if err != nil {
		return nil, err
	}
	key := poolKey{authority: authority, timeouts: timeouts}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("connection pool is closed")
	}
	e, ok := p.entries[key]
	if !ok {
		e = &entry{}
		p.entries[key] = e
	}
	p.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.client != nil {
		e.lastUsed = time.Now()
		return e.client, nil
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   timeouts.Connect,
			KeepAlive: p.config.KeepAlive,
		}).DialContext,
		ResponseHeaderTimeout: timeouts.Read,
		MaxIdleConns:          p.config.MaxConns,
		MaxIdleConnsPerHost:   p.config.MaxConnsPerHost,
		IdleConnTimeout:       p.config.MaxIdleTime,
		ForceAttemptHTTP2:     true,
	}
	e.client = &http.Client{
		Transport: transport,
		Timeout:   timeouts.Total,
	}
	e.transport = transport
	e.lastUsed = time.Now()

	if p.sink != nil {
		p.sink.Event("pool_session_created", map[string]any{
			"authority": authority,
			"total":     timeouts.Total.String(),
		})
	}
	return e.client, nil
}

// CleanupIdle purges sessions idle beyond MaxIdleTime. Two-phase sweep:
// stale candidates are collected from a snapshot, then each is closed and
// removed under its own lock, so no lock is held across teardown or
// unbounded iteration.
func (p *Pool) CleanupIdle() int {
	type candidate struct {
		key poolKey
		e   *entry
	}

	p.mu.Lock()
	candidates := make([]candidate, 0, len(p.entries))
	for key, e := range p.entries {
		candidates = append(candidates, candidate{key: key, e: e})
	}
	p.mu.Unlock()

	evicted := 0
	for _, c := range candidates {
		c.e.mu.Lock()
		stale := c.e.client != nil && time.Since(c.e.lastUsed) >= p.config.MaxIdleTime
		if stale {
			c.e.transport.CloseIdleConnections()
			c.e.client = nil
			c.e.transport = nil
		}
		c.e.mu.Unlock()

		if !stale {
			continue
		}

		p.mu.Lock()
		if p.entries[c.key] == c.e {
			delete(p.entries, c.key)
		}
		p.mu.Unlock()

		evicted++
		if p.sink != nil {
			p.sink.Event("pool_session_evicted", map[string]any{
				"authority": c.key.authority,
			})
		}
	}
	return evicted
}

// CloseAll closes every session, best-effort. Safe to call more than once;
// already-closed sessions are tolerated.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	entries := make([]*entry, 0, len(p.entries))
	for _, e := range p.entries {
		entries = append(entries, e)
	}
	p.entries = make(map[poolKey]*entry)
	p.closed = true
	p.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		if e.transport != nil {
			e.transport.CloseIdleConnections()
		}
		e.client = nil
		e.transport = nil
		e.mu.Unlock()
	}
}

// Len returns the number of live session keys, for diagnostics.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
