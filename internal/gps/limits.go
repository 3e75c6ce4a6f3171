package gps

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/openlivetrack/livetrack/internal/config"
)

var (
	// ErrRateLimited means the device is sending faster than allowed;
	// the frame is dropped silently per protocol (trackers retransmit).
	ErrRateLimited = errors.New("rate limited")
	// ErrBlacklisted means the source IP is serving a temporary ban.
	ErrBlacklisted = errors.New("ip blacklisted")
	// ErrTooManyConnections covers the global and per-IP caps.
	ErrTooManyConnections = errors.New("connection limit reached")
)

// RateLimiter enforces the per-device frame policy: a minimum interval
// between frames plus a rolling-window cap. Heartbeats and logins are
// exempt; only location-bearing frames consume budget.
type RateLimiter struct {
	minInterval time.Duration
	window      time.Duration
	maxInWindow int

	mu      sync.Mutex
	devices map[string]*deviceRate
}

type deviceRate struct {
	last   time.Time
	stamps []time.Time
}

func NewRateLimiter(cfg config.GPSTCP) *RateLimiter {
	return &RateLimiter{
		minInterval: cfg.MinMessageInterval,
		window:      cfg.RateWindow,
		maxInWindow: cfg.RateMaxMessages,
		devices:     make(map[string]*deviceRate),
	}
}

// Allow records one location frame for the device and reports whether
// it may be processed.
func (r *RateLimiter) Allow(deviceID string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[deviceID]
	if !ok {
		d = &deviceRate{}
		r.devices[deviceID] = d
	}

	if !d.last.IsZero() && now.Sub(d.last) < r.minInterval {
		return ErrRateLimited
	}

	cutoff := now.Add(-r.window)
	kept := d.stamps[:0]
	for _, t := range d.stamps {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	d.stamps = kept
	if len(d.stamps) >= r.maxInWindow {
		return ErrRateLimited
	}

	d.stamps = append(d.stamps, now)
	d.last = now
	return nil
}

// Reset clears a device's budget, called when its connection closes.
func (r *RateLimiter) Reset(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.devices, deviceID)
}

// ConnManager tracks connection counts and per-IP abuse. Reconnecting
// trackers are tolerated generously since cellular coverage drops
// connections all the time; only a genuine connection flood earns a
// blacklist.
type ConnManager struct {
	maxTotal        int
	maxPerIP        int
	maxReconnects   int
	reconnectWindow time.Duration

	mu          sync.Mutex
	total       int
	perIP       map[string]int
	reconnects  map[string][]time.Time
	blacklisted map[string]time.Time
}

// blacklistBurst is the new-connections-per-second threshold that
// flips an IP from "flaky tracker" to "attack".
const blacklistBurst = 10

// blacklistDuration is how long a flooding IP stays banned.
const blacklistDuration = 60 * time.Second

func NewConnManager(cfg config.GPSTCP) *ConnManager {
	return &ConnManager{
		maxTotal:        cfg.MaxConnections,
		maxPerIP:        cfg.MaxConnectionsPerIP,
		maxReconnects:   cfg.MaxReconnects,
		reconnectWindow: cfg.ReconnectWindow,
		perIP:           make(map[string]int),
		reconnects:      make(map[string][]time.Time),
		blacklisted:     make(map[string]time.Time),
	}
}

// Admit decides whether a new connection from ip may proceed and, if
// so, counts it. Loopback bypasses abuse checks entirely.
func (m *ConnManager) Admit(ip string, now time.Time) error {
	loopback := isLoopback(ip)

	m.mu.Lock()
	defer m.mu.Unlock()

	if !loopback {
		if until, ok := m.blacklisted[ip]; ok {
			if now.Before(until) {
				return ErrBlacklisted
			}
			delete(m.blacklisted, ip)
		}

		cutoff := now.Add(-m.reconnectWindow)
		kept := m.reconnects[ip][:0]
		for _, t := range m.reconnects[ip] {
			if t.After(cutoff) {
				kept = append(kept, t)
			}
		}
		kept = append(kept, now)
		m.reconnects[ip] = kept

		// More than blacklistBurst connections inside one second is a
		// flood, not a tracker hunting for signal.
		burst := 0
		second := now.Add(-time.Second)
		for _, t := range kept {
			if t.After(second) {
				burst++
			}
		}
		if burst > blacklistBurst {
			m.blacklisted[ip] = now.Add(blacklistDuration)
			return ErrBlacklisted
		}
		if len(kept) > m.maxReconnects {
			return ErrTooManyConnections
		}
	}

	if m.total >= m.maxTotal {
		return ErrTooManyConnections
	}
	if !loopback && m.perIP[ip] >= m.maxPerIP {
		return ErrTooManyConnections
	}

	m.total++
	m.perIP[ip]++
	return nil
}

// Release undoes Admit when a connection closes.
func (m *ConnManager) Release(ip string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total--
	if m.perIP[ip] > 1 {
		m.perIP[ip]--
	} else {
		delete(m.perIP, ip)
	}
}

// Active returns the current connection count.
func (m *ConnManager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}

func isLoopback(ip string) bool {
	parsed := net.ParseIP(ip)
	return parsed != nil && parsed.IsLoopback()
}
