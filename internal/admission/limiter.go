// Package admission decides whether a client may open another live session.
package admission

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// RejectedMessage is the human-readable reason sent to a rejected client.
const RejectedMessage = "You have opened too many connections or made too many connection requests. " +
	"Please reduce the number of connections/requests or host your own server instance. " +
	"The connections are limited to avoid that the server IP gets blocked by TikTok."

// Config holds admission limits. Zero or negative caps are treated as unlimited.
type Config struct {
	Enabled      bool
	MaxPerClient int
	MaxGlobal    int
	MaxRequests  int
	Window       time.Duration
	Logger       *slog.Logger
}

// Limiter enforces per-identity and global concurrent session caps, plus a
// sliding-window cap on connect requests per identity.
// The key is the client identity only, so rotating channels does not reset it.
type Limiter struct {
	cfg    Config
	clock  clockwork.Clock
	logger *slog.Logger

	mu       sync.Mutex
	active   map[string]int
	global   int
	requests map[string][]time.Time
}

// NewLimiter creates a limiter. A nil clock uses the real clock and a nil
// logger the default one.
func NewLimiter(cfg Config, clock clockwork.Clock) *Limiter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{
		cfg:      cfg,
		clock:    clock,
		logger:   logger,
		active:   make(map[string]int),
		requests: make(map[string][]time.Time),
	}
}

// TryAdmit reserves a session slot for identity. On success the returned
// ticket must be released exactly once when the session is torn down.
// A rejection leaves the limiter state untouched.
func (l *Limiter) TryAdmit(identity string) (*Ticket, bool) {
	if !l.cfg.Enabled {
		return &Ticket{}, true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cfg.MaxPerClient > 0 && l.active[identity] >= l.cfg.MaxPerClient {
		l.logger.Warn("Admission rejected: client cap", "client_id", identity, "active", l.active[identity])
		return nil, false
	}
	if l.cfg.MaxGlobal > 0 && l.global >= l.cfg.MaxGlobal {
		l.logger.Warn("Admission rejected: global cap", "client_id", identity, "global", l.global)
		return nil, false
	}

	now := l.clock.Now()
	recent := l.recentLocked(identity, now)
	if l.cfg.MaxRequests > 0 && len(recent) >= l.cfg.MaxRequests {
		l.requests[identity] = recent
		l.logger.Warn("Admission rejected: request rate", "client_id", identity, "requests", len(recent))
		return nil, false
	}
	l.requests[identity] = append(recent, now)

	l.active[identity]++
	l.global++
	return &Ticket{limiter: l, identity: identity}, true
}

func (l *Limiter) recentLocked(identity string, now time.Time) []time.Time {
	cutoff := now.Add(-l.cfg.Window)
	var recent []time.Time
	for _, t := range l.requests[identity] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	return recent
}

func (l *Limiter) release(identity string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if n := l.active[identity]; n <= 1 {
		delete(l.active, identity)
	} else {
		l.active[identity] = n - 1
	}
	if l.global > 0 {
		l.global--
	}
}

// Active returns the number of admitted, unreleased sessions for identity.
func (l *Limiter) Active(identity string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active[identity]
}

// Global returns the number of admitted, unreleased sessions overall.
func (l *Limiter) Global() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.global
}

// Sweep removes request history older than the window.
func (l *Limiter) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	for key := range l.requests {
		fresh := l.recentLocked(key, now)
		if len(fresh) == 0 {
			delete(l.requests, key)
		} else {
			l.requests[key] = fresh
		}
	}
}

// StartEviction periodically sweeps expired request history until ctx is done,
// preventing unbounded growth of the request map.
func (l *Limiter) StartEviction(ctx context.Context) {
	ticker := l.clock.NewTicker(l.cfg.Window)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.Chan():
				l.Sweep()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Ticket is an admitted session slot.
type Ticket struct {
	limiter  *Limiter
	identity string
	once     sync.Once
}

// Release frees the slot. Only the first call has an effect.
func (t *Ticket) Release() {
	if t == nil {
		return
	}
	t.once.Do(func() {
		if t.limiter != nil {
			t.limiter.release(t.identity)
		}
	})
}
