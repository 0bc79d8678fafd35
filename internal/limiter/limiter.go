package limiter

import (
	"sync"
	"time"

	"github.com/postverk/postverk/tools"
	"github.com/sirupsen/logrus"
)

// Sliding-window rate limiter. The same primitive covers per-account send
// throughput, api request throttling and login attempts; only the keys and
// parameters differ.
//
// The store does purge+count+append as one atomic operation. On a store
// failure the limiter fails open: availability is preferred over strictness
// for everything this limiter guards.

type Result struct {
	Allowed    bool
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

type Store interface {
	// Slide drops entries older than the window, appends the current event
	// and returns the count of events that were already inside the window.
	// Must be atomic with respect to concurrent callers of the same key.
	Slide(key string, window time.Duration) (count int, err error)

	// Count is Slide without the append.
	Count(key string, window time.Duration) (int, error)

	Block(key string, d time.Duration) error
	BlockedFor(key string) (time.Duration, bool, error)
	Reset(key string) error
}

// Defaults mirroring the platform's fixed parameters.
const (
	LoginPoints        = 5
	LoginWindow        = 900 * time.Second
	LoginBlockDuration = time.Hour
	APIPointsPerMinute = 60
)

type Limiter struct {
	store Store
	log   *logrus.Logger
}

func New(store Store, lc *tools.Logger) *Limiter {
	return &Limiter{
		store: store,
		log:   lc.New("limiter"),
	}
}

// Check consumes one point for key. A zero block duration means the limiter
// never enters the hard-block state for this key.
func (l *Limiter) Check(key string, points int, window, block time.Duration) Result {
	now := time.Now()

	ttl, blocked, err := l.store.BlockedFor(key)
	if err != nil {
		return l.failOpen(key, err, window)
	}
	if blocked {
		return Result{Allowed: false, Remaining: 0, ResetAt: now.Add(ttl), RetryAfter: ttl}
	}

	count, err := l.store.Slide(key, window)
	if err != nil {
		return l.failOpen(key, err, window)
	}

	if count >= points {
		if block > 0 {
			if err := l.store.Block(key, block); err != nil {
				return l.failOpen(key, err, window)
			}
			l.log.WithField("key", key).WithField("count", count).Warn("rate limit exceeded, blocking")
		}
		return Result{Allowed: false, Remaining: 0, ResetAt: now.Add(window), RetryAfter: window}
	}

	remaining := points - count - 1
	if remaining < 0 {
		remaining = 0
	}
	return Result{Allowed: true, Remaining: remaining, ResetAt: now.Add(window)}
}

// Peek reports the state of key without consuming a point.
func (l *Limiter) Peek(key string, points int, window time.Duration) Result {
	now := time.Now()

	ttl, blocked, err := l.store.BlockedFor(key)
	if err != nil {
		return l.failOpen(key, err, window)
	}
	if blocked {
		return Result{Allowed: false, Remaining: 0, ResetAt: now.Add(ttl), RetryAfter: ttl}
	}

	count, err := l.store.Count(key, window)
	if err != nil {
		return l.failOpen(key, err, window)
	}
	remaining := points - count
	if remaining < 0 {
		remaining = 0
	}
	return Result{Allowed: count < points, Remaining: remaining, ResetAt: now.Add(window)}
}

func (l *Limiter) Reset(key string) {
	if err := l.store.Reset(key); err != nil {
		l.log.WithError(err).WithField("key", key).Error("could not reset rate limit")
	}
}

func (l *Limiter) CheckLogin(identifier string) Result {
	return l.Check("login:"+identifier, LoginPoints, LoginWindow, LoginBlockDuration)
}

// ResetLogin clears the failure window after a successful authentication.
func (l *Limiter) ResetLogin(identifier string) {
	l.Reset("login:" + identifier)
}

func (l *Limiter) CheckAPI(userID string) Result {
	return l.Check("api:"+userID, APIPointsPerMinute, time.Minute, 0)
}

func (l *Limiter) failOpen(key string, err error, window time.Duration) Result {
	l.log.WithError(err).WithField("key", key).Error("rate limit store failure, failing open")
	return Result{Allowed: true, Remaining: 0, ResetAt: time.Now().Add(window)}
}

// MemoryStore keeps windows in process memory behind a mutex. It serves a
// single-daemon deployment and tests; multi-daemon deployments swap in a
// store backed by a shared server-side scripted transaction.
type MemoryStore struct {
	mu      sync.Mutex
	events  map[string][]time.Time
	blocked map[string]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:  map[string][]time.Time{},
		blocked: map[string]time.Time{},
	}
}

func (m *MemoryStore) Slide(key string, window time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	kept := m.purge(key, now.Add(-window))
	m.events[key] = append(kept, now)
	return len(kept), nil
}

func (m *MemoryStore) Count(key string, window time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.purge(key, time.Now().Add(-window))), nil
}

func (m *MemoryStore) purge(key string, cutoff time.Time) []time.Time {
	var kept []time.Time
	for _, ts := range m.events[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	m.events[key] = kept
	return kept
}

func (m *MemoryStore) Block(key string, d time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocked[key] = time.Now().Add(d)
	return nil
}

func (m *MemoryStore) BlockedFor(key string) (time.Duration, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	until, ok := m.blocked[key]
	if !ok {
		return 0, false, nil
	}
	ttl := time.Until(until)
	if ttl <= 0 {
		delete(m.blocked, key)
		return 0, false, nil
	}
	return ttl, true, nil
}

func (m *MemoryStore) Reset(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.events, key)
	delete(m.blocked, key)
	return nil
}
