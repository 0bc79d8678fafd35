package mxlock

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/postverk/postverk/tools"
	"github.com/sirupsen/logrus"
)

// Per-destination admission control. Receiving exchangers throttle or
// blacklist senders that open too many parallel transactions, so at most
// MaxConcurrent workers may hold an admission for the same destination key.
// Admissions expire on their own after TTL in case a holder crashes before
// releasing.
//
// Unlike the rate limiter this must never fail open; a store failure
// propagates as an error the caller treats as retryable.

const (
	MaxConcurrent = 2
	TTL           = 300 * time.Second
)

var ErrStoreUnavailable = errors.New("semaphore store unavailable")

type Store interface {
	// Admit increments the holder count for key, and rolls the increment
	// back when the count would exceed limit. Increment, check and rollback
	// are one atomic operation; two concurrent callers must never both
	// observe "under limit" before either increments.
	Admit(key string, limit int, ttl time.Duration) (bool, error)

	// Release decrements the holder count, floored at zero.
	Release(key string) error
}

type Semaphore struct {
	store Store
	log   *logrus.Logger
}

func New(store Store, lc *tools.Logger) *Semaphore {
	return &Semaphore{
		store: store,
		log:   lc.New("mxlock"),
	}
}

func (s *Semaphore) Acquire(destination string) (bool, error) {
	ok, err := s.store.Admit("semaphore:mx:"+destination, MaxConcurrent, TTL)
	if err != nil {
		s.log.WithError(err).WithField("destination", destination).Error("semaphore store failure")
		return false, fmt.Errorf("could not admit %s: %w, %w", destination, err, ErrStoreUnavailable)
	}
	return ok, nil
}

func (s *Semaphore) Release(destination string) {
	err := s.store.Release("semaphore:mx:" + destination)
	if err != nil {
		// The admission still expires via TTL; log and move on.
		s.log.WithError(err).WithField("destination", destination).Error("could not release semaphore")
	}
}

type entry struct {
	count     int
	expiresAt time.Time
}

// MemoryStore is the in-process equivalent of a server-side scripted
// check-and-set, guarded by a mutex.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: map[string]*entry{}}
}

func (m *MemoryStore) Admit(key string, limit int, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	e := m.entries[key]
	if e == nil || now.After(e.expiresAt) {
		e = &entry{}
		m.entries[key] = e
	}

	e.count++
	e.expiresAt = now.Add(ttl)
	if e.count > limit {
		e.count--
		return false, nil
	}
	return true, nil
}

func (m *MemoryStore) Release(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.entries[key]
	if e == nil {
		return nil
	}
	e.count--
	if e.count <= 0 {
		delete(m.entries, key)
	}
	return nil
}
