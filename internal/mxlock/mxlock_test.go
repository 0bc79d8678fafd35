package mxlock

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/postverk/postverk/tools"
	"github.com/sirupsen/logrus"
)

func newTestSemaphore(store Store) *Semaphore {
	return New(store, tools.LoggerCloner(logrus.New()))
}

func TestAcquireCapacity(t *testing.T) {
	t.Parallel()
	s := newTestSemaphore(NewMemoryStore())

	var admitted int32
	wg := sync.WaitGroup{}
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.Acquire("mx1.example.com")
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if ok {
				atomic.AddInt32(&admitted, 1)
			}
		}()
	}
	wg.Wait()

	if admitted != 2 {
		t.Errorf("got %d admissions, want exactly 2", admitted)
	}

	s.Release("mx1.example.com")
	s.Release("mx1.example.com")

	ok, err := s.Acquire("mx1.example.com")
	if err != nil || !ok {
		t.Errorf("acquire after release should succeed, got ok=%v err=%v", ok, err)
	}
}

func TestDestinationsAreIndependent(t *testing.T) {
	t.Parallel()
	s := newTestSemaphore(NewMemoryStore())

	for i := 0; i < MaxConcurrent; i++ {
		if ok, _ := s.Acquire("a"); !ok {
			t.Fatalf("acquire %d for destination a should succeed", i)
		}
	}
	if ok, _ := s.Acquire("a"); ok {
		t.Error("destination a should be full")
	}
	if ok, _ := s.Acquire("b"); !ok {
		t.Error("destination b should be unaffected by a")
	}
}

func TestReleaseFloorsAtZero(t *testing.T) {
	t.Parallel()
	s := newTestSemaphore(NewMemoryStore())

	s.Release("never-acquired")
	s.Release("never-acquired")

	for i := 0; i < MaxConcurrent; i++ {
		if ok, _ := s.Acquire("never-acquired"); !ok {
			t.Fatalf("acquire %d should succeed, count must not be negative", i)
		}
	}
	if ok, _ := s.Acquire("never-acquired"); ok {
		t.Error("capacity must still be enforced after floored releases")
	}
}

func TestAdmissionExpiry(t *testing.T) {
	t.Parallel()
	store := NewMemoryStore()

	for i := 0; i < 2; i++ {
		ok, err := store.Admit("k", 2, 20*time.Millisecond)
		if err != nil || !ok {
			t.Fatalf("admit %d failed: ok=%v err=%v", i, ok, err)
		}
	}
	if ok, _ := store.Admit("k", 2, 20*time.Millisecond); ok {
		t.Fatal("should be full")
	}

	time.Sleep(30 * time.Millisecond)
	if ok, _ := store.Admit("k", 2, 20*time.Millisecond); !ok {
		t.Error("stale admissions must expire, crashed holders would deadlock the destination otherwise")
	}
}

type brokenStore struct{}

func (brokenStore) Admit(string, int, time.Duration) (bool, error) { return false, errors.New("down") }
func (brokenStore) Release(string) error                           { return errors.New("down") }

func TestStoreFailureDoesNotFailOpen(t *testing.T) {
	t.Parallel()
	s := newTestSemaphore(brokenStore{})

	ok, err := s.Acquire("mx")
	if ok {
		t.Error("store failure must not admit")
	}
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Errorf("want ErrStoreUnavailable, got %v", err)
	}
}
