// Package serializer runs operations one at a time per key, in submission order.
package serializer

import "sync"

// entry is the lock state of one key. It exists only while the key is held.
type entry struct {
	waiters []chan struct{}
}

// Serializer is a FIFO lock table keyed by resource key. Distinct keys never
// block each other.
type Serializer struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New creates an empty serializer.
func New() *Serializer {
	return &Serializer{entries: make(map[string]*entry)}
}

// Turn is a reserved place in a key's queue.
type Turn struct {
	s     *Serializer
	key   string
	ready chan struct{}
	once  sync.Once
}

// Enqueue reserves the next place for key without blocking. The order of
// Enqueue calls is the order in which the turns run.
func (s *Serializer) Enqueue(key string) *Turn {
	t := &Turn{s: s, key: key, ready: make(chan struct{})}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, held := s.entries[key]; held {
		e.waiters = append(e.waiters, t.ready)
	} else {
		s.entries[key] = &entry{}
		close(t.ready)
	}
	return t
}

// Wait blocks until the turn holds the key.
func (t *Turn) Wait() {
	<-t.ready
}

// Release gives the key to the next turn. It waits for this turn first, so an
// abandoned turn still advances the queue. Extra calls are no-ops.
func (t *Turn) Release() {
	t.once.Do(func() {
		t.Wait()
		t.s.release(t.key)
	})
}

// Within runs fn once t holds its key and releases it afterwards, even if fn
// fails or panics.
func Within[T any](t *Turn, fn func() (T, error)) (T, error) {
	defer t.Release()
	t.Wait()
	return fn()
}

// Do runs fn while holding key. Callers for the same key run in the order they
// called Do; the lock is released even if fn fails or panics.
func Do[T any](s *Serializer, key string, fn func() (T, error)) (T, error) {
	return Within(s.Enqueue(key), fn)
}

// Run is Do for operations without a result.
func (s *Serializer) Run(key string, fn func() error) error {
	_, err := Do(s, key, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// release hands the key to the oldest waiter, or drops the entry when nobody waits.
func (s *Serializer) release(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entries[key]
	if len(e.waiters) == 0 {
		delete(s.entries, key)
		return
	}

	next := e.waiters[0]
	e.waiters = e.waiters[1:]
	close(next)
}

// Len returns the number of keys currently held or waited on.
func (s *Serializer) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
