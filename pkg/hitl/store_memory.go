package hitl

import (
	"context"
	"sync"
	"time"
)

const sweepInterval = 60 * time.Second

type memoryEntry struct {
	state     []byte
	expiresAt time.Time
}

// memoryStore keeps pending state in process memory. Tokens do not survive
// a restart and are invisible to other processes; a background sweep drops
// expired entries so abandoned pauses cannot accumulate.
type memoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	stop    chan struct{}
	once    sync.Once
}

func newMemoryStore() *memoryStore {
	s := &memoryStore{
		entries: make(map[string]memoryEntry),
		stop:    make(chan struct{}),
	}
	go s.sweep()
	return s
}

func (s *memoryStore) Put(_ context.Context, token string, state []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[token] = memoryEntry{state: state, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (s *memoryStore) Take(_ context.Context, token string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[token]
	if !ok {
		return nil, nil
	}
	delete(s.entries, token)
	if time.Now().After(entry.expiresAt) {
		return nil, nil
	}
	return entry.state, nil
}

func (s *memoryStore) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			now := time.Now()
			s.mu.Lock()
			for token, entry := range s.entries {
				if now.After(entry.expiresAt) {
					delete(s.entries, token)
				}
			}
			s.mu.Unlock()
		}
	}
}

func (s *memoryStore) Close() error {
	s.once.Do(func() { close(s.stop) })
	return nil
}
