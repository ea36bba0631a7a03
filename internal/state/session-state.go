package state

import (
	"slices"
	"sync"
	"time"

	"github.com/fisaks/flowcal/internal/mfc"
)

type SessionStateStore interface {
	GetLast(topic string) (mfc.SessionSnapshot, time.Time, bool)
	Update(topic string, snapshot mfc.SessionSnapshot)
	HasChanged(topic string, snapshot mfc.SessionSnapshot) bool
	Clear()
}

type sessionStateStore struct {
	store     map[string]mfc.SessionSnapshot
	heartbeat map[string]time.Time
	mu        sync.RWMutex
}

func NewSessionStateStore() SessionStateStore {
	return &sessionStateStore{
		store:     make(map[string]mfc.SessionSnapshot),
		heartbeat: make(map[string]time.Time),
	}
}

func (s *sessionStateStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store = make(map[string]mfc.SessionSnapshot)
	s.heartbeat = make(map[string]time.Time)
}

func (s *sessionStateStore) GetLast(topic string) (mfc.SessionSnapshot, time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snapshot, ok := s.store[topic]
	heartbeat, ok2 := s.heartbeat[topic]
	return snapshot, heartbeat, ok && ok2
}

func (s *sessionStateStore) Update(topic string, snapshot mfc.SessionSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store[topic] = snapshot
	s.heartbeat[topic] = time.Now()
}

func (s *sessionStateStore) HasChanged(topic string, snapshot mfc.SessionSnapshot) bool {
	last, _, ok := s.GetLast(topic)
	if !ok {
		return true
	}
	return !snapshotEqual(last, snapshot)
}

// snapshotEqual ignores UpdatedAt so a re-published but unchanged session
// does not count as a change.
func snapshotEqual(a, b mfc.SessionSnapshot) bool {
	return a.ID == b.ID &&
		a.Kind == b.Kind &&
		a.State == b.State &&
		a.Status == b.Status &&
		a.Error == b.Error &&
		a.SpanGain == b.SpanGain &&
		slices.Equal(a.Rows, b.Rows) &&
		slices.Equal(a.Gains, b.Gains) &&
		slices.Equal(a.Breakpts, b.Breakpts)
}
