package store

import (
	"sort"
	"sync"
	"time"

	"github.com/kursadbilgin/callback-engine/internal/domain"
)

const DefaultHistoryLimit = 100

// ChangeKind identifies what happened to a record.
type ChangeKind string

const (
	ChangeUpserted ChangeKind = "upserted"
	ChangeRemoved  ChangeKind = "removed"
)

// Change is delivered to subscribers after every mutation.
// Previous is nil when the record did not exist before.
type Change struct {
	Kind     ChangeKind
	Record   domain.CallbackRequest
	Previous *domain.CallbackRequest
}

// Listener must not block and must not call back into the Store synchronously.
type Listener func(Change)

// Store keeps callback requests in memory and broadcasts changes.
// Terminal records are capped at historyLimit; the oldest by CompletedAt are evicted.
type Store struct {
	mu           sync.RWMutex
	records      map[string]domain.CallbackRequest
	historyLimit int

	listenersMu sync.RWMutex
	listeners   map[int]Listener
	nextID      int
}

func New(historyLimit int) *Store {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	return &Store{
		records:      make(map[string]domain.CallbackRequest),
		historyLimit: historyLimit,
		listeners:    make(map[int]Listener),
	}
}

// Subscribe registers fn and returns a function that removes it.
func (s *Store) Subscribe(fn Listener) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}

	s.listenersMu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.listenersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.listenersMu.Lock()
			delete(s.listeners, id)
			s.listenersMu.Unlock()
		})
	}
}

// Upsert inserts or replaces a record. No validation is performed.
func (s *Store) Upsert(record domain.CallbackRequest) {
	stored := record.Clone()

	s.mu.Lock()
	var previous *domain.CallbackRequest
	if old, ok := s.records[stored.ID]; ok {
		prev := old.Clone()
		previous = &prev
	}
	s.records[stored.ID] = stored
	evicted := s.evictHistoryLocked()
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeUpserted, Record: stored.Clone(), Previous: previous})
	for _, rec := range evicted {
		s.notify(Change{Kind: ChangeRemoved, Record: rec, Previous: &rec})
	}
}

// Remove deletes a record and reports whether it existed.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	old, ok := s.records[id]
	if ok {
		delete(s.records, id)
	}
	s.mu.Unlock()

	if ok {
		s.notify(Change{Kind: ChangeRemoved, Record: old, Previous: &old})
	}
	return ok
}

func (s *Store) Get(id string) (domain.CallbackRequest, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return domain.CallbackRequest{}, false
	}
	return rec.Clone(), true
}

// All returns copies of every record ordered by RequestedAt, then ID.
func (s *Store) All() []domain.CallbackRequest {
	s.mu.RLock()
	out := make([]domain.CallbackRequest, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].RequestedAt.Equal(out[j].RequestedAt) {
			return out[i].RequestedAt.Before(out[j].RequestedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *Store) Count(status domain.Status) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, rec := range s.records {
		if rec.Status == status {
			n++
		}
	}
	return n
}

func (s *Store) HistoryLimit() int {
	return s.historyLimit
}

func (s *Store) evictHistoryLocked() []domain.CallbackRequest {
	terminal := make([]domain.CallbackRequest, 0)
	for _, rec := range s.records {
		if rec.Status.IsTerminal() {
			terminal = append(terminal, rec)
		}
	}
	if len(terminal) <= s.historyLimit {
		return nil
	}

	sort.Slice(terminal, func(i, j int) bool {
		ti, tj := completedAt(terminal[i]), completedAt(terminal[j])
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return terminal[i].ID < terminal[j].ID
	})

	excess := terminal[:len(terminal)-s.historyLimit]
	for _, rec := range excess {
		delete(s.records, rec.ID)
	}
	return excess
}

func (s *Store) notify(change Change) {
	s.listenersMu.RLock()
	ids := make([]int, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	listeners := make([]Listener, 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, s.listeners[id])
	}
	s.listenersMu.RUnlock()

	for _, fn := range listeners {
		fn(change)
	}
}

func completedAt(rec domain.CallbackRequest) time.Time {
	if rec.CompletedAt != nil {
		return *rec.CompletedAt
	}
	return rec.RequestedAt
}
