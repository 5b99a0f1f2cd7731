package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultMaxEvents = 10000

// Listener is invoked synchronously after every insert.
type Listener func(Event)

// Store is an append-only, size-bounded event log with secondary indices
// by changeset, agent and skill. Indices only ever hold events that are
// also in the master list.
type Store struct {
	max    int
	logger *slog.Logger

	mu          sync.Mutex
	events      []Event
	byChangeset map[string][]Event
	byAgent     map[string][]Event
	bySkill     map[string][]Event

	listenersMu sync.RWMutex
	listeners   map[int]Listener
	order       []int
	nextID      int

	onStored func()
}

// New creates a Store keeping at most max events. A non-positive max
// uses the default of 10000.
func New(max int, logger *slog.Logger) *Store {
	if max <= 0 {
		max = defaultMaxEvents
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		max:         max,
		logger:      logger,
		byChangeset: make(map[string][]Event),
		byAgent:     make(map[string][]Event),
		bySkill:     make(map[string][]Event),
		listeners:   make(map[int]Listener),
	}
}

// OnStored registers a hook called once per insert, used for metrics.
func (s *Store) OnStored(fn func()) {
	s.onStored = fn
}

// Add appends ev, trims the oldest excess and then notifies listeners.
func (s *Store) Add(ev Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.byChangeset[ev.ChangesetID] = append(s.byChangeset[ev.ChangesetID], ev)
	if ev.AgentID != "" {
		s.byAgent[ev.AgentID] = append(s.byAgent[ev.AgentID], ev)
	}
	if ev.SkillID != "" {
		s.bySkill[ev.SkillID] = append(s.bySkill[ev.SkillID], ev)
	}
	if excess := len(s.events) - s.max; excess > 0 {
		removed := make(map[string]struct{}, excess)
		for _, old := range s.events[:excess] {
			removed[old.ID] = struct{}{}
		}
		s.events = append([]Event(nil), s.events[excess:]...)
		pruneIndex(s.byChangeset, removed)
		pruneIndex(s.byAgent, removed)
		pruneIndex(s.bySkill, removed)
	}
	s.mu.Unlock()

	if s.onStored != nil {
		s.onStored()
	}
	s.notify(ev)
}

// pruneIndex drops removed events from every bucket, deleting empty buckets.
func pruneIndex(index map[string][]Event, removed map[string]struct{}) {
	for key, bucket := range index {
		kept := bucket[:0]
		for _, ev := range bucket {
			if _, gone := removed[ev.ID]; !gone {
				kept = append(kept, ev)
			}
		}
		if len(kept) == 0 {
			delete(index, key)
			continue
		}
		index[key] = kept
	}
}

// Create builds an event with a fresh id and the current time, stores it
// and returns it.
func (s *Store) Create(kind Kind, changesetID, domain, agentID, skillID string, content map[string]any) Event {
	if content == nil {
		content = map[string]any{}
	}
	ev := Event{
		ID:          uuid.NewString(),
		Timestamp:   time.Now(),
		ChangesetID: changesetID,
		Kind:        kind,
		Domain:      domain,
		AgentID:     agentID,
		SkillID:     skillID,
		Content:     content,
	}
	s.Add(ev)
	return ev
}

func (s *Store) notify(ev Event) {
	s.listenersMu.RLock()
	fns := make([]Listener, 0, len(s.order))
	for _, id := range s.order {
		fns = append(fns, s.listeners[id])
	}
	s.listenersMu.RUnlock()

	for _, fn := range fns {
		s.invoke(fn, ev)
	}
}

func (s *Store) invoke(fn Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn("event listener panicked", "event_id", ev.ID, "panic", r)
		}
	}()
	fn(ev)
}

// AddListener registers fn and returns an id for RemoveListener.
func (s *Store) AddListener(fn Listener) int {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.nextID++
	s.listeners[s.nextID] = fn
	s.order = append(s.order, s.nextID)
	return s.nextID
}

// RemoveListener unregisters the listener with the given id.
func (s *Store) RemoveListener(id int) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	if _, ok := s.listeners[id]; !ok {
		return
	}
	delete(s.listeners, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// Len returns the number of events in the master list.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

// Recent returns up to limit events, newest first.
func (s *Store) Recent(limit int) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return newestFirst(s.events, limit)
}

// ByChangeset returns every retained event for a changeset in insert order.
func (s *Store) ByChangeset(changesetID string) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.byChangeset[changesetID]...)
}

// RecentByChangeset returns up to limit events for a changeset, newest first.
func (s *Store) RecentByChangeset(changesetID string, limit int) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return newestFirst(s.byChangeset[changesetID], limit)
}

// ByAgent returns up to limit events for an agent, newest first.
func (s *Store) ByAgent(agentID string, limit int) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return newestFirst(s.byAgent[agentID], limit)
}

// BySkill returns up to limit events for a skill, newest first.
func (s *Store) BySkill(skillID string, limit int) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return newestFirst(s.bySkill[skillID], limit)
}

// Changesets lists every changeset id with at least one retained event.
func (s *Store) Changesets() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.byChangeset))
	for id := range s.byChangeset {
		out = append(out, id)
	}
	return out
}

func newestFirst(src []Event, limit int) []Event {
	if limit <= 0 || limit > len(src) {
		limit = len(src)
	}
	out := make([]Event, 0, limit)
	for i := len(src) - 1; i >= len(src)-limit; i-- {
		out = append(out, src[i])
	}
	return out
}
