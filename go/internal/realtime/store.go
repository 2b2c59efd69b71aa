package realtime

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultTransitionField is the payload field whose appearance signals that
// the party moved from the lobby into a game round.
const DefaultTransitionField = "active_round_id"

// TransitionDetector extracts a transition marker from a payload. ok is
// false when the payload carries none.
type TransitionDetector func(key EntityKey, payload json.RawMessage) (marker string, ok bool)

// FieldMarker returns a detector reading a top-level payload field. Null,
// missing, empty and zero values carry no marker.
func FieldMarker(field string) TransitionDetector {
	return func(_ EntityKey, payload json.RawMessage) (string, bool) {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(payload, &fields); err != nil {
			return "", false
		}
		raw, ok := fields[field]
		if !ok {
			return "", false
		}
		raw = bytes.TrimSpace(raw)
		if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
			return "", false
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s, s != ""
		}
		var n json.Number
		if err := json.Unmarshal(raw, &n); err == nil {
			if i, err := strconv.ParseInt(n.String(), 10, 64); err == nil && i == 0 {
				return "", false
			}
			return n.String(), true
		}
		return "", false
	}
}

// StoreOption customizes a Store.
type StoreOption func(*Store)

// WithTransitionDetector replaces the default active_round_id detector. A
// nil detector disables transition events.
func WithTransitionDetector(detector TransitionDetector) StoreOption {
	return func(s *Store) { s.detector = detector }
}

// WithStoreClock replaces the real clock used for UpdatedAt.
func WithStoreClock(clock Clock) StoreOption {
	return func(s *Store) { s.clock = clock }
}

// WithStoreLogger replaces the default component logger.
func WithStoreLogger(logger zerolog.Logger) StoreOption {
	return func(s *Store) { s.logger = logger }
}

// Store is the local authoritative cache of synchronized entities. Versions
// only move forward: a delta at or below the held version is discarded.
//
// Subscribers are called in apply order. A subscriber must not call Apply or
// Amend synchronously; hand the work to another goroutine instead.
type Store struct {
	mu          sync.Mutex
	entities    map[EntityKey]*Entity
	signaled    map[EntityKey]map[string]struct{}
	subscribers map[EntityKey]map[uint64]func(Event)
	nextSubID   uint64

	// discarded keys reject deltas until the next Subscribe on them.
	discarded map[EntityKey]struct{}

	// notifyMu is taken before mu is released so notifications from two
	// applies never interleave.
	notifyMu sync.Mutex

	detector TransitionDetector
	clock    Clock
	logger   zerolog.Logger
}

// NewStore creates an empty store.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		entities:    make(map[EntityKey]*Entity),
		signaled:    make(map[EntityKey]map[string]struct{}),
		subscribers: make(map[EntityKey]map[uint64]func(Event)),
		discarded:   make(map[EntityKey]struct{}),
		detector:    FieldMarker(DefaultTransitionField),
		clock:       clockwork.NewRealClock(),
		logger:      log.Logger.With().Str("component", "sync_store").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Apply reconciles a delta. It returns false when the delta was stale or
// its entity was discarded.
func (s *Store) Apply(d Delta) bool {
	key := d.Key()

	s.mu.Lock()
	if _, gone := s.discarded[key]; gone {
		s.mu.Unlock()
		s.logger.Debug().
			Str("entity", key.String()).
			Int64("version", d.Version).
			Msg("discarding delta for closed entity")
		return false
	}
	if current, ok := s.entities[key]; ok && d.Version <= current.Version {
		s.mu.Unlock()
		s.logger.Debug().
			Str("entity", key.String()).
			Int64("version", d.Version).
			Int64("held_version", current.Version).
			Msg("discarding stale delta")
		return false
	}

	payload := clonePayload(d.Payload)
	s.entities[key] = &Entity{
		Key:       key,
		Version:   d.Version,
		Payload:   payload,
		UpdatedAt: s.clock.Now(),
	}

	events := []Event{{Kind: EventUpdated, Key: key, Version: d.Version, Payload: payload}}
	if s.detector != nil {
		if marker, ok := s.detector(key, payload); ok {
			seen := s.signaled[key]
			if seen == nil {
				seen = make(map[string]struct{})
				s.signaled[key] = seen
			}
			if _, done := seen[marker]; !done {
				seen[marker] = struct{}{}
				events = append(events, Event{Kind: EventTransition, Key: key, Version: d.Version, Payload: payload, Marker: marker})
			}
		}
	}

	s.dispatchLocked(key, events)
	return true
}

// Amend rewrites the held payload at its current version. It is used for
// optimistic local updates after a confirmed mutation; the next
// authoritative delta replaces the result. It returns false when nothing is
// held for key.
func (s *Store) Amend(key EntityKey, fn func(json.RawMessage) (json.RawMessage, error)) (bool, error) {
	s.mu.Lock()
	current, ok := s.entities[key]
	if !ok {
		s.mu.Unlock()
		return false, nil
	}

	amended, err := fn(clonePayload(current.Payload))
	if err != nil {
		s.mu.Unlock()
		return false, fmt.Errorf("amend %s: %w", key, err)
	}

	payload := clonePayload(amended)
	s.entities[key] = &Entity{
		Key:       key,
		Version:   current.Version,
		Payload:   payload,
		UpdatedAt: s.clock.Now(),
		Amended:   true,
	}

	s.dispatchLocked(key, []Event{{Kind: EventAmended, Key: key, Version: current.Version, Payload: payload}})
	return true, nil
}

// dispatchLocked releases mu and delivers events while holding notifyMu.
func (s *Store) dispatchLocked(key EntityKey, events []Event) {
	subs := make([]func(Event), 0, len(s.subscribers[key]))
	for _, fn := range s.subscribers[key] {
		subs = append(subs, fn)
	}

	s.notifyMu.Lock()
	s.mu.Unlock()
	defer s.notifyMu.Unlock()

	for _, ev := range events {
		for _, fn := range subs {
			fn(ev)
		}
	}
}

// Snapshot returns a copy of the held entity.
func (s *Store) Snapshot(key EntityKey) (Entity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.entities[key]
	if !ok {
		return Entity{}, false
	}
	e := *current
	e.Payload = clonePayload(current.Payload)
	return e, true
}

// Version returns the held version, or 0 when nothing is held.
func (s *Store) Version(key EntityKey) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if current, ok := s.entities[key]; ok {
		return current.Version
	}
	return 0
}

// Subscribe registers fn for events on key and returns its unsubscribe
// function. Subscribing reopens a discarded key.
func (s *Store) Subscribe(key EntityKey, fn func(Event)) func() {
	s.mu.Lock()
	delete(s.discarded, key)
	id := s.nextSubID
	s.nextSubID++
	if s.subscribers[key] == nil {
		s.subscribers[key] = make(map[uint64]func(Event))
	}
	s.subscribers[key][id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if subs, ok := s.subscribers[key]; ok {
				delete(subs, id)
				if len(subs) == 0 {
					delete(s.subscribers, key)
				}
			}
		})
	}
}

// Discard drops an entity, its transition history and its subscribers.
// Deltas for key are rejected until it is subscribed to again.
func (s *Store) Discard(key EntityKey) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.discarded[key] = struct{}{}
	delete(s.entities, key)
	delete(s.signaled, key)
	delete(s.subscribers, key)
}

// Has reports whether anything is held for key.
func (s *Store) Has(key EntityKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entities[key]
	return ok
}

// Len returns the number of held entities.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entities)
}

func clonePayload(p json.RawMessage) json.RawMessage {
	if p == nil {
		return nil
	}
	out := make(json.RawMessage, len(p))
	copy(out, p)
	return out
}

// Clock is the interface we use for time operations.
// In production, use clockwork.NewRealClock(). In tests, a FakeClock.
type Clock interface {
	Now() time.Time
	NewTimer(d time.Duration) clockwork.Timer
}
