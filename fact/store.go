package fact

import (
	"log/slog"
	"time"

	"github.com/openremote/openremote-sub002/attribute"
	"github.com/openremote/openremote-sub002/errors"
	"github.com/openremote/openremote-sub002/query"
)

// Store is the fact base of exactly one engine. It is not safe for
// concurrent use on its own; the owning engine serializes all access under
// its fire lock.
type Store struct {
	logger *slog.Logger

	clock time.Time

	states    map[attribute.Ref]*attribute.Event
	events    []*Temporal
	named     map[string]any
	anonymous []any
	vars      map[string]any

	triggerCount int

	trackLocation      bool
	locationPredicates map[string][]*query.RadialGeofencePredicate
}

// NewStore creates an empty fact store.
func NewStore() *Store {
	return &Store{
		logger: slog.Default().With("component", "FactStore"),
		clock:  time.Now(),
		states: make(map[attribute.Ref]*attribute.Event),
		named:  make(map[string]any),
		vars:   make(map[string]any),
	}
}

// SetClock snapshots the clock used by expiry checks and rule conditions
// for the duration of one fire cycle.
func (s *Store) SetClock(now time.Time) {
	s.clock = now
}

// Clock returns the snapshot taken at the start of the current cycle.
func (s *Store) Clock() time.Time {
	return s.clock
}

// PutState inserts or replaces the state fact for the event's (entity,
// attribute) key. There is never more than one fact per key.
func (s *Store) PutState(e *attribute.Event) {
	s.states[e.Key()] = e
}

// RemoveState retracts the state fact for the key, if present.
func (s *Store) RemoveState(ref attribute.Ref) {
	delete(s.states, ref)
}

// State returns the current fact for a key.
func (s *Store) State(ref attribute.Ref) (*attribute.Event, bool) {
	e, ok := s.states[ref]
	return e, ok
}

// States returns all current state facts. The slice is freshly allocated,
// the facts are shared.
func (s *Store) States() []*attribute.Event {
	out := make([]*attribute.Event, 0, len(s.states))
	for _, e := range s.states {
		out = append(out, e)
	}
	return out
}

// MatchStates returns the state facts satisfying the predicate, with the
// query's ordering and limit applied.
func (s *Store) MatchStates(q *query.AssetQuery) ([]*attribute.Event, error) {
	test, err := query.Compile(q)
	if err != nil {
		return nil, err
	}
	var matched []*attribute.Event
	for _, e := range s.states {
		if test(e) {
			matched = append(matched, e)
		}
	}
	return query.Apply(matched, q), nil
}

// InsertEvent adds a temporal event fact that exists until the expiry
// offset elapses.
func (s *Store) InsertEvent(expires time.Duration, e *attribute.Event) {
	s.events = append(s.events, &Temporal{Created: e.Timestamp, Expires: expires, Fact: e})
}

// Events returns the non-expired temporal event facts.
func (s *Store) Events() []*Temporal {
	out := make([]*Temporal, 0, len(s.events))
	for _, t := range s.events {
		if !t.Expired(s.clock) {
			out = append(out, t)
		}
	}
	return out
}

// MatchEvents returns non-expired event facts whose payload satisfies the
// predicate.
func (s *Store) MatchEvents(q *query.AssetQuery) ([]*attribute.Event, error) {
	test, err := query.Compile(q)
	if err != nil {
		return nil, err
	}
	var matched []*attribute.Event
	for _, t := range s.events {
		if t.Expired(s.clock) {
			continue
		}
		if e, ok := t.Fact.(*attribute.Event); ok && test(e) {
			matched = append(matched, e)
		}
	}
	return query.Apply(matched, q), nil
}

// PutNamed stores a fact under a name, replacing any prior value.
func (s *Store) PutNamed(name string, value any) {
	s.named[name] = value
}

// PutNamedTemporary stores a named fact that expires after the offset.
func (s *Store) PutNamedTemporary(name string, expires time.Duration, value any) {
	s.named[name] = &Temporal{Created: s.clock, Expires: expires, Fact: value}
}

// Named returns a named fact. A temporal named fact is unwrapped; an
// expired one reads as absent.
func (s *Store) Named(name string) (any, bool) {
	v, ok := s.named[name]
	if !ok {
		return nil, false
	}
	if t, isTemporal := v.(*Temporal); isTemporal {
		if t.Expired(s.clock) {
			return nil, false
		}
		return t.Fact, true
	}
	return v, true
}

// RemoveNamed deletes a named fact.
func (s *Store) RemoveNamed(name string) {
	delete(s.named, name)
}

// Put adds an anonymous fact.
func (s *Store) Put(value any) {
	s.anonymous = append(s.anonymous, value)
}

// PutTemporary adds an anonymous fact that expires after the offset.
func (s *Store) PutTemporary(expires time.Duration, value any) {
	s.anonymous = append(s.anonymous, &Temporal{Created: s.clock, Expires: expires, Fact: value})
}

// Anonymous returns the non-expired anonymous facts, temporal ones
// unwrapped.
func (s *Store) Anonymous() []any {
	out := make([]any, 0, len(s.anonymous))
	for _, v := range s.anonymous {
		if t, ok := v.(*Temporal); ok {
			if t.Expired(s.clock) {
				continue
			}
			out = append(out, t.Fact)
			continue
		}
		out = append(out, v)
	}
	return out
}

// Bind records a variable binding visible to the remainder of the current
// rule's evaluation only.
func (s *Store) Bind(name string, value any) {
	s.vars[name] = value
}

// Bound looks up a variable binding.
func (s *Store) Bound(name string) (any, bool) {
	v, ok := s.vars[name]
	return v, ok
}

// ClearBindings empties the binding scratch space. The engine calls this
// before evaluating each rule's condition so bindings never leak across
// rules.
func (s *Store) ClearBindings() {
	clear(s.vars)
}

// ExpireTemporal removes every temporal fact, event, named or anonymous,
// whose expiration instant has passed. It returns how many were removed.
func (s *Store) ExpireTemporal(now time.Time) int {
	removed := 0

	kept := s.events[:0]
	for _, t := range s.events {
		if t.Expired(now) {
			removed++
			continue
		}
		kept = append(kept, t)
	}
	s.events = kept

	for name, v := range s.named {
		if t, ok := v.(*Temporal); ok && t.Expired(now) {
			delete(s.named, name)
			removed++
		}
	}

	keptAnon := s.anonymous[:0]
	for _, v := range s.anonymous {
		if t, ok := v.(*Temporal); ok && t.Expired(now) {
			removed++
			continue
		}
		keptAnon = append(keptAnon, v)
	}
	s.anonymous = keptAnon

	if removed > 0 {
		s.logger.Debug("expired temporal facts", "count", removed)
	}
	return removed
}

// HasTemporal reports whether any non-expired temporal fact remains. The
// engine keeps rescheduling fire cycles while this is true.
func (s *Store) HasTemporal() bool {
	for _, t := range s.events {
		if !t.Expired(s.clock) {
			return true
		}
	}
	for _, v := range s.named {
		if t, ok := v.(*Temporal); ok && !t.Expired(s.clock) {
			return true
		}
	}
	for _, v := range s.anonymous {
		if t, ok := v.(*Temporal); ok && !t.Expired(s.clock) {
			return true
		}
	}
	return false
}

// CountTriggered records one rule firing in the current cycle and errors
// once the ceiling is reached.
func (s *Store) CountTriggered() error {
	s.triggerCount++
	if s.triggerCount >= MaxTriggersPerCycle {
		return errors.ErrRulesLoop
	}
	return nil
}

// TriggerCount returns the firings recorded in the current cycle.
func (s *Store) TriggerCount() int {
	return s.triggerCount
}

// Reset clears the per-cycle scratch state: the trigger count and any
// leftover bindings. Called at the end of every fire cycle.
func (s *Store) Reset() {
	s.triggerCount = 0
	clear(s.vars)
}

// StateCount returns the number of state facts, for metrics.
func (s *Store) StateCount() int {
	return len(s.states)
}

// TemporalCount returns the number of temporal facts held, expired or not,
// for metrics.
func (s *Store) TemporalCount() int {
	n := len(s.events)
	for _, v := range s.named {
		if _, ok := v.(*Temporal); ok {
			n++
		}
	}
	for _, v := range s.anonymous {
		if _, ok := v.(*Temporal); ok {
			n++
		}
	}
	return n
}

// TrackLocationRules toggles recording of matched location predicates
// during condition evaluation, used for geofence aggregation.
func (s *Store) TrackLocationRules(on bool) {
	s.trackLocation = on
	if on && s.locationPredicates == nil {
		s.locationPredicates = make(map[string][]*query.RadialGeofencePredicate)
	}
}

// StoreLocationPredicates records the radial predicates a rule applied to
// an asset's location. No-op unless tracking is on.
func (s *Store) StoreLocationPredicates(assetID string, preds []*query.RadialGeofencePredicate) {
	if !s.trackLocation || len(preds) == 0 {
		return
	}
	s.locationPredicates[assetID] = append(s.locationPredicates[assetID], preds...)
}

// TakeLocationPredicates returns and clears the recorded predicates.
func (s *Store) TakeLocationPredicates() map[string][]*query.RadialGeofencePredicate {
	out := s.locationPredicates
	if s.trackLocation {
		s.locationPredicates = make(map[string][]*query.RadialGeofencePredicate)
	} else {
		s.locationPredicates = nil
	}
	return out
}
