package dispatch

import (
	"github.com/openremote/openremote-sub002/attribute"
)

// ProcessAssetUpdate routes one attribute write into the rules system per
// its metadata: a state fact, a temporal event fact, both or neither. It
// reports whether the update was consumed. Updates arriving before Start
// are buffered and replayed in order.
func (d *Dispatcher) ProcessAssetUpdate(e *attribute.Event) bool {
	state := e.Meta.IsRuleState()
	event := e.Meta.RuleEvent
	if !state && !event {
		return false
	}

	d.mu.Lock()
	if !d.started {
		d.buffered = append(d.buffered, e)
		d.mu.Unlock()
		return true
	}

	if e.Deleted {
		d.retractStateLocked(e.Key())
		d.mu.Unlock()
		return true
	}
	if state {
		d.updateStateLocked(e)
	}
	if event {
		d.insertEventLocked(e)
	}
	d.mu.Unlock()
	return true
}

// UpdateState inserts or replaces a state fact in every engine in scope.
func (d *Dispatcher) UpdateState(e *attribute.Event) {
	d.mu.Lock()
	d.updateStateLocked(e)
	d.mu.Unlock()
}

// RetractState removes a state fact from every engine holding it.
func (d *Dispatcher) RetractState(ref attribute.Ref) {
	d.mu.Lock()
	d.retractStateLocked(ref)
	d.mu.Unlock()
}

// InsertEvent adds a temporal event fact to every engine in scope, bounded
// by the attribute's own expiry or the configured default.
func (d *Dispatcher) InsertEvent(e *attribute.Event) {
	d.mu.Lock()
	d.insertEventLocked(e)
	d.mu.Unlock()
}

func (d *Dispatcher) updateStateLocked(e *attribute.Event) {
	// Out-of-order delivery: never let an older value overwrite the
	// indexed fact.
	if existing, ok := d.index[e.Key()]; ok && e.Timestamp.Before(existing.Timestamp) {
		d.logger.Debug("stale state update ignored", "ref", e.Key().String(),
			"timestamp", e.Timestamp, "indexed", existing.Timestamp)
		return
	}
	d.index[e.Key()] = e
	for _, eng := range d.enginesInScopeLocked(e.Realm, e.Path) {
		eng.UpdateFact(e, true)
	}
}

func (d *Dispatcher) retractStateLocked(ref attribute.Ref) {
	existing, ok := d.index[ref]
	if !ok {
		return
	}
	delete(d.index, ref)
	for _, eng := range d.enginesInScopeLocked(existing.Realm, existing.Path) {
		eng.RetractFact(ref)
	}
}

func (d *Dispatcher) insertEventLocked(e *attribute.Event) {
	expires := d.opts.DefaultEventExpires
	if s := e.Meta.RuleEventExpires; s != "" {
		parsed, err := attribute.ParseTimeDuration(s)
		if err != nil {
			d.logger.Warn("invalid ruleEventExpires, using default", "ref", e.Key().String(), "value", s, "error", err)
		} else {
			expires = parsed
		}
	}
	for _, eng := range d.enginesInScopeLocked(e.Realm, e.Path) {
		eng.InsertEvent(expires, e)
	}
}
