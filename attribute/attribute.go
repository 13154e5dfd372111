// Package attribute defines the asset attribute model shared by the rules
// engine: attribute references, attribute change events and the metadata
// flags that decide how an attribute participates in rule evaluation.
package attribute

import (
	"fmt"
	"time"

	"github.com/paulmach/orb"
)

// Location is the well-known attribute name carrying an asset's coordinate.
const Location = "location"

// Ref identifies a single (entity, attribute) pair.
type Ref struct {
	EntityID string `json:"entityId"`
	Name     string `json:"name"`
}

// String returns "entityId:name" for logging.
func (r Ref) String() string {
	return fmt.Sprintf("%s:%s", r.EntityID, r.Name)
}

// Meta carries the attribute metadata flags consulted by the dispatcher when
// deciding whether an update becomes a state fact, an event fact, both or
// neither.
type Meta struct {
	// RuleState marks the attribute as a current-state fact.
	RuleState bool `json:"ruleState,omitempty"`
	// AgentLink implies RuleState when RuleState is not set explicitly.
	AgentLink bool `json:"agentLink,omitempty"`
	// RuleEvent marks the attribute as a temporal event fact.
	RuleEvent bool `json:"ruleEvent,omitempty"`
	// RuleEventExpires overrides the default event expiry, as a duration
	// string ("30m", "PT1H").
	RuleEventExpires string `json:"ruleEventExpires,omitempty"`
}

// IsRuleState reports whether the attribute should be kept as a state fact.
func (m Meta) IsRuleState() bool {
	return m.RuleState || m.AgentLink
}

// Event is one attribute write flowing through the system. It doubles as the
// state fact payload: the dispatcher routes it and the fact stores keep the
// latest Event per Ref.
type Event struct {
	Ref

	Value        any       `json:"value"`
	Timestamp    time.Time `json:"timestamp"`
	OldValue     any       `json:"oldValue,omitempty"`
	OldTimestamp time.Time `json:"oldTimestamp,omitempty"`

	// Realm is the tenant the entity belongs to.
	Realm string `json:"realm"`
	// RealmID is the tenant's opaque identifier.
	RealmID string `json:"realmId,omitempty"`
	// Path lists ancestor entity ids from this entity up to the root.
	Path []string `json:"path,omitempty"`

	ParentID   string `json:"parentId,omitempty"`
	ParentType string `json:"parentType,omitempty"`
	EntityType string `json:"entityType,omitempty"`
	EntityName string `json:"entityName,omitempty"`

	Meta Meta `json:"meta,omitempty"`

	// Deleted marks a retraction: the attribute or its entity was removed.
	Deleted bool `json:"deleted,omitempty"`
	// Source names the subsystem that produced the write.
	Source string `json:"source,omitempty"`
}

// Key returns the uniqueness key for state facts.
func (e *Event) Key() Ref {
	return e.Ref
}

// Point extracts a coordinate from the event value. Supported shapes are
// GeoJSON point objects ({"type":"Point","coordinates":[lng,lat]}) and bare
// [lng,lat] arrays, both as decoded JSON.
func (e *Event) Point() (orb.Point, bool) {
	return PointOf(e.Value)
}

// PointOf extracts a coordinate from a decoded JSON value.
func PointOf(value any) (orb.Point, bool) {
	switch v := value.(type) {
	case orb.Point:
		return v, true
	case []float64:
		if len(v) == 2 {
			return orb.Point{v[0], v[1]}, true
		}
	case []any:
		return pointFromSlice(v)
	case map[string]any:
		coords, ok := v["coordinates"]
		if !ok {
			return orb.Point{}, false
		}
		return PointOf(coords)
	}
	return orb.Point{}, false
}

func pointFromSlice(v []any) (orb.Point, bool) {
	if len(v) != 2 {
		return orb.Point{}, false
	}
	var p orb.Point
	for i, c := range v {
		f, ok := toFloat(c)
		if !ok {
			return orb.Point{}, false
		}
		p[i] = f
	}
	return p, true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
