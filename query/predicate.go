// Package query implements the declarative predicate language used by rule
// conditions and state lookups. A predicate tree is parsed from JSON into a
// closed set of predicate types and compiled into a boolean test against an
// attribute event.
package query

import (
	"encoding/json"
	"fmt"
)

// StringMatch selects how a string pattern is applied.
type StringMatch string

const (
	MatchExact    StringMatch = "EXACT"
	MatchBegin    StringMatch = "BEGIN"
	MatchEnd      StringMatch = "END"
	MatchContains StringMatch = "CONTAINS"
)

// Operator is a numeric or date comparison operator.
type Operator string

const (
	OpEquals        Operator = "EQUALS"
	OpNotEquals     Operator = "NOT_EQUALS"
	OpGreaterThan   Operator = "GREATER_THAN"
	OpGreaterEquals Operator = "GREATER_EQUALS"
	OpLessThan      Operator = "LESS_THAN"
	OpLessEquals    Operator = "LESS_EQUALS"
	OpBetween       Operator = "BETWEEN"
)

// NumberType selects the coercion applied before a numeric comparison.
type NumberType string

const (
	NumberDouble  NumberType = "DOUBLE"
	NumberInteger NumberType = "INTEGER"
)

// StringPredicate matches a string value against a pattern. A nil pattern
// only matches a nil value.
type StringPredicate struct {
	Match         StringMatch `json:"match,omitempty"`
	CaseSensitive *bool       `json:"caseSensitive,omitempty"`
	Value         *string     `json:"value"`
	Negate        bool        `json:"negate,omitempty"`
}

// IsCaseSensitive reports the case sensitivity flag, defaulting to true.
func (p *StringPredicate) IsCaseSensitive() bool {
	return p.CaseSensitive == nil || *p.CaseSensitive
}

// MatchMode returns the match mode, defaulting to exact.
func (p *StringPredicate) MatchMode() StringMatch {
	if p.Match == "" {
		return MatchExact
	}
	return p.Match
}

// BooleanPredicate matches a boolean value. A nil value is coerced to false
// before comparison.
type BooleanPredicate struct {
	Value bool `json:"value"`
}

// NumberPredicate compares a numeric value against one or two bounds.
type NumberPredicate struct {
	Value      *float64   `json:"value"`
	RangeValue *float64   `json:"rangeValue,omitempty"`
	Operator   Operator   `json:"operator,omitempty"`
	Type       NumberType `json:"type,omitempty"`
}

// Op returns the operator, defaulting to equals.
func (p *NumberPredicate) Op() Operator {
	if p.Operator == "" {
		return OpEquals
	}
	return p.Operator
}

// DatePredicate compares a timestamp against one or two RFC 3339 instants.
type DatePredicate struct {
	Value      string   `json:"value"`
	RangeValue string   `json:"rangeValue,omitempty"`
	Operator   Operator `json:"operator,omitempty"`
}

// Op returns the operator, defaulting to equals.
func (p *DatePredicate) Op() Operator {
	if p.Operator == "" {
		return OpEquals
	}
	return p.Operator
}

// ArrayPredicate matches a string array position by position.
type ArrayPredicate struct {
	Predicates []*StringPredicate `json:"predicates"`
}

// EmptyPredicate matches an absent value, or a present one when negated.
type EmptyPredicate struct {
	Negate bool `json:"negate,omitempty"`
}

// RadialGeofencePredicate matches coordinates within a radius of a centre.
type RadialGeofencePredicate struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Radius  float64 `json:"radius"`
	Negated bool    `json:"negated,omitempty"`
}

// RectangularGeofencePredicate matches coordinates inside a lat/lng envelope.
type RectangularGeofencePredicate struct {
	LatMin  float64 `json:"latMin"`
	LngMin  float64 `json:"lngMin"`
	LatMax  float64 `json:"latMax"`
	LngMax  float64 `json:"lngMax"`
	Negated bool    `json:"negated,omitempty"`
}

// ParentPredicate constrains the fact's direct parent.
type ParentPredicate struct {
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	NoParent bool   `json:"noParent,omitempty"`
}

// PathPredicate requires exact equality with the fact's ancestor path.
type PathPredicate struct {
	Path []string `json:"path"`
}

// TenantPredicate constrains realm name and/or realm id.
type TenantPredicate struct {
	Realm   string `json:"realm,omitempty"`
	RealmID string `json:"realmId,omitempty"`
}

// ValuePredicate is the closed union of predicates applicable to an
// attribute value. Exactly one of the fields is set after decoding.
type ValuePredicate struct {
	String *StringPredicate
	Bool   *BooleanPredicate
	Number *NumberPredicate
	Date   *DatePredicate
	Array  *ArrayPredicate
	Empty  *EmptyPredicate
	Radial *RadialGeofencePredicate
	Rect   *RectangularGeofencePredicate
}

type valuePredicateEnvelope struct {
	Type string `json:"predicateType"`
}

// UnmarshalJSON dispatches on the "predicateType" discriminator.
func (v *ValuePredicate) UnmarshalJSON(data []byte) error {
	var env valuePredicateEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	switch env.Type {
	case "string":
		v.String = &StringPredicate{}
		return json.Unmarshal(data, v.String)
	case "boolean":
		v.Bool = &BooleanPredicate{}
		return json.Unmarshal(data, v.Bool)
	case "number":
		v.Number = &NumberPredicate{}
		return json.Unmarshal(data, v.Number)
	case "datetime":
		v.Date = &DatePredicate{}
		return json.Unmarshal(data, v.Date)
	case "string-array":
		v.Array = &ArrayPredicate{}
		return json.Unmarshal(data, v.Array)
	case "value-empty":
		v.Empty = &EmptyPredicate{}
		return json.Unmarshal(data, v.Empty)
	case "radial":
		v.Radial = &RadialGeofencePredicate{}
		return json.Unmarshal(data, v.Radial)
	case "rect":
		v.Rect = &RectangularGeofencePredicate{}
		return json.Unmarshal(data, v.Rect)
	}
	return fmt.Errorf("unknown predicateType %q", env.Type)
}

// MarshalJSON re-attaches the "predicateType" discriminator.
func (v ValuePredicate) MarshalJSON() ([]byte, error) {
	tag := func(t string, p any) ([]byte, error) {
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, err
		}
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, err
		}
		m["predicateType"] = t
		return json.Marshal(m)
	}
	switch {
	case v.String != nil:
		return tag("string", v.String)
	case v.Bool != nil:
		return tag("boolean", v.Bool)
	case v.Number != nil:
		return tag("number", v.Number)
	case v.Date != nil:
		return tag("datetime", v.Date)
	case v.Array != nil:
		return tag("string-array", v.Array)
	case v.Empty != nil:
		return tag("value-empty", v.Empty)
	case v.Radial != nil:
		return tag("radial", v.Radial)
	case v.Rect != nil:
		return tag("rect", v.Rect)
	}
	return nil, fmt.Errorf("empty value predicate")
}

// AttributePredicate matches one attribute by optional name pattern and
// optional value predicate.
type AttributePredicate struct {
	Name  *StringPredicate `json:"name,omitempty"`
	Value *ValuePredicate  `json:"value,omitempty"`
}

// LogicOperator combines sub-predicates.
type LogicOperator string

const (
	LogicAnd LogicOperator = "AND"
	LogicOr  LogicOperator = "OR"
)

// LogicGroup is a boolean combination of attribute predicates and nested
// groups. An empty group always matches.
type LogicGroup struct {
	Operator LogicOperator         `json:"operator,omitempty"`
	Items    []*AttributePredicate `json:"items,omitempty"`
	Groups   []*LogicGroup         `json:"groups,omitempty"`
}

// Op returns the group operator, defaulting to AND.
func (g *LogicGroup) Op() LogicOperator {
	if g.Operator == "" {
		return LogicAnd
	}
	return g.Operator
}
